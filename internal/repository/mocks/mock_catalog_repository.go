package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"

	"kbapi/internal/model"
	"kbapi/internal/repository"
)

type MockCatalogRepository struct {
	mock.Mock
}

func (m *MockCatalogRepository) FindByID(ctx context.Context, id string) (*model.Document, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Document), args.Error(1)
}

func (m *MockCatalogRepository) List(ctx context.Context) ([]model.Document, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]model.Document), args.Error(1)
}

func (m *MockCatalogRepository) Page(ctx context.Context, pq repository.PageQuery) (*repository.PageResult[model.Document], error) {
	args := m.Called(ctx, pq)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*repository.PageResult[model.Document]), args.Error(1)
}

func (m *MockCatalogRepository) GetAggregate(ctx context.Context) (*model.KnowledgeAggregate, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.KnowledgeAggregate), args.Error(1)
}

func (m *MockCatalogRepository) Commit(ctx context.Context, c repository.Commit) (*model.KnowledgeAggregate, error) {
	args := m.Called(ctx, c)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.KnowledgeAggregate), args.Error(1)
}
