package mocks

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"

	"kbapi/internal/model"
	"kbapi/internal/service"
)

type MockKnowledgeService struct {
	mock.Mock
}

var _ service.KnowledgeService = (*MockKnowledgeService)(nil)

func (m *MockKnowledgeService) Upload(ctx context.Context, files []model.UploadInput) (*model.UploadResult, error) {
	args := m.Called(ctx, files)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.UploadResult), args.Error(1)
}

func (m *MockKnowledgeService) Delete(ctx context.Context, id string) (*model.OperationResult, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.OperationResult), args.Error(1)
}

func (m *MockKnowledgeService) Rebuild(ctx context.Context) (*model.OperationResult, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.OperationResult), args.Error(1)
}

func (m *MockKnowledgeService) List(ctx context.Context) ([]model.Document, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]model.Document), args.Error(1)
}

func (m *MockKnowledgeService) Page(ctx context.Context, limit, offset int) (*service.DocumentListResult, error) {
	args := m.Called(ctx, limit, offset)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*service.DocumentListResult), args.Error(1)
}

func (m *MockKnowledgeService) Get(ctx context.Context, id string) (*model.Document, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Document), args.Error(1)
}

func (m *MockKnowledgeService) Aggregate(ctx context.Context) (*model.KnowledgeAggregate, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.KnowledgeAggregate), args.Error(1)
}

func (m *MockKnowledgeService) DownloadURL(ctx context.Context, id string, expiry time.Duration) (string, error) {
	args := m.Called(ctx, id, expiry)
	return args.String(0), args.Error(1)
}
