package repository

import (
	"context"
	"errors"
	"time"

	"kbapi/internal/model"
)

var (
	// ErrNotFound is returned when a document id is not in the catalog.
	ErrNotFound = errors.New("document not found")
	// ErrVersionConflict is returned by Commit when the aggregate changed since it was read.
	ErrVersionConflict = errors.New("knowledge aggregate version conflict")
	// ErrPermissionDenied is returned when the catalog credentials may not write.
	ErrPermissionDenied = errors.New("catalog permission denied")
)

// Commit is one atomic catalog mutation. The new documents, the deletions and
// the aggregate content become visible together or not at all. It is applied
// only when the stored aggregate version still equals ExpectedVersion.
type Commit struct {
	Create          []model.Document
	Delete          []string
	Content         string
	UpdatedAt       time.Time
	ExpectedVersion int64
}

// CatalogRepository is the durable document catalog plus the aggregate singleton.
// No business logic here, strictly persistence operations.
type CatalogRepository interface {
	// FindByID returns a document by its ID or ErrNotFound.
	FindByID(ctx context.Context, id string) (*model.Document, error)

	// List returns every document ordered by uploaded_at, then id.
	List(ctx context.Context) ([]model.Document, error)

	// Page returns a page of documents (newest first) and the total rows count.
	Page(ctx context.Context, pq PageQuery) (*PageResult[model.Document], error)

	// GetAggregate returns the committed aggregate. Before the first commit it is
	// empty with version 0.
	GetAggregate(ctx context.Context) (*model.KnowledgeAggregate, error)

	// Commit applies c in a single transaction and returns the new aggregate.
	// Deleting an id that is not present fails with ErrNotFound and applies nothing.
	Commit(ctx context.Context, c Commit) (*model.KnowledgeAggregate, error)
}

// PageQuery holds limit/offset pagination parameters.
type PageQuery struct {
	Limit  int
	Offset int
}

// PageResult is a generic pagination result wrapper.
// T is typically a model type.
type PageResult[T any] struct {
	Items []T
	Total int
}
