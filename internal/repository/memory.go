package repository

import (
	"context"
	"fmt"
	"sync"
	"time"

	"kbapi/internal/aggregate"
	"kbapi/internal/model"
)

// MemoryCatalog is a thread-safe in-memory CatalogRepository.
type MemoryCatalog struct {
	mu   sync.RWMutex
	docs map[string]model.Document
	agg  model.KnowledgeAggregate
}

var _ CatalogRepository = (*MemoryCatalog)(nil)

// NewMemoryCatalog creates an empty catalog.
func NewMemoryCatalog() *MemoryCatalog {
	return &MemoryCatalog{docs: make(map[string]model.Document)}
}

func (r *MemoryCatalog) FindByID(ctx context.Context, id string) (*model.Document, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.docs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return &d, nil
}

func (r *MemoryCatalog) List(ctx context.Context) ([]model.Document, error) {
	r.mu.RLock()
	out := make([]model.Document, 0, len(r.docs))
	for _, d := range r.docs {
		out = append(out, d)
	}
	r.mu.RUnlock()

	aggregate.SortDocuments(out)
	return out, nil
}

func (r *MemoryCatalog) Page(ctx context.Context, pq PageQuery) (*PageResult[model.Document], error) {
	all, err := r.List(ctx)
	if err != nil {
		return nil, err
	}
	// Same order as the SQL listing: newest first.
	for i, j := 0, len(all)-1; i < j; i, j = i+1, j-1 {
		all[i], all[j] = all[j], all[i]
	}

	total := len(all)
	start := min(max(pq.Offset, 0), total)
	end := total
	if pq.Limit > 0 {
		end = min(start+pq.Limit, total)
	}
	return &PageResult[model.Document]{Items: all[start:end], Total: total}, nil
}

func (r *MemoryCatalog) GetAggregate(ctx context.Context) (*model.KnowledgeAggregate, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a := r.agg
	return &a, nil
}

func (r *MemoryCatalog) Commit(ctx context.Context, c Commit) (*model.KnowledgeAggregate, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	for i := range c.Create {
		if err := c.Create[i].Validate(); err != nil {
			return nil, fmt.Errorf("invalid document %q: %w", c.Create[i].FileName, err)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.agg.Version != c.ExpectedVersion {
		return nil, fmt.Errorf("%w: expected %d, have %d", ErrVersionConflict, c.ExpectedVersion, r.agg.Version)
	}
	for _, id := range c.Delete {
		if _, ok := r.docs[id]; !ok {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
	}
	for _, d := range c.Create {
		if _, ok := r.docs[d.ID]; ok {
			return nil, fmt.Errorf("duplicate document id %s", d.ID)
		}
	}

	for _, id := range c.Delete {
		delete(r.docs, id)
	}
	for _, d := range c.Create {
		// Same precision as timestamptz.
		d.UploadedAt = d.UploadedAt.Truncate(time.Microsecond)
		r.docs[d.ID] = d
	}
	r.agg = model.KnowledgeAggregate{
		Content:       c.Content,
		LastUpdatedAt: c.UpdatedAt,
		Version:       r.agg.Version + 1,
	}
	a := r.agg
	return &a, nil
}
