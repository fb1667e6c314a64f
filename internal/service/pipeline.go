package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"

	"kbapi/internal/extract"
	"kbapi/internal/model"
	"kbapi/internal/repository"
	"kbapi/internal/retry"
	"kbapi/internal/storage"
)

const (
	// keyPrefix is the blob store folder every source document is written under.
	keyPrefix = "knowledge_base"

	defaultCommitAttempts = 3
	fetchConcurrency      = 8
)

var tracer = otel.Tracer("kbapi/internal/service")

// DocumentListResult is the service-level DTO for paginated documents.
type DocumentListResult struct {
	Items []model.Document `json:"data"`
	Total int              `json:"total"`
}

// KnowledgeService is the ingestion pipeline as seen by the HTTP and CLI surfaces.
type KnowledgeService interface {
	// Upload stores, extracts and catalogs a batch. Per-file failures are reported
	// in the result; only infrastructure or commit failures are returned as error.
	Upload(ctx context.Context, files []model.UploadInput) (*model.UploadResult, error)

	// Delete removes a document's blob and record and rebuilds the aggregate.
	Delete(ctx context.Context, id string) (*model.OperationResult, error)

	// Rebuild recomputes the aggregate from every cataloged document.
	Rebuild(ctx context.Context) (*model.OperationResult, error)

	// List returns every document in catalog order.
	List(ctx context.Context) ([]model.Document, error)

	// Page returns documents using limit/offset and a total count.
	Page(ctx context.Context, limit, offset int) (*DocumentListResult, error)

	// Get returns a single document by its ID.
	Get(ctx context.Context, id string) (*model.Document, error)

	// Aggregate returns the last committed knowledge aggregate.
	Aggregate(ctx context.Context) (*model.KnowledgeAggregate, error)

	// DownloadURL returns a presigned link to the document's original file.
	DownloadURL(ctx context.Context, id string, expiry time.Duration) (string, error)
}

// Pipeline is the only writer of the knowledge aggregate.
type Pipeline struct {
	store     storage.Storage
	catalog   repository.CatalogRepository
	extractor extract.Extractor

	logger         *slog.Logger
	policy         retry.Policy
	metrics        *Metrics
	now            func() time.Time
	commitAttempts int
	maxFileBytes   int64
	maxFiles       int
	snapshotMaxAge time.Duration

	// writeMu serializes every aggregate computation and commit in this process.
	writeMu  sync.Mutex
	texts    textCache
	snapshot atomic.Pointer[model.KnowledgeAggregate]
	// snapshotAt is when snapshot was last confirmed against the catalog, in unix nanoseconds.
	snapshotAt atomic.Int64
}

var _ KnowledgeService = (*Pipeline)(nil)

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Pipeline) {
		if l != nil {
			p.logger = l
		}
	}
}

// WithRetryPolicy sets the policy applied to blob store and extraction calls.
func WithRetryPolicy(rp retry.Policy) Option {
	return func(p *Pipeline) { p.policy = rp }
}

// WithMetrics records pipeline outcomes on m.
func WithMetrics(m *Metrics) Option {
	return func(p *Pipeline) { p.metrics = m }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) {
		if now != nil {
			p.now = now
		}
	}
}

// WithCommitAttempts bounds how often a commit is retried after a version conflict.
func WithCommitAttempts(n int) Option {
	return func(p *Pipeline) {
		if n > 0 {
			p.commitAttempts = n
		}
	}
}

// WithUploadLimits caps the size of one file and the number of files per batch.
// Zero disables a limit.
func WithUploadLimits(maxFileBytes int64, maxFiles int) Option {
	return func(p *Pipeline) {
		p.maxFileBytes = maxFileBytes
		p.maxFiles = maxFiles
	}
}

// WithSnapshotMaxAge makes Aggregate reload from the catalog once the cached
// aggregate is older than d, so commits made by other replicas become visible.
// Zero keeps the snapshot until this process commits.
func WithSnapshotMaxAge(d time.Duration) Option {
	return func(p *Pipeline) {
		if d > 0 {
			p.snapshotMaxAge = d
		}
	}
}

// NewPipeline constructs the orchestrator.
func NewPipeline(store storage.Storage, catalog repository.CatalogRepository, extractor extract.Extractor, opts ...Option) *Pipeline {
	p := &Pipeline{
		store:          store,
		catalog:        catalog,
		extractor:      extractor,
		logger:         slog.Default(),
		policy:         retry.NoRetry(),
		now:            time.Now,
		commitAttempts: defaultCommitAttempts,
		texts:          textCache{m: make(map[string]string)},
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.With("component", "pipeline")
	return p
}

// List returns every document in catalog order.
func (p *Pipeline) List(ctx context.Context) ([]model.Document, error) {
	return p.catalog.List(ctx)
}

// Page returns paginated documents without exposing repository types.
func (p *Pipeline) Page(ctx context.Context, limit, offset int) (*DocumentListResult, error) {
	if limit <= 0 {
		limit = 10
	}
	if offset < 0 {
		offset = 0
	}

	res, err := p.catalog.Page(ctx, repository.PageQuery{Limit: limit, Offset: offset})
	if err != nil {
		return nil, err
	}
	return &DocumentListResult{Items: res.Items, Total: res.Total}, nil
}

// Get returns a document by ID.
func (p *Pipeline) Get(ctx context.Context, id string) (*model.Document, error) {
	if id == "" {
		return nil, ErrIDRequired
	}
	doc, err := p.catalog.FindByID(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return doc, nil
}

// DownloadURL presigns the document's blob.
func (p *Pipeline) DownloadURL(ctx context.Context, id string, expiry time.Duration) (string, error) {
	doc, err := p.Get(ctx, id)
	if err != nil {
		return "", err
	}
	url, err := p.store.PresignGet(ctx, doc.StoragePath, expiry)
	if err != nil {
		return "", fmt.Errorf("presign %s: %w", doc.StoragePath, err)
	}
	return url, nil
}

// Aggregate reads the last committed snapshot without taking the writer lock.
// The first call, and any call after the snapshot max age, loads it from the catalog.
func (p *Pipeline) Aggregate(ctx context.Context) (*model.KnowledgeAggregate, error) {
	cached := p.snapshot.Load()
	if cached != nil && !p.snapshotExpired() {
		out := *cached
		return &out, nil
	}
	a, err := p.catalog.GetAggregate(ctx)
	if err != nil {
		if cached != nil {
			p.logger.Warn("aggregate reload failed, serving cached copy",
				"version", cached.Version, "error", err)
			out := *cached
			return &out, nil
		}
		return nil, fmt.Errorf("load aggregate: %w", err)
	}
	p.publish(a)
	out := *p.snapshot.Load()
	return &out, nil
}

func (p *Pipeline) snapshotExpired() bool {
	if p.snapshotMaxAge <= 0 {
		return false
	}
	return p.now().Sub(time.Unix(0, p.snapshotAt.Load())) >= p.snapshotMaxAge
}

// publish stores a unless a newer version is already visible.
func (p *Pipeline) publish(a *model.KnowledgeAggregate) {
	defer p.snapshotAt.Store(p.now().UnixNano())
	for {
		cur := p.snapshot.Load()
		if cur != nil && cur.Version >= a.Version {
			return
		}
		if p.snapshot.CompareAndSwap(cur, a) {
			p.metrics.aggregateSize(len(a.Content))
			return
		}
	}
}

// storageKey builds a unique blob key that keeps the original name readable.
func storageKey(id, fileName string) string {
	name := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '.', r == '-', r == '_':
			return r
		}
		return '_'
	}, filepath.Base(filepath.ToSlash(fileName)))
	return keyPrefix + "/" + id + "_" + name
}

// textCache remembers the extracted text of cataloged documents.
// Blobs are immutable, so an entry stays valid until its document is deleted.
type textCache struct {
	mu sync.RWMutex
	m  map[string]string
}

func (c *textCache) get(id string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	t, ok := c.m[id]
	return t, ok
}

func (c *textCache) put(texts map[string]string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, t := range texts {
		c.m[id] = t
	}
}

func (c *textCache) forget(ids ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, id := range ids {
		delete(c.m, id)
	}
}
