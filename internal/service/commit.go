package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"kbapi/internal/aggregate"
	"kbapi/internal/extract"
	"kbapi/internal/model"
	"kbapi/internal/repository"
	"kbapi/internal/retry"
	"kbapi/internal/storage"
)

// mutation is one change to the catalog together with what the aggregate needs for it.
type mutation struct {
	op     string
	create []model.Document
	remove []string
	// texts holds the extracted text of the documents in create.
	texts map[string]string
	// refresh re-extracts every existing document instead of trusting the cache.
	refresh bool
}

// apply recomputes the aggregate from the catalog as it will look after m and
// commits both in one transaction. A version conflict means another writer
// committed in between; the catalog is then re-read and the commit repeated.
func (p *Pipeline) apply(ctx context.Context, m mutation) (*model.KnowledgeAggregate, aggregate.Result, error) {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()

	var lastErr error
	for attempt := 1; attempt <= p.commitAttempts; attempt++ {
		current, err := p.catalog.GetAggregate(ctx)
		if err != nil {
			return nil, aggregate.Result{}, fmt.Errorf("read aggregate: %w", err)
		}
		existing, err := p.catalog.List(ctx)
		if err != nil {
			return nil, aggregate.Result{}, fmt.Errorf("list catalog: %w", err)
		}

		remaining, err := withoutIDs(existing, m.remove)
		if err != nil {
			return nil, aggregate.Result{}, err
		}
		texts, err := p.resolveTexts(ctx, remaining, m.refresh)
		if err != nil {
			return nil, aggregate.Result{}, err
		}
		for id, t := range m.texts {
			texts[id] = t
		}

		docs := append(remaining, m.create...)
		aggregate.SortDocuments(docs)
		built := aggregate.Build(docs, texts)

		agg, err := p.catalog.Commit(ctx, repository.Commit{
			Create:          m.create,
			Delete:          m.remove,
			Content:         built.Content,
			UpdatedAt:       p.now().UTC(),
			ExpectedVersion: current.Version,
		})
		if errors.Is(err, repository.ErrVersionConflict) {
			lastErr = err
			p.metrics.commit(m.op, "conflict")
			p.logger.Warn("aggregate changed concurrently, recomputing",
				"operation", m.op, "attempt", attempt, "expected_version", current.Version)
			continue
		}
		if err != nil {
			p.metrics.commit(m.op, "error")
			return nil, built, err
		}

		p.texts.forget(m.remove...)
		p.texts.put(texts)
		p.publish(agg)
		p.metrics.commit(m.op, "success")
		p.logger.Info("aggregate committed",
			"operation", m.op,
			"version", agg.Version,
			"documents", len(built.Included),
			"skipped", len(built.Skipped),
			"bytes", len(agg.Content))
		return agg, built, nil
	}

	p.metrics.commit(m.op, "error")
	return nil, aggregate.Result{}, fmt.Errorf("commit after %d attempts: %w", p.commitAttempts, lastErr)
}

// withoutIDs drops ids from docs. Every id must be present.
func withoutIDs(docs []model.Document, ids []string) ([]model.Document, error) {
	if len(ids) == 0 {
		return docs, nil
	}
	drop := make(map[string]bool, len(ids))
	for _, id := range ids {
		drop[id] = true
	}
	out := make([]model.Document, 0, len(docs))
	for _, d := range docs {
		if drop[d.ID] {
			delete(drop, d.ID)
			continue
		}
		out = append(out, d)
	}
	for id := range drop {
		return nil, fmt.Errorf("%w: %s", repository.ErrNotFound, id)
	}
	return out, nil
}

// resolveTexts returns the text of every doc it could obtain. Documents whose blob
// or extraction fails are left out and logged. Infrastructure errors abort.
func (p *Pipeline) resolveTexts(ctx context.Context, docs []model.Document, refresh bool) (map[string]string, error) {
	var (
		mu    sync.Mutex
		texts = make(map[string]string, len(docs))
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(fetchConcurrency)
	for _, d := range docs {
		if !refresh {
			if t, ok := p.texts.get(d.ID); ok {
				mu.Lock()
				texts[d.ID] = t
				mu.Unlock()
				continue
			}
		}
		g.Go(func() error {
			text, err := p.readText(gctx, d)
			if err != nil {
				if ie := asInfrastructure("read "+d.StoragePath, err); ie != nil {
					return ie
				}
				if gctx.Err() != nil {
					return gctx.Err()
				}
				p.texts.forget(d.ID)
				p.logger.Warn("document left out of aggregate",
					"document_id", d.ID, "file_name", d.FileName, "error", err)
				return nil
			}
			mu.Lock()
			texts[d.ID] = text
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return texts, nil
}

// readText fetches a cataloged document's blob and extracts it again.
func (p *Pipeline) readText(ctx context.Context, d model.Document) (string, error) {
	var data []byte
	err := retry.Do(ctx, p.blobPolicy(), func(ctx context.Context) error {
		var err error
		data, err = storage.ReadAll(ctx, p.store, d.StoragePath)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("fetch blob: %w", err)
	}
	return p.extractText(ctx, data, d.ContentType)
}

// extractText runs the extractor under the retry policy. Blank output counts as
// a failure so no document contributes an empty section.
func (p *Pipeline) extractText(ctx context.Context, data []byte, contentType string) (string, error) {
	start := time.Now()
	defer func() { p.metrics.extraction(time.Since(start).Seconds()) }()

	var text string
	err := retry.Do(ctx, p.extractPolicy(), func(ctx context.Context) error {
		var err error
		text, err = p.extractor.ExtractText(ctx, data, contentType)
		return err
	})
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(text) == "" {
		return "", &extract.Error{Kind: extract.ErrEmpty}
	}
	return text, nil
}

// blobPolicy retries transient blob store failures only.
func (p *Pipeline) blobPolicy() retry.Policy {
	rp := p.policy
	rp.Logger = p.logger
	rp.Retryable = func(err error) bool {
		return !storage.IsInfrastructure(err) && !storage.IsNotFound(err)
	}
	return rp
}

// extractPolicy retries transport errors only. A document the extractor
// rejected or ran out of time on is a per-document failure; retrying a
// timeout would hand the same bytes to another worker.
func (p *Pipeline) extractPolicy() retry.Policy {
	rp := p.policy
	rp.Logger = p.logger
	rp.Retryable = func(err error) bool {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return false
		}
		return !extract.IsExtractionError(err)
	}
	return rp
}
