package service

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"kbapi/internal/model"
	"kbapi/internal/repository"
	"kbapi/internal/retry"
	"kbapi/internal/storage"
)

// Delete removes the document's blob, then drops its record and commits the
// aggregate rebuilt from the remaining documents in the same transaction.
func (p *Pipeline) Delete(ctx context.Context, id string) (*model.OperationResult, error) {
	ctx, span := tracer.Start(ctx, "pipeline.Delete")
	defer span.End()
	span.SetAttributes(attribute.String("kb.document_id", id))

	doc, err := p.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	err = retry.Do(ctx, p.blobPolicy(), func(ctx context.Context) error {
		return p.store.Delete(ctx, doc.StoragePath)
	})
	switch {
	case storage.IsNotFound(err):
		p.logger.Warn("blob already missing", "document_id", id, "storage_path", doc.StoragePath)
	case err != nil:
		span.RecordError(err)
		span.SetStatus(codes.Error, "blob delete failed")
		if ie := asInfrastructure("delete "+doc.StoragePath, err); ie != nil {
			return nil, ie
		}
		return nil, fmt.Errorf("delete blob: %w", err)
	}

	if _, _, err := p.apply(ctx, mutation{op: "delete", remove: []string{id}}); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "commit failed")
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrNotFound
		}
		if ie := asInfrastructure("commit delete", err); ie != nil {
			return nil, ie
		}
		return nil, fmt.Errorf("commit delete: %w", err)
	}

	p.metrics.document(string(model.StateRemoved))
	p.logger.Info("document deleted", "document_id", id, "file_name", doc.FileName)
	return &model.OperationResult{
		Success: true,
		Message: fmt.Sprintf("Document '%s' deleted and the knowledge base rebuilt.", doc.FileName),
	}, nil
}

// Rebuild re-extracts every cataloged document and overwrites the aggregate.
// It is idempotent; an empty catalog produces an empty aggregate.
func (p *Pipeline) Rebuild(ctx context.Context) (*model.OperationResult, error) {
	ctx, span := tracer.Start(ctx, "pipeline.Rebuild")
	defer span.End()

	agg, built, err := p.apply(ctx, mutation{op: "rebuild", refresh: true})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "rebuild failed")
		if ie := asInfrastructure("rebuild", err); ie != nil {
			return nil, ie
		}
		return nil, fmt.Errorf("rebuild: %w", err)
	}
	span.SetAttributes(
		attribute.Int("kb.included", len(built.Included)),
		attribute.Int("kb.skipped", len(built.Skipped)),
		attribute.Int64("kb.version", agg.Version),
	)

	res := &model.OperationResult{Success: true}
	switch total := len(built.Included) + len(built.Skipped); {
	case total == 0:
		res.Message = "Knowledge base is empty and has been cleared."
	case len(built.Skipped) > 0:
		res.Message = fmt.Sprintf("Knowledge base rebuilt from %d of %d documents; %d could not be read.",
			len(built.Included), total, len(built.Skipped))
	default:
		res.Message = "Knowledge base rebuilt successfully."
	}
	return res, nil
}
