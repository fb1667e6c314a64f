package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"

	"kbapi/internal/extract"
	"kbapi/internal/model"
	"kbapi/internal/retry"
	"kbapi/internal/storage"
)

// staged is a document whose blob is written and whose text is extracted,
// waiting for the catalog commit.
type staged struct {
	doc  model.Document
	text string
}

// Upload ingests a batch. Every file is written and extracted concurrently; a
// file that fails is discarded without affecting the others. Successful files
// are cataloged together with the rebuilt aggregate in one commit.
func (p *Pipeline) Upload(ctx context.Context, files []model.UploadInput) (*model.UploadResult, error) {
	ctx, span := tracer.Start(ctx, "pipeline.Upload")
	defer span.End()
	span.SetAttributes(attribute.Int("kb.files", len(files)))

	if len(files) == 0 {
		return nil, ErrNoDocuments
	}
	if p.maxFiles > 0 && len(files) > p.maxFiles {
		return nil, fmt.Errorf("%w: %d > %d", ErrTooManyFiles, len(files), p.maxFiles)
	}

	// Microseconds match what the catalog stores, so commit order equals list order.
	batchAt := p.now().UTC().Truncate(time.Microsecond)
	statuses := make([]model.FileStatus, len(files))
	ready := make([]*staged, len(files))

	g, gctx := errgroup.WithContext(ctx)
	for i, in := range files {
		statuses[i] = model.FileStatus{FileName: in.FileName, Status: model.StateUploading, Stage: model.StateUploading}
		if err := in.Validate(p.maxFileBytes); err != nil {
			p.discard(&statuses[i], model.StateUploading, err)
			continue
		}
		// Offsets keep batch order stable in the catalog.
		at := batchAt.Add(time.Duration(i) * time.Microsecond)
		g.Go(func() error {
			s, stage, err := p.ingest(gctx, in, at)
			if err != nil {
				p.discard(&statuses[i], stage, err)
				if ie := asInfrastructure("upload "+in.FileName, err); ie != nil {
					return ie
				}
				return nil
			}
			ready[i] = s
			statuses[i].DocumentID = s.doc.ID
			statuses[i].Stage = model.StateCommitting
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		p.removeStaged(context.WithoutCancel(ctx), ready)
		span.RecordError(err)
		span.SetStatus(codes.Error, "batch aborted")
		p.logger.Error("upload batch aborted", "files", len(files), "error", err)
		return nil, err
	}

	var (
		create []model.Document
		texts  = make(map[string]string)
	)
	for _, s := range ready {
		if s == nil {
			continue
		}
		create = append(create, s.doc)
		texts[s.doc.ID] = s.text
	}

	res := &model.UploadResult{Total: len(files), Files: statuses}
	if len(create) == 0 {
		res.Message = "No documents were added to the knowledge base."
		span.SetAttributes(attribute.Int("kb.cataloged", 0))
		return res, nil
	}

	if _, _, err := p.apply(ctx, mutation{op: "upload", create: create, texts: texts}); err != nil {
		p.removeStaged(context.WithoutCancel(ctx), ready)
		span.RecordError(err)
		span.SetStatus(codes.Error, "commit failed")
		if ie := asInfrastructure("commit upload", err); ie != nil {
			return nil, ie
		}
		return nil, fmt.Errorf("commit upload: %w", err)
	}

	for i := range statuses {
		if ready[i] == nil {
			continue
		}
		statuses[i].Status = model.StateCataloged
		res.SuccessCount++
		p.metrics.document(string(model.StateCataloged))
	}
	res.Message = fmt.Sprintf("%d of %d document(s) added to the knowledge base.", res.SuccessCount, res.Total)
	span.SetAttributes(attribute.Int("kb.cataloged", res.SuccessCount))
	p.logger.Info("upload batch committed", "cataloged", res.SuccessCount, "total", res.Total)
	return res, nil
}

// ingest writes one file to the blob store and extracts its text. On failure it
// returns the stage that failed; a blob that was already written is removed.
func (p *Pipeline) ingest(ctx context.Context, in model.UploadInput, at time.Time) (*staged, model.DocumentState, error) {
	id := uuid.New().String()
	key := storageKey(id, in.FileName)
	contentType := extract.DetectContentType(in.FileName, in.ContentType, in.Data)

	err := retry.Do(ctx, p.blobPolicy(), func(ctx context.Context) error {
		_, err := p.store.Put(ctx, key, bytes.NewReader(in.Data), storage.PutObjectOptions{
			Size:        int64(len(in.Data)),
			ContentType: contentType,
			Metadata:    map[string]string{"original-filename": in.FileName},
		})
		return err
	})
	if err != nil {
		return nil, model.StateUploading, fmt.Errorf("store blob: %w", err)
	}

	text, err := p.extractText(ctx, in.Data, contentType)
	if err != nil {
		p.removeBlob(context.WithoutCancel(ctx), key)
		return nil, model.StateExtracting, fmt.Errorf("extract text: %w", err)
	}

	return &staged{
		doc: model.Document{
			ID:          id,
			FileName:    in.FileName,
			StoragePath: key,
			SizeBytes:   int64(len(in.Data)),
			ContentType: contentType,
			UploadedAt:  at,
		},
		text: text,
	}, model.StateExtracting, nil
}

func (p *Pipeline) discard(st *model.FileStatus, stage model.DocumentState, err error) {
	st.Status = model.StateDiscarded
	st.Stage = stage
	st.Error = err.Error()
	p.metrics.document(string(model.StateDiscarded))

	level := p.logger.Warn
	if errors.Is(err, context.Canceled) {
		level = p.logger.Info
	}
	level("document discarded", "file_name", st.FileName, "stage", stage, "error", err)
}

// removeStaged deletes the blobs of documents that will not be cataloged.
func (p *Pipeline) removeStaged(ctx context.Context, ready []*staged) {
	for _, s := range ready {
		if s != nil {
			p.removeBlob(ctx, s.doc.StoragePath)
		}
	}
}

// removeBlob is best-effort cleanup; failures leave an orphaned blob and are logged.
func (p *Pipeline) removeBlob(ctx context.Context, key string) {
	if err := p.store.Delete(ctx, key); err != nil {
		p.logger.Warn("orphaned blob left behind", "storage_path", key, "error", err)
	}
}
