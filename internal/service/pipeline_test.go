package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kbapi/internal/aggregate"
	"kbapi/internal/extract"
	"kbapi/internal/model"
	"kbapi/internal/repository"
	"kbapi/internal/retry"
	"kbapi/internal/storage"
)

// textExtractor returns the body as text and rejects bodies starting with "BAD".
type textExtractor struct {
	calls atomic.Int64
}

func (e *textExtractor) ExtractText(_ context.Context, data []byte, _ string) (string, error) {
	e.calls.Add(1)
	if bytes.HasPrefix(data, []byte("BAD")) {
		return "", &extract.Error{Kind: extract.ErrMalformed}
	}
	return string(data), nil
}

type fixture struct {
	store     *storage.Memory
	catalog   *repository.MemoryCatalog
	extractor *textExtractor
	pipeline  *Pipeline
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	f := &fixture{
		store:     storage.NewMemory("test"),
		catalog:   repository.NewMemoryCatalog(),
		extractor: &textExtractor{},
	}
	f.pipeline = NewPipeline(f.store, f.catalog, f.extractor, opts...)
	return f
}

func file(name, body string) model.UploadInput {
	return model.UploadInput{FileName: name, ContentType: "text/plain", Data: []byte(body)}
}

// expectedContent rebuilds the aggregate from the catalog and the blob bodies.
func expectedContent(t *testing.T, f *fixture) string {
	t.Helper()
	ctx := context.Background()
	docs, err := f.catalog.List(ctx)
	require.NoError(t, err)
	texts := make(map[string]string, len(docs))
	for _, d := range docs {
		b, err := storage.ReadAll(ctx, f.store, d.StoragePath)
		require.NoError(t, err)
		texts[d.ID] = string(b)
	}
	return aggregate.Build(docs, texts).Content
}

func TestPipeline_Upload_PartialBatch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.pipeline.Upload(ctx, []model.UploadInput{
		file("a.txt", "alpha"),
		file("broken.txt", "BAD bytes"),
		file("c.txt", "gamma"),
	})

	require.NoError(t, err)
	assert.Equal(t, 2, res.SuccessCount)
	assert.Equal(t, 3, res.Total)
	require.Len(t, res.Files, 3)
	assert.Equal(t, model.StateCataloged, res.Files[0].Status)
	assert.Equal(t, model.StateDiscarded, res.Files[1].Status)
	assert.Equal(t, model.StateExtracting, res.Files[1].Stage)
	assert.NotEmpty(t, res.Files[1].Error)
	assert.Equal(t, model.StateCataloged, res.Files[2].Status)

	docs, err := f.pipeline.List(ctx)
	require.NoError(t, err)
	require.Len(t, docs, 2)
	assert.Equal(t, "a.txt", docs[0].FileName)
	assert.Equal(t, "c.txt", docs[1].FileName)
	assert.True(t, strings.HasPrefix(docs[0].StoragePath, "knowledge_base/"))
	assert.Equal(t, 2, f.store.Len(), "discarded blob must be removed")

	agg, err := f.pipeline.Aggregate(ctx)
	require.NoError(t, err)
	assert.Equal(t,
		"\n\n--- Content from a.txt ---\n\nalpha\n\n--- Content from c.txt ---\n\ngamma",
		agg.Content)
	assert.Equal(t, int64(1), agg.Version)
}

func TestPipeline_Upload_AllFailed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.pipeline.Upload(ctx, []model.UploadInput{
		file("x.txt", "BAD"),
		{FileName: "empty.txt"},
	})

	require.NoError(t, err)
	assert.Equal(t, 0, res.SuccessCount)
	assert.Equal(t, model.StateUploading, res.Files[1].Stage)

	agg, err := f.catalog.GetAggregate(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), agg.Version, "nothing may be committed")
	assert.Zero(t, f.store.Len())
}

func TestPipeline_Upload_Validation(t *testing.T) {
	f := newFixture(t, WithUploadLimits(4, 2))
	ctx := context.Background()

	_, err := f.pipeline.Upload(ctx, nil)
	assert.ErrorIs(t, err, ErrNoDocuments)

	_, err = f.pipeline.Upload(ctx, []model.UploadInput{file("a", "1"), file("b", "2"), file("c", "3")})
	assert.ErrorIs(t, err, ErrTooManyFiles)

	res, err := f.pipeline.Upload(ctx, []model.UploadInput{file("big.txt", "too large")})
	require.NoError(t, err)
	assert.Equal(t, 0, res.SuccessCount)
	assert.Contains(t, res.Files[0].Error, model.ErrFileTooLarge.Error())
}

func TestPipeline_Delete(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.pipeline.Upload(ctx, []model.UploadInput{file("a.txt", "alpha"), file("b.txt", "beta")})
	require.NoError(t, err)
	docs, _ := f.pipeline.List(ctx)
	require.Len(t, docs, 2)
	callsBefore := f.extractor.calls.Load()

	res, err := f.pipeline.Delete(ctx, docs[0].ID)

	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Contains(t, res.Message, "a.txt")
	assert.Equal(t, callsBefore, f.extractor.calls.Load(), "delete must reuse extracted text")

	agg, err := f.pipeline.Aggregate(ctx)
	require.NoError(t, err)
	assert.Equal(t, "\n\n--- Content from b.txt ---\n\nbeta", agg.Content)
	assert.Equal(t, 1, f.store.Len())

	_, err = f.pipeline.Get(ctx, docs[0].ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPipeline_Delete_Errors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.pipeline.Delete(ctx, "")
	assert.ErrorIs(t, err, ErrIDRequired)

	_, err = f.pipeline.Delete(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	agg, _ := f.catalog.GetAggregate(ctx)
	assert.Equal(t, int64(0), agg.Version, "unknown id must not trigger a rebuild")
}

func TestPipeline_Delete_LastDocumentClearsAggregate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.pipeline.Upload(ctx, []model.UploadInput{file("only.txt", "text")})
	require.NoError(t, err)
	docs, _ := f.pipeline.List(ctx)

	_, err = f.pipeline.Delete(ctx, docs[0].ID)
	require.NoError(t, err)

	agg, err := f.pipeline.Aggregate(ctx)
	require.NoError(t, err)
	assert.Equal(t, "", agg.Content)
}

func TestPipeline_NoDoubleExtraction(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.pipeline.Upload(ctx, []model.UploadInput{file("a.txt", "alpha"), file("b.txt", "beta")})
	require.NoError(t, err)
	_, err = f.pipeline.Upload(ctx, []model.UploadInput{file("c.txt", "gamma")})
	require.NoError(t, err)

	assert.Equal(t, int64(3), f.extractor.calls.Load())
	assert.Equal(t, expectedContent(t, f), mustAggregate(t, f).Content)
}

func TestPipeline_Rebuild(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	t.Run("empty catalog", func(t *testing.T) {
		res, err := f.pipeline.Rebuild(ctx)
		require.NoError(t, err)
		assert.True(t, res.Success)
		assert.Equal(t, "", mustAggregate(t, f).Content)
	})

	t.Run("idempotent", func(t *testing.T) {
		_, err := f.pipeline.Upload(ctx, []model.UploadInput{file("a.txt", "alpha"), file("b.txt", "beta")})
		require.NoError(t, err)

		_, err = f.pipeline.Rebuild(ctx)
		require.NoError(t, err)
		first := mustAggregate(t, f)

		_, err = f.pipeline.Rebuild(ctx)
		require.NoError(t, err)
		second := mustAggregate(t, f)

		assert.Equal(t, first.Content, second.Content)
		assert.Equal(t, first.Version+1, second.Version)
		assert.Equal(t, expectedContent(t, f), second.Content)
	})

	t.Run("skips unreadable documents", func(t *testing.T) {
		docs, _ := f.pipeline.List(ctx)
		require.NoError(t, f.store.Delete(ctx, docs[0].StoragePath))

		res, err := f.pipeline.Rebuild(ctx)
		require.NoError(t, err)
		assert.True(t, res.Success)
		assert.Contains(t, res.Message, "1 of 2")

		content := mustAggregate(t, f).Content
		assert.NotContains(t, content, docs[0].FileName)
		assert.Contains(t, content, docs[1].FileName)

		listed, _ := f.pipeline.List(ctx)
		assert.Len(t, listed, 2, "catalog is not touched by rebuild")
	})
}

func TestPipeline_SequentialRecordCount(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for i := range 5 {
		_, err := f.pipeline.Upload(ctx, []model.UploadInput{file(fmt.Sprintf("f%d.txt", i), fmt.Sprintf("body %d", i))})
		require.NoError(t, err)
	}
	docs, _ := f.pipeline.List(ctx)
	for _, d := range docs[:2] {
		_, err := f.pipeline.Delete(ctx, d.ID)
		require.NoError(t, err)
	}

	docs, _ = f.pipeline.List(ctx)
	assert.Len(t, docs, 3)
	assert.Equal(t, 3, f.store.Len())
	assert.Equal(t, expectedContent(t, f), mustAggregate(t, f).Content)
}

func TestPipeline_ConcurrentUploadsAndDeletes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.pipeline.Upload(ctx, []model.UploadInput{file("seed1.txt", "s1"), file("seed2.txt", "s2")})
	require.NoError(t, err)
	seeds, _ := f.pipeline.List(ctx)

	var wg sync.WaitGroup
	for i := range 6 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.pipeline.Upload(ctx, []model.UploadInput{file(fmt.Sprintf("c%d.txt", i), fmt.Sprintf("c%d", i))})
			assert.NoError(t, err)
		}()
	}
	for _, d := range seeds {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.pipeline.Delete(ctx, d.ID)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	docs, _ := f.pipeline.List(ctx)
	assert.Len(t, docs, 6)
	agg := mustAggregate(t, f)
	assert.Equal(t, expectedContent(t, f), agg.Content)
	assert.Equal(t, int64(1+6+2), agg.Version)
}

func TestPipeline_UploadOrderFollowsBatch(t *testing.T) {
	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	f := newFixture(t, WithClock(func() time.Time { return at }))
	ctx := context.Background()

	_, err := f.pipeline.Upload(ctx, []model.UploadInput{file("z.txt", "z"), file("a.txt", "a"), file("m.txt", "m")})
	require.NoError(t, err)

	docs, _ := f.pipeline.List(ctx)
	require.Len(t, docs, 3)
	assert.Equal(t, []string{"z.txt", "a.txt", "m.txt"}, []string{docs[0].FileName, docs[1].FileName, docs[2].FileName})
}

// flakyStore fails the first n writes with a transient error.
type flakyStore struct {
	*storage.Memory
	failures atomic.Int64
}

func (s *flakyStore) Put(ctx context.Context, key string, r io.Reader, opt storage.PutObjectOptions) (storage.ObjectInfo, error) {
	if s.failures.Add(-1) >= 0 {
		return storage.ObjectInfo{}, errors.New("connection reset by peer")
	}
	return s.Memory.Put(ctx, key, r, opt)
}

func TestPipeline_RetriesTransientBlobErrors(t *testing.T) {
	store := &flakyStore{Memory: storage.NewMemory("test")}
	store.failures.Store(2)
	p := NewPipeline(store, repository.NewMemoryCatalog(), &textExtractor{},
		WithRetryPolicy(retry.Policy{MaxAttempts: 3, InitialDelay: time.Millisecond, Multiplier: 2}))

	res, err := p.Upload(context.Background(), []model.UploadInput{file("a.txt", "alpha")})

	require.NoError(t, err)
	assert.Equal(t, 1, res.SuccessCount)
	assert.Equal(t, 1, store.Len())
}

func TestPipeline_DownloadURL(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.pipeline.Upload(ctx, []model.UploadInput{file("a.txt", "alpha")})
	require.NoError(t, err)
	docs, _ := f.pipeline.List(ctx)

	url, err := f.pipeline.DownloadURL(ctx, docs[0].ID, time.Minute)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(url, "memory://test/knowledge_base/"))

	_, err = f.pipeline.DownloadURL(ctx, "missing", time.Minute)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPipeline_Page(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.pipeline.Upload(ctx, []model.UploadInput{file("a.txt", "a"), file("b.txt", "b"), file("c.txt", "c")})
	require.NoError(t, err)

	res, err := f.pipeline.Page(ctx, 2, -1)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Total)
	require.Len(t, res.Items, 2)
	assert.Equal(t, "c.txt", res.Items[0].FileName)
}

func TestStorageKey(t *testing.T) {
	assert.Equal(t, "knowledge_base/id_report_2024_.pdf", storageKey("id", "report 2024!.pdf"))
	assert.Equal(t, "knowledge_base/id_secret.txt", storageKey("id", "../../secret.txt"))
}

func mustAggregate(t *testing.T, f *fixture) *model.KnowledgeAggregate {
	t.Helper()
	agg, err := f.pipeline.Aggregate(context.Background())
	require.NoError(t, err)
	return agg
}

func TestPipeline_Aggregate_ReloadsAfterMaxAge(t *testing.T) {
	ctx := context.Background()
	writer := newFixture(t)

	var now atomic.Int64
	now.Store(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC).UnixNano())
	clock := func() time.Time { return time.Unix(0, now.Load()) }
	reader := NewPipeline(writer.store, writer.catalog, writer.extractor,
		WithClock(clock), WithSnapshotMaxAge(time.Minute))

	before, err := reader.Aggregate(ctx)
	require.NoError(t, err)
	assert.Empty(t, before.Content)

	_, err = writer.pipeline.Upload(ctx, []model.UploadInput{file("a.txt", "alpha")})
	require.NoError(t, err)

	cached, err := reader.Aggregate(ctx)
	require.NoError(t, err)
	assert.Equal(t, before.Version, cached.Version)
	assert.NotContains(t, cached.Content, "alpha")

	now.Add(int64(time.Minute))
	fresh, err := reader.Aggregate(ctx)
	require.NoError(t, err)
	assert.Greater(t, fresh.Version, before.Version)
	assert.Contains(t, fresh.Content, "alpha")
}

func TestPipeline_CommitOrderMatchesStoredPrecision(t *testing.T) {
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC).Add(1000 * time.Microsecond)
	var now time.Time
	f := newFixture(t, WithClock(func() time.Time { return now }))
	ctx := context.Background()

	now = base.Add(400 * time.Nanosecond)
	_, err := f.pipeline.Upload(ctx, []model.UploadInput{file("a0.txt", "A0"), file("a1.txt", "A1")})
	require.NoError(t, err)
	now = base.Add(700 * time.Nanosecond)
	_, err = f.pipeline.Upload(ctx, []model.UploadInput{file("b0.txt", "B0"), file("b1.txt", "B1")})
	require.NoError(t, err)

	committed := mustAggregate(t, f).Content
	docs, err := f.pipeline.List(ctx)
	require.NoError(t, err)
	for _, d := range docs {
		assert.True(t, d.UploadedAt.Equal(d.UploadedAt.Truncate(time.Microsecond)), d.FileName)
	}

	_, err = f.pipeline.Rebuild(ctx)
	require.NoError(t, err)
	assert.Equal(t, committed, mustAggregate(t, f).Content)
	assert.Equal(t, expectedContent(t, f), committed)
}

func TestPipeline_ExtractionTimeoutDiscardsOnlyThatDocument(t *testing.T) {
	ctx := context.Background()
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })

	// "hang" never returns until the test ends and ignores its context.
	ex := extract.Func(func(_ context.Context, data []byte, _ string) (string, error) {
		if string(data) == "hang" {
			<-release
			return "", errors.New("released")
		}
		time.Sleep(5 * time.Millisecond)
		return string(data), nil
	})
	pool, err := extract.NewPool(ex, 2, 100*time.Millisecond)
	require.NoError(t, err)
	t.Cleanup(pool.Release)

	p := NewPipeline(storage.NewMemory("test"), repository.NewMemoryCatalog(), pool,
		WithRetryPolicy(retry.Policy{MaxAttempts: 2, InitialDelay: time.Millisecond, Multiplier: 2}))

	files := []model.UploadInput{file("stuck.txt", "hang")}
	for i := 0; i < 5; i++ {
		files = append(files, file(fmt.Sprintf("ok%d.txt", i), fmt.Sprintf("body %d", i)))
	}

	res, err := p.Upload(ctx, files)
	require.NoError(t, err)
	assert.Equal(t, 5, res.SuccessCount)
	assert.Equal(t, model.StateDiscarded, res.Files[0].Status)
	assert.Equal(t, model.StateExtracting, res.Files[0].Stage)
	assert.Contains(t, res.Files[0].Error, "timed out")
	for _, st := range res.Files[1:] {
		assert.Equal(t, model.StateCataloged, st.Status, st.FileName)
	}
	// Timeouts are not retried, so only one extraction is left running.
	assert.Equal(t, 1, pool.Detached())

	res, err = p.Upload(ctx, []model.UploadInput{file("good.txt", "good")})
	require.NoError(t, err)
	assert.Equal(t, 1, res.SuccessCount)

	agg, err := p.Aggregate(ctx)
	require.NoError(t, err)
	assert.Contains(t, agg.Content, "--- Content from good.txt ---")
	assert.NotContains(t, agg.Content, "stuck.txt")
}

func TestPipeline_RetryLogsUseInjectedLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	store := &flakyStore{Memory: storage.NewMemory("test")}
	store.failures.Store(1)
	p := NewPipeline(store, repository.NewMemoryCatalog(), &textExtractor{},
		WithLogger(logger),
		WithRetryPolicy(retry.Policy{MaxAttempts: 3, InitialDelay: time.Millisecond, Multiplier: 2}))

	_, err := p.Upload(context.Background(), []model.UploadInput{file("a.txt", "alpha")})
	require.NoError(t, err)

	var retryLine string
	for _, line := range strings.Split(buf.String(), "\n") {
		if strings.Contains(line, `"msg":"operation failed, will retry"`) {
			retryLine = line
		}
	}
	require.NotEmpty(t, retryLine)
	assert.Contains(t, retryLine, `"component":"pipeline"`)
}
