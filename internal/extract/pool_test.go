package extract

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPool_PassesThrough(t *testing.T) {
	p, err := NewPool(NewLocal(), 2, time.Second)
	require.NoError(t, err)
	defer p.Release()

	text, err := p.ExtractText(context.Background(), []byte("BETA"), "text/plain")
	require.NoError(t, err)
	assert.Equal(t, "BETA", text)

	_, err = p.ExtractText(context.Background(), []byte("x"), "application/zip")
	assert.ErrorIs(t, err, ErrUnsupportedFormat)
}

func TestPool_TimeoutIsPerCall(t *testing.T) {
	slow := Func(func(ctx context.Context, data []byte, contentType string) (string, error) {
		if string(data) == "slow" {
			<-ctx.Done()
			time.Sleep(10 * time.Millisecond)
			return "", ctx.Err()
		}
		return string(data), nil
	})
	p, err := NewPool(slow, 4, 50*time.Millisecond)
	require.NoError(t, err)
	defer p.Release()

	var wg sync.WaitGroup
	var slowErr, fastErr error
	var fastText string
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, slowErr = p.ExtractText(context.Background(), []byte("slow"), "text/plain")
	}()
	go func() {
		defer wg.Done()
		fastText, fastErr = p.ExtractText(context.Background(), []byte("fast"), "text/plain")
	}()
	wg.Wait()

	assert.ErrorIs(t, slowErr, ErrTimeout)
	assert.True(t, IsExtractionError(slowErr))
	require.NoError(t, fastErr)
	assert.Equal(t, "fast", fastText)
}

func TestPool_DeadlineStartsWhenWorkerPicksUpCall(t *testing.T) {
	work := Func(func(ctx context.Context, data []byte, contentType string) (string, error) {
		select {
		case <-time.After(70 * time.Millisecond):
			return string(data), nil
		case <-ctx.Done():
			return "", ctx.Err()
		}
	})
	p, err := NewPool(work, 1, 100*time.Millisecond)
	require.NoError(t, err)
	defer p.Release()

	errs := make([]error, 3)
	var wg sync.WaitGroup
	for i := range errs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = p.ExtractText(context.Background(), []byte("queued"), "text/plain")
		}()
	}
	wg.Wait()

	for i, err := range errs {
		assert.NoError(t, err, "call %d", i)
	}
}

func TestPool_HungExtractorReleasesWorker(t *testing.T) {
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })

	hangs := Func(func(ctx context.Context, data []byte, contentType string) (string, error) {
		if string(data) == "hang" {
			<-release
			return "", errors.New("released")
		}
		return string(data), nil
	})
	p, err := NewPool(hangs, 2, 30*time.Millisecond)
	require.NoError(t, err)
	defer p.Release()

	for i := 0; i < 2; i++ {
		_, err := p.ExtractText(context.Background(), []byte("hang"), "text/plain")
		assert.ErrorIs(t, err, ErrTimeout)
	}
	assert.Equal(t, 2, p.Detached())

	text, err := p.ExtractText(context.Background(), []byte("healthy"), "text/plain")
	require.NoError(t, err)
	assert.Equal(t, "healthy", text)
}

func TestPool_ParentCancellationIsNotATimeout(t *testing.T) {
	block := Func(func(ctx context.Context, data []byte, contentType string) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	})
	p, err := NewPool(block, 1, time.Minute)
	require.NoError(t, err)
	defer p.Release()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	_, err = p.ExtractText(ctx, []byte("x"), "text/plain")
	assert.ErrorIs(t, err, context.Canceled)
	assert.NotErrorIs(t, err, ErrTimeout)
}

func TestPool_BoundsConcurrency(t *testing.T) {
	var inFlight, maxSeen atomic.Int32
	tracked := Func(func(ctx context.Context, data []byte, contentType string) (string, error) {
		n := inFlight.Add(1)
		for {
			m := maxSeen.Load()
			if n <= m || maxSeen.CompareAndSwap(m, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		inFlight.Add(-1)
		return "ok", nil
	})
	p, err := NewPool(tracked, 2, time.Second)
	require.NoError(t, err)
	defer p.Release()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := p.ExtractText(context.Background(), []byte("x"), "text/plain")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, maxSeen.Load(), int32(2))
}

func TestNewPool_RequiresExtractor(t *testing.T) {
	_, err := NewPool(nil, 1, time.Second)
	assert.Error(t, err)
}
