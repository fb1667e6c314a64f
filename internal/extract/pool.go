package extract

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/panjf2000/ants/v2"
)

type result struct {
	text string
	err  error
}

// call states, see runDetached.
const (
	callRunning int32 = iota
	callFinished
	callAbandoned
)

// Pool bounds how many extractions run at once across all callers and gives
// every call its own deadline, which starts when a worker picks the call up.
// Waiting for a free worker is bounded only by the caller's context.
//
// When the deadline passes, the worker is released and the call fails with
// ErrTimeout. The extractor keeps running detached until it returns, so an
// extractor that ignores its context cannot hold a worker forever.
type Pool struct {
	next     Extractor
	pool     *ants.Pool
	timeout  time.Duration
	detached atomic.Int64
}

var _ Extractor = (*Pool)(nil)

// NewPool wraps next. workers < 1 is treated as 1; timeout <= 0 disables the deadline.
func NewPool(next Extractor, workers int, timeout time.Duration) (*Pool, error) {
	if next == nil {
		return nil, errors.New("extractor is required")
	}
	if workers < 1 {
		workers = 1
	}
	p, err := ants.NewPool(workers)
	if err != nil {
		return nil, fmt.Errorf("create extraction pool: %w", err)
	}
	return &Pool{next: next, pool: p, timeout: timeout}, nil
}

// ExtractText queues the call on the worker pool and waits for its result.
func (p *Pool) ExtractText(ctx context.Context, data []byte, contentType string) (string, error) {
	done := make(chan result, 1)
	go func() {
		// Submit blocks while every worker is busy.
		err := p.pool.Submit(func() {
			if err := ctx.Err(); err != nil {
				done <- result{err: err}
				return
			}
			done <- p.runDetached(ctx, data, contentType)
		})
		if err != nil {
			done <- result{err: fmt.Errorf("submit extraction: %w", err)}
		}
	}()

	select {
	case r := <-done:
		if r.err != nil && errors.Is(r.err, context.DeadlineExceeded) && ctx.Err() == nil {
			return "", newError(ErrTimeout, fmt.Errorf("no result after %s", p.timeout))
		}
		return r.text, r.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// runDetached runs one extraction under the per-call deadline. It returns as
// soon as the deadline passes, even if the extractor has not.
func (p *Pool) runDetached(ctx context.Context, data []byte, contentType string) result {
	callCtx, cancel := ctx, context.CancelFunc(func() {})
	if p.timeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, p.timeout)
	}
	defer cancel()

	var state atomic.Int32
	out := make(chan result, 1)
	go func() {
		text, err := p.next.ExtractText(callCtx, data, contentType)
		if !state.CompareAndSwap(callRunning, callFinished) {
			p.detached.Add(-1)
		}
		out <- result{text: text, err: err}
	}()

	select {
	case r := <-out:
		return r
	case <-callCtx.Done():
		p.detached.Add(1)
		if state.CompareAndSwap(callRunning, callAbandoned) {
			return result{err: callCtx.Err()}
		}
		// The extractor finished while the deadline fired.
		p.detached.Add(-1)
		return <-out
	}
}

// Detached reports how many timed-out extractions are still running outside the pool.
func (p *Pool) Detached() int {
	return int(p.detached.Load())
}

// Running reports how many extractions are in flight.
func (p *Pool) Running() int {
	return p.pool.Running()
}

// Release stops the workers. The pool must not be used afterwards.
func (p *Pool) Release() {
	p.pool.Release()
}
