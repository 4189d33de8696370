// Package sched provides cooperative chunked iteration for large scans.
//
// Building or decoding a sync message may walk tens of thousands of commits.
// Scans run through ForEach and Map, which process the input in bounded
// chunks and yield the processor between chunks, so that a large scan never
// monopolizes a scheduling thread. Cancellation is cooperative: a canceled
// context stops the scan between items, never mid-item.
package sched

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"runtime"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Priority selects the chunk size for a scan. Lower priorities yield more
// frequently.
type Priority int

const (
	Background Priority = iota
	Normal
	High
)

func (p Priority) chunkSize() int {
	switch p {
	case Background:
		return 64
	case High:
		return 1024
	default:
		return 256
	}
}

// Options control a single ForEach or Map run.
type Options struct {
	Priority Priority
	// Label names the scan. ForEach, ForEach2 and Map do not log it or
	// otherwise read it.
	Label string
	// YieldOften yields after every item regardless of priority.
	YieldOften bool
}

func (o Options) chunkSize() int {
	if o.YieldOften {
		return 1
	}
	return o.Priority.chunkSize()
}

// Scheduler owns a set of named background loops. Scans run through the
// package-level ForEach, ForEach2 and Map and do not involve a Scheduler.
// The zero value is not usable; use New.
type Scheduler struct {
	logger *zap.Logger

	mu      sync.Mutex
	eg      *errgroup.Group
	egCtx   context.Context
	started bool
}

// New creates a Scheduler logging through logger.
func New(logger *zap.Logger) *Scheduler {
	return &Scheduler{logger: logger}
}

// Go spawns a named background loop. All loops share one group: the first
// error cancels the rest.
func (s *Scheduler) Go(ctx context.Context, label string, fn func(ctx context.Context) error) {
	s.mu.Lock()
	if !s.started {
		s.eg, s.egCtx = errgroup.WithContext(ctx)
		s.started = true
	}
	eg, egCtx := s.eg, s.egCtx
	s.mu.Unlock()
	eg.Go(func() error {
		if err := fn(egCtx); err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Warn("background loop failed", zap.String("label", label), zap.Error(err))
			return fmt.Errorf("%s: %w", label, err)
		}
		return nil
	})
}

// Wait blocks until all loops spawned with Go have returned.
func (s *Scheduler) Wait() error {
	s.mu.Lock()
	eg := s.eg
	s.mu.Unlock()
	if eg == nil {
		return nil
	}
	return eg.Wait()
}

// ForEach applies body to every element of seq, yielding the processor after
// each chunk. It returns the first error from body, or ctx.Err() if the
// context is canceled between items. Partial work done before an error is
// the caller's to discard.
func ForEach[T any](ctx context.Context, seq iter.Seq[T], body func(T) error, opt Options) error {
	chunk := opt.chunkSize()
	n := 0
	for v := range seq {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := body(v); err != nil {
			return err
		}
		n++
		if n%chunk == 0 {
			runtime.Gosched()
		}
	}
	return ctx.Err()
}

// ForEach2 is ForEach over a two-value sequence.
func ForEach2[K, V any](ctx context.Context, seq iter.Seq2[K, V], body func(K, V) error, opt Options) error {
	chunk := opt.chunkSize()
	n := 0
	for k, v := range seq {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := body(k, v); err != nil {
			return err
		}
		n++
		if n%chunk == 0 {
			runtime.Gosched()
		}
	}
	return ctx.Err()
}

// Map applies body to every element of in, yielding the processor after each
// chunk, and returns the outputs in input order. On error the partial output
// is discarded.
func Map[T, R any](ctx context.Context, in []T, body func(T) (R, error), opt Options) ([]R, error) {
	chunk := opt.chunkSize()
	out := make([]R, 0, len(in))
	for i, v := range in {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		r, err := body(v)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
		if (i+1)%chunk == 0 {
			runtime.Gosched()
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
