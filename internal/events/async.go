// SPDX-License-Identifier: Apache-2.0

package events

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/adiadia/playbook-runtime/internal/domain"
	"github.com/adiadia/playbook-runtime/internal/metrics"
)

var ErrPublisherClosed = errors.New("publisher closed")

// Async decouples publishers from a slow sink: Publish only enqueues on a
// bounded buffer and drops the event when the buffer is full.
type Async struct {
	next    Publisher
	logger  *slog.Logger
	timeout time.Duration

	ch      chan domain.Event
	done    chan struct{}
	closeMu sync.RWMutex
	closed  bool
	dropped atomic.Int64
}

func NewAsync(next Publisher, logger *slog.Logger, buffer int) *Async {
	if logger == nil {
		logger = slog.Default()
	}
	if buffer <= 0 {
		buffer = 1024
	}
	a := &Async{
		next:    next,
		logger:  logger,
		timeout: 5 * time.Second,
		ch:      make(chan domain.Event, buffer),
		done:    make(chan struct{}),
	}
	go a.run()
	return a
}

func (a *Async) Publish(_ context.Context, ev domain.Event) error {
	a.closeMu.RLock()
	defer a.closeMu.RUnlock()
	if a.closed {
		return ErrPublisherClosed
	}
	select {
	case a.ch <- ev:
		return nil
	default:
		a.dropped.Add(1)
		metrics.IncEventsDropped()
		a.logger.Warn("event dropped, publish buffer full",
			"event_type", ev.Type,
			"run_id", ev.RunID,
		)
		return nil
	}
}

// Dropped is the number of events discarded because the buffer was full.
func (a *Async) Dropped() int64 { return a.dropped.Load() }

// Close stops accepting events and waits for the buffer to drain, up to ctx.
func (a *Async) Close(ctx context.Context) error {
	a.closeMu.Lock()
	if !a.closed {
		a.closed = true
		close(a.ch)
	}
	a.closeMu.Unlock()

	select {
	case <-a.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (a *Async) run() {
	defer close(a.done)
	for ev := range a.ch {
		ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
		if err := a.next.Publish(ctx, ev); err != nil {
			a.logger.Warn("event publish failed",
				"event_type", ev.Type,
				"run_id", ev.RunID,
				"error", err,
			)
		}
		cancel()
	}
}
