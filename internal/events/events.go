// SPDX-License-Identifier: Apache-2.0

// Package events publishes run and step lifecycle events to pluggable sinks.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/adiadia/playbook-runtime/internal/domain"
	"github.com/google/uuid"
)

type Publisher interface {
	Publish(ctx context.Context, ev domain.Event) error
}

type PublisherFunc func(ctx context.Context, ev domain.Event) error

func (f PublisherFunc) Publish(ctx context.Context, ev domain.Event) error { return f(ctx, ev) }

// New builds an event for run. payload is marshaled to JSON; a marshal
// failure leaves the payload empty.
func New(t domain.EventType, run domain.Run, stepKey string, payload any) domain.Event {
	ev := domain.Event{
		ID:        uuid.New(),
		Type:      t,
		RunID:     run.ID,
		OrgID:     run.OrgID,
		StepKey:   stepKey,
		Timestamp: time.Now().UTC(),
	}
	if payload != nil {
		if raw, err := json.Marshal(payload); err == nil {
			ev.Payload = raw
		}
	}
	return ev
}

// Nop discards every event.
type Nop struct{}

func (Nop) Publish(context.Context, domain.Event) error { return nil }

// LogSink writes events to a slog logger.
type LogSink struct {
	logger *slog.Logger
	level  slog.Level
}

func NewLogSink(logger *slog.Logger, level slog.Level) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{logger: logger, level: level}
}

func (s *LogSink) Publish(ctx context.Context, ev domain.Event) error {
	attrs := []any{
		"event_id", ev.ID,
		"event_type", ev.Type,
		"run_id", ev.RunID,
		"org_id", ev.OrgID,
	}
	if ev.StepKey != "" {
		attrs = append(attrs, "step_key", ev.StepKey)
	}
	s.logger.Log(ctx, s.level, "event", attrs...)
	return nil
}

// EventLog persists events.
type EventLog interface {
	AppendEvent(ctx context.Context, ev domain.Event) (int64, error)
}

// StoreSink appends events to an EventLog (the Postgres events table).
type StoreSink struct {
	log EventLog
}

func NewStoreSink(log EventLog) *StoreSink {
	return &StoreSink{log: log}
}

func (s *StoreSink) Publish(ctx context.Context, ev domain.Event) error {
	_, err := s.log.AppendEvent(ctx, ev)
	return err
}

// Fanout publishes to every sink and joins their errors.
type Fanout []Publisher

func (f Fanout) Publish(ctx context.Context, ev domain.Event) error {
	var errs []error
	for _, p := range f {
		if p == nil {
			continue
		}
		if err := p.Publish(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
