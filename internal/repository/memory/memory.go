// SPDX-License-Identifier: Apache-2.0

// Package memory is an in-process implementation of the run, step run, event
// and usage repositories. Conditional updates are serialized by one mutex,
// which gives the same compare-and-set semantics as the Postgres store.
package memory

import (
	"context"
	"encoding/json"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/adiadia/playbook-runtime/internal/domain"
	"github.com/google/uuid"
)

type UsageRecord struct {
	OrgID      uuid.UUID
	RunID      uuid.UUID
	Steps      int
	RecordedAt time.Time
}

type Store struct {
	mu         sync.RWMutex
	runs       map[uuid.UUID]*domain.Run
	stepRuns   map[uuid.UUID]*domain.StepRun
	stepsByRun map[uuid.UUID][]uuid.UUID
	events     []domain.EventRecord
	usage      []UsageRecord
}

func New() *Store {
	return &Store{
		runs:       make(map[uuid.UUID]*domain.Run),
		stepRuns:   make(map[uuid.UUID]*domain.StepRun),
		stepsByRun: make(map[uuid.UUID][]uuid.UUID),
	}
}

// ---------------- runs ----------------

func (s *Store) CreateRun(_ context.Context, run domain.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now().UTC()
	}
	r := cloneRun(run)
	s.runs[run.ID] = &r
	return nil
}

func (s *Store) GetRun(_ context.Context, runID uuid.UUID) (domain.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.runs[runID]
	if !ok {
		return domain.Run{}, domain.ErrRunNotFound
	}
	return cloneRun(*r), nil
}

// ListRuns returns the org's runs, newest first.
func (s *Store) ListRuns(_ context.Context, orgID uuid.UUID, limit int) ([]domain.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.Run
	for _, r := range s.runs {
		if r.OrgID == orgID {
			out = append(out, cloneRun(*r))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ConditionalUpdateRunStatus moves the run to `to` only if its current
// status is in from (any status when from is empty).
func (s *Store) ConditionalUpdateRunStatus(_ context.Context, runID uuid.UUID, from []domain.RunStatus, to domain.RunStatus, upd domain.RunUpdate) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[runID]
	if !ok {
		return false, domain.ErrRunNotFound
	}
	if len(from) > 0 && !slices.Contains(from, r.Status) {
		return false, nil
	}

	r.Status = to
	if upd.ClearCompletion {
		r.CompletedAt = nil
		r.Output = nil
		r.Error = ""
	}
	if upd.Output != nil {
		r.Output = cloneRaw(upd.Output)
	}
	if upd.Error != nil {
		r.Error = *upd.Error
	}
	if upd.StartedAt != nil {
		t := *upd.StartedAt
		r.StartedAt = &t
	}
	if upd.CompletedAt != nil {
		t := *upd.CompletedAt
		r.CompletedAt = &t
	}
	return true, nil
}

func (s *Store) CountActiveRuns(_ context.Context, orgID uuid.UUID) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, r := range s.runs {
		if r.OrgID == orgID && !r.Status.IsTerminal() {
			n++
		}
	}
	return n, nil
}

// ListActiveRuns returns every PENDING or RUNNING run, oldest first.
func (s *Store) ListActiveRuns(_ context.Context) ([]domain.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.Run
	for _, r := range s.runs {
		if !r.Status.IsTerminal() {
			out = append(out, cloneRun(*r))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// ---------------- step runs ----------------

func (s *Store) CreateStepRuns(_ context.Context, steps []domain.StepRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sr := range steps {
		if _, ok := s.runs[sr.RunID]; !ok {
			return domain.ErrRunNotFound
		}
	}
	for _, sr := range steps {
		c := cloneStepRun(sr)
		s.stepRuns[sr.ID] = &c
		s.stepsByRun[sr.RunID] = append(s.stepsByRun[sr.RunID], sr.ID)
	}
	return nil
}

// GetStepRuns returns the run's step runs ordered by position.
func (s *Store) GetStepRuns(_ context.Context, runID uuid.UUID) ([]domain.StepRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := s.stepsByRun[runID]
	out := make([]domain.StepRun, 0, len(ids))
	for _, id := range ids {
		out = append(out, cloneStepRun(*s.stepRuns[id]))
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Position < out[j].Position })
	return out, nil
}

func (s *Store) GetStepRun(_ context.Context, stepRunID uuid.UUID) (domain.StepRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sr, ok := s.stepRuns[stepRunID]
	if !ok {
		return domain.StepRun{}, domain.ErrStepRunNotFound
	}
	return cloneStepRun(*sr), nil
}

func (s *Store) ConditionalUpdateStepRun(_ context.Context, stepRunID uuid.UUID, from []domain.StepStatus, to domain.StepStatus, upd domain.StepRunUpdate) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sr, ok := s.stepRuns[stepRunID]
	if !ok {
		return false, domain.ErrStepRunNotFound
	}
	if len(from) > 0 && !slices.Contains(from, sr.Status) {
		return false, nil
	}

	sr.Status = to
	if upd.ClearResult {
		sr.Output = nil
		sr.Error = ""
		sr.CompletedAt = nil
		sr.WorkerInfo = nil
		sr.DurationMS = 0
	}
	if upd.Input != nil {
		sr.Input = cloneRaw(upd.Input)
	}
	if upd.Output != nil {
		sr.Output = cloneRaw(upd.Output)
	}
	if upd.Error != nil {
		sr.Error = *upd.Error
	}
	if upd.Attempt != nil {
		sr.Attempt = *upd.Attempt
	}
	if upd.BumpAttempt {
		sr.Attempt++
	}
	if upd.DurationMS != nil {
		sr.DurationMS = *upd.DurationMS
	}
	if upd.StartedAt != nil {
		t := *upd.StartedAt
		sr.StartedAt = &t
	}
	if upd.CompletedAt != nil {
		t := *upd.CompletedAt
		sr.CompletedAt = &t
	}
	if upd.WorkerInfo != nil {
		wi := *upd.WorkerInfo
		sr.WorkerInfo = &wi
	}
	if len(upd.AppendLogs) > 0 {
		sr.Logs = append(sr.Logs, upd.AppendLogs...)
	}
	return true, nil
}

// ---------------- events ----------------

func (s *Store) AppendEvent(_ context.Context, ev domain.Event) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	seq := int64(len(s.events)) + 1
	ev.Payload = cloneRaw(ev.Payload)
	s.events = append(s.events, domain.EventRecord{Seq: seq, Event: ev})
	return seq, nil
}

// ListEvents returns the run's events with seq > sinceSeq in order.
func (s *Store) ListEvents(_ context.Context, runID uuid.UUID, sinceSeq int64, limit int) ([]domain.EventRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.EventRecord
	for _, rec := range s.events {
		if rec.Seq <= sinceSeq || rec.RunID != runID {
			continue
		}
		out = append(out, rec)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// ---------------- usage ----------------

func (s *Store) InsertUsageRecord(_ context.Context, orgID, runID uuid.UUID, steps int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.usage = append(s.usage, UsageRecord{OrgID: orgID, RunID: runID, Steps: steps, RecordedAt: time.Now().UTC()})
	return nil
}

func (s *Store) UsageRecords() []UsageRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]UsageRecord(nil), s.usage...)
}

func cloneRaw(raw json.RawMessage) json.RawMessage {
	if raw == nil {
		return nil
	}
	return append(json.RawMessage(nil), raw...)
}

func cloneRun(r domain.Run) domain.Run {
	out := r
	out.Input = cloneRaw(r.Input)
	out.Output = cloneRaw(r.Output)
	if r.StartedAt != nil {
		t := *r.StartedAt
		out.StartedAt = &t
	}
	if r.CompletedAt != nil {
		t := *r.CompletedAt
		out.CompletedAt = &t
	}
	return out
}

func cloneStepRun(sr domain.StepRun) domain.StepRun {
	out := sr
	out.Config = cloneRaw(sr.Config)
	out.Input = cloneRaw(sr.Input)
	out.Output = cloneRaw(sr.Output)
	if sr.DependsOn != nil {
		out.DependsOn = append([]string(nil), sr.DependsOn...)
	}
	if sr.Logs != nil {
		out.Logs = append([]string(nil), sr.Logs...)
	}
	if sr.StartedAt != nil {
		t := *sr.StartedAt
		out.StartedAt = &t
	}
	if sr.CompletedAt != nil {
		t := *sr.CompletedAt
		out.CompletedAt = &t
	}
	if sr.WorkerInfo != nil {
		wi := *sr.WorkerInfo
		out.WorkerInfo = &wi
	}
	return out
}
