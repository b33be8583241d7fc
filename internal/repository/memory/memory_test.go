// SPDX-License-Identifier: Apache-2.0

package memory

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/adiadia/playbook-runtime/internal/domain"
	"github.com/google/uuid"
)

func seedRun(t *testing.T, s *Store, org uuid.UUID) domain.Run {
	t.Helper()
	run := domain.Run{ID: uuid.New(), OrgID: org, Status: domain.RunPending}
	if err := s.CreateRun(context.Background(), run); err != nil {
		t.Fatalf("create run: %v", err)
	}
	return run
}

func TestRunConditionalUpdate(t *testing.T) {
	s := New()
	ctx := context.Background()
	run := seedRun(t, s, uuid.New())

	ok, err := s.ConditionalUpdateRunStatus(ctx, run.ID, []domain.RunStatus{domain.RunRunning}, domain.RunSucceeded, domain.RunUpdate{})
	if err != nil || ok {
		t.Fatalf("expected no-op from wrong status, got ok=%v err=%v", ok, err)
	}

	msg := "boom"
	ok, err = s.ConditionalUpdateRunStatus(ctx, run.ID, []domain.RunStatus{domain.RunPending, domain.RunRunning}, domain.RunFailed, domain.RunUpdate{Error: &msg})
	if err != nil || !ok {
		t.Fatalf("expected update, got ok=%v err=%v", ok, err)
	}

	got, _ := s.GetRun(ctx, run.ID)
	if got.Status != domain.RunFailed || got.Error != "boom" {
		t.Fatalf("unexpected run %+v", got)
	}

	ok, _ = s.ConditionalUpdateRunStatus(ctx, run.ID, []domain.RunStatus{domain.RunFailed}, domain.RunRunning, domain.RunUpdate{ClearCompletion: true})
	if !ok {
		t.Fatal("expected resume transition")
	}
	got, _ = s.GetRun(ctx, run.ID)
	if got.Error != "" || got.Status != domain.RunRunning {
		t.Fatalf("expected cleared run, got %+v", got)
	}

	if _, err := s.ConditionalUpdateRunStatus(ctx, uuid.New(), nil, domain.RunFailed, domain.RunUpdate{}); !errors.Is(err, domain.ErrRunNotFound) {
		t.Fatalf("expected ErrRunNotFound, got %v", err)
	}
	if _, err := s.GetRun(ctx, uuid.New()); !errors.Is(err, domain.ErrRunNotFound) {
		t.Fatalf("expected ErrRunNotFound, got %v", err)
	}
}

func TestConcurrentConditionalUpdateHasOneWinner(t *testing.T) {
	s := New()
	ctx := context.Background()
	run := seedRun(t, s, uuid.New())

	var (
		wins atomic.Int32
		wg   sync.WaitGroup
	)
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := s.ConditionalUpdateRunStatus(ctx, run.ID,
				[]domain.RunStatus{domain.RunPending, domain.RunRunning}, domain.RunSucceeded, domain.RunUpdate{})
			if err == nil && ok {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()

	if wins.Load() != 1 {
		t.Fatalf("expected exactly one winner, got %d", wins.Load())
	}
}

func TestStepRunUpdates(t *testing.T) {
	s := New()
	ctx := context.Background()
	run := seedRun(t, s, uuid.New())

	a := domain.StepRun{ID: uuid.New(), RunID: run.ID, StepKey: "a", Position: 1, Status: domain.StepQueued, MaxAttempts: 3}
	b := domain.StepRun{ID: uuid.New(), RunID: run.ID, StepKey: "b", Position: 0, Status: domain.StepWaiting, DependsOn: []string{"a"}}
	if err := s.CreateStepRuns(ctx, []domain.StepRun{a, b}); err != nil {
		t.Fatalf("create step runs: %v", err)
	}
	if err := s.CreateStepRuns(ctx, []domain.StepRun{{ID: uuid.New(), RunID: uuid.New()}}); !errors.Is(err, domain.ErrRunNotFound) {
		t.Fatalf("expected ErrRunNotFound for orphan step, got %v", err)
	}

	list, _ := s.GetStepRuns(ctx, run.ID)
	if len(list) != 2 || list[0].StepKey != "b" {
		t.Fatalf("expected steps ordered by position, got %+v", list)
	}

	ok, err := s.ConditionalUpdateStepRun(ctx, a.ID, []domain.StepStatus{domain.StepQueued}, domain.StepRunning, domain.StepRunUpdate{
		BumpAttempt: true,
		WorkerInfo:  &domain.WorkerInfo{WorkerID: "w-1"},
	})
	if err != nil || !ok {
		t.Fatalf("expected claim, got ok=%v err=%v", ok, err)
	}
	ok, _ = s.ConditionalUpdateStepRun(ctx, a.ID, []domain.StepStatus{domain.StepQueued}, domain.StepRunning, domain.StepRunUpdate{BumpAttempt: true})
	if ok {
		t.Fatal("expected second claim to lose")
	}

	dur := int64(12)
	ok, _ = s.ConditionalUpdateStepRun(ctx, a.ID, []domain.StepStatus{domain.StepRunning}, domain.StepSucceeded, domain.StepRunUpdate{
		Output:     json.RawMessage(`{"v":1}`),
		DurationMS: &dur,
		AppendLogs: []string{"line 1"},
	})
	if !ok {
		t.Fatal("expected success transition")
	}

	got, _ := s.GetStepRun(ctx, a.ID)
	if got.Attempt != 1 || got.Status != domain.StepSucceeded || string(got.Output) != `{"v":1}` {
		t.Fatalf("unexpected step run %+v", got)
	}
	if got.WorkerInfo == nil || got.WorkerInfo.WorkerID != "w-1" || len(got.Logs) != 1 || got.DurationMS != 12 {
		t.Fatalf("unexpected step run details %+v", got)
	}

	zero := 0
	ok, _ = s.ConditionalUpdateStepRun(ctx, a.ID, nil, domain.StepQueued, domain.StepRunUpdate{Attempt: &zero, ClearResult: true})
	if !ok {
		t.Fatal("expected unconditional update")
	}
	got, _ = s.GetStepRun(ctx, a.ID)
	if got.Attempt != 0 || got.Output != nil || got.WorkerInfo != nil {
		t.Fatalf("expected cleared result, got %+v", got)
	}

	got.DependsOn = append(got.DependsOn, "mutation")
	again, _ := s.GetStepRun(ctx, b.ID)
	if len(again.DependsOn) != 1 {
		t.Fatal("expected copies to be isolated")
	}

	if _, err := s.GetStepRun(ctx, uuid.New()); !errors.Is(err, domain.ErrStepRunNotFound) {
		t.Fatalf("expected ErrStepRunNotFound, got %v", err)
	}
}

func TestCountActiveRunsAndList(t *testing.T) {
	s := New()
	ctx := context.Background()
	org := uuid.New()

	r1 := seedRun(t, s, org)
	seedRun(t, s, org)
	seedRun(t, s, uuid.New())
	_, _ = s.ConditionalUpdateRunStatus(ctx, r1.ID, nil, domain.RunSucceeded, domain.RunUpdate{})

	n, err := s.CountActiveRuns(ctx, org)
	if err != nil || n != 1 {
		t.Fatalf("expected 1 active run, got %d (%v)", n, err)
	}

	runs, _ := s.ListRuns(ctx, org, 10)
	if len(runs) != 2 {
		t.Fatalf("expected 2 runs for org, got %d", len(runs))
	}

	active, err := s.ListActiveRuns(ctx)
	if err != nil || len(active) != 2 {
		t.Fatalf("expected 2 active runs across orgs, got %d (%v)", len(active), err)
	}
	for _, r := range active {
		if r.ID == r1.ID {
			t.Fatal("terminal run listed as active")
		}
	}
}

func TestEventsAndUsage(t *testing.T) {
	s := New()
	ctx := context.Background()
	runA, runB := uuid.New(), uuid.New()

	for i := 0; i < 3; i++ {
		_, _ = s.AppendEvent(ctx, domain.Event{ID: uuid.New(), RunID: runA, Type: domain.EventStepUpdated})
		_, _ = s.AppendEvent(ctx, domain.Event{ID: uuid.New(), RunID: runB, Type: domain.EventStepUpdated})
	}

	all, _ := s.ListEvents(ctx, runA, 0, 0)
	if len(all) != 3 {
		t.Fatalf("expected 3 events for run A, got %d", len(all))
	}
	after, _ := s.ListEvents(ctx, runA, all[0].Seq, 1)
	if len(after) != 1 || after[0].Seq != all[1].Seq {
		t.Fatalf("expected cursor to skip first event, got %+v", after)
	}

	_ = s.InsertUsageRecord(ctx, uuid.New(), runA, 4)
	if recs := s.UsageRecords(); len(recs) != 1 || recs[0].Steps != 4 {
		t.Fatalf("unexpected usage records %+v", recs)
	}
}
