// SPDX-License-Identifier: Apache-2.0

package httptransport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/adiadia/playbook-runtime/internal/auth"
	"github.com/adiadia/playbook-runtime/internal/domain"
	"github.com/adiadia/playbook-runtime/internal/engine"
	"github.com/adiadia/playbook-runtime/internal/worker"
	"github.com/google/uuid"
)

const testToken = "pb_live_test"

var testOrg = uuid.MustParse("7b0a1f57-6a0b-4a8e-8f0e-3c1d2e4f5a60")

func TestRouter_ExecutePlaybook(t *testing.T) {
	exec := newFakeExecutor()
	exec.executeRunID = uuid.New()
	playbookID := uuid.New()

	router := newTestRouter(exec, nil)

	body := `{"input":{"ticket":"INC-1"},"webhook_url":" https://hooks.example/run ","priority":3}`
	req := authedRequest(http.MethodPost, "/playbooks/"+playbookID.String()+"/runs", body)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}

	var resp map[string]string
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp["run_id"] != exec.executeRunID.String() {
		t.Fatalf("expected run_id %s, got %q", exec.executeRunID, resp["run_id"])
	}

	if exec.executed.playbookID != playbookID {
		t.Fatalf("expected playbook %s, got %s", playbookID, exec.executed.playbookID)
	}
	if exec.executed.orgID != testOrg {
		t.Fatalf("expected org %s, got %s", testOrg, exec.executed.orgID)
	}
	if exec.executed.actor != "api_key:ci" {
		t.Fatalf("expected actor api_key:ci, got %q", exec.executed.actor)
	}
	if exec.executed.opts.Priority != 3 {
		t.Fatalf("expected priority 3, got %d", exec.executed.opts.Priority)
	}
	if exec.executed.opts.WebhookURL != "https://hooks.example/run" {
		t.Fatalf("expected trimmed webhook url, got %q", exec.executed.opts.WebhookURL)
	}
	if string(exec.executed.opts.Input) != `{"ticket":"INC-1"}` {
		t.Fatalf("unexpected input %s", exec.executed.opts.Input)
	}
}

func TestRouter_ExecutePlaybookEmptyBody(t *testing.T) {
	exec := newFakeExecutor()
	exec.executeRunID = uuid.New()
	router := newTestRouter(exec, nil)

	req := authedRequest(http.MethodPost, "/playbooks/"+uuid.NewString()+"/runs", "")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", rec.Code)
	}
	if exec.executed.opts.Input != nil {
		t.Fatalf("expected nil input, got %s", exec.executed.opts.Input)
	}
}

func TestRouter_ExecutePlaybookRejectsBadBodies(t *testing.T) {
	cases := []struct {
		name string
		body string
	}{
		{name: "unknown field", body: `{"inputs":{}}`},
		{name: "string priority", body: `{"priority":"high"}`},
		{name: "two objects", body: `{} {}`},
		{name: "not json", body: `input=1`},
	}

	for _, tc := range cases {
		exec := newFakeExecutor()
		router := newTestRouter(exec, nil)

		req := authedRequest(http.MethodPost, "/playbooks/"+uuid.NewString()+"/runs", tc.body)
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)

		if rec.Code != http.StatusBadRequest {
			t.Fatalf("%s: expected 400, got %d", tc.name, rec.Code)
		}
		if exec.executeCalls != 0 {
			t.Fatalf("%s: expected engine not to be called", tc.name)
		}
	}
}

func TestRouter_ExecutePlaybookErrorMapping(t *testing.T) {
	cases := []struct {
		name       string
		err        error
		wantStatus int
	}{
		{name: "playbook missing", err: domain.ErrPlaybookNotFound, wantStatus: http.StatusNotFound},
		{name: "playbook draft", err: fmt.Errorf("%w: DRAFT", domain.ErrPlaybookNotActive), wantStatus: http.StatusConflict},
		{name: "quota", err: fmt.Errorf("%w: 5 active runs", domain.ErrQuotaExceeded), wantStatus: http.StatusTooManyRequests},
		{name: "validation", err: &domain.ValidationError{Field: "input", Reason: "must be an object"}, wantStatus: http.StatusBadRequest},
		{name: "store", err: errors.New("db down"), wantStatus: http.StatusInternalServerError},
	}

	for _, tc := range cases {
		exec := newFakeExecutor()
		exec.executeErr = tc.err
		router := newTestRouter(exec, nil)

		req := authedRequest(http.MethodPost, "/playbooks/"+uuid.NewString()+"/runs", `{}`)
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)

		if rec.Code != tc.wantStatus {
			t.Fatalf("%s: expected %d, got %d", tc.name, tc.wantStatus, rec.Code)
		}
		if tc.wantStatus == http.StatusTooManyRequests && rec.Header().Get("Retry-After") == "" {
			t.Fatalf("%s: expected Retry-After header", tc.name)
		}
	}
}

func TestRouter_ExecutePlaybookDispatchFailureReturnsRunID(t *testing.T) {
	exec := newFakeExecutor()
	exec.executeRunID = uuid.New()
	exec.executeErr = errors.New("queue closed")
	router := newTestRouter(exec, nil)

	req := authedRequest(http.MethodPost, "/playbooks/"+uuid.NewString()+"/runs", `{}`)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
	var resp map[string]string
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp["run_id"] != exec.executeRunID.String() {
		t.Fatalf("expected failed run id in body, got %q", resp["run_id"])
	}
}

func TestRouter_AuthRequired(t *testing.T) {
	router := newTestRouter(newFakeExecutor(), nil)

	cases := []struct {
		name   string
		header string
	}{
		{name: "missing", header: ""},
		{name: "wrong scheme", header: "Basic " + testToken},
		{name: "unknown token", header: "Bearer nope"},
	}

	for _, tc := range cases {
		req := httptest.NewRequest(http.MethodGet, "/runs", nil)
		if tc.header != "" {
			req.Header.Set("Authorization", tc.header)
		}
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)

		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("%s: expected 401, got %d", tc.name, rec.Code)
		}
	}
}

func TestRouter_AuthLookupError(t *testing.T) {
	resolver := &mockAPIKeyResolver{err: errors.New("db down")}
	router := NewRouter(Deps{
		Engine:         newFakeExecutor(),
		APIKeyResolver: resolver,
		Logger:         discardLogger(),
	})

	req := authedRequest(http.MethodGet, "/stats", "")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
}

func TestRouter_GetRun(t *testing.T) {
	exec := newFakeExecutor()
	run := exec.addRun(testOrg, domain.RunRunning)
	router := newTestRouter(exec, nil)

	req := authedRequest(http.MethodGet, "/runs/"+run.Run.ID.String(), "")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var got engine.ExecutionStatus
	if err := json.NewDecoder(rec.Body).Decode(&got); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if got.Run.ID != run.Run.ID || got.Run.Status != domain.RunRunning {
		t.Fatalf("unexpected run %+v", got.Run)
	}
	if got.Progress.Total != 2 || got.Progress.Completed != 1 {
		t.Fatalf("unexpected progress %+v", got.Progress)
	}
}

func TestRouter_GetRunHidesOtherOrgs(t *testing.T) {
	exec := newFakeExecutor()
	foreign := exec.addRun(uuid.New(), domain.RunRunning)
	router := newTestRouter(exec, nil)

	for _, path := range []string{
		"/runs/" + foreign.Run.ID.String(),
		"/runs/" + foreign.Run.ID.String() + "/steps",
		"/runs/" + foreign.Run.ID.String() + "/events",
	} {
		req := authedRequest(http.MethodGet, path, "")
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)

		if rec.Code != http.StatusNotFound {
			t.Fatalf("%s: expected 404, got %d", path, rec.Code)
		}
	}

	req := authedRequest(http.MethodPost, "/runs/"+foreign.Run.ID.String()+"/cancel", "")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("cancel: expected 404, got %d", rec.Code)
	}
	if exec.cancelCalls != 0 {
		t.Fatal("expected foreign run not to be canceled")
	}
}

func TestRouter_GetRunInvalidID(t *testing.T) {
	router := newTestRouter(newFakeExecutor(), nil)

	req := authedRequest(http.MethodGet, "/runs/not-a-uuid", "")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestRouter_GetRunNotFound(t *testing.T) {
	router := newTestRouter(newFakeExecutor(), nil)

	req := authedRequest(http.MethodGet, "/runs/"+uuid.NewString(), "")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestRouter_ListSteps(t *testing.T) {
	exec := newFakeExecutor()
	run := exec.addRun(testOrg, domain.RunRunning)
	router := newTestRouter(exec, nil)

	req := authedRequest(http.MethodGet, "/runs/"+run.Run.ID.String()+"/steps", "")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var resp struct {
		RunID uuid.UUID        `json:"run_id"`
		Steps []domain.StepRun `json:"steps"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.RunID != run.Run.ID {
		t.Fatalf("expected run id %s, got %s", run.Run.ID, resp.RunID)
	}
	if len(resp.Steps) != 2 || resp.Steps[0].StepKey != "fetch" || resp.Steps[1].Status != domain.StepQueued {
		t.Fatalf("unexpected steps %+v", resp.Steps)
	}
}

func TestRouter_ListRuns(t *testing.T) {
	exec := newFakeExecutor()
	runs := &mockRunLister{runs: []domain.Run{{ID: uuid.New(), OrgID: testOrg, Status: domain.RunSucceeded}}}
	router := NewRouter(Deps{
		Engine:         exec,
		Runs:           runs,
		APIKeyResolver: newTestResolver(),
		Logger:         discardLogger(),
	})

	req := authedRequest(http.MethodGet, "/runs?limit=10", "")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if runs.orgID != testOrg || runs.limit != 10 {
		t.Fatalf("unexpected list args org=%s limit=%d", runs.orgID, runs.limit)
	}

	req = authedRequest(http.MethodGet, "/runs?limit=-1", "")
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for negative limit, got %d", rec.Code)
	}
}

func TestRouter_CancelRun(t *testing.T) {
	exec := newFakeExecutor()
	run := exec.addRun(testOrg, domain.RunRunning)
	router := newTestRouter(exec, nil)

	req := authedRequest(http.MethodPost, "/runs/"+run.Run.ID.String()+"/cancel", "")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var resp map[string]string
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp["status"] != string(domain.RunCanceled) {
		t.Fatalf("expected CANCELED, got %q", resp["status"])
	}
	if exec.canceledID != run.Run.ID {
		t.Fatalf("expected cancel of %s, got %s", run.Run.ID, exec.canceledID)
	}
}

func TestRouter_CancelTerminalRunConflicts(t *testing.T) {
	exec := newFakeExecutor()
	run := exec.addRun(testOrg, domain.RunSucceeded)
	exec.cancelErr = domain.ErrRunTerminal
	router := newTestRouter(exec, nil)

	req := authedRequest(http.MethodPost, "/runs/"+run.Run.ID.String()+"/cancel", "")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rec.Code)
	}
}

func TestRouter_ResumeRun(t *testing.T) {
	exec := newFakeExecutor()
	run := exec.addRun(testOrg, domain.RunFailed)
	exec.resumeReset = 2
	router := newTestRouter(exec, nil)

	req := authedRequest(http.MethodPost, "/runs/"+run.Run.ID.String()+"/resume", "")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var resp struct {
		ID         string `json:"id"`
		ResetSteps int    `json:"reset_steps"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.ID != run.Run.ID.String() || resp.ResetSteps != 2 {
		t.Fatalf("unexpected resume response %+v", resp)
	}
}

func TestRouter_ResumeInvalidState(t *testing.T) {
	exec := newFakeExecutor()
	run := exec.addRun(testOrg, domain.RunCanceled)
	exec.resumeErr = fmt.Errorf("%w: CANCELED", domain.ErrInvalidResumeState)
	router := newTestRouter(exec, nil)

	req := authedRequest(http.MethodPost, "/runs/"+run.Run.ID.String()+"/resume", "")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rec.Code)
	}
}

func TestRouter_StreamEventsStopsAtTerminalEvent(t *testing.T) {
	exec := newFakeExecutor()
	run := exec.addRun(testOrg, domain.RunSucceeded)
	runID := run.Run.ID

	events := &mockEventLog{records: []domain.EventRecord{
		eventRecord(1, runID, domain.EventRunCreated, ""),
		eventRecord(2, runID, domain.EventStepCompleted, "fetch"),
		eventRecord(3, runID, domain.EventRunSucceeded, ""),
	}}
	router := newTestRouter(exec, events)

	req := authedRequest(http.MethodGet, "/runs/"+runID.String()+"/events", "")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("expected text/event-stream, got %q", ct)
	}

	body := rec.Body.String()
	for _, want := range []string{
		"id: 1\nevent: run.created\n",
		"id: 2\nevent: step.completed\n",
		"id: 3\nevent: run.succeeded\n",
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("expected %q in stream:\n%s", want, body)
		}
	}
	if events.calls != 1 {
		t.Fatalf("expected a single poll before the terminal event, got %d", events.calls)
	}
}

func TestRouter_StreamEventsResumesFromCursor(t *testing.T) {
	exec := newFakeExecutor()
	run := exec.addRun(testOrg, domain.RunFailed)
	runID := run.Run.ID

	events := &mockEventLog{records: []domain.EventRecord{
		eventRecord(1, runID, domain.EventRunCreated, ""),
		eventRecord(2, runID, domain.EventStepFailed, "fetch"),
		eventRecord(3, runID, domain.EventRunFailed, ""),
	}}
	router := newTestRouter(exec, events)

	cases := []struct {
		name  string
		path  string
		setup func(r *http.Request)
	}{
		{name: "query", path: "/runs/" + runID.String() + "/events?since_id=1"},
		{name: "header", path: "/runs/" + runID.String() + "/events", setup: func(r *http.Request) {
			r.Header.Set("Last-Event-ID", "1")
		}},
	}

	for _, tc := range cases {
		req := authedRequest(http.MethodGet, tc.path, "")
		if tc.setup != nil {
			tc.setup(req)
		}
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)

		body := rec.Body.String()
		if strings.Contains(body, "event: run.created") {
			t.Fatalf("%s: expected events after cursor only:\n%s", tc.name, body)
		}
		if !strings.Contains(body, "id: 2\n") || !strings.Contains(body, "event: run.failed") {
			t.Fatalf("%s: missing events after cursor:\n%s", tc.name, body)
		}
	}
}

func TestRouter_StreamEventsInvalidSinceID(t *testing.T) {
	exec := newFakeExecutor()
	run := exec.addRun(testOrg, domain.RunRunning)
	router := newTestRouter(exec, &mockEventLog{})

	for _, since := range []string{"abc", "-4"} {
		req := authedRequest(http.MethodGet, "/runs/"+run.Run.ID.String()+"/events?since_id="+since, "")
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)

		if rec.Code != http.StatusBadRequest {
			t.Fatalf("since_id=%s: expected 400, got %d", since, rec.Code)
		}
	}
}

func TestRouter_StreamEventsStopsOnClientDisconnect(t *testing.T) {
	exec := newFakeExecutor()
	run := exec.addRun(testOrg, domain.RunRunning)
	events := &mockEventLog{}
	router := newTestRouter(exec, events)

	ctx, cancel := context.WithCancel(context.Background())
	req := authedRequest(http.MethodGet, "/runs/"+run.Run.ID.String()+"/events", "").WithContext(ctx)
	rec := httptest.NewRecorder()

	done := make(chan struct{})
	go func() {
		defer close(done)
		router.ServeHTTP(rec, req)
	}()

	cancel()
	<-done

	if events.callCount() < 1 {
		t.Fatal("expected at least the initial poll")
	}
}

func TestRouter_CreatePlaybook(t *testing.T) {
	exec := newFakeExecutor()
	store := newMemPlaybookStore()
	router := NewRouter(Deps{
		Engine:         exec,
		Playbooks:      store,
		APIKeyResolver: newTestResolver(),
		Logger:         discardLogger(),
	})

	body := `
name: triage
steps:
  - key: fetch
    type: http
    config:
      url: https://example.com
  - key: notify
    type: noop
    depends_on: [fetch]
`
	req := authedRequest(http.MethodPost, "/playbooks", body)
	req.Header.Set("Content-Type", "application/yaml")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var pb domain.Playbook
	if err := json.NewDecoder(rec.Body).Decode(&pb); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if pb.OrgID != testOrg {
		t.Fatalf("expected playbook owned by caller org, got %s", pb.OrgID)
	}
	stored, err := store.GetPlaybook(context.Background(), pb.ID)
	if err != nil {
		t.Fatalf("expected stored playbook: %v", err)
	}
	if len(stored.Steps) != 2 {
		t.Fatalf("expected 2 steps, got %d", len(stored.Steps))
	}

	req = authedRequest(http.MethodGet, "/playbooks/"+pb.ID.String(), "")
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("get playbook: expected 200, got %d", rec.Code)
	}

	req = authedRequest(http.MethodGet, "/playbooks", "")
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	var list struct {
		Playbooks []domain.Playbook `json:"playbooks"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&list); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(list.Playbooks) != 1 || list.Playbooks[0].ID != pb.ID {
		t.Fatalf("unexpected playbook list %+v", list.Playbooks)
	}
}

func TestRouter_CreatePlaybookRejections(t *testing.T) {
	foreignID := uuid.New()

	cases := []struct {
		name       string
		body       string
		wantStatus int
	}{
		{name: "empty", body: "", wantStatus: http.StatusBadRequest},
		{name: "malformed yaml", body: "name: [", wantStatus: http.StatusBadRequest},
		{
			name:       "cycle",
			body:       "name: loop\nsteps:\n  - key: a\n    type: noop\n    depends_on: [b]\n  - key: b\n    type: noop\n    depends_on: [a]\n",
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "unknown type",
			body:       "name: odd\nsteps:\n  - key: a\n    type: teleport\n",
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "other org",
			body:       "name: other\norg_id: " + uuid.NewString() + "\nsteps:\n  - key: a\n    type: noop\n",
			wantStatus: http.StatusForbidden,
		},
		{
			name:       "id taken by other org",
			body:       "id: " + foreignID.String() + "\nname: clash\nsteps:\n  - key: a\n    type: noop\n",
			wantStatus: http.StatusConflict,
		},
	}

	for _, tc := range cases {
		store := newMemPlaybookStore()
		store.playbooks[foreignID] = domain.Playbook{ID: foreignID, OrgID: uuid.New(), Name: "theirs"}
		router := NewRouter(Deps{
			Engine:         newFakeExecutor(),
			Playbooks:      store,
			APIKeyResolver: newTestResolver(),
			Logger:         discardLogger(),
		})

		req := authedRequest(http.MethodPost, "/playbooks", tc.body)
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)

		if rec.Code != tc.wantStatus {
			t.Fatalf("%s: expected %d, got %d: %s", tc.name, tc.wantStatus, rec.Code, rec.Body.String())
		}
		if store.creates != 0 {
			t.Fatalf("%s: expected nothing stored", tc.name)
		}
	}
}

func TestRouter_GetPlaybookHidesOtherOrgs(t *testing.T) {
	store := newMemPlaybookStore()
	foreign := domain.Playbook{ID: uuid.New(), OrgID: uuid.New(), Name: "theirs"}
	shared := domain.Playbook{ID: uuid.New(), Name: "shared"}
	store.playbooks[foreign.ID] = foreign
	store.playbooks[shared.ID] = shared

	router := NewRouter(Deps{
		Engine:         newFakeExecutor(),
		Playbooks:      store,
		APIKeyResolver: newTestResolver(),
		Logger:         discardLogger(),
	})

	req := authedRequest(http.MethodGet, "/playbooks/"+foreign.ID.String(), "")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("foreign playbook: expected 404, got %d", rec.Code)
	}

	req = authedRequest(http.MethodGet, "/playbooks/"+shared.ID.String(), "")
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("shared playbook: expected 200, got %d", rec.Code)
	}
}

func TestRouter_Usage(t *testing.T) {
	usage := &mockUsage{runs: 4, steps: 17}
	router := NewRouter(Deps{
		Engine:         newFakeExecutor(),
		Usage:          usage,
		APIKeyResolver: newTestResolver(),
		Logger:         discardLogger(),
	})

	req := authedRequest(http.MethodGet, "/usage", "")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var resp struct {
		OrgID string `json:"org_id"`
		Runs  int    `json:"runs"`
		Steps int    `json:"steps"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.OrgID != testOrg.String() || resp.Runs != 4 || resp.Steps != 17 {
		t.Fatalf("unexpected usage %+v", resp)
	}
	if usage.orgID != testOrg {
		t.Fatalf("expected usage for %s, got %s", testOrg, usage.orgID)
	}
}

func TestRouter_Stats(t *testing.T) {
	exec := newFakeExecutor()
	exec.stats = worker.Stats{Workers: 4, Busy: 1, Idle: 3}
	exec.dropped = 2
	router := newTestRouter(exec, nil)

	req := authedRequest(http.MethodGet, "/stats", "")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var resp struct {
		Workers       worker.Stats `json:"workers"`
		EventsDropped int64        `json:"events_dropped"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Workers.Workers != 4 || resp.Workers.Busy != 1 || resp.EventsDropped != 2 {
		t.Fatalf("unexpected stats %+v", resp)
	}
}

func TestRouter_ProbesUnauthenticated(t *testing.T) {
	router := newTestRouter(newFakeExecutor(), nil)

	for _, path := range []string{"/healthz", "/readyz", "/metrics", "/version"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)

		if rec.Code != http.StatusOK {
			t.Fatalf("%s: expected 200, got %d", path, rec.Code)
		}
	}
}

func TestRouter_HealthzPreservesRequestID(t *testing.T) {
	router := newTestRouter(newFakeExecutor(), nil)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set(headerRequestID, "req-123")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if got := rec.Header().Get(headerRequestID); got != "req-123" {
		t.Fatalf("expected request id to be echoed, got %q", got)
	}
}

func TestRouter_ReadyzNotReadyWhenCheckFails(t *testing.T) {
	health := &mockHealthChecker{err: errors.New("schema missing")}
	router := NewRouter(Deps{
		Engine: newFakeExecutor(),
		Health: health,
		Logger: discardLogger(),
	})

	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
	if health.calls != 1 {
		t.Fatalf("expected one health check, got %d", health.calls)
	}
}

func TestRouter_Version(t *testing.T) {
	router := NewRouter(Deps{
		Engine:    newFakeExecutor(),
		Logger:    discardLogger(),
		Version:   "1.4.0",
		Commit:    "abc123",
		BuildDate: " ",
	})

	req := httptest.NewRequest(http.MethodGet, "/version", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	var resp map[string]string
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp["version"] != "1.4.0" || resp["commit"] != "abc123" || resp["build_date"] != "unknown" {
		t.Fatalf("unexpected version payload %v", resp)
	}
}

func TestRouter_AdminAPIKeys(t *testing.T) {
	manager := &mockAPIKeyManager{}
	router := NewRouter(Deps{
		Engine:         newFakeExecutor(),
		APIKeyAdmin:    manager,
		APIKeyResolver: newTestResolver(),
		AdminToken:     "admin-secret",
		Logger:         discardLogger(),
	})

	// Org API keys do not grant admin access.
	req := authedRequest(http.MethodPost, "/admin/api-keys", `{"name":"ci"}`)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 with org token, got %d", rec.Code)
	}

	orgID := uuid.New()
	req = adminRequest(http.MethodPost, "/admin/api-keys", `{"name":" ci ","org_id":"`+orgID.String()+`","max_requests_per_min":120,"ttl":"720h"}`)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var created map[string]string
	if err := json.NewDecoder(rec.Body).Decode(&created); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if created["token"] == "" || created["org_id"] != orgID.String() || created["prefix"] != "pb_live_gene" {
		t.Fatalf("unexpected create response %v", created)
	}
	if _, err := time.Parse(time.RFC3339, created["expires_at"]); err != nil {
		t.Fatalf("expected RFC3339 expires_at, got %q", created["expires_at"])
	}
	if manager.createParams.Name != "ci" || manager.createParams.MaxRequestsPerMin != 120 || manager.createParams.TTL != 720*time.Hour {
		t.Fatalf("unexpected create params %+v", manager.createParams)
	}

	req = adminRequest(http.MethodGet, "/admin/api-keys", "")
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK || !manager.listCalled {
		t.Fatalf("expected list to succeed, got %d", rec.Code)
	}

	keyID := uuid.New()
	req = adminRequest(http.MethodDelete, "/admin/api-keys/"+keyID.String(), "")
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}
	if manager.revokeID != keyID {
		t.Fatalf("expected revoke of %s, got %s", keyID, manager.revokeID)
	}
}

func TestRouter_AdminAPIKeyErrors(t *testing.T) {
	cases := []struct {
		name       string
		method     string
		path       string
		body       string
		manager    *mockAPIKeyManager
		wantStatus int
	}{
		{name: "missing name", method: http.MethodPost, path: "/admin/api-keys", body: `{"name":"  "}`, manager: &mockAPIKeyManager{}, wantStatus: http.StatusBadRequest},
		{name: "bad ttl", method: http.MethodPost, path: "/admin/api-keys", body: `{"name":"ci","ttl":"soon"}`, manager: &mockAPIKeyManager{}, wantStatus: http.StatusBadRequest},
		{name: "negative ttl", method: http.MethodPost, path: "/admin/api-keys", body: `{"name":"ci","ttl":"-1h"}`, manager: &mockAPIKeyManager{}, wantStatus: http.StatusBadRequest},
		{name: "bad org", method: http.MethodPost, path: "/admin/api-keys", body: `{"name":"ci","org_id":"acme"}`, manager: &mockAPIKeyManager{}, wantStatus: http.StatusBadRequest},
		{name: "store error", method: http.MethodPost, path: "/admin/api-keys", body: `{"name":"ci"}`, manager: &mockAPIKeyManager{createErr: errors.New("db down")}, wantStatus: http.StatusInternalServerError},
		{name: "bad id", method: http.MethodDelete, path: "/admin/api-keys/xyz", manager: &mockAPIKeyManager{}, wantStatus: http.StatusBadRequest},
		{name: "unknown key", method: http.MethodDelete, path: "/admin/api-keys/" + uuid.NewString(), manager: &mockAPIKeyManager{revokeErr: domain.ErrAPIKeyNotFound}, wantStatus: http.StatusNotFound},
	}

	for _, tc := range cases {
		router := NewRouter(Deps{
			Engine:      newFakeExecutor(),
			APIKeyAdmin: tc.manager,
			AdminToken:  "admin-secret",
			Logger:      discardLogger(),
		})

		req := adminRequest(tc.method, tc.path, tc.body)
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)

		if rec.Code != tc.wantStatus {
			t.Fatalf("%s: expected %d, got %d", tc.name, tc.wantStatus, rec.Code)
		}
	}
}

func TestWriteJSONSetsHeadersAndBody(t *testing.T) {
	rec := httptest.NewRecorder()
	writeJSON(rec, http.StatusCreated, map[string]string{"hello": "world"})

	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Fatalf("expected application/json, got %q", ct)
	}
	if got := strings.TrimSpace(rec.Body.String()); got != `{"hello":"world"}` {
		t.Fatalf("unexpected body %s", got)
	}
}

func TestParseEventsCursor(t *testing.T) {
	cases := []struct {
		in      string
		want    int64
		wantErr bool
	}{
		{in: "", want: 0},
		{in: "0", want: 0},
		{in: "42", want: 42},
		{in: "-1", wantErr: true},
		{in: uuid.NewString(), wantErr: true},
	}

	for _, tc := range cases {
		got, err := parseEventsCursor(tc.in)
		if tc.wantErr {
			if !errors.Is(err, errInvalidSinceID) {
				t.Fatalf("%q: expected errInvalidSinceID, got %v", tc.in, err)
			}
			continue
		}
		if err != nil || got != tc.want {
			t.Fatalf("%q: expected %d, got %d (%v)", tc.in, tc.want, got, err)
		}
	}
}

// ---------------- helpers ----------------

func newTestRouter(exec *fakeExecutor, events EventStreamer) http.Handler {
	return NewRouter(Deps{
		Engine:         exec,
		Events:         events,
		APIKeyResolver: newTestResolver(),
		Logger:         discardLogger(),
	})
}

func newTestResolver() *mockAPIKeyResolver {
	return &mockAPIKeyResolver{
		keyByToken: map[string]auth.Principal{
			testToken: {
				APIKeyID:          uuid.New(),
				OrgID:             testOrg,
				Name:              "ci",
				MaxRequestsPerMin: 1000,
			},
		},
	}
}

func authedRequest(method, path, body string) *http.Request {
	req := newRequest(method, path, body)
	req.Header.Set("Authorization", "Bearer "+testToken)
	return req
}

func adminRequest(method, path, body string) *http.Request {
	req := newRequest(method, path, body)
	req.Header.Set("Authorization", "Bearer admin-secret")
	return req
}

func newRequest(method, path, body string) *http.Request {
	var r io.Reader
	if body != "" {
		r = bytes.NewBufferString(body)
	}
	return httptest.NewRequest(method, path, r)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func eventRecord(seq int64, runID uuid.UUID, typ domain.EventType, stepKey string) domain.EventRecord {
	return domain.EventRecord{
		Seq: seq,
		Event: domain.Event{
			ID:      uuid.New(),
			Type:    typ,
			RunID:   runID,
			OrgID:   testOrg,
			StepKey: stepKey,
		},
	}
}

type executeCall struct {
	playbookID uuid.UUID
	orgID      uuid.UUID
	actor      string
	opts       engine.ExecuteOptions
}

type fakeExecutor struct {
	runs map[uuid.UUID]engine.ExecutionStatus

	executeRunID uuid.UUID
	executeErr   error
	executeCalls int
	executed     executeCall

	cancelErr   error
	cancelCalls int
	canceledID  uuid.UUID

	resumeReset int
	resumeErr   error

	stats   worker.Stats
	dropped int64
}

func newFakeExecutor() *fakeExecutor {
	return &fakeExecutor{runs: make(map[uuid.UUID]engine.ExecutionStatus)}
}

// addRun registers a two-step run: "fetch" succeeded, "notify" queued.
func (f *fakeExecutor) addRun(orgID uuid.UUID, status domain.RunStatus) engine.ExecutionStatus {
	runID := uuid.New()
	st := engine.ExecutionStatus{
		Run: domain.Run{
			ID:     runID,
			OrgID:  orgID,
			Status: status,
		},
		Steps: []domain.StepRun{
			{ID: uuid.New(), RunID: runID, StepKey: "fetch", Status: domain.StepSucceeded},
			{ID: uuid.New(), RunID: runID, StepKey: "notify", Status: domain.StepQueued},
		},
		Progress: engine.Progress{Total: 2, Completed: 1},
	}
	f.runs[runID] = st
	return st
}

func (f *fakeExecutor) ExecutePlaybook(ctx context.Context, playbookID, orgID uuid.UUID, actor string, opts engine.ExecuteOptions) (uuid.UUID, error) {
	f.executeCalls++
	f.executed = executeCall{playbookID: playbookID, orgID: orgID, actor: actor, opts: opts}
	return f.executeRunID, f.executeErr
}

func (f *fakeExecutor) GetExecutionStatus(ctx context.Context, runID uuid.UUID) (engine.ExecutionStatus, error) {
	st, ok := f.runs[runID]
	if !ok {
		return engine.ExecutionStatus{}, domain.ErrRunNotFound
	}
	return st, nil
}

func (f *fakeExecutor) CancelExecution(ctx context.Context, runID uuid.UUID) (domain.Run, error) {
	f.cancelCalls++
	f.canceledID = runID
	if f.cancelErr != nil {
		return domain.Run{}, f.cancelErr
	}
	run := f.runs[runID].Run
	run.Status = domain.RunCanceled
	return run, nil
}

func (f *fakeExecutor) ResumeExecution(ctx context.Context, runID uuid.UUID) (int, error) {
	return f.resumeReset, f.resumeErr
}

func (f *fakeExecutor) KnownStepType(t domain.StepType) bool {
	switch t {
	case "http", "noop", "shell":
		return true
	default:
		return false
	}
}

func (f *fakeExecutor) Stats() worker.Stats { return f.stats }

func (f *fakeExecutor) EventsDropped() int64 { return f.dropped }

type mockRunLister struct {
	runs  []domain.Run
	err   error
	orgID uuid.UUID
	limit int
}

func (m *mockRunLister) ListRuns(ctx context.Context, orgID uuid.UUID, limit int) ([]domain.Run, error) {
	m.orgID = orgID
	m.limit = limit
	return m.runs, m.err
}

type memPlaybookStore struct {
	playbooks map[uuid.UUID]domain.Playbook
	creates   int
}

func newMemPlaybookStore() *memPlaybookStore {
	return &memPlaybookStore{playbooks: make(map[uuid.UUID]domain.Playbook)}
}

func (m *memPlaybookStore) CreatePlaybook(ctx context.Context, pb domain.Playbook) error {
	m.creates++
	m.playbooks[pb.ID] = pb
	return nil
}

func (m *memPlaybookStore) GetPlaybook(ctx context.Context, id uuid.UUID) (domain.Playbook, error) {
	pb, ok := m.playbooks[id]
	if !ok {
		return domain.Playbook{}, domain.ErrPlaybookNotFound
	}
	return pb, nil
}

func (m *memPlaybookStore) ListPlaybooks(ctx context.Context, orgID uuid.UUID) ([]domain.Playbook, error) {
	var out []domain.Playbook
	for _, pb := range m.playbooks {
		if pb.OrgID == orgID || pb.OrgID == uuid.Nil {
			out = append(out, pb)
		}
	}
	return out, nil
}

type mockEventLog struct {
	mu      sync.Mutex
	records []domain.EventRecord
	err     error
	calls   int
}

func (m *mockEventLog) ListEvents(ctx context.Context, runID uuid.UUID, sinceSeq int64, limit int) ([]domain.EventRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.err != nil {
		return nil, m.err
	}
	var out []domain.EventRecord
	for _, ev := range m.records {
		if ev.RunID == runID && ev.Seq > sinceSeq {
			out = append(out, ev)
		}
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *mockEventLog) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

type mockUsage struct {
	runs  int
	steps int
	orgID uuid.UUID
}

func (m *mockUsage) UsageTotals(ctx context.Context, orgID uuid.UUID) (int, int, error) {
	m.orgID = orgID
	return m.runs, m.steps, nil
}

type mockAPIKeyResolver struct {
	keyByToken map[string]auth.Principal
	err        error
}

func (m *mockAPIKeyResolver) ResolveAPIKey(ctx context.Context, bearerToken string) (auth.Principal, bool, error) {
	if m.err != nil {
		return auth.Principal{}, false, m.err
	}

	p, ok := m.keyByToken[bearerToken]
	return p, ok, nil
}

type mockAPIKeyManager struct {
	createResp   domain.CreatedAPIKey
	createErr    error
	createParams domain.CreateAPIKeyParams
	listResp     []domain.APIKeyRecord
	listErr      error
	listCalled   bool
	revokeID     uuid.UUID
	revokeErr    error
}

func (m *mockAPIKeyManager) CreateAPIKey(ctx context.Context, params domain.CreateAPIKeyParams) (domain.CreatedAPIKey, error) {
	m.createParams = params
	if m.createErr != nil {
		return domain.CreatedAPIKey{}, m.createErr
	}
	if m.createResp.ID == uuid.Nil {
		m.createResp = domain.CreatedAPIKey{
			ID:        uuid.New(),
			OrgID:     params.OrgID,
			Token:     "pb_live_generated",
			Prefix:    "pb_live_gene",
			ExpiresAt: params.ExpiresAt(time.Now()),
		}
	}
	return m.createResp, nil
}

func (m *mockAPIKeyManager) ListAPIKeys(ctx context.Context) ([]domain.APIKeyRecord, error) {
	m.listCalled = true
	return m.listResp, m.listErr
}

func (m *mockAPIKeyManager) RevokeAPIKey(ctx context.Context, id uuid.UUID) error {
	m.revokeID = id
	return m.revokeErr
}

type mockHealthChecker struct {
	err   error
	calls int
}

func (m *mockHealthChecker) Check(ctx context.Context) error {
	m.calls++
	return m.err
}
