// Package inmem implements workflow/storage.Storage in memory.
//
// The in-memory store is intended for tests and local development. It is
// not durable and should not be used in production — use
// workflow/storage/mongo for that. Runs/Steps/Hooks are materialized
// projections maintained alongside the append-only event log, exactly as
// the core's ownership model requires (events are authoritative).
package inmem

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/runloop-dev/runloop/workflow"
	"github.com/runloop-dev/runloop/workflow/errors"
	"github.com/runloop-dev/runloop/workflow/storage"
)

type runState struct {
	run   *workflow.Run
	steps map[string]*workflow.Step
	hooks map[string]*workflow.Hook
	// terminal tracks (correlationId) -> event type already recorded, for
	// the at-most-one-terminal-event invariant.
	terminal map[string]workflow.EventType
	events   []*workflow.Event
}

// Store implements storage.Storage in memory with a single global mutex.
// Throughput is not a goal; determinism and invariant enforcement are.
type Store struct {
	mu      sync.Mutex
	runs    map[string]*runState
	nextSeq map[string]int64
	idgen   func() string
}

// New returns a new in-memory Storage. idgen, if nil, defaults to a
// crypto/rand-seeded ULID generator — callers that need replay-deterministic
// run IDs (tests) should supply their own.
func New(idgen func() string) *Store {
	if idgen == nil {
		idgen = func() string { return ulid.Make().String() }
	}
	return &Store{
		runs:    make(map[string]*runState),
		nextSeq: make(map[string]int64),
		idgen:   idgen,
	}
}

func (s *Store) GetRun(_ context.Context, runID string) (*workflow.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rs, ok := s.runs[runID]
	if !ok {
		return nil, fmt.Errorf("run %q not found", runID)
	}
	run := *rs.run
	return &run, nil
}

func (s *Store) ListRuns(_ context.Context, params storage.ListParams) (storage.RunsPage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	limit := params.Limit
	if limit <= 0 {
		limit = storage.DefaultLimit
	}
	var all []*workflow.Run
	for _, rs := range s.runs {
		if params.Prefix != "" && !hasPrefix(rs.run.WorkflowName, params.Prefix) {
			continue
		}
		run := *rs.run
		all = append(all, &run)
	}
	sortRuns(all, params.Order)
	return storage.RunsPage{Runs: limitRuns(all, limit)}, nil
}

func (s *Store) GetStep(_ context.Context, runID, stepID string) (*workflow.Step, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rs, ok := s.runs[runID]
	if !ok {
		return nil, fmt.Errorf("run %q not found", runID)
	}
	step, ok := rs.steps[stepID]
	if !ok {
		return nil, fmt.Errorf("step %q not found in run %q", stepID, runID)
	}
	out := *step
	return &out, nil
}

func (s *Store) ListSteps(_ context.Context, params storage.ListParams) (storage.StepsPage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rs, ok := s.runs[params.RunID]
	if !ok {
		return storage.StepsPage{}, nil
	}
	limit := params.Limit
	if limit <= 0 {
		limit = storage.DefaultLimit
	}
	var all []*workflow.Step
	for _, step := range rs.steps {
		out := *step
		all = append(all, &out)
	}
	sortSteps(all, params.Order)
	if len(all) > limit {
		all = all[:limit]
	}
	return storage.StepsPage{Steps: all}, nil
}

// AppendEvent implements the core's conditional-append contract: at most one
// terminal event per (runID, correlationID), with run_created allocating a
// fresh RunID when the caller passes an empty one.
func (s *Store) AppendEvent(_ context.Context, runID string, event *workflow.Event, opts storage.AppendOptions) (storage.AppendResult, error) {
	if event == nil {
		return storage.AppendResult{}, fmt.Errorf("event is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if runID == "" {
		if event.Type != workflow.EventRunCreated {
			return storage.AppendResult{}, fmt.Errorf("runID required for event type %q", event.Type)
		}
		runID = s.idgen()
	}

	rs, ok := s.runs[runID]
	if !ok {
		if event.Type != workflow.EventRunCreated {
			return storage.AppendResult{}, fmt.Errorf("run %q not found", runID)
		}
		rs = &runState{
			steps:    make(map[string]*workflow.Step),
			hooks:    make(map[string]*workflow.Hook),
			terminal: make(map[string]workflow.EventType),
		}
		s.runs[runID] = rs
	}

	isTerminal := event.Type.IsTerminal() || opts.ExpectedTerminal
	if isTerminal {
		if prior, exists := rs.terminal[runID+"/"+event.CorrelationID]; exists {
			_ = prior
			return storage.AppendResult{}, &errors.StorageConflictError{RunID: runID, CorrelationID: event.CorrelationID}
		}
	}

	seq := s.nextSeq[runID] + 1
	s.nextSeq[runID] = seq

	persisted := *event
	persisted.RunID = runID
	persisted.EventID = fmt.Sprintf("%020d", seq)
	if persisted.CreatedAt.IsZero() {
		persisted.CreatedAt = time.Now().UTC()
	}
	rs.events = append(rs.events, &persisted)

	if isTerminal {
		rs.terminal[persisted.RunID+"/"+persisted.CorrelationID] = persisted.Type
	}

	s.applyProjection(rs, runID, &persisted)

	return storage.AppendResult{Event: copyEvent(&persisted), RunID: runID}, nil
}

func (s *Store) ListEvents(_ context.Context, params storage.ListParams) (storage.EventsPage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rs, ok := s.runs[params.RunID]
	if !ok {
		return storage.EventsPage{}, nil
	}
	return paginateEvents(rs.events, params)
}

func (s *Store) ListEventsByCorrelationID(_ context.Context, runID, correlationID string, params storage.ListParams) (storage.EventsPage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rs, ok := s.runs[runID]
	if !ok {
		return storage.EventsPage{}, nil
	}
	var filtered []*workflow.Event
	for _, e := range rs.events {
		if e.CorrelationID == correlationID {
			filtered = append(filtered, e)
		}
	}
	return paginateEvents(filtered, params)
}

func (s *Store) GetHook(_ context.Context, hookID string) (*workflow.Hook, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rs := range s.runs {
		if h, ok := rs.hooks[hookID]; ok {
			out := *h
			return &out, nil
		}
	}
	return nil, fmt.Errorf("hook %q not found", hookID)
}

func (s *Store) GetHookByToken(_ context.Context, token string) (*workflow.Hook, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rs := range s.runs {
		for _, h := range rs.hooks {
			if h.Token == token {
				out := *h
				return &out, nil
			}
		}
	}
	return nil, fmt.Errorf("hook with token not found")
}

func (s *Store) ListHooks(_ context.Context, params storage.ListParams) (storage.HooksPage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rs, ok := s.runs[params.RunID]
	if !ok {
		return storage.HooksPage{}, nil
	}
	limit := params.Limit
	if limit <= 0 {
		limit = storage.DefaultLimit
	}
	var all []*workflow.Hook
	for _, h := range rs.hooks {
		out := *h
		all = append(all, &out)
	}
	if len(all) > limit {
		all = all[:limit]
	}
	return storage.HooksPage{Hooks: all}, nil
}

// applyProjection mutates the materialized Run/Step/Hook views in response
// to a newly appended event. This is the sole place projections change.
func (s *Store) applyProjection(rs *runState, runID string, e *workflow.Event) {
	switch e.Type {
	case workflow.EventRunCreated:
		var data workflow.RunCreatedData
		_ = json.Unmarshal(e.Data, &data)
		rs.run = &workflow.Run{
			RunID:        runID,
			WorkflowName: data.WorkflowName,
			Input:        data.Input,
			Status:       workflow.RunPending,
			StartedAt:    e.CreatedAt,
			TraceCarrier: data.TraceCarrier,
			Labels:       data.Labels,
			ExpiredAt:    data.ExpiresAt,
		}
	case workflow.EventRunCompleted:
		var data workflow.RunCompletedData
		_ = json.Unmarshal(e.Data, &data)
		rs.run.Status = workflow.RunCompleted
		rs.run.Output = data.Output
		t := e.CreatedAt
		rs.run.CompletedAt = &t
		s.disposeHooks(rs, runID, t)
	case workflow.EventRunFailed:
		var data workflow.RunFailedData
		_ = json.Unmarshal(e.Data, &data)
		rs.run.Status = workflow.RunFailed
		errCopy := data.Error
		rs.run.Error = &errCopy
		t := e.CreatedAt
		rs.run.CompletedAt = &t
		s.disposeHooks(rs, runID, t)
	case workflow.EventRunCancelled:
		rs.run.Status = workflow.RunCancelled
		t := e.CreatedAt
		rs.run.CompletedAt = &t
		s.disposeHooks(rs, runID, t)
	case workflow.EventStepStarted:
		if rs.run.Status == workflow.RunPending {
			rs.run.Status = workflow.RunRunning
		}
		var data workflow.StepStartedData
		_ = json.Unmarshal(e.Data, &data)
		rs.steps[e.CorrelationID] = &workflow.Step{
			StepID:    e.CorrelationID,
			RunID:     runID,
			StepName:  data.StepName,
			Attempt:   data.Attempt,
			Status:    workflow.StepRunning,
			Input:     data.Input,
			StartedAt: e.CreatedAt,
			Metadata:  data.Metadata,
		}
	case workflow.EventStepRetrying:
		var data workflow.StepRetryingData
		_ = json.Unmarshal(e.Data, &data)
		if step, ok := rs.steps[e.CorrelationID]; ok {
			step.Attempt = data.Attempt
			ra := data.RetryAfter
			step.RetryAfter = &ra
			errCopy := data.Error
			step.Error = &errCopy
		}
	case workflow.EventStepCompleted:
		var data workflow.StepCompletedData
		_ = json.Unmarshal(e.Data, &data)
		if step, ok := rs.steps[e.CorrelationID]; ok {
			step.Status = workflow.StepCompleted
			step.Output = data.Output
			t := e.CreatedAt
			step.CompletedAt = &t
		}
	case workflow.EventStepFailed:
		var data workflow.StepFailedData
		_ = json.Unmarshal(e.Data, &data)
		if step, ok := rs.steps[e.CorrelationID]; ok {
			step.Status = workflow.StepFailed
			errCopy := data.Error
			step.Error = &errCopy
			t := e.CreatedAt
			step.CompletedAt = &t
		}
	case workflow.EventHookCreated:
		if rs.run.Status == workflow.RunPending {
			rs.run.Status = workflow.RunRunning
		}
		var data workflow.HookCreatedData
		_ = json.Unmarshal(e.Data, &data)
		rs.hooks[e.CorrelationID] = &workflow.Hook{
			HookID:            e.CorrelationID,
			RunID:             runID,
			Token:             data.Token,
			Metadata:          data.Metadata,
			ConsumptionPolicy: data.ConsumptionPolicy,
			CreatedAt:         e.CreatedAt,
		}
	case workflow.EventHookDisposed:
		if h, ok := rs.hooks[e.CorrelationID]; ok {
			t := e.CreatedAt
			h.DisposedAt = &t
		}
	case workflow.EventWaitCreated:
		if rs.run.Status == workflow.RunPending {
			rs.run.Status = workflow.RunRunning
		}
	}
}

// disposeHooks appends a hook_disposed event (not just a projection mutation)
// for every hook of runID still outstanding when its run reaches a terminal
// status, so the disposal is itself replayable log history rather than a
// side channel on the Hook projection.
func (s *Store) disposeHooks(rs *runState, runID string, at time.Time) {
	for _, h := range rs.hooks {
		if h.DisposedAt != nil {
			continue
		}
		seq := s.nextSeq[runID] + 1
		s.nextSeq[runID] = seq
		e := &workflow.Event{
			EventID:       fmt.Sprintf("%020d", seq),
			RunID:         runID,
			Type:          workflow.EventHookDisposed,
			CorrelationID: h.HookID,
			Data:          mustJSON(workflow.HookDisposedData{Reason: "run_terminal"}),
			CreatedAt:     at,
		}
		rs.events = append(rs.events, e)
		s.applyProjection(rs, runID, e)
	}
}

func mustJSON(v any) json.RawMessage {
	b, _ := json.Marshal(v)
	return b
}

func copyEvent(e *workflow.Event) *workflow.Event {
	out := *e
	return &out
}

func paginateEvents(all []*workflow.Event, params storage.ListParams) (storage.EventsPage, error) {
	limit := params.Limit
	if limit <= 0 {
		limit = storage.DefaultLimit
	}
	var after int64
	if params.Cursor != "" {
		v, err := strconv.ParseInt(params.Cursor, 10, 64)
		if err != nil {
			return storage.EventsPage{}, fmt.Errorf("invalid cursor %q: %w", params.Cursor, err)
		}
		after = v
	}
	start := 0
	if after > 0 {
		start = int(after)
		if start >= len(all) {
			return storage.EventsPage{}, nil
		}
	}
	end := start + limit
	if end > len(all) {
		end = len(all)
	}
	page := append([]*workflow.Event(nil), all[start:end]...)
	if params.Order == storage.Desc {
		reverseEvents(page)
	}
	var next string
	if end < len(all) {
		next = strconv.Itoa(end)
	}
	return storage.EventsPage{Events: page, NextCursor: next}, nil
}

func reverseEvents(events []*workflow.Event) {
	for i, j := 0, len(events)-1; i < j; i, j = i+1, j-1 {
		events[i], events[j] = events[j], events[i]
	}
}

func sortRuns(runs []*workflow.Run, order storage.Order) {
	// Insertion sort: run counts per store are small (test/dev scale) and
	// this keeps the dependency surface minimal for a reference adapter.
	less := func(a, b *workflow.Run) bool { return a.StartedAt.Before(b.StartedAt) }
	if order == storage.Desc {
		orig := less
		less = func(a, b *workflow.Run) bool { return orig(b, a) }
	}
	for i := 1; i < len(runs); i++ {
		for j := i; j > 0 && less(runs[j], runs[j-1]); j-- {
			runs[j], runs[j-1] = runs[j-1], runs[j]
		}
	}
}

func sortSteps(steps []*workflow.Step, order storage.Order) {
	less := func(a, b *workflow.Step) bool { return a.StartedAt.Before(b.StartedAt) }
	if order == storage.Desc {
		orig := less
		less = func(a, b *workflow.Step) bool { return orig(b, a) }
	}
	for i := 1; i < len(steps); i++ {
		for j := i; j > 0 && less(steps[j], steps[j-1]); j-- {
			steps[j], steps[j-1] = steps[j-1], steps[j]
		}
	}
}

func limitRuns(runs []*workflow.Run, limit int) []*workflow.Run {
	if len(runs) > limit {
		return runs[:limit]
	}
	return runs
}

func hasPrefix(s, prefix string) bool {
	return len(s) >= len(prefix) && s[:len(prefix)] == prefix
}
