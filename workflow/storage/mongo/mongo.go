// Package mongo implements workflow/storage.Storage on MongoDB, for
// deployments that need the event log and its projections to survive a
// process restart. Runs, steps, and hooks are materialized into their own
// collections as each event is appended, mirroring workflow/storage/inmem's
// projection logic; the event log itself is the sole source of truth.
//
// The at-most-one-terminal-event invariant is enforced by a partial unique
// index on the events collection rather than a multi-document transaction:
// this module's target deployments are not assumed to run as a replica set,
// so a duplicate-key error on insert is the conflict signal, mapped to
// errors.StorageConflictError.
package mongo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/runloop-dev/runloop/workflow"
	workflowerrors "github.com/runloop-dev/runloop/workflow/errors"
	"github.com/runloop-dev/runloop/workflow/storage"
)

const (
	defaultTimeout = 5 * time.Second

	eventsCollection   = "events"
	runsCollection     = "runs"
	stepsCollection    = "steps"
	hooksCollection    = "hooks"
	countersCollection = "counters"
)

// eventDocument is the durable encoding of a workflow.Event, plus the
// bookkeeping fields the terminal-event invariant and pagination need.
type eventDocument struct {
	ID            bson.ObjectID   `bson:"_id,omitempty"`
	RunID         string          `bson:"run_id"`
	Seq           int64           `bson:"seq"`
	EventID       string          `bson:"event_id"`
	Type          string          `bson:"type"`
	CorrelationID string          `bson:"correlation_id"`
	Data          bson.Binary     `bson:"data"`
	CreatedAt     time.Time       `bson:"created_at"`
	// Terminal is non-empty (holding event_id) on exactly one event per
	// (run_id, correlation_id): the partial unique index's discriminator.
	Terminal string `bson:"terminal,omitempty"`
}

type runDocument struct {
	RunID        string            `bson:"_id"`
	WorkflowName string            `bson:"workflow_name"`
	Input        [][]byte          `bson:"input"`
	Output       []byte            `bson:"output,omitempty"`
	Status       string            `bson:"status"`
	StartedAt    time.Time         `bson:"started_at"`
	CompletedAt  *time.Time        `bson:"completed_at,omitempty"`
	ExpiredAt    *time.Time        `bson:"expired_at,omitempty"`
	Error        *structuredError  `bson:"error,omitempty"`
	TraceCarrier map[string]string `bson:"trace_carrier,omitempty"`
	Labels       map[string]string `bson:"labels,omitempty"`
}

type stepDocument struct {
	ID          string           `bson:"_id"`
	StepID      string           `bson:"step_id"`
	RunID       string           `bson:"run_id"`
	StepName    string           `bson:"step_name"`
	Attempt     int              `bson:"attempt"`
	Status      string           `bson:"status"`
	Input       []byte           `bson:"input,omitempty"`
	Output      []byte           `bson:"output,omitempty"`
	Error       *structuredError `bson:"error,omitempty"`
	StartedAt   time.Time        `bson:"started_at"`
	CompletedAt *time.Time       `bson:"completed_at,omitempty"`
	RetryAfter  *time.Time       `bson:"retry_after,omitempty"`
	Metadata    map[string]string `bson:"metadata,omitempty"`
}

type hookDocument struct {
	HookID            string         `bson:"_id"`
	RunID             string         `bson:"run_id"`
	Token             string         `bson:"token"`
	Metadata          map[string]any `bson:"metadata,omitempty"`
	ConsumptionPolicy string         `bson:"consumption_policy"`
	CreatedAt         time.Time      `bson:"created_at"`
	DisposedAt        *time.Time     `bson:"disposed_at,omitempty"`
}

type structuredError struct {
	Message string `bson:"message"`
	Stack   string `bson:"stack,omitempty"`
	Code    string `bson:"code,omitempty"`
}

func toStructuredError(e *workflowerrors.Structured) *structuredError {
	if e == nil {
		return nil
	}
	return &structuredError{Message: e.Message, Stack: e.Stack, Code: string(e.Code)}
}

func fromStructuredError(e *structuredError) *workflowerrors.Structured {
	if e == nil {
		return nil
	}
	return &workflowerrors.Structured{Message: e.Message, Stack: e.Stack, Code: workflowerrors.Code(e.Code)}
}

// Store implements storage.Storage against a MongoDB database. Construct
// with New, which ensures the collections' indexes exist.
type Store struct {
	events   *mongo.Collection
	runs     *mongo.Collection
	steps    *mongo.Collection
	hooks    *mongo.Collection
	counters *mongo.Collection
	timeout  time.Duration
}

// New returns a Store backed by database on client, ensuring indexes exist.
// Callers own the client's lifecycle (connect and disconnect it themselves).
func New(ctx context.Context, client *mongo.Client, database string) (*Store, error) {
	if client == nil {
		return nil, errors.New("mongo client is required")
	}
	if database == "" {
		return nil, errors.New("database name is required")
	}
	db := client.Database(database)
	s := &Store{
		events:   db.Collection(eventsCollection),
		runs:     db.Collection(runsCollection),
		steps:    db.Collection(stepsCollection),
		hooks:    db.Collection(hooksCollection),
		counters: db.Collection(countersCollection),
		timeout:  defaultTimeout,
	}
	if err := s.ensureIndexes(ctx); err != nil {
		return nil, fmt.Errorf("ensure indexes: %w", err)
	}
	return s, nil
}

func (s *Store) ensureIndexes(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	if _, err := s.events.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "run_id", Value: 1}, {Key: "seq", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{
			Keys:    bson.D{{Key: "run_id", Value: 1}, {Key: "correlation_id", Value: 1}},
			Options: options.Index().SetUnique(true).SetPartialFilterExpression(bson.D{
				{Key: "terminal", Value: bson.D{{Key: "$exists", Value: true}}},
			}),
		},
	}); err != nil {
		return fmt.Errorf("events indexes: %w", err)
	}
	return nil
}

// Ping reports whether the underlying MongoDB connection is healthy.
func (s *Store) Ping(ctx context.Context) error {
	return s.events.Database().Client().Ping(ctx, nil)
}

func (s *Store) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.timeout)
}

// GetRun implements storage.Storage.
func (s *Store) GetRun(ctx context.Context, runID string) (*workflow.Run, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	var doc runDocument
	if err := s.runs.FindOne(ctx, bson.M{"_id": runID}).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, fmt.Errorf("run %q not found", runID)
		}
		return nil, fmt.Errorf("get run %q: %w", runID, err)
	}
	return runFromDocument(&doc), nil
}

// ListRuns implements storage.Storage.
func (s *Store) ListRuns(ctx context.Context, params storage.ListParams) (storage.RunsPage, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	limit := params.Limit
	if limit <= 0 {
		limit = storage.DefaultLimit
	}
	filter := bson.M{}
	if params.Prefix != "" {
		filter["workflow_name"] = bson.M{"$regex": "^" + regexEscape(params.Prefix)}
	}
	sortDir := 1
	if params.Order == storage.Desc {
		sortDir = -1
	}

	cur, err := s.runs.Find(ctx, filter, options.Find().
		SetSort(bson.D{{Key: "started_at", Value: sortDir}}).
		SetLimit(int64(limit)))
	if err != nil {
		return storage.RunsPage{}, fmt.Errorf("list runs: %w", err)
	}
	defer func() { _ = cur.Close(ctx) }()

	var docs []runDocument
	if err := cur.All(ctx, &docs); err != nil {
		return storage.RunsPage{}, fmt.Errorf("decode runs: %w", err)
	}
	runs := make([]*workflow.Run, len(docs))
	for i, doc := range docs {
		runs[i] = runFromDocument(&doc)
	}
	return storage.RunsPage{Runs: runs}, nil
}

// GetStep implements storage.Storage.
func (s *Store) GetStep(ctx context.Context, runID, stepID string) (*workflow.Step, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	var doc stepDocument
	id := runID + "/" + stepID
	if err := s.steps.FindOne(ctx, bson.M{"_id": id}).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, fmt.Errorf("step %q not found in run %q", stepID, runID)
		}
		return nil, fmt.Errorf("get step %q: %w", stepID, err)
	}
	return stepFromDocument(&doc), nil
}

// ListSteps implements storage.Storage.
func (s *Store) ListSteps(ctx context.Context, params storage.ListParams) (storage.StepsPage, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	limit := params.Limit
	if limit <= 0 {
		limit = storage.DefaultLimit
	}
	sortDir := 1
	if params.Order == storage.Desc {
		sortDir = -1
	}
	cur, err := s.steps.Find(ctx, bson.M{"run_id": params.RunID}, options.Find().
		SetSort(bson.D{{Key: "started_at", Value: sortDir}}).
		SetLimit(int64(limit)))
	if err != nil {
		return storage.StepsPage{}, fmt.Errorf("list steps: %w", err)
	}
	defer func() { _ = cur.Close(ctx) }()

	var docs []stepDocument
	if err := cur.All(ctx, &docs); err != nil {
		return storage.StepsPage{}, fmt.Errorf("decode steps: %w", err)
	}
	steps := make([]*workflow.Step, len(docs))
	for i, doc := range docs {
		steps[i] = stepFromDocument(&doc)
	}
	return storage.StepsPage{Steps: steps}, nil
}

// AppendEvent implements storage.Storage. Sequence numbers are allocated
// from the counters collection with a single atomic findAndModify, and the
// terminal-event invariant is enforced by the events collection's partial
// unique index: a duplicate key error there becomes
// errors.StorageConflictError.
func (s *Store) AppendEvent(ctx context.Context, runID string, event *workflow.Event, opts storage.AppendOptions) (storage.AppendResult, error) {
	if event == nil {
		return storage.AppendResult{}, errors.New("event is required")
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	if runID == "" {
		if event.Type != workflow.EventRunCreated {
			return storage.AppendResult{}, fmt.Errorf("runID required for event type %q", event.Type)
		}
		runID = bson.NewObjectID().Hex()
	} else if event.Type != workflow.EventRunCreated {
		n, err := s.runs.CountDocuments(ctx, bson.M{"_id": runID})
		if err != nil {
			return storage.AppendResult{}, fmt.Errorf("check run %q exists: %w", runID, err)
		}
		if n == 0 {
			return storage.AppendResult{}, fmt.Errorf("run %q not found", runID)
		}
	}

	seq, err := s.nextSeq(ctx, runID)
	if err != nil {
		return storage.AppendResult{}, fmt.Errorf("allocate sequence for run %q: %w", runID, err)
	}

	persisted := *event
	persisted.RunID = runID
	persisted.EventID = fmt.Sprintf("%020d", seq)
	if persisted.CreatedAt.IsZero() {
		persisted.CreatedAt = time.Now().UTC()
	}

	doc := eventDocument{
		RunID:         runID,
		Seq:           seq,
		EventID:       persisted.EventID,
		Type:          string(persisted.Type),
		CorrelationID: persisted.CorrelationID,
		Data:          bson.Binary{Data: append([]byte(nil), persisted.Data...)},
		CreatedAt:     persisted.CreatedAt,
	}
	if persisted.Type.IsTerminal() || opts.ExpectedTerminal {
		doc.Terminal = persisted.EventID
	}

	if _, err := s.events.InsertOne(ctx, doc); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return storage.AppendResult{}, &workflowerrors.StorageConflictError{RunID: runID, CorrelationID: persisted.CorrelationID}
		}
		return storage.AppendResult{}, fmt.Errorf("append event: %w", err)
	}

	if err := s.applyProjection(ctx, runID, &persisted); err != nil {
		return storage.AppendResult{}, fmt.Errorf("apply projection: %w", err)
	}

	out := persisted
	return storage.AppendResult{Event: &out, RunID: runID}, nil
}

func (s *Store) nextSeq(ctx context.Context, runID string) (int64, error) {
	var doc struct {
		Seq int64 `bson:"seq"`
	}
	err := s.counters.FindOneAndUpdate(ctx,
		bson.M{"_id": runID},
		bson.M{"$inc": bson.M{"seq": int64(1)}},
		options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After),
	).Decode(&doc)
	if err != nil {
		return 0, err
	}
	return doc.Seq, nil
}

// ListEvents implements storage.Storage.
func (s *Store) ListEvents(ctx context.Context, params storage.ListParams) (storage.EventsPage, error) {
	return s.listEvents(ctx, bson.M{"run_id": params.RunID}, params)
}

// ListEventsByCorrelationID implements storage.Storage.
func (s *Store) ListEventsByCorrelationID(ctx context.Context, runID, correlationID string, params storage.ListParams) (storage.EventsPage, error) {
	return s.listEvents(ctx, bson.M{"run_id": runID, "correlation_id": correlationID}, params)
}

func (s *Store) listEvents(ctx context.Context, filter bson.M, params storage.ListParams) (storage.EventsPage, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	limit := params.Limit
	if limit <= 0 {
		limit = storage.DefaultLimit
	}
	if params.Cursor != "" {
		var after int64
		if _, err := fmt.Sscanf(params.Cursor, "%d", &after); err != nil {
			return storage.EventsPage{}, fmt.Errorf("invalid cursor %q: %w", params.Cursor, err)
		}
		filter["seq"] = bson.M{"$gt": after}
	}
	sortDir := 1
	if params.Order == storage.Desc {
		sortDir = -1
	}

	cur, err := s.events.Find(ctx, filter, options.Find().
		SetSort(bson.D{{Key: "seq", Value: sortDir}}).
		SetLimit(int64(limit+1)))
	if err != nil {
		return storage.EventsPage{}, fmt.Errorf("list events: %w", err)
	}
	defer func() { _ = cur.Close(ctx) }()

	var docs []eventDocument
	if err := cur.All(ctx, &docs); err != nil {
		return storage.EventsPage{}, fmt.Errorf("decode events: %w", err)
	}

	var next string
	if len(docs) > limit {
		next = fmt.Sprintf("%d", docs[limit-1].Seq)
		docs = docs[:limit]
	}
	events := make([]*workflow.Event, len(docs))
	for i, doc := range docs {
		events[i] = eventFromDocument(&doc)
	}
	return storage.EventsPage{Events: events, NextCursor: next}, nil
}

// GetHook implements storage.Storage.
func (s *Store) GetHook(ctx context.Context, hookID string) (*workflow.Hook, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	var doc hookDocument
	if err := s.hooks.FindOne(ctx, bson.M{"_id": hookID}).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, fmt.Errorf("hook %q not found", hookID)
		}
		return nil, fmt.Errorf("get hook %q: %w", hookID, err)
	}
	return hookFromDocument(&doc), nil
}

// GetHookByToken implements storage.Storage.
func (s *Store) GetHookByToken(ctx context.Context, token string) (*workflow.Hook, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	var doc hookDocument
	if err := s.hooks.FindOne(ctx, bson.M{"token": token}).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, errors.New("hook with token not found")
		}
		return nil, fmt.Errorf("get hook by token: %w", err)
	}
	return hookFromDocument(&doc), nil
}

// ListHooks implements storage.Storage.
func (s *Store) ListHooks(ctx context.Context, params storage.ListParams) (storage.HooksPage, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	limit := params.Limit
	if limit <= 0 {
		limit = storage.DefaultLimit
	}
	cur, err := s.hooks.Find(ctx, bson.M{"run_id": params.RunID}, options.Find().
		SetSort(bson.D{{Key: "created_at", Value: 1}}).
		SetLimit(int64(limit)))
	if err != nil {
		return storage.HooksPage{}, fmt.Errorf("list hooks: %w", err)
	}
	defer func() { _ = cur.Close(ctx) }()

	var docs []hookDocument
	if err := cur.All(ctx, &docs); err != nil {
		return storage.HooksPage{}, fmt.Errorf("decode hooks: %w", err)
	}
	hooks := make([]*workflow.Hook, len(docs))
	for i, doc := range docs {
		hooks[i] = hookFromDocument(&doc)
	}
	return storage.HooksPage{Hooks: hooks}, nil
}

// applyProjection mutates the materialized run/step/hook collections in
// response to a newly appended event, mirroring workflow/storage/inmem's
// switch over event type. Each branch is an upsert/update of the
// projection collections; the run-terminal branches additionally append
// hook_disposed events through disposeHooks. Nothing here needs to be
// atomic with the event insert above (the terminal-event invariant already guards the only
// cross-operation race that matters).
func (s *Store) applyProjection(ctx context.Context, runID string, e *workflow.Event) error {
	upsertOpts := options.Replace().SetUpsert(true)
	switch e.Type {
	case workflow.EventRunCreated:
		var data workflow.RunCreatedData
		_ = json.Unmarshal(e.Data, &data)
		input := make([][]byte, len(data.Input))
		for i, raw := range data.Input {
			input[i] = append([]byte(nil), raw...)
		}
		doc := runDocument{
			RunID:        runID,
			WorkflowName: data.WorkflowName,
			Input:        input,
			Status:       string(workflow.RunPending),
			StartedAt:    e.CreatedAt,
			TraceCarrier: data.TraceCarrier,
			Labels:       data.Labels,
			ExpiredAt:    data.ExpiresAt,
		}
		_, err := s.runs.ReplaceOne(ctx, bson.M{"_id": runID}, doc, upsertOpts)
		return err

	case workflow.EventRunCompleted:
		var data workflow.RunCompletedData
		_ = json.Unmarshal(e.Data, &data)
		t := e.CreatedAt
		if _, err := s.runs.UpdateByID(ctx, runID, bson.M{"$set": bson.M{
			"status": string(workflow.RunCompleted), "output": []byte(data.Output), "completed_at": t,
		}}); err != nil {
			return err
		}
		return s.disposeHooks(ctx, runID, t)

	case workflow.EventRunFailed:
		var data workflow.RunFailedData
		_ = json.Unmarshal(e.Data, &data)
		t := e.CreatedAt
		if _, err := s.runs.UpdateByID(ctx, runID, bson.M{"$set": bson.M{
			"status": string(workflow.RunFailed), "error": toStructuredError(&data.Error), "completed_at": t,
		}}); err != nil {
			return err
		}
		return s.disposeHooks(ctx, runID, t)

	case workflow.EventRunCancelled:
		t := e.CreatedAt
		if _, err := s.runs.UpdateByID(ctx, runID, bson.M{"$set": bson.M{
			"status": string(workflow.RunCancelled), "completed_at": t,
		}}); err != nil {
			return err
		}
		return s.disposeHooks(ctx, runID, t)

	case workflow.EventStepStarted:
		if _, err := s.runs.UpdateOne(ctx,
			bson.M{"_id": runID, "status": string(workflow.RunPending)},
			bson.M{"$set": bson.M{"status": string(workflow.RunRunning)}}); err != nil {
			return err
		}
		var data workflow.StepStartedData
		_ = json.Unmarshal(e.Data, &data)
		doc := stepDocument{
			ID:        runID + "/" + e.CorrelationID,
			StepID:    e.CorrelationID,
			RunID:     runID,
			StepName:  data.StepName,
			Attempt:   data.Attempt,
			Status:    string(workflow.StepRunning),
			Input:     data.Input,
			StartedAt: e.CreatedAt,
			Metadata:  data.Metadata,
		}
		_, err := s.steps.ReplaceOne(ctx, bson.M{"_id": doc.ID}, doc, upsertOpts)
		return err

	case workflow.EventStepRetrying:
		var data workflow.StepRetryingData
		_ = json.Unmarshal(e.Data, &data)
		_, err := s.steps.UpdateByID(ctx, runID+"/"+e.CorrelationID, bson.M{"$set": bson.M{
			"attempt": data.Attempt, "retry_after": data.RetryAfter, "error": toStructuredError(&data.Error),
		}})
		return err

	case workflow.EventStepCompleted:
		var data workflow.StepCompletedData
		_ = json.Unmarshal(e.Data, &data)
		t := e.CreatedAt
		_, err := s.steps.UpdateByID(ctx, runID+"/"+e.CorrelationID, bson.M{"$set": bson.M{
			"status": string(workflow.StepCompleted), "output": []byte(data.Output), "completed_at": t,
		}})
		return err

	case workflow.EventStepFailed:
		var data workflow.StepFailedData
		_ = json.Unmarshal(e.Data, &data)
		t := e.CreatedAt
		_, err := s.steps.UpdateByID(ctx, runID+"/"+e.CorrelationID, bson.M{"$set": bson.M{
			"status": string(workflow.StepFailed), "error": toStructuredError(&data.Error), "completed_at": t,
		}})
		return err

	case workflow.EventHookCreated:
		if _, err := s.runs.UpdateOne(ctx,
			bson.M{"_id": runID, "status": string(workflow.RunPending)},
			bson.M{"$set": bson.M{"status": string(workflow.RunRunning)}}); err != nil {
			return err
		}
		var data workflow.HookCreatedData
		_ = json.Unmarshal(e.Data, &data)
		doc := hookDocument{
			HookID:            e.CorrelationID,
			RunID:             runID,
			Token:             data.Token,
			Metadata:          data.Metadata,
			ConsumptionPolicy: string(data.ConsumptionPolicy),
			CreatedAt:         e.CreatedAt,
		}
		_, err := s.hooks.ReplaceOne(ctx, bson.M{"_id": doc.HookID}, doc, upsertOpts)
		return err

	case workflow.EventHookDisposed:
		t := e.CreatedAt
		_, err := s.hooks.UpdateByID(ctx, e.CorrelationID, bson.M{"$set": bson.M{"disposed_at": t}})
		return err

	case workflow.EventWaitCreated:
		_, err := s.runs.UpdateOne(ctx,
			bson.M{"_id": runID, "status": string(workflow.RunPending)},
			bson.M{"$set": bson.M{"status": string(workflow.RunRunning)}})
		return err
	}
	return nil
}

// disposeHooks appends a hook_disposed event for every non-disposed hook on
// runID when its run reaches a terminal status, then projects it, mirroring
// workflow/storage/inmem's behavior: disposal is log history, not a
// side-channel mutation of the Hook projection.
func (s *Store) disposeHooks(ctx context.Context, runID string, at time.Time) error {
	cur, err := s.hooks.Find(ctx, bson.M{"run_id": runID, "disposed_at": bson.M{"$exists": false}})
	if err != nil {
		return fmt.Errorf("find outstanding hooks for run %q: %w", runID, err)
	}
	defer func() { _ = cur.Close(ctx) }()

	var docs []hookDocument
	if err := cur.All(ctx, &docs); err != nil {
		return fmt.Errorf("decode outstanding hooks for run %q: %w", runID, err)
	}

	data, _ := json.Marshal(workflow.HookDisposedData{Reason: "run_terminal"})
	for _, h := range docs {
		seq, err := s.nextSeq(ctx, runID)
		if err != nil {
			return fmt.Errorf("allocate sequence for hook_disposed on hook %q: %w", h.HookID, err)
		}
		eventDoc := eventDocument{
			RunID:         runID,
			Seq:           seq,
			EventID:       fmt.Sprintf("%020d", seq),
			Type:          string(workflow.EventHookDisposed),
			CorrelationID: h.HookID,
			Data:          bson.Binary{Data: append([]byte(nil), data...)},
			CreatedAt:     at,
		}
		if _, err := s.events.InsertOne(ctx, eventDoc); err != nil {
			return fmt.Errorf("append hook_disposed for hook %q: %w", h.HookID, err)
		}
		if _, err := s.hooks.UpdateByID(ctx, h.HookID, bson.M{"$set": bson.M{"disposed_at": at}}); err != nil {
			return fmt.Errorf("project hook_disposed for hook %q: %w", h.HookID, err)
		}
	}
	return nil
}

func runFromDocument(doc *runDocument) *workflow.Run {
	input := make([]json.RawMessage, len(doc.Input))
	for i, b := range doc.Input {
		input[i] = json.RawMessage(b)
	}
	return &workflow.Run{
		RunID:        doc.RunID,
		WorkflowName: doc.WorkflowName,
		Input:        input,
		Output:       doc.Output,
		Status:       workflow.RunStatus(doc.Status),
		StartedAt:    doc.StartedAt,
		CompletedAt:  doc.CompletedAt,
		ExpiredAt:    doc.ExpiredAt,
		Error:        fromStructuredError(doc.Error),
		TraceCarrier: doc.TraceCarrier,
		Labels:       doc.Labels,
	}
}

func stepFromDocument(doc *stepDocument) *workflow.Step {
	return &workflow.Step{
		StepID:      doc.StepID,
		RunID:       doc.RunID,
		StepName:    doc.StepName,
		Attempt:     doc.Attempt,
		Status:      workflow.StepStatus(doc.Status),
		Input:       doc.Input,
		Output:      doc.Output,
		Error:       fromStructuredError(doc.Error),
		StartedAt:   doc.StartedAt,
		CompletedAt: doc.CompletedAt,
		RetryAfter:  doc.RetryAfter,
		Metadata:    doc.Metadata,
	}
}

func hookFromDocument(doc *hookDocument) *workflow.Hook {
	return &workflow.Hook{
		HookID:            doc.HookID,
		RunID:             doc.RunID,
		Token:             doc.Token,
		Metadata:          doc.Metadata,
		ConsumptionPolicy: workflow.ConsumptionPolicy(doc.ConsumptionPolicy),
		CreatedAt:         doc.CreatedAt,
		DisposedAt:        doc.DisposedAt,
	}
}

func eventFromDocument(doc *eventDocument) *workflow.Event {
	return &workflow.Event{
		EventID:       doc.EventID,
		RunID:         doc.RunID,
		Type:          workflow.EventType(doc.Type),
		CorrelationID: doc.CorrelationID,
		Data:          append([]byte(nil), doc.Data.Data...),
		CreatedAt:     doc.CreatedAt,
	}
}

func regexEscape(s string) string {
	special := []string{"\\", ".", "+", "*", "?", "^", "$", "(", ")", "[", "]", "{", "}", "|"}
	out := s
	for _, c := range special {
		out = strings.ReplaceAll(out, c, "\\"+c)
	}
	return out
}
