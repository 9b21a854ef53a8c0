// Package health implements the health-check protocol (§4.8): a
// distinguished health_check{endpoint, nonce} message sent through the
// normal queue machinery, with the caller waiting up to a configurable
// timeout for its acknowledgment, to verify that the workflow and step
// queue-handler pools are live end-to-end.
package health

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/runloop-dev/runloop/workflow/config"
	"github.com/runloop-dev/runloop/workflow/queue"
)

// Endpoint names one of the two queue-handler pools a probe can target.
type Endpoint string

const (
	EndpointWorkflow Endpoint = "workflow"
	EndpointStep     Endpoint = "step"
)

// Probe queue names, distinct from workflow_tick/step_execute so a probe
// can never be mistaken for, or interleaved with, a real message; each
// still rides the same Queue a deployment's worker process registers
// workflow_tick/step_execute on, so a stalled dispatch loop fails the probe
// exactly as it would fail real traffic.
const (
	WorkflowProbeQueue = "health_check_workflow"
	StepProbeQueue     = "health_check_step"
)

// Result is one endpoint's outcome, matching §4.8's wire shape.
type Result struct {
	Endpoint  Endpoint `json:"endpoint"`
	Healthy   bool     `json:"healthy"`
	Error     string   `json:"error,omitempty"`
	LatencyMs int64    `json:"latencyMs"`
}

// Service answers and issues health-check probes. A worker process calls
// Register once to start answering probes aimed at it; any process holding
// a Queue client for the same broker (typically the runloop-health CLI)
// can call Check or CheckBoth without registering anything itself.
type Service struct {
	Queue  queue.Queue
	Config config.Config

	mu      sync.Mutex
	pending map[string]chan struct{}
}

// NewService returns a Service ready to Register and/or Check.
func NewService(q queue.Queue, cfg config.Config) *Service {
	return &Service{Queue: q, Config: cfg, pending: make(map[string]chan struct{})}
}

// Register subscribes the probe handlers for both endpoints on this
// process's Queue. Call this once, alongside processor.Runtime.Register,
// in every process that should answer health checks.
func (s *Service) Register() ([]queue.Subscription, error) {
	wfSub, err := s.Queue.CreateHandler(WorkflowProbeQueue, s.handle)
	if err != nil {
		return nil, fmt.Errorf("register %s handler: %w", WorkflowProbeQueue, err)
	}
	stepSub, err := s.Queue.CreateHandler(StepProbeQueue, s.handle)
	if err != nil {
		return nil, fmt.Errorf("register %s handler: %w", StepProbeQueue, err)
	}
	return []queue.Subscription{wfSub, stepSub}, nil
}

func (s *Service) handle(_ context.Context, payload []byte, _ queue.Meta) (queue.HandlerResult, error) {
	var p queue.HealthCheckPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return queue.HandlerResult{}, fmt.Errorf("decode health_check payload: %w", err)
	}
	s.mu.Lock()
	ch, ok := s.pending[p.Nonce]
	s.mu.Unlock()
	if ok {
		close(ch)
	}
	return queue.HandlerResult{}, nil
}

// Check sends a health_check probe for endpoint and waits up to timeout
// (falling back to Config.HealthCheck.DefaultTimeout when timeout <= 0) for
// its acknowledgment. Per §4.8, expiry yields {healthy: false, error:
// "timeout"} rather than an error return.
func (s *Service) Check(ctx context.Context, endpoint Endpoint, timeout time.Duration) Result {
	if timeout <= 0 {
		timeout = s.Config.HealthCheck.DefaultTimeout
	}
	start := time.Now()

	nonce := newNonce()
	ch := make(chan struct{})
	s.mu.Lock()
	s.pending[nonce] = ch
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.pending, nonce)
		s.mu.Unlock()
	}()

	queueName := WorkflowProbeQueue
	if endpoint == EndpointStep {
		queueName = StepProbeQueue
	}

	payload, err := json.Marshal(queue.HealthCheckPayload{Endpoint: string(endpoint), Nonce: nonce})
	if err != nil {
		return Result{Endpoint: endpoint, Healthy: false, Error: err.Error()}
	}
	if _, err := s.Queue.Send(ctx, queueName, payload, queue.SendOptions{}); err != nil {
		return Result{Endpoint: endpoint, Healthy: false, Error: err.Error(), LatencyMs: time.Since(start).Milliseconds()}
	}

	select {
	case <-ch:
		return Result{Endpoint: endpoint, Healthy: true, LatencyMs: time.Since(start).Milliseconds()}
	case <-time.After(timeout):
		return Result{Endpoint: endpoint, Healthy: false, Error: "timeout", LatencyMs: time.Since(start).Milliseconds()}
	case <-ctx.Done():
		return Result{Endpoint: endpoint, Healthy: false, Error: ctx.Err().Error(), LatencyMs: time.Since(start).Milliseconds()}
	}
}

// CheckBoth probes workflow and step concurrently, for --endpoint both.
func (s *Service) CheckBoth(ctx context.Context, timeout time.Duration) []Result {
	results := make([]Result, 2)
	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); results[0] = s.Check(ctx, EndpointWorkflow, timeout) }()
	go func() { defer wg.Done(); results[1] = s.Check(ctx, EndpointStep, timeout) }()
	wg.Wait()
	return results
}

func newNonce() string {
	b := make([]byte, 16)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
