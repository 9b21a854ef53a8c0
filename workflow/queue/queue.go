// Package queue defines the durable message bus contract the message
// processor consumes: at-least-once delivery, per-message visibility
// timeout, and an idempotency key. Concrete transports (workflow/queue/inmem,
// workflow/queue/redisqueue) implement Queue; the processor only depends on
// this interface.
package queue

import (
	"context"
	"time"
)

type (
	// MessageKind tags the two message shapes the processor dispatches on.
	MessageKind string

	// Meta carries broker-assigned metadata delivered alongside a message's
	// payload to its Handler.
	Meta struct {
		MessageID     string
		DeliveryCount int
		CreatedAt     time.Time
	}

	// SendOptions modifies a Send call.
	SendOptions struct {
		// IdempotencyKey deduplicates sends: a duplicate key is silently
		// absorbed into a synthetic MessageID rather than rejected.
		IdempotencyKey string
		// DelaySeconds defers initial visibility (used by the processor to
		// schedule a wait_timer message at a sleep's resumeAt, and by retry
		// scheduling to defer a step re-attempt).
		DelaySeconds int
		// DeploymentID tags the message with the deployment that produced
		// it, for routing in multi-deployment setups. Optional.
		DeploymentID string
	}

	// SendResult is returned by Send.
	SendResult struct {
		MessageID string
	}

	// HandlerResult lets a Handler request a visibility extension instead
	// of acknowledging. A zero value acknowledges the message.
	HandlerResult struct {
		TimeoutSeconds int
	}

	// Handler processes one delivered message. Returning a non-zero
	// HandlerResult.TimeoutSeconds extends visibility by that many seconds
	// without acknowledging; returning the zero value acknowledges.
	// Returning an error NACKs the message, making it eligible for
	// redelivery per the broker's visibility timeout.
	Handler func(ctx context.Context, payload []byte, meta Meta) (HandlerResult, error)

	// Queue is the durable message bus contract. Queue names partition
	// messages by purpose (workflow-tick vs step-execute vs health-check);
	// CreateHandler registers a dispatcher for a name prefix so callers can
	// route related queues to one handler.
	Queue interface {
		Send(ctx context.Context, queueName string, payload []byte, opts SendOptions) (SendResult, error)
		CreateHandler(prefix string, handler Handler) (Subscription, error)
	}

	// Subscription represents a live handler registration; Close stops
	// further dispatch to it.
	Subscription interface {
		Close() error
	}
)

const (
	// WorkflowTick is the queue-message kind that drives one replay pass.
	WorkflowTick MessageKind = "workflow_tick"
	// StepExecute is the queue-message kind that runs one step attempt.
	StepExecute MessageKind = "step_execute"
	// HealthCheck is the distinguished message kind the health-check
	// protocol sends through the normal queue machinery.
	HealthCheck MessageKind = "health_check"
)

type (
	// WorkflowTickPayload is the decoded payload for a WorkflowTick message.
	WorkflowTickPayload struct {
		RunID        string            `json:"runId"`
		TraceCarrier map[string]string `json:"traceCarrier,omitempty"`
	}

	// StepExecutePayload is the decoded payload for a StepExecute message.
	StepExecutePayload struct {
		RunID        string            `json:"runId"`
		StepID       string            `json:"stepId"`
		Attempt      int               `json:"attempt"`
		StepName     string            `json:"stepName"`
		Input        []byte            `json:"input"`
		TraceCarrier map[string]string `json:"traceCarrier,omitempty"`
		// Metadata carries the step invocation's free-form tags through to
		// the step_started event (§3 supplements).
		Metadata map[string]string `json:"metadata,omitempty"`
		// StreamName, when non-empty, names the durable stream (§4.5) this
		// step is expected to produce via a GetWritable handle; the step
		// runtime injects a writable bound to this name into the handler's
		// context and auto-closes it after the handler returns.
		StreamName string `json:"streamName,omitempty"`
	}

	// HealthCheckPayload is the decoded payload for a HealthCheck message.
	HealthCheckPayload struct {
		Endpoint string `json:"endpoint"`
		Nonce    string `json:"nonce"`
	}
)
