// Package trace carries distributed-trace headers through queue messages.
// It is an opaque string-to-string map, never interpreted by the core
// itself — OTEL propagators read and write it at the processor boundary.
package trace

import "maps"

// Carrier is the wire shape for a run's distributed-trace context. It rides
// along on every queue message (workflow-tick and step-execute alike) so a
// trace started by the external caller stays connected across ticks.
type Carrier map[string]string

// Get implements otel/propagation.TextMapCarrier.
func (c Carrier) Get(key string) string { return c[key] }

// Set implements otel/propagation.TextMapCarrier.
func (c Carrier) Set(key, value string) { c[key] = value }

// Keys implements otel/propagation.TextMapCarrier.
func (c Carrier) Keys() []string {
	keys := make([]string, 0, len(c))
	for k := range c {
		keys = append(keys, k)
	}
	return keys
}

// Clone returns a deep copy, so carriers embedded in queue messages are
// never mutated by a downstream handler that amends the active trace.
func (c Carrier) Clone() Carrier {
	if c == nil {
		return nil
	}
	out := make(Carrier, len(c))
	maps.Copy(out, c)
	return out
}
