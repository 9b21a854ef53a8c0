// Package classreg implements the class-instance serialization registry of
// §4.7: a process-wide map from classId to constructor, used to round-trip
// registered Go types through step/event payloads as a tagged
// class_instance_ref record, with unregistered types downgraded to a
// ClassInstanceRef the UI can render generically.
package classreg

import (
	"encoding/json"
	"fmt"
	"sync"
)

// RefTag is the discriminator field marking a serialized record as a class
// instance reference.
const RefTag = "class_instance_ref"

// Ref is the wire record produced for a registered (or formerly registered)
// class instance.
type Ref struct {
	Type      string          `json:"__type"`
	ClassName string          `json:"className"`
	ClassID   string          `json:"classId"`
	Data      json.RawMessage `json:"data"`
}

// ClassInstanceRef is what an unregistered class downgrades to: the UI and
// any isolated context without the constructor observe this shape instead
// of a rehydrated instance.
type ClassInstanceRef struct {
	ClassName string
	ClassID   string
	Data      json.RawMessage
}

// Constructor rehydrates a class instance from its serialized data.
type Constructor func(data json.RawMessage) (any, error)

// entry pairs a constructor with the display name recorded at registration,
// so double-registration under a different name can be detected.
type entry struct {
	className   string
	constructor Constructor
}

// Registry is the process-wide classId -> constructor map. It is
// isomorphic: the same Registry value (or one with the same registrations)
// should back both the main execution context and any isolated replay
// context, with Fallback providing the main-context lookup when the
// isolated context's own registry lacks the class (§4.7).
type Registry struct {
	mu       sync.RWMutex
	entries  map[string]entry
	Fallback *Registry
}

// New returns an empty class registry.
func New() *Registry {
	return &Registry{entries: make(map[string]entry)}
}

// Register binds classID to className and constructor. Registering the same
// classID twice with a different className is a programmer error — the
// registry's fields are conceptually non-configurable once set (§5) — and
// panics rather than silently overwriting, so the mistake surfaces at
// module initialization instead of at replay time.
func (r *Registry) Register(classID, className string, ctor Constructor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.entries[classID]; ok && existing.className != className {
		panic(fmt.Sprintf("classreg: classId %q already registered as %q, cannot re-register as %q", classID, existing.className, className))
	}
	r.entries[classID] = entry{className: className, constructor: ctor}
}

// Encode serializes v into a Ref tagged with classID/className. Callers
// supply classID/className (typically derived from file path + type name)
// since classreg does not do reflection-based discovery.
func (r *Registry) Encode(classID, className string, v any) (Ref, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return Ref{}, fmt.Errorf("marshal class instance %q: %w", className, err)
	}
	return Ref{Type: RefTag, ClassName: className, ClassID: classID, Data: data}, nil
}

// Decode rehydrates ref using the registered constructor for ref.ClassID. If
// the class is absent in this registry, Fallback (the main context's
// registry) is consulted. If it is absent everywhere, Decode returns a
// ClassInstanceRef rather than an error, per §4.7's downgrade rule.
func (r *Registry) Decode(ref Ref) (any, error) {
	if ctor, ok := r.lookup(ref.ClassID); ok {
		return ctor(ref.Data)
	}
	if r.Fallback != nil {
		if ctor, ok := r.Fallback.lookup(ref.ClassID); ok {
			return ctor(ref.Data)
		}
	}
	return ClassInstanceRef{ClassName: ref.ClassName, ClassID: ref.ClassID, Data: ref.Data}, nil
}

// Rehydrate walks raw as generic JSON and replaces every class_instance_ref
// record found at any depth with the result of decoding it through r,
// re-marshaled back into the tree. Step input (in step.Runtime.Execute) and
// run input (in the processor's workflow-tick handler) pass through
// Rehydrate (step output does not), so a registered class instance
// round-trips through storage as itself rather than staying pinned to its
// wire Ref shape (§4.7).
func (r *Registry) Rehydrate(raw json.RawMessage) (json.RawMessage, error) {
	if len(raw) == 0 {
		return raw, nil
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("unmarshal for rehydration: %w", err)
	}
	out, err := r.rehydrateValue(doc)
	if err != nil {
		return nil, err
	}
	return json.Marshal(out)
}

func (r *Registry) rehydrateValue(v any) (any, error) {
	switch val := v.(type) {
	case map[string]any:
		if t, ok := val["__type"]; ok && t == RefTag {
			b, err := json.Marshal(val)
			if err != nil {
				return nil, fmt.Errorf("remarshal candidate ref: %w", err)
			}
			if ref, ok := IsRef(b); ok {
				return r.Decode(ref)
			}
		}
		out := make(map[string]any, len(val))
		for k, e := range val {
			rv, err := r.rehydrateValue(e)
			if err != nil {
				return nil, err
			}
			out[k] = rv
		}
		return out, nil
	case []any:
		out := make([]any, len(val))
		for i, e := range val {
			rv, err := r.rehydrateValue(e)
			if err != nil {
				return nil, err
			}
			out[i] = rv
		}
		return out, nil
	default:
		return val, nil
	}
}

func (r *Registry) lookup(classID string) (Constructor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[classID]
	if !ok {
		return nil, false
	}
	return e.constructor, true
}

// IsRef reports whether raw is a tagged class_instance_ref record, and
// decodes it into ref if so.
func IsRef(raw json.RawMessage) (ref Ref, ok bool) {
	var probe struct {
		Type string `json:"__type"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil || probe.Type != RefTag {
		return Ref{}, false
	}
	if err := json.Unmarshal(raw, &ref); err != nil {
		return Ref{}, false
	}
	return ref, true
}
