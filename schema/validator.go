// Package schema provides a registry-backed implementation of the
// publisher's schema validator. Each event type registers a definition of
// its data payload; envelopes that do not conform are rejected before
// anything reaches the wire.
package schema

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/pagefold/eventbus/contracts"
)

// Kind classifies a JSON value for property checks.
type Kind string

const (
	KindString Kind = "string"
	KindNumber Kind = "number"
	KindBool   Kind = "bool"
	KindObject Kind = "object"
	KindArray  Kind = "array"
)

// Definition describes the expected data payload for one event type.
type Definition struct {
	EventType  string
	Required   []string
	Properties map[string]Kind
}

// Registry holds definitions per event type. It is safe for concurrent use.
type Registry struct {
	mu   sync.RWMutex
	defs map[string]*Definition
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		defs: make(map[string]*Definition),
	}
}

// Register adds or replaces the definition for an event type.
func (r *Registry) Register(def *Definition) error {
	if def == nil || def.EventType == "" {
		return fmt.Errorf("schema: definition needs an event type")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.defs[def.EventType] = def
	return nil
}

// GetSchema returns the definition registered for an event type, if any.
func (r *Registry) GetSchema(eventType string) (any, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.defs[eventType]
	return def, ok
}

// Validate checks an envelope against a definition and returns the list of
// violations when it does not conform.
func (r *Registry) Validate(env *contracts.Envelope, schema any) (bool, []string) {
	def, ok := schema.(*Definition)
	if !ok {
		return false, []string{"unrecognized schema type"}
	}

	var errs []string

	if env.EventType != def.EventType {
		errs = append(errs, fmt.Sprintf("event_type %q does not match schema %q", env.EventType, def.EventType))
	}
	if env.EventID == "" {
		errs = append(errs, "event_id is empty")
	}
	if env.Version == "" {
		errs = append(errs, "version is empty")
	}
	if env.Timestamp == "" {
		errs = append(errs, "timestamp is empty")
	} else if _, err := time.Parse(contracts.TimestampLayout, env.Timestamp); err != nil {
		errs = append(errs, fmt.Sprintf("timestamp %q is not ISO-8601", env.Timestamp))
	}

	var data map[string]any
	if err := json.Unmarshal(env.Data, &data); err != nil {
		errs = append(errs, "data is not a JSON object")
		return false, errs
	}

	for _, field := range def.Required {
		if _, present := data[field]; !present {
			errs = append(errs, fmt.Sprintf("data field %q is required", field))
		}
	}

	for field, kind := range def.Properties {
		value, present := data[field]
		if !present || value == nil {
			continue
		}
		if !matchesKind(value, kind) {
			errs = append(errs, fmt.Sprintf("data field %q is not a %s", field, kind))
		}
	}

	return len(errs) == 0, errs
}

func matchesKind(value any, kind Kind) bool {
	switch kind {
	case KindString:
		_, ok := value.(string)
		return ok
	case KindNumber:
		_, ok := value.(float64)
		return ok
	case KindBool:
		_, ok := value.(bool)
		return ok
	case KindObject:
		_, ok := value.(map[string]any)
		return ok
	case KindArray:
		_, ok := value.([]any)
		return ok
	default:
		return false
	}
}
