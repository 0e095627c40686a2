package contracts

import (
	"fmt"
	"strings"
)

// The bus surfaces a small closed set of error kinds so stage processes can
// decide between fail-fast and degrade without matching message strings.

// ConfigError reports missing or invalid client configuration. It is raised
// at construction or connect time and is never retried.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("eventbus config error: %s: %s", e.Field, e.Reason)
}

// ValidationError reports an envelope that failed schema validation or is
// missing its event type. Nothing was transmitted.
type ValidationError struct {
	EventType string
	Errors    []string
}

func (e *ValidationError) Error() string {
	if e.EventType != "" {
		return fmt.Sprintf("eventbus validation error for %q: %s", e.EventType, strings.Join(e.Errors, "; "))
	}
	return fmt.Sprintf("eventbus validation error: %s", strings.Join(e.Errors, "; "))
}

// ConnectionError reports a broker connection failure that the guard could
// not recover from within its configured attempts.
type ConnectionError struct {
	Op  string
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("eventbus connection error: %s: %v", e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// RecoveryError reports a fatal startup-requeue failure: the document store
// query itself failed, aborting the entire requeue run.
type RecoveryError struct {
	Collection string
	Err        error
}

func (e *RecoveryError) Error() string {
	return fmt.Sprintf("eventbus recovery error: query of %q failed: %v", e.Collection, e.Err)
}

func (e *RecoveryError) Unwrap() error { return e.Err }
