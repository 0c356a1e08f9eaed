// File path: internal/pipeline/errors.go
package pipeline

import (
	"errors"
	"fmt"
)

var (
	// ErrConfiguration marks an invalid pipeline configuration. Fatal at
	// startup, never worked around at runtime.
	ErrConfiguration = errors.New("invalid pipeline configuration")
	// ErrConcurrencyConflict marks a run rejected because another run holds
	// the advisory lock. The caller fails fast.
	ErrConcurrencyConflict = errors.New("pipeline run already in progress")
)

// CollaboratorError wraps a transient failure of an external classification,
// review or embedding call. Batches hitting one are retried with bounded
// attempts and deferred on exhaustion.
type CollaboratorError struct {
	Op  string
	Err error
}

func (e *CollaboratorError) Error() string {
	return fmt.Sprintf("collaborator %s: %v", e.Op, e.Err)
}

func (e *CollaboratorError) Unwrap() error { return e.Err }

// ValidationError marks a malformed input item. The item is skipped and
// counted; a validation failure never aborts the run.
type ValidationError struct {
	ConversationID string
	Err            error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation for conversation %q: %v", e.ConversationID, e.Err)
}

func (e *ValidationError) Unwrap() error { return e.Err }
