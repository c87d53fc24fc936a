package engine

import (
	"errors"
	"fmt"

	"stageline/internal/domain"
	"stageline/internal/engine/stages"
)

// PreconditionError reports a closed gate. It is the stage graph's error
// type, re-exported for callers of the engine.
type PreconditionError = stages.PreconditionError

// ConflictError reports a compare-and-set that lost to a concurrent writer.
// Re-reading the project shows the winning state.
type ConflictError struct {
	ProjectID string
	Stage     domain.StageKey
}

func (e ConflictError) Error() string {
	if e.Stage == "" {
		return fmt.Sprintf("project %s changed concurrently", e.ProjectID)
	}
	return fmt.Sprintf("stage %s of project %s was completed concurrently", e.Stage, e.ProjectID)
}

// ValidationError rejects malformed input.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return e.Field + ": " + e.Message
}

// IsRecoverable reports whether err is a business rejection the caller can
// show and retry after refreshing, as opposed to a fault.
func IsRecoverable(err error) bool {
	var pe PreconditionError
	var ce ConflictError
	return errors.As(err, &pe) || errors.As(err, &ce)
}
