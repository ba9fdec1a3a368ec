package jobs

import (
	"context"
	"errors"
	"fmt"

	"github.com/nearhand/nearhand-backend/pkg/db/models"
	"github.com/nearhand/nearhand-backend/pkg/enums"
	pkgerrors "github.com/nearhand/nearhand-backend/pkg/errors"
)

// Handler executes one job type. Returned errors cause a retry unless they
// are terminal.
type Handler interface {
	Type() enums.JobType
	Handle(ctx context.Context, job *models.Job) error
}

// TerminalError wraps an error that must not be retried.
type TerminalError struct {
	err error
}

// NewTerminalError marks an error as non-retryable.
func NewTerminalError(err error) TerminalError {
	return TerminalError{err: err}
}

func (e TerminalError) Error() string {
	if e.err == nil {
		return "terminal job error"
	}
	return e.err.Error()
}

func (e TerminalError) Unwrap() error {
	return e.err
}

// IsTerminal reports whether err (or anything it wraps) is terminal. An error
// carrying a non-retryable code is terminal without explicit wrapping: a
// validation failure stays a validation failure on every attempt.
func IsTerminal(err error) bool {
	var terminal TerminalError
	if errors.As(err, &terminal) {
		return true
	}
	return !pkgerrors.Retryable(err)
}

// Registry maps job types to their handlers.
type Registry struct {
	handlers map[enums.JobType]Handler
}

// NewRegistry builds a registry preloaded with the provided handlers.
func NewRegistry(handlers ...Handler) *Registry {
	registry := &Registry{handlers: map[enums.JobType]Handler{}}
	for _, handler := range handlers {
		if handler == nil {
			continue
		}
		registry.handlers[handler.Type()] = handler
	}
	return registry
}

// Register adds a handler to the registry, replacing any existing handler
// for the same type.
func (r *Registry) Register(handler Handler) {
	if handler == nil {
		return
	}
	r.handlers[handler.Type()] = handler
}

// Resolve returns the handler for a job type.
func (r *Registry) Resolve(jobType enums.JobType) (Handler, error) {
	handler, ok := r.handlers[jobType]
	if !ok {
		return nil, fmt.Errorf("no handler registered for job type %s", jobType)
	}
	return handler, nil
}
