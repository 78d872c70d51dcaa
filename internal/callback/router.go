// Package callback implements the callback router (component F): it
// correlates asynchronous plugin completions to the scheduler's
// in-flight tasks.
package callback

import (
	"errors"
	"log/slog"

	"github.com/metacore/ingest-core/internal/merrors"
)

// Resolver is the narrow view of the task scheduler the router depends
// on.
type Resolver interface {
	Resolve(taskID string, metadata map[string]any, callbackErr error) error
}

// Payload is the body a plugin worker posts to /callback.
type Payload struct {
	TaskID   string         `json:"taskId"`
	Status   string         `json:"status"`
	Metadata map[string]any `json:"metadata,omitempty"`
	Error    string         `json:"error,omitempty"`
}

// Router dispatches callback payloads to the scheduler.
type Router struct {
	resolver Resolver
	log      *slog.Logger
}

// New wires a Router to a task resolver.
func New(resolver Resolver, log *slog.Logger) *Router {
	return &Router{resolver: resolver, log: log}
}

// Handle processes one callback delivery. An unknown taskId (already
// resolved by timeout, or a genuinely unseen id) and a duplicate
// delivery are both treated as a no-op, per the worker contract's
// "call back exactly once, deadline is the safety net" guarantee.
func (r *Router) Handle(p Payload) error {
	var callbackErr error
	if p.Status == "error" {
		callbackErr = errors.New(p.Error)
	}

	err := r.resolver.Resolve(p.TaskID, p.Metadata, callbackErr)
	if errors.Is(err, merrors.ErrUnknownTask) {
		r.log.Debug("callback for unknown or already-settled task", "taskId", p.TaskID)
		return nil
	}
	return err
}
