// Package merrors collects the sentinel errors used across meta-core's
// components so callers can classify failures with errors.Is instead of
// string matching.
package merrors

import "errors"

// Configuration errors.
var (
	ErrMissingDescriptorPath = errors.New("plugin descriptor path is required")
	ErrMissingKVEndpoint     = errors.New("kv store endpoint is required")
	ErrMissingEventsEndpoint = errors.New("event stream endpoint is required")
	ErrInvalidPluginID       = errors.New("plugin id must match [a-z][a-z0-9-]*")
)

// Registry (state machine) errors.
var (
	ErrStateConflict  = errors.New("state conflict: concurrent or out-of-order transition")
	ErrUnknownFile    = errors.New("file record not found")
	ErrAlreadyFailed  = errors.New("file already in failed state")
)

// Pipeline / validation errors.
var (
	ErrExtensionNotAllowed = errors.New("file extension not in allow-list")
	ErrIsDirectory         = errors.New("path is a directory")
)

// Container lifecycle errors.
var (
	ErrNoHealthyInstance = errors.New("no healthy instance available")
	ErrInstanceNotFound  = errors.New("plugin instance not found")
	ErrPluginNotFound    = errors.New("plugin descriptor not found")
	ErrPluginExists      = errors.New("plugin descriptor already exists")
	ErrContainerCreate   = errors.New("failed to create plugin container")
	ErrContainerStart    = errors.New("failed to start plugin container")
	ErrContainerStop     = errors.New("failed to stop plugin container")
	ErrHealthCheckFailed = errors.New("plugin health check failed")
)

// Task / dispatch errors.
var (
	ErrUnknownTask    = errors.New("unknown task")
	ErrTaskTimeout    = errors.New("task timed out waiting for callback")
	ErrDispatchFailed = errors.New("failed to dispatch task to plugin instance")
	ErrGateClosed     = errors.New("gate is closed, dispatch suspended")
)

// Fatal / startup errors.
var (
	ErrDescriptorUnreadable = errors.New("plugin descriptor document unreadable")
	ErrKVUnavailable        = errors.New("kv store unavailable")
)
