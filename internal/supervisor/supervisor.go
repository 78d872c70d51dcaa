// Package supervisor wires components A through I into the process-wide
// control surface: it owns the registry, pipeline, container manager,
// and scheduler, and exposes the control operations the HTTP surface
// binds to.
package supervisor

import (
	"context"
	"log/slog"
	"time"

	"github.com/metacore/ingest-core/internal/containers"
	"github.com/metacore/ingest-core/internal/gate"
	"github.com/metacore/ingest-core/internal/pipeline"
	"github.com/metacore/ingest-core/internal/registry"
	"github.com/metacore/ingest-core/internal/scheduler"
)

// Supervisor owns the long-lived core components and mediates every
// control operation the HTTP surface exposes.
type Supervisor struct {
	Registry   *registry.Registry
	Pipeline   *pipeline.Pipeline
	Containers *containers.Manager
	Scheduler  *scheduler.Scheduler
	Gate       *gate.Gate

	log *slog.Logger
}

// New assembles a Supervisor from its already-constructed components.
// Wiring order (containers → scheduler → pipeline) is the caller's
// responsibility, since the pipeline takes the scheduler as a
// constructor dependency.
func New(reg *registry.Registry, pl *pipeline.Pipeline, mgr *containers.Manager, sched *scheduler.Scheduler, g *gate.Gate, log *slog.Logger) *Supervisor {
	return &Supervisor{Registry: reg, Pipeline: pl, Containers: mgr, Scheduler: sched, Gate: g, log: log}
}

// StopPipeline pauses the pipeline; in-flight work completes, no new
// admission is accepted.
func (s *Supervisor) StopPipeline() {
	s.Pipeline.Pause()
}

// StartPipeline resumes the pipeline.
func (s *Supervisor) StartPipeline() {
	s.Pipeline.Resume()
}

// PipelineStatus is the shape the "wait-empty" and status control
// operations return.
type PipelineStatus struct {
	GateOpen           bool
	PipelinePaused     bool
	WaitEmptySucceeded bool
}

// WaitEmpty closes over nothing — it is a read-only barrier — and polls
// the pipeline's three pools plus the scheduler's pending-tasks table
// until all reach zero or timeoutMs elapses.
func (s *Supervisor) WaitEmpty(timeoutMs int) PipelineStatus {
	counters := append(s.Pipeline.Counters(), s.Scheduler.PendingCount)
	ok, _ := gate.WaitForEmpty(time.Duration(timeoutMs)*time.Millisecond, counters...)
	return PipelineStatus{
		GateOpen:           s.Gate.IsOpen(),
		PipelinePaused:     s.Pipeline.IsPaused(),
		WaitEmptySucceeded: ok,
	}
}

// CloseGateAndDrain implements the safe-unmount sequence: close the
// gate, wait for drain, and report whether it succeeded. The caller
// performs the storage transition only on success and must re-open the
// gate either way.
func (s *Supervisor) CloseGateAndDrain(timeoutMs int) bool {
	s.Gate.Set(false)
	counters := append(s.Pipeline.Counters(), s.Scheduler.PendingCount)
	ok, _ := gate.WaitForEmpty(time.Duration(timeoutMs)*time.Millisecond, counters...)
	return ok
}

// ReopenGate re-opens dispatch admission.
func (s *Supervisor) ReopenGate() {
	s.Gate.Set(true)
}

// ListPlugins returns every plugin descriptor.
func (s *Supervisor) ListPlugins() []containers.Descriptor {
	return s.Containers.ListPlugins()
}

// ActivatePlugin turns dispatch on for a plugin, spawning instances if
// it has none running.
func (s *Supervisor) ActivatePlugin(ctx context.Context, pluginID string) error {
	return s.Containers.SetActive(ctx, pluginID, true)
}

// DeactivatePlugin turns dispatch off and stops the plugin's containers;
// see containers.Manager.SetActive for what happens to in-flight tasks.
func (s *Supervisor) DeactivatePlugin(ctx context.Context, pluginID string) error {
	return s.Containers.SetActive(ctx, pluginID, false)
}

// UpdatePluginConfig replaces a plugin's config map.
func (s *Supervisor) UpdatePluginConfig(pluginID string, cfg map[string]any) error {
	return s.Containers.UpdatePluginConfig(pluginID, cfg)
}

// AddPlugin registers and, if active, spawns a new plugin.
func (s *Supervisor) AddPlugin(ctx context.Context, d containers.Descriptor) error {
	return s.Containers.AddPlugin(ctx, d)
}

// RemovePlugin stops and forgets a plugin.
func (s *Supervisor) RemovePlugin(ctx context.Context, pluginID string) error {
	return s.Containers.RemovePlugin(ctx, pluginID)
}

// RestartPlugin restarts every instance of one plugin.
func (s *Supervisor) RestartPlugin(ctx context.Context, pluginID string) error {
	return s.Containers.RestartPlugin(ctx, pluginID)
}

// RestartAll restarts every active plugin.
func (s *Supervisor) RestartAll(ctx context.Context) error {
	return s.Containers.RestartAll(ctx)
}

// RecomputeAllFiles dispatches pluginID against the given files with
// forceRecompute set, without touching the processing registry's state
// for any of them.
func (s *Supervisor) RecomputeAllFiles(ctx context.Context, pluginID string, files []scheduler.FileRef) error {
	if len(files) == 0 {
		return nil
	}
	d, err := s.Containers.Descriptor(pluginID)
	if err != nil {
		return err
	}
	tasks := s.Scheduler.CreateTasksForPluginOnFiles(pluginID, d.EffectiveQueue(1000), files, true)
	s.Scheduler.Enqueue(ctx, tasks)
	return nil
}

// RetryFile re-admits a single failed file.
func (s *Supervisor) RetryFile(path string) error {
	return s.Pipeline.Retry(path)
}

// RetryAllFailed re-admits every failed file.
func (s *Supervisor) RetryAllFailed() []string {
	paths := s.Registry.RetryAllFailed()
	for _, p := range paths {
		s.Pipeline.Resubmit(p)
	}
	return paths
}

// Shutdown stops the pipeline and the container fleet, in that order.
// The pipeline is not drained first: queued stage work that has not
// started is not run.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.Pipeline.Stop()
	return s.Containers.Shutdown(ctx)
}
