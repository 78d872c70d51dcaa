// Package pipeline implements the streaming pipeline (component C): the
// three-stage validation/fast/background flow built on the bounded work
// queue, driving each admitted file through the processing-state
// registry and the task scheduler to a persisted record.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/metacore/ingest-core/internal/containers"
	"github.com/metacore/ingest-core/internal/gate"
	"github.com/metacore/ingest-core/internal/merrors"
	"github.com/metacore/ingest-core/internal/queue"
)

// Registry is the narrow view of the processing-state registry the
// pipeline depends on.
type Registry interface {
	AddDiscovered(path string) error
	BeginLight(path string) error
	CompleteLight(path, hashID string) error
	BeginHash(path string) error
	CompleteHash(path string) error
	MarkFailed(path, reason string) error
	Retry(path string) error
}

// Scheduler is the narrow view of the task scheduler the pipeline
// depends on — it never sees Task, Fleet, or the pending-tasks table,
// breaking the scheduler/pipeline circular reference called out by the
// re-architecture guidance.
type Scheduler interface {
	RunActivePluginsSync(ctx context.Context, queueClass containers.QueueClass, path, hashID string, forceRecompute bool) (map[string]any, error)
}

// Persister is the narrow view of the persistence adapter.
type Persister interface {
	Persist(hashID string, pluginOutputs map[string]any) error
}

// Config controls pool concurrency and the extension allow-list.
type Config struct {
	ValidationConcurrency int
	FastConcurrency       int
	BackgroundConcurrency int
	AllowedExtensions     []string
}

// Pipeline is the three-stage admission-and-dispatch machinery.
type Pipeline struct {
	validation *queue.Pool
	fast       *queue.Pool
	background *queue.Pool

	registry  Registry
	scheduler Scheduler
	persister Persister
	log       *slog.Logger

	allowedExt map[string]struct{}
}

// New constructs the three pools and wires them to the registry,
// scheduler, and persistence adapter.
func New(cfg Config, registry Registry, scheduler Scheduler, persister Persister, log *slog.Logger) *Pipeline {
	allowed := make(map[string]struct{}, len(cfg.AllowedExtensions))
	for _, ext := range cfg.AllowedExtensions {
		allowed[strings.ToLower(ext)] = struct{}{}
	}

	return &Pipeline{
		validation: queue.New("validation", cfg.ValidationConcurrency),
		fast:       queue.New("fast", cfg.FastConcurrency),
		background: queue.New("background", cfg.BackgroundConcurrency),
		registry:   registry,
		scheduler:  scheduler,
		persister:  persister,
		log:        log,
		allowedExt: allowed,
	}
}

// Admit validates and enqueues a file for processing. It returns once
// the validation thunk has been submitted — not once it has run — so an
// event-consumer caller can acknowledge admission without waiting for
// completion.
func (p *Pipeline) Admit(path string) error {
	p.validation.Submit(func() error {
		return p.runValidation(path)
	})
	return nil
}

// Retry re-admits a failed file, skipping re-validation since the file
// already passed it once; it resumes directly at the fast stage.
func (p *Pipeline) Retry(path string) error {
	if err := p.registry.Retry(path); err != nil {
		return err
	}
	p.Resubmit(path)
	return nil
}

// Resubmit re-enters the fast stage for a path already reset to
// discovered, without touching the registry itself. RetryAllFailed uses
// this after resetting every failed path in bulk, since calling Retry
// again would reject the already-reset record as a state conflict.
func (p *Pipeline) Resubmit(path string) {
	p.fast.Submit(func() error {
		return p.runFast(path)
	})
}

func (p *Pipeline) runValidation(path string) error {
	if err := p.validate(path); err != nil {
		p.log.Debug("admission rejected", "path", path, "error", err)
		return err
	}
	if err := p.registry.AddDiscovered(path); err != nil {
		return err
	}
	p.fast.Submit(func() error {
		return p.runFast(path)
	})
	return nil
}

func (p *Pipeline) validate(path string) error {
	ext := strings.ToLower(filepath.Ext(path))
	if _, ok := p.allowedExt[ext]; !ok {
		return merrors.ErrExtensionNotAllowed
	}
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("pipeline: stat %q: %w", path, err)
	}
	if info.IsDir() {
		return merrors.ErrIsDirectory
	}
	return nil
}

func (p *Pipeline) runFast(path string) error {
	if err := p.registry.BeginLight(path); err != nil {
		return err
	}

	hashID, err := midHash(path)
	if err != nil {
		p.failStage(path, "fast", err)
		return err
	}

	fastOutputs, err := p.scheduler.RunActivePluginsSync(context.Background(), containers.QueueFast, path, hashID, false)
	if err != nil {
		p.failStage(path, "fast", err)
		return err
	}

	if err := p.registry.CompleteLight(path, hashID); err != nil {
		return err
	}

	p.background.Submit(func() error {
		return p.runBackground(path, hashID, fastOutputs)
	})
	return nil
}

func (p *Pipeline) runBackground(path, hashID string, fastOutputs map[string]any) error {
	if err := p.registry.BeginHash(path); err != nil {
		return err
	}

	// The full hash is computed and then discarded: identity was already
	// assigned by the midhash in the fast stage and does not change here
	// (see Open Question #1 — a mismatch is not an error).
	if _, err := fullHash(path); err != nil {
		p.failStage(path, "background", err)
		return err
	}

	bgOutputs, err := p.scheduler.RunActivePluginsSync(context.Background(), containers.QueueBackground, path, hashID, false)
	if err != nil {
		p.failStage(path, "background", err)
		return err
	}

	if err := p.registry.CompleteHash(path); err != nil {
		return err
	}

	outputs := make(map[string]any, len(fastOutputs)+len(bgOutputs))
	for k, v := range fastOutputs {
		outputs[k] = v
	}
	for k, v := range bgOutputs {
		outputs[k] = v
	}
	return p.persister.Persist(hashID, outputs)
}

func (p *Pipeline) failStage(path, stage string, cause error) {
	reason := fmt.Sprintf("%s: %v", stage, cause)
	if err := p.registry.MarkFailed(path, reason); err != nil {
		p.log.Warn("mark failed rejected", "path", path, "error", err)
	}
}

// Pause pauses all three pools in order: validation, fast, background.
func (p *Pipeline) Pause() {
	p.validation.Pause()
	p.fast.Pause()
	p.background.Pause()
}

// Resume resumes all three pools in the reverse order: background,
// fast, validation.
func (p *Pipeline) Resume() {
	p.background.Resume()
	p.fast.Resume()
	p.validation.Resume()
}

// IsPaused reports whether every pool is paused.
func (p *Pipeline) IsPaused() bool {
	return p.validation.IsPaused() && p.fast.IsPaused() && p.background.IsPaused()
}

// Stop shuts down all three worker pools.
func (p *Pipeline) Stop() {
	p.validation.Stop()
	p.fast.Stop()
	p.background.Stop()
}

// Counters returns one gate.Counter per pool, for the gate & drain
// controller's waitForEmpty barrier.
func (p *Pipeline) Counters() []gate.Counter {
	return []gate.Counter{
		func() (int64, int64) { return p.validation.Running(), p.validation.Pending() },
		func() (int64, int64) { return p.fast.Running(), p.fast.Pending() },
		func() (int64, int64) { return p.background.Running(), p.background.Pending() },
	}
}
