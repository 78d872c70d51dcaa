// Package scheduler implements the task scheduler (component E): it
// bridges the streaming pipeline and the container fleet, turning "run
// plugin P on file F" into a dispatched, tracked task.
package scheduler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/metacore/ingest-core/internal/containers"
	"github.com/metacore/ingest-core/internal/gate"
	"github.com/metacore/ingest-core/internal/merrors"
	"github.com/metacore/ingest-core/internal/queue"
)

// Fleet is the narrow view of the container lifecycle manager the
// scheduler depends on, so it never needs the manager's mutation
// operations (add/remove/restart plugin).
type Fleet interface {
	SelectHealthy(pluginID string) (*containers.Instance, error)
	ListPlugins() []containers.Descriptor
}

// Snapshotter supplies a file's currently persisted KV fields, for
// inclusion in a plugin's dispatch payload. *kv.Adapter satisfies this
// without the scheduler package importing kv.
type Snapshotter interface {
	Snapshot(hashID string) (map[string]any, error)
}

// Config controls dispatch timing.
type Config struct {
	TaskDeadline       time.Duration
	DispatchBackoffMin time.Duration
	DispatchMaxRetries int
}

// pendingEntry tracks one in-flight task plus any later callers that
// asked to run the same (pluginID, path) pair and joined its waiter
// instead of dispatching a second time.
type pendingEntry struct {
	task    *Task
	joiners int
}

// Scheduler dispatches plugin runs to worker containers and correlates
// asynchronous callbacks back to the waiting caller.
type Scheduler struct {
	cfg      Config
	fleet    Fleet
	gate     *gate.Gate
	client   *http.Client
	snapshot Snapshotter
	log      *slog.Logger

	fastPool       *queue.Pool
	backgroundPool *queue.Pool

	mu          sync.Mutex
	byTaskID    map[string]*Task
	byPluginKey map[string]*pendingEntry // "pluginId/path" -> entry
}

// New wires a Scheduler to the container fleet, the gate, and the
// fast/background pools it dispatches onto. cmd/metacore gives it pools
// of its own; it does not dispatch onto the pipeline's stage pools.
func New(cfg Config, fleet Fleet, g *gate.Gate, fastPool, backgroundPool *queue.Pool, client *http.Client, snapshot Snapshotter, log *slog.Logger) *Scheduler {
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	return &Scheduler{
		cfg:            cfg,
		fleet:          fleet,
		gate:           g,
		client:         client,
		snapshot:       snapshot,
		log:            log,
		fastPool:       fastPool,
		backgroundPool: backgroundPool,
		byTaskID:       make(map[string]*Task),
		byPluginKey:    make(map[string]*pendingEntry),
	}
}

// CreateTasksForPluginOnFiles builds one Task per file for pluginID.
func (s *Scheduler) CreateTasksForPluginOnFiles(pluginID string, queueClass containers.QueueClass, files []FileRef, forceRecompute bool) []*Task {
	tasks := make([]*Task, 0, len(files))
	for _, f := range files {
		tasks = append(tasks, &Task{
			TaskID:         uuid.NewString(),
			PluginID:       pluginID,
			FilePath:       f.Path,
			HashID:         f.HashID,
			QueueClass:     queueClass,
			ForceRecompute: forceRecompute,
			done:           make(chan struct{}),
		})
	}
	return tasks
}

// FileRef identifies a file being scheduled.
type FileRef struct {
	Path   string
	HashID string
}

// Enqueue routes each task onto the fast or background pool according to
// its queue class and returns the pool handles so a caller can wait for
// all of them to settle.
func (s *Scheduler) Enqueue(ctx context.Context, tasks []*Task) []*queue.Handle {
	handles := make([]*queue.Handle, 0, len(tasks))
	for _, t := range tasks {
		t := t
		pool := s.backgroundPool
		if t.QueueClass == containers.QueueFast {
			pool = s.fastPool
		}
		handles = append(handles, pool.Submit(func() error {
			return s.dispatch(ctx, t)
		}))
	}
	return handles
}

// RunActivePluginsSync builds and dispatches tasks for every active
// plugin classified under queueClass, then blocks until all of them
// settle. It is the narrow surface the streaming pipeline depends on —
// a pipeline stage never sees Task, Fleet, or the pending-tasks table.
// The returned map carries each plugin's reported metadata keyed by
// pluginID, ready for the persistence adapter to flatten.
func (s *Scheduler) RunActivePluginsSync(ctx context.Context, queueClass containers.QueueClass, path, hashID string, forceRecompute bool) (map[string]any, error) {
	var tasks []*Task
	for _, d := range s.fleet.ListPlugins() {
		if !d.Active || d.InstanceCount == 0 {
			continue
		}
		if d.EffectiveQueue(1000) != queueClass {
			continue
		}
		ts := s.CreateTasksForPluginOnFiles(d.PluginID, queueClass, []FileRef{{Path: path, HashID: hashID}}, forceRecompute)
		tasks = append(tasks, ts...)
	}
	if len(tasks) == 0 {
		return nil, nil
	}

	handles := s.Enqueue(ctx, tasks)
	var firstErr error
	results := make(map[string]any, len(tasks))
	for i, h := range handles {
		if err := h.Wait(); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		results[tasks[i].PluginID] = tasks[i].Metadata()
	}
	return results, firstErr
}

// dispatch performs the full per-task protocol: gate wait, instance
// selection with backoff, POST /run, registration, and awaiting the
// callback (or the task deadline).
func (s *Scheduler) dispatch(ctx context.Context, t *Task) error {
	key := t.PluginID + "/" + t.FilePath

	s.mu.Lock()
	if existing, ok := s.byPluginKey[key]; ok {
		existing.joiners++
		s.mu.Unlock()
		return s.joinWaiter(ctx, existing.task)
	}
	s.byPluginKey[key] = &pendingEntry{task: t}
	s.byTaskID[t.TaskID] = t
	s.mu.Unlock()

	t.StartTime = time.Now()

	if err := s.gate.WaitUntilOpen(ctx); err != nil {
		s.fail(t, key, err)
		return err
	}

	inst, err := s.selectWithBackoff(ctx, t.PluginID)
	if err != nil {
		s.fail(t, key, err)
		return err
	}
	t.ChosenInstance = inst

	if err := s.postRun(ctx, inst, t); err != nil {
		s.fail(t, key, err)
		return err
	}

	return s.await(ctx, t, key)
}

func (s *Scheduler) joinWaiter(ctx context.Context, t *Task) error {
	select {
	case <-t.done:
		return t.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Scheduler) selectWithBackoff(ctx context.Context, pluginID string) (*containers.Instance, error) {
	backoff := s.cfg.DispatchBackoffMin
	for attempt := 0; ; attempt++ {
		inst, err := s.fleet.SelectHealthy(pluginID)
		if err == nil {
			return inst, nil
		}
		if attempt >= s.cfg.DispatchMaxRetries {
			return nil, fmt.Errorf("%w: %w", merrors.ErrDispatchFailed, err)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
}

func (s *Scheduler) postRun(ctx context.Context, inst *containers.Instance, t *Task) error {
	var snap map[string]any
	if s.snapshot != nil && t.HashID != "" {
		var err error
		snap, err = s.snapshot.Snapshot(t.HashID)
		if err != nil {
			s.log.Warn("kv snapshot failed, dispatching without it", "taskId", t.TaskID, "hashId", t.HashID, "error", err)
		}
	}

	body, err := json.Marshal(runPayload{
		TaskID:         t.TaskID,
		Path:           t.FilePath,
		HashID:         t.HashID,
		ForceRecompute: t.ForceRecompute,
		KVSnapshot:     snap,
	})
	if err != nil {
		return fmt.Errorf("scheduler: marshal run payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, inst.BaseURL+"/run", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("scheduler: build run request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %w", merrors.ErrDispatchFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("%w: instance returned status %d", merrors.ErrDispatchFailed, resp.StatusCode)
	}
	return nil
}

func (s *Scheduler) await(ctx context.Context, t *Task, key string) error {
	deadline := s.cfg.TaskDeadline
	if deadline <= 0 {
		deadline = 30 * time.Second
	}
	timer := time.NewTimer(deadline)
	defer timer.Stop()

	select {
	case <-t.done:
		s.remove(t.TaskID, key)
		return t.err
	case <-timer.C:
		err := merrors.ErrTaskTimeout
		t.err = err
		close(t.done)
		s.remove(t.TaskID, key)
		return err
	case <-ctx.Done():
		s.remove(t.TaskID, key)
		return ctx.Err()
	}
}

func (s *Scheduler) fail(t *Task, key string, err error) {
	t.err = err
	close(t.done)
	s.remove(t.TaskID, key)
}

func (s *Scheduler) remove(taskID, key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.byTaskID, taskID)
	delete(s.byPluginKey, key)
}

// Resolve is called by the callback router when a plugin worker reports
// completion. A task ID that is not in the pending-tasks table (never
// seen, or already settled and removed) returns merrors.ErrUnknownTask
// and changes nothing; the callback router treats that as a no-op. A
// callback for a task that has settled but is still in the table is
// ignored and returns nil.
func (s *Scheduler) Resolve(taskID string, metadata map[string]any, callbackErr error) error {
	s.mu.Lock()
	t, ok := s.byTaskID[taskID]
	s.mu.Unlock()
	if !ok {
		return merrors.ErrUnknownTask
	}

	select {
	case <-t.done:
		return nil // already resolved (timeout raced the callback, or duplicate delivery)
	default:
	}

	t.metadata = metadata
	t.err = callbackErr
	close(t.done)
	return nil
}

// GetRunningTasks enumerates the pending-tasks table for observability.
func (s *Scheduler) GetRunningTasks() []Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Snapshot, 0, len(s.byTaskID))
	for _, t := range s.byTaskID {
		out = append(out, Snapshot{
			TaskID:     t.TaskID,
			PluginID:   t.PluginID,
			FilePath:   t.FilePath,
			QueueClass: t.QueueClass,
			StartTime:  t.StartTime,
		})
	}
	return out
}

// PendingCount satisfies gate.Counter: the scheduler has no separate
// "running" notion (dispatch thunks run inside the pipeline's own
// pools), so every pending task is reported as pending.
func (s *Scheduler) PendingCount() (running, pending int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return 0, int64(len(s.byTaskID))
}
