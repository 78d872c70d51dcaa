package pipeline

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/metacore/ingest-core/internal/containers"
)

func testLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

type fakeRegistry struct {
	mu      sync.Mutex
	states  map[string]string
	reasons map[string]string
}

func newFakeRegistry() *fakeRegistry {
	return &fakeRegistry{states: make(map[string]string), reasons: make(map[string]string)}
}

func (r *fakeRegistry) AddDiscovered(path string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states[path] = "discovered"
	return nil
}
func (r *fakeRegistry) BeginLight(path string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states[path] = "lightProcessing"
	return nil
}
func (r *fakeRegistry) CompleteLight(path, hashID string) error { return nil }
func (r *fakeRegistry) BeginHash(path string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states[path] = "hashProcessing"
	return nil
}
func (r *fakeRegistry) CompleteHash(path string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states[path] = "done"
	return nil
}
func (r *fakeRegistry) MarkFailed(path, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states[path] = "failed"
	r.reasons[path] = reason
	return nil
}
func (r *fakeRegistry) Retry(path string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states[path] = "discovered"
	return nil
}
func (r *fakeRegistry) stateOf(path string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.states[path]
}

type fakeScheduler struct {
	fastErr, bgErr error
	fastOutputs    map[string]any
}

func (s *fakeScheduler) RunActivePluginsSync(ctx context.Context, qc containers.QueueClass, path, hashID string, force bool) (map[string]any, error) {
	if qc == containers.QueueFast {
		return s.fastOutputs, s.fastErr
	}
	return nil, s.bgErr
}

type fakePersister struct {
	mu       sync.Mutex
	hashID   string
	outputs  map[string]any
	persisted bool
}

func (p *fakePersister) Persist(hashID string, outputs map[string]any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.hashID, p.outputs, p.persisted = hashID, outputs, true
	return nil
}

func writeTempFile(t *testing.T, name string, size int) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	data := make([]byte, size)
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

func newTestPipeline(reg Registry, sched Scheduler, pers Persister) *Pipeline {
	return New(Config{
		ValidationConcurrency: 2,
		FastConcurrency:       2,
		BackgroundConcurrency: 2,
		AllowedExtensions:     []string{".mkv"},
	}, reg, sched, pers, testLogger())
}

func TestHappyPathReachesDoneAndPersists(t *testing.T) {
	reg := newFakeRegistry()
	sched := &fakeScheduler{fastOutputs: map[string]any{"tagger": map[string]any{"tag": "x"}}}
	pers := &fakePersister{}
	p := newTestPipeline(reg, sched, pers)
	defer p.Stop()

	path := writeTempFile(t, "a.mkv", 128*1024)
	require.NoError(t, p.Admit(path))

	require.Eventually(t, func() bool {
		pers.mu.Lock()
		defer pers.mu.Unlock()
		return reg.stateOf(path) == "done" && pers.persisted
	}, 2*time.Second, 5*time.Millisecond)
	pers.mu.Lock()
	defer pers.mu.Unlock()
	assert.True(t, pers.persisted)
	assert.Equal(t, "x", pers.outputs["tagger"].(map[string]any)["tag"])
}

func TestDisallowedExtensionIsSilentlyRejected(t *testing.T) {
	reg := newFakeRegistry()
	p := newTestPipeline(reg, &fakeScheduler{}, &fakePersister{})
	defer p.Stop()

	path := writeTempFile(t, "a.txt", 16)
	require.NoError(t, p.Admit(path))

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, "", reg.stateOf(path))
}

func TestDirectoryIsSilentlyRejected(t *testing.T) {
	reg := newFakeRegistry()
	p := newTestPipeline(reg, &fakeScheduler{}, &fakePersister{})
	defer p.Stop()

	dir := filepath.Join(t.TempDir(), "sub.mkv")
	require.NoError(t, os.Mkdir(dir, 0o755))
	require.NoError(t, p.Admit(dir))

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, "", reg.stateOf(dir))
}

func TestFastStageFailureMarksFailedAndStopsPropagation(t *testing.T) {
	reg := newFakeRegistry()
	sched := &fakeScheduler{fastErr: assertErr}
	pers := &fakePersister{}
	p := newTestPipeline(reg, sched, pers)
	defer p.Stop()

	path := writeTempFile(t, "a.mkv", 4096)
	require.NoError(t, p.Admit(path))

	require.Eventually(t, func() bool { return reg.stateOf(path) == "failed" }, 2*time.Second, 5*time.Millisecond)
	pers.mu.Lock()
	defer pers.mu.Unlock()
	assert.False(t, pers.persisted)
}

func TestPauseResumeTogglesIsPaused(t *testing.T) {
	p := newTestPipeline(newFakeRegistry(), &fakeScheduler{}, &fakePersister{})
	defer p.Stop()

	p.Pause()
	assert.True(t, p.IsPaused())
	p.Resume()
	assert.False(t, p.IsPaused())
}

var assertErr = &pipelineTestError{"plugin failed"}

type pipelineTestError struct{ msg string }

func (e *pipelineTestError) Error() string { return e.msg }
