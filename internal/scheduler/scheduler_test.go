package scheduler

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/metacore/ingest-core/internal/containers"
	"github.com/metacore/ingest-core/internal/gate"
	"github.com/metacore/ingest-core/internal/merrors"
	"github.com/metacore/ingest-core/internal/queue"
)

type fakeFleet struct {
	instances map[string]*containers.Instance
	descs     []containers.Descriptor
}

func (f *fakeFleet) SelectHealthy(pluginID string) (*containers.Instance, error) {
	inst, ok := f.instances[pluginID]
	if !ok {
		return nil, merrors.ErrNoHealthyInstance
	}
	return inst, nil
}

func (f *fakeFleet) ListPlugins() []containers.Descriptor { return f.descs }

type fakeSnapshotter struct {
	fields map[string]any
}

func (f *fakeSnapshotter) Snapshot(hashID string) (map[string]any, error) { return f.fields, nil }

func testLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func newHarness(t *testing.T, runHandler http.HandlerFunc) (*Scheduler, *fakeFleet) {
	t.Helper()
	srv := httptest.NewServer(runHandler)
	t.Cleanup(srv.Close)

	fleet := &fakeFleet{
		instances: map[string]*containers.Instance{
			"tagger": {PluginID: "tagger", BaseURL: srv.URL, Status: containers.StatusHealthy},
		},
	}
	g := gate.New()
	fast := queue.New("fast", 4)
	bg := queue.New("background", 2)
	t.Cleanup(fast.Stop)
	t.Cleanup(bg.Stop)

	s := New(Config{TaskDeadline: 2 * time.Second, DispatchBackoffMin: 10 * time.Millisecond, DispatchMaxRetries: 3},
		fleet, g, fast, bg, srv.Client(), &fakeSnapshotter{fields: map[string]any{"tag": "prior"}}, testLogger())
	return s, fleet
}

func TestDispatchHappyPathResolvesViaCallback(t *testing.T) {
	var taskID atomic.Value
	s, _ := newHarness(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	})

	tasks := s.CreateTasksForPluginOnFiles("tagger", containers.QueueFast, []FileRef{{Path: "/watch/a.mkv"}}, false)
	handles := s.Enqueue(context.Background(), tasks)

	require.Eventually(t, func() bool {
		running := s.GetRunningTasks()
		if len(running) != 1 {
			return false
		}
		taskID.Store(running[0].TaskID)
		return true
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, s.Resolve(taskID.Load().(string), map[string]any{"tag": "x"}, nil))
	require.NoError(t, handles[0].Wait())
	assert.Equal(t, "x", tasks[0].Metadata()["tag"])
}

func TestDuplicateCallbackIsNoop(t *testing.T) {
	s, _ := newHarness(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	})

	tasks := s.CreateTasksForPluginOnFiles("tagger", containers.QueueFast, []FileRef{{Path: "/watch/a.mkv"}}, false)
	handles := s.Enqueue(context.Background(), tasks)

	var id string
	require.Eventually(t, func() bool {
		running := s.GetRunningTasks()
		if len(running) != 1 {
			return false
		}
		id = running[0].TaskID
		return true
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, s.Resolve(id, map[string]any{"tag": "x"}, nil))
	require.NoError(t, handles[0].Wait())
	assert.ErrorIs(t, s.Resolve(id, map[string]any{"tag": "y"}, nil), merrors.ErrUnknownTask)
	assert.Equal(t, "x", tasks[0].Metadata()["tag"])
}

func TestResolveUnknownTaskReturnsErrUnknownTask(t *testing.T) {
	s, _ := newHarness(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	})
	assert.ErrorIs(t, s.Resolve("nonexistent", nil, nil), merrors.ErrUnknownTask)
}

func TestTaskTimeoutMarksFailed(t *testing.T) {
	s, _ := newHarness(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
		// never calls back
	})
	s.cfg.TaskDeadline = 30 * time.Millisecond

	tasks := s.CreateTasksForPluginOnFiles("tagger", containers.QueueFast, []FileRef{{Path: "/watch/a.mkv"}}, false)
	handles := s.Enqueue(context.Background(), tasks)

	err := handles[0].Wait()
	assert.ErrorIs(t, err, merrors.ErrTaskTimeout)
}

func TestNoHealthyInstanceFailsAfterBackoffRetries(t *testing.T) {
	g := gate.New()
	fast := queue.New("fast", 2)
	t.Cleanup(fast.Stop)
	bg := queue.New("background", 2)
	t.Cleanup(bg.Stop)

	fleet := &fakeFleet{instances: map[string]*containers.Instance{}}
	s := New(Config{TaskDeadline: time.Second, DispatchBackoffMin: 2 * time.Millisecond, DispatchMaxRetries: 2},
		fleet, g, fast, bg, nil, nil, testLogger())

	tasks := s.CreateTasksForPluginOnFiles("tagger", containers.QueueFast, []FileRef{{Path: "/watch/a.mkv"}}, false)
	handles := s.Enqueue(context.Background(), tasks)

	err := handles[0].Wait()
	assert.ErrorIs(t, err, merrors.ErrDispatchFailed)
}

func TestGateClosedBlocksDispatchUntilReopened(t *testing.T) {
	var called atomic.Bool
	s, _ := newHarness(t, func(w http.ResponseWriter, r *http.Request) {
		called.Store(true)
		w.WriteHeader(http.StatusAccepted)
	})
	s.gate.Set(false)

	tasks := s.CreateTasksForPluginOnFiles("tagger", containers.QueueFast, []FileRef{{Path: "/watch/a.mkv"}}, false)
	s.Enqueue(context.Background(), tasks)

	time.Sleep(50 * time.Millisecond)
	assert.False(t, called.Load(), "gate closed must block dispatch")

	s.gate.Set(true)
	require.Eventually(t, func() bool { return called.Load() }, time.Second, 5*time.Millisecond)
}

func TestSecondDispatchForSamePluginPathJoinsFirstWaiter(t *testing.T) {
	var calls atomic.Int64
	s, _ := newHarness(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusAccepted)
	})

	first := s.CreateTasksForPluginOnFiles("tagger", containers.QueueFast, []FileRef{{Path: "/watch/a.mkv"}}, false)
	second := s.CreateTasksForPluginOnFiles("tagger", containers.QueueFast, []FileRef{{Path: "/watch/a.mkv"}}, false)

	h1 := s.Enqueue(context.Background(), first)
	h2 := s.Enqueue(context.Background(), second)

	var id string
	require.Eventually(t, func() bool {
		running := s.GetRunningTasks()
		if len(running) != 1 {
			return false
		}
		id = running[0].TaskID
		return true
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, s.Resolve(id, map[string]any{"tag": "x"}, nil))
	require.NoError(t, h1[0].Wait())
	require.NoError(t, h2[0].Wait())
	assert.Equal(t, int64(1), calls.Load(), "deduplicated dispatch must POST /run exactly once")
}
