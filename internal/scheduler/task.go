package scheduler

import (
	"time"

	"github.com/metacore/ingest-core/internal/containers"
)

// Task is the ephemeral, in-memory record of one "run plugin P on file F"
// dispatch, from creation to callback arrival or timeout.
type Task struct {
	TaskID         string
	PluginID       string
	FilePath       string
	HashID         string
	QueueClass     containers.QueueClass
	ForceRecompute bool
	StartTime      time.Time

	ChosenInstance *containers.Instance

	done     chan struct{}
	metadata map[string]any
	err      error
}

// Metadata returns the task's reported output. Only meaningful after the
// task has settled (its pool handle's Wait has returned).
func (t *Task) Metadata() map[string]any { return t.metadata }

// Snapshot is the read projection returned by GetRunningTasks.
type Snapshot struct {
	TaskID     string
	PluginID   string
	FilePath   string
	QueueClass containers.QueueClass
	StartTime  time.Time
}

// runPayload is the JSON body posted to a plugin instance's /run endpoint.
type runPayload struct {
	TaskID         string         `json:"taskId"`
	Path           string         `json:"path"`
	HashID         string         `json:"hashId,omitempty"`
	ForceRecompute bool           `json:"forceRecompute"`
	KVSnapshot     map[string]any `json:"kvSnapshot,omitempty"`
}

// CallbackPayload is the JSON body the callback router receives from a
// plugin worker.
type CallbackPayload struct {
	TaskID   string         `json:"taskId"`
	Status   string         `json:"status"`
	Metadata map[string]any `json:"metadata,omitempty"`
	Error    string         `json:"error,omitempty"`
}
