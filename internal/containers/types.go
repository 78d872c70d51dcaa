package containers

import (
	"strconv"
	"time"
)

// InstanceStatus is a plugin worker container's place in its state
// machine: starting -> healthy <-> unhealthy -> stopped.
type InstanceStatus string

const (
	StatusStarting  InstanceStatus = "starting"
	StatusHealthy   InstanceStatus = "healthy"
	StatusUnhealthy InstanceStatus = "unhealthy"
	StatusStopped   InstanceStatus = "stopped"
)

// QueueClass classifies a plugin as cheap (fast) or slow (background).
type QueueClass string

const (
	QueueFast       QueueClass = "fast"
	QueueBackground QueueClass = "background"
)

// Resources is the memory+CPU quota requested for each instance of a
// plugin.
type Resources struct {
	Memory string `json:"memory" yaml:"memory"` // e.g. "512Mi"
	CPU    string `json:"cpu" yaml:"cpu"`        // e.g. "500m"
}

// Mount is an extra bind/volume mount declared by a plugin descriptor,
// beyond the optional persistent cache mount every plugin gets.
type Mount struct {
	Source string `json:"source" yaml:"source"`
	Target string `json:"target" yaml:"target"`
	ReadOnly bool `json:"readOnly" yaml:"readOnly"`
}

// Manifest is the plugin-declared schema fetched from GET /manifest.
type Manifest struct {
	PluginID        string         `json:"pluginId"`
	Version         string         `json:"version"`
	Description     string         `json:"description"`
	DefaultQueue    string         `json:"defaultQueue,omitempty"`
	ConfigSchema    map[string]any `json:"configSchema,omitempty"`
	MetadataSchema  map[string]any `json:"metadataSchema,omitempty"`
	Dependencies    []string       `json:"dependencies,omitempty"`
}

// Descriptor is the persisted definition of one plugin.
type Descriptor struct {
	PluginID      string         `json:"pluginId"`
	Image         string         `json:"image"`
	InstanceCount int            `json:"instanceCount"`
	Resources     Resources      `json:"resources"`
	DefaultQueue  QueueClass     `json:"defaultQueue,omitempty"`
	Active        bool           `json:"active"`
	Manifest      *Manifest      `json:"manifest,omitempty"`
	Config        map[string]any `json:"config,omitempty"`
	ExtraMounts   []Mount        `json:"extraMounts,omitempty"`
	PersistCache  bool           `json:"persistCache"`

	// AvgExecMillis tracks observed average execution time, used to infer
	// queue class when DefaultQueue is unset. Updated by the scheduler.
	AvgExecMillis float64 `json:"avgExecMillis,omitempty"`
}

// EffectiveQueue returns the plugin's queue class: DefaultQueue if set,
// otherwise inferred from AvgExecMillis against a 1s threshold.
func (d Descriptor) EffectiveQueue(thresholdMillis float64) QueueClass {
	if d.DefaultQueue != "" {
		return d.DefaultQueue
	}
	if d.AvgExecMillis > thresholdMillis {
		return QueueBackground
	}
	return QueueFast
}

// Instance is one running (or starting, or stopped) container backing a
// plugin.
type Instance struct {
	PluginID      string
	ContainerID   string
	ContainerName string
	BaseURL       string
	InstanceIndex int

	Status          InstanceStatus
	LastHealthCheck time.Time
	TasksProcessed  int64
	TasksFailed     int64
}

// containerName returns the deterministic name for a plugin's Nth
// instance: meta-plugin-{pluginId}-{index}.
func containerName(pluginID string, index int) string {
	return "meta-plugin-" + pluginID + "-" + strconv.Itoa(index)
}
