// Package config loads meta-core's configuration from a YAML file with
// environment-variable overrides, using viper the way the pipeline
// prototype this system is descended from does.
package config

import (
	"fmt"
	"runtime"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/metacore/ingest-core/internal/merrors"
)

// Config is the top-level static configuration for the meta-core process.
type Config struct {
	Node       NodeConfig       `mapstructure:"node"`
	Pipeline   PipelineConfig   `mapstructure:"pipeline"`
	Containers ContainersConfig `mapstructure:"containers"`
	Scheduler  SchedulerConfig  `mapstructure:"scheduler"`
	Events     EventsConfig     `mapstructure:"events"`
	KV         KVConfig         `mapstructure:"kv"`
	HTTP       HTTPConfig       `mapstructure:"http"`
	Log        LogConfig        `mapstructure:"log"`
}

// NodeConfig identifies this meta-core instance.
type NodeConfig struct {
	ID          string `mapstructure:"id"`
	MetaCoreURL string `mapstructure:"meta_core_url"`
	WebDAVURL   string `mapstructure:"webdav_url"`
}

// PipelineConfig configures the three-stage pipeline's pool sizes and
// validation allow-list.
type PipelineConfig struct {
	ValidationConcurrency int      `mapstructure:"validation_concurrency"`
	FastConcurrency       int      `mapstructure:"fast_concurrency"`
	BackgroundConcurrency int      `mapstructure:"background_concurrency"`
	AllowedExtensions     []string `mapstructure:"allowed_extensions"`
}

// ContainersConfig configures the Docker-backed plugin fleet.
type ContainersConfig struct {
	DockerHost       string        `mapstructure:"docker_host"`
	NetworkName      string        `mapstructure:"network_name"`
	DescriptorPath   string        `mapstructure:"descriptor_path"`
	HealthInterval   time.Duration `mapstructure:"health_interval"`
	HealthTimeout    time.Duration `mapstructure:"health_timeout"`
	InitTimeout      time.Duration `mapstructure:"init_timeout"`
	StopGracePeriod  time.Duration `mapstructure:"stop_grace_period"`
	CacheVolumeRoot  string        `mapstructure:"cache_volume_root"`
	CallbackURL      string        `mapstructure:"callback_url"`
}

// SchedulerConfig configures task dispatch.
type SchedulerConfig struct {
	TaskDeadline       time.Duration `mapstructure:"task_deadline"`
	DispatchBackoffMin time.Duration `mapstructure:"dispatch_backoff_min"`
	DispatchMaxRetries int           `mapstructure:"dispatch_max_retries"`
	FastClassThreshold time.Duration `mapstructure:"fast_class_threshold"`
}

// EventsConfig configures the upstream file-event stream consumer.
type EventsConfig struct {
	URL          string `mapstructure:"url"`
	Subject      string `mapstructure:"subject"`
	QueueGroup   string `mapstructure:"queue_group"`
}

// KVConfig configures the persistence adapter's backing store.
type KVConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// HTTPConfig configures the control/callback HTTP surface.
type HTTPConfig struct {
	ListenAddr string `mapstructure:"listen_addr"`
}

// LogConfig configures the structured logger.
type LogConfig struct {
	Level    string `mapstructure:"level"`
	JSON     bool   `mapstructure:"json"`
	FilePath string `mapstructure:"file_path"`
}

// Load reads configuration from path (if non-empty) and environment
// variables prefixed META_CORE_, applying defaults for anything unset.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("META_CORE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %q: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("node.meta_core_url", "http://meta-core:8090")
	v.SetDefault("pipeline.allowed_extensions", []string{
		".mp4", ".mkv", ".mov", ".avi", ".mp3", ".flac", ".wav", ".jpg", ".jpeg", ".png",
	})
	v.SetDefault("containers.docker_host", "unix:///var/run/docker.sock")
	v.SetDefault("containers.network_name", "meta-core")
	v.SetDefault("containers.descriptor_path", "/etc/meta-core/plugins.json")
	v.SetDefault("containers.health_interval", 30*time.Second)
	v.SetDefault("containers.health_timeout", 5*time.Second)
	v.SetDefault("containers.init_timeout", 30*time.Second)
	v.SetDefault("containers.stop_grace_period", 10*time.Second)
	v.SetDefault("containers.callback_url", "http://meta-core:8090/callback")
	v.SetDefault("scheduler.task_deadline", 30*time.Second)
	v.SetDefault("scheduler.dispatch_backoff_min", 200*time.Millisecond)
	v.SetDefault("scheduler.dispatch_max_retries", 5)
	v.SetDefault("scheduler.fast_class_threshold", time.Second)
	v.SetDefault("events.subject", "meta.files.events")
	v.SetDefault("events.queue_group", "meta-core-ingest")
	v.SetDefault("kv.addr", "localhost:6379")
	v.SetDefault("http.listen_addr", ":8090")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.json", true)
}

// Validate checks required fields and fills in computation-derived
// defaults (unset pool concurrencies default to 2×, 1× and ½× NumCPU,
// minimum 1, for the validation, fast and background pools).
func (c *Config) Validate() error {
	if c.Node.ID == "" {
		c.Node.ID = "meta-core-0"
	}
	if c.Pipeline.ValidationConcurrency <= 0 {
		c.Pipeline.ValidationConcurrency = 2 * runtime.NumCPU()
	}
	if c.Pipeline.FastConcurrency <= 0 {
		c.Pipeline.FastConcurrency = runtime.NumCPU()
	}
	if c.Pipeline.BackgroundConcurrency <= 0 {
		c.Pipeline.BackgroundConcurrency = max(1, runtime.NumCPU()/2)
	}
	if c.Containers.DescriptorPath == "" {
		return merrors.ErrMissingDescriptorPath
	}
	if c.KV.Addr == "" {
		return merrors.ErrMissingKVEndpoint
	}
	if c.Events.URL == "" {
		c.Events.URL = "nats://localhost:4222"
	}
	return nil
}
