// Command metacore is the pipeline-and-plugin-scheduler process: it
// watches for upstream file events, routes each file through the
// validation/fast/background pipeline, and dispatches plugin work to a
// Docker-backed fleet of worker containers.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/docker/docker/client"

	"github.com/metacore/ingest-core/internal/callback"
	"github.com/metacore/ingest-core/internal/config"
	"github.com/metacore/ingest-core/internal/containers"
	"github.com/metacore/ingest-core/internal/events"
	"github.com/metacore/ingest-core/internal/gate"
	"github.com/metacore/ingest-core/internal/kv"
	"github.com/metacore/ingest-core/internal/logging"
	"github.com/metacore/ingest-core/internal/pipeline"
	"github.com/metacore/ingest-core/internal/queue"
	"github.com/metacore/ingest-core/internal/registry"
	"github.com/metacore/ingest-core/internal/scheduler"
	"github.com/metacore/ingest-core/internal/supervisor"
)

func main() {
	configPath := flag.String("config", "", "path to meta-core YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "metacore: config:", err)
		os.Exit(1)
	}

	log := logging.New(logging.Config{
		Level:    cfg.Log.Level,
		JSON:     cfg.Log.JSON,
		FilePath: cfg.Log.FilePath,
	})
	slog.SetDefault(log)

	if err := run(cfg, log); err != nil {
		log.Error("metacore exited with error", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, log *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reg := registry.New(logging.Component(log, "registry"))
	g := gate.New()

	dockerCli, err := client.NewClientWithOpts(client.WithHost(cfg.Containers.DockerHost), client.WithAPIVersionNegotiation())
	if err != nil {
		return fmt.Errorf("metacore: docker client: %w", err)
	}
	containers.WireHealthProbe(&http.Client{Timeout: cfg.Containers.HealthTimeout})

	mgr := containers.New(containers.Config{
		DockerHost:          cfg.Containers.DockerHost,
		NetworkName:         cfg.Containers.NetworkName,
		DescriptorPath:      cfg.Containers.DescriptorPath,
		HealthCheckInterval: cfg.Containers.HealthInterval,
		HealthCheckTimeout:  cfg.Containers.HealthTimeout,
		StartTimeout:        cfg.Containers.InitTimeout,
		StopTimeout:         cfg.Containers.StopGracePeriod,
		CacheVolumePrefix:   cfg.Containers.CacheVolumeRoot,
		CallbackURL:         cfg.Containers.CallbackURL,
		MetaCoreURL:         cfg.Node.MetaCoreURL,
		WebDAVURL:           cfg.Node.WebDAVURL,
	}, dockerCli, logging.Component(log, "containers"))

	if err := mgr.Initialize(ctx); err != nil {
		return fmt.Errorf("metacore: container manager init: %w", err)
	}

	fastPool := queue.New("scheduler-fast", cfg.Pipeline.FastConcurrency)
	backgroundPool := queue.New("scheduler-background", cfg.Pipeline.BackgroundConcurrency)

	kvStore, err := kv.NewRedisStore(kv.Config{
		Addr:     cfg.KV.Addr,
		Password: cfg.KV.Password,
		DB:       cfg.KV.DB,
	})
	if err != nil {
		return fmt.Errorf("metacore: kv store: %w", err)
	}
	defer kvStore.Close()

	persister := kv.New(kvStore, func(path string) (string, bool) {
		rec, ok := reg.Get(path)
		if !ok || rec.HashID == "" {
			return "", false
		}
		return rec.HashID, true
	})

	sched := scheduler.New(scheduler.Config{
		TaskDeadline:       cfg.Scheduler.TaskDeadline,
		DispatchBackoffMin: cfg.Scheduler.DispatchBackoffMin,
		DispatchMaxRetries: cfg.Scheduler.DispatchMaxRetries,
	}, mgr, g, fastPool, backgroundPool, nil, persister, logging.Component(log, "scheduler"))

	pl := pipeline.New(pipeline.Config{
		ValidationConcurrency: cfg.Pipeline.ValidationConcurrency,
		FastConcurrency:       cfg.Pipeline.FastConcurrency,
		BackgroundConcurrency: cfg.Pipeline.BackgroundConcurrency,
		AllowedExtensions:     cfg.Pipeline.AllowedExtensions,
	}, reg, sched, persister, logging.Component(log, "pipeline"))

	sup := supervisor.New(reg, pl, mgr, sched, g, logging.Component(log, "supervisor"))

	consumer, err := events.New(events.Config{
		URL:        cfg.Events.URL,
		Subject:    cfg.Events.Subject,
		QueueGroup: cfg.Events.QueueGroup,
	}, pl, registryRemover{reg}, persister, logging.Component(log, "events"))
	if err != nil {
		return fmt.Errorf("metacore: event consumer: %w", err)
	}
	if err := consumer.Start(); err != nil {
		return fmt.Errorf("metacore: event consumer start: %w", err)
	}
	defer consumer.Stop()

	cbRouter := callback.New(sched, logging.Component(log, "callback"))
	router := newRouter(sup, cbRouter, logging.Component(log, "http"))
	srv := runHTTPServer(ctx, cfg.HTTP.ListenAddr, router, logging.Component(log, "http"))

	<-ctx.Done()
	log.Info("shutdown signal received, draining")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("http server shutdown error", "error", err)
	}
	if err := sup.Shutdown(shutdownCtx); err != nil {
		log.Warn("supervisor shutdown error", "error", err)
	}
	return nil
}

// registryRemover adapts *registry.Registry to events.Remover without
// exposing the rest of the registry's surface to the events package.
type registryRemover struct {
	reg *registry.Registry
}

func (r registryRemover) Remove(path string) { r.reg.Remove(path) }
