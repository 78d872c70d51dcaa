// Package containers implements the container lifecycle manager
// (component D): it spawns, health-checks, round-robin-selects, and
// restarts the plugin worker containers that back the task scheduler.
package containers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	dockermount "github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"

	"github.com/metacore/ingest-core/internal/merrors"
)

// pluginPort is the fixed HTTP port every plugin worker image must
// listen on inside its container.
const pluginPort = "8080/tcp"

// Config controls the manager's Docker wiring.
type Config struct {
	DockerHost          string
	NetworkName         string
	DescriptorPath      string
	HealthCheckInterval time.Duration
	HealthCheckTimeout  time.Duration
	StartTimeout        time.Duration
	StopTimeout         time.Duration
	CacheVolumePrefix   string

	// CallbackURL, MetaCoreURL and WebDAVURL are injected into every
	// plugin worker container's environment alongside PLUGIN_ID, per
	// spec.md §6.
	CallbackURL string
	MetaCoreURL string
	WebDAVURL   string
}

// plugin bundles one plugin's descriptor with its live instances and the
// round-robin cursor used to spread dispatch across them.
type plugin struct {
	mu        sync.RWMutex
	descriptor Descriptor
	instances  []*Instance
	cursor     atomic.Uint64
}

// Manager owns every plugin worker container and the descriptor document
// that survives restarts.
type Manager struct {
	cfg        Config
	docker     *client.Client
	httpClient *http.Client
	log        *slog.Logger

	mu      sync.RWMutex
	plugins map[string]*plugin

	// persistMu orders descriptor-document writes so an older snapshot
	// never overwrites a newer one.
	persistMu sync.Mutex

	stopHealth chan struct{}
	healthWG   sync.WaitGroup
}

// New wires a Manager to a Docker client. cli may be nil only in tests
// that never call a Docker-touching method.
func New(cfg Config, cli *client.Client, log *slog.Logger) *Manager {
	return &Manager{
		cfg:        cfg,
		docker:     cli,
		httpClient: &http.Client{},
		log:        log,
		plugins:    make(map[string]*plugin),
		stopHealth: make(chan struct{}),
	}
}

// Initialize ensures the shared network exists, loads the descriptor
// document, and spawns instances for every active plugin it describes.
func (m *Manager) Initialize(ctx context.Context) error {
	if err := m.ensureNetwork(ctx); err != nil {
		return err
	}

	descriptors, err := loadDescriptors(m.cfg.DescriptorPath)
	if err != nil {
		return err
	}

	m.mu.Lock()
	for id, d := range descriptors {
		m.plugins[id] = &plugin{descriptor: d}
	}
	m.mu.Unlock()

	for id, d := range descriptors {
		if !d.Active {
			continue
		}
		if err := m.spawnAll(ctx, id); err != nil {
			m.log.Error("spawn plugin instances failed", "plugin", id, "error", err)
		}
	}

	m.healthWG.Add(1)
	go m.healthLoop()

	return nil
}

// Shutdown stops the health-check loop and every running container.
func (m *Manager) Shutdown(ctx context.Context) error {
	close(m.stopHealth)
	m.healthWG.Wait()

	m.mu.RLock()
	ids := make([]string, 0, len(m.plugins))
	for id := range m.plugins {
		ids = append(ids, id)
	}
	m.mu.RUnlock()

	var firstErr error
	for _, id := range ids {
		if err := m.stopAllInstances(ctx, id); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// ensureNetwork creates the shared bridge network when absent.
func (m *Manager) ensureNetwork(ctx context.Context) error {
	networks, err := m.docker.NetworkList(ctx, types.NetworkListOptions{})
	if err != nil {
		return fmt.Errorf("list networks: %w", err)
	}
	for _, n := range networks {
		if n.Name == m.cfg.NetworkName {
			return nil
		}
	}

	m.log.Info("creating docker network", "network", m.cfg.NetworkName)
	_, err = m.docker.NetworkCreate(ctx, m.cfg.NetworkName, types.NetworkCreate{
		Driver: "bridge",
		Labels: map[string]string{
			"app":       "metacore",
			"component": "plugin-network",
		},
	})
	if err != nil {
		return fmt.Errorf("create network: %w", err)
	}
	return nil
}

// AddPlugin registers a new plugin descriptor, persists it, and — if
// active — spawns its instances.
func (m *Manager) AddPlugin(ctx context.Context, d Descriptor) error {
	if err := ValidatePluginID(d.PluginID); err != nil {
		return err
	}

	m.mu.Lock()
	if _, exists := m.plugins[d.PluginID]; exists {
		m.mu.Unlock()
		return merrors.ErrPluginExists
	}
	m.plugins[d.PluginID] = &plugin{descriptor: d}
	m.mu.Unlock()

	if err := m.persist(); err != nil {
		return err
	}

	if d.Active {
		return m.spawnAll(ctx, d.PluginID)
	}
	return nil
}

// RemovePlugin stops every instance of a plugin and drops its
// descriptor.
func (m *Manager) RemovePlugin(ctx context.Context, pluginID string) error {
	m.mu.Lock()
	_, exists := m.plugins[pluginID]
	if !exists {
		m.mu.Unlock()
		return merrors.ErrPluginNotFound
	}
	delete(m.plugins, pluginID)
	m.mu.Unlock()

	if err := m.stopAllInstances(ctx, pluginID); err != nil {
		m.log.Warn("stop instances during plugin removal failed", "plugin", pluginID, "error", err)
	}
	return m.persist()
}

// UpdatePluginConfig replaces a plugin's config map and persists it.
// Running instances are left untouched — they pick up the new config on
// their next restart.
func (m *Manager) UpdatePluginConfig(pluginID string, cfg map[string]any) error {
	p, err := m.lookupPlugin(pluginID)
	if err != nil {
		return err
	}
	p.mu.Lock()
	p.descriptor.Config = cfg
	p.mu.Unlock()
	return m.persist()
}

// SetActive toggles a plugin's active flag, spawning or stopping
// instances to match. Deactivating stops and removes the plugin's
// containers, each with the configured stop grace period; tasks already
// dispatched to them are not cancelled by the scheduler and settle by
// callback or by their deadline. New dispatch is blocked because the
// scheduler skips descriptors whose Active flag is false.
func (m *Manager) SetActive(ctx context.Context, pluginID string, active bool) error {
	p, err := m.lookupPlugin(pluginID)
	if err != nil {
		return err
	}

	p.mu.Lock()
	wasActive := p.descriptor.Active
	p.descriptor.Active = active
	p.mu.Unlock()

	if err := m.persist(); err != nil {
		return err
	}

	if active && !wasActive {
		return m.spawnAll(ctx, pluginID)
	}
	if !active && wasActive {
		return m.stopAllInstances(ctx, pluginID)
	}
	return nil
}

// RestartPlugin stops and respawns every instance of one plugin.
func (m *Manager) RestartPlugin(ctx context.Context, pluginID string) error {
	if _, err := m.lookupPlugin(pluginID); err != nil {
		return err
	}
	if err := m.stopAllInstances(ctx, pluginID); err != nil {
		return err
	}
	return m.spawnAll(ctx, pluginID)
}

// RestartAll restarts every active plugin.
func (m *Manager) RestartAll(ctx context.Context) error {
	m.mu.RLock()
	ids := make([]string, 0, len(m.plugins))
	for id, p := range m.plugins {
		p.mu.RLock()
		if p.descriptor.Active {
			ids = append(ids, id)
		}
		p.mu.RUnlock()
	}
	m.mu.RUnlock()

	var firstErr error
	for _, id := range ids {
		if err := m.RestartPlugin(ctx, id); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Descriptor returns a copy of a plugin's current descriptor.
func (m *Manager) Descriptor(pluginID string) (Descriptor, error) {
	p, err := m.lookupPlugin(pluginID)
	if err != nil {
		return Descriptor{}, err
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.descriptor, nil
}

// ListPlugins returns a snapshot of every registered descriptor.
func (m *Manager) ListPlugins() []Descriptor {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Descriptor, 0, len(m.plugins))
	for _, p := range m.plugins {
		p.mu.RLock()
		out = append(out, p.descriptor)
		p.mu.RUnlock()
	}
	return out
}

// SelectHealthy returns the next healthy instance of pluginID using a
// round-robin cursor, skipping unhealthy instances. It returns
// merrors.ErrNoHealthyInstance when none qualify.
func (m *Manager) SelectHealthy(pluginID string) (*Instance, error) {
	p, err := m.lookupPlugin(pluginID)
	if err != nil {
		return nil, err
	}

	p.mu.RLock()
	defer p.mu.RUnlock()

	n := len(p.instances)
	if n == 0 {
		return nil, merrors.ErrNoHealthyInstance
	}

	start := p.cursor.Add(1)
	for i := 0; i < n; i++ {
		idx := int((start + uint64(i)) % uint64(n))
		inst := p.instances[idx]
		if inst.Status == StatusHealthy {
			return inst, nil
		}
	}
	return nil, merrors.ErrNoHealthyInstance
}

func (m *Manager) lookupPlugin(pluginID string) (*plugin, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.plugins[pluginID]
	if !ok {
		return nil, merrors.ErrPluginNotFound
	}
	return p, nil
}

func (m *Manager) persist() error {
	m.persistMu.Lock()
	defer m.persistMu.Unlock()

	m.mu.RLock()
	descriptors := make(map[string]Descriptor, len(m.plugins))
	for id, p := range m.plugins {
		p.mu.RLock()
		descriptors[id] = p.descriptor
		p.mu.RUnlock()
	}
	m.mu.RUnlock()
	return saveDescriptors(m.cfg.DescriptorPath, descriptors)
}

// spawnAll creates and starts InstanceCount containers for a plugin.
func (m *Manager) spawnAll(ctx context.Context, pluginID string) error {
	p, err := m.lookupPlugin(pluginID)
	if err != nil {
		return err
	}
	p.mu.RLock()
	d := p.descriptor
	p.mu.RUnlock()

	for i := 0; i < d.InstanceCount; i++ {
		inst, err := m.spawnInstance(ctx, d, i)
		if err != nil {
			return err
		}
		p.mu.Lock()
		p.instances = append(p.instances, inst)
		p.mu.Unlock()

		if i == 0 {
			m.initializePlugin(ctx, p, inst)
		}
	}
	return nil
}

// initializePlugin waits for a plugin's first instance to report healthy,
// then fetches its manifest and pushes its config, per spec.md §4.D.
// Failures here are logged, not fatal: the instance still serves dispatch
// once the health-check loop marks it healthy.
func (m *Manager) initializePlugin(ctx context.Context, p *plugin, inst *Instance) {
	healthCtx, cancel := context.WithTimeout(ctx, m.cfg.StartTimeout)
	defer cancel()
	if !m.waitHealthy(healthCtx, inst.BaseURL) {
		m.log.Warn("plugin did not report healthy before manifest fetch", "plugin", inst.PluginID)
		return
	}

	manifest, err := m.fetchManifest(ctx, inst.BaseURL)
	if err != nil {
		m.log.Warn("manifest fetch failed", "plugin", inst.PluginID, "error", err)
		return
	}

	p.mu.Lock()
	p.descriptor.Manifest = &manifest
	cfgToPush := p.descriptor.Config
	p.mu.Unlock()

	if err := m.pushConfig(ctx, inst.BaseURL, cfgToPush); err != nil {
		m.log.Warn("config push failed", "plugin", inst.PluginID, "error", err)
	}
	if err := m.persist(); err != nil {
		m.log.Warn("persist after manifest fetch failed", "plugin", inst.PluginID, "error", err)
	}
}

// waitHealthy polls an instance's health endpoint until it reports
// healthy or ctx is done.
func (m *Manager) waitHealthy(ctx context.Context, baseURL string) bool {
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for {
		if m.probeHealth(ctx, baseURL) {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
		}
	}
}

func (m *Manager) fetchManifest(ctx context.Context, baseURL string) (Manifest, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/manifest", nil)
	if err != nil {
		return Manifest{}, fmt.Errorf("containers: build manifest request: %w", err)
	}
	resp, err := m.httpClient.Do(req)
	if err != nil {
		return Manifest{}, fmt.Errorf("containers: fetch manifest: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Manifest{}, fmt.Errorf("containers: manifest endpoint returned status %d", resp.StatusCode)
	}

	var manifest Manifest
	if err := json.NewDecoder(resp.Body).Decode(&manifest); err != nil {
		return Manifest{}, fmt.Errorf("containers: decode manifest: %w", err)
	}
	return manifest, nil
}

func (m *Manager) pushConfig(ctx context.Context, baseURL string, cfg map[string]any) error {
	body, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("containers: marshal config: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/configure", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("containers: build configure request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("containers: push config: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("containers: configure endpoint returned status %d", resp.StatusCode)
	}
	return nil
}

// spawnInstance creates, starts, and waits for one container to reach
// the running state.
func (m *Manager) spawnInstance(ctx context.Context, d Descriptor, index int) (*Instance, error) {
	name := containerName(d.PluginID, index)

	mounts := make([]dockermount.Mount, 0, len(d.ExtraMounts)+1)
	if d.PersistCache {
		mounts = append(mounts, dockermount.Mount{
			Type:   dockermount.TypeVolume,
			Source: m.cfg.CacheVolumePrefix + "-" + name,
			Target: "/var/cache/plugin",
		})
	}
	for _, em := range d.ExtraMounts {
		mounts = append(mounts, dockermount.Mount{
			Type:     dockermount.TypeBind,
			Source:   em.Source,
			Target:   em.Target,
			ReadOnly: em.ReadOnly,
		})
	}

	exposedPorts := nat.PortSet{nat.Port(pluginPort): struct{}{}}
	portBindings := nat.PortMap{
		nat.Port(pluginPort): []nat.PortBinding{{HostIP: "0.0.0.0"}},
	}

	cfg := &container.Config{
		Image:        d.Image,
		ExposedPorts: exposedPorts,
		Env: []string{
			"PLUGIN_ID=" + d.PluginID,
			"CALLBACK_URL=" + m.cfg.CallbackURL,
			"META_CORE_URL=" + m.cfg.MetaCoreURL,
			"WEBDAV_URL=" + m.cfg.WebDAVURL,
			"FILES_PATH=/files",
		},
		Labels: map[string]string{
			"app":       "metacore",
			"component": "plugin-worker",
			"plugin":    d.PluginID,
		},
	}

	hostCfg := &container.HostConfig{
		PortBindings: portBindings,
		Mounts:       mounts,
		RestartPolicy: container.RestartPolicy{
			Name: "unless-stopped",
		},
	}
	if d.Resources.Memory != "" {
		hostCfg.Resources.Memory = parseMemory(d.Resources.Memory)
	}
	if d.Resources.CPU != "" {
		hostCfg.Resources.NanoCPUs = parseCPU(d.Resources.CPU)
	}

	netCfg := &network.NetworkingConfig{
		EndpointsConfig: map[string]*network.EndpointSettings{
			m.cfg.NetworkName: {},
		},
	}

	m.log.Info("creating plugin container", "plugin", d.PluginID, "container", name, "image", d.Image)
	resp, err := m.docker.ContainerCreate(ctx, cfg, hostCfg, netCfg, nil, name)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", merrors.ErrContainerCreate, err)
	}

	if err := m.docker.ContainerStart(ctx, resp.ID, types.ContainerStartOptions{}); err != nil {
		return nil, fmt.Errorf("%w: %w", merrors.ErrContainerStart, err)
	}

	startCtx, cancel := context.WithTimeout(ctx, m.cfg.StartTimeout)
	defer cancel()
	baseURL, err := m.waitForRunning(startCtx, resp.ID)
	if err != nil {
		return nil, err
	}

	return &Instance{
		PluginID:      d.PluginID,
		ContainerID:   resp.ID,
		ContainerName: name,
		BaseURL:       baseURL,
		InstanceIndex: index,
		Status:        StatusStarting,
	}, nil
}

// waitForRunning polls until the container reaches the running state and
// returns its reachable base URL on the shared network.
func (m *Manager) waitForRunning(ctx context.Context, containerID string) (string, error) {
	for {
		inspect, err := m.docker.ContainerInspect(ctx, containerID)
		if err != nil {
			return "", fmt.Errorf("inspect container: %w", err)
		}

		if inspect.State.Running {
			ip := ""
			if settings, ok := inspect.NetworkSettings.Networks[m.cfg.NetworkName]; ok {
				ip = settings.IPAddress
			}
			return "http://" + ip + ":8080", nil
		}
		if inspect.State.Status == "exited" || inspect.State.Status == "dead" {
			return "", fmt.Errorf("%w: container exited during startup (status %s)", merrors.ErrContainerStart, inspect.State.Status)
		}

		select {
		case <-ctx.Done():
			return "", fmt.Errorf("%w: timed out waiting for container to run", merrors.ErrContainerStart)
		case <-time.After(200 * time.Millisecond):
		}
	}
}

// stopAllInstances stops and removes every container backing a plugin.
func (m *Manager) stopAllInstances(ctx context.Context, pluginID string) error {
	p, err := m.lookupPlugin(pluginID)
	if err != nil {
		return err
	}

	p.mu.Lock()
	instances := p.instances
	p.instances = nil
	p.mu.Unlock()

	var firstErr error
	for _, inst := range instances {
		if err := m.stopInstance(ctx, inst); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (m *Manager) stopInstance(ctx context.Context, inst *Instance) error {
	stopCtx, cancel := context.WithTimeout(ctx, m.cfg.StopTimeout)
	defer cancel()

	timeoutSecs := int(m.cfg.StopTimeout.Seconds())
	if err := m.docker.ContainerStop(stopCtx, inst.ContainerID, container.StopOptions{Timeout: &timeoutSecs}); err != nil {
		m.log.Warn("container stop failed", "container", inst.ContainerName, "error", err)
	}
	if err := m.docker.ContainerRemove(ctx, inst.ContainerID, types.ContainerRemoveOptions{Force: true}); err != nil {
		return fmt.Errorf("%w: %w", merrors.ErrContainerStop, err)
	}
	return nil
}

// healthLoop polls every instance of every plugin on a fixed interval
// until Shutdown closes stopHealth.
func (m *Manager) healthLoop() {
	defer m.healthWG.Done()

	ticker := time.NewTicker(m.cfg.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopHealth:
			return
		case <-ticker.C:
			m.checkAll()
		}
	}
}

func (m *Manager) checkAll() {
	m.mu.RLock()
	plugins := make([]*plugin, 0, len(m.plugins))
	for _, p := range m.plugins {
		plugins = append(plugins, p)
	}
	m.mu.RUnlock()

	for _, p := range plugins {
		p.mu.RLock()
		instances := p.instances
		p.mu.RUnlock()

		for _, inst := range instances {
			m.checkInstance(inst)
		}
	}
}

func (m *Manager) checkInstance(inst *Instance) {
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.HealthCheckTimeout)
	defer cancel()

	ok := m.probeHealth(ctx, inst.BaseURL)
	prev := inst.Status
	if ok {
		inst.Status = StatusHealthy
	} else {
		inst.Status = StatusUnhealthy
	}
	inst.LastHealthCheck = time.Now()

	if prev != inst.Status {
		m.log.Info("instance health changed", "container", inst.ContainerName, "from", prev, "to", inst.Status)
	}
}

// httpHealthProbe is the check probeHealth runs. Until cmd/metacore
// installs the HTTP GET against baseURL+"/health" via WireHealthProbe, it
// reports every instance unhealthy.
var httpHealthProbe = func(ctx context.Context, baseURL string) bool { return false }

func (m *Manager) probeHealth(ctx context.Context, baseURL string) bool {
	return httpHealthProbe(ctx, baseURL)
}

// parseMemory converts a "512Mi"/"2Gi"/"500M" style quantity to bytes.
func parseMemory(s string) int64 {
	s = strings.TrimSpace(s)
	switch {
	case strings.HasSuffix(s, "Gi"):
		if v, err := strconv.ParseFloat(strings.TrimSuffix(s, "Gi"), 64); err == nil {
			return int64(v * 1024 * 1024 * 1024)
		}
	case strings.HasSuffix(s, "Mi"):
		if v, err := strconv.ParseFloat(strings.TrimSuffix(s, "Mi"), 64); err == nil {
			return int64(v * 1024 * 1024)
		}
	case strings.HasSuffix(s, "G"):
		if v, err := strconv.ParseFloat(strings.TrimSuffix(s, "G"), 64); err == nil {
			return int64(v * 1_000_000_000)
		}
	case strings.HasSuffix(s, "M"):
		if v, err := strconv.ParseFloat(strings.TrimSuffix(s, "M"), 64); err == nil {
			return int64(v * 1_000_000)
		}
	}
	return 0
}

// parseCPU converts a "500m"/"2" style quantity to nano-CPUs.
func parseCPU(s string) int64 {
	s = strings.TrimSpace(s)
	if strings.HasSuffix(s, "m") {
		if v, err := strconv.ParseFloat(strings.TrimSuffix(s, "m"), 64); err == nil {
			return int64(v * 1_000_000)
		}
		return 0
	}
	if v, err := strconv.ParseFloat(s, 64); err == nil {
		return int64(v * 1_000_000_000)
	}
	return 0
}
