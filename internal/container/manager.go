// Package container implements the Process Supervisor (§4.3) on top of
// Docker: each agent process is realized as a container, spawn/signal/
// waitExit/output map onto container create/start, stop/kill, wait, and
// log streaming.
package container

import (
	"archive/tar"
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"sync"
	"time"

	dockercontainer "github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/fenwick-ops/conductor/internal/config"
	"github.com/fenwick-ops/conductor/internal/eventbus"
)

const labelPrefix = "conductor"

// SignalKind names the two stop signals the graceful-stop protocol uses.
type SignalKind string

const (
	SignalSoftTerminate SignalKind = "soft-terminate"
	SignalHardKill      SignalKind = "hard-kill"
)

// ProcessSpec describes an agent process to spawn (§4.3).
type ProcessSpec struct {
	AgentID    string
	AgentType  string
	AgentName  string
	Image      string
	WorkingDir string
	LogDir     string
	Env        map[string]string
	Mounts     []Mount
	NATSUrl    string
	ConfigJSON string // one-time-read --config document
}

// Handle is the opaque reference returned by Spawn.
type Handle struct {
	ContainerID string
	AgentID     string
	StartedAt   time.Time
}

type running struct {
	handle Handle
	name   string
}

// Manager is the Docker-backed Process Supervisor.
type Manager struct {
	docker *client.Client
	bus    *eventbus.Bus
	cfg    config.SupervisorConfig

	mu          sync.RWMutex
	active      map[string]*running // agentID → running process
	networkName string

	buildMu     sync.Mutex
	builtImages map[string]bool // image tag → build already completed
}

func NewManager(bus *eventbus.Bus, cfg config.SupervisorConfig) (*Manager, error) {
	docker, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}

	return &Manager{
		docker:      docker,
		bus:         bus,
		cfg:         cfg,
		active:      make(map[string]*running),
		builtImages: make(map[string]bool),
	}, nil
}

func (m *Manager) ensureNetwork(ctx context.Context) error {
	if m.networkName != "" {
		return nil
	}

	name := m.cfg.Network
	if name == "" {
		name = "conductor-net"
	}

	if _, err := m.docker.NetworkInspect(ctx, name, network.InspectOptions{}); err == nil {
		m.networkName = name
		return nil
	}

	if _, err := m.docker.NetworkCreate(ctx, name, network.CreateOptions{Driver: "bridge"}); err != nil {
		return fmt.Errorf("create network %s: %w", name, err)
	}
	m.networkName = name
	slog.Info("created docker network", "network", name)
	return nil
}

// Spawn starts an agent process (§4.3).
func (m *Manager) Spawn(ctx context.Context, spec ProcessSpec) (Handle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if r, ok := m.active[spec.AgentID]; ok {
		return r.handle, nil
	}

	if err := m.ensureNetwork(ctx); err != nil {
		return Handle{}, err
	}

	containerName := fmt.Sprintf("conductor-agent-%s", spec.AgentID)

	timeout := 5
	_ = m.docker.ContainerStop(ctx, containerName, dockercontainer.StopOptions{Timeout: &timeout})
	_ = m.docker.ContainerRemove(ctx, containerName, dockercontainer.RemoveOptions{Force: true})

	env := []string{
		fmt.Sprintf("AGENT_ID=%s", spec.AgentID),
		fmt.Sprintf("AGENT_TYPE=%s", spec.AgentType),
		fmt.Sprintf("AGENT_NAME=%s", spec.AgentName),
		fmt.Sprintf("WORKING_DIR=%s", spec.WorkingDir),
		fmt.Sprintf("LOG_DIR=%s", spec.LogDir),
		fmt.Sprintf("NATS_URL=%s", spec.NATSUrl),
	}
	if m.cfg.AnthropicAPIKey != "" {
		env = append(env, fmt.Sprintf("ANTHROPIC_API_KEY=%s", m.cfg.AnthropicAPIKey))
	}
	if m.cfg.OAuthToken != "" {
		env = append(env, fmt.Sprintf("CLAUDE_CODE_OAUTH_TOKEN=%s", m.cfg.OAuthToken))
	}
	if tz := os.Getenv("TZ"); tz != "" {
		env = append(env, fmt.Sprintf("TZ=%s", tz))
	}
	for k, v := range spec.Env {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}

	image := spec.Image
	if image == "" {
		image = m.cfg.Image
	}

	var cmd []string
	if spec.ConfigJSON != "" {
		cmd = []string{"--config", spec.ConfigJSON}
	}

	containerCfg := &dockercontainer.Config{
		Image:  image,
		Env:    env,
		Cmd:    cmd,
		Labels: map[string]string{labelPrefix + ".managed": "true", labelPrefix + ".agent": spec.AgentID},
	}

	hostCfg := &dockercontainer.HostConfig{
		Binds:       buildBinds(spec),
		NetworkMode: dockercontainer.NetworkMode(m.networkName),
	}

	resp, err := m.docker.ContainerCreate(ctx, containerCfg, hostCfg, &network.NetworkingConfig{}, nil, containerName)
	if err != nil {
		return Handle{}, fmt.Errorf("create container: %w", err)
	}

	if err := m.docker.ContainerStart(ctx, resp.ID, dockercontainer.StartOptions{}); err != nil {
		return Handle{}, fmt.Errorf("start container: %w", err)
	}

	h := Handle{ContainerID: resp.ID, AgentID: spec.AgentID, StartedAt: time.Now()}
	m.active[spec.AgentID] = &running{handle: h, name: containerName}

	go m.watchExit(spec.AgentID, resp.ID)

	slog.Info("agent process spawned", "agent", spec.AgentID, "container", shortID(resp.ID))
	return h, nil
}

func (m *Manager) watchExit(agentID, containerID string) {
	statusCh, errCh := m.docker.ContainerWait(context.Background(), containerID, dockercontainer.WaitConditionNotRunning)
	select {
	case status := <-statusCh:
		m.mu.Lock()
		delete(m.active, agentID)
		m.mu.Unlock()
		m.bus.Publish("process:exit", map[string]interface{}{"agentId": agentID, "exitCode": int(status.StatusCode)})
		if status.StatusCode != 0 {
			m.bus.Publish("agent:error", map[string]interface{}{"agentId": agentID, "kind": "process_exit", "exitCode": int(status.StatusCode)})
		}
	case err := <-errCh:
		m.mu.Lock()
		delete(m.active, agentID)
		m.mu.Unlock()
		slog.Warn("error waiting on container exit", "agent", agentID, "err", err)
		m.bus.Publish("agent:error", map[string]interface{}{"agentId": agentID, "kind": "process_exit", "error": err.Error()})
	}
}

// Signal sends a soft-terminate or hard-kill to the running process.
func (m *Manager) Signal(ctx context.Context, h Handle, kind SignalKind) error {
	switch kind {
	case SignalSoftTerminate:
		return m.docker.ContainerKill(ctx, h.ContainerID, "SIGTERM")
	case SignalHardKill:
		return m.docker.ContainerKill(ctx, h.ContainerID, "SIGKILL")
	default:
		return fmt.Errorf("unknown signal kind %q", kind)
	}
}

// WaitExit blocks until the process exits, ctx is cancelled, or timeout
// elapses — whichever comes first.
func (m *Manager) WaitExit(ctx context.Context, h Handle, timeout time.Duration) (int, error) {
	waitCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	statusCh, errCh := m.docker.ContainerWait(waitCtx, h.ContainerID, dockercontainer.WaitConditionNotRunning)
	select {
	case status := <-statusCh:
		return int(status.StatusCode), nil
	case err := <-errCh:
		return -1, err
	case <-waitCtx.Done():
		return -1, waitCtx.Err()
	}
}

// Output streams the process's combined stdout/stderr log.
func (m *Manager) Output(ctx context.Context, h Handle) (io.ReadCloser, error) {
	return m.docker.ContainerLogs(ctx, h.ContainerID, dockercontainer.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     true,
	})
}

// Stop implements the graceful-stop protocol: soft-terminate, then
// hard-kill if the process hasn't exited after timeout; always reap.
func (m *Manager) Stop(ctx context.Context, agentID string, timeout time.Duration) error {
	m.mu.RLock()
	r, ok := m.active[agentID]
	m.mu.RUnlock()
	if !ok {
		return nil
	}

	if err := m.Signal(ctx, r.handle, SignalSoftTerminate); err != nil {
		slog.Warn("soft-terminate failed", "agent", agentID, "err", err)
	}

	if _, err := m.WaitExit(ctx, r.handle, timeout); err != nil {
		slog.Warn("process did not exit within timeout, hard-killing", "agent", agentID)
		_ = m.Signal(ctx, r.handle, SignalHardKill)
		_, _ = m.WaitExit(ctx, r.handle, 5*time.Second)
	}

	if err := m.docker.ContainerRemove(ctx, r.handle.ContainerID, dockercontainer.RemoveOptions{Force: true}); err != nil {
		slog.Warn("failed to remove container", "container", shortID(r.handle.ContainerID), "err", err)
	}

	m.mu.Lock()
	delete(m.active, agentID)
	m.mu.Unlock()

	slog.Info("agent process stopped", "agent", agentID)
	return nil
}

func (m *Manager) StopAll(ctx context.Context, timeout time.Duration) {
	m.mu.RLock()
	ids := make([]string, 0, len(m.active))
	for id := range m.active {
		ids = append(ids, id)
	}
	m.mu.RUnlock()

	for _, id := range ids {
		_ = m.Stop(ctx, id, timeout)
	}
}

func (m *Manager) Handle(agentID string) (Handle, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.active[agentID]
	if !ok {
		return Handle{}, false
	}
	return r.handle, true
}

func (m *Manager) ActiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.active)
}

// CleanupStale removes containers this supervisor manages but has no
// in-memory record of, e.g. after an ungraceful restart.
func (m *Manager) CleanupStale(ctx context.Context) error {
	filterArgs := filters.NewArgs()
	filterArgs.Add("label", labelPrefix+".managed=true")

	containers, err := m.docker.ContainerList(ctx, dockercontainer.ListOptions{All: true, Filters: filterArgs})
	if err != nil {
		return fmt.Errorf("list containers: %w", err)
	}

	m.mu.RLock()
	activeIDs := make(map[string]bool)
	for _, r := range m.active {
		activeIDs[r.handle.ContainerID] = true
	}
	m.mu.RUnlock()

	for _, c := range containers {
		if !activeIDs[c.ID] {
			slog.Info("cleaning up stale container", "container", shortID(c.ID))
			_ = m.docker.ContainerRemove(ctx, c.ID, dockercontainer.RemoveOptions{Force: true})
		}
	}
	return nil
}

// BuildImage builds buildContext into imageTag if it hasn't already been
// built by this Manager, so a template with a BuildContext only pays the
// docker build cost once no matter how many agents or pool members start
// from it.
func (m *Manager) BuildImage(ctx context.Context, buildContext, imageTag string) error {
	m.buildMu.Lock()
	defer m.buildMu.Unlock()

	if m.builtImages[imageTag] {
		return nil
	}
	if err := buildAgentImage(ctx, m.docker, buildContext, imageTag); err != nil {
		return err
	}
	m.builtImages[imageTag] = true
	return nil
}

// ReadVolumeFile reads a file from a Docker named volume by creating a
// temporary container, copying the file out, and removing the container.
// Used to inspect an agent's persisted workspace without disturbing it.
func (m *Manager) ReadVolumeFile(ctx context.Context, workspace, filePath, image string) (string, error) {
	volName := fmt.Sprintf("conductor-wk-%s", sanitizeVolumeName(workspace))
	containerName := fmt.Sprintf("conductor-vol-tmp-%s-%d", sanitizeVolumeName(workspace), time.Now().UnixNano())

	resp, err := m.docker.ContainerCreate(ctx,
		&dockercontainer.Config{Image: image, Entrypoint: []string{"true"}},
		&dockercontainer.HostConfig{Binds: []string{volName + ":/vol"}},
		nil, nil, containerName,
	)
	if err != nil {
		return "", fmt.Errorf("create temp container: %w", err)
	}
	defer func() {
		_ = m.docker.ContainerRemove(ctx, resp.ID, dockercontainer.RemoveOptions{Force: true})
	}()

	srcPath := path.Join("/vol", filePath)
	reader, _, err := m.docker.CopyFromContainer(ctx, resp.ID, srcPath)
	if err != nil {
		return "", fmt.Errorf("copy from volume: %w", err)
	}
	defer reader.Close()

	tr := tar.NewReader(reader)
	if _, err := tr.Next(); err != nil {
		return "", fmt.Errorf("read tar: %w", err)
	}
	data, err := io.ReadAll(tr)
	if err != nil {
		return "", fmt.Errorf("read file: %w", err)
	}
	return string(data), nil
}

// WriteVolumeFile writes a file into a Docker named volume by creating a
// temporary container, copying the file in, and removing the container.
func (m *Manager) WriteVolumeFile(ctx context.Context, workspace, filePath, content, image string) error {
	volName := fmt.Sprintf("conductor-wk-%s", sanitizeVolumeName(workspace))
	containerName := fmt.Sprintf("conductor-vol-tmp-%s-%d", sanitizeVolumeName(workspace), time.Now().UnixNano())

	resp, err := m.docker.ContainerCreate(ctx,
		&dockercontainer.Config{Image: image, Entrypoint: []string{"true"}},
		&dockercontainer.HostConfig{Binds: []string{volName + ":/vol"}},
		nil, nil, containerName,
	)
	if err != nil {
		return fmt.Errorf("create temp container: %w", err)
	}
	defer func() {
		_ = m.docker.ContainerRemove(ctx, resp.ID, dockercontainer.RemoveOptions{Force: true})
	}()

	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	if err := tw.WriteHeader(&tar.Header{
		Name: path.Base(filePath),
		Mode: 0o644,
		Size: int64(len(content)),
	}); err != nil {
		return fmt.Errorf("write tar header: %w", err)
	}
	if _, err := tw.Write([]byte(content)); err != nil {
		return fmt.Errorf("write tar body: %w", err)
	}
	if err := tw.Close(); err != nil {
		return fmt.Errorf("close tar: %w", err)
	}

	dstDir := path.Join("/vol", path.Dir(filePath))
	if err := m.docker.CopyToContainer(ctx, resp.ID, dstDir, &buf, dockercontainer.CopyToContainerOptions{}); err != nil {
		return fmt.Errorf("copy to volume: %w", err)
	}
	return nil
}

func buildBinds(spec ProcessSpec) []string {
	var binds []string
	if spec.WorkingDir != "" {
		binds = append(binds, fmt.Sprintf("%s:/workspace/agent", spec.WorkingDir))
	}
	if spec.LogDir != "" {
		binds = append(binds, fmt.Sprintf("%s:/workspace/logs", spec.LogDir))
	}
	for _, mnt := range spec.Mounts {
		bind := fmt.Sprintf("%s:%s", mnt.Source, mnt.Target)
		if mnt.ReadOnly {
			bind += ":ro"
		}
		binds = append(binds, bind)
	}
	return binds
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
