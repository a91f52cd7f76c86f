package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	imagetypes "github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-units"

	"github.com/jkaninda/termbox/internal/domain"
)

const (
	defaultDockerImage      = "python:3.12-slim"
	defaultDockerShell      = "/bin/bash"
	defaultDockerMountPoint = "/workspace"
	defaultDockerPIDsLimit  = 256
	defaultDockerCPUCores   = 1.0
	dockerRemoveTimeout     = 10 * time.Second
	dockerKillMargin        = time.Second

	dockerBackendName = "docker"

	labelManaged   = "termbox.managed"
	labelUserID    = "termbox.user-id"
	labelProjectID = "termbox.project-id"
)

// DockerConfig configures the Docker backend.
type DockerConfig struct {
	Host           string        // Daemon address. Empty = DOCKER_HOST or the default socket.
	Image          string        // Session image.
	Shell          string        // Shell used for the container and for every command.
	MountPoint     string        // Container path the project directory is bound to.
	Timeout        time.Duration // Wall-clock timeout per command.
	Memory         string        // Hard memory limit, e.g. "512m". Empty = unlimited.
	CPUCores       float64       // CPU rate limit (0.5 = half a core).
	PIDsLimit      int64         // Fork bomb protection.
	NetworkAllowed bool          // false = network mode "none".
	PullMissing    bool          // Pull the image when it is not present locally.
	StopWait       time.Duration // SIGTERM grace before the daemon kills the container. 0 = kill at once.
}

// DockerBackend keeps one long-lived container per session and runs each
// command through exec.
//
//   - The project directory is bind-mounted at MountPoint, which is also the working dir
//   - Capabilities dropped except file ownership ones, no-new-privileges set
//   - Network disabled by default
//   - Memory, CPU and PIDs limits applied
//   - Containers are labelled so a restarted process can remove orphans
type DockerBackend struct {
	cli         *client.Client
	config      DockerConfig
	memoryBytes int64
	logger      *slog.Logger
}

// NewDockerBackend connects to the Docker daemon. The connection is lazy;
// use Ping to verify reachability.
func NewDockerBackend(cfg DockerConfig, logger *slog.Logger) (*DockerBackend, error) {
	if cfg.Image == "" {
		cfg.Image = defaultDockerImage
	}
	if cfg.Shell == "" {
		cfg.Shell = defaultDockerShell
	}
	if cfg.MountPoint == "" {
		cfg.MountPoint = defaultDockerMountPoint
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.CPUCores <= 0 {
		cfg.CPUCores = defaultDockerCPUCores
	}
	if cfg.PIDsLimit <= 0 {
		cfg.PIDsLimit = defaultDockerPIDsLimit
	}
	if cfg.StopWait < 0 {
		cfg.StopWait = 0
	}

	memoryBytes, err := ParseMemory(cfg.Memory)
	if err != nil {
		return nil, err
	}

	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if cfg.Host != "" {
		opts = append(opts, client.WithHost(cfg.Host))
	}
	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("creating docker client: %w", err)
	}

	return &DockerBackend{
		cli:         cli,
		config:      cfg,
		memoryBytes: memoryBytes,
		logger:      logger,
	}, nil
}

// ParseMemory parses a human-readable memory size ("512m", "1g" or plain
// bytes). An empty string means no limit.
func ParseMemory(raw string) (int64, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return n, nil
	}
	n, err := units.RAMInBytes(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid memory size %q: %w", raw, err)
	}
	return n, nil
}

func (d *DockerBackend) Name() string { return dockerBackendName }

// MountPoint returns the container path of the project directory.
func (d *DockerBackend) MountPoint() string { return d.config.MountPoint }

// Ping checks that the daemon is reachable.
func (d *DockerBackend) Ping(ctx context.Context) error {
	if _, err := d.cli.Ping(ctx); err != nil {
		return fmt.Errorf("docker ping: %w", err)
	}
	return nil
}

// Close releases the client's transport.
func (d *DockerBackend) Close() error {
	return d.cli.Close()
}

// Start creates and starts the session container.
func (d *DockerBackend) Start(ctx context.Context, key domain.SessionKey, workDir string) (*Handle, error) {
	if workDir == "" {
		return nil, opError(dockerBackendName, "start", errors.New("empty working directory"))
	}

	containerCfg := &container.Config{
		Image:        d.config.Image,
		Cmd:          []string{d.config.Shell},
		Tty:          true,
		OpenStdin:    true,
		WorkingDir:   d.config.MountPoint,
		Env:          d.env(key),
		Labels:       map[string]string{labelManaged: "true", labelUserID: key.UserID, labelProjectID: key.ProjectID},
		AttachStdout: false,
		AttachStderr: false,
	}

	id, err := d.create(ctx, containerCfg, d.hostConfig(workDir))
	if err != nil {
		return nil, opError(dockerBackendName, "start", err)
	}

	if err := d.cli.ContainerStart(ctx, id, container.StartOptions{}); err != nil {
		d.remove(context.WithoutCancel(ctx), id)
		return nil, opError(dockerBackendName, "start", fmt.Errorf("starting container: %w", err))
	}

	d.logger.Info("docker sandbox started",
		slog.String("container", shortID(id)),
		slog.String("key", key.String()),
		slog.String("image", d.config.Image),
	)
	return NewHandle(id, key, workDir), nil
}

// create creates the container, pulling the image once if it is missing.
func (d *DockerBackend) create(ctx context.Context, cfg *container.Config, hostCfg *container.HostConfig) (string, error) {
	resp, err := d.cli.ContainerCreate(ctx, cfg, hostCfg, nil, nil, "")
	if err == nil {
		return resp.ID, nil
	}
	if !client.IsErrNotFound(err) || !d.config.PullMissing {
		return "", fmt.Errorf("creating container: %w", err)
	}

	if pullErr := d.pull(ctx); pullErr != nil {
		return "", pullErr
	}
	resp, err = d.cli.ContainerCreate(ctx, cfg, hostCfg, nil, nil, "")
	if err != nil {
		return "", fmt.Errorf("creating container after pull: %w", err)
	}
	return resp.ID, nil
}

func (d *DockerBackend) pull(ctx context.Context) error {
	d.logger.Info("pulling sandbox image", slog.String("image", d.config.Image))
	rc, err := d.cli.ImagePull(ctx, d.config.Image, imagetypes.PullOptions{})
	if err != nil {
		return fmt.Errorf("pulling image %s: %w", d.config.Image, err)
	}
	defer rc.Close()
	if _, err := io.Copy(io.Discard, rc); err != nil {
		return fmt.Errorf("reading pull output: %w", err)
	}
	return nil
}

func (d *DockerBackend) hostConfig(workDir string) *container.HostConfig {
	hostCfg := &container.HostConfig{
		Mounts: []mount.Mount{{
			Type:   mount.TypeBind,
			Source: workDir,
			Target: d.config.MountPoint,
		}},
		CapDrop:     []string{"ALL"},
		CapAdd:      []string{"CHOWN", "DAC_OVERRIDE", "FOWNER"},
		SecurityOpt: []string{"no-new-privileges"},
		NetworkMode: container.NetworkMode("none"),
	}
	if d.config.NetworkAllowed {
		hostCfg.NetworkMode = container.NetworkMode("bridge")
	}
	if d.memoryBytes > 0 {
		hostCfg.Resources.Memory = d.memoryBytes
		hostCfg.Resources.MemorySwap = d.memoryBytes
	}
	hostCfg.Resources.NanoCPUs = int64(math.Round(d.config.CPUCores * 1_000_000_000))
	pids := d.config.PIDsLimit
	hostCfg.Resources.PidsLimit = &pids
	return hostCfg
}

func (d *DockerBackend) env(key domain.SessionKey) []string {
	return []string{
		"USER_ID=" + key.UserID,
		"PROJECT_ID=" + key.ProjectID,
		"TERM=xterm-256color",
	}
}

// Run executes command through "<shell> -c" inside the session container.
func (d *DockerBackend) Run(ctx context.Context, h *Handle, command string) (*ExecutionResult, error) {
	if h.Stopped() {
		return nil, opError(dockerBackendName, "run", ErrHandleStopped)
	}

	ctx, cancel := context.WithTimeout(ctx, d.config.Timeout)
	defer cancel()

	start := time.Now()
	created, err := d.cli.ContainerExecCreate(ctx, h.ID, container.ExecOptions{
		Cmd:          []string{d.config.Shell, "-c", command},
		AttachStdout: true,
		AttachStderr: true,
		WorkingDir:   d.config.MountPoint,
	})
	if err != nil {
		return nil, d.runError(ctx, h, fmt.Errorf("creating exec: %w", err))
	}

	attach, err := d.cli.ContainerExecAttach(ctx, created.ID, container.ExecAttachOptions{})
	if err != nil {
		return nil, d.runError(ctx, h, fmt.Errorf("attaching exec: %w", err))
	}
	defer attach.Close()

	var stdoutBuf, stderrBuf bytes.Buffer
	stdout := &limitedWriter{w: &stdoutBuf, remaining: maxOutputBytes}
	stderr := &limitedWriter{w: &stderrBuf, remaining: maxOutputBytes}

	copyDone := make(chan error, 1)
	go func() {
		_, err := stdcopy.StdCopy(stdout, stderr, attach.Reader)
		copyDone <- err
	}()

	select {
	case err := <-copyDone:
		if err != nil {
			return nil, d.runError(ctx, h, fmt.Errorf("reading exec output: %w", err))
		}
	case <-ctx.Done():
		return nil, d.runError(ctx, h, ctx.Err())
	}

	inspect, err := d.cli.ContainerExecInspect(ctx, created.ID)
	if err != nil {
		return nil, d.runError(ctx, h, fmt.Errorf("inspecting exec: %w", err))
	}
	duration := time.Since(start)

	d.logger.Debug("docker sandbox command completed",
		slog.String("container", shortID(h.ID)),
		slog.Int("exit_code", inspect.ExitCode),
		slog.Duration("duration", duration),
	)

	return &ExecutionResult{
		Stdout:   stdoutBuf.String(),
		Stderr:   stderrBuf.String(),
		ExitCode: inspect.ExitCode,
		Duration: duration,
	}, nil
}

// runError classifies a failed run. A stopped handle or an expired deadline
// takes precedence over the transport error it caused.
func (d *DockerBackend) runError(ctx context.Context, h *Handle, err error) error {
	switch {
	case h.Stopped():
		return opError(dockerBackendName, "run", ErrHandleStopped)
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return opError(dockerBackendName, "run", fmt.Errorf("%w after %s", ErrTimeout, d.config.Timeout))
	default:
		return opError(dockerBackendName, "run", err)
	}
}

// Stop stops and removes the session container. Only the first call on a
// handle does any work.
func (d *DockerBackend) Stop(ctx context.Context, h *Handle) {
	if !h.markStopped() {
		return
	}
	timeout := stopGraceSeconds(ctx, d.config.StopWait)
	if err := d.cli.ContainerStop(ctx, h.ID, container.StopOptions{Timeout: &timeout}); err != nil && !client.IsErrNotFound(err) {
		d.logger.Warn("docker stop failed",
			slog.String("container", shortID(h.ID)),
			slog.String("key", h.Key.String()),
			slog.String("error", err.Error()),
		)
	}
	d.remove(ctx, h.ID)
	d.logger.Info("docker sandbox stopped",
		slog.String("container", shortID(h.ID)),
		slog.String("key", h.Key.String()),
	)
}

// stopGraceSeconds shortens the grace period so the daemon kills the
// container before ctx expires.
func stopGraceSeconds(ctx context.Context, grace time.Duration) int {
	if deadline, ok := ctx.Deadline(); ok {
		if left := time.Until(deadline) - dockerKillMargin; grace > left {
			grace = max(left, 0)
		}
	}
	return int(grace / time.Second)
}

// remove force-removes a container. It runs on its own deadline so a caller
// whose context ran out during stop still gets the container removed.
// Errors are logged, not returned.
func (d *DockerBackend) remove(ctx context.Context, id string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), dockerRemoveTimeout)
	defer cancel()
	if err := d.cli.ContainerRemove(ctx, id, container.RemoveOptions{Force: true}); err != nil && !client.IsErrNotFound(err) {
		d.logger.Warn("docker remove failed",
			slog.String("container", shortID(id)),
			slog.String("error", err.Error()),
		)
	}
}

// RemoveOrphans removes containers left behind by a previous process.
func (d *DockerBackend) RemoveOrphans(ctx context.Context) (int, error) {
	list, err := d.cli.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("label", labelManaged+"=true")),
	})
	if err != nil {
		return 0, fmt.Errorf("listing sandbox containers: %w", err)
	}
	for _, c := range list {
		d.remove(ctx, c.ID)
	}
	if len(list) > 0 {
		d.logger.Info("removed orphaned sandbox containers", slog.Int("count", len(list)))
	}
	return len(list), nil
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
