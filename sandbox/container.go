package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// dockerRunFailure is the exit status the docker CLI uses when the daemon,
// not the container, failed.
const dockerRunFailure = 125

// ContainerBackend runs code in a throwaway container through a
// docker-compatible CLI.
type ContainerBackend struct {
	runtime     string
	images      map[Language]string
	entrypoints map[Language][]string
	user        string
	pidsLimit   int
	tmpfsSize   string
	maxOutput   int
	killGrace   time.Duration
	prefix      string

	mu               sync.Mutex
	activeContainers map[string]struct{}

	logger *zap.Logger
}

// ContainerBackendConfig configures a ContainerBackend.
type ContainerBackendConfig struct {
	Runtime        string
	Images         map[Language]string
	User           string
	PidsLimit      int
	TmpfsSize      string
	MaxOutputBytes int
	KillGrace      time.Duration
}

// NewContainerBackend creates a container backend.
func NewContainerBackend(cfg ContainerBackendConfig, logger *zap.Logger) *ContainerBackend {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Runtime == "" {
		cfg.Runtime = "docker"
	}
	if cfg.Images == nil {
		cfg.Images = DefaultImages()
	}
	if cfg.User == "" {
		cfg.User = "65534:65534"
	}
	if cfg.TmpfsSize == "" {
		cfg.TmpfsSize = "64m"
	}
	if cfg.KillGrace <= 0 {
		cfg.KillGrace = 250 * time.Millisecond
	}
	return &ContainerBackend{
		runtime: cfg.Runtime,
		images:  cfg.Images,
		entrypoints: map[Language][]string{
			LangPython:     {"python3"},
			LangJavaScript: {"node"},
			LangBash:       {"bash"},
		},
		user:             cfg.User,
		pidsLimit:        cfg.PidsLimit,
		tmpfsSize:        cfg.TmpfsSize,
		maxOutput:        cfg.MaxOutputBytes,
		killGrace:        cfg.KillGrace,
		prefix:           "personaflow_",
		activeContainers: make(map[string]struct{}),
		logger:           logger.With(zap.String("component", "container_backend")),
	}
}

func (c *ContainerBackend) Name() string { return "container" }

func (c *ContainerBackend) Confined() bool { return true }

// Probe asks the runtime for its server version, which fails when the daemon
// is unreachable.
func (c *ContainerBackend) Probe(ctx context.Context) error {
	out, err := exec.CommandContext(ctx, c.runtime, "version", "--format", "{{.Server.Version}}").CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s version: %w: %s", c.runtime, err, strings.TrimSpace(string(out)))
	}
	return nil
}

// Execute runs req in a fresh container with dir mounted read-only.
func (c *ContainerBackend) Execute(ctx context.Context, req ExecutionRequest, dir string) ExecutionResult {
	start := time.Now()
	result := ExecutionResult{ID: req.ID, Backend: c.Name()}

	finish := func(o observation, stdout, stderr *cappedBuffer) ExecutionResult {
		result.ElapsedSeconds = time.Since(start).Seconds()
		if stdout != nil {
			result.Stdout = stdout.String()
			result.Stderr = stderr.String()
			result.Truncated = stdout.Truncated() || stderr.Truncated()
		}
		result.ExitCode = o.exitCode
		result.FailureCategory = classify(o)
		result.Success = result.FailureCategory == CategoryNone
		result.Error = describe(o, result.FailureCategory, req.TimeoutSeconds)
		return result
	}

	image, ok := c.images[req.Language]
	if !ok {
		return finish(observation{unavailable: true, startErr: fmt.Errorf("no image configured for %s", req.Language)}, nil, nil)
	}

	// The container user is unprivileged, so the mount must be world-readable.
	if err := os.Chmod(dir, 0o755); err != nil {
		return finish(observation{startErr: fmt.Errorf("prepare workspace: %w", err)}, nil, nil)
	}
	if _, err := writeSource(dir, req, 0o644); err != nil {
		return finish(observation{startErr: fmt.Errorf("write source: %w", err)}, nil, nil)
	}

	name := c.prefix + sanitizeID(req.ID) + "_" + uuid.NewString()[:8]
	args := c.buildRunArgs(name, image, dir, req)

	c.logger.Debug("executing container",
		zap.String("container", name),
		zap.String("image", image),
		zap.Strings("args", args),
	)

	c.mu.Lock()
	c.activeContainers[name] = struct{}{}
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.activeContainers, name)
		c.mu.Unlock()
		c.forceRemoveContainer(name)
	}()

	runCtx, cancel := context.WithTimeout(ctx, req.Timeout())
	defer cancel()

	stdout := newCappedBuffer(c.maxOutput)
	stderr := newCappedBuffer(c.maxOutput)
	cmd := exec.CommandContext(runCtx, c.runtime, args...)
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.WaitDelay = c.killGrace
	cmd.Cancel = func() error {
		c.forceKillContainer(name)
		return cmd.Process.Kill()
	}

	err := cmd.Run()

	o := observation{
		timedOut:  errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil,
		cancelled: ctx.Err() != nil,
	}
	if err != nil && cmd.ProcessState == nil {
		// The runtime binary itself could not be started.
		o.unavailable = true
		o.startErr = err
		return finish(o, stdout, stderr)
	}

	state, inspectErr := c.inspect(name)
	runExit := cmd.ProcessState.ExitCode()
	switch {
	case runExit == dockerRunFailure && (inspectErr != nil || state.exitCode != dockerRunFailure):
		// The container never ran: the daemon rejected the run.
		o.unavailable = true
		o.startErr = errors.New(strings.TrimSpace(stderr.String()))
	case inspectErr == nil:
		o.oomKilled = state.oomKilled
		if !o.timedOut && !o.cancelled {
			o.exitCode = intPtr(state.exitCode)
		}
	case !o.timedOut && !o.cancelled && cmd.ProcessState.Exited():
		o.exitCode = intPtr(runExit)
	}

	return finish(o, stdout, stderr)
}

// buildRunArgs renders the confinement flags for one run.
func (c *ContainerBackend) buildRunArgs(name, image, dir string, req ExecutionRequest) []string {
	args := []string{
		"run",
		"--name", name,
		"--cap-drop", "ALL",
		"--security-opt", "no-new-privileges",
		"--user", c.user,
		"--tmpfs", "/tmp:rw,noexec,nosuid,size=" + c.tmpfsSize,
	}

	if req.FilesystemMode != FilesystemWritableRoot {
		args = append(args, "--read-only")
	}
	if !req.NetworkEnabled {
		args = append(args, "--network", "none")
	}
	if req.MemoryLimitBytes > 0 {
		mem := strconv.FormatInt(req.MemoryLimitBytes, 10)
		args = append(args, "--memory", mem, "--memory-swap", mem)
	}
	if req.CPUQuotaFraction > 0 {
		args = append(args, "--cpus", strconv.FormatFloat(req.CPUQuotaFraction, 'f', 2, 64))
	}
	if c.pidsLimit > 0 {
		args = append(args, "--pids-limit", strconv.Itoa(c.pidsLimit))
	}

	args = append(args,
		"-v", dir+":/workspace:ro",
		"-w", "/workspace",
		"-e", "HOME=/tmp",
		image,
	)
	args = append(args, c.entrypoints[req.Language]...)
	return append(args, "/workspace/"+req.Language.FileName())
}

type containerState struct {
	oomKilled bool
	exitCode  int
}

// inspect reads the OOM flag and exit code before the container is removed.
func (c *ContainerBackend) inspect(name string) (containerState, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var out bytes.Buffer
	cmd := exec.CommandContext(ctx, c.runtime, "inspect", "--format", "{{.State.OOMKilled}} {{.State.ExitCode}}", name)
	cmd.Stdout = &out
	if err := cmd.Run(); err != nil {
		return containerState{}, err
	}
	fields := strings.Fields(out.String())
	if len(fields) != 2 {
		return containerState{}, fmt.Errorf("unexpected inspect output %q", out.String())
	}
	oom, err := strconv.ParseBool(fields[0])
	if err != nil {
		return containerState{}, err
	}
	code, err := strconv.Atoi(fields[1])
	if err != nil {
		return containerState{}, err
	}
	return containerState{oomKilled: oom, exitCode: code}, nil
}

func (c *ContainerBackend) forceKillContainer(name string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_ = exec.CommandContext(ctx, c.runtime, "kill", name).Run()
	c.logger.Debug("killed container", zap.String("name", name))
}

func (c *ContainerBackend) forceRemoveContainer(name string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_ = exec.CommandContext(ctx, c.runtime, "rm", "-f", name).Run()
	c.logger.Debug("removed container", zap.String("name", name))
}

// Cleanup kills and removes every container still running.
func (c *ContainerBackend) Cleanup() error {
	c.mu.Lock()
	containers := make([]string, 0, len(c.activeContainers))
	for name := range c.activeContainers {
		containers = append(containers, name)
	}
	c.mu.Unlock()

	for _, name := range containers {
		c.forceKillContainer(name)
		c.forceRemoveContainer(name)
	}

	c.logger.Info("cleaned up containers", zap.Int("count", len(containers)))
	return nil
}
