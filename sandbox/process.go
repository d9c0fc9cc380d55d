package sandbox

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"time"

	"go.uber.org/zap"
)

// ProcessBackend runs code as a local child process. It confines the working
// directory to the request workspace and kills the whole process group on
// timeout, but provides no kernel isolation.
type ProcessBackend struct {
	interpreters map[Language][]string
	maxOutput    int
	killGrace    time.Duration
	logger       *zap.Logger
}

// ProcessBackendConfig configures a ProcessBackend.
type ProcessBackendConfig struct {
	Interpreters   map[Language][]string
	MaxOutputBytes int
	KillGrace      time.Duration
}

// DefaultInterpreters maps each language to the host interpreter command.
func DefaultInterpreters() map[Language][]string {
	return map[Language][]string{
		LangPython:     {"python3"},
		LangJavaScript: {"node"},
		LangBash:       {"bash"},
	}
}

// NewProcessBackend creates a process backend.
func NewProcessBackend(cfg ProcessBackendConfig, logger *zap.Logger) *ProcessBackend {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Interpreters == nil {
		cfg.Interpreters = DefaultInterpreters()
	}
	if cfg.KillGrace <= 0 {
		cfg.KillGrace = 250 * time.Millisecond
	}
	return &ProcessBackend{
		interpreters: cfg.Interpreters,
		maxOutput:    cfg.MaxOutputBytes,
		killGrace:    cfg.KillGrace,
		logger:       logger.With(zap.String("component", "process_backend")),
	}
}

func (p *ProcessBackend) Name() string { return "process" }

func (p *ProcessBackend) Confined() bool { return false }

// Probe succeeds when at least one interpreter is on PATH.
func (p *ProcessBackend) Probe(ctx context.Context) error {
	for _, argv := range p.interpreters {
		if _, err := exec.LookPath(argv[0]); err == nil {
			return nil
		}
	}
	return errors.New("no interpreter found on PATH")
}

func (p *ProcessBackend) Cleanup() error { return nil }

// Execute runs req in dir.
func (p *ProcessBackend) Execute(ctx context.Context, req ExecutionRequest, dir string) ExecutionResult {
	start := time.Now()
	result := ExecutionResult{ID: req.ID, Backend: p.Name()}

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

	argv, ok := p.interpreters[req.Language]
	if !ok || len(argv) == 0 {
		return finish(observation{unavailable: true, startErr: fmt.Errorf("no interpreter for %s", req.Language)}, nil, nil)
	}
	bin, err := exec.LookPath(argv[0])
	if err != nil {
		return finish(observation{unavailable: true, startErr: err}, nil, nil)
	}

	file, err := writeSource(dir, req, 0o600)
	if err != nil {
		return finish(observation{startErr: fmt.Errorf("write source: %w", err)}, nil, nil)
	}

	runCtx, cancel := context.WithTimeout(ctx, req.Timeout())
	defer cancel()

	args := append(append([]string{}, argv[1:]...), file)
	cmd := exec.CommandContext(runCtx, bin, args...)
	cmd.Dir = dir
	cmd.Env = []string{
		"PATH=" + os.Getenv("PATH"),
		"HOME=" + dir,
		"TMPDIR=" + dir,
		"LANG=C.UTF-8",
		"PYTHONDONTWRITEBYTECODE=1",
	}
	stdout := newCappedBuffer(p.maxOutput)
	stderr := newCappedBuffer(p.maxOutput)
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.WaitDelay = p.killGrace
	setProcessGroup(cmd)

	p.logger.Debug("starting process",
		zap.String("exec_id", req.ID),
		zap.String("interpreter", bin),
		zap.String("language", string(req.Language)),
	)

	if err := cmd.Start(); err != nil {
		return finish(observation{startErr: fmt.Errorf("start %s: %w", bin, err)}, stdout, stderr)
	}
	pid := cmd.Process.Pid
	waitErr := cmd.Wait()
	// Background children may outlive the group leader.
	killProcessGroup(pid)

	o := observation{
		timedOut:  errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil,
		cancelled: ctx.Err() != nil,
	}
	if st := cmd.ProcessState; st != nil {
		if st.Exited() {
			o.exitCode = intPtr(st.ExitCode())
		} else if !o.timedOut && !o.cancelled {
			o.killed = killedBySignal(st)
		}
	} else if waitErr != nil && !errors.Is(waitErr, exec.ErrWaitDelay) {
		o.startErr = waitErr
	}

	res := finish(o, stdout, stderr)
	p.logger.Debug("process finished",
		zap.String("exec_id", req.ID),
		zap.String("category", string(res.FailureCategory)),
		zap.Float64("elapsed_seconds", res.ElapsedSeconds),
	)
	return res
}
