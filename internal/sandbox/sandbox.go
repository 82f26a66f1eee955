package sandbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"ChainVoyager/internal/artifact"
	"ChainVoyager/internal/observability/metrics"
	"ChainVoyager/internal/skill"
	"ChainVoyager/pkg/logger"
	"ChainVoyager/pkg/skillapi"
)

const (
	defaultCompileTimeout = 10 * time.Second
	defaultExecTimeout    = 5 * time.Second
	defaultMaxOutput      = 64 << 10
	waitDelay             = 2 * time.Second
)

// passthroughEnv are the only parent variables a child inherits.
var passthroughEnv = []string{"PATH", "HOME", "TMPDIR", "LANG", "GOCOVERDIR", "SYSTEMROOT"}

// Config describes how the child process is launched.
type Config struct {
	// Command defaults to the running executable.
	Command string
	// Args precede the runner flags, "sandbox-run" by default.
	Args           []string
	CompileTimeout time.Duration
	ExecTimeout    time.Duration
	MaxOutputBytes int
	WorkDir        string
	// Env holds extra KEY=VALUE pairs for the child.
	Env    []string
	Policy ImportPolicy
}

// Sandbox spawns one child per invocation. It holds no per-invocation state
// and is safe for concurrent use.
type Sandbox struct {
	cfg Config
	log *slog.Logger
}

// Option customises a Sandbox.
type Option func(*Sandbox)

// WithLogger overrides the component logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Sandbox) {
		if l != nil {
			s.log = l
		}
	}
}

// New validates cfg and fills defaults.
func New(cfg Config, opts ...Option) (*Sandbox, error) {
	if cfg.Command == "" {
		exe, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("resolve runner executable: %w", err)
		}
		cfg.Command = exe
		if len(cfg.Args) == 0 {
			cfg.Args = []string{"sandbox-run"}
		}
	}
	if cfg.CompileTimeout <= 0 {
		cfg.CompileTimeout = defaultCompileTimeout
	}
	if cfg.ExecTimeout <= 0 {
		cfg.ExecTimeout = defaultExecTimeout
	}
	if cfg.MaxOutputBytes <= 0 {
		cfg.MaxOutputBytes = defaultMaxOutput
	}
	cfg.Policy = cfg.Policy.Merge(DefaultImportPolicy())

	s := &Sandbox{cfg: cfg, log: logger.Named("sandbox")}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s, nil
}

// Execute runs ref once. It never returns an error: every failure, including
// cancellation of ctx, is reported inside the Result. A timeout <= 0 uses
// the configured execution budget.
func (s *Sandbox) Execute(ctx context.Context, ref skill.Ref, snap skillapi.Snapshot, timeout time.Duration) Result {
	if timeout <= 0 {
		timeout = s.cfg.ExecTimeout
	}
	start := time.Now()
	res := s.run(ctx, ref, snap, timeout)
	res.Duration = time.Since(start)
	if !res.OK {
		res.Reward = 0
		if res.Error == "" {
			res.Error = failure(res.Kind, "").Error
		}
	}

	outcome := "ok"
	if !res.OK {
		outcome = string(res.Kind)
	}
	metrics.ObserveSkillInvocation(outcome, res.Duration)
	logger.Audit().Info("skill invocation",
		"skill", ref.String(),
		"path", ref.Path,
		"ok", res.OK,
		"kind", string(res.Kind),
		"reward", res.Reward,
		"done_reason", res.DoneReason,
		"duration_ms", res.Duration.Milliseconds(),
		"error", res.Error,
	)
	return res
}

func (s *Sandbox) run(ctx context.Context, ref skill.Ref, snap skillapi.Snapshot, timeout time.Duration) Result {
	if ref.Path == "" {
		return failure(KindCompileError, "skill reference has no source path")
	}
	snapshot, err := json.Marshal(snap)
	if err != nil {
		return failure(KindRuntimeError, fmt.Sprintf("encode context snapshot: %v", err))
	}
	if err := ctx.Err(); err != nil {
		return failure(KindTimeout, "canceled before start: "+err.Error())
	}

	nonce := uuid.NewString()
	args := append(append([]string(nil), s.cfg.Args...),
		"--skill", ref.Path,
		"--timeout-ms", strconv.FormatInt(timeout.Milliseconds(), 10),
		"--compile-timeout-ms", strconv.FormatInt(s.cfg.CompileTimeout.Milliseconds(), 10),
		"--allow-imports", strings.Join(s.cfg.Policy.Allow, ","),
		"--deny-imports", strings.Join(s.cfg.Policy.Deny, ","),
	)
	cmd := exec.Command(s.cfg.Command, args...)
	cmd.Dir = s.cfg.WorkDir
	cmd.Env = s.childEnv(nonce, string(snapshot))
	cmd.WaitDelay = waitDelay
	setProcessGroup(cmd)

	stdout := newStdoutScanner(nonce, s.cfg.MaxOutputBytes)
	stderr := newTailBuffer(s.cfg.MaxOutputBytes)
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		return failure(KindRuntimeError, fmt.Sprintf("start skill runner: %v", err))
	}
	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	abort := func(res Result) Result {
		killProcessGroup(cmd)
		<-done
		res.Stderr = stderr.String()
		return res
	}

	log := s.log.With("skill", ref.String(), "nonce", nonce)
	compile := time.NewTimer(s.cfg.CompileTimeout)
	defer compile.Stop()

	var waitErr error
	select {
	case <-stdout.loaded:
		compile.Stop()
		budget := time.NewTimer(timeout)
		defer budget.Stop()
		select {
		case waitErr = <-done:
		case <-budget.C:
			log.Warn("execution budget exceeded", "budget", timeout)
			return abort(failure(KindTimeout, TimedOut))
		case <-ctx.Done():
			return abort(failure(KindTimeout, TimedOut+": "+ctx.Err().Error()))
		}
	case waitErr = <-done:
	case <-compile.C:
		log.Warn("compile budget exceeded", "budget", s.cfg.CompileTimeout)
		return abort(failure(KindTimeout, TimedOut))
	case <-ctx.Done():
		return abort(failure(KindTimeout, TimedOut+": "+ctx.Err().Error()))
	}

	// Reap anything the skill left running in its group.
	killProcessGroup(cmd)
	stdout.flush()
	res := s.decode(stdout, waitErr)
	res.Stderr = stderr.String()
	return res
}

func (s *Sandbox) childEnv(nonce, snapshot string) []string {
	env := make([]string, 0, len(passthroughEnv)+len(s.cfg.Env)+2)
	for _, key := range passthroughEnv {
		if v, ok := os.LookupEnv(key); ok {
			env = append(env, key+"="+v)
		}
	}
	env = append(env, s.cfg.Env...)
	return append(env, EnvNonce+"="+nonce, EnvContext+"="+snapshot)
}

func (s *Sandbox) decode(stdout *stdoutScanner, waitErr error) Result {
	line, count := stdout.report()
	if count == 0 {
		msg := "skill runner exited without a result line"
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			msg = fmt.Sprintf("%s (exit status %d)", msg, exitErr.ExitCode())
		}
		res := failure(KindMalformedOutput, msg)
		res.Logs = debugLines(stdout.debug.String())
		return res
	}
	if count > 1 {
		return failure(KindMalformedOutput, fmt.Sprintf("skill runner emitted %d result lines", count))
	}

	var report Report
	if err := json.Unmarshal([]byte(line), &report); err != nil {
		return failure(KindMalformedOutput, fmt.Sprintf("decode result line: %v", err))
	}

	res := Result{
		OK:         report.Success,
		Reward:     report.Reward,
		DoneReason: report.DoneReason,
		Receipt:    receiptBytes(report.TxReceipt),
		Error:      report.Error,
		Kind:       report.ErrorKind,
		Writes:     report.Writes,
		Logs:       report.Logs,
	}
	if !res.OK && res.Kind == KindNone {
		res.Kind = KindRuntimeError
	}
	if res.OK && waitErr != nil {
		res.OK, res.Kind, res.Error = false, KindRuntimeError, fmt.Sprintf("runner reported success but exited with %v", waitErr)
	}

	if res.Receipt != nil {
		a, err := artifact.Parse(res.Receipt)
		switch {
		case err == nil:
			res.Artifact = a
		case res.OK:
			res.OK, res.Kind, res.Error = false, KindMalformedReceipt, err.Error()
		}
	}
	return res
}

func debugLines(s string) []string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return strings.Split(s, "\n")
}
