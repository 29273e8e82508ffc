// Package executor implements the child executor (C4): spawning one OS
// child per service, redirecting its standard streams to per-service log
// files, signaling it, and reaping it exactly once. Grounded on
// internal/app/runner/service.go (spawn/pipe) and internal/app/lifecycle/lifecycle.go
// (process-group signaling).
package executor

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"overseer/internal/config/logger"
	"overseer/internal/core/configreg"
	"overseer/internal/core/errors"
	"overseer/internal/core/process"
	"overseer/internal/core/readiness"
)

// SignalKind distinguishes a graceful termination request from a kill.
type SignalKind int

const (
	SignalTerminate SignalKind = iota
	SignalKill
)

// ExitNotifier receives the ChildExited(service_id, exit_code) notification
// for every child the reaper observes exiting, expected or not. The engine implements this; executor
// never imports engine, avoiding an import cycle.
type ExitNotifier interface {
	ChildExited(serviceID, project string, exitCode int, waitErr error)
}

// Executor is the contract the supervisor engine drives.
type Executor interface {
	// Spawn launches svc's command in project's namespace, returns once the
	// child has been started (not once it's ready or has exited).
	Spawn(ctx context.Context, svc *configreg.Service, project string) (*process.Handle, error)
	// Signal sends a termination or kill signal to the process group.
	Signal(h *process.Handle, kind SignalKind) error
}

type executor struct {
	log       logger.Logger
	notifier  ExitNotifier
	readiness readiness.Checker
}

// New creates an Executor. notifier is told about every exit the reaper
// observes; the engine decides what an exit means (expected stop, failure,
// or a candidate for auto-restart).
func New(log logger.Logger, notifier ExitNotifier, checker readiness.Checker) Executor {
	if checker == nil {
		checker = readiness.NoOp()
	}

	return &executor{
		log:       log.WithComponent("EXECUTOR"),
		notifier:  notifier,
		readiness: checker,
	}
}

func (e *executor) Spawn(ctx context.Context, svc *configreg.Service, project string) (*process.Handle, error) {
	env, err := buildEnv(svc)
	if err != nil {
		return nil, err
	}

	stdout, err := openLogFile(svc.Stdout)
	if err != nil {
		return nil, fmt.Errorf("%w (stdout): %w", errors.ErrFailedToOpenLogFile, err)
	}

	stderr, err := openLogFile(svc.Stderr)
	if err != nil {
		stdout.Close()
		return nil, fmt.Errorf("%w (stderr): %w", errors.ErrFailedToOpenLogFile, err)
	}

	cmd := exec.Command(svc.Command, svc.Args...)
	cmd.Dir = svc.WorkingDir
	cmd.Env = env
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		stdout.Close()
		stderr.Close()

		return nil, fmt.Errorf("%w: %w", errors.ErrFailedToStartCommand, err)
	}

	e.log.Info().Str("service", svc.Name).Int("pid", cmd.Process.Pid).Msg("spawned child")

	handle := process.New(process.Params{
		Name:      svc.Name,
		Project:   project,
		ServiceID: svc.ID,
		Cmd:       cmd,
		StartedAt: time.Now(),
	})

	go e.reap(handle, svc, project, stdout, stderr)
	go e.readiness.Check(ctx, svc, handle)

	return handle, nil
}

// reap is the one goroutine per child allowed to call cmd.Wait, per the
// "exactly one reaper per child" contract in spec §4.4.
func (e *executor) reap(h *process.Handle, svc *configreg.Service, project string, streams ...*os.File) {
	waitErr := h.Cmd().Wait()

	exitCode := 0

	if waitErr != nil {
		if exitErr, ok := waitErr.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else {
			exitCode = -1
		}
	}

	for _, f := range streams {
		f.Close()
	}

	h.Reap(exitCode, waitErr)

	e.log.Info().Str("service", svc.Name).Int("exit_code", exitCode).Msg("child exited")

	e.notifier.ChildExited(svc.ID, project, exitCode, waitErr)
}

func (e *executor) Signal(h *process.Handle, kind SignalKind) error {
	cmd := h.Cmd()
	if cmd.Process == nil {
		return nil
	}

	sig := syscall.SIGTERM
	if kind == SignalKill {
		sig = syscall.SIGKILL
	}

	pid := cmd.Process.Pid

	if groupErr := syscall.Kill(-pid, sig); groupErr != nil {
		if directErr := cmd.Process.Signal(sig); directErr != nil {
			return fmt.Errorf("%w: %w", errors.ErrFailedToSignalProcess, directErr)
		}
	}

	return nil
}

// openLogFile opens path for append, creating the file if absent, per spec
// §4.4's "append, create if absent". The parent directory is not created;
// an empty path opens os.DevNull.
func openLogFile(path string) (*os.File, error) {
	if path == "" {
		return os.OpenFile(os.DevNull, os.O_WRONLY, 0)
	}

	return os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
}

// buildEnv merges the process environment, the service's .env file (lower
// precedence), and the service's explicit env map (highest precedence),
// matching the teacher's ENV_FILE convention but folding values in directly
// instead of exporting the path for the child to read itself.
func buildEnv(svc *configreg.Service) ([]string, error) {
	merged := map[string]string{}

	if svc.EnvFile != "" {
		fileEnv, err := godotenv.Read(svc.EnvFile)
		if err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %w", errors.ErrFailedToLoadEnvFile, err)
		}

		for k, v := range fileEnv {
			merged[k] = v
		}
	}

	for k, v := range svc.Env {
		merged[k] = v
	}

	env := os.Environ()
	for k, v := range merged {
		env = append(env, k+"="+v)
	}

	return env, nil
}
