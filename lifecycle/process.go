package lifecycle

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"

	"go.uber.org/zap"
)

// Process is a running worker as the manager sees it: its protocol stream
// endpoints and termination controls. The diagnostic stream is consumed by
// the Spawner and never surfaces here, so it can never interleave with
// protocol frames.
type Process interface {
	// Reader is the protocol stream out of the worker (its stdout).
	Reader() io.Reader
	// Writer is the protocol stream into the worker (its stdin).
	Writer() io.Writer
	// Kill force-terminates the process. Idempotent.
	Kill() error
	// Wait blocks until the process exits. It returns nil for exit code 0
	// and an error otherwise, and is safe to call from multiple goroutines.
	Wait() error
	// PID identifies the process for diagnostics.
	PID() int
}

// Spawner starts worker processes. The manager holds one and calls it on
// every (re)spawn; tests substitute an in-memory implementation.
type Spawner interface {
	Spawn(ctx context.Context) (Process, error)
}

// ExecSpawner launches the worker binary with a fixed protocol-mode argument
// set. Stdout/stdin carry frames exclusively; stderr is drained line by line
// into the diagnostic observer.
type ExecSpawner struct {
	// Path to the worker binary.
	Path string
	// Args passed to the binary, normally its protocol-mode subcommand.
	Args []string
	// Env appended to the inherited environment.
	Env []string
	// Logger receives worker stderr lines and spawn diagnostics.
	Logger *zap.Logger
	// OnDiagnostic, when set, observes each stderr line.
	OnDiagnostic func(line string)
}

func (s *ExecSpawner) Spawn(ctx context.Context) (Process, error) {
	if err := EnsureExecutable(s.Path); err != nil {
		return nil, err
	}

	logger := s.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	cmd := exec.Command(s.Path, s.Args...)
	cmd.Env = append(os.Environ(), s.Env...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", s.Path, err)
	}
	logger.Debug("worker spawned", zap.String("path", s.Path), zap.Int("pid", cmd.Process.Pid))

	// Drain stderr: diagnostic text must never reach the protocol stream,
	// and an undrained pipe would eventually block the worker.
	go func() {
		scanner := bufio.NewScanner(stderr)
		for scanner.Scan() {
			line := scanner.Text()
			logger.Debug("worker stderr", zap.String("line", line))
			if s.OnDiagnostic != nil {
				s.OnDiagnostic(line)
			}
		}
	}()

	return &execProcess{cmd: cmd, stdin: stdin, stdout: stdout}, nil
}

type execProcess struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser

	waitOnce sync.Once
	waitErr  error
}

func (p *execProcess) Reader() io.Reader { return p.stdout }
func (p *execProcess) Writer() io.Writer { return p.stdin }
func (p *execProcess) PID() int          { return p.cmd.Process.Pid }

func (p *execProcess) Kill() error {
	p.stdin.Close()
	if p.cmd.Process == nil {
		return nil
	}
	err := p.cmd.Process.Kill()
	if errors.Is(err, os.ErrProcessDone) {
		return nil
	}
	return err
}

func (p *execProcess) Wait() error {
	p.waitOnce.Do(func() {
		p.waitErr = p.cmd.Wait()
	})
	return p.waitErr
}

// EnsureExecutable verifies the worker binary exists and carries execute
// permission, adding it when missing. Called as a spawn precondition.
func EnsureExecutable(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("worker binary: %w", err)
	}
	if info.IsDir() {
		return fmt.Errorf("worker binary %s is a directory", path)
	}
	if info.Mode()&0o111 == 0 {
		if err := os.Chmod(path, info.Mode()|0o755); err != nil {
			return fmt.Errorf("worker binary not executable and chmod failed: %w", err)
		}
	}
	return nil
}
