package tools

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
)

// Spec describes one provider process.
type Spec struct {
	Name string
	Path string
	Args []string
	// Env entries (KEY=VALUE) are appended to the parent's environment.
	Env []string
	Dir string
	// Stderr receives the child's log output. Nil inherits the parent's.
	Stderr io.Writer
}

func (s Spec) Validate() error {
	if s.Path == "" {
		return fmt.Errorf("%w: provider path is required", ErrInvalidSpec)
	}
	return nil
}

var ErrInvalidSpec = errors.New("invalid process spec")

// Process is a running provider. Stdin carries requests to the child;
// Stdout carries its messages back and reaches EOF when the child closes it;
// the reader owns closing it.
type Process interface {
	Stdin() io.WriteCloser
	Stdout() io.ReadCloser
	Pid() int
	// Terminate asks the child to exit.
	Terminate() error
	Kill() error
	// Done is closed once the process has exited.
	Done() <-chan struct{}
	// ExitCode is valid after Done is closed.
	ExitCode() int
}

// Launcher starts provider processes.
type Launcher interface {
	Launch(ctx context.Context, spec Spec) (Process, error)
}

// ExecLauncher launches providers on the local host.
type ExecLauncher struct{}

func (ExecLauncher) Launch(ctx context.Context, spec Spec) (Process, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// The process outlives ctx; ctx only bounds the launch.
	cmd := exec.Command(spec.Path, spec.Args...)
	cmd.Dir = spec.Dir
	cmd.Env = append(os.Environ(), spec.Env...)
	cmd.Stderr = spec.Stderr
	if cmd.Stderr == nil {
		cmd.Stderr = os.Stderr
	}
	detach(cmd)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("%s stdin: %w", spec.Name, err)
	}
	// An os.Pipe keeps the read side out of Wait's cleanup, so the reader
	// can drain everything the child wrote before it exited.
	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		_ = stdin.Close()
		return nil, fmt.Errorf("%s stdout: %w", spec.Name, err)
	}
	cmd.Stdout = stdoutW

	if err := cmd.Start(); err != nil {
		_ = stdin.Close()
		_ = stdoutR.Close()
		_ = stdoutW.Close()
		return nil, fmt.Errorf("%s start: %w", spec.Name, err)
	}
	_ = stdoutW.Close()

	p := &execProcess{
		cmd:    cmd,
		stdin:  stdin,
		stdout: stdoutR,
		done:   make(chan struct{}),
	}
	go p.wait()
	return p, nil
}

type execProcess struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout *os.File

	mu       sync.Mutex
	exitCode int
	done     chan struct{}
}

func (p *execProcess) Stdin() io.WriteCloser { return p.stdin }

func (p *execProcess) Stdout() io.ReadCloser { return p.stdout }

func (p *execProcess) Pid() int { return p.cmd.Process.Pid }

func (p *execProcess) Done() <-chan struct{} { return p.done }

func (p *execProcess) Terminate() error {
	return p.signal(syscall.SIGTERM)
}

func (p *execProcess) Kill() error {
	return p.signal(os.Kill)
}

func (p *execProcess) signal(sig os.Signal) error {
	select {
	case <-p.done:
		return nil
	default:
	}
	if err := p.cmd.Process.Signal(sig); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return err
	}
	return nil
}

func (p *execProcess) ExitCode() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitCode
}

func (p *execProcess) wait() {
	err := p.cmd.Wait()
	p.mu.Lock()
	p.exitCode = exitCode(err, p.cmd.ProcessState)
	p.mu.Unlock()
	close(p.done)
}

// exitCode maps a Wait result to a shell-style status: 128+signal for
// signaled children, 127 when the binary could not run.
func exitCode(err error, state *os.ProcessState) int {
	if state != nil {
		if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			return 128 + int(ws.Signal())
		}
		return state.ExitCode()
	}
	if err == nil {
		return 0
	}
	var execErr *exec.Error
	if errors.As(err, &execErr) {
		return 127
	}
	return 1
}
