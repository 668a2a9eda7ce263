// Package childtest runs provider programs in-process behind the
// tools.Launcher interface.
package childtest

import (
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/danmuck/nodus/internal/app"
	"github.com/danmuck/nodus/internal/child"
	"github.com/danmuck/nodus/internal/tools"
)

// Program is a provider body. It returns the exit code. Terminate cancels
// ctx; Kill also closes the pipes.
type Program func(ctx context.Context, stdin io.Reader, stdout io.Writer) int

// App serves a fresh application per launch through child.Serve.
func App(build func() *app.Application) Program {
	return func(ctx context.Context, stdin io.Reader, stdout io.Writer) int {
		if err := child.Serve(ctx, build(), stdin, stdout, child.Options{}); err != nil {
			return 1
		}
		return 0
	}
}

// Launcher maps provider paths to programs.
type Launcher struct {
	mu       sync.Mutex
	programs map[string]Program
	launches atomic.Int32
}

func NewLauncher() *Launcher {
	return &Launcher{programs: make(map[string]Program)}
}

func (l *Launcher) Register(path string, p Program) *Launcher {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.programs[path] = p
	return l
}

// Launches reports how many processes were started.
func (l *Launcher) Launches() int {
	return int(l.launches.Load())
}

func (l *Launcher) Launch(ctx context.Context, spec tools.Spec) (tools.Process, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	l.mu.Lock()
	prog, ok := l.programs[spec.Path]
	l.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%s start: no program registered for %q", spec.Name, spec.Path)
	}
	l.launches.Add(1)

	inR, inW := io.Pipe()
	outR, outW := io.Pipe()
	runCtx, cancel := context.WithCancel(context.Background())
	p := &process{
		pid:    int(l.launches.Load()),
		inR:    inR,
		inW:    inW,
		outR:   outR,
		outW:   outW,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go func() {
		code := prog(runCtx, inR, outW)
		p.mu.Lock()
		p.code = code
		p.mu.Unlock()
		_ = outW.Close()
		_ = inR.Close()
		cancel()
		close(p.done)
	}()
	return p, nil
}

type process struct {
	pid    int
	inR    *io.PipeReader
	inW    *io.PipeWriter
	outR   *io.PipeReader
	outW   *io.PipeWriter
	cancel context.CancelFunc

	mu     sync.Mutex
	code   int
	killed bool
	done   chan struct{}
}

func (p *process) Stdin() io.WriteCloser { return p.inW }

func (p *process) Stdout() io.ReadCloser { return p.outR }

func (p *process) Pid() int { return p.pid }

func (p *process) Done() <-chan struct{} { return p.done }

func (p *process) Terminate() error {
	p.cancel()
	return nil
}

// Kill unblocks the program's pipes and reports exit code 137 once it
// returns.
func (p *process) Kill() error {
	select {
	case <-p.done:
		return nil
	default:
	}
	p.mu.Lock()
	p.killed = true
	p.mu.Unlock()
	p.cancel()
	_ = p.inR.CloseWithError(io.ErrClosedPipe)
	_ = p.outW.CloseWithError(io.ErrClosedPipe)
	return nil
}

func (p *process) ExitCode() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.killed {
		return 137
	}
	return p.code
}
