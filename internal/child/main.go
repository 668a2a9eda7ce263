package child

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/danmuck/nodus/internal/app"
	"github.com/danmuck/nodus/internal/logging"
)

// Run serves a on the process's stdin and stdout until the parent closes
// stdin or the process is signaled. Logs go to stderr.
func Run(a *app.Application) error {
	logging.ConfigureRuntime(a.Name())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return Serve(ctx, a, os.Stdin, os.Stdout, Options{})
}

// Main is the entry point of a provider binary.
func Main(a *app.Application) {
	if err := Run(a); err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", a.Name(), err)
		os.Exit(1)
	}
}
