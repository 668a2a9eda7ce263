package config

import (
	"github.com/danmuck/nodus/internal/host"
	"github.com/danmuck/nodus/internal/ipc"
	"github.com/danmuck/nodus/internal/transport"
)

// IPCConfig converts the [ipc] section; zero fields take protocol defaults.
func (c Server) IPCConfig() ipc.Config {
	return ipc.Config{
		ReadyTimeout:   c.IPC.ReadyTimeout.Std(),
		RequestTimeout: c.IPC.RequestTimeout.Std(),
		StopTimeout:    c.IPC.StopTimeout.Std(),
		SweepInterval:  c.IPC.SweepInterval.Std(),
		Limits:         ipc.Limits{MaxMessageBytes: c.IPC.MaxMessageBytes},
	}.WithDefaults()
}

func (s Service) HostOptions() host.Options {
	env := make([]string, 0, len(s.Env))
	for _, k := range sortedKeys(s.Env) {
		env = append(env, k+"="+s.Env[k])
	}
	return host.Options{
		Definition: s.Definition,
		Provider:   s.Provider,
		Args:       append([]string(nil), s.Args...),
		Env:        env,
		Dir:        s.Dir,
	}
}

func (i Interface) Options() transport.Options {
	return transport.Options{Type: i.Type, Settings: i.Settings}
}
