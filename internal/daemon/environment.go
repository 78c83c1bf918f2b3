package daemon

import (
	"context"
	"fmt"
	"maps"
	"os"
	"runtime"
	"sync/atomic"
	"time"
)

// EnvironmentInfo describes the daemon process. It does not change for the
// life of the daemon, so clients cache it per connection.
type EnvironmentInfo struct {
	Name             string
	OS               string
	Arch             string
	PID              int
	StartedUnixMilli int64
	Root             string
	Properties       map[string]string
}

func (i EnvironmentInfo) Started() time.Time { return time.UnixMilli(i.StartedUnixMilli) }

// Environment exposes the daemon environment. Shutdown only works in
// process; remote callers get ErrRemoteShutdownDenied.
type Environment interface {
	Info(ctx context.Context) (EnvironmentInfo, error)
	Property(ctx context.Context, name string) (string, error)
	Shutdown(ctx context.Context) error
}

type environment struct {
	info     EnvironmentInfo
	shutdown func()
	queries  atomic.Int64
}

func newEnvironment(name, root string, props map[string]string, started time.Time, shutdown func()) *environment {
	return &environment{
		info: EnvironmentInfo{
			Name:             name,
			OS:               runtime.GOOS,
			Arch:             runtime.GOARCH,
			PID:              os.Getpid(),
			StartedUnixMilli: started.UnixMilli(),
			Root:             root,
			Properties:       maps.Clone(props),
		},
		shutdown: shutdown,
	}
}

func (e *environment) Info(context.Context) (EnvironmentInfo, error) {
	e.queries.Add(1)
	info := e.info
	info.Properties = maps.Clone(e.info.Properties)
	return info, nil
}

func (e *environment) Property(_ context.Context, name string) (string, error) {
	v, ok := e.info.Properties[name]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownProperty, name)
	}
	return v, nil
}

func (e *environment) Shutdown(context.Context) error {
	if e.shutdown != nil {
		e.shutdown()
	}
	return nil
}
