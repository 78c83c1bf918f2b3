package daemon

import (
	"context"
	"errors"
	"fmt"
	"reflect"

	"github.com/danmuck/buildrmi/internal/delta"
	"github.com/danmuck/buildrmi/internal/rmi"
	"go.uber.org/multierr"
)

const (
	DeltasVariable      = "daemon.deltas"
	OutputVariable      = "daemon.output"
	EnvironmentVariable = "daemon.environment"
)

var (
	ErrUnknownTask          = errors.New("daemon: unknown task")
	ErrOutsideRoot          = errors.New("daemon: path outside the daemon root")
	ErrNotIssued            = errors.New("daemon: file handle was not issued by this daemon")
	ErrUnknownProperty      = errors.New("daemon: unknown environment property")
	ErrRemoteShutdownDenied = errors.New("daemon: shutdown is not allowed over a connection")
)

// NewRegistry returns a registry holding the delta model and the daemon
// interfaces. Both ends of a daemon connection use it.
func NewRegistry() (*rmi.Registry, error) {
	reg := rmi.NewRegistry()
	if err := multierr.Combine(delta.Register(reg), Register(reg)); err != nil {
		return nil, err
	}
	return reg, nil
}

// Register adds the daemon interfaces, values and sentinels to reg.
func Register(reg *rmi.Registry) error {
	return multierr.Combine(
		reg.RegisterSentinel("daemon.ErrUnknownTask", ErrUnknownTask),
		reg.RegisterSentinel("daemon.ErrOutsideRoot", ErrOutsideRoot),
		reg.RegisterSentinel("daemon.ErrNotIssued", ErrNotIssued),
		reg.RegisterSentinel("daemon.ErrUnknownProperty", ErrUnknownProperty),
		reg.RegisterSentinel("daemon.ErrRemoteShutdownDenied", ErrRemoteShutdownDenied),
		reg.RegisterValue("daemon.EnvironmentInfo", EnvironmentInfo{}),
		reg.RegisterInterface(rmi.InterfaceSpec{
			Name:     DeltasVariable,
			Type:     reflect.TypeFor[DeltaExchange](),
			NewProxy: func(p *rmi.Proxy) any { return deltaExchangeStub{p} },
			Methods: []rmi.MethodSpec{
				{Name: "Open", Result: rmi.Wrapped(delta.SnapshotWrapperName)},
				{Name: "Refresh", Result: rmi.Wrapped(delta.SnapshotWrapperName)},
			},
		}),
		reg.RegisterInterface(rmi.InterfaceSpec{
			Name:     "daemon.OutputSink",
			Type:     reflect.TypeFor[OutputSink](),
			NewProxy: func(p *rmi.Proxy) any { return outputSinkStub{p} },
		}),
		reg.RegisterInterface(rmi.InterfaceSpec{
			Name:     "daemon.Registration",
			Type:     reflect.TypeFor[Registration](),
			NewProxy: func(p *rmi.Proxy) any { return registrationStub{p} },
		}),
		reg.RegisterInterface(rmi.InterfaceSpec{
			Name:     OutputVariable,
			Type:     reflect.TypeFor[OutputController](),
			NewProxy: func(p *rmi.Proxy) any { return outputControllerStub{p} },
		}),
		reg.RegisterInterface(rmi.InterfaceSpec{
			Name:     EnvironmentVariable,
			Type:     reflect.TypeFor[Environment](),
			NewProxy: func(p *rmi.Proxy) any { return environmentStub{p} },
			Methods: []rmi.MethodSpec{
				{Name: "Info", Policy: rmi.Policy{CacheResult: true}},
				{Name: "Shutdown", Policy: rmi.Policy{
					Forbidden: true,
					RethrowAs: func(err error) error {
						return fmt.Errorf("%w: %w", ErrRemoteShutdownDenied, err)
					},
				}},
			},
		}),
	)
}

func RemoteDeltas(ctx context.Context, c *rmi.Conn) (DeltaExchange, error) {
	return rmi.RemoteVariable[DeltaExchange](ctx, c, DeltasVariable)
}

func RemoteOutput(ctx context.Context, c *rmi.Conn) (OutputController, error) {
	return rmi.RemoteVariable[OutputController](ctx, c, OutputVariable)
}

func RemoteEnvironment(ctx context.Context, c *rmi.Conn) (Environment, error) {
	return rmi.RemoteVariable[Environment](ctx, c, EnvironmentVariable)
}

type deltaExchangeStub struct {
	*rmi.Proxy
}

func (s deltaExchangeStub) Put(ctx context.Context, taskID string, set *delta.Set) error {
	return rmi.Invoke(ctx, s.Proxy, "Put", taskID, set)
}

func (s deltaExchangeStub) Deltas(ctx context.Context, taskID string) (*delta.Set, error) {
	return rmi.Call[*delta.Set](ctx, s.Proxy, "Deltas", taskID)
}

func (s deltaExchangeStub) FileDeltas(ctx context.Context, taskID string, t delta.Type) (*delta.FileDeltas, error) {
	return rmi.Call[*delta.FileDeltas](ctx, s.Proxy, "FileDeltas", taskID, t)
}

func (s deltaExchangeStub) Tasks(ctx context.Context) ([]string, error) {
	return rmi.Call[[]string](ctx, s.Proxy, "Tasks")
}

func (s deltaExchangeStub) Open(ctx context.Context, path string) (delta.FileHandle, error) {
	return rmi.Call[delta.FileHandle](ctx, s.Proxy, "Open", path)
}

func (s deltaExchangeStub) Refresh(ctx context.Context, f delta.FileHandle) (delta.FileHandle, error) {
	return rmi.Call[delta.FileHandle](ctx, s.Proxy, "Refresh", f)
}

type outputSinkStub struct {
	*rmi.Proxy
}

func (s outputSinkStub) WriteLine(ctx context.Context, line string) error {
	return rmi.Invoke(ctx, s.Proxy, "WriteLine", line)
}

type registrationStub struct {
	*rmi.Proxy
}

func (s registrationStub) Close(ctx context.Context) error {
	return rmi.Invoke(ctx, s.Proxy, "Close")
}

type outputControllerStub struct {
	*rmi.Proxy
}

func (s outputControllerStub) AddSink(ctx context.Context, sink OutputSink) (Registration, error) {
	return rmi.Call[Registration](ctx, s.Proxy, "AddSink", sink)
}

func (s outputControllerStub) Broadcast(ctx context.Context, line string) (int, error) {
	return rmi.Call[int](ctx, s.Proxy, "Broadcast", line)
}

type environmentStub struct {
	*rmi.Proxy
}

func (s environmentStub) Info(ctx context.Context) (EnvironmentInfo, error) {
	return rmi.Call[EnvironmentInfo](ctx, s.Proxy, "Info")
}

func (s environmentStub) Property(ctx context.Context, name string) (string, error) {
	return rmi.Call[string](ctx, s.Proxy, "Property", name)
}

func (s environmentStub) Shutdown(ctx context.Context) error {
	return rmi.Invoke(ctx, s.Proxy, "Shutdown")
}
