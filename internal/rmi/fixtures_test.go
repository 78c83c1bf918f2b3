package rmi

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"reflect"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

var (
	errBoom   = errors.New("boom")
	errDenied = errors.New("denied")
)

type Greeter interface {
	Greet(ctx context.Context, name string) (string, error)
	Echo(ctx context.Context, v any) (any, error)
	Keep(ctx context.Context, g Greeter) error
	Touch(ctx context.Context, g Greeter) error
	Fail(ctx context.Context, wrapped bool) error
	Lookup(ctx context.Context, key string) (string, error)
	Secret(ctx context.Context) (string, error)
	Local(ctx context.Context) (string, error)
	Version(ctx context.Context) (string, error)
	Block(ctx context.Context) error
	Shout(ctx context.Context, name string) (string, error)
	Flaky(ctx context.Context) (string, error)
	Guarded(ctx context.Context) (string, error)
}

type greeterStub struct {
	*Proxy
}

func (s greeterStub) Greet(ctx context.Context, name string) (string, error) {
	return Call[string](ctx, s.Proxy, "Greet", name)
}

func (s greeterStub) Echo(ctx context.Context, v any) (any, error) {
	return Call[any](ctx, s.Proxy, "Echo", v)
}

func (s greeterStub) Keep(ctx context.Context, g Greeter) error {
	return Invoke(ctx, s.Proxy, "Keep", g)
}

func (s greeterStub) Touch(ctx context.Context, g Greeter) error {
	return Invoke(ctx, s.Proxy, "Touch", g)
}

func (s greeterStub) Fail(ctx context.Context, wrapped bool) error {
	return Invoke(ctx, s.Proxy, "Fail", wrapped)
}

func (s greeterStub) Lookup(ctx context.Context, key string) (string, error) {
	return Call[string](ctx, s.Proxy, "Lookup", key)
}

func (s greeterStub) Secret(ctx context.Context) (string, error) {
	return Call[string](ctx, s.Proxy, "Secret")
}

func (s greeterStub) Local(ctx context.Context) (string, error) {
	return Call[string](ctx, s.Proxy, "Local")
}

func (s greeterStub) Version(ctx context.Context) (string, error) {
	return Call[string](ctx, s.Proxy, "Version")
}

func (s greeterStub) Block(ctx context.Context) error {
	return Invoke(ctx, s.Proxy, "Block")
}

func (s greeterStub) Shout(ctx context.Context, name string) (string, error) {
	return Call[string](ctx, s.Proxy, "Shout", name)
}

func (s greeterStub) Flaky(ctx context.Context) (string, error) {
	return Call[string](ctx, s.Proxy, "Flaky")
}

func (s greeterStub) Guarded(ctx context.Context) (string, error) {
	return Call[string](ctx, s.Proxy, "Guarded")
}

type greeter struct {
	name    string
	lookups atomic.Int32
	flakes  atomic.Int32
	gate    chan struct{}
	blocked chan struct{}

	mu   sync.Mutex
	kept []Greeter
}

func newGreeter(name string) *greeter {
	return &greeter{name: name, blocked: make(chan struct{}, 16)}
}

func (g *greeter) Greet(_ context.Context, name string) (string, error) {
	return "hello " + name + " from " + g.name, nil
}

func (g *greeter) Echo(_ context.Context, v any) (any, error) { return v, nil }

func (g *greeter) Keep(_ context.Context, other Greeter) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.kept = append(g.kept, other)
	return nil
}

func (g *greeter) Touch(_ context.Context, _ Greeter) error { return nil }

func (g *greeter) Fail(_ context.Context, wrapped bool) error {
	if wrapped {
		return fmt.Errorf("remote failure: %w", errBoom)
	}
	return errors.New("plain failure")
}

func (g *greeter) Lookup(_ context.Context, key string) (string, error) {
	g.lookups.Add(1)
	if g.gate != nil {
		<-g.gate
	}
	return "value-" + key, nil
}

func (g *greeter) Secret(context.Context) (string, error) { return "secret", nil }

func (g *greeter) Local(context.Context) (string, error) { return "remote", nil }

func (g *greeter) Version(context.Context) (string, error) { return "remote-version", nil }

func (g *greeter) Block(ctx context.Context) error {
	g.blocked <- struct{}{}
	<-ctx.Done()
	return ctx.Err()
}

func (g *greeter) Shout(_ context.Context, name string) (string, error) { return "real:" + name, nil }

// Flaky fails its first call only.
func (g *greeter) Flaky(context.Context) (string, error) {
	if g.flakes.Add(1) == 1 {
		return "", errBoom
	}
	return "ok", nil
}

func (g *greeter) Guarded(context.Context) (string, error) { return "guarded", nil }

func (g *greeter) keptAt(i int) Greeter {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.kept[i]
}

// shoutRedirect wraps the remote result of Shout.
func shoutRedirect(ctx context.Context, stub any, args []any) (any, error) {
	v, err := CallDirect[string](ctx, ProxyOf(stub), "Shout", args...)
	if err != nil {
		return nil, err
	}
	return "redirected:" + v, nil
}

type Severity int

const (
	SeverityInfo Severity = iota
	SeverityWarn
	SeverityError
)

// Catalog exercises the non-default write handlers.
type Catalog interface {
	Stamp(ctx context.Context, m *Manifest) (*Manifest, error)
	Gather(ctx context.Context, gs []Greeter) ([]Greeter, error)
	Grade(ctx context.Context, v any) (any, error)
	Hold(ctx context.Context, v any) error
}

type catalogStub struct {
	*Proxy
}

func (s catalogStub) Stamp(ctx context.Context, m *Manifest) (*Manifest, error) {
	return Call[*Manifest](ctx, s.Proxy, "Stamp", m)
}

func (s catalogStub) Gather(ctx context.Context, gs []Greeter) ([]Greeter, error) {
	return Call[[]Greeter](ctx, s.Proxy, "Gather", gs)
}

func (s catalogStub) Grade(ctx context.Context, v any) (any, error) {
	return Call[any](ctx, s.Proxy, "Grade", v)
}

func (s catalogStub) Hold(ctx context.Context, v any) error {
	return Invoke(ctx, s.Proxy, "Hold", v)
}

type catalog struct {
	gathered atomic.Int32
}

func (c *catalog) Stamp(_ context.Context, m *Manifest) (*Manifest, error) {
	if m == nil {
		return nil, nil
	}
	out := *m
	out.Revision++
	return &out, nil
}

func (c *catalog) Gather(_ context.Context, gs []Greeter) ([]Greeter, error) {
	c.gathered.Add(int32(len(gs)))
	return gs, nil
}

func (c *catalog) Grade(_ context.Context, v any) (any, error) {
	if s, ok := v.(Severity); ok && s < SeverityError {
		return s + 1, nil
	}
	return v, nil
}

func (c *catalog) Hold(context.Context, any) error { return nil }

type Label struct {
	Text string
}

type labelWrapper struct {
	text string
}

func (w *labelWrapper) WriteWrapped(out *ObjectOutput) error {
	out.WriteString(w.text)
	return nil
}

func (w *labelWrapper) ReadWrapped(in *ObjectInput) error {
	s, err := in.ReadString()
	w.text = s + "!"
	return err
}

func (w *labelWrapper) ResolveWrapped() Resolution { return Resolved(&Label{Text: w.text}) }

func (w *labelWrapper) WrappedObject() (any, error) {
	return nil, errors.New("label is not exportable")
}

type Point struct {
	X, Y int
	Tag  string `rmi:"-"`
}

type OnlyA struct {
	V int
}

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	reg := NewRegistry()
	require.NoError(t, reg.RegisterInterface(InterfaceSpec{
		Name:     "test.Greeter",
		Type:     reflect.TypeFor[Greeter](),
		NewProxy: func(p *Proxy) any { return greeterStub{p} },
		Methods: []MethodSpec{
			{Name: "Lookup", Policy: Policy{CacheResult: true}},
			{Name: "Secret", Policy: Policy{
				Forbidden: true,
				RethrowAs: func(err error) error { return fmt.Errorf("%w: %w", errDenied, err) },
			}},
			{
				Name:    "Local",
				Policy:  Policy{Forbidden: true, DefaultOnFailure: true},
				Default: func(context.Context, any, []any) (any, error) { return "from-default", nil },
			},
			{
				Name:    "Version",
				Policy:  Policy{DefaultOnFailure: true},
				Default: func(context.Context, any, []any) (any, error) { return "local-version", nil },
			},
			{Name: "Shout", Policy: Policy{Redirect: shoutRedirect}},
			{Name: "Flaky", Policy: Policy{CacheResult: true}},
			{Name: "Guarded", Policy: Policy{
				RethrowAs: func(err error) error { return fmt.Errorf("%w: %w", errDenied, err) },
			}},
		},
	}))
	require.NoError(t, reg.RegisterEnum("test.Severity", Severity(0)))
	require.NoError(t, reg.RegisterSerializable("test.Manifest", &Manifest{}))
	require.NoError(t, reg.RegisterInterface(InterfaceSpec{
		Name:     "test.Catalog",
		Type:     reflect.TypeFor[Catalog](),
		NewProxy: func(p *Proxy) any { return catalogStub{p} },
		Methods: []MethodSpec{
			{Name: "Stamp", Params: []WriteHandler{Serialize()}, Result: Serialize()},
			{Name: "Gather", Params: []WriteHandler{ArrayOf(Remote())}, Result: ArrayOf(Remote())},
			{Name: "Grade", Params: []WriteHandler{Enum()}, Result: Enum()},
			{Name: "Hold", Params: []WriteHandler{Remote()}},
		},
	}))
	require.NoError(t, reg.RegisterSentinel("test.errBoom", errBoom))
	require.NoError(t, reg.RegisterValue("test.Point", Point{}))
	require.NoError(t, reg.RegisterWrapper(WrapperSpec{
		Name: "test.label",
		For:  reflect.TypeFor[*Label](),
		New:  func() Wrapper { return &labelWrapper{} },
		Wrap: func(v any) (Wrapper, error) { return &labelWrapper{text: v.(*Label).Text}, nil },
	}))
	return reg
}

// countingConn counts bytes written after the handshake.
type countingConn struct {
	net.Conn
	written atomic.Int64
}

func (c *countingConn) Write(p []byte) (int, error) {
	c.written.Add(int64(len(p)))
	return c.Conn.Write(p)
}

func handshakePair(t *testing.T, a, b io.ReadWriteCloser, regA, regB *Registry, optsA, optsB []Option) (*Conn, *Conn) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var ca, cb *Conn
	var g errgroup.Group
	g.Go(func() error {
		var err error
		ca, err = Handshake(ctx, a, regA, append([]Option{WithName("a")}, optsA...)...)
		return err
	})
	g.Go(func() error {
		var err error
		cb, err = Handshake(ctx, b, regB, append([]Option{WithName("b")}, optsB...)...)
		return err
	})
	require.NoError(t, g.Wait())
	t.Cleanup(func() {
		_ = ca.Close()
		_ = cb.Close()
	})
	return ca, cb
}

func connectPair(t *testing.T, optsA, optsB []Option) (*Conn, *Conn) {
	t.Helper()
	a, b := net.Pipe()
	return handshakePair(t, a, b, newTestRegistry(t), newTestRegistry(t), optsA, optsB)
}

// remoteGreeter publishes impl on cb and fetches its proxy through ca.
func remoteGreeter(t *testing.T, ca, cb *Conn, impl *greeter) Greeter {
	t.Helper()
	cb.PutContextVariable("greeter", impl)
	g, err := RemoteVariable[Greeter](context.Background(), ca, "greeter")
	require.NoError(t, err)
	require.True(t, IsRemote(g))
	return g
}

// remoteCatalog publishes impl on cb and fetches its proxy through ca.
func remoteCatalog(t *testing.T, ca, cb *Conn, impl *catalog) Catalog {
	t.Helper()
	cb.PutContextVariable("catalog", impl)
	c, err := RemoteVariable[Catalog](context.Background(), ca, "catalog")
	require.NoError(t, err)
	return c
}
