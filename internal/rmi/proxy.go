package rmi

import (
	"context"
	"fmt"
	"reflect"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/buildrmi/internal/exc"
	"github.com/danmuck/buildrmi/internal/observability"
	"golang.org/x/sync/singleflight"
)

// Proxy is the local half of a remote object. Generated style stubs embed
// *Proxy and forward their methods through Call and Invoke.
type Proxy struct {
	conn   *Conn
	id     uint64
	epoch  *atomic.Uint64
	ifaces []*ifaceInfo

	stubMu sync.Mutex
	stubs  map[*ifaceInfo]any

	flight  singleflight.Group
	cacheMu sync.Mutex
	cache   map[string]any
}

// RemoteProxy is promoted to every stub embedding *Proxy.
func (p *Proxy) RemoteProxy() *Proxy { return p }

func (p *Proxy) Conn() *Conn { return p.conn }

func (p *Proxy) ObjectID() uint64 { return p.id }

// Interfaces lists the registered interfaces the remote object implements.
func (p *Proxy) Interfaces() []string {
	out := make([]string, len(p.ifaces))
	for i, ii := range p.ifaces {
		out[i] = ii.name
	}
	return out
}

func (p *Proxy) String() string {
	return fmt.Sprintf("rmi.Proxy{id=%d ifaces=%v}", p.id, p.Interfaces())
}

type remoteProxy interface {
	RemoteProxy() *Proxy
}

// ProxyOf returns the proxy behind a stub, or nil for local objects.
func ProxyOf(v any) *Proxy {
	if rp, ok := v.(remoteProxy); ok {
		return rp.RemoteProxy()
	}
	return nil
}

// IsRemote reports whether v is a stub for an object on the other endpoint.
func IsRemote(v any) bool {
	return ProxyOf(v) != nil
}

// stub returns the stub for ii, creating it on first use.
func (p *Proxy) stub(ii *ifaceInfo) any {
	p.stubMu.Lock()
	defer p.stubMu.Unlock()
	if s, ok := p.stubs[ii]; ok {
		return s
	}
	s := ii.newProxy(p)
	p.stubs[ii] = s
	return s
}

// stubFor picks the stub assignable to target.
func (p *Proxy) stubFor(target reflect.Type) (any, bool) {
	if target == proxyPtrType {
		return p, true
	}
	for _, ii := range p.ifaces {
		if target == anyType || ii.typ == target || ii.typ.Implements(target) {
			return p.stub(ii), true
		}
	}
	if target.Kind() == reflect.Interface && reflect.TypeOf(p).Implements(target) {
		return p, true
	}
	return nil, false
}

var proxyPtrType = reflect.TypeFor[*Proxy]()

// observeEpoch raises the proxy's epoch to e.
func (p *Proxy) observeEpoch(e uint64) {
	for {
		cur := p.epoch.Load()
		if e <= cur || p.epoch.CompareAndSwap(cur, e) {
			return
		}
	}
}

func (p *Proxy) method(name string) (*methodInfo, error) {
	for _, ii := range p.ifaces {
		if m, ok := ii.methods[name]; ok {
			return m, nil
		}
	}
	return nil, fmt.Errorf("%w: %q on %s", ErrUnknownMethod, name, p)
}

// Call invokes method on the remote object under the method's policy and
// returns its result.
func Call[T any](ctx context.Context, p *Proxy, method string, args ...any) (T, error) {
	out, err := p.invoke(ctx, method, args, reflect.TypeFor[T](), false)
	return as[T](out, err)
}

// Invoke is Call for methods without a result.
func Invoke(ctx context.Context, p *Proxy, method string, args ...any) error {
	_, err := p.invoke(ctx, method, args, nil, false)
	return err
}

// CallDirect performs the remote call of a redirected method. Redirect
// functions use it to reach the remote object.
func CallDirect[T any](ctx context.Context, p *Proxy, method string, args ...any) (T, error) {
	out, err := p.invoke(ctx, method, args, reflect.TypeFor[T](), true)
	return as[T](out, err)
}

func as[T any](out any, err error) (T, error) {
	var zero T
	if err != nil || out == nil {
		return zero, err
	}
	v, ok := out.(T)
	if !ok {
		return zero, fmt.Errorf("rmi: result %T is not assignable to %s", out, reflect.TypeFor[T]())
	}
	return v, nil
}

func (p *Proxy) invoke(ctx context.Context, name string, args []any, rt reflect.Type, direct bool) (any, error) {
	m, err := p.method(name)
	if err != nil {
		return nil, err
	}
	if rt == nil {
		rt = m.out
	}
	pol := m.policy
	if pol.Redirect != nil && !direct {
		observability.RecordCall("client", m.iface.name, m.name, "redirected", 0)
		return pol.Redirect(ctx, p.stub(m.iface), args)
	}
	if pol.Forbidden {
		if pol.DefaultOnFailure {
			observability.RecordCall("client", m.iface.name, m.name, "default", 0)
			return m.def(ctx, p.stub(m.iface), args)
		}
		observability.RecordCall("client", m.iface.name, m.name, "forbidden", 0)
		ferr := &CallForbiddenError{Interface: m.iface.name, Method: m.name, trace: exc.Callers(2)}
		if pol.RethrowAs != nil {
			return nil, pol.RethrowAs(ferr)
		}
		return nil, ferr
	}
	if pol.CacheResult {
		return p.cached(ctx, m, args, rt)
	}
	out, err := p.remote(ctx, m, args, rt)
	if err != nil {
		return p.failed(ctx, m, args, err)
	}
	return out, nil
}

// cached serves the first successful result of m for every later call,
// regardless of arguments. Concurrent first calls share one remote call.
func (p *Proxy) cached(ctx context.Context, m *methodInfo, args []any, rt reflect.Type) (any, error) {
	if v, ok := p.cachedValue(m.name); ok {
		observability.RecordCall("client", m.iface.name, m.name, "cached", 0)
		return v, nil
	}
	v, err, _ := p.flight.Do(m.name, func() (any, error) {
		if v, ok := p.cachedValue(m.name); ok {
			return v, nil
		}
		out, err := p.remote(ctx, m, args, rt)
		if err != nil {
			return nil, err
		}
		p.cacheMu.Lock()
		if p.cache == nil {
			p.cache = make(map[string]any)
		}
		p.cache[m.name] = out
		p.cacheMu.Unlock()
		return out, nil
	})
	if err != nil {
		return p.failed(ctx, m, args, err)
	}
	return v, nil
}

func (p *Proxy) cachedValue(name string) (any, bool) {
	p.cacheMu.Lock()
	defer p.cacheMu.Unlock()
	v, ok := p.cache[name]
	return v, ok
}

// failed applies default-on-failure and rethrow to protocol failures.
// Application errors and transfer failures pass through unchanged.
func (p *Proxy) failed(ctx context.Context, m *methodInfo, args []any, err error) (any, error) {
	pf, ok := err.(*ProtocolFailure)
	if !ok {
		return nil, err
	}
	switch {
	case m.policy.DefaultOnFailure:
		out, derr := m.def(ctx, p.stub(m.iface), args)
		if derr != nil {
			return nil, exc.Suppress(derr, pf)
		}
		return out, nil
	case m.policy.RethrowAs != nil:
		return nil, m.policy.RethrowAs(pf)
	}
	return nil, pf
}

func (p *Proxy) remote(ctx context.Context, m *methodInfo, args []any, rt reflect.Type) (any, error) {
	start := time.Now()
	out, err := p.conn.roundTrip(ctx, p, m, args, rt)
	d := time.Since(start)
	outcome := "ok"
	switch err.(type) {
	case nil:
	case *ProtocolFailure:
		outcome = "protocol_failure"
	case *TransferFailure:
		outcome = "transfer_failure"
	default:
		outcome = "application_error"
	}
	observability.RecordCall("client", m.iface.name, m.name, outcome, d)
	if p.conn.stats != nil {
		if _, local := err.(*TransferFailure); !local {
			p.conn.stats.RecordCall(m.iface.name, m.name, d)
		}
	}
	return out, err
}
