package rmi

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"reflect"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/buildrmi/internal/exc"
	"github.com/danmuck/buildrmi/internal/observability"
	"github.com/danmuck/buildrmi/internal/protocol/frame"
	"github.com/danmuck/buildrmi/internal/protocol/schema"
	"github.com/danmuck/buildrmi/internal/protocol/session"
	"github.com/danmuck/buildrmi/internal/ref"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

const goodbyeTimeout = time.Second

// Conn is one endpoint of an established connection. Both endpoints export
// and import objects symmetrically; either may call the other.
type Conn struct {
	name   string
	id     uuid.UUID
	peer   session.Hello
	reg    *Registry
	cfg    session.Config
	logger zerolog.Logger

	rw      io.ReadWriteCloser
	br      *bufio.Reader
	limits  frame.Limits
	writeMu sync.Mutex

	nextCall atomic.Uint64
	pendMu   sync.Mutex
	pending  map[uint64]chan frame.Frame

	peerNames []string
	peerTypes []*typeInfo

	exports   *exportTable
	importMu  sync.Mutex
	imports   *ref.Cache[uint64, Proxy]
	outbox    *session.ReleaseOutbox
	reexports *reexportTable
	rootObj   *rootObject
	root      *Proxy

	sem   *semaphore.Weighted
	stats *Statistics

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
	closed    chan struct{}
	errMu     sync.Mutex
	err       error
}

// Handshake establishes a connection over rw, which must already be
// connected. Both endpoints call Handshake; it freezes reg. Cancelling ctx
// before the handshake completes closes rw.
func Handshake(ctx context.Context, rw io.ReadWriteCloser, reg *Registry, opts ...Option) (*Conn, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	strategy, err := o.referenceStrategy()
	if err != nil {
		return nil, err
	}
	reg.freeze()

	c := &Conn{
		name:      o.Name,
		id:        uuid.New(),
		reg:       reg,
		cfg:       o.Config,
		rw:        rw,
		br:        bufio.NewReader(rw),
		limits:    o.Config.Limits(),
		pending:   make(map[uint64]chan frame.Frame),
		exports:   newExportTable(),
		imports:   ref.NewCache[uint64, Proxy](strategy),
		outbox:    session.NewReleaseOutbox(),
		reexports: newReexportTable(),
		rootObj:   newRootObject(),
		closed:    make(chan struct{}),
	}
	c.logger = o.Logger.With().Str("conn", c.name).Str("endpoint", c.id.String()).Logger()
	if o.Config.Workers > 0 {
		c.sem = semaphore.NewWeighted(int64(o.Config.Workers))
	}
	if o.Config.Statistics {
		c.stats = NewStatistics()
	}

	if err := c.hello(ctx); err != nil {
		return nil, err
	}
	c.exports.pin(rootObjectID, c.rootObj)
	c.root = c.newProxy(rootObjectID, []*ifaceInfo{reg.interfaceByName("rmi.Root")})
	c.ctx, c.cancel = context.WithCancel(context.Background())

	observability.ConnectionOpened()
	c.logger.Info().
		Str("peer", c.peer.EndpointID.String()).
		Int("peer_types", len(c.peer.Types)).
		Bool("peer_statistics", c.peer.Statistics).
		Str("references", strategy.String()).
		Msg("rmi connection established")

	go c.readLoop()
	go c.gcLoop()
	return c, nil
}

func (c *Conn) hello(ctx context.Context) error {
	if c.cfg.HandshakeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.HandshakeTimeout)
		defer cancel()
	}
	stop := context.AfterFunc(ctx, func() { _ = c.rw.Close() })

	local := session.Hello{
		EndpointID: c.id,
		Version:    session.ProtocolVersion,
		Types:      c.reg.Names(),
		Statistics: c.stats != nil,
	}
	var g errgroup.Group
	g.Go(func() error {
		if err := session.WriteHello(c.rw, local); err != nil {
			_ = c.rw.Close()
			return err
		}
		return nil
	})
	g.Go(func() error {
		h, err := session.ReadHello(c.br)
		if err != nil {
			_ = c.rw.Close()
			return err
		}
		c.peer = h
		return nil
	})
	err := g.Wait()
	if !stop() {
		return newProtocolFailure("handshake", multierr.Append(ctx.Err(), err))
	}
	if err != nil {
		return newProtocolFailure("handshake", err)
	}

	c.peerNames = c.peer.Types
	c.peerTypes = make([]*typeInfo, len(c.peerNames))
	for i, name := range c.peerNames {
		c.peerTypes[i] = c.reg.lookupName(name)
	}
	return nil
}

// peerType resolves a type index from the peer's name table.
func (c *Conn) peerType(idx uint64) (*typeInfo, error) {
	if idx >= uint64(len(c.peerNames)) {
		return nil, decodeErrorf("type index %d out of range", idx)
	}
	if info := c.peerTypes[idx]; info != nil {
		return info, nil
	}
	name := c.peerNames[idx]
	if c.stats != nil {
		c.stats.RecordInaccessible(name)
	}
	return nil, &ProtocolFailure{
		Message: "inaccessible type " + name,
		Code:    schema.CodeInaccessibleType,
		trace:   exc.Callers(1),
	}
}

func (c *Conn) Name() string { return c.name }

func (c *Conn) EndpointID() uuid.UUID { return c.id }

func (c *Conn) PeerID() uuid.UUID { return c.peer.EndpointID }

func (c *Conn) Registry() *Registry { return c.reg }

// Statistics returns nil unless statistics were enabled for the connection.
func (c *Conn) Statistics() *Statistics { return c.stats }

// IsExported reports whether obj is currently exported to the peer.
func (c *Conn) IsExported(obj any) bool { return c.exports.contains(obj) }

// ExportedCount counts objects the peer may still hold proxies for.
func (c *Conn) ExportedCount() int { return c.exports.len() }

// ImportedCount counts live proxies for peer objects.
func (c *Conn) ImportedCount() int { return c.imports.Len() }

// Done is closed once the connection is closed.
func (c *Conn) Done() <-chan struct{} { return c.closed }

// Err returns the failure that closed the connection, or nil after Close.
func (c *Conn) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

func (c *Conn) newOutput() *ObjectOutput {
	return &ObjectOutput{conn: c}
}

func (c *Conn) newProxy(id uint64, ifaces []*ifaceInfo) *Proxy {
	return &Proxy{
		conn:   c,
		id:     id,
		epoch:  new(atomic.Uint64),
		ifaces: ifaces,
		stubs:  make(map[*ifaceInfo]any, len(ifaces)),
	}
}

type importNote struct {
	id    uint64
	epoch *atomic.Uint64
}

// importProxy returns the single live proxy for the peer object id.
func (c *Conn) importProxy(id, epoch uint64, ifaces []*ifaceInfo) *Proxy {
	if id == rootObjectID {
		return c.root
	}
	c.importMu.Lock()
	defer c.importMu.Unlock()
	p, created := c.imports.GetOrPut(id, func() *Proxy { return c.newProxy(id, ifaces) })
	if created {
		runtime.AddCleanup(p, c.proxyCollected, importNote{id: id, epoch: p.epoch})
	}
	p.observeEpoch(epoch)
	return p
}

// proxyCollected queues a release naming the highest epoch the collected
// proxy observed.
func (c *Conn) proxyCollected(n importNote) {
	select {
	case <-c.closed:
		return
	default:
	}
	c.importMu.Lock()
	c.imports.DeleteCollected(n.id)
	c.importMu.Unlock()
	c.outbox.Upsert(session.PendingRelease{ObjectID: n.id, Epoch: n.epoch.Load(), QueuedAt: time.Now()})
}

func (c *Conn) gcLoop() {
	for {
		select {
		case <-c.closed:
			return
		case <-c.outbox.Ready():
		}
		for _, r := range c.outbox.Drain() {
			f, err := session.EncodeReleaseFrame(session.Release{ObjectID: r.ObjectID, Epoch: r.Epoch})
			if err != nil {
				c.logger.Warn().Err(err).Uint64("object", r.ObjectID).Msg("rmi.Conn.gcLoop encode release")
				continue
			}
			if err := c.writeFrame(f); err != nil {
				c.fail(err)
				return
			}
			observability.RecordRelease("outbound", true)
			c.logger.Debug().Uint64("object", r.ObjectID).Uint64("epoch", r.Epoch).Msg("rmi release sent")
		}
	}
}

func (c *Conn) writeFrame(f frame.Frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return frame.WriteFrame(c.rw, f, c.limits)
}

func (c *Conn) readLoop() {
	for {
		f, err := frame.ReadFrame(c.br, c.limits)
		if err != nil {
			if errors.Is(err, frame.ErrPayloadTooLarge) || errors.Is(err, frame.ErrInvalidMagic) {
				c.logger.Warn().Err(err).Msg("rmi.Conn.readLoop malformed frame")
			}
			c.fail(err)
			return
		}
		switch f.Header.MessageType {
		case schema.MsgCall:
			c.dispatch(f)
		case schema.MsgReturn, schema.MsgFailure, schema.MsgProtocolError:
			c.deliver(f)
		case schema.MsgRelease:
			r, err := session.DecodeReleaseFrame(f)
			if err != nil {
				c.logger.Warn().Err(err).Msg("rmi.Conn.readLoop decode release")
				continue
			}
			applied := c.exports.release(r.ObjectID, r.Epoch)
			observability.RecordRelease("inbound", applied)
			c.logger.Debug().Uint64("object", r.ObjectID).Uint64("epoch", r.Epoch).Bool("applied", applied).Msg("rmi release received")
		case schema.MsgGoodbye:
			g, _ := session.DecodeGoodbyeFrame(f)
			c.logger.Info().Str("reason", g.Reason).Msg("rmi peer said goodbye")
			c.shutdown(nil, false)
			return
		default:
			c.logger.Warn().Uint32("type", f.Header.MessageType).Msg("rmi.Conn.readLoop unexpected message type")
			if !f.IsResponse() && f.Header.CallID != 0 {
				c.replyProtocolError(f.Header.CallID, schema.CodeDecodeFailed, "unexpected message type")
			}
		}
	}
}

func (c *Conn) deliver(f frame.Frame) {
	c.pendMu.Lock()
	ch, ok := c.pending[f.Header.CallID]
	delete(c.pending, f.Header.CallID)
	c.pendMu.Unlock()
	if !ok {
		c.logger.Debug().Uint64("call", f.Header.CallID).Msg("rmi response for abandoned call")
		return
	}
	ch <- f
}

// dispatch runs an inbound call on its own goroutine; the read loop never
// waits for a worker.
func (c *Conn) dispatch(f frame.Frame) {
	callID := f.Header.CallID
	call, err := session.DecodeCallFrame(f)
	if err != nil {
		c.replyProtocolError(callID, schema.CodeDecodeFailed, err.Error())
		return
	}
	go func() {
		if c.sem != nil {
			if err := c.sem.Acquire(c.ctx, 1); err != nil {
				c.replyProtocolError(callID, schema.CodeShuttingDown, "connection closing")
				return
			}
			defer c.sem.Release(1)
		}
		c.serve(callID, call)
	}()
}

func (c *Conn) serve(callID uint64, call session.Call) {
	start := time.Now()
	outcome := "ok"
	defer func() {
		observability.RecordCall("server", call.Interface, call.Method, outcome, time.Since(start))
	}()
	reject := func(code uint32, format string, args ...any) {
		outcome = "protocol_failure"
		c.replyProtocolError(callID, code, fmt.Sprintf(format, args...))
	}

	obj, ok := c.exports.lookup(call.ObjectID)
	if !ok {
		reject(schema.CodeUnknownObject, "unknown object %d", call.ObjectID)
		return
	}
	ii := c.reg.interfaceByName(call.Interface)
	if ii == nil {
		if c.stats != nil {
			c.stats.RecordInaccessible(call.Interface)
		}
		reject(schema.CodeInaccessibleType, "inaccessible interface %s", call.Interface)
		return
	}
	m, ok := ii.methods[call.Method]
	rv := reflect.ValueOf(obj)
	if !ok || !rv.Type().Implements(ii.typ) {
		reject(schema.CodeUnknownMethod, "%s.%s on object %d", call.Interface, call.Method, call.ObjectID)
		return
	}

	in := &ObjectInput{conn: c, buf: call.Args}
	args, err := c.readArgs(in, m)
	if err != nil {
		var pf *ProtocolFailure
		if errors.As(err, &pf) && pf.Code != 0 {
			reject(pf.Code, "%s", pf.Message)
		} else {
			reject(schema.CodeDecodeFailed, "%s.%s arguments: %v", call.Interface, call.Method, err)
		}
		return
	}

	result, appErr := c.invokeLocal(rv.MethodByName(m.name), args, m)
	out := c.newOutput()
	defer out.discard()
	if appErr != nil {
		outcome = "application_error"
		if err := out.writeError(appErr); err != nil {
			reject(schema.CodeEncodeFailed, "%s.%s error: %v", call.Interface, call.Method, err)
			return
		}
		f, err := session.EncodeFailureFrame(callID, session.Failure{Exception: out.buf})
		if c.reply(callID, f, err) {
			out.commit()
		}
		return
	}
	if err := out.write(result, m.result); err != nil {
		reject(schema.CodeEncodeFailed, "%s.%s result: %v", call.Interface, call.Method, err)
		return
	}
	f, err := session.EncodeReturnFrame(callID, session.Return{Result: out.buf})
	if c.reply(callID, f, err) {
		out.commit()
	}
}

func (c *Conn) readArgs(in *ObjectInput, m *methodInfo) ([]reflect.Value, error) {
	n, err := in.uvarint()
	if err != nil {
		return nil, err
	}
	if n != uint64(m.numArgs) {
		return nil, decodeErrorf("got %d arguments, want %d", n, m.numArgs)
	}
	args := make([]reflect.Value, 0, m.numArgs+1)
	if m.hasCtx {
		args = append(args, reflect.ValueOf(c.ctx))
	}
	for _, t := range m.in {
		v, err := in.read(t)
		if err != nil {
			return nil, err
		}
		args = append(args, v)
	}
	return args, nil
}

// invokeLocal calls fn and splits its results. A panic becomes an error
// returned to the caller.
func (c *Conn) invokeLocal(fn reflect.Value, args []reflect.Value, m *methodInfo) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error().Interface("panic", r).Str("method", m.iface.name+"."+m.name).Msg("rmi inbound call panicked")
			result, err = nil, &panicError{value: r, trace: exc.Callers(2)}
		}
	}()
	outs := fn.Call(args)
	if n := len(outs); n > 0 && fn.Type().Out(n-1) == errorType {
		if e := outs[n-1].Interface(); e != nil {
			return nil, e.(error)
		}
		outs = outs[:n-1]
	}
	if len(outs) == 1 {
		return outs[0].Interface(), nil
	}
	return nil, nil
}

// reply sends f and reports whether it reached the wire.
func (c *Conn) reply(callID uint64, f frame.Frame, err error) bool {
	if err != nil {
		c.logger.Warn().Err(err).Uint64("call", callID).Msg("rmi.Conn.reply encode")
		c.replyProtocolError(callID, schema.CodeEncodeFailed, err.Error())
		return false
	}
	if err := c.writeFrame(f); err != nil {
		c.fail(err)
		return false
	}
	return true
}

func (c *Conn) replyProtocolError(callID uint64, code uint32, msg string) {
	f, err := session.EncodeProtocolErrorFrame(callID, session.ProtocolError{Code: code, Message: msg})
	if err != nil {
		c.logger.Warn().Err(err).Uint64("call", callID).Msg("rmi.Conn.replyProtocolError encode")
		return
	}
	if err := c.writeFrame(f); err != nil {
		c.fail(err)
	}
}

// roundTrip performs one outbound call. Arguments are fully written before
// any bytes are sent, so a transfer failure leaves the connection and its
// export epochs untouched.
func (c *Conn) roundTrip(ctx context.Context, p *Proxy, m *methodInfo, args []any, rt reflect.Type) (any, error) {
	if len(args) != m.numArgs {
		return nil, newTransferFailure(m.iface.name+"."+m.name, "got %d arguments, want %d", len(args), m.numArgs)
	}
	out := c.newOutput()
	defer out.discard()
	out.buf = binary.AppendUvarint(out.buf, uint64(len(args)))
	for i, a := range args {
		if !argCompatible(a, m.in[i]) {
			return nil, newTransferFailure(fmt.Sprintf("%T", a), "argument %d of %s.%s wants %s", i, m.iface.name, m.name, m.in[i])
		}
		if err := out.write(a, m.param(i)); err != nil {
			return nil, err
		}
	}

	callID := c.nextCall.Add(1)
	f, err := session.EncodeCallFrame(callID, session.Call{
		ObjectID:  p.id,
		Interface: m.iface.name,
		Method:    m.name,
		Args:      out.buf,
	})
	if err != nil {
		return nil, newProtocolFailure("encode call", err)
	}
	ch := make(chan frame.Frame, 1)
	c.pendMu.Lock()
	if c.pending == nil {
		c.pendMu.Unlock()
		return nil, c.closedFailure()
	}
	c.pending[callID] = ch
	c.pendMu.Unlock()

	if err := c.writeFrame(f); err != nil {
		c.forget(callID)
		c.fail(err)
		return nil, newProtocolFailure("write call", err)
	}
	out.commit()

	select {
	case resp, ok := <-ch:
		if !ok {
			return nil, c.closedFailure()
		}
		return c.response(resp, rt)
	case <-ctx.Done():
		c.forget(callID)
		return nil, newProtocolFailure("call abandoned", ctx.Err())
	}
}

func (c *Conn) forget(callID uint64) {
	c.pendMu.Lock()
	delete(c.pending, callID)
	c.pendMu.Unlock()
}

func (c *Conn) response(f frame.Frame, rt reflect.Type) (any, error) {
	switch f.Header.MessageType {
	case schema.MsgReturn:
		r, err := session.DecodeReturnFrame(f)
		if err != nil {
			return nil, decodeFailure(err)
		}
		t := rt
		if t == nil {
			t = anyType
		}
		in := &ObjectInput{conn: c, buf: r.Result}
		v, err := in.read(t)
		if err != nil {
			return nil, decodeFailure(err)
		}
		if rt == nil || !v.IsValid() {
			return nil, nil
		}
		return v.Interface(), nil
	case schema.MsgFailure:
		fl, err := session.DecodeFailureFrame(f)
		if err != nil {
			return nil, decodeFailure(err)
		}
		in := &ObjectInput{conn: c, buf: fl.Exception}
		v, err := in.read(errorType)
		if err != nil {
			return nil, decodeFailure(err)
		}
		if e, ok := v.Interface().(error); ok && e != nil {
			return nil, e
		}
		return nil, &ProtocolFailure{Message: "empty failure response", Code: schema.CodeDecodeFailed, trace: exc.Callers(1)}
	case schema.MsgProtocolError:
		pe, err := session.DecodeProtocolErrorFrame(f)
		if err != nil {
			return nil, decodeFailure(err)
		}
		return nil, &ProtocolFailure{Message: pe.Message, Code: pe.Code, trace: exc.Callers(1)}
	}
	return nil, &ProtocolFailure{Message: "unexpected response " + schema.Name(f.Header.MessageType), Code: schema.CodeDecodeFailed, trace: exc.Callers(1)}
}

func decodeFailure(err error) *ProtocolFailure {
	var pf *ProtocolFailure
	if errors.As(err, &pf) {
		return pf
	}
	return &ProtocolFailure{Message: "decode response", Code: schema.CodeDecodeFailed, Err: err, trace: exc.Callers(1)}
}

// argCompatible rejects arguments the peer could not decode into the
// parameter type. Numeric values may still be narrowed by the peer.
func argCompatible(a any, t reflect.Type) bool {
	if a == nil {
		switch t.Kind() {
		case reflect.Pointer, reflect.Interface, reflect.Slice, reflect.Map, reflect.Func, reflect.Chan:
			return true
		}
		return false
	}
	at := reflect.TypeOf(a)
	if at.AssignableTo(t) {
		return true
	}
	if at.Kind() == reflect.Pointer && at.Elem().AssignableTo(t) {
		return true
	}
	if t.Kind() == reflect.Pointer && at.AssignableTo(t.Elem()) {
		return true
	}
	return sameClass(at.Kind(), t.Kind()) && at.ConvertibleTo(t)
}

func (c *Conn) closedFailure() *ProtocolFailure {
	if err := c.Err(); err != nil {
		return newProtocolFailure("connection closed", fmt.Errorf("%w: %w", ErrConnectionClosed, err))
	}
	return closedFailure()
}

// fail closes the connection after an unrecoverable I/O error.
func (c *Conn) fail(err error) {
	c.shutdown(err, false)
}

// Close says goodbye to the peer and tears the connection down. Every
// outstanding call fails with a ProtocolFailure wrapping ErrConnectionClosed
// and every proxy created over the connection becomes unusable.
func (c *Conn) Close() error {
	return c.shutdown(nil, true)
}

func (c *Conn) shutdown(cause error, goodbye bool) error {
	var result error
	c.closeOnce.Do(func() {
		if goodbye {
			result = multierr.Append(result, c.sayGoodbye())
		}
		if cause != nil && !errors.Is(cause, io.EOF) {
			c.errMu.Lock()
			c.err = cause
			c.errMu.Unlock()
		}
		close(c.closed)
		c.cancel()
		if err := c.rw.Close(); err != nil && cause == nil {
			result = multierr.Append(result, err)
		}

		c.pendMu.Lock()
		pending := c.pending
		c.pending = nil
		c.pendMu.Unlock()
		for _, ch := range pending {
			close(ch)
		}

		c.exports.clear()
		c.importMu.Lock()
		c.imports.Clear()
		c.importMu.Unlock()
		c.reexports.clear()
		c.outbox.Drain()

		observability.ConnectionClosed()
		ev := c.logger.Info()
		if cause != nil && !errors.Is(cause, io.EOF) {
			ev = c.logger.Warn().Err(cause)
		}
		ev.Int("failed_calls", len(pending)).Msg("rmi connection closed")
	})
	return result
}

func (c *Conn) sayGoodbye() error {
	f, err := session.EncodeGoodbyeFrame(session.Goodbye{Reason: "closed"})
	if err != nil {
		return err
	}
	done := make(chan error, 1)
	go func() { done <- c.writeFrame(f) }()
	select {
	case err := <-done:
		return err
	case <-time.After(goodbyeTimeout):
		return nil
	}
}
