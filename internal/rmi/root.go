package rmi

import (
	"context"
	"fmt"
	"reflect"
	"sync"
)

// Root is the object every connection exports under the reserved id. It
// serves the connection's context variables to the peer.
type Root interface {
	Variable(ctx context.Context, name string) (any, error)
}

type rootObject struct {
	mu   sync.RWMutex
	vars map[string]any
}

func newRootObject() *rootObject {
	return &rootObject{vars: make(map[string]any)}
}

func (r *rootObject) Variable(_ context.Context, name string) (any, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.vars[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownVariable, name)
	}
	return v, nil
}

func (r *rootObject) put(name string, v any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if v == nil {
		delete(r.vars, name)
		return
	}
	r.vars[name] = v
}

type rootStub struct {
	*Proxy
}

func (s rootStub) Variable(ctx context.Context, name string) (any, error) {
	return Call[any](ctx, s.Proxy, "Variable", name)
}

func mustRegisterRoot(r *Registry) {
	if err := r.RegisterInterface(InterfaceSpec{
		Name:     "rmi.Root",
		Type:     reflect.TypeFor[Root](),
		NewProxy: func(p *Proxy) any { return rootStub{p} },
	}); err != nil {
		panic(err)
	}
	if err := r.RegisterSentinel("rmi.ErrUnknownVariable", ErrUnknownVariable); err != nil {
		panic(err)
	}
}

// PutContextVariable publishes v to the peer under name. A nil v removes it.
func (c *Conn) PutContextVariable(name string, v any) {
	c.rootObj.put(name, v)
}

// Root returns the peer's root object.
func (c *Conn) Root() Root {
	s, _ := c.root.stubFor(reflect.TypeFor[Root]())
	return s.(Root)
}

// RemoteVariable fetches a context variable the peer published, typed as T.
func RemoteVariable[T any](ctx context.Context, c *Conn, name string) (T, error) {
	v, err := c.Root().Variable(ctx, name)
	return as[T](v, err)
}
