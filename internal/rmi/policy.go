package rmi

import (
	"context"
	"fmt"
)

// DefaultFunc is the local implementation of a method used when the call is
// forbidden or the remote call fails at the protocol level. stub is the proxy
// stub the call was made on.
type DefaultFunc func(ctx context.Context, stub any, args []any) (any, error)

// RedirectFunc receives every call of a redirected method in place of the
// remote call. It reaches the remote object through CallDirect.
type RedirectFunc func(ctx context.Context, stub any, args []any) (any, error)

// Policy is the dispatch policy of one interface method, evaluated on the
// proxy side in a fixed order: redirect, forbidden, cache-result, remote call
// with default-on-failure or rethrow.
type Policy struct {
	Forbidden        bool
	DefaultOnFailure bool
	CacheResult      bool
	// RethrowAs translates protocol failures (and call forbidden errors)
	// into a domain error.
	RethrowAs func(error) error
	Redirect  RedirectFunc
}

func (p Policy) IsZero() bool {
	return !p.Forbidden && !p.DefaultOnFailure && !p.CacheResult && p.RethrowAs == nil && p.Redirect == nil
}

// Validate rejects combinations with no consistent meaning.
func (p Policy) Validate(hasDefault bool) error {
	switch {
	case p.CacheResult && p.Forbidden:
		return fmt.Errorf("%w: cache-result on a forbidden method", ErrInvalidConfiguration)
	case p.DefaultOnFailure && p.RethrowAs != nil:
		return fmt.Errorf("%w: default-on-failure with rethrow", ErrInvalidConfiguration)
	case p.Redirect != nil && (p.RethrowAs != nil || p.DefaultOnFailure || p.CacheResult || p.Forbidden):
		return fmt.Errorf("%w: redirect combined with another policy", ErrInvalidConfiguration)
	case p.DefaultOnFailure && !hasDefault:
		return fmt.Errorf("%w: default-on-failure without a default implementation", ErrInvalidConfiguration)
	}
	return nil
}
