package rmi

import (
	"fmt"

	"github.com/danmuck/buildrmi/internal/protocol/session"
	"github.com/danmuck/buildrmi/internal/ref"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Options configures one connection.
type Options struct {
	Name     string
	Config   session.Config
	Logger   zerolog.Logger
	strategy *ref.Strategy
}

type Option func(*Options)

func defaultOptions() Options {
	return Options{
		Name:   "rmi",
		Config: session.DefaultConfig(),
		Logger: log.Logger,
	}
}

func WithConfig(cfg session.Config) Option {
	return func(o *Options) { o.Config = cfg }
}

// WithName labels the connection in logs and diagnostics.
func WithName(name string) Option {
	return func(o *Options) { o.Name = name }
}

func WithLogger(logger zerolog.Logger) Option {
	return func(o *Options) { o.Logger = logger }
}

// WithStatistics enables per-method call timing.
func WithStatistics(enabled bool) Option {
	return func(o *Options) { o.Config.Statistics = enabled }
}

// WithWorkers bounds concurrently executing inbound calls; n <= 0 is unbounded.
func WithWorkers(n int) Option {
	return func(o *Options) { o.Config.Workers = n }
}

// WithReferenceStrategy sets how imported proxies are retained.
func WithReferenceStrategy(s ref.Strategy) Option {
	return func(o *Options) { o.strategy = &s }
}

func (o Options) referenceStrategy() (ref.Strategy, error) {
	if o.strategy != nil {
		return *o.strategy, nil
	}
	s, err := ref.Parse(o.Config.ReferencePolicy, o.Config.SoftRetain)
	if err != nil {
		return ref.Strategy{}, fmt.Errorf("%w: %w", ErrInvalidConfiguration, err)
	}
	return s, nil
}
