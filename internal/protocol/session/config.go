package session

import (
	"runtime"
	"time"

	"github.com/danmuck/buildrmi/internal/protocol/frame"
)

// BackoffConfig defines retry backoff behavior.
type BackoffConfig struct {
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
	Jitter       bool
}

// Config defines per-connection session defaults.
type Config struct {
	ConnectTimeout   time.Duration
	HandshakeTimeout time.Duration
	// Workers bounds concurrently executing inbound calls. Zero or less
	// leaves them unbounded. Nested callbacks each hold a worker.
	Workers         int
	MaxPayloadBytes uint64
	Statistics      bool
	// ReferencePolicy is "weak" or "soft"; SoftRetain bounds the soft ring.
	ReferencePolicy string
	SoftRetain      int
	Backoff         BackoffConfig
}

func DefaultConfig() Config {
	return Config{
		ConnectTimeout:   5 * time.Second,
		HandshakeTimeout: 5 * time.Second,
		Workers:          max(64, runtime.GOMAXPROCS(0)*8),
		MaxPayloadBytes:  frame.DefaultLimits().MaxPayloadBytes,
		ReferencePolicy:  "weak",
		SoftRetain:       64,
		Backoff: BackoffConfig{
			InitialDelay: 250 * time.Millisecond,
			Multiplier:   2.0,
			MaxDelay:     5 * time.Second,
			Jitter:       true,
		},
	}
}

func (c Config) Limits() frame.Limits {
	if c.MaxPayloadBytes == 0 {
		return frame.DefaultLimits()
	}
	return frame.Limits{MaxPayloadBytes: c.MaxPayloadBytes}
}
