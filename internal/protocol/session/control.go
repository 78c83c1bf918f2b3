package session

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"slices"

	"github.com/google/uuid"
)

const (
	controlTypeHello = "rmi.hello"

	ProtocolVersion uint32 = 1
)

var (
	ErrInvalidHello           = errors.New("session: invalid hello")
	ErrVersionMismatch        = errors.New("session: protocol version mismatch")
	ErrControlMessageTooLarge = errors.New("session: control message too large")
)

// Hello is sent by both endpoints before any framed traffic.
// Types is the sender's sorted registry name table; wire type ids index it.
type Hello struct {
	EndpointID uuid.UUID `json:"endpoint_id"`
	Version    uint32    `json:"version"`
	Types      []string  `json:"types"`
	Statistics bool      `json:"statistics"`
}

func (h Hello) Validate() error {
	if h.EndpointID == uuid.Nil {
		return fmt.Errorf("%w: missing endpoint_id", ErrInvalidHello)
	}
	if h.Version == 0 {
		return fmt.Errorf("%w: missing version", ErrInvalidHello)
	}
	if !slices.IsSorted(h.Types) {
		return fmt.Errorf("%w: type table not sorted", ErrInvalidHello)
	}
	for i := 1; i < len(h.Types); i++ {
		if h.Types[i] == h.Types[i-1] {
			return fmt.Errorf("%w: duplicate type %q", ErrInvalidHello, h.Types[i])
		}
	}
	return nil
}

type controlEnvelope struct {
	Type  string `json:"type"`
	Hello *Hello `json:"hello,omitempty"`
}

func WriteHello(w io.Writer, h Hello) error {
	if err := h.Validate(); err != nil {
		return err
	}
	return writeControlEnvelope(w, controlEnvelope{
		Type:  controlTypeHello,
		Hello: &h,
	})
}

func ReadHello(r *bufio.Reader) (Hello, error) {
	env, err := readControlEnvelope(r)
	if err != nil {
		return Hello{}, err
	}
	if env.Type != controlTypeHello || env.Hello == nil {
		return Hello{}, fmt.Errorf("%w: unexpected control type", ErrInvalidHello)
	}
	if err := env.Hello.Validate(); err != nil {
		return Hello{}, err
	}
	if env.Hello.Version != ProtocolVersion {
		return Hello{}, fmt.Errorf("%w: got %d want %d", ErrVersionMismatch, env.Hello.Version, ProtocolVersion)
	}
	return *env.Hello, nil
}

func writeControlEnvelope(w io.Writer, env controlEnvelope) error {
	payload, err := json.Marshal(env)
	if err != nil {
		return err
	}
	payload = append(payload, '\n')
	if _, err := w.Write(payload); err != nil {
		return err
	}
	return nil
}

func readControlEnvelope(r *bufio.Reader) (controlEnvelope, error) {
	line, err := r.ReadBytes('\n')
	if err != nil {
		return controlEnvelope{}, err
	}
	if len(line) > 1024*1024 {
		return controlEnvelope{}, ErrControlMessageTooLarge
	}
	var env controlEnvelope
	if err := json.Unmarshal(line, &env); err != nil {
		return controlEnvelope{}, err
	}
	return env, nil
}
