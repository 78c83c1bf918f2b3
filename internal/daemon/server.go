package daemon

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/danmuck/buildrmi/internal/protocol/session"
	"github.com/danmuck/buildrmi/internal/rmi"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"go.uber.org/multierr"
)

// Config is the daemon runtime configuration.
type Config struct {
	Name            string
	ListenAddr      string
	DiagnosticsAddr string
	// Root bounds the files clients may open.
	Root        string
	Environment map[string]string
	// OperatorToken guards the mutating diagnostics endpoints. Empty leaves
	// /output open and disables /shutdown.
	OperatorToken string
	Session       session.Config
}

func DefaultConfig() Config {
	return Config{
		Name:            "rmid",
		ListenAddr:      "127.0.0.1:7450",
		DiagnosticsAddr: "127.0.0.1:7451",
		Root:            ".",
		Environment:     map[string]string{},
		Session:         session.DefaultConfig(),
	}
}

// ConnectionInfo is a point in time view of one client connection.
type ConnectionInfo struct {
	Name       string    `json:"name"`
	EndpointID uuid.UUID `json:"endpoint_id"`
	PeerID     uuid.UUID `json:"peer_id"`
	Exported   int       `json:"exported"`
	Imported   int       `json:"imported"`
	Statistics bool      `json:"statistics"`
}

// Server accepts client connections and serves the daemon services on each.
type Server struct {
	cfg     Config
	reg     *rmi.Registry
	opts    []rmi.Option
	started time.Time

	deltas *deltaStore
	output *outputController
	env    *environment

	connsMu sync.Mutex
	conns   map[*rmi.Conn]struct{}
	clients atomic.Int64
	nextID  atomic.Uint64

	done     chan struct{}
	stopOnce sync.Once
}

func NewServer(cfg Config, opts ...rmi.Option) (*Server, error) {
	def := DefaultConfig()
	if strings.TrimSpace(cfg.Name) == "" {
		cfg.Name = def.Name
	}
	if strings.TrimSpace(cfg.ListenAddr) == "" {
		cfg.ListenAddr = def.ListenAddr
	}
	root := cfg.Root
	if strings.TrimSpace(root) == "" {
		root = def.Root
	}
	root, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("daemon: resolve root: %w", err)
	}
	cfg.Root = root
	reg, err := NewRegistry()
	if err != nil {
		return nil, err
	}
	s := &Server{
		cfg:     cfg,
		reg:     reg,
		opts:    append([]rmi.Option{rmi.WithConfig(cfg.Session)}, opts...),
		started: time.Now(),
		deltas:  newDeltaStore(root),
		output:  newOutputController(),
		conns:   make(map[*rmi.Conn]struct{}),
		done:    make(chan struct{}),
	}
	s.env = newEnvironment(cfg.Name, root, cfg.Environment, s.started, s.Shutdown)
	return s, nil
}

func (s *Server) Registry() *rmi.Registry { return s.reg }

// Shutdown asks Serve to return. It is what Environment.Shutdown calls in
// process.
func (s *Server) Shutdown() {
	s.stopOnce.Do(func() {
		log.Info().Str("daemon", s.cfg.Name).Msg("daemon_shutdown_requested")
		close(s.done)
	})
}

// Done is closed once Shutdown is called.
func (s *Server) Done() <-chan struct{} { return s.done }

// Run listens on the configured addresses and blocks until a signal or
// Shutdown stops the daemon.
func (s *Server) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return err
	}
	log.Info().Str("daemon", s.cfg.Name).Str("addr", ln.Addr().String()).Str("root", s.cfg.Root).Msg("daemon_listening")

	diagErr := make(chan error, 1)
	if addr := strings.TrimSpace(s.cfg.DiagnosticsAddr); addr != "" {
		go func() {
			diagErr <- s.ServeDiagnostics(ctx, addr)
		}()
	}
	serveErr := make(chan error, 1)
	go func() {
		serveErr <- s.Serve(ctx, ln)
	}()
	select {
	case err := <-serveErr:
		return err
	case err := <-diagErr:
		if err != nil {
			stop()
			return multierr.Append(err, <-serveErr)
		}
		return <-serveErr
	}
}

// Serve accepts connections on ln until ctx ends or Shutdown is called,
// then closes every client connection.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer ln.Close()
	go func() {
		select {
		case <-ctx.Done():
		case <-s.done:
			cancel()
		}
		if err := s.Close(); err != nil {
			log.Warn().Err(err).Msg("daemon_close_connections")
		}
		_ = ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		go func() {
			if err := s.ServeConn(ctx, conn); err != nil {
				log.Debug().Str("remote", conn.RemoteAddr().String()).Err(err).Msg("daemon_conn_ended")
			}
		}()
	}
}

// ServeConn runs the handshake on rw, publishes the daemon services and
// blocks until the connection closes or ctx ends.
func (s *Server) ServeConn(ctx context.Context, rw io.ReadWriteCloser) error {
	name := fmt.Sprintf("%s/%d", s.cfg.Name, s.nextID.Add(1))
	opts := append(append([]rmi.Option(nil), s.opts...), rmi.WithName(name))
	c, err := rmi.Handshake(ctx, rw, s.reg, opts...)
	if err != nil {
		_ = rw.Close()
		return fmt.Errorf("daemon: handshake: %w", err)
	}
	c.PutContextVariable(DeltasVariable, s.deltas)
	c.PutContextVariable(OutputVariable, s.output)
	c.PutContextVariable(EnvironmentVariable, s.env)
	s.track(c)
	defer s.untrack(c)

	active := s.clients.Add(1)
	log.Info().Str("conn", name).Str("peer", c.PeerID().String()).Int64("active_clients", active).Msg("daemon_client_connected")
	defer func() {
		remaining := s.clients.Add(-1)
		log.Info().Str("conn", name).Int64("active_clients", remaining).Msg("daemon_client_disconnected")
	}()

	select {
	case <-c.Done():
		return c.Err()
	case <-ctx.Done():
		return c.Close()
	}
}

func (s *Server) track(c *rmi.Conn) {
	s.connsMu.Lock()
	s.conns[c] = struct{}{}
	s.connsMu.Unlock()
}

func (s *Server) untrack(c *rmi.Conn) {
	s.connsMu.Lock()
	delete(s.conns, c)
	s.connsMu.Unlock()
}

func (s *Server) snapshotConns() []*rmi.Conn {
	s.connsMu.Lock()
	out := make([]*rmi.Conn, 0, len(s.conns))
	for c := range s.conns {
		out = append(out, c)
	}
	s.connsMu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// Close closes every client connection.
func (s *Server) Close() error {
	var err error
	for _, c := range s.snapshotConns() {
		err = multierr.Append(err, c.Close())
	}
	return err
}

func (s *Server) Connections() []ConnectionInfo {
	conns := s.snapshotConns()
	out := make([]ConnectionInfo, 0, len(conns))
	for _, c := range conns {
		out = append(out, ConnectionInfo{
			Name:       c.Name(),
			EndpointID: c.EndpointID(),
			PeerID:     c.PeerID(),
			Exported:   c.ExportedCount(),
			Imported:   c.ImportedCount(),
			Statistics: c.Statistics() != nil,
		})
	}
	return out
}

// Broadcast writes line to every registered output sink.
func (s *Server) Broadcast(ctx context.Context, line string) (int, error) {
	return s.output.Broadcast(ctx, line)
}

// DumpStatistics writes the call statistics of every connection that
// records them.
func (s *Server) DumpStatistics(w io.Writer) error {
	var err error
	for _, c := range s.snapshotConns() {
		stats := c.Statistics()
		if stats == nil {
			continue
		}
		if _, werr := fmt.Fprintf(w, "== %s ==\n", c.Name()); werr != nil {
			return werr
		}
		err = multierr.Append(err, stats.DumpSummary(w, 0))
	}
	return err
}

// ServeDiagnostics serves the diagnostics router on addr until ctx ends.
func (s *Server) ServeDiagnostics(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s.Router(), ReadHeaderTimeout: 5 * time.Second}
	stop := context.AfterFunc(ctx, func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	})
	defer stop()
	log.Info().Str("addr", addr).Msg("daemon_diagnostics_listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
