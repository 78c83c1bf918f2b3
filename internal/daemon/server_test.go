package daemon

import (
	"context"
	"encoding/json"
	"io/fs"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/danmuck/buildrmi/internal/delta"
	"github.com/danmuck/buildrmi/internal/rmi"
	"github.com/danmuck/buildrmi/internal/testutil/testlog"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type lineSink struct {
	mu    sync.Mutex
	lines []string
}

func (s *lineSink) WriteLine(_ context.Context, line string) error {
	s.mu.Lock()
	s.lines = append(s.lines, line)
	s.mu.Unlock()
	return nil
}

func (s *lineSink) Lines() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.lines...)
}

func newTestServer(t *testing.T, root string) *Server {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Name = "rmid-test"
	cfg.Root = root
	cfg.Environment = map[string]string{"toolchain": "go"}
	srv, err := NewServer(cfg, rmi.WithStatistics(true))
	require.NoError(t, err)
	return srv
}

func connect(t *testing.T, srv *Server) *rmi.Conn {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	a, b := net.Pipe()
	served := make(chan struct{})
	go func() {
		defer close(served)
		_ = srv.ServeConn(ctx, b)
	}()
	reg, err := NewRegistry()
	require.NoError(t, err)
	hctx, hcancel := context.WithTimeout(ctx, 5*time.Second)
	defer hcancel()
	c, err := rmi.Handshake(hctx, a, reg, rmi.WithName("client"), rmi.WithStatistics(true))
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = c.Close()
		cancel()
		<-served
	})
	return c
}

func TestDeltaExchangeStoresAndQueriesTasks(t *testing.T) {
	testlog.Start(t)
	srv := newTestServer(t, t.TempDir())
	c := connect(t, srv)
	ctx := context.Background()
	dx, err := RemoteDeltas(ctx, c)
	require.NoError(t, err)

	require.NoError(t, dx.Put(ctx, "compile", delta.NewSet(
		delta.FileChange{Type: delta.InputFileChange, Path: "a.go", Tag: "src"},
		delta.FileChange{Type: delta.OutputFileChange, Path: "a.o", Tag: "obj"},
		delta.NewTaskRun{},
	)))
	require.NoError(t, dx.Put(ctx, "compile", delta.NewSet(
		delta.FileChange{Type: delta.InputFileChange, Path: "a.go", Tag: "ignored"},
		delta.EnvironmentProperty{Property: "GOOS"},
	)))

	all, err := dx.Deltas(ctx, "compile")
	require.NoError(t, err)
	assert.Equal(t, 4, all.Len())
	first, ok := all.Get(delta.Key{Type: delta.InputFileChange, Path: "a.go"})
	require.True(t, ok)
	assert.Equal(t, "src", first.(delta.FileChange).Tag)

	outputs, err := dx.FileDeltas(ctx, "compile", delta.OutputFileChange)
	require.NoError(t, err)
	assert.Equal(t, 1, outputs.Len())
	assert.True(t, outputs.HasTag("obj"))

	files, err := dx.FileDeltas(ctx, "compile", 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"obj", "src"}, files.Tags())

	_, err = dx.FileDeltas(ctx, "compile", delta.NewTask)
	require.Error(t, err)

	_, err = dx.Deltas(ctx, "link")
	require.ErrorIs(t, err, ErrUnknownTask)

	tasks, err := dx.Tasks(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"compile"}, tasks)
}

func TestOpenReturnsSnapshotsUnderRoot(t *testing.T) {
	testlog.Start(t)
	root := t.TempDir()
	path := filepath.Join(root, "out", "report.txt")
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte("v1"), 0o644))

	srv := newTestServer(t, root)
	c := connect(t, srv)
	ctx := context.Background()
	dx, err := RemoteDeltas(ctx, c)
	require.NoError(t, err)

	f, err := dx.Open(ctx, "out/report.txt")
	require.NoError(t, err)
	snap, ok := f.(*delta.Snapshot)
	require.True(t, ok, "got %T", f)
	assert.Equal(t, "report.txt", snap.Name)
	assert.Equal(t, []byte("v1"), snap.Data)

	require.NoError(t, os.WriteFile(path, []byte("v2"), 0o644))
	f2, err := dx.Refresh(ctx, snap)
	require.NoError(t, err)
	assert.Equal(t, []byte("v2"), f2.(*delta.Snapshot).Data)

	_, err = dx.Refresh(ctx, &delta.MemoryFile{Name: "report.txt"})
	assert.ErrorIs(t, err, ErrNotIssued)

	_, err = dx.Open(ctx, "../escape.txt")
	assert.ErrorIs(t, err, ErrOutsideRoot)

	_, err = dx.Open(ctx, "out/missing.txt")
	assert.ErrorIs(t, err, fs.ErrNotExist)
}

func TestOutputSinksReceiveBroadcasts(t *testing.T) {
	testlog.Start(t)
	srv := newTestServer(t, t.TempDir())
	c := connect(t, srv)
	ctx := context.Background()
	out, err := RemoteOutput(ctx, c)
	require.NoError(t, err)

	sink := &lineSink{}
	reg, err := out.AddSink(ctx, sink)
	require.NoError(t, err)

	n, err := srv.Broadcast(ctx, "building")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	n, err = out.Broadcast(ctx, "done")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{"building", "done"}, sink.Lines())

	require.NoError(t, reg.Close(ctx))
	n, err = srv.Broadcast(ctx, "after close")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestDroppedRegistrationLapses(t *testing.T) {
	testlog.Start(t)
	srv := newTestServer(t, t.TempDir())
	c := connect(t, srv)
	ctx := context.Background()
	out, err := RemoteOutput(ctx, c)
	require.NoError(t, err)

	func() {
		_, err := out.AddSink(ctx, &lineSink{})
		require.NoError(t, err)
	}()
	require.Eventually(t, func() bool {
		runtime.GC()
		return srv.output.Sinks() == 0
	}, 5*time.Second, 20*time.Millisecond)
}

func TestEnvironmentInfoAndShutdownPolicy(t *testing.T) {
	testlog.Start(t)
	srv := newTestServer(t, t.TempDir())
	c := connect(t, srv)
	ctx := context.Background()
	env, err := RemoteEnvironment(ctx, c)
	require.NoError(t, err)

	info, err := env.Info(ctx)
	require.NoError(t, err)
	again, err := env.Info(ctx)
	require.NoError(t, err)
	assert.Equal(t, info, again)
	assert.Equal(t, "rmid-test", info.Name)
	assert.Equal(t, runtime.GOOS, info.OS)
	assert.Equal(t, "go", info.Properties["toolchain"])
	assert.EqualValues(t, 1, srv.env.queries.Load())

	v, err := env.Property(ctx, "toolchain")
	require.NoError(t, err)
	assert.Equal(t, "go", v)
	_, err = env.Property(ctx, "missing")
	assert.ErrorIs(t, err, ErrUnknownProperty)

	err = env.Shutdown(ctx)
	require.ErrorIs(t, err, ErrRemoteShutdownDenied)
	var forbidden *rmi.CallForbiddenError
	assert.ErrorAs(t, err, &forbidden)
	select {
	case <-srv.Done():
		t.Fatal("remote shutdown reached the daemon")
	default:
	}

	require.NoError(t, srv.env.Shutdown(ctx))
	<-srv.Done()
}

func TestDiagnosticsRoutes(t *testing.T) {
	testlog.Start(t)
	gin.SetMode(gin.TestMode)
	srv := newTestServer(t, t.TempDir())
	c := connect(t, srv)
	ctx := context.Background()
	env, err := RemoteEnvironment(ctx, c)
	require.NoError(t, err)
	_, err = env.Property(ctx, "toolchain")
	require.NoError(t, err)

	router := srv.Router()
	get := func(path string) *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		return rec
	}

	rec := get("/health")
	require.Equal(t, http.StatusOK, rec.Code)
	var health map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &health))
	assert.Equal(t, "ok", health["status"])
	assert.EqualValues(t, 1, health["connections"])

	rec = get("/connections")
	require.Equal(t, http.StatusOK, rec.Code)
	var conns struct {
		Connections []ConnectionInfo `json:"connections"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &conns))
	require.Len(t, conns.Connections, 1)
	assert.Equal(t, c.EndpointID(), conns.Connections[0].PeerID)
	assert.True(t, strings.HasPrefix(conns.Connections[0].Name, "rmid-test/"))

	rec = get("/stats")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "== rmid-test/")

	rec = get("/metrics")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/output", strings.NewReader(`{"line":"hi"}`)))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"delivered":0}`, rec.Body.String())
}

func TestServeClosesClientsOnShutdown(t *testing.T) {
	testlog.Start(t)
	srv := newTestServer(t, t.TempDir())
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	served := make(chan error, 1)
	go func() { served <- srv.Serve(context.Background(), ln) }()

	conn, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	reg, err := NewRegistry()
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, err := rmi.Handshake(ctx, conn, reg, rmi.WithName("client"))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(srv.Connections()) == 1 }, 5*time.Second, 10*time.Millisecond)

	srv.Shutdown()
	select {
	case <-c.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("client connection still open after shutdown")
	}
	require.NoError(t, <-served)
}

func TestOperatorShutdownNeedsToken(t *testing.T) {
	testlog.Start(t)
	gin.SetMode(gin.TestMode)
	cfg := DefaultConfig()
	cfg.Root = t.TempDir()
	cfg.OperatorToken = "tok"
	srv, err := NewServer(cfg)
	require.NoError(t, err)
	router := srv.Router()

	post := func(path, token string) int {
		req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(`{"line":"x"}`))
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		return rec.Code
	}

	assert.Equal(t, http.StatusUnauthorized, post("/output", ""))
	assert.Equal(t, http.StatusOK, post("/output", "tok"))
	assert.Equal(t, http.StatusUnauthorized, post("/shutdown", "nope"))
	assert.Equal(t, http.StatusAccepted, post("/shutdown", "tok"))
	<-srv.Done()

	open, err := NewServer(DefaultConfig())
	require.NoError(t, err)
	rec := httptest.NewRecorder()
	open.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/shutdown", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}
