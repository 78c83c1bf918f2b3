package delta

import (
	"context"
	"os"
	"path/filepath"

	"github.com/danmuck/buildrmi/internal/rmi"
)

// FileHandle is a live file on the endpoint that detected the change. It
// crosses connections by reference.
type FileHandle interface {
	FileName(ctx context.Context) (string, error)
	Content(ctx context.Context) ([]byte, error)
	Size(ctx context.Context) (int64, error)
}

type fileHandleStub struct {
	*rmi.Proxy
}

func (s fileHandleStub) FileName(ctx context.Context) (string, error) {
	return rmi.Call[string](ctx, s.Proxy, "FileName")
}

func (s fileHandleStub) Content(ctx context.Context) ([]byte, error) {
	return rmi.Call[[]byte](ctx, s.Proxy, "Content")
}

func (s fileHandleStub) Size(ctx context.Context) (int64, error) {
	return rmi.Call[int64](ctx, s.Proxy, "Size")
}

// MemoryFile is an in-memory FileHandle.
type MemoryFile struct {
	Name string
	Data []byte
}

func (f *MemoryFile) FileName(context.Context) (string, error) { return f.Name, nil }

func (f *MemoryFile) Content(context.Context) ([]byte, error) { return f.Data, nil }

func (f *MemoryFile) Size(context.Context) (int64, error) { return int64(len(f.Data)), nil }

// OSFile reads a file from the local filesystem on every call.
type OSFile struct {
	path string
}

func NewOSFile(path string) *OSFile { return &OSFile{path: path} }

func (f *OSFile) Path() string { return f.path }

func (f *OSFile) FileName(context.Context) (string, error) { return filepath.Base(f.path), nil }

func (f *OSFile) Content(context.Context) ([]byte, error) { return os.ReadFile(f.path) }

func (f *OSFile) Size(context.Context) (int64, error) {
	st, err := os.Stat(f.path)
	if err != nil {
		return 0, err
	}
	return st.Size(), nil
}
