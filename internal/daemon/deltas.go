package daemon

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/danmuck/buildrmi/internal/delta"
	"github.com/rs/zerolog/log"
)

// DeltaExchange stores the deltas a client reports per task and hands out
// file snapshots under the daemon root. Which deltas apply to a task run is
// decided by the scheduler, not here.
type DeltaExchange interface {
	// Put merges set into the deltas recorded for taskID. Deltas already
	// recorded under the same key are kept.
	Put(ctx context.Context, taskID string, set *delta.Set) error
	Deltas(ctx context.Context, taskID string) (*delta.Set, error)
	// FileDeltas returns the task's file deltas of type t, or of every file
	// type when t is zero.
	FileDeltas(ctx context.Context, taskID string, t delta.Type) (*delta.FileDeltas, error)
	Tasks(ctx context.Context) ([]string, error)
	// Open returns a snapshot of the file at path, relative to the daemon root.
	Open(ctx context.Context, path string) (delta.FileHandle, error)
	// Refresh returns a new snapshot of a file previously returned by Open.
	Refresh(ctx context.Context, f delta.FileHandle) (delta.FileHandle, error)
}

type deltaStore struct {
	root string

	mu    sync.RWMutex
	tasks map[string]*delta.Set
}

func newDeltaStore(root string) *deltaStore {
	if root != "" {
		root = filepath.Clean(root)
	}
	return &deltaStore{root: root, tasks: make(map[string]*delta.Set)}
}

func (s *deltaStore) Put(_ context.Context, taskID string, set *delta.Set) error {
	taskID = strings.TrimSpace(taskID)
	if taskID == "" {
		return fmt.Errorf("%w: empty task id", ErrUnknownTask)
	}
	s.mu.Lock()
	cur, ok := s.tasks[taskID]
	if !ok {
		cur = delta.NewSet()
		s.tasks[taskID] = cur
	}
	added := 0
	if set != nil {
		for _, d := range set.All() {
			if cur.Add(d) {
				added++
			}
		}
	}
	total := cur.Len()
	s.mu.Unlock()
	log.Debug().Str("task", taskID).Int("added", added).Int("total", total).Msg("deltas_put")
	return nil
}

func (s *deltaStore) lookup(taskID string) (*delta.Set, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cur, ok := s.tasks[taskID]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownTask, taskID)
	}
	return delta.NewSet(cur.All()...), nil
}

func (s *deltaStore) Deltas(_ context.Context, taskID string) (*delta.Set, error) {
	return s.lookup(taskID)
}

func (s *deltaStore) FileDeltas(_ context.Context, taskID string, t delta.Type) (*delta.FileDeltas, error) {
	if t != 0 && !t.IsFile() {
		return nil, fmt.Errorf("daemon: %s is not a file delta type", t)
	}
	cur, err := s.lookup(taskID)
	if err != nil {
		return nil, err
	}
	return cur.Files(t), nil
}

func (s *deltaStore) Tasks(context.Context) ([]string, error) {
	s.mu.RLock()
	out := make([]string, 0, len(s.tasks))
	for id := range s.tasks {
		out = append(out, id)
	}
	s.mu.RUnlock()
	sort.Strings(out)
	return out, nil
}

func (s *deltaStore) Open(_ context.Context, path string) (delta.FileHandle, error) {
	full, err := s.resolve(path)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(full)
	if err != nil {
		return nil, err
	}
	if info.IsDir() {
		return nil, fmt.Errorf("daemon: %s is a directory", path)
	}
	return delta.NewOSFile(full), nil
}

func (s *deltaStore) Refresh(_ context.Context, f delta.FileHandle) (delta.FileHandle, error) {
	osf, ok := f.(*delta.OSFile)
	if !ok {
		return nil, fmt.Errorf("%w: %T", ErrNotIssued, f)
	}
	if _, err := s.resolve(osf.Path()); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrNotIssued, err)
	}
	if _, err := os.Stat(osf.Path()); err != nil {
		return nil, err
	}
	return osf, nil
}

// resolve maps path onto the daemon root and rejects anything that leaves it.
func (s *deltaStore) resolve(path string) (string, error) {
	if s.root == "" {
		return "", fmt.Errorf("%w: no root configured", ErrOutsideRoot)
	}
	full := path
	if !filepath.IsAbs(full) {
		full = filepath.Join(s.root, full)
	}
	full = filepath.Clean(full)
	rel, err := filepath.Rel(s.root, full)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s", ErrOutsideRoot, path)
	}
	return full, nil
}
