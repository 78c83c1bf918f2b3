package delta

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"reflect"

	"github.com/danmuck/buildrmi/internal/rmi"
	"go.uber.org/multierr"
)

var ErrMalformed = errors.New("delta: malformed wrapped payload")

const (
	SetWrapperName        = "delta.set"
	FileDeltasWrapperName = "delta.files"
	SnapshotWrapperName   = "delta.snapshot"
)

// Register adds the delta types, the FileHandle interface and the delta
// wrappers to reg.
func Register(reg *rmi.Registry) error {
	return multierr.Combine(
		reg.RegisterEnum("delta.Type", Type(0)),
		reg.RegisterValue("delta.FileChange", FileChange{}),
		reg.RegisterValue("delta.OutputLoadFailed", OutputLoadFailedChange{}),
		reg.RegisterValue("delta.TaskChange", TaskChanged{}),
		reg.RegisterValue("delta.NewTask", NewTaskRun{}),
		reg.RegisterValue("delta.EnvironmentProperty", EnvironmentProperty{}),
		reg.RegisterValue("delta.ExecutionProperty", ExecutionProperty{}),
		reg.RegisterSentinel("delta.ErrNotExist", fs.ErrNotExist),
		reg.RegisterInterface(rmi.InterfaceSpec{
			Name:     "delta.FileHandle",
			Type:     reflect.TypeFor[FileHandle](),
			NewProxy: func(p *rmi.Proxy) any { return fileHandleStub{p} },
			Methods: []rmi.MethodSpec{
				{Name: "FileName", Policy: rmi.Policy{CacheResult: true}},
			},
		}),
		reg.RegisterWrapper(rmi.WrapperSpec{
			Name: SetWrapperName,
			For:  reflect.TypeFor[*Set](),
			New:  func() rmi.Wrapper { return &setWrapper{} },
			Wrap: func(v any) (rmi.Wrapper, error) { return &setWrapper{set: v.(*Set)}, nil },
		}),
		reg.RegisterWrapper(rmi.WrapperSpec{
			Name: FileDeltasWrapperName,
			For:  reflect.TypeFor[*FileDeltas](),
			New:  func() rmi.Wrapper { return &fileDeltasWrapper{} },
			Wrap: func(v any) (rmi.Wrapper, error) { return &fileDeltasWrapper{deltas: v.(*FileDeltas)}, nil },
		}),
		reg.RegisterWrapper(rmi.WrapperSpec{
			Name: SnapshotWrapperName,
			New:  func() rmi.Wrapper { return &snapshotWrapper{} },
			Wrap: wrapSnapshot,
		}),
	)
}

func readCount(in *rmi.ObjectInput) (int, error) {
	n, err := in.ReadInt()
	if err != nil {
		return 0, err
	}
	if n < 0 || n > int64(in.Remaining()) {
		return 0, fmt.Errorf("%w: count %d", ErrMalformed, n)
	}
	return int(n), nil
}

type setWrapper struct {
	set *Set
}

func (w *setWrapper) WriteWrapped(out *rmi.ObjectOutput) error {
	out.WriteInt(int64(w.set.Len()))
	for _, d := range w.set.All() {
		if err := out.WriteObject(d); err != nil {
			return err
		}
	}
	return nil
}

func (w *setWrapper) ReadWrapped(in *rmi.ObjectInput) error {
	n, err := readCount(in)
	if err != nil {
		return err
	}
	w.set = NewSet()
	for range n {
		var d Delta
		if err := in.ReadInto(&d); err != nil {
			return err
		}
		w.set.Add(d)
	}
	return nil
}

func (w *setWrapper) ResolveWrapped() rmi.Resolution { return rmi.Resolved(w.set) }

func (w *setWrapper) WrappedObject() (any, error) {
	return nil, errors.New("delta: set wrapper has no wrapped object")
}

// fileDeltasWrapper writes the deltas in insertion order; the tag index is
// rebuilt by the reader.
type fileDeltasWrapper struct {
	deltas *FileDeltas
}

func (w *fileDeltasWrapper) WriteWrapped(out *rmi.ObjectOutput) error {
	all := w.deltas.All()
	out.WriteInt(int64(len(all)))
	for _, d := range all {
		if err := out.WriteObject(d); err != nil {
			return err
		}
	}
	return nil
}

func (w *fileDeltasWrapper) ReadWrapped(in *rmi.ObjectInput) error {
	n, err := readCount(in)
	if err != nil {
		return err
	}
	w.deltas = NewFileDeltas()
	for range n {
		var d FileChange
		if err := in.ReadInto(&d); err != nil {
			return err
		}
		w.deltas.Add(d)
	}
	return nil
}

func (w *fileDeltasWrapper) ResolveWrapped() rmi.Resolution { return rmi.Resolved(w.deltas) }

func (w *fileDeltasWrapper) WrappedObject() (any, error) {
	return nil, errors.New("delta: file deltas wrapper has no wrapped object")
}

// Snapshot is a FileHandle holding a file's name and content as captured
// when it was transferred. Writing a received Snapshot back over the same
// connection sends the original file handle instead of the copy.
type Snapshot struct {
	Name string
	Data []byte
}

func (s *Snapshot) FileName(context.Context) (string, error) { return s.Name, nil }

func (s *Snapshot) Content(context.Context) ([]byte, error) { return s.Data, nil }

func (s *Snapshot) Size(context.Context) (int64, error) { return int64(len(s.Data)), nil }

type snapshotWrapper struct {
	file FileHandle
	name string
	data []byte
}

func wrapSnapshot(v any) (rmi.Wrapper, error) {
	f, ok := v.(FileHandle)
	if !ok {
		return nil, fmt.Errorf("delta: snapshot of %T, want FileHandle", v)
	}
	ctx := context.Background()
	name, err := f.FileName(ctx)
	if err != nil {
		return nil, err
	}
	data, err := f.Content(ctx)
	if err != nil {
		return nil, err
	}
	return &snapshotWrapper{file: f, name: name, data: data}, nil
}

func (w *snapshotWrapper) WriteWrapped(out *rmi.ObjectOutput) error {
	if err := out.WriteObjectWith(w.file, rmi.Remote()); err != nil {
		return err
	}
	out.WriteString(w.name)
	return out.WriteObject(w.data)
}

func (w *snapshotWrapper) ReadWrapped(in *rmi.ObjectInput) error {
	if err := in.ReadInto(&w.file); err != nil {
		return err
	}
	name, err := in.ReadString()
	if err != nil {
		return err
	}
	w.name = name
	return in.ReadInto(&w.data)
}

func (w *snapshotWrapper) ResolveWrapped() rmi.Resolution {
	return rmi.ResolvedAsExportable(&Snapshot{Name: w.name, Data: w.data}, rmi.Remote())
}

func (w *snapshotWrapper) WrappedObject() (any, error) {
	if w.file == nil {
		return nil, errors.New("delta: snapshot without a file handle")
	}
	return w.file, nil
}
