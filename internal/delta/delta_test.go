package delta

import (
	"testing"

	"github.com/danmuck/buildrmi/internal/testutil/testlog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetDeduplicatesByIdentifyingFields(t *testing.T) {
	testlog.Start(t)
	withFile := FileChange{Type: InputFileChange, Path: "src/a.go", Tag: "sources", File: &MemoryFile{Name: "a.go"}}
	without := FileChange{Type: InputFileChange, Path: "src/a.go", Tag: "other"}
	added := FileChange{Type: InputFileAddition, Path: "src/a.go"}

	s := NewSet(withFile)
	assert.False(t, s.Add(without))
	assert.True(t, s.Add(added))
	assert.True(t, s.Add(EnvironmentProperty{Property: "os.name"}))
	assert.False(t, s.Add(EnvironmentProperty{Property: "os.name"}))
	assert.True(t, s.Add(ExecutionProperty{Property: "os.name"}))
	assert.True(t, s.Add(NewTaskRun{}))
	assert.False(t, s.Add(NewTaskRun{}))
	assert.False(t, s.Add(nil))

	require.Equal(t, 5, s.Len())
	got, ok := s.Get(Key{Type: InputFileChange, Path: "src/a.go"})
	require.True(t, ok)
	assert.Equal(t, "sources", got.(FileChange).Tag)
	assert.True(t, got.(FileChange).Exists())
	assert.Len(t, s.OfType(EnvironmentPropertyChange), 1)
	assert.Equal(t, []string{"src/a.go"}, s.ChangedPaths())
}

func TestPropertyDeltasCompareByPropertyObject(t *testing.T) {
	testlog.Start(t)
	type property struct{ Name, Scope string }
	s := NewSet()

	assert.True(t, s.Add(EnvironmentProperty{Property: property{Name: "PATH", Scope: "env"}}))
	assert.False(t, s.Add(EnvironmentProperty{Property: property{Name: "PATH", Scope: "env"}}))
	assert.True(t, s.Add(EnvironmentProperty{Property: property{Name: "PATH", Scope: "user"}}))
	assert.True(t, s.Add(EnvironmentProperty{Property: "PATH"}))
	assert.True(t, s.Contains(Key{Type: EnvironmentPropertyChange, Property: property{Name: "PATH", Scope: "env"}}))

	// Property objects without equality cannot key a delta.
	assert.False(t, s.Add(ExecutionProperty{Property: []string{"PATH"}}))
	assert.False(t, s.Contains(Key{Type: ExecutionPropertyChange, Property: []string{"PATH"}}))
	assert.Equal(t, 3, s.Len())
}

func TestFileDeltasTagIndex(t *testing.T) {
	testlog.Start(t)
	s := NewSet(
		FileChange{Type: OutputFileChange, Path: "out/a", Tag: "bin"},
		FileChange{Type: OutputFileChange, Path: "out/b", Tag: "bin"},
		FileChange{Type: InputFileChange, Path: "in/c", Tag: "src"},
		TaskChanged{},
	)

	outputs := s.Files(OutputFileChange)
	assert.Equal(t, 2, outputs.Len())
	assert.True(t, outputs.HasTag("bin"))
	assert.False(t, outputs.HasTag("src"))
	first, ok := outputs.AnyWithTag("bin")
	require.True(t, ok)
	assert.Equal(t, "out/a", first.Path)
	_, ok = outputs.AnyWithTag("src")
	assert.False(t, ok)

	all := s.Files(0)
	assert.Equal(t, 3, all.Len())
	assert.Equal(t, []string{"bin", "src"}, all.Tags())
	assert.Len(t, all.WithTag("src"), 1)
	assert.True(t, NewFileDeltas().IsEmpty())
}

func TestTypeNames(t *testing.T) {
	testlog.Start(t)
	assert.Equal(t, "input-file-change", InputFileChange.String())
	assert.Equal(t, "delta.Type(99)", Type(99).String())
	assert.True(t, OutputFileChange.IsFile())
	assert.False(t, NewTask.IsFile())
	assert.Equal(t, Key{Type: TaskChange}, TaskChanged{}.Key())
}
