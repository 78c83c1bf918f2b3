// Package delta holds the change notifications shipped to a task: what
// changed since its previous successful run.
package delta

import "fmt"

// Type identifies the kind of change.
type Type int32

const (
	InputFileChange Type = iota + 1
	InputFileAddition
	OutputFileChange
	OutputLoadFailed
	TaskChange
	NewTask
	EnvironmentPropertyChange
	ExecutionPropertyChange
)

var typeNames = map[Type]string{
	InputFileChange:           "input-file-change",
	InputFileAddition:         "input-file-addition",
	OutputFileChange:          "output-file-change",
	OutputLoadFailed:          "output-load-failed",
	TaskChange:                "task-change",
	NewTask:                   "new-task",
	EnvironmentPropertyChange: "environment-property-change",
	ExecutionPropertyChange:   "execution-property-change",
}

func (t Type) String() string {
	if name, ok := typeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("delta.Type(%d)", int32(t))
}

// IsFile reports whether deltas of this type are FileChange values.
func (t Type) IsFile() bool {
	return t == InputFileChange || t == InputFileAddition || t == OutputFileChange
}

// Key is the identifying part of a delta. Two deltas with equal keys are
// the same logical change. Property holds the property object of a property
// delta and must be comparable: a string or a registered value type.
type Key struct {
	Type     Type
	Path     string
	Property any
}

// Delta is one detected change.
type Delta interface {
	DeltaType() Type
	Key() Key
}

// FileChange reports a changed, added or output file. File is nil when the
// file no longer exists. Tag and File are not part of the key.
type FileChange struct {
	Type Type       `rmi:"enum"`
	File FileHandle `rmi:"remote"`
	Path string
	Tag  string
}

func (d FileChange) DeltaType() Type { return d.Type }

func (d FileChange) Key() Key { return Key{Type: d.Type, Path: d.Path} }

// Exists reports whether the change carries a live file.
func (d FileChange) Exists() bool { return d.File != nil }

// OutputLoadFailedChange reports that the task's previous outputs could not
// be loaded. Cause is informational.
type OutputLoadFailedChange struct {
	Cause error
}

func (OutputLoadFailedChange) DeltaType() Type { return OutputLoadFailed }

func (OutputLoadFailedChange) Key() Key { return Key{Type: OutputLoadFailed} }

// TaskChanged reports that the task definition itself changed.
type TaskChanged struct{}

func (TaskChanged) DeltaType() Type { return TaskChange }

func (TaskChanged) Key() Key { return Key{Type: TaskChange} }

// NewTaskRun reports that the task has no previous run.
type NewTaskRun struct{}

func (NewTaskRun) DeltaType() Type { return NewTask }

func (NewTaskRun) Key() Key { return Key{Type: NewTask} }

// EnvironmentProperty reports a changed environment property. Two changes
// are the same when their property objects are equal.
type EnvironmentProperty struct {
	Property any
}

func (EnvironmentProperty) DeltaType() Type { return EnvironmentPropertyChange }

func (d EnvironmentProperty) Key() Key {
	return Key{Type: EnvironmentPropertyChange, Property: d.Property}
}

// ExecutionProperty reports a changed execution property.
type ExecutionProperty struct {
	Property any
}

func (ExecutionProperty) DeltaType() Type { return ExecutionPropertyChange }

func (d ExecutionProperty) Key() Key {
	return Key{Type: ExecutionPropertyChange, Property: d.Property}
}
