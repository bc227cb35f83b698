package compaction

import (
	"errors"
	"fmt"
	"time"

	"github.com/KevoDB/tierscan/pkg/common/iterator"
	"github.com/KevoDB/tierscan/pkg/common/iterator/composite"
	"github.com/KevoDB/tierscan/pkg/common/iterator/filtered"
	"github.com/KevoDB/tierscan/pkg/sstable"
)

var (
	// ErrNoInputs is returned for a task without sources
	ErrNoInputs = errors.New("compaction: task has no inputs")
	// ErrNoOutput is returned for a task without a destination path
	ErrNoOutput = errors.New("compaction: task has no output path")
)

// Task describes one compaction: which sources to read, what part of their history to
// read, how to merge it, what to keep and where the resulting table goes.
type Task struct {
	// ID names the task in logs.
	ID string

	// Inputs are listed newest first. In Single mode a key present in several inputs
	// keeps the entry from the earliest one.
	Inputs []iterator.CommitSource

	// Window restricts the keys and seqnos read from every input.
	Window iterator.CommitWindow

	// Mode selects version-preserving or newest-only merging.
	Mode composite.Mode

	// Policy trims the merged history before it is written.
	Policy filtered.RetentionPolicy

	// Output is the path of the table to build.
	Output string
}

// Validate checks that the task can run.
func (t *Task) Validate() error {
	if len(t.Inputs) == 0 {
		return ErrNoInputs
	}
	if t.Output == "" {
		return ErrNoOutput
	}
	if err := t.Window.Validate(); err != nil {
		return fmt.Errorf("task %s: %w", t.ID, err)
	}
	return nil
}

// Result reports what a finished compaction wrote and what it dropped.
type Result struct {
	Path     string
	Build    sstable.BuildStats
	Filter   filtered.CompactStats
	Merge    composite.MergeStats
	Policy   filtered.RetentionPolicy
	Duration time.Duration
}

func (r *Result) String() string {
	return fmt.Sprintf("%s entries:%d->%d versions:%d->%d shadowed:%d bytes:%d",
		r.Path, r.Filter.EntriesIn, r.Build.Entries, r.Filter.VersionsIn, r.Build.Versions,
		r.Merge.Shadowed, r.Build.Bytes)
}
