package compaction

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/KevoDB/tierscan/pkg/common/iterator"
	"github.com/KevoDB/tierscan/pkg/common/iterator/composite"
	"github.com/KevoDB/tierscan/pkg/common/iterator/filtered"
	"github.com/KevoDB/tierscan/pkg/common/log"
	"github.com/KevoDB/tierscan/pkg/sstable"
)

// Executor runs compaction tasks: it merges the inputs, applies the retention policy and
// streams what survives into a new table.
type Executor struct {
	tableOpts []sstable.Option
	tracker   *SnapshotTracker
	metrics   CompactionMetrics
	logger    log.Logger
}

// Option configures an Executor.
type Option func(*Executor)

// WithTableOptions sets the options of every table the executor builds.
func WithTableOptions(opts ...sstable.Option) Option {
	return func(e *Executor) { e.tableOpts = append(e.tableOpts, opts...) }
}

// WithTracker makes every task respect the snapshots pinned in t.
func WithTracker(t *SnapshotTracker) Option {
	return func(e *Executor) { e.tracker = t }
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m CompactionMetrics) Option {
	return func(e *Executor) { e.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(l log.Logger) Option {
	return func(e *Executor) { e.logger = l }
}

// NewExecutor creates a compaction executor
func NewExecutor(opts ...Option) *Executor {
	e := &Executor{}
	for _, opt := range opts {
		opt(e)
	}
	if e.metrics == nil {
		e.metrics = NewNoopCompactionMetrics()
	}
	if e.logger == nil {
		e.logger = log.Component("compaction")
	}
	return e
}

// Tracker returns the snapshot tracker, or nil.
func (e *Executor) Tracker() *SnapshotTracker { return e.tracker }

// Compact runs task to completion. On failure nothing is published at task.Output.
func (e *Executor) Compact(ctx context.Context, task Task) (*Result, error) {
	start := time.Now()
	res, err := e.compact(ctx, task)
	if res != nil {
		res.Duration = time.Since(start)
	}
	e.metrics.RecordCompactionComplete(ctx, res, time.Since(start), err)
	if err != nil {
		e.logger.WithField("task", task.ID).Warn("compaction into %s failed: %v", task.Output, err)
		return nil, err
	}

	e.logger.WithFields(map[string]interface{}{
		"task":     task.ID,
		"inputs":   len(task.Inputs),
		"mode":     task.Mode.String(),
		"dropped":  res.Filter.EntriesDropped,
		"shadowed": res.Merge.Shadowed,
	}).Info("compacted %s", res)
	return res, nil
}

func (e *Executor) compact(ctx context.Context, task Task) (*Result, error) {
	if err := task.Validate(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	policy := task.Policy
	if e.tracker != nil {
		e.metrics.RecordPinnedSnapshots(ctx, e.tracker.Len())
		policy = e.tracker.Clamp(policy)
	}

	opts := append([]sstable.Option{sstable.WithExpectedKeys(expectedKeys(task.Inputs))}, e.tableOpts...)
	b, err := sstable.NewBuilder(ctx, task.Output, opts...)
	if err != nil {
		return nil, fmt.Errorf("task %s: %w", task.ID, err)
	}

	e.metrics.RecordCompactionStart(ctx, task.Mode.String(), len(task.Inputs))
	iters := make([]iterator.Iterator, 0, len(task.Inputs))
	for i, src := range task.Inputs {
		it, err := src.CommitScan(task.Window)
		if err != nil {
			iterator.CloseAll(iters)
			return nil, errors.Join(iterator.SourceError(i, err), b.Abort())
		}
		iters = append(iters, it)
	}

	merged := composite.NewMergeIterator(iters, iterator.Ascending, task.Mode)
	filter := filtered.NewCompactFilterScan(&contextScan{ctx: ctx, iter: merged}, policy)
	stats, err := b.Build(filter)
	if err != nil {
		return nil, fmt.Errorf("task %s: %w", task.ID, err)
	}

	return &Result{
		Path:   task.Output,
		Build:  stats,
		Filter: filter.Stats(),
		Merge:  merged.Stats(),
		Policy: policy,
	}, nil
}

// DeleteCompactedFiles removes input tables once their replacement is in place.
func (e *Executor) DeleteCompactedFiles(filePaths []string) error {
	for _, path := range filePaths {
		if err := os.Remove(path); err != nil {
			return fmt.Errorf("failed to delete compacted file %s: %w", path, err)
		}
	}
	return nil
}

// expectedKeys sums the sizes of inputs that know them. The sum overestimates when
// inputs overlap, which only lowers the false positive rate.
func expectedKeys(inputs []iterator.CommitSource) int {
	n := 0
	for _, src := range inputs {
		if s, ok := src.(interface{ Len() int }); ok {
			n += s.Len()
		}
	}
	return n
}

// contextScan stops a scan once ctx is done.
type contextScan struct {
	ctx  context.Context
	iter iterator.Iterator
}

func (c *contextScan) Next() (*iterator.Entry, error) {
	if err := context.Cause(c.ctx); err != nil {
		return nil, err
	}
	return c.iter.Next()
}

func (c *contextScan) Close() error { return c.iter.Close() }
