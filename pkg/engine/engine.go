package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/KevoDB/tierscan/pkg/common/iterator"
	"github.com/KevoDB/tierscan/pkg/common/iterator/composite"
	"github.com/KevoDB/tierscan/pkg/common/log"
	scanmetrics "github.com/KevoDB/tierscan/pkg/iterator"
	"github.com/KevoDB/tierscan/pkg/sstable"
	"github.com/KevoDB/tierscan/pkg/telemetry"
)

// Tiers composes one mutable source with immutable on-disk tiers into a single view.
// Sources are consulted newest first: the mutable source, then the tiers in the order
// they were added, latest first.
//
// Every scan holds its own reference to the tables it reads, so tiers can be replaced
// or closed while scans over them are still running.
type Tiers struct {
	mu      sync.RWMutex
	active  iterator.CommitSource
	tiers   []*sstable.Reader
	closed  bool
	tel     telemetry.Telemetry
	metrics EngineMetrics
	scans   scanmetrics.IteratorMetrics
	logger  log.Logger
}

// Option configures Tiers.
type Option func(*Tiers)

// WithTelemetry records engine and scan metrics to tel.
func WithTelemetry(tel telemetry.Telemetry) Option {
	return func(t *Tiers) { t.tel = tel }
}

// WithLogger sets the logger.
func WithLogger(l log.Logger) Option {
	return func(t *Tiers) { t.logger = l }
}

// NewTiers creates a view over active and no immutable tiers. active may be nil.
func NewTiers(active iterator.CommitSource, opts ...Option) *Tiers {
	t := &Tiers{active: active}
	for _, opt := range opts {
		opt(t)
	}
	if t.tel == nil {
		t.tel = telemetry.NewNoop()
	}
	t.metrics = NewEngineMetrics(t.tel)
	t.scans = scanmetrics.NewIteratorMetrics(t.tel)
	if t.logger == nil {
		t.logger = log.Component("engine")
	}
	return t
}

// AddTier places r above every existing tier. Tiers takes over the caller's reference
// and releases it on Close.
func (t *Tiers) AddTier(r *sstable.Reader) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrEngineClosed
	}
	t.tiers = append([]*sstable.Reader{r}, t.tiers...)
	t.metrics.RecordTierCount(context.Background(), len(t.tiers))
	t.logger.WithField("tiers", len(t.tiers)).Debug("added tier %s", r.Path())
	return nil
}

// Tables returns the immutable tiers, newest first.
func (t *Tiers) Tables() []*sstable.Reader {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]*sstable.Reader, len(t.tiers))
	copy(out, t.tiers)
	return out
}

// Sources returns every source, newest first.
func (t *Tiers) Sources() []iterator.CommitSource {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.sourcesLocked()
}

func (t *Tiers) sourcesLocked() []iterator.CommitSource {
	out := make([]iterator.CommitSource, 0, len(t.tiers)+1)
	if t.active != nil {
		out = append(out, t.active)
	}
	for _, r := range t.tiers {
		out = append(out, r)
	}
	return out
}

// Scan returns the newest version of every key in the window across all sources.
func (t *Tiers) Scan(w iterator.CommitWindow) (iterator.Iterator, error) {
	return t.scan(w, composite.Single, telemetry.OpTypeScan)
}

// ScanVersions returns, for every key in the window, the union of its versions across
// all sources.
func (t *Tiers) ScanVersions(w iterator.CommitWindow) (iterator.Iterator, error) {
	return t.scan(w, composite.VersionPreserving, telemetry.OpTypeMerge)
}

// CommitScan implements iterator.CommitSource with version-preserving semantics, so a
// Tiers can itself be the input of a compaction.
func (t *Tiers) CommitScan(w iterator.CommitWindow) (iterator.Iterator, error) {
	return t.ScanVersions(w)
}

func (t *Tiers) scan(w iterator.CommitWindow, mode composite.Mode, op string) (iterator.Iterator, error) {
	start := time.Now()
	it, err := t.open(func(src iterator.CommitSource) (iterator.Iterator, error) {
		return src.CommitScan(w)
	}, w.Validate, iterator.Ascending, mode)
	t.metrics.RecordEngineOperation(context.Background(), op, time.Since(start), err)
	if err != nil {
		return nil, err
	}
	return scanmetrics.Instrument(context.Background(), it, t.scans, op, iterator.Ascending), nil
}

// Reverse returns the newest version of every key in kr in descending order. Every
// source must implement iterator.Reversible.
func (t *Tiers) Reverse(kr iterator.KeyRange) (iterator.Iterator, error) {
	start := time.Now()
	it, err := t.open(func(src iterator.CommitSource) (iterator.Iterator, error) {
		r, ok := src.(iterator.Reversible)
		if !ok {
			return nil, fmt.Errorf("%w: %T", ErrNotReversible, src)
		}
		return r.Reverse(kr)
	}, kr.Validate, iterator.Descending, composite.Single)
	t.metrics.RecordEngineOperation(context.Background(), "reverse", time.Since(start), err)
	if err != nil {
		return nil, err
	}
	return scanmetrics.Instrument(context.Background(), it, t.scans, "reverse", iterator.Descending), nil
}

// open starts one scan per source under the read lock and merges them.
func (t *Tiers) open(
	scan func(iterator.CommitSource) (iterator.Iterator, error),
	validate func() error,
	dir iterator.Direction,
	mode composite.Mode,
) (iterator.Iterator, error) {
	if err := validate(); err != nil {
		return nil, err
	}

	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.closed {
		return nil, ErrEngineClosed
	}

	sources := t.sourcesLocked()
	iters := make([]iterator.Iterator, 0, len(sources))
	for i, src := range sources {
		it, err := scan(src)
		if err != nil {
			iterator.CloseAll(iters)
			return nil, iterator.SourceError(i, err)
		}
		iters = append(iters, it)
	}
	return composite.NewMergeIterator(iters, dir, mode), nil
}

// Close releases every tier. Scans that are still open keep their tables readable until
// they end.
func (t *Tiers) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true

	var first error
	for _, r := range t.tiers {
		if err := r.Close(); err != nil && first == nil {
			first = err
		}
	}
	t.tiers = nil
	return first
}

var (
	_ iterator.CommitSource = (*Tiers)(nil)
	_ iterator.Reversible   = (*Tiers)(nil)
)
