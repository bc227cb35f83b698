package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/KevoDB/tierscan/pkg/common/iterator"
	"github.com/KevoDB/tierscan/pkg/common/iterator/composite"
	"github.com/KevoDB/tierscan/pkg/common/iterator/filtered"
	"github.com/KevoDB/tierscan/pkg/compaction"
	"github.com/KevoDB/tierscan/pkg/sstable"
)

// CompactTiers merges the oldest n immutable tiers (all of them when n <= 0 or n exceeds
// the count) into a single table at output, keeping every version the policy allows,
// and swaps it in for its inputs. The replaced tables are closed and, when remove is
// set, deleted once the swap is done.
func (t *Tiers) CompactTiers(ctx context.Context, exec *compaction.Executor, n int,
	policy filtered.RetentionPolicy, output string, remove bool) (*compaction.Result, error) {
	ctx, span := t.tel.StartSpan(ctx, "engine.compact_tiers",
		attribute.Int("tiers.requested", n),
		attribute.String("output", output),
	)
	defer span.End()

	start := time.Now()
	res, err := t.compactTiers(ctx, exec, n, policy, output, remove)
	t.metrics.RecordEngineOperation(ctx, "compact_tiers", time.Since(start), err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	return res, nil
}

func (t *Tiers) compactTiers(ctx context.Context, exec *compaction.Executor, n int,
	policy filtered.RetentionPolicy, output string, remove bool) (*compaction.Result, error) {
	t.mu.RLock()
	if t.closed {
		t.mu.RUnlock()
		return nil, ErrEngineClosed
	}
	if n <= 0 || n > len(t.tiers) {
		n = len(t.tiers)
	}
	inputs := make([]*sstable.Reader, n)
	copy(inputs, t.tiers[len(t.tiers)-n:])
	t.mu.RUnlock()

	if len(inputs) == 0 {
		return nil, compaction.ErrNoInputs
	}

	sources := make([]iterator.CommitSource, len(inputs))
	for i, r := range inputs {
		sources[i] = r
	}
	res, err := exec.Compact(ctx, compaction.Task{
		ID:     fmt.Sprintf("tiers-%d", len(inputs)),
		Inputs: sources,
		Window: iterator.FullWindow(),
		Mode:   composite.VersionPreserving,
		Policy: policy,
		Output: output,
	})
	if err != nil {
		return nil, err
	}

	merged, err := sstable.Open(output, sstable.WithLogger(t.logger))
	if err != nil {
		return nil, errors.Join(err, os.Remove(output))
	}

	if err := t.swap(inputs, merged); err != nil {
		merged.Close()
		return nil, errors.Join(err, os.Remove(output))
	}

	paths := make([]string, len(inputs))
	for i, r := range inputs {
		paths[i] = r.Path()
		r.Close()
	}
	if remove {
		if err := exec.DeleteCompactedFiles(paths); err != nil {
			t.logger.Warn("removing compacted tiers: %v", err)
		}
	}
	return res, nil
}

// swap replaces inputs, which must still be the oldest tiers, with merged.
func (t *Tiers) swap(inputs []*sstable.Reader, merged *sstable.Reader) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrEngineClosed
	}

	keep := len(t.tiers) - len(inputs)
	if keep < 0 {
		return ErrTiersChanged
	}
	for i, r := range inputs {
		if t.tiers[keep+i] != r {
			return ErrTiersChanged
		}
	}

	tiers := make([]*sstable.Reader, 0, keep+1)
	tiers = append(tiers, t.tiers[:keep]...)
	t.tiers = append(tiers, merged)
	t.metrics.RecordTierCount(context.Background(), len(t.tiers))
	t.logger.WithFields(map[string]interface{}{
		"replaced": len(inputs),
		"tiers":    len(t.tiers),
	}).Info("swapped in %s", merged.Path())
	return nil
}
