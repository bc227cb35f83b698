package sstable

import (
	"errors"

	"github.com/KevoDB/tierscan/pkg/common/iterator"
	"github.com/KevoDB/tierscan/pkg/common/log"
	"github.com/KevoDB/tierscan/pkg/sstable/block"
)

const (
	// DefaultBloomFPRate is the target false positive rate of the per-table bloom filter
	DefaultBloomFPRate = 0.01
	// DefaultExpectedKeys sizes the bloom filter when the caller gives no hint
	DefaultExpectedKeys = 16 * 1024
	// DefaultQueueDepth is the number of finished blocks that may wait for the flusher
	DefaultQueueDepth = 8
)

var (
	// ErrNotFound indicates a key was not found in the table
	ErrNotFound = errors.New("key not found in sstable")
	// ErrLocked indicates another builder holds the destination
	ErrLocked = errors.New("sstable destination is locked")
	// ErrFinished indicates a builder was used after Finish or Abort
	ErrFinished = errors.New("sstable builder already finished")
)

// Options configures builders and readers.
type Options struct {
	// LeafSize is the target uncompressed size of a leaf block.
	LeafSize int
	// IndexSize is the target uncompressed size of an index block.
	IndexSize int
	// Compression is applied to every block body.
	Compression block.Compression
	// BloomFPRate is the bloom filter false positive target. Zero disables the filter.
	BloomFPRate float64
	// ExpectedKeys sizes the bloom filter.
	ExpectedKeys int
	// Cutoff is applied to every entry before it is written.
	Cutoff iterator.Cutoff
	// QueueDepth bounds the blocks waiting for the background flusher.
	QueueDepth int
	Metrics    SSTableMetrics
	Logger     log.Logger
}

// Option configures Options.
type Option func(*Options)

// WithBlockSizes sets the leaf and index block targets.
func WithBlockSizes(leaf, index int) Option {
	return func(o *Options) {
		o.LeafSize = leaf
		o.IndexSize = index
	}
}

// WithCompression sets the block codec.
func WithCompression(c block.Compression) Option { return func(o *Options) { o.Compression = c } }

// WithBloom sizes the bloom filter for n keys at false positive rate p. p of zero
// disables the filter.
func WithBloom(n int, p float64) Option {
	return func(o *Options) {
		o.ExpectedKeys = n
		o.BloomFPRate = p
	}
}

// WithExpectedKeys sizes the bloom filter for n keys, keeping the configured rate.
func WithExpectedKeys(n int) Option {
	return func(o *Options) {
		if n > 0 {
			o.ExpectedKeys = n
		}
	}
}

// WithCutoff purges versions below c while building.
func WithCutoff(c iterator.Cutoff) Option { return func(o *Options) { o.Cutoff = c } }

// WithQueueDepth bounds the flusher queue.
func WithQueueDepth(n int) Option { return func(o *Options) { o.QueueDepth = n } }

// WithMetrics sets the metrics recorder.
func WithMetrics(m SSTableMetrics) Option { return func(o *Options) { o.Metrics = m } }

// WithLogger sets the logger.
func WithLogger(l log.Logger) Option { return func(o *Options) { o.Logger = l } }

func buildOptions(opts []Option) Options {
	o := Options{
		LeafSize:     block.DefaultLeafSize,
		IndexSize:    block.DefaultIndexSize,
		BloomFPRate:  DefaultBloomFPRate,
		ExpectedKeys: DefaultExpectedKeys,
		QueueDepth:   DefaultQueueDepth,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.LeafSize <= block.TrailerSize {
		o.LeafSize = block.DefaultLeafSize
	}
	if o.IndexSize <= block.TrailerSize {
		o.IndexSize = block.DefaultIndexSize
	}
	if o.ExpectedKeys <= 0 {
		o.ExpectedKeys = DefaultExpectedKeys
	}
	if o.QueueDepth <= 0 {
		o.QueueDepth = DefaultQueueDepth
	}
	if o.Metrics == nil {
		o.Metrics = NewNoopSSTableMetrics()
	}
	if o.Logger == nil {
		o.Logger = log.Component("sstable")
	}
	return o
}
