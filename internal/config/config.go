// Package config holds the tunables recognized across the Rhizo core:
// integrity verification, size limits, and epoch rollover policy.
package config

import "time"

// EpochPolicy selects how TransactionManager rolls transaction records over
// into a new epoch directory. The exact numeric thresholds per label are an
// implementation choice (spec.md §9 leaves them open); they are fixed here
// and must stay stable once chosen.
type EpochPolicy int

const (
	// SingleNode never rolls over; every transaction lives in epoch 1.
	SingleNode EpochPolicy = iota
	// HighThroughput rolls over by count, favoring many small epoch dirs so
	// no single directory listing dominates a scan.
	HighThroughput
	// LowLatency rolls over by wall-clock duration, favoring few epoch
	// transitions so commit never pays directory-creation latency.
	LowLatency
)

func (p EpochPolicy) String() string {
	switch p {
	case SingleNode:
		return "single_node"
	case HighThroughput:
		return "high_throughput"
	case LowLatency:
		return "low_latency"
	default:
		return "unknown"
	}
}

const (
	// HighThroughputRolloverCount is the number of committed transactions
	// per epoch under the high_throughput policy.
	HighThroughputRolloverCount = 10_000
	// LowLatencyRolloverInterval is the wall-clock window per epoch under
	// the low_latency policy.
	LowLatencyRolloverInterval = 24 * time.Hour
)

const (
	defaultMaxDecodeSizeBytes  = 100 << 30 // 100 GiB
	defaultMaxBatchRows        = 1_000_000
	defaultMaxTableSizeBytes   = 10 << 30 // 10 GiB
	defaultMaxColumns          = 1000
	defaultChunkCacheSizeBytes = 64 << 20 // 64 MiB
)

// Config collects every tunable spec.md §6 names as recognized by the core.
type Config struct {
	VerifyIntegrity     bool
	MaxDecodeSizeBytes  uint64
	MaxBatchRows        uint64
	MaxTableSizeBytes   uint64
	MaxColumns          uint32
	EpochPolicy         EpochPolicy
	AutoRecover         bool
	ChunkCacheSizeBytes uint64
}

// Option mutates a Config being built by New.
type Option func(*Config)

// New builds a Config from its documented defaults plus any Options.
func New(opts ...Option) Config {
	c := Config{
		VerifyIntegrity:     true,
		MaxDecodeSizeBytes:  defaultMaxDecodeSizeBytes,
		MaxBatchRows:        defaultMaxBatchRows,
		MaxTableSizeBytes:   defaultMaxTableSizeBytes,
		MaxColumns:          defaultMaxColumns,
		EpochPolicy:         SingleNode,
		AutoRecover:         true,
		ChunkCacheSizeBytes: defaultChunkCacheSizeBytes,
	}
	for _, opt := range opts {
		opt(&c)
	}
	return c
}

func WithVerifyIntegrity(v bool) Option { return func(c *Config) { c.VerifyIntegrity = v } }

func WithMaxDecodeSizeBytes(n uint64) Option {
	return func(c *Config) { c.MaxDecodeSizeBytes = n }
}

func WithMaxBatchRows(n uint64) Option { return func(c *Config) { c.MaxBatchRows = n } }

func WithMaxTableSizeBytes(n uint64) Option {
	return func(c *Config) { c.MaxTableSizeBytes = n }
}

func WithMaxColumns(n uint32) Option { return func(c *Config) { c.MaxColumns = n } }

func WithEpochPolicy(p EpochPolicy) Option { return func(c *Config) { c.EpochPolicy = p } }

func WithAutoRecover(v bool) Option { return func(c *Config) { c.AutoRecover = v } }

func WithChunkCacheSizeBytes(n uint64) Option {
	return func(c *Config) { c.ChunkCacheSizeBytes = n }
}
