package filter

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/halvorsen/wbf/storage"
)

// Sharded is a bloom filter split across a power-of-two number of
// independent Memory shards, each with its own storage blob. Routing an
// item to its shard masks the same 64-bit hash value membership testing
// uses; the hash is computed once for routing and again inside the shard.
type Sharded struct {
	cfg    Config
	shards []*Memory
	mask   uint64
}

// NewSharded constructs a Sharded filter. cfg.ShardCount must already be a
// power of two (NewConfig enforces this); each shard gets its own
// per-shard Config via Config.ForShard and its own name
// ("<name>_s<i>") under driver.
func NewSharded(cfg Config, driver storage.Driver, opts ...MemoryOption) (*Sharded, error) {
	if cfg.ShardCount == 0 || cfg.ShardCount&(cfg.ShardCount-1) != 0 {
		return nil, ErrInvalidShardCount
	}
	shards := make([]*Memory, cfg.ShardCount)
	for i := uint64(0); i < cfg.ShardCount; i++ {
		shardCfg, err := cfg.ForShard(i)
		if err != nil {
			return nil, fmt.Errorf("filter: build shard %d config: %w", i, err)
		}
		shards[i] = NewMemory(shardCfg, driver, opts...)
	}
	return &Sharded{cfg: cfg, shards: shards, mask: cfg.ShardCount - 1}, nil
}

// shardFor returns the shard item routes to: the low bits of the same
// 64-bit hash used to derive bit positions, masked to the shard count.
func (s *Sharded) shardFor(item []byte) *Memory {
	h := hash64(item, s.cfg.Seed)
	return s.shards[h&s.mask]
}

// Add routes item to its shard and sets that shard's bit positions.
func (s *Sharded) Add(item []byte) { s.shardFor(item).Add(item) }

// AddString is the string-keyed equivalent of Add.
func (s *Sharded) AddString(item string) { s.Add([]byte(item)) }

// Contains routes item to its shard and tests membership there.
func (s *Sharded) Contains(item []byte) bool { return s.shardFor(item).Contains(item) }

// ContainsString is the string-keyed equivalent of Contains.
func (s *Sharded) ContainsString(item string) bool { return s.Contains([]byte(item)) }

// PopCount returns the sum of set bits across every shard.
func (s *Sharded) PopCount() uint64 {
	var total uint64
	for _, shard := range s.shards {
		total += shard.PopCount()
	}
	return total
}

// IsDirty reports whether any shard has unsaved changes.
func (s *Sharded) IsDirty() bool {
	for _, shard := range s.shards {
		if shard.IsDirty() {
			return true
		}
	}
	return false
}

// Configuration returns the whole-filter configuration this Sharded was
// constructed with (not any one shard's derived per-shard configuration).
func (s *Sharded) Configuration() Config { return s.cfg }

// Stats aggregates Bits and SetBits across all shards and re-derives
// EstimatedFPRate/Healthy from the aggregate fill ratio.
func (s *Sharded) Stats() Stats {
	var bits, setBits uint64
	for _, shard := range s.shards {
		st := shard.Stats()
		bits += st.Bits
		setBits += st.SetBits
	}
	return newStats(Config{M: bits, K: s.cfg.K}, setBits)
}

// Close is a no-op; Sharded holds no resources beyond its shards, which
// hold none themselves.
func (s *Sharded) Close() error { return nil }

// Save persists every dirty shard in parallel, one goroutine per shard;
// clean shards no-op (see Memory.Save). It returns a joined error
// aggregating every shard that failed; shards that succeeded remain saved.
func (s *Sharded) Save(ctx context.Context) error {
	return s.forEachShardParallel(func(shard *Memory) error {
		return shard.Save(ctx)
	})
}

// Reload reloads every shard in parallel. A shard whose reload fails (e.g.
// a corrupted blob) leaves that shard's prior in-memory state untouched,
// matching Memory.Reload's own failure behavior; other shards still reload
// successfully.
func (s *Sharded) Reload(ctx context.Context) error {
	return s.forEachShardParallel(func(shard *Memory) error {
		return shard.Reload(ctx)
	})
}

func (s *Sharded) forEachShardParallel(fn func(*Memory) error) error {
	var wg sync.WaitGroup
	errs := make([]error, len(s.shards))
	for i, shard := range s.shards {
		wg.Add(1)
		go func(i int, shard *Memory) {
			defer wg.Done()
			errs[i] = fn(shard)
		}(i, shard)
	}
	wg.Wait()
	return errors.Join(errs...)
}
