// Package filter implements the in-memory and sharded bloom filter engine:
// two-hash (Kirsch–Mitzenmacher) membership testing over an atomic bit
// array, with a save/reload lifecycle against a pluggable storage driver.
package filter

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/zeebo/xxh3"
)

// Sentinel configuration errors.
var (
	ErrInvalidName          = errors.New("filter: name must be non-empty")
	ErrInvalidExpectedItems = errors.New("filter: expected items must be positive")
	ErrInvalidErrorRate     = errors.New("filter: error rate must be in (0,1)")
	ErrInvalidShardCount    = errors.New("filter: shard count must be a power of two >= 1")
)

// Config carries everything needed to size and identify a filter. M and K
// are derived from ExpectedItems/ErrorRate using the standard bloom-filter
// formulas (grounded on jcalabro/gloom's OptimalParams, generalized to a
// single global m/k pair instead of gloom's per-512-bit-block
// partitioning).
type Config struct {
	Name          string
	ExpectedItems uint64
	ErrorRate     float64
	Seed          uint64
	ShardCount    uint64 // power of two, >= 1

	// Derived fields, populated by NewConfig.
	M uint64 // size in bits
	K uint32 // number of hash functions
}

// NewConfig validates the inputs and derives M, K. ShardCount defaults to 1
// if zero.
func NewConfig(name string, expectedItems uint64, errorRate float64, seed uint64, shardCount uint64) (Config, error) {
	if shardCount == 0 {
		shardCount = 1
	}
	c := Config{
		Name:          name,
		ExpectedItems: expectedItems,
		ErrorRate:     errorRate,
		Seed:          seed,
		ShardCount:    shardCount,
	}
	if err := c.validateInputs(); err != nil {
		return Config{}, err
	}
	c.M, c.K = optimalMK(expectedItems, errorRate)
	return c, nil
}

func (c Config) validateInputs() error {
	if c.Name == "" {
		return ErrInvalidName
	}
	if c.ExpectedItems == 0 {
		return ErrInvalidExpectedItems
	}
	if c.ErrorRate <= 0 || c.ErrorRate >= 1 {
		return ErrInvalidErrorRate
	}
	if c.ShardCount == 0 || c.ShardCount&(c.ShardCount-1) != 0 {
		return ErrInvalidShardCount
	}
	return nil
}

// optimalMK computes m = ceil(-n*ln(p)/(ln 2)^2) and k = round((m/n)*ln 2),
// clamped to >= 1.
func optimalMK(n uint64, p float64) (m uint64, k uint32) {
	ln2 := math.Ln2
	ln2Sq := ln2 * ln2

	mf := math.Ceil(-float64(n) * math.Log(p) / ln2Sq)
	if mf < 1 {
		mf = 1
	}
	m = uint64(mf)

	kf := math.Round((mf / float64(n)) * ln2)
	if kf < 1 {
		kf = 1
	}
	k = uint32(kf)
	return m, k
}

// Fingerprint is a stable 64-bit hash over (M, K, Seed, ShardCount), used to
// detect a configuration mismatch between a persisted blob and the current
// process.
func (c Config) Fingerprint() uint64 {
	var buf [32]byte
	binary.LittleEndian.PutUint64(buf[0:8], c.M)
	binary.LittleEndian.PutUint32(buf[8:12], c.K)
	binary.LittleEndian.PutUint64(buf[12:20], c.Seed)
	binary.LittleEndian.PutUint64(buf[20:28], c.ShardCount)
	return xxh3.Hash(buf[:28])
}

// TotalBytes is ceil(M/8), the payload size of a persisted blob for this
// configuration.
func (c Config) TotalBytes() uint64 {
	return (c.M + 7) / 8
}

// ShardName returns the name used for shard i of a sharded filter with this
// configuration's Name, e.g. "events_s3".
func ShardName(name string, i uint64) string {
	return fmt.Sprintf("%s_s%d", name, i)
}

// ForShard derives the per-shard configuration: expected items split evenly
// (ceil(n/S)) and a shard-unique name.
func (c Config) ForShard(i uint64) (Config, error) {
	perShard := (c.ExpectedItems + c.ShardCount - 1) / c.ShardCount
	return NewConfig(ShardName(c.Name, i), perShard, c.ErrorRate, c.Seed, 1)
}
