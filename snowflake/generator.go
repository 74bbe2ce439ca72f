// Package snowflake implements a lock-free, time-ordered 64-bit ID
// generator, plus a striped wrapper that shards contention across
// disjoint node-id sub-ranges.
package snowflake

import (
	"errors"
	"fmt"
	"runtime"
	"sync/atomic"
	"time"
)

// Sentinel configuration errors.
var (
	ErrEpochInFuture       = errors.New("snowflake: epoch must not be in the future")
	ErrInvalidSequenceBits = errors.New("snowflake: sequenceBits must be in [1,22]")
	ErrNodeIDOutOfRange    = errors.New("snowflake: nodeId out of range for sequenceBits")
	ErrInvalidMaxDrift     = errors.New("snowflake: maxDriftMs must be >= 0")
)

// ErrOverloaded is returned when NextID cannot make forward progress within
// maxDriftMs after repeated CAS contention.
var ErrOverloaded = errors.New("snowflake: generator overloaded, drift budget exceeded")

// totalIDBits is the number of low bits spanned by nodeId+sequence
// together under the default layout: 22 bits total, split between
// node id and sequence.
const totalIDBits = 22

// cacheLinePaddingBytes separates the hot, CAS-mutated packed state from
// the generator's read-only configuration fields, the same false-sharing
// discipline jcalabro/gloom applies to its bit-array allocation
// (makeAlignedUint64Slice), here applied to struct layout instead.
const cacheLinePaddingBytes = 64

// Options configures a Generator.
type Options struct {
	// Epoch is the absolute instant timestamps are measured from. Must
	// not be in the future.
	Epoch time.Time
	// NodeID identifies this generator; must be in [0, 2^(22-SequenceBits)).
	NodeID uint64
	// SequenceBits sizes the per-millisecond sequence counter, in
	// [1,22]. Defaults to 12.
	SequenceBits int
	// MaxDriftMs bounds how far nextTs is allowed to run ahead of the
	// observed clock before NextID reports ErrOverloaded. Defaults to
	// 2000.
	MaxDriftMs int64
	// Clock, if set, replaces the monotonic wall-clock anchor with an
	// injected time source — tests use this to simulate clock rollback
	// deterministically.
	Clock func() time.Time
}

// Generator produces monotonically increasing 64-bit IDs from a single
// packed atomic word.
type Generator struct {
	state atomic.Uint64
	_pad  [cacheLinePaddingBytes]byte

	epochMs        int64
	sequenceBits   uint
	sequenceMask   uint64
	nodeIDMask     uint64
	nodeIDShift    uint
	timestampShift uint
	maskedNodeID   uint64
	maxDriftMs     int64

	clock        func() time.Time
	anchorStart  time.Time
	anchorWallMs int64
}

// NewGenerator validates opts and constructs a Generator. The initial
// packed state is ((now-1) << sequenceBits) | sequenceMask so the very
// first NextID call observes "now > lastTime" and transitions cleanly
// so the first call observes forward progress cleanly.
func NewGenerator(opts Options) (*Generator, error) {
	sequenceBits := opts.SequenceBits
	if sequenceBits == 0 {
		sequenceBits = 12
	}
	if sequenceBits < 1 || sequenceBits > 22 {
		return nil, ErrInvalidSequenceBits
	}
	nodeIDBits := uint(totalIDBits - sequenceBits)
	nodeIDMask := (uint64(1) << nodeIDBits) - 1
	if opts.NodeID > nodeIDMask {
		return nil, fmt.Errorf("%w: nodeId %d exceeds %d bits", ErrNodeIDOutOfRange, opts.NodeID, nodeIDBits)
	}

	maxDriftMs := opts.MaxDriftMs
	if maxDriftMs == 0 {
		maxDriftMs = 2000
	}
	if maxDriftMs < 0 {
		return nil, ErrInvalidMaxDrift
	}

	currentTime := time.Now
	if opts.Clock != nil {
		currentTime = opts.Clock
	}
	if opts.Epoch.After(currentTime()) {
		return nil, ErrEpochInFuture
	}

	g := &Generator{
		epochMs:        opts.Epoch.UnixMilli(),
		sequenceBits:   uint(sequenceBits),
		sequenceMask:   (uint64(1) << sequenceBits) - 1,
		nodeIDMask:     nodeIDMask,
		nodeIDShift:    uint(sequenceBits),
		timestampShift: uint(totalIDBits),
		maskedNodeID:   opts.NodeID << uint(sequenceBits),
		maxDriftMs:     maxDriftMs,
		clock:          opts.Clock,
	}
	if g.clock == nil {
		g.anchorStart = time.Now()
		g.anchorWallMs = g.anchorStart.UnixMilli()
	}

	now := g.nowMs()
	g.state.Store((uint64(now-1) << sequenceBits) | g.sequenceMask)
	return g, nil
}

// nowMs returns the current time in epoch-relative milliseconds. When no
// Clock was injected, it derives "now" from a monotonic anchor
// (anchorStart + elapsed monotonic duration) rather than re-reading the
// wall clock, so NTP step-backs never move time backwards mid-process —
// grounded on massifs/snowflakeid's millisecondMonotonicNow.
func (g *Generator) nowMs() int64 {
	if g.clock != nil {
		return g.clock().UnixMilli() - g.epochMs
	}
	elapsed := time.Since(g.anchorStart)
	return (g.anchorWallMs - g.epochMs) + elapsed.Milliseconds()
}

// maxSpins bounds how many times NextID retries a CAS contention or a
// drift-budget overrun before giving up with ErrOverloaded, the same
// bounded-spin discipline massifs/snowflakeid's NextID applies via its
// MaxSpins constant.
const maxSpins = 100

// NextID returns the next value in a strictly monotonically increasing,
// unique series. It never blocks on I/O; under CAS
// contention or drift-budget overrun it yields the scheduler
// (runtime.Gosched) and retries, up to maxSpins times, rather than
// sleeping.
func (g *Generator) NextID() (uint64, error) {
	for attempt := 0; attempt < maxSpins; attempt++ {
		cur := g.state.Load()
		ct := int64(cur >> g.sequenceBits)
		cs := cur & g.sequenceMask

		now := g.nowMs()
		candidateSeq := (cs + 1) & g.sequenceMask

		var nextTs int64
		var nextSeq uint64
		switch {
		case now > ct:
			nextTs, nextSeq = now, 0
		case candidateSeq == 0:
			nextTs, nextSeq = ct+1, 0
		default:
			nextTs, nextSeq = ct, candidateSeq
		}

		if nextTs-now > g.maxDriftMs {
			runtime.Gosched()
			continue
		}

		next := (uint64(nextTs) << g.sequenceBits) | nextSeq
		if g.state.CompareAndSwap(cur, next) {
			id := (uint64(nextTs) << g.timestampShift) | g.maskedNodeID | nextSeq
			return id, nil
		}
		runtime.Gosched()
	}
	return 0, ErrOverloaded
}

// Decode extracts the timestamp (as an absolute time.Time using this
// Generator's epoch), nodeId, and sequence encoded in id.
func (g *Generator) Decode(id uint64) (timestamp time.Time, nodeID uint64, sequence uint64) {
	sequence = id & g.sequenceMask
	nodeID = (id >> g.nodeIDShift) & g.nodeIDMask
	tsDelta := id >> g.timestampShift
	timestamp = time.UnixMilli(g.epochMs + int64(tsDelta))
	return timestamp, nodeID, sequence
}
