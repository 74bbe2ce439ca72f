package snowflake

import (
	"fmt"
	"sync/atomic"
	"time"
)

// Striped is N underlying Generators, each given a node-id formed by
// concatenating a shared base node-id with its stripe index, so contention
// on the single packed CAS word is partitioned across stripeCount
// independent words.
type Striped struct {
	stripes []*Generator
	mask    uint64
	next    atomic.Uint64
}

// StripedOptions configures a Striped generator.
type StripedOptions struct {
	// Base is applied to every stripe except NodeID, which is derived
	// per stripe.
	Base Options
	// BaseNodeID is the shared high bits of every stripe's node id.
	BaseNodeID uint64
	// StripeBits is s in stripeCount = 2^s; stripe i's node id is
	// (BaseNodeID << s) | i.
	StripeBits int
}

// NewStriped constructs stripeCount = 2^StripeBits independent Generators.
// It rejects configurations where the combined (baseNodeId, stripe index)
// space would exceed the node-id range implied by Base.SequenceBits.
func NewStriped(opts StripedOptions) (*Striped, error) {
	if opts.StripeBits < 0 {
		return nil, fmt.Errorf("snowflake: stripeBits must be >= 0")
	}
	stripeCount := uint64(1) << uint(opts.StripeBits)

	sequenceBits := opts.Base.SequenceBits
	if sequenceBits == 0 {
		sequenceBits = 12
	}
	nodeIDBits := uint(totalIDBits - sequenceBits)
	nodeIDMask := (uint64(1) << nodeIDBits) - 1
	if (opts.BaseNodeID<<uint(opts.StripeBits))|(stripeCount-1) > nodeIDMask {
		return nil, fmt.Errorf("%w: base node id %d with %d stripe bits exceeds %d-bit node id space",
			ErrNodeIDOutOfRange, opts.BaseNodeID, opts.StripeBits, nodeIDBits)
	}

	stripes := make([]*Generator, stripeCount)
	for i := uint64(0); i < stripeCount; i++ {
		stripeOpts := opts.Base
		stripeOpts.NodeID = (opts.BaseNodeID << uint(opts.StripeBits)) | i
		g, err := NewGenerator(stripeOpts)
		if err != nil {
			return nil, fmt.Errorf("snowflake: build stripe %d: %w", i, err)
		}
		stripes[i] = g
	}
	return &Striped{stripes: stripes, mask: stripeCount - 1}, nil
}

// NextID dispatches to one of the underlying stripes. Go has no cheap
// stable thread-id to mod against; an atomic round-robin counter is the
// idiomatic substitute — it distributes calls across stripes just as evenly
// without needing OS thread identity.
func (s *Striped) NextID() (uint64, error) {
	i := s.next.Add(1) & s.mask
	return s.stripes[i].NextID()
}

// Decode extracts timestamp/nodeId/sequence from id. Every stripe shares
// epoch and shift layout, so decoding is correct regardless of which
// stripe produced id.
func (s *Striped) Decode(id uint64) (timestamp time.Time, nodeID uint64, sequence uint64) {
	return s.stripes[0].Decode(id)
}
