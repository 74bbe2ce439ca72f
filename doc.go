// Package wbf provides the ambient contracts shared by the filter,
// snowflake, storage, and provider packages: a minimal logging interface and
// nothing else. Dependency injection wiring, logging-framework integration,
// and options-monitor plumbing are explicitly out of scope for this module —
// callers are expected to own that wiring and hand this package only the
// narrow Logger contract below.
//
// # Subsystems
//
// [github.com/halvorsen/wbf/bitset] is the atomic bit array primitive.
//
// [github.com/halvorsen/wbf/wbfio] encodes and decodes the binary header
// prepended to every persisted filter blob.
//
// [github.com/halvorsen/wbf/filter] implements the in-memory and sharded
// bloom filter, including their save/reload lifecycle.
//
// [github.com/halvorsen/wbf/storage] defines the blob persistence contract
// and a default filesystem-backed implementation.
//
// [github.com/halvorsen/wbf/provider] is the keyed registry that lazily
// constructs, hydrates, and saves named filters.
//
// [github.com/halvorsen/wbf/snowflake] is the lock-free, striped 64-bit ID
// generator. It has no dependency on the filter subsystem.
package wbf
