package filter

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/halvorsen/wbf"
	"github.com/halvorsen/wbf/bitset"
	"github.com/halvorsen/wbf/storage"
	"github.com/halvorsen/wbf/wbfio"
)

// ErrConfigMismatch is returned by Reload when a persisted blob's
// fingerprint or size doesn't match the configuration of the Memory
// reloading it.
var ErrConfigMismatch = errors.New("filter: persisted blob configuration mismatch")

// Filter is the capability set both Memory and Sharded satisfy.
type Filter interface {
	Add(item []byte)
	AddString(item string)
	Contains(item []byte) bool
	ContainsString(item string) bool
	PopCount() uint64
	Save(ctx context.Context) error
	Reload(ctx context.Context) error
	IsDirty() bool
	Configuration() Config
	Stats() Stats
	Close() error
}

// Memory is a single, non-sharded bloom filter held entirely in memory with
// an optional save/reload lifecycle against a storage.Driver.
//
// ioLock serializes Save/Reload against each other (only one blob transfer
// in flight at a time), while
// memoryLock is a many-reader/single-writer lock that lets concurrent
// Add/Contains calls proceed freely but excludes them during the instant a
// Reload swaps the backing bitset.Set.
type Memory struct {
	name   string
	cfg    Config
	driver storage.Driver
	log    wbf.Logger
	clock  func() time.Time

	ioLock     sync.Mutex
	memoryLock sync.RWMutex

	bits           *bitset.Set
	dirty          atomic.Bool
	warnedCapacity atomic.Bool
	lastSavedAt    time.Time

	integrityCheck      bool
	autoResetOnMismatch bool
}

// MemoryOption configures optional fields of a Memory at construction time.
type MemoryOption func(*Memory)

// WithLogger attaches a Logger; the default is a no-op logger.
func WithLogger(l wbf.Logger) MemoryOption {
	return func(m *Memory) { m.log = wbf.OrNoop(l) }
}

// WithClock overrides the time source Memory uses for LastSavedAt
// bookkeeping. Tests use this to control time deterministically.
func WithClock(clock func() time.Time) MemoryOption {
	return func(m *Memory) { m.clock = clock }
}

// WithIntegrityCheck controls whether an invalid header or a checksum
// mismatch fails Reload (enabled, the default) or degrades gracefully:
// an invalid header falls back to reading the blob as a headerless legacy
// payload, and a checksum mismatch is accepted without complaint.
func WithIntegrityCheck(enabled bool) MemoryOption {
	return func(m *Memory) { m.integrityCheck = enabled }
}

// WithAutoResetOnMismatch controls whether a fingerprint or size mismatch
// between a persisted blob and this Memory's configuration fails Reload
// (the default) or is treated as "no usable blob": the filter is left
// zeroed and Reload returns nil.
func WithAutoResetOnMismatch(enabled bool) MemoryOption {
	return func(m *Memory) { m.autoResetOnMismatch = enabled }
}

// NewMemory constructs an empty Memory for cfg, persisted through driver.
// driver may be nil if the caller never intends to Save/Reload.
func NewMemory(cfg Config, driver storage.Driver, opts ...MemoryOption) *Memory {
	m := &Memory{
		name:           cfg.Name,
		cfg:            cfg,
		driver:         driver,
		log:            wbf.NoopLogger(),
		clock:          time.Now,
		bits:           bitset.New(cfg.M),
		integrityCheck: true,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Add sets the k bit positions derived from item.
func (m *Memory) Add(item []byte) {
	m.memoryLock.RLock()
	defer m.memoryLock.RUnlock()
	changed := false
	forEachPosition(item, m.cfg, func(pos uint64) {
		if m.bits.SetIfUnset(pos) {
			changed = true
		}
	})
	if changed {
		m.dirty.Store(true)
		m.checkCapacity()
	}
}

// checkCapacity logs once the first time the fill ratio crosses
// fillRatioWarnThreshold, so sustained use past that point doesn't flood
// the log.
func (m *Memory) checkCapacity() {
	if m.warnedCapacity.Load() {
		return
	}
	ratio := float64(m.bits.PopCount()) / float64(m.cfg.M)
	if ratio > fillRatioWarnThreshold && m.warnedCapacity.CompareAndSwap(false, true) {
		m.log.Warnf("filter: %s fill ratio %.3f exceeds %.2f, false-positive rate is degrading", m.name, ratio, fillRatioWarnThreshold)
	}
}

// AddString is the string-keyed equivalent of Add, identical in result to
// Add([]byte(item)) for UTF-8-equivalent content.
func (m *Memory) AddString(item string) { m.Add([]byte(item)) }

// Contains reports whether item may have been added. False positives are
// possible; false negatives are not.
func (m *Memory) Contains(item []byte) bool {
	m.memoryLock.RLock()
	defer m.memoryLock.RUnlock()
	found := true
	forEachPosition(item, m.cfg, func(pos uint64) {
		if found && !m.bits.Get(pos) {
			found = false
		}
	})
	return found
}

// ContainsString is the string-keyed equivalent of Contains.
func (m *Memory) ContainsString(item string) bool { return m.Contains([]byte(item)) }

// PopCount returns the number of set bits.
func (m *Memory) PopCount() uint64 {
	m.memoryLock.RLock()
	defer m.memoryLock.RUnlock()
	return m.bits.PopCount()
}

// IsDirty reports whether this filter has unsaved changes.
func (m *Memory) IsDirty() bool { return m.dirty.Load() }

// Configuration returns the configuration this Memory was constructed with.
func (m *Memory) Configuration() Config { return m.cfg }

// Stats reports the current fill ratio and a capacity health signal.
func (m *Memory) Stats() Stats {
	m.memoryLock.RLock()
	defer m.memoryLock.RUnlock()
	return newStats(m.cfg, m.bits.PopCount())
}

// Close is a no-op for Memory; it exists so Memory satisfies Filter
// alongside Sharded, whose Close releases per-shard resources.
func (m *Memory) Close() error { return nil }

// Save serializes the filter's header and bit array and hands it to the
// storage driver under this filter's name. It is a no-op, performing no I/O,
// when the filter has no unsaved changes or no storage driver configured.
// Only one Save or Reload runs at a time per Memory (ioLock); concurrent
// Add/Contains calls are unaffected.
//
// If the write fails, the dirty flag is left set so a later Save retries
// rather than silently losing the unsaved changes.
func (m *Memory) Save(ctx context.Context) error {
	if !m.dirty.Load() || m.driver == nil {
		return nil
	}
	m.ioLock.Lock()
	defer m.ioLock.Unlock()

	m.memoryLock.RLock()
	checksum := m.bits.Checksum()
	hdr := wbfio.Header{
		Checksum:    checksum,
		SizeInBits:  int64(m.cfg.M),
		HashCount:   int32(m.cfg.K),
		Fingerprint: m.cfg.Fingerprint(),
	}
	encoded := hdr.Encode()
	var buf bytes.Buffer
	buf.Write(encoded[:])
	if _, err := m.bits.WriteTo(&buf); err != nil {
		m.memoryLock.RUnlock()
		return fmt.Errorf("filter: serialize %s: %w", m.name, err)
	}
	m.memoryLock.RUnlock()

	if err := m.driver.Save(ctx, m.name, &buf); err != nil {
		m.log.Errorf("filter: save %s failed: %v", m.name, err)
		return fmt.Errorf("filter: save %s: %w", m.name, err)
	}

	m.dirty.Store(false)
	m.memoryLock.Lock()
	m.lastSavedAt = m.clock()
	m.memoryLock.Unlock()
	return nil
}

// Reload replaces this filter's bit array with the blob persisted under its
// name. If no blob exists, the filter is left empty (not an error). If the
// header is invalid, the payload's checksum doesn't match the header, or
// the fingerprint or size doesn't match this Memory's configuration, Reload
// returns an error and leaves the existing in-memory state untouched —
// except where WithIntegrityCheck(false) or WithAutoResetOnMismatch(true)
// turns that case into a legacy read, an accepted checksum, or a reset to
// empty, as those options describe.
func (m *Memory) Reload(ctx context.Context) error {
	if m.driver == nil {
		return fmt.Errorf("filter: %s has no storage driver configured", m.name)
	}
	m.ioLock.Lock()
	defer m.ioLock.Unlock()

	rc, err := m.driver.Load(ctx, m.name)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			m.memoryLock.Lock()
			m.bits = bitset.New(m.cfg.M)
			m.memoryLock.Unlock()
			m.dirty.Store(false)
			m.warnedCapacity.Store(false)
			return nil
		}
		return fmt.Errorf("filter: load %s: %w", m.name, err)
	}
	defer rc.Close()

	var hdrBuf [wbfio.HeaderSize]byte
	n, readErr := readFull(rc, hdrBuf[:])
	hdr, decodeErr := wbfio.Decode(hdrBuf[:n])
	if readErr != nil || decodeErr != nil {
		if m.integrityCheck {
			if decodeErr != nil {
				return fmt.Errorf("filter: decode header for %s: %w", m.name, decodeErr)
			}
			return fmt.Errorf("filter: read header for %s: %w", m.name, readErr)
		}
		// Legacy/degraded mode: treat whatever was already consumed plus
		// the rest of the stream as a headerless raw bit payload sized to
		// this Memory's own configuration.
		legacy := io.MultiReader(bytes.NewReader(hdrBuf[:n]), rc)
		next := bitset.New(m.cfg.M)
		if _, _, err := next.ReadFrom(legacy); err != nil {
			return fmt.Errorf("filter: read legacy body for %s: %w", m.name, err)
		}
		m.swapBits(next)
		return nil
	}

	if hdr.Fingerprint != m.cfg.Fingerprint() || uint64(hdr.SizeInBits) != m.cfg.M {
		if m.autoResetOnMismatch {
			m.swapBits(bitset.New(m.cfg.M))
			return nil
		}
		return fmt.Errorf("%w: %s", ErrConfigMismatch, m.name)
	}

	next := bitset.New(uint64(hdr.SizeInBits))
	_, checksum, err := next.ReadFrom(rc)
	if err != nil {
		return fmt.Errorf("filter: read body for %s: %w", m.name, err)
	}
	if m.integrityCheck && checksum != hdr.Checksum {
		return fmt.Errorf("filter: checksum mismatch for %s", m.name)
	}

	m.swapBits(next)
	return nil
}

// swapBits installs next as the live bit array under the memory writer
// lock, clears dirty, and re-evaluates the capacity warning against the
// newly loaded occupancy.
func (m *Memory) swapBits(next *bitset.Set) {
	m.memoryLock.Lock()
	m.bits = next
	m.memoryLock.Unlock()
	m.dirty.Store(false)
	m.warnedCapacity.Store(false)
	m.checkCapacity()
}

// readFull reads exactly len(buf) bytes, treating a short final read the
// same way bitset.ReadFrom does.
func readFull(r interface{ Read([]byte) (int, error) }, buf []byte) (int, error) {
	read := 0
	for read < len(buf) {
		n, err := r.Read(buf[read:])
		read += n
		if err != nil {
			if read == len(buf) {
				break
			}
			return read, err
		}
		if n == 0 {
			return read, fmt.Errorf("short read %d/%d bytes", read, len(buf))
		}
	}
	return read, nil
}
