// Package provider implements the keyed registry that lazily constructs,
// hydrates, and saves named bloom filters.
package provider

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/exp/slices"

	"github.com/halvorsen/wbf"
	"github.com/halvorsen/wbf/filter"
	"github.com/halvorsen/wbf/storage"
)

// ErrUnknownFilter is returned by Get when name has no registered
// Definition.
var ErrUnknownFilter = errors.New("provider: no definition registered for filter")

// ErrDisposed is returned by Get once the provider has been shut down.
var ErrDisposed = errors.New("provider: disposed")

// Seeder populates a freshly (re)constructed, empty filter — typically by
// replaying a source of truth after a corrupt blob was discarded.
type Seeder func(ctx context.Context, f filter.Filter) error

// Definition is the static description of a named filter: its sizing
// target and the seeders that can repopulate it after a reload failure.
type Definition struct {
	ExpectedItems uint64
	ErrorRate     float64
	Seeders       []Seeder
}

// Options configures a Provider.
type Options struct {
	// Definitions maps filter name to its Definition. Get fails with
	// ErrUnknownFilter for any other name.
	Definitions map[string]Definition
	// Seed is the hash seed every filter this provider constructs shares.
	Seed uint64
	// ShardingThresholdBytes is the bit-array byte size above which Get
	// switches a filter from Memory to Sharded.
	ShardingThresholdBytes uint64
	// Driver persists every filter this provider constructs.
	Driver storage.Driver
	// AutoReseed, if true, schedules a background seeding task after a
	// reload failure instead of leaving the filter permanently empty.
	AutoReseed bool
	// EnableIntegrityCheck, if true, makes an invalid header or a checksum
	// mismatch fatal to Reload instead of degrading gracefully. Defaults
	// to false (unset), unlike a bare filter.Memory constructed directly
	// via filter.NewMemory, which defaults to strict. See
	// filter.WithIntegrityCheck.
	EnableIntegrityCheck bool
	// AutoResetOnMismatch, if true, turns a fingerprint/size mismatch on
	// Reload into a reset-to-empty instead of a fatal error. See
	// filter.WithAutoResetOnMismatch.
	AutoResetOnMismatch bool
	Logger              wbf.Logger
}

// cell is a single-flight lazy construction slot for one filter name,
// hand-rolled on sync.Once rather than golang.org/x/sync/singleflight: the
// first Get for a name runs the factory and every other concurrent Get for
// the same name blocks on ready until it completes.
type cell struct {
	once   sync.Once
	ready  chan struct{}
	filter filter.Filter
	err    error
}

// Provider is the concurrent keyed registry of bloom filters, keyed by
// name.
type Provider struct {
	opts Options
	log  wbf.Logger

	mu    sync.Mutex
	cells map[string]*cell

	rootCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New constructs a Provider. opts.Driver may be nil if no filter definition
// ever needs persistence (tests most commonly pass one).
func New(opts Options) *Provider {
	rootCtx, cancel := context.WithCancel(context.Background())
	return &Provider{
		opts:    opts,
		log:     wbf.OrNoop(opts.Logger),
		cells:   make(map[string]*cell),
		rootCtx: rootCtx,
		cancel:  cancel,
	}
}

// Get returns the filter registered under name, constructing and
// hydrating it on the first call. Concurrent calls for the same name share
// one factory execution: the lazy cell is thread-safe.
func (p *Provider) Get(ctx context.Context, name string) (filter.Filter, error) {
	if p.rootCtx.Err() != nil {
		return nil, ErrDisposed
	}

	p.mu.Lock()
	c, ok := p.cells[name]
	if !ok {
		c = &cell{ready: make(chan struct{})}
		p.cells[name] = c
	}
	p.mu.Unlock()

	c.once.Do(func() {
		factoryCtx, stop := mergeContext(ctx, p.rootCtx)
		defer stop()
		c.filter, c.err = p.construct(factoryCtx, name)
		close(c.ready)
	})

	select {
	case <-c.ready:
		return c.filter, c.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// construct implements the 5-step Get algorithm: look up the definition,
// derive configuration, decide shard count from the sizing threshold,
// build the filter, and reload it.
func (p *Provider) construct(ctx context.Context, name string) (filter.Filter, error) {
	def, ok := p.opts.Definitions[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownFilter, name)
	}

	shardCount := uint64(1)
	sizing, err := filter.NewConfig(name, def.ExpectedItems, def.ErrorRate, p.opts.Seed, 1)
	if err != nil {
		return nil, fmt.Errorf("provider: derive configuration for %s: %w", name, err)
	}
	if threshold := p.opts.ShardingThresholdBytes; threshold > 0 && sizing.TotalBytes() > threshold {
		need := (sizing.TotalBytes() + threshold - 1) / threshold
		shardCount = nextPowerOfTwo(need)
	}

	cfg, err := filter.NewConfig(name, def.ExpectedItems, def.ErrorRate, p.opts.Seed, shardCount)
	if err != nil {
		return nil, fmt.Errorf("provider: derive sharded configuration for %s: %w", name, err)
	}

	memOpts := []filter.MemoryOption{
		filter.WithLogger(p.log),
		filter.WithIntegrityCheck(p.opts.EnableIntegrityCheck),
		filter.WithAutoResetOnMismatch(p.opts.AutoResetOnMismatch),
	}

	var f filter.Filter
	if shardCount == 1 {
		f = filter.NewMemory(cfg, p.opts.Driver, memOpts...)
	} else {
		sharded, err := filter.NewSharded(cfg, p.opts.Driver, memOpts...)
		if err != nil {
			return nil, fmt.Errorf("provider: build sharded filter %s: %w", name, err)
		}
		f = sharded
	}

	if err := f.Reload(ctx); err != nil {
		if ctx.Err() != nil {
			_ = f.Close()
			return nil, ctx.Err()
		}
		p.log.Errorf("provider: reload %s failed, discarding blob: %v", name, err)
		p.deleteBlobs(context.Background(), name, cfg)
		if p.opts.AutoReseed {
			p.scheduleReseed(name, f, def.Seeders)
		}
		return f, nil
	}
	return f, nil
}

// deleteBlobs removes the persisted blob(s) for a filter configuration:
// one blob for Memory, one per shard for Sharded.
func (p *Provider) deleteBlobs(ctx context.Context, name string, cfg filter.Config) {
	if p.opts.Driver == nil {
		return
	}
	names := []string{name}
	if cfg.ShardCount > 1 {
		names = names[:0]
		for i := uint64(0); i < cfg.ShardCount; i++ {
			names = append(names, filter.ShardName(name, i))
		}
	}
	for _, n := range names {
		if err := p.opts.Driver.Delete(ctx, n); err != nil {
			p.log.Errorf("provider: delete corrupt blob %s: %v", n, err)
		}
	}
}

// scheduleReseed runs every seeder for name concurrently against f, then
// saves it, all on a background goroutine tracked by Shutdown's wait group,
// so the empty filter can be returned to callers immediately instead of
// blocking construct on a full reseed.
func (p *Provider) scheduleReseed(name string, f filter.Filter, seeders []Seeder) {
	if len(seeders) == 0 {
		return
	}
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		ctx := p.rootCtx

		var wg sync.WaitGroup
		errs := make([]error, len(seeders))
		for i, seed := range seeders {
			wg.Add(1)
			go func(i int, seed Seeder) {
				defer wg.Done()
				errs[i] = seed(ctx, f)
			}(i, seed)
		}
		wg.Wait()

		if err := errors.Join(errs...); err != nil {
			p.log.Errorf("provider: reseed %s had failures: %v", name, err)
		}
		if err := f.Save(ctx); err != nil {
			p.log.Errorf("provider: save reseeded %s failed: %v", name, err)
		}
	}()
}

// SaveAllDirty saves every already-constructed filter that reports
// IsDirty. A per-filter failure is logged and does not prevent the
// remaining filters from being saved; every failure is still returned,
// joined, to the caller.
func (p *Provider) SaveAllDirty(ctx context.Context) error {
	var errs []error
	for _, name := range p.realizedNames() {
		c := p.cellFor(name)
		if c == nil || c.err != nil || c.filter == nil {
			continue
		}
		if !c.filter.IsDirty() {
			continue
		}
		if err := c.filter.Save(ctx); err != nil {
			p.log.Errorf("provider: save %s failed: %v", name, err)
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}

// Shutdown cancels the shared shutdown token (propagating cancellation
// into any in-flight hydration), waits for background reseed tasks to
// finish, and closes every realized filter. Failures are swallowed
// best-effort into a single joined error so no one filter's failure blocks
// the rest of shutdown.
func (p *Provider) Shutdown(ctx context.Context) error {
	p.cancel()
	p.wg.Wait()

	var errs []error
	for _, name := range p.realizedNames() {
		c := p.cellFor(name)
		if c == nil || c.filter == nil {
			continue
		}
		if err := c.filter.Close(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}

// realizedNames returns, in sorted order, the names of every cell whose
// factory has completed. Sorting gives SaveAllDirty/Shutdown a
// deterministic iteration order, grounded on the same x/exp/slices usage
// the rest of this module's tooling relies on.
func (p *Provider) realizedNames() []string {
	p.mu.Lock()
	names := make([]string, 0, len(p.cells))
	for name, c := range p.cells {
		select {
		case <-c.ready:
			names = append(names, name)
		default:
		}
	}
	p.mu.Unlock()
	slices.Sort(names)
	return names
}

func (p *Provider) cellFor(name string) *cell {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cells[name]
}

// nextPowerOfTwo returns the smallest power of two >= n (n >= 1).
func nextPowerOfTwo(n uint64) uint64 {
	if n <= 1 {
		return 1
	}
	p := uint64(1)
	for p < n {
		p <<= 1
	}
	return p
}

// mergeContext derives a context cancelled when either parent or extra is
// done, using context.AfterFunc to avoid a dedicated watcher goroutine per
// call. The returned stop function must be called once the derived context
// is no longer needed.
func mergeContext(parent, extra context.Context) (context.Context, func()) {
	ctx, cancel := context.WithCancel(parent)
	stop := context.AfterFunc(extra, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}
