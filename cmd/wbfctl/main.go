// Command wbfctl exercises the filter and snowflake subsystems against a
// real filesystem directory: add/contains/stats/save drive a provider-
// managed bloom filter, id/id-stream drive a snowflake generator.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	flag "github.com/spf13/pflag"
	"golang.org/x/exp/slices"

	"github.com/halvorsen/wbf"
	"github.com/halvorsen/wbf/provider"
	"github.com/halvorsen/wbf/snowflake"
	"github.com/halvorsen/wbf/storage"
)

// command mirrors the name/description/handler shape calvinalkan/agent-task's
// internal/cli.Command uses for its own subcommand dispatch, trimmed down to
// what this small CLI needs.
type command struct {
	name  string
	short string
	exec  func(ctx context.Context, args []string) error
}

var commands = []command{
	{"add", "add an item to a named filter", cmdAdd},
	{"contains", "test membership in a named filter", cmdContains},
	{"stats", "print fill ratio and health for a named filter", cmdStats},
	{"save", "save a named filter's dirty state", cmdSave},
	{"id", "generate a single snowflake id", cmdID},
	{"id-stream", "generate N snowflake ids, one per line", cmdIDStream},
}

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}
	name := os.Args[1]
	i := slices.IndexFunc(commands, func(c command) bool { return c.name == name })
	if i < 0 {
		fmt.Fprintf(os.Stderr, "wbfctl: unknown command %q\n\n", name)
		printUsage()
		os.Exit(1)
	}
	if err := commands[i].exec(context.Background(), os.Args[2:]); err != nil {
		fmt.Fprintln(os.Stderr, "wbfctl:", err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "usage: wbfctl <command> [flags]")
	for _, c := range commands {
		fmt.Fprintf(os.Stderr, "  %-10s %s\n", c.name, c.short)
	}
}

// filterFlags is the flag set shared by add/contains/stats/save: enough to
// build a one-filter provider.Options against a filesystem directory.
type filterFlags struct {
	dir           string
	name          string
	expectedItems uint64
	errorRate     float64
	seed          uint64
	shardThresh   uint64
}

func bindFilterFlags(fs *flag.FlagSet) *filterFlags {
	f := &filterFlags{}
	fs.StringVar(&f.dir, "dir", "./wbfdata", "storage directory")
	fs.StringVar(&f.name, "name", "default", "filter name")
	fs.Uint64Var(&f.expectedItems, "expected-items", 100_000, "expected item count")
	fs.Float64Var(&f.errorRate, "error-rate", 0.01, "target false-positive rate")
	fs.Uint64Var(&f.seed, "seed", 1, "hash seed")
	fs.Uint64Var(&f.shardThresh, "shard-threshold-bytes", 8<<20, "byte size above which the filter is sharded")
	return f
}

func (f *filterFlags) newProvider() (*provider.Provider, error) {
	driver, err := storage.NewFileDriver(storage.Config{Path: f.dir})
	if err != nil {
		return nil, fmt.Errorf("open storage directory %s: %w", f.dir, err)
	}
	return provider.New(provider.Options{
		Driver:                 driver,
		Seed:                   f.seed,
		ShardingThresholdBytes: f.shardThresh,
		AutoReseed:             false,
		Logger:                 wbf.NewStdLogger(nil),
		Definitions: map[string]provider.Definition{
			f.name: {ExpectedItems: f.expectedItems, ErrorRate: f.errorRate},
		},
	}), nil
}

func cmdAdd(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("add", flag.ContinueOnError)
	f := bindFilterFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() == 0 {
		return fmt.Errorf("add: at least one item argument required")
	}

	p, err := f.newProvider()
	if err != nil {
		return err
	}
	fl, err := p.Get(ctx, f.name)
	if err != nil {
		return err
	}
	for _, item := range fs.Args() {
		fl.AddString(item)
	}
	if err := fl.Save(ctx); err != nil {
		return fmt.Errorf("save %s: %w", f.name, err)
	}
	return p.Shutdown(ctx)
}

func cmdContains(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("contains", flag.ContinueOnError)
	f := bindFilterFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("contains: exactly one item argument required")
	}

	p, err := f.newProvider()
	if err != nil {
		return err
	}
	fl, err := p.Get(ctx, f.name)
	if err != nil {
		return err
	}
	fmt.Println(fl.ContainsString(fs.Arg(0)))
	return p.Shutdown(ctx)
}

func cmdStats(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("stats", flag.ContinueOnError)
	f := bindFilterFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}

	p, err := f.newProvider()
	if err != nil {
		return err
	}
	fl, err := p.Get(ctx, f.name)
	if err != nil {
		return err
	}
	st := fl.Stats()
	fmt.Printf("bits=%d set=%d fill=%.4f estimatedFPRate=%.6f healthy=%v\n",
		st.Bits, st.SetBits, st.FillRatio, st.EstimatedFPRate, st.Healthy)
	return p.Shutdown(ctx)
}

func cmdSave(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("save", flag.ContinueOnError)
	f := bindFilterFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}

	p, err := f.newProvider()
	if err != nil {
		return err
	}
	if _, err := p.Get(ctx, f.name); err != nil {
		return err
	}
	if err := p.SaveAllDirty(ctx); err != nil {
		return err
	}
	return p.Shutdown(ctx)
}

func cmdID(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("id", flag.ContinueOnError)
	nodeID := fs.Uint64("node-id", 1, "snowflake node id")
	epochFlag := fs.String("epoch", "2020-01-01T00:00:00Z", "RFC3339 epoch instant")
	if err := fs.Parse(args); err != nil {
		return err
	}

	epoch, err := time.Parse(time.RFC3339, *epochFlag)
	if err != nil {
		return fmt.Errorf("parse -epoch: %w", err)
	}
	g, err := snowflake.NewGenerator(snowflake.Options{Epoch: epoch, NodeID: *nodeID})
	if err != nil {
		return err
	}
	id, err := g.NextID()
	if err != nil {
		return err
	}
	fmt.Println(id)
	return nil
}

func cmdIDStream(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("id-stream", flag.ContinueOnError)
	nodeID := fs.Uint64("node-id", 1, "snowflake node id")
	epochFlag := fs.String("epoch", "2020-01-01T00:00:00Z", "RFC3339 epoch instant")
	count := fs.Int("count", 10, "number of ids to generate")
	if err := fs.Parse(args); err != nil {
		return err
	}

	epoch, err := time.Parse(time.RFC3339, *epochFlag)
	if err != nil {
		return fmt.Errorf("parse -epoch: %w", err)
	}
	g, err := snowflake.NewGenerator(snowflake.Options{Epoch: epoch, NodeID: *nodeID})
	if err != nil {
		return err
	}
	for i := 0; i < *count; i++ {
		id, err := g.NextID()
		if err != nil {
			return err
		}
		fmt.Println(id)
	}
	return nil
}
