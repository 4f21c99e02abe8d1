package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"go.uber.org/zap"

	"github.com/goliatone/go-entity-lab/internal/config"
	"github.com/goliatone/go-entity-lab/internal/probe"
	"github.com/goliatone/go-entity-lab/internal/seed"
	"github.com/goliatone/go-entity-lab/pkg/di"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

func printUsage(w io.Writer, fs *flag.FlagSet) {
	fmt.Fprintln(w, "Usage: entitylab [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  list               print the probe catalogue")
	fmt.Fprintln(w, "  run <probe...|all> run probes against the configured unit")
	fmt.Fprintln(w, "  seed               load the fixture dataset")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fs.SetOutput(w)
	fs.PrintDefaults()
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("entitylab", flag.ContinueOnError)
	fs.SetOutput(stderr)

	var (
		configFile string
		envFile    string
		logLevel   string
		quiet      bool
	)
	fs.StringVar(&configFile, "config", "", "Path to the config file (default: ./entitylab.yaml if present)")
	fs.StringVar(&envFile, "env", "", "Env file loaded before the environment (default: .env)")
	fs.StringVar(&logLevel, "log-level", "", "Override the configured log level")
	fs.BoolVar(&quiet, "quiet", false, "Do not log SQL statements")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}

	rest := fs.Args()
	if len(rest) == 0 {
		printUsage(stderr, fs)
		return 2
	}
	command, rest := rest[0], rest[1:]

	if command == "list" {
		tw := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
		for _, p := range probe.Catalogue() {
			fmt.Fprintf(tw, "%s\t%s\n", p.Name, p.Description)
		}
		_ = tw.Flush()
		return 0
	}

	if command != "run" && command != "seed" {
		fmt.Fprintf(stderr, "unknown command %q\n\n", command)
		printUsage(stderr, fs)
		return 2
	}
	if command == "run" && len(rest) == 0 {
		fmt.Fprintln(stderr, "run needs probe names or all")
		return 2
	}

	opts := config.Options{ConfigFile: configFile}
	if envFile != "" {
		opts.EnvFiles = []string{envFile}
	}
	cfg, err := config.Load(opts)
	if err != nil {
		fmt.Fprintf(stderr, "Failed to load configuration: %v\n", err)
		return 1
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	// SQL logging stays on unless -quiet
	cfg.Database.ShowSQL = !quiet

	container, err := di.NewContainer(ctx, *cfg)
	if err != nil {
		fmt.Fprintf(stderr, "Failed to open persistence unit: %v\n", err)
		return 1
	}
	log := container.Logger()
	defer func() {
		if err := container.Close(context.Background()); err != nil {
			log.Error("Failed to close persistence unit", zap.Error(err))
		}
		_ = log.Sync()
	}()

	seeded, err := ensureSeeded(ctx, container, log)
	if err != nil {
		log.Error("Failed to seed", zap.Error(err))
		return 1
	}

	if command == "seed" {
		if seeded {
			fmt.Fprintln(stdout, "dataset loaded")
		} else {
			fmt.Fprintln(stdout, "dataset already present")
		}
		return 0
	}

	runner := probe.NewRunner(container.Factory(), stdout,
		probe.WithLogger(log.Named("probe")),
		probe.WithPersonService(container.PersonService()),
	)
	results, err := runner.Run(ctx, rest...)
	if errors.Is(err, probe.ErrUnknownProbe) && results == nil {
		fmt.Fprintf(stderr, "%v\n", err)
		return 2
	}

	failed := 0
	for _, res := range results {
		if res.Err != nil {
			failed++
		}
	}
	log.Info("Probes finished", zap.Int("run", len(results)), zap.Int("failed", failed))
	if failed > 0 {
		return 1
	}
	return 0
}

// ensureSeeded loads the dataset into an empty database and reports whether
// it did.
func ensureSeeded(ctx context.Context, container *di.Container, log *zap.Logger) (bool, error) {
	db := container.Factory().DB()
	present, err := seed.Seeded(ctx, db)
	if err != nil {
		return false, err
	}
	if present {
		return false, nil
	}

	ds, err := seed.Default()
	if err != nil {
		return false, err
	}
	if err := ds.Insert(ctx, db); err != nil {
		return false, err
	}
	log.Info("Dataset loaded", zap.Int("customers", len(ds.Customers)), zap.Int("orders", len(ds.Orders)))
	return true, nil
}
