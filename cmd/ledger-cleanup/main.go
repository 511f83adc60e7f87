// Command ledger-cleanup removes old replayed and dead rows from the MySQL failure ledger.
//
// It wraps mysql.CleanupMaintainer for use in cron/CronJobs when the
// application itself should not run DELETE statements.
package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/go-sql-driver/mysql"

	"github.com/velmie/dispatch"
	"github.com/velmie/dispatch/config"
	"github.com/velmie/dispatch/mysql"
)

const exitUsage = 2

type options struct {
	configPath  string
	dsn         string
	table       string
	retention   time.Duration
	deadRetain  time.Duration
	checkEvery  time.Duration
	limit       int
	lockName    string
	includeDead bool
	once        bool
	verbose     bool
	set         map[string]bool
}

func parseOptions(args []string, output io.Writer) (options, error) {
	var opts options

	fs := flag.NewFlagSet("ledger-cleanup", flag.ContinueOnError)
	fs.SetOutput(output)
	fs.StringVar(&opts.configPath, "config", "", "Path to a YAML config file")
	fs.StringVar(&opts.dsn, "dsn", "", "MySQL DSN, e.g. user:pass@tcp(host:3306)/db?parseTime=true")
	fs.StringVar(&opts.table, "table", "", "Ledger table name")
	fs.DurationVar(&opts.retention, "retention", 0, "Delete rows older than this duration")
	fs.DurationVar(&opts.deadRetain, "dead-retention", 0, "Delete dead rows older than this duration (with -include-dead)")
	fs.DurationVar(&opts.checkEvery, "check-every", 0, "How often to run cleanup")
	fs.IntVar(&opts.limit, "limit", 0, "Max rows deleted per run (0 uses default)")
	fs.StringVar(&opts.lockName, "lock-name", "", "Advisory lock name (optional)")
	fs.BoolVar(&opts.includeDead, "include-dead", false, "Delete dead rows as well")
	fs.BoolVar(&opts.once, "once", false, "Run once and exit")
	fs.BoolVar(&opts.verbose, "verbose", false, "Enable debug logging")
	if err := fs.Parse(args); err != nil {
		return options{}, err
	}

	opts.set = make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { opts.set[f.Name] = true })

	return opts, nil
}

// apply overrides cfg with the flags given on the command line.
func (o options) apply(cfg *config.Config) {
	if o.set["dsn"] {
		cfg.Database.DSN = o.dsn
	}
	if o.set["table"] {
		cfg.Database.LedgerTable = o.table
	}
	if o.set["retention"] {
		cfg.Ledger.Retention = o.retention
	}
	if o.set["dead-retention"] {
		cfg.Ledger.DeadRetention = o.deadRetain
	}
	if o.set["check-every"] {
		cfg.Ledger.CleanupInterval = o.checkEvery
	}
	if o.set["limit"] {
		cfg.Ledger.CleanupLimit = o.limit
	}
	if o.set["include-dead"] {
		cfg.Ledger.IncludeDead = o.includeDead
	}
	if o.verbose {
		cfg.Log.Level = "debug"
	}
}

func main() {
	opts, err := parseOptions(os.Args[1:], os.Stderr)
	if err != nil {
		os.Exit(exitUsage)
	}

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitUsage)
	}
	opts.apply(&cfg)
	if cfg.Database.DSN == "" {
		fmt.Fprintln(os.Stderr, "dsn is required")
		os.Exit(exitUsage)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, opts); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, opts options) error {
	zl, err := config.NewLogger(cfg.Log)
	if err != nil {
		return err
	}
	defer func() { _ = zl.Sync() }()
	logger := dispatch.NewZapLogger(zl)

	db, err := sql.Open("mysql", cfg.Database.DSN)
	if err != nil {
		return fmt.Errorf("open db: %w", err)
	}
	defer db.Close()

	maintainer, err := mysql.NewCleanupMaintainer(db, mysql.CleanupMaintainerConfig{
		Table:         cfg.Database.LedgerTable,
		Retention:     cfg.Ledger.Retention,
		DeadRetention: cfg.Ledger.DeadRetention,
		CheckEvery:    cfg.Ledger.CleanupInterval,
		Limit:         cfg.Ledger.CleanupLimit,
		IncludeDead:   cfg.Ledger.IncludeDead,
		LockName:      opts.lockName,
		Clock:         dispatch.SystemClock{},
		Logger:        logger,
	})
	if err != nil {
		return fmt.Errorf("init maintainer: %w", err)
	}

	if opts.once {
		result, err := maintainer.Ensure(ctx)
		if err != nil {
			return fmt.Errorf("cleanup: %w", err)
		}
		logger.Info("cleanup done", "replayed", result.Replayed, "dead", result.Dead)

		return nil
	}

	if err := maintainer.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("run maintainer: %w", err)
	}

	return nil
}
