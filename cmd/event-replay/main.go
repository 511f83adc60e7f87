// Command event-replay republishes deliveries recorded in the MySQL failure ledger.
//
// With -once it drains the ledger and exits, which suits cron/CronJobs. Otherwise it
// polls until interrupted.
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

	_ "github.com/go-sql-driver/mysql"
	"go.opentelemetry.io/otel/propagation"

	"github.com/velmie/dispatch"
	"github.com/velmie/dispatch/config"
	"github.com/velmie/dispatch/mysql"
	"github.com/velmie/dispatch/otelmetrics"
	"github.com/velmie/dispatch/rabbitmq"
)

const exitUsage = 2

type options struct {
	configPath string
	dsn        string
	url        string
	table      string
	batchSize  int
	workers    int
	breaker    bool
	once       bool
	verbose    bool
	set        map[string]bool
}

func parseOptions(args []string, output io.Writer) (options, error) {
	var opts options

	fs := flag.NewFlagSet("event-replay", flag.ContinueOnError)
	fs.SetOutput(output)
	fs.StringVar(&opts.configPath, "config", "", "Path to a YAML config file")
	fs.StringVar(&opts.dsn, "dsn", "", "MySQL DSN, e.g. user:pass@tcp(host:3306)/db?parseTime=true")
	fs.StringVar(&opts.url, "url", "", "AMQP URL")
	fs.StringVar(&opts.table, "table", "", "Ledger table name")
	fs.IntVar(&opts.batchSize, "batch-size", 0, "Records replayed per batch")
	fs.IntVar(&opts.workers, "workers", 0, "Concurrent replay workers")
	fs.BoolVar(&opts.breaker, "breaker", false, "Guard the broker with a circuit breaker")
	fs.BoolVar(&opts.once, "once", false, "Drain the ledger once and exit")
	fs.BoolVar(&opts.verbose, "verbose", false, "Enable debug logging")
	if err := fs.Parse(args); err != nil {
		return options{}, err
	}

	opts.set = make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { opts.set[f.Name] = true })

	return opts, nil
}

func (o options) apply(cfg *config.Config) {
	if o.set["dsn"] {
		cfg.Database.DSN = o.dsn
	}
	if o.set["url"] {
		cfg.Broker.URL = o.url
	}
	if o.set["table"] {
		cfg.Database.LedgerTable = o.table
	}
	if o.set["batch-size"] {
		cfg.Ledger.BatchSize = o.batchSize
	}
	if o.set["workers"] {
		cfg.Ledger.Workers = o.workers
	}
	if o.set["breaker"] {
		cfg.Breaker.Enabled = o.breaker
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
	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitUsage)
	}
	if cfg.Database.DSN == "" {
		fmt.Fprintln(os.Stderr, "dsn is required")
		os.Exit(exitUsage)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, opts.once); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, once bool) error {
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
	db.SetMaxOpenConns(cfg.Database.MaxOpenConns)

	store, err := mysql.NewStore(db,
		mysql.WithTable(cfg.Database.LedgerTable),
		mysql.WithMaxAttempts(cfg.Ledger.MaxAttempts),
	)
	if err != nil {
		return fmt.Errorf("init store: %w", err)
	}

	connector := rabbitmq.NewConnector(
		rabbitmq.DialURL(cfg.Broker.URL, cfg.Broker.ConnectionName),
		rabbitmq.WithConnectorLogger(logger),
	)
	if err := connector.Connect(ctx); err != nil {
		return err
	}
	defer connector.Close()

	sender, err := rabbitmq.NewSender(connector.Open,
		rabbitmq.WithPoolSize(cfg.Broker.PoolSize),
		rabbitmq.WithConfirmTimeout(cfg.Broker.ConfirmTimeout),
		rabbitmq.WithLogger(logger),
	)
	if err != nil {
		return err
	}
	defer sender.Close()

	recorder, err := otelmetrics.New(nil)
	if err != nil {
		return err
	}

	replayer := newReplayer(cfg, store, sender, recorder, logger)

	if once {
		report, err := replayer.Drain(ctx)
		if err != nil {
			return fmt.Errorf("drain: %w", err)
		}
		logger.Info("replay done",
			"batches", report.Batches,
			"replayed", report.Replayed,
			"failed", report.Failed,
			"dead", report.Dead,
			"stalled", report.Stalled,
		)

		return nil
	}

	logger.Info("replayer started", "workers", cfg.Ledger.Workers, "batch_size", cfg.Ledger.BatchSize)
	if err := replayer.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("run replayer: %w", err)
	}

	return nil
}

type metricsRecorder interface {
	dispatch.Metrics
	dispatch.ReplayMetrics
}

func newReplayer(
	cfg config.Config,
	consumer dispatch.LedgerConsumer,
	sender dispatch.Sender,
	metrics metricsRecorder,
	logger dispatch.Logger,
) *dispatch.Replayer {
	publisher := dispatch.NewPublisher(brokerSender(cfg.Breaker, sender, logger), append(
		cfg.Publisher.Options(),
		dispatch.WithPublisherLogger(logger),
		dispatch.WithPublisherMetrics(metrics),
		dispatch.WithPropagator(propagation.TraceContext{}),
	)...)

	return dispatch.NewReplayer(consumer, publisher, append(
		cfg.Ledger.ReplayerOptions(),
		dispatch.WithLogger(logger),
		dispatch.WithMetrics(metrics),
	)...)
}

func brokerSender(cfg config.Breaker, sender dispatch.Sender, logger dispatch.Logger) dispatch.Sender {
	if !cfg.Enabled {
		return sender
	}

	return dispatch.NewBreakerSender(sender, cfg.Settings(logger))
}
