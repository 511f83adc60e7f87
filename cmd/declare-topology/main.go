// Command declare-topology declares the broker exchanges, queues and bindings and
// optionally creates the MySQL tables used by the dispatch pipeline.
package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	mysqldrv "github.com/go-sql-driver/mysql"

	"github.com/velmie/dispatch"
	"github.com/velmie/dispatch/config"
	"github.com/velmie/dispatch/mysql"
	"github.com/velmie/dispatch/rabbitmq"
)

const exitUsage = 2

type options struct {
	configPath    string
	url           string
	deadLetter    string
	schema        bool
	skipBroker    bool
	binaryPayload bool
	dsn           string
	set           map[string]bool
}

func parseOptions(args []string, output io.Writer) (options, error) {
	var opts options

	fs := flag.NewFlagSet("declare-topology", flag.ContinueOnError)
	fs.SetOutput(output)
	fs.StringVar(&opts.configPath, "config", "", "Path to a YAML config file")
	fs.StringVar(&opts.url, "url", "", "AMQP URL")
	fs.StringVar(&opts.deadLetter, "dead-letter-exchange", "", "Dead letter exchange for every queue (optional)")
	fs.BoolVar(&opts.schema, "schema", false, "Create the ledger and news tables")
	fs.BoolVar(&opts.skipBroker, "skip-broker", false, "Do not declare the broker topology")
	fs.BoolVar(&opts.binaryPayload, "binary-payload", false, "Use a LONGBLOB ledger payload column")
	fs.StringVar(&opts.dsn, "dsn", "", "MySQL DSN used with -schema")
	if err := fs.Parse(args); err != nil {
		return options{}, err
	}

	opts.set = make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { opts.set[f.Name] = true })

	return opts, nil
}

func (o options) apply(cfg *config.Config) {
	if o.set["url"] {
		cfg.Broker.URL = o.url
	}
	if o.set["dead-letter-exchange"] {
		cfg.Topology.DeadLetterExchange = o.deadLetter
	}
	if o.set["dsn"] {
		cfg.Database.DSN = o.dsn
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
	if opts.schema && cfg.Database.DSN == "" {
		fmt.Fprintln(os.Stderr, "dsn is required with -schema")
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

	if opts.schema {
		if err := applySchema(ctx, cfg.Database, opts.binaryPayload); err != nil {
			return err
		}
		logger.Info("schema applied", "ledger_table", cfg.Database.LedgerTable, "news_prefix", cfg.Database.NewsPrefix)
	}

	if opts.skipBroker {
		return nil
	}

	topology := cfg.Topology.Build()
	conn, err := rabbitmq.Dial(cfg.Broker.URL, cfg.Broker.ConnectionName)
	if err != nil {
		return err
	}
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("open channel: %w", err)
	}
	defer ch.Close()

	if err := rabbitmq.DeclareTopology(ch, topology, topologyOptions(cfg.Topology)...); err != nil {
		return err
	}
	for _, b := range topology.Bindings {
		logger.Info("binding declared", "type", string(b.Kind), "exchange", b.Exchange, "queue", b.Queue, "routing_key", b.RoutingKey)
	}

	return nil
}

func topologyOptions(t config.Topology) []rabbitmq.TopologyOption {
	if t.DeadLetterExchange == "" {
		return nil
	}

	return []rabbitmq.TopologyOption{rabbitmq.WithDeadLetterExchange(t.DeadLetterExchange)}
}

func applySchema(ctx context.Context, db config.Database, binaryPayload bool) error {
	statements, err := schemaStatements(db, binaryPayload)
	if err != nil {
		return err
	}
	dsn, err := schemaDSN(db.DSN)
	if err != nil {
		return err
	}

	conn, err := sql.Open("mysql", dsn)
	if err != nil {
		return fmt.Errorf("open db: %w", err)
	}
	defer conn.Close()

	for _, stmt := range statements {
		if _, err := conn.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}

	return nil
}

func schemaStatements(db config.Database, binaryPayload bool) ([]string, error) {
	build := mysql.Schema
	if binaryPayload {
		build = mysql.SchemaBinary
	}
	ledger, err := build(db.LedgerTable)
	if err != nil {
		return nil, fmt.Errorf("ledger schema: %w", err)
	}
	news, err := mysql.NewsSchema(db.NewsPrefix)
	if err != nil {
		return nil, fmt.Errorf("news schema: %w", err)
	}

	return []string{ledger, news}, nil
}

// schemaDSN enables the driver options the news schema statements need.
func schemaDSN(dsn string) (string, error) {
	parsed, err := mysqldrv.ParseDSN(dsn)
	if err != nil {
		return "", fmt.Errorf("parse dsn: %w", err)
	}
	parsed.MultiStatements = true
	parsed.ParseTime = true

	return parsed.FormatDSN(), nil
}
