// Command statestore-relay forwards every new change event of one namespace
// to a webhook, one POST per event.
package main

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/spf13/pflag"

	"github.com/wilhg/statestore/internal/logging"
	"github.com/wilhg/statestore/pkg/otel"
	"github.com/wilhg/statestore/pkg/relay"
	"github.com/wilhg/statestore/pkg/store"
	_ "github.com/wilhg/statestore/pkg/store/memstore"
	_ "github.com/wilhg/statestore/pkg/store/redisstore"
	"github.com/wilhg/statestore/pkg/store/sqlstore"
)

var (
	version = "dev"
	commit  = ""
	date    = ""
)

type options struct {
	webhookURL   string
	storeURL     string
	namespace    string
	tls          bool
	blockTimeout time.Duration
	sinkRetries  int
	cursorName   string
	logLevel     string
	logFormat    string
	traceStdout  bool
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, os.Args[1:], os.Stdout, os.Stderr); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	opts, showVersion, err := parseArgs(args, stderr)
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	if showVersion {
		fmt.Fprintf(stdout, "statestore-relay %s (commit=%s, date=%s)\n", version, commit, date)
		return nil
	}
	if err := opts.validate(); err != nil {
		return err
	}

	logger, err := logging.New(stderr, opts.logLevel, opts.logFormat)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	shutdownTracing, err := otel.Init(ctx, otel.Config{
		ServiceName:    "statestore-relay",
		ServiceVersion: version,
		Namespace:      opts.namespace,
		UseStdout:      opts.traceStdout,
		Writer:         stdout,
	})
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			logger.Warn("tracing shutdown failed", "err", err)
		}
	}()

	return relayUntilDone(ctx, opts, logger)
}

// relayEnv holds the STATESTORE_* values used as flag defaults.
type relayEnv struct {
	WebhookURL string `env:"STATESTORE_WEBHOOK_URL"`
	StoreURL   string `env:"STATESTORE_STORE_URL"`
	RedisURL   string `env:"STATESTORE_REDIS_URL"`
	Namespace  string `env:"STATESTORE_NAMESPACE"`
	TLS        bool   `env:"STATESTORE_TLS"`
	LogLevel   string `env:"STATESTORE_LOG_LEVEL" envDefault:"info"`
}

func parseArgs(args []string, stderr io.Writer) (opts options, showVersion bool, err error) {
	var defaults relayEnv
	if err := env.Parse(&defaults); err != nil {
		return opts, false, fmt.Errorf("parse env: %w", err)
	}
	storeDefault := cmp.Or(defaults.StoreURL, defaults.RedisURL)

	flags := pflag.NewFlagSet("statestore-relay", pflag.ContinueOnError)
	flags.SetOutput(stderr)
	flags.StringVar(&opts.webhookURL, "webhook-url", defaults.WebhookURL, "webhook receiving each event (required)")
	flags.StringVar(&opts.storeURL, "store-url", storeDefault, "store connection URL (required)")
	flags.StringVar(&opts.storeURL, "redis-url", storeDefault, "alias for --store-url")
	flags.StringVar(&opts.namespace, "namespace", defaults.Namespace, "namespace whose events are relayed (required)")
	flags.BoolVar(&opts.tls, "tls", defaults.TLS, "force TLS to the store")
	flags.DurationVar(&opts.blockTimeout, "block-timeout", relay.DefaultBlockTimeout, "longest single wait for new events")
	flags.IntVar(&opts.sinkRetries, "sink-retries", 0, "extra delivery attempts on 5xx or connection errors")
	flags.StringVar(&opts.cursorName, "cursor-name", "", "persist the relay position under this name and resume from it")
	flags.StringVar(&opts.logLevel, "log-level", cmp.Or(defaults.LogLevel, "info"), "log level: debug, info, warn, error")
	flags.StringVar(&opts.logFormat, "log-format", "text", "log format: text or json")
	flags.BoolVar(&opts.traceStdout, "trace-stdout", false, "print trace spans to stdout")
	flags.BoolVar(&showVersion, "version", false, "print version and exit")
	err = flags.Parse(args)
	return opts, showVersion, err
}

func relayUntilDone(ctx context.Context, opts options, logger *slog.Logger) error {
	sink, err := relay.NewHTTPSink(opts.webhookURL, opts.sinkRetries, logger)
	if err != nil {
		return err
	}

	be, err := store.Open(ctx, opts.storeURL, store.Options{TLS: opts.tls, Logger: logger})
	if err != nil {
		return fmt.Errorf("open store %s: %w", store.Redact(opts.storeURL), err)
	}
	defer func() {
		if err := be.Close(); err != nil {
			logger.Warn("closing store failed", "err", err)
		}
		if err := sqlstore.CloseAll(); err != nil {
			logger.Warn("closing sql pools failed", "err", err)
		}
	}()

	r := &relay.Relay{
		Log:          be,
		Namespace:    opts.namespace,
		Sink:         sink,
		Logger:       logger.With("instance", relay.NewInstanceID()),
		BlockTimeout: opts.blockTimeout,
	}
	if opts.cursorName != "" {
		r.Cursor = relay.NewKeyedCursor(be, opts.namespace, opts.cursorName)
	}

	logger.Info("relay configured",
		"namespace", opts.namespace,
		"store", store.Redact(opts.storeURL),
		"webhook", sink.URL(),
		"cursor_name", opts.cursorName,
		"version", version,
	)
	return r.Run(ctx)
}

func (o options) validate() error {
	var missing []string
	if strings.TrimSpace(o.webhookURL) == "" {
		missing = append(missing, "--webhook-url")
	}
	if strings.TrimSpace(o.storeURL) == "" {
		missing = append(missing, "--store-url")
	}
	if strings.TrimSpace(o.namespace) == "" {
		missing = append(missing, "--namespace")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required flags: %s", strings.Join(missing, ", "))
	}
	if o.blockTimeout <= 0 {
		return fmt.Errorf("--block-timeout must be positive, got %s", o.blockTimeout)
	}
	if o.sinkRetries < 0 {
		return fmt.Errorf("--sink-retries must not be negative, got %d", o.sinkRetries)
	}
	return nil
}
