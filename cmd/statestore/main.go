// Command statestore serves the conversation state store for one namespace
// binding over HTTP, and optionally as MCP tools at /mcp.
package main

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/spf13/pflag"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/wilhg/statestore/internal/logging"
	"github.com/wilhg/statestore/pkg/config"
	"github.com/wilhg/statestore/pkg/httpapi"
	"github.com/wilhg/statestore/pkg/mcpserver"
	"github.com/wilhg/statestore/pkg/otel"
	"github.com/wilhg/statestore/pkg/statestore"
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

const shutdownTimeout = 10 * time.Second

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, os.Args[1:], os.Stdout, os.Stderr); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	var (
		addr        string
		configPath  string
		enableMCP   bool
		logLevel    string
		logFormat   string
		traceStdout bool
		showVersion bool
	)
	defaults, err := loadServerEnv()
	if err != nil {
		return err
	}
	flags := pflag.NewFlagSet("statestore", pflag.ContinueOnError)
	flags.SetOutput(stderr)
	flags.StringVar(&addr, "addr", defaults.Addr, "HTTP listen address")
	flags.StringVar(&configPath, "config", defaults.Config, "YAML binding file (default: read STATESTORE_* environment)")
	flags.BoolVar(&enableMCP, "mcp", false, "serve the MCP tools at /mcp")
	flags.StringVar(&logLevel, "log-level", defaults.LogLevel, "log level: debug, info, warn, error")
	flags.StringVar(&logFormat, "log-format", "text", "log format: text or json")
	flags.BoolVar(&traceStdout, "trace-stdout", false, "print trace spans to stdout")
	flags.BoolVar(&showVersion, "version", false, "print version and exit")
	if err := flags.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	if showVersion {
		fmt.Fprintf(stdout, "statestore %s (commit=%s, date=%s)\n", version, commit, date)
		return nil
	}

	logger, err := logging.New(stderr, logLevel, logFormat)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	binding, err := loadBinding(configPath)
	if err != nil {
		return err
	}
	if err := binding.Validate(); err != nil {
		return err
	}

	shutdownTracing, err := otel.Init(ctx, otel.Config{
		ServiceName:    "statestore",
		ServiceVersion: version,
		Namespace:      binding.Namespace,
		Attributes:     storeAttributes(binding.StoreURL),
		UseStdout:      traceStdout,
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
	defer func() {
		if err := sqlstore.CloseAll(); err != nil {
			logger.Warn("closing sql pools failed", "err", err)
		}
	}()

	if err := binding.Check(ctx); err != nil {
		return err
	}

	handler, err := newHandler(binding, logger, enableMCP)
	if err != nil {
		return err
	}

	server := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info("statestore listening",
		"addr", addr,
		"namespace", binding.Namespace,
		"store", store.Redact(binding.StoreURL),
		"mcp", enableMCP,
		"version", version,
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("statestore stopped")
	return nil
}

func loadBinding(path string) (*config.Binding, error) {
	if path != "" {
		return config.LoadFile(path)
	}
	return config.FromEnv()
}

// newHandler wires the service for the binding into the HTTP API, mounting
// the MCP endpoint when asked.
func newHandler(b *config.Binding, logger *slog.Logger, enableMCP bool) (http.Handler, error) {
	repo, err := b.Repository()
	if err != nil {
		return nil, err
	}
	opts := b.StoreOptions()
	opts.Logger = logger
	svc := statestore.New(store.URLOpener(b.StoreURL, opts), repo, statestore.WithLogger(logger))

	api := httpapi.New(svc, logger)
	if enableMCP {
		api.Handle("/mcp", mcpserver.New(svc, version, mcpserver.WithLogger(logger)).Handler())
	}
	return api, nil
}

// storeAttributes names the backend scheme, never the credentials.
func storeAttributes(storeURL string) []attribute.KeyValue {
	scheme, err := store.Scheme(storeURL)
	if err != nil {
		return nil
	}
	return []attribute.KeyValue{attribute.String("statestore.store", scheme)}
}

// serverEnv holds the STATESTORE_* values used as flag defaults. The
// binding itself is read by config.FromEnv.
type serverEnv struct {
	Addr     string `env:"STATESTORE_ADDR"`
	Config   string `env:"STATESTORE_CONFIG"`
	LogLevel string `env:"STATESTORE_LOG_LEVEL"`
}

func loadServerEnv() (serverEnv, error) {
	var e serverEnv
	if err := env.Parse(&e); err != nil {
		return e, fmt.Errorf("parse env: %w", err)
	}
	e.Addr = cmp.Or(e.Addr, ":8080")
	e.LogLevel = cmp.Or(e.LogLevel, "info")
	return e, nil
}
