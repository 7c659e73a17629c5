// Package registryapp runs the juus name registry daemon.
package registryapp

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	flags "github.com/jessevdk/go-flags"
	"github.com/juusnet/juus/internal/logging"
	"github.com/juusnet/juus/internal/telemetry"
	"github.com/juusnet/juus/registry"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Version is reported in the build info metric.
var Version = "dev"

// Config holds juusregistry configuration.
// Tags: flag name, env var, and default value.
type Config struct {
	Listen          string        `long:"listen" env:"JUUSREGISTRY_LISTEN" description:"HTTP listen address." default:"127.0.0.1:8081"`
	DataDir         string        `long:"data-dir" env:"JUUSREGISTRY_DATA_DIR" description:"Directory of the member database." default:"~/.juusregistry"`
	InMemory        bool          `long:"in-memory" env:"JUUSREGISTRY_IN_MEMORY" description:"Keep members in memory only, lost on exit."`
	ShutdownTimeout time.Duration `long:"shutdown-timeout" env:"JUUSREGISTRY_SHUTDOWN_TIMEOUT" description:"Time given to running requests on shutdown." default:"10s"`
	LogLevel        string        `long:"log-level" env:"JUUSREGISTRY_LOG_LEVEL" description:"Log level: debug, info, warn, error." default:"info"`
	LogFormat       string        `long:"log-format" env:"JUUSREGISTRY_LOG_FORMAT" description:"Log encoding." default:"console" choice:"console" choice:"json"`
}

// Parse options
type parseOptions struct{ args []string }
type ParseOption func(*parseOptions)

func WithOSArgs() ParseOption { return func(o *parseOptions) { o.args = os.Args[1:] } }
func WithArgs(a []string) ParseOption {
	return func(o *parseOptions) { o.args = append([]string{}, a...) }
}

// Parse parses flags/env into Config using go-flags. A nil Config without
// error means help was printed.
func Parse(opts ...ParseOption) (*Config, error) {
	var po parseOptions
	for _, opt := range opts {
		opt(&po)
	}
	cfg := &Config{}
	p := flags.NewParser(cfg, flags.Default)
	var err error
	if len(po.args) > 0 {
		_, err = p.ParseArgs(po.args)
	} else {
		_, err = p.Parse()
	}
	if err != nil {
		if ferr, ok := err.(*flags.Error); ok && ferr.Type == flags.ErrHelp {
			return nil, nil
		}
		return nil, err
	}
	return cfg, nil
}

// App is a started registry: store opened, listener bound.
type App struct {
	cfg   Config
	log   *zap.Logger
	store *registry.Store
	ln    net.Listener
	srv   *http.Server
}

// Start opens the store and binds the listener. Both failures are fatal.
func Start(cfg Config, log *zap.Logger) (*App, error) {
	log = logging.OrNop(log)
	path := ""
	if !cfg.InMemory {
		var err error
		path, err = expandPath(cfg.DataDir)
		if err != nil {
			return nil, err
		}
		if err := os.MkdirAll(path, 0o700); err != nil {
			return nil, fmt.Errorf("creating data dir: %w", err)
		}
	}
	store, err := registry.Open(path, log)
	if err != nil {
		return nil, err
	}
	ln, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("listen %s: %w", cfg.Listen, err)
	}
	telemetry.SetBuildInfo(Version)

	a := &App{
		cfg:   cfg,
		log:   log,
		store: store,
		ln:    ln,
		srv: &http.Server{
			Handler:           registry.NewServer(store, log),
			ReadHeaderTimeout: 10 * time.Second,
			ErrorLog:          zap.NewStdLog(log.Named("http")),
		},
	}
	if path == "" {
		log.Info("registry store in memory")
	} else {
		log.Info("registry store opened", zap.String("path", path))
	}
	return a, nil
}

// Addr returns the bound address.
func (a *App) Addr() net.Addr {
	return a.ln.Addr()
}

// Serve handles requests until ctx is canceled, then lets running requests
// finish within the shutdown timeout and closes the store.
func (a *App) Serve(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.log.Info("registry listening", zap.Stringer("addr", a.ln.Addr()))
		if err := a.srv.Serve(a.ln); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		a.log.Info("shutdown requested, stopping")
		sctx, cancel := context.WithTimeout(context.Background(), a.cfg.ShutdownTimeout)
		defer cancel()
		return a.srv.Shutdown(sctx)
	})
	err := g.Wait()
	if cerr := a.store.Close(); cerr != nil {
		err = multierr.Append(err, fmt.Errorf("closing store: %w", cerr))
	}
	return err
}

// Run starts the daemon and blocks until ctx is canceled.
func Run(ctx context.Context, cfg Config) error {
	log, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return err
	}
	defer log.Sync()
	a, err := Start(cfg, log)
	if err != nil {
		return err
	}
	return a.Serve(ctx)
}

func expandPath(p string) (string, error) {
	if strings.HasPrefix(p, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		p = filepath.Join(home, strings.TrimPrefix(p, "~"))
	}
	return p, nil
}
