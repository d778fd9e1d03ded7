package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq" // Postgres driver

	"github.com/Mindburn-Labs/attestgrid/pkg/api"
	"github.com/Mindburn-Labs/attestgrid/pkg/archive"
	"github.com/Mindburn-Labs/attestgrid/pkg/attestation"
	"github.com/Mindburn-Labs/attestgrid/pkg/auth"
	"github.com/Mindburn-Labs/attestgrid/pkg/config"
	"github.com/Mindburn-Labs/attestgrid/pkg/crypto"
	"github.com/Mindburn-Labs/attestgrid/pkg/observability"
	"github.com/Mindburn-Labs/attestgrid/pkg/store"
	"github.com/Mindburn-Labs/attestgrid/pkg/verifier"
)

const shutdownTimeout = 10 * time.Second

func runServeCmd(args []string, _, stderr io.Writer) int {
	cmd := flag.NewFlagSet("serve", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var configPath, addr string
	cmd.StringVar(&configPath, "config", "", "Path to a YAML config file")
	cmd.StringVar(&addr, "addr", "", "Listen address (overrides config)")
	if err := cmd.Parse(args); err != nil {
		return 2
	}

	cfg, err := loadConfig(configPath)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	if addr != "" {
		cfg.Addr = addr
	}
	if err := cfg.Validate(); err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: invalid config: %v\n", err)
		return 2
	}

	logger := newLogger(cfg, stderr)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	n, err := buildNode(ctx, cfg)
	if err != nil {
		logger.Error("startup failed", "error", err)
		return 1
	}
	defer n.close()

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           n.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	logger.Info("node ready", "addr", cfg.Addr, "node_id", cfg.NodeID, "public_key", n.publicKey)

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server failed", "error", err)
			return 1
		}
	case <-ctx.Done():
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("graceful shutdown failed", "error", err)
			return 1
		}
	}
	return 0
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.Load(), nil
	}
	return config.LoadFile(path)
}

func newLogger(cfg *config.Config, w io.Writer) *slog.Logger {
	level, _ := cfg.SlogLevel()
	opts := &slog.HandlerOptions{Level: level}
	if cfg.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// node is a fully wired attestation node.
type node struct {
	handler   http.Handler
	publicKey string
	closers   []func(context.Context) error
}

func (n *node) close() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	for i := len(n.closers) - 1; i >= 0; i-- {
		if err := n.closers[i](ctx); err != nil {
			slog.Warn("shutdown step failed", "error", err)
		}
	}
}

// buildNode wires config into a running handler. ctx bounds background
// work such as rate limiter cleanup.
func buildNode(ctx context.Context, cfg *config.Config) (*node, error) {
	n := &node{}
	ready := false
	defer func() {
		if !ready {
			n.close()
		}
	}()

	obs, err := observability.New(ctx, &observability.Config{
		ServiceName:    "attestgrid",
		ServiceVersion: cfg.LogicVersion,
		Environment:    environment(cfg),
		OTLPEndpoint:   cfg.OTLPEndpoint,
		SampleRate:     1.0,
		BatchTimeout:   5 * time.Second,
		Enabled:        cfg.OTelEnabled,
		Insecure:       true,
	})
	if err != nil {
		return nil, fmt.Errorf("observability: %w", err)
	}
	n.closers = append(n.closers, obs.Shutdown)

	signer, err := crypto.KeyFiles{Dir: cfg.KeysDir}.LoadOrGenerate(cfg.NodeID, !cfg.Production)
	if err != nil {
		return nil, fmt.Errorf("signing key: %w", err)
	}
	n.publicKey = signer.PublicKey()

	receiptStore, err := openReceiptStore(ctx, cfg, n)
	if err != nil {
		return nil, err
	}

	opts := []attestation.Option{attestation.WithObservability(obs)}
	archiveStore, err := archive.NewStore(ctx, cfg.Archive)
	if err != nil {
		return nil, fmt.Errorf("archive: %w", err)
	}
	if archiveStore != nil {
		if c, ok := archiveStore.(io.Closer); ok {
			n.closers = append(n.closers, func(context.Context) error { return c.Close() })
		}
		opts = append(opts, attestation.WithSink(archive.NewPublisher(archiveStore)))
		slog.Info("receipt archive enabled", "type", cfg.Archive.Type)
	}

	engine := attestation.NewEngine(cfg.NodeID, cfg.LogicVersion, signer, receiptStore, opts...)
	verifierSvc := verifier.NewService(signer.PublicKey(), obs)

	serverOpts := []api.ServerOption{api.WithSampleLimit(cfg.StatsSampleLimit)}
	if cfg.JWTSecret != "" {
		serverOpts = append(serverOpts, api.WithAttestGuard(
			auth.NewMiddleware(auth.NewJWTValidator(cfg.JWTSecret), auth.ScopeAttest)))
	} else if cfg.Production {
		slog.Warn("attest endpoint is unauthenticated; set ATTEST_JWT_SECRET")
	}
	srv := api.NewServer(engine, verifierSvc, serverOpts...)

	limiter := api.NewRateLimiter(ctx, cfg.RateLimitRPS, cfg.RateLimitBurst)
	var h http.Handler = srv.Handler()
	h = limiter.Middleware(h)
	h = auth.CORSMiddleware(cfg.CORSOrigins)(h)
	h = auth.RequestIDMiddleware(h)
	n.handler = h
	ready = true
	return n, nil
}

func openReceiptStore(ctx context.Context, cfg *config.Config, n *node) (store.ReceiptStore, error) {
	var (
		backend store.ReceiptStore
		db      *sql.DB
		err     error
	)
	if cfg.UsesPostgres() {
		db, err = sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("postgres: %w", err)
		}
		n.closers = append(n.closers, func(context.Context) error { return db.Close() })
		if err := db.PingContext(ctx); err != nil {
			return nil, fmt.Errorf("postgres ping: %w", err)
		}
		ps := store.NewPostgresReceiptStore(db)
		if err := ps.Init(ctx); err != nil {
			return nil, fmt.Errorf("postgres schema: %w", err)
		}
		backend = ps
		slog.Info("receipt store ready", "backend", "postgres")
	} else {
		db, err = store.OpenSQLite(cfg.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("sqlite: %w", err)
		}
		n.closers = append(n.closers, func(context.Context) error { return db.Close() })
		ss, err := store.NewSQLiteReceiptStore(db)
		if err != nil {
			return nil, fmt.Errorf("sqlite schema: %w", err)
		}
		backend = ss
		slog.Info("receipt store ready", "backend", "sqlite", "path", cfg.SQLitePath)
	}

	if cfg.RedisAddr == "" {
		return backend, nil
	}
	rdb := store.NewRedisClient(cfg.RedisAddr)
	n.closers = append(n.closers, func(context.Context) error { return rdb.Close() })
	slog.Info("receipt cache enabled", "redis", cfg.RedisAddr)
	return store.NewCachedReceiptStore(backend, rdb, store.DefaultCacheTTL), nil
}

func environment(cfg *config.Config) string {
	if cfg.Production {
		return "production"
	}
	return "development"
}
