package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/troveline/trove-engine/internal/borrow"
	"github.com/troveline/trove-engine/internal/chain"
	"github.com/troveline/trove-engine/internal/config"
	"github.com/troveline/trove-engine/internal/fees"
	"github.com/troveline/trove-engine/internal/hint"
	"github.com/troveline/trove-engine/internal/metrics"
	"github.com/troveline/trove-engine/internal/mirror"
	"github.com/troveline/trove-engine/internal/protocol"
	"github.com/troveline/trove-engine/internal/store"
	"github.com/troveline/trove-engine/internal/txn"
)

// requestTimeout bounds every request, including GET /tx/{id}?wait=true.
const requestTimeout = 90 * time.Second

func main() {
	configPath := flag.String("config", os.Getenv("CONFIG_PATH"), "path to the YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	setupLogging(cfg.Service, cfg.Env)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var cleanup []func()
	defer func() {
		for i := len(cleanup) - 1; i >= 0; i-- {
			cleanup[i]()
		}
	}()
	fatal := func(msg string, args ...any) {
		slog.Error(msg, args...)
		stop()
		for i := len(cleanup) - 1; i >= 0; i-- {
			cleanup[i]()
		}
		os.Exit(1)
	}

	// --- Chain ---
	deployment, err := protocol.LoadDeployment(cfg.Chain.DeploymentPath)
	if err != nil {
		fatal("deployment manifest invalid", "path", cfg.Chain.DeploymentPath, "err", err)
	}

	eth, err := chain.Dial(cfg.Chain.RPCURL)
	if err != nil {
		fatal("rpc connection failed", "err", err)
	}
	cleanup = append(cleanup, eth.Close)

	nodeChainID, err := eth.ChainID(ctx)
	if err != nil {
		fatal("read chain id failed", "err", err)
	}
	if nodeChainID.Uint64() != deployment.ChainID {
		fatal("deployment is for a different chain", "node", nodeChainID.String(), "deployment", deployment.ChainID)
	}

	client := chain.NewClient(eth, deployment)

	key, err := chain.ParseKey(cfg.Chain.SignerKey)
	if err != nil {
		fatal("invalid SIGNER_KEY", "err", err)
	}
	executor := chain.NewExecutor(eth, deployment.ChainID, key)
	executor.Confirmations = cfg.Chain.Confirmations
	if key == nil {
		slog.Warn("no signing key configured, transactions can be populated but not sent")
	} else {
		slog.Info("signing enabled", "signer", executor.Signer().Hex())
	}

	var oracle hint.Oracle = client
	if cfg.Chain.RateLimit > 0 {
		oracle = chain.NewRateLimitedOracle(client, cfg.Chain.RateLimit, cfg.Chain.Burst)
	}

	// --- Initialize store ---
	var st store.Store
	if cfg.Store.DatabaseURL != "" {
		pool, err := pgxpool.New(ctx, cfg.Store.DatabaseURL)
		if err != nil {
			fatal("database connection failed", "err", err)
		}
		cleanup = append(cleanup, pool.Close)
		pg := store.NewPostgresStore(pool)
		if err := pg.Migrate(ctx); err != nil {
			fatal("database migration failed", "err", err)
		}
		st = pg
		slog.Info("connected to PostgreSQL")

		// Wrap with Redis read-through cache if configured.
		if cfg.Store.RedisURL != "" {
			opt, err := redis.ParseURL(cfg.Store.RedisURL)
			if err != nil {
				fatal("invalid REDIS_URL", "err", err)
			}
			rdb := redis.NewClient(opt)
			cleanup = append(cleanup, func() { rdb.Close() })
			st = store.NewCachedStore(st, rdb, cfg.Store.CacheTTL)
			slog.Info("Redis cache enabled", "ttl", cfg.Store.CacheTTL.String())
		}
	} else {
		slog.Warn("DATABASE_URL not set, using in-memory store (data will not persist)")
		st = store.NewMemoryStore()
	}

	// --- Ledger source ---
	var ledger txn.Ledger = client
	var feeState fees.State = client
	if cfg.Mirror.Ledger == config.LedgerMirror {
		mirrored := store.NewLedger(st)
		ledger, feeState = mirrored, mirrored
	}

	// --- Trove mirror ---
	var mir *mirror.Mirror
	if cfg.Mirror.Schedule != "" {
		mir = mirror.New(client, st)
		if err := mir.Refresh(ctx); err != nil {
			if cfg.Mirror.Ledger == config.LedgerMirror {
				fatal("initial mirror refresh failed", "err", err)
			}
			slog.Warn("initial mirror refresh failed", "err", err)
		}
		if err := mir.Start(ctx, cfg.Mirror.Schedule); err != nil {
			fatal("mirror schedule failed", "err", err)
		}
		cleanup = append(cleanup, mir.Stop)
	}

	// --- Populator ---
	populator := txn.NewPopulator(deployment, ledger, oracle, feeState, executor)
	populator.PollInterval = cfg.Txn.PollInterval
	populator.MaxIterations = cfg.Txn.MaxIterations

	// --- WebSocket hub ---
	wsHub := borrow.NewWSHub()
	go wsHub.Run(ctx)

	// --- Borrow service ---
	svc := borrow.NewService(populator, ledger, oracle, st, wsHub)
	cleanup = append(cleanup, svc.Close)

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(requestTimeout))
	r.Use(metrics.Middleware)

	// CORS middleware for frontend cross-origin requests.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		status := map[string]any{
			"status":   "ok",
			"service":  cfg.Service,
			"chain_id": deployment.ChainID,
			"ledger":   cfg.Mirror.Ledger,
			"signing":  key != nil,
		}
		if mir != nil {
			if last, ok := mir.LastRefresh(); ok {
				status["mirror_refreshed_at"] = last
			}
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(status)
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// WebSocket endpoint for transaction lifecycle events.
		r.Get("/ws", wsHub.HandleWS)
		svc.Routes(r)
	})

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: requestTimeout + 5*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("trove-engine listening",
			"port", cfg.Port,
			"chain_id", deployment.ChainID,
			"version", deployment.Version,
		)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "err", err)
			stop()
		}
	}()

	// Graceful shutdown.
	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	slog.Info("shutting down trove-engine...")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	fmt.Println("trove-engine stopped")
}

// setupLogging installs a JSON slog handler as the default logger with
// timestamp/severity/message keys and the service name on every line, and
// routes the standard logger through it.
func setupLogging(service, env string) {
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		ReplaceAttr: func(_ []string, attr slog.Attr) slog.Attr {
			switch attr.Key {
			case slog.TimeKey:
				return slog.Attr{Key: "timestamp", Value: attr.Value}
			case slog.LevelKey:
				return slog.String("severity", strings.ToUpper(attr.Value.String()))
			case slog.MessageKey:
				return slog.Attr{Key: "message", Value: attr.Value}
			}
			return attr
		},
	})

	attrs := []slog.Attr{slog.String("service", service)}
	if env != "" {
		attrs = append(attrs, slog.String("env", env))
	}
	slog.SetDefault(slog.New(handler.WithAttrs(attrs)))

	// Bridge the standard library logger so existing packages stay structured.
	log.SetOutput(slog.NewLogLogger(handler.WithAttrs(attrs), slog.LevelInfo).Writer())
	log.SetFlags(0)
}
