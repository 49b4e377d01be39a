package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/chipflip/chip-ledger/internal/chain"
	"github.com/chipflip/chip-ledger/internal/chips"
	"github.com/chipflip/chip-ledger/internal/config"
	"github.com/chipflip/chip-ledger/internal/ledger"
	"github.com/chipflip/chip-ledger/internal/metrics"
	"github.com/chipflip/chip-ledger/internal/payout"
	"github.com/chipflip/chip-ledger/internal/price"
	"github.com/chipflip/chip-ledger/internal/session"
	"github.com/chipflip/chip-ledger/internal/store"
)

func main() {
	if err := run(); err != nil {
		slog.Error("chip-ledger failed", "err", err)
		os.Exit(1)
	}
	fmt.Println("chip-ledger stopped")
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var cleanup []func()
	defer func() {
		for _, fn := range cleanup {
			fn()
		}
	}()

	// --- Redis (intent cache, balance cache) ---
	var rdb *redis.Client
	if cfg.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("invalid REDIS_URL: %w", err)
		}
		rdb = redis.NewClient(opt)
		cleanup = append(cleanup, func() { rdb.Close() })
		slog.Info("Redis enabled")
	}

	// --- Initialize store ---
	var st store.Store
	if cfg.DatabaseURL != "" {
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("database connection failed: %w", err)
		}
		cleanup = append(cleanup, pool.Close)
		st = store.NewPostgresStore(pool)
		slog.Info("connected to PostgreSQL")

		// Wrap with Redis read-through cache if configured.
		if rdb != nil {
			st = store.NewCachedStore(st, rdb, 30*time.Second)
		}
	} else {
		slog.Warn("DATABASE_URL not set, using in-memory store (data will not persist)")
		st = store.NewMemoryStore()
	}

	var intents store.IntentCache
	if rdb != nil {
		intents = store.NewRedisIntentCache(rdb, cfg.AppName)
	} else {
		intents = store.NewMemoryIntentCache(nil)
	}

	// --- Chain adapters ---
	var reader chain.Reader = chain.NoReader{}
	var client *ethclient.Client
	if cfg.ChainRPCURL != "" {
		client, err = ethclient.DialContext(ctx, cfg.ChainRPCURL)
		if err != nil {
			return fmt.Errorf("dial chain rpc: %w", err)
		}
		cleanup = append(cleanup, client.Close)
		reader = chain.NewEthReader(client)
		slog.Info("chain reader enabled", "network", cfg.NetworkName)
	} else {
		slog.Warn("CHAIN_RPC_URL not set, on-chain deposits will be rejected as unavailable")
	}

	oracle := price.NewCoinbaseOracle(cfg.PriceURL, cfg.PriceTimeout)

	// --- Ledger ---
	wsHub := chips.NewWSHub()
	engine := ledger.NewEngine(st, intents, reader, oracle, cfg.Policy(), ledger.WithNotifier(wsHub))
	codec := session.NewCodec(cfg.SessionSecret)
	chipSvc := chips.NewService(engine, oracle, codec, chips.CookieConfig{
		TTL:    cfg.SessionTTL,
		Secure: cfg.CookieSecure,
	}, wsHub)

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(metrics.Middleware)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"https://*", "http://*"},
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"status":"ok","service":%q}`, cfg.AppName)
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.Timeout(30 * time.Second))
		chipSvc.Mount(r)
	})

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 40 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	var worker *payout.Worker
	if cfg.PayoutsEnabled() && client != nil {
		sender, err := chain.NewEthSender(client, cfg.PayoutPrivateKey, cfg.ChainID)
		if err != nil {
			return err
		}
		slog.Info("payout worker enabled", "hot_wallet", chain.MaskAddress(sender.From()))
		worker = payout.NewWorker(st, engine, oracle, sender, payout.Config{
			ChipUSDRate: cfg.ChipUSDRate,
			Interval:    cfg.PayoutInterval,
			MaxAttempts: cfg.PayoutMaxAttempts,
			BatchSize:   cfg.PayoutBatchSize,
		})
	} else {
		slog.Warn("payouts disabled, withdrawals with a destination stay pending")
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return wsHub.Run(gctx) })
	if worker != nil {
		g.Go(func() error { return worker.Run(gctx) })
	}

	g.Go(func() error {
		slog.Info("chip-ledger listening", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	// Graceful shutdown.
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down chip-ledger...")
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(sctx)
	})

	return g.Wait()
}
