package main

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-co-op/gocron/v2"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/atmx/custody-engine/internal/chain"
	"github.com/atmx/custody-engine/internal/commission"
	"github.com/atmx/custody-engine/internal/config"
	"github.com/atmx/custody-engine/internal/exchange"
	"github.com/atmx/custody-engine/internal/market"
	"github.com/atmx/custody-engine/internal/metrics"
	"github.com/atmx/custody-engine/internal/ratelimit"
	"github.com/atmx/custody-engine/internal/relayer"
	"github.com/atmx/custody-engine/internal/safe"
	"github.com/atmx/custody-engine/internal/store"
	"github.com/atmx/custody-engine/internal/trade"
	"github.com/atmx/custody-engine/internal/vault"
	"github.com/atmx/custody-engine/internal/wallet"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		slog.Error("invalid configuration", "err", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Initialize store ---
	var st store.Store
	var cleanup []func()

	if cfg.DatabaseURL != "" {
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			slog.Error("database connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, pool.Close)
		pg := store.NewPostgresStore(pool)
		if err := pg.Migrate(ctx); err != nil {
			slog.Error("schema migration failed", "err", err)
			os.Exit(1)
		}
		st = pg
		slog.Info("connected to PostgreSQL")

		// Wrap with Redis read-through cache if configured.
		if cfg.RedisURL != "" {
			opt, err := redis.ParseURL(cfg.RedisURL)
			if err != nil {
				slog.Error("invalid REDIS_URL", "err", err)
				os.Exit(1)
			}
			rdb := redis.NewClient(opt)
			cleanup = append(cleanup, func() { rdb.Close() })
			st = store.NewCachedStore(st, rdb, cfg.RedisTTL)
			slog.Info("Redis cache enabled")
		}
	} else {
		slog.Warn("DATABASE_URL not set, using in-memory store (data will not persist)")
		st = store.NewMemoryStore()
	}

	defer func() {
		for _, fn := range cleanup {
			fn()
		}
	}()

	// --- Chain ---
	eth, err := ethclient.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		slog.Error("rpc connection failed", "url", cfg.RPCURL, "err", err)
		os.Exit(1)
	}
	cleanup = append(cleanup, eth.Close)
	chainClient := chain.NewClient(eth, cfg.ChainID, chain.Options{
		CallTimeout:    cfg.RPCTimeout,
		PollInterval:   cfg.ConfirmPollInterval,
		ConfirmTimeout: cfg.ConfirmTimeout,
	})

	// --- Custody ---
	kv, err := vault.NewAESVault(cfg.MasterKey, cfg.KDFIterations)
	if err != nil {
		slog.Error("key vault init failed", "err", err)
		os.Exit(1)
	}
	rl := relayer.NewClient(cfg.RelayerHost, cfg.Builder, cfg.ChainID, cfg.Contracts, chainClient, cfg.RPCTimeout*2)
	if !rl.Configured() {
		slog.Warn("builder credentials not set, proxy wallets cannot be deployed or approved")
	}
	wallets := wallet.NewManager(st, kv, safe.NewDeriver(cfg.Contracts.SafeFactory, cfg.Contracts.SafeInitCodeHash), rl, chainClient, wallet.Options{
		ConfirmTimeout: cfg.ConfirmTimeout,
		PollInterval:   cfg.ConfirmPollInterval,
		Collateral:     cfg.Contracts.Collateral,
	})

	// --- Exchange ---
	sessions := exchange.NewSessionManager(exchange.Config{
		Host:      cfg.CLOBHost,
		ChainID:   cfg.ChainID,
		Contracts: cfg.Contracts,
		Timeout:   cfg.RPCTimeout * 2,
	}, st, kv, wallets)
	markets := market.NewClient(cfg.CLOBHost, cfg.RPCTimeout, cfg.MarketCacheTTL)

	// --- Commission ---
	sponsor, err := parseSponsorKey(cfg.Commission.GasSponsorKey)
	if err != nil {
		slog.Error("invalid GAS_SPONSOR_PRIVATE_KEY", "err", err)
		os.Exit(1)
	}
	commissions := commission.New(cfg.Commission, cfg.Contracts.Collateral, st, chainClient, wallets, sponsor)
	if !commissions.Enabled() {
		slog.Warn("OPERATOR_WALLET not set, commissions will be recorded but not collected")
	}
	commissions.Start(ctx)

	// --- Trade engine ---
	limiter := ratelimit.NewLimiter(cfg.TradesPerMinute)
	wsHub := trade.NewWSHub()
	go wsHub.Run(ctx)

	engine := trade.NewEngine(st, wallets, sessions, commissions, trade.Options{
		MinOrderValue: cfg.MinOrderValue,
		Limiter:       limiter,
		Prices:        markets,
		Metadata:      markets,
		Hub:           wsHub,
	})

	// --- Background jobs ---
	scheduler, err := gocron.NewScheduler()
	if err != nil {
		slog.Error("scheduler init failed", "err", err)
		os.Exit(1)
	}
	if _, err := commissions.Schedule(ctx, scheduler, cfg.Commission.ReconcileEvery); err != nil {
		slog.Error("commission reconcile job failed", "err", err)
		os.Exit(1)
	}
	if _, err := engine.ScheduleSync(ctx, scheduler, cfg.OrderSyncEvery); err != nil {
		slog.Error("order sync job failed", "err", err)
		os.Exit(1)
	}
	if _, err := scheduler.NewJob(
		gocron.DurationJob(5*time.Minute),
		gocron.NewTask(func() {
			if n := limiter.Sweep(); n > 0 {
				slog.Debug("rate limiter swept", "buckets", n)
			}
		}),
		gocron.WithName("ratelimit-sweep"),
	); err != nil {
		slog.Error("rate limiter sweep job failed", "err", err)
		os.Exit(1)
	}
	scheduler.Start()

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(metrics.Middleware)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"custody-engine"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	// Order placement can wait on deployment and approval receipts.
	r.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(3 * cfg.ConfirmTimeout))
		trade.NewHandler(engine, wallets, commissions, cfg.APIToken, cfg.AdminToken).Routes(r)
	})

	// --- Server ---
	srv := &http.Server{
		Addr:        ":" + cfg.Port,
		Handler:     r,
		ReadTimeout: 10 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	go func() {
		slog.Info("custody-engine listening", "port", cfg.Port, "chain_id", cfg.ChainID)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown.
	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutting down custody-engine...")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	if err := scheduler.Shutdown(); err != nil {
		slog.Error("scheduler shutdown error", "err", err)
	}
	commissions.Wait()
	fmt.Println("custody-engine stopped")
}

func parseSponsorKey(hexKey string) (*ecdsa.PrivateKey, error) {
	if hexKey == "" {
		return nil, nil
	}
	return crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(hexKey), "0x"))
}
