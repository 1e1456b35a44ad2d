package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/riverdriver/riverpgxv5"
	"github.com/riverqueue/river/rivermigrate"
	"github.com/rs/cors"

	"github.com/agentbazaar/backend/internal/agents"
	"github.com/agentbazaar/backend/internal/config"
	"github.com/agentbazaar/backend/internal/criteria"
	"github.com/agentbazaar/backend/internal/deadline"
	"github.com/agentbazaar/backend/internal/escrow"
	"github.com/agentbazaar/backend/internal/fees"
	"github.com/agentbazaar/backend/internal/jobs"
	"github.com/agentbazaar/backend/internal/listings"
	"github.com/agentbazaar/backend/internal/middleware"
	"github.com/agentbazaar/backend/internal/ratelimit"
	"github.com/agentbazaar/backend/internal/reviews"
	"github.com/agentbazaar/backend/internal/router"
	"github.com/agentbazaar/backend/internal/sandbox"
	"github.com/agentbazaar/backend/internal/wallet"
	"github.com/agentbazaar/backend/internal/webhooks"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg := config.Load()
	ctx := context.Background()

	// Database
	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		slog.Error("Unable to create database pool", "error", err)
		os.Exit(1)
	}
	defer pool.Close()
	if err := pool.Ping(ctx); err != nil {
		slog.Error("Cannot reach PostgreSQL. Ensure Postgres is running, e.g. make dev-up", "error", err)
		os.Exit(1)
	}
	slog.Info("Connected to PostgreSQL")

	// Key-value store
	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		slog.Error("Invalid REDIS_URL", "error", err)
		os.Exit(1)
	}
	rdb := redis.NewClient(redisOpts)
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		slog.Error("Cannot reach Redis", "error", err)
		os.Exit(1)
	}
	slog.Info("Connected to Redis")

	// River migrations
	migrator, err := rivermigrate.New(riverpgxv5.New(pool), nil)
	if err != nil {
		slog.Error("Failed to create River migrator", "error", err)
		os.Exit(1)
	}
	if _, err := migrator.Migrate(ctx, rivermigrate.DirectionUp, nil); err != nil {
		slog.Error("River migrate up failed", "error", err)
		os.Exit(1)
	}
	slog.Info("River migrations applied")

	// River insert funcs are set after the client exists (breaks the init
	// cycle between services that enqueue and workers that serve them).
	var insertMu sync.Mutex
	var insertWebhook func(ctx context.Context, tx pgx.Tx, args webhooks.DeliverArgs) error
	var insertConfirmDeposit func(ctx context.Context, args wallet.ConfirmDepositArgs) error
	var insertProcessWithdrawal func(ctx context.Context, args wallet.ProcessWithdrawalArgs) error

	webhookInsert := webhooks.InsertDeliveryJobFunc(func(ctx context.Context, tx pgx.Tx, args webhooks.DeliverArgs) error {
		insertMu.Lock()
		fn := insertWebhook
		insertMu.Unlock()
		if fn == nil {
			return errors.New("river insert not wired")
		}
		return fn(ctx, tx, args)
	})

	// Rate limiter, fee engine, ledger
	limiter := ratelimit.New(rdb, cfg)
	agentsRepo := agents.NewRepository(pool)
	feeEngine := fees.NewEngine(cfg, agentsRepo)
	deadlineQueue := deadline.NewQueue(rdb, logger)
	escrowRepo := escrow.NewRepository(pool)
	escrowSvc := escrow.NewService(escrowRepo, feeEngine, deadlineQueue, logger)

	// Verification: declarative runner + Docker sandbox
	var sandboxRunner criteria.SandboxRunner
	if docker, err := sandbox.NewDockerRunner(logger); err != nil {
		slog.Warn("Docker sandbox unavailable; script criteria will fail verification", "error", err)
	} else {
		sandboxRunner = docker
	}
	verifier := criteria.NewRunner(cfg, sandboxRunner)

	// Webhooks
	webhookRepo := webhooks.NewRepository(pool)
	dispatcher := webhooks.NewDispatcher(webhookRepo, webhookInsert, logger)

	// Jobs
	jobsRepo := jobs.NewRepository(pool)
	jobsSvc := jobs.NewService(jobsRepo, escrowSvc, verifier, feeEngine, dispatcher, logger)

	// Wallet
	secrets, err := wallet.NewSecrets(cfg.SecretsBackend, cfg.SecretsPrefix)
	if err != nil {
		slog.Error("Secrets backend init failed", "error", err)
		os.Exit(1)
	}
	var chain wallet.Chain
	if cfg.BlockchainRPCURL != "" {
		ethChain, err := wallet.NewEthChain(ctx, cfg.BlockchainRPCURL, cfg.USDCContractAddress, cfg.ChainID)
		if err != nil {
			slog.Error("Chain client init failed", "error", err)
			os.Exit(1)
		}
		chain = ethChain
	} else {
		slog.Warn("Blockchain RPC not configured; wallet endpoints degraded")
	}
	walletRepo := wallet.NewRepository(pool)
	walletQueue := &riverWalletQueue{
		confirm: func(ctx context.Context, args wallet.ConfirmDepositArgs) error {
			insertMu.Lock()
			fn := insertConfirmDeposit
			insertMu.Unlock()
			if fn == nil {
				return errors.New("river insert not wired")
			}
			return fn(ctx, args)
		},
		process: func(ctx context.Context, args wallet.ProcessWithdrawalArgs) error {
			insertMu.Lock()
			fn := insertProcessWithdrawal
			insertMu.Unlock()
			if fn == nil {
				return errors.New("river insert not wired")
			}
			return fn(ctx, args)
		},
	}
	walletSvc := wallet.NewService(cfg, walletRepo, chain, secrets, walletQueue, logger)

	// Agents, listings, reviews
	identity := agents.NewIdentityVerifier(cfg.IdentitySigningKey, cfg.IdentityIssuer)
	cardFetcher := agents.NewCardFetcher(cfg.CardFetchTimeout)
	agentsSvc := agents.NewService(cfg, agentsRepo, cardFetcher, identity, logger).
		WithEscrowUnwind(escrowSvc, jobsRepo)

	listingsRepo := listings.NewRepository(pool)
	listingsSvc := listings.NewService(listingsRepo, agentsRepo, logger)

	reviewsRepo := reviews.NewRepository(pool)
	reviewsSvc := reviews.NewService(reviewsRepo, dispatcher, logger)

	// River client and workers
	workers := river.NewWorkers()
	river.AddWorker(workers, webhooks.NewDeliverWorker(webhookRepo, cfg.WebhookTimeout, logger))
	river.AddWorker(workers, wallet.NewConfirmDepositWorker(walletSvc, cfg.DepositPollInterval, logger))
	river.AddWorker(workers, wallet.NewProcessWithdrawalWorker(walletSvc, logger))

	riverClient, err := river.NewClient(riverpgxv5.New(pool), &river.Config{
		Queues: map[string]river.QueueConfig{
			river.QueueDefault: {MaxWorkers: 10},
		},
		Workers: workers,
	})
	if err != nil {
		slog.Error("Failed to create River client", "error", err)
		os.Exit(1)
	}
	insertMu.Lock()
	insertWebhook = func(ctx context.Context, tx pgx.Tx, args webhooks.DeliverArgs) error {
		_, err := riverClient.InsertTx(ctx, tx, args, &river.InsertOpts{MaxAttempts: webhooks.MaxAttempts})
		return err
	}
	insertConfirmDeposit = func(ctx context.Context, args wallet.ConfirmDepositArgs) error {
		_, err := riverClient.Insert(ctx, args, nil)
		return err
	}
	insertProcessWithdrawal = func(ctx context.Context, args wallet.ProcessWithdrawalArgs) error {
		_, err := riverClient.Insert(ctx, args, nil)
		return err
	}
	insertMu.Unlock()

	// Startup recovery before accepting traffic.
	if err := deadline.Recover(ctx, deadlineQueue, jobsRepo, logger); err != nil {
		slog.Error("Deadline queue recovery failed", "error", err)
		os.Exit(1)
	}
	if err := walletSvc.Reconcile(ctx); err != nil {
		slog.Error("Wallet reconciliation failed", "error", err)
		os.Exit(1)
	}

	// Workers
	workerCtx, stopWorkers := context.WithCancel(ctx)
	defer stopWorkers()
	go func() {
		if err := riverClient.Start(workerCtx); err != nil && workerCtx.Err() == nil {
			slog.Error("River client stopped", "error", err)
		}
	}()
	consumer := deadline.NewConsumer(deadlineQueue, jobsSvc, logger)
	go consumer.Run(workerCtx)

	// HTTP surface
	authMW := middleware.AgentAuth(cfg, agentsRepo, rdb, nil)
	mux := router.New(router.Deps{
		Agents:   agents.NewHandler(agentsSvc, logger),
		Listings: listings.NewHandler(listingsSvc, logger),
		Jobs:     jobs.NewHandler(jobsSvc, logger),
		Reviews:  reviews.NewHandler(reviewsSvc, agentsSvc, logger),
		Wallet:   wallet.NewHandler(cfg, walletSvc, logger),
		Auth:        authMW,
		Limiter:     limiter,
		FeeSchedule: feeEngine.Schedule,
		Health: func(w http.ResponseWriter, r *http.Request) {
			if err := pool.Ping(r.Context()); err != nil {
				http.Error(w, `{"status":"degraded","database":"unreachable"}`, http.StatusServiceUnavailable)
				return
			}
			if err := rdb.Ping(r.Context()).Err(); err != nil {
				http.Error(w, `{"status":"degraded","redis":"unreachable"}`, http.StatusServiceUnavailable)
				return
			}
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"status":"ok"}`))
		},
	})

	handler := middleware.SecurityHeaders(
		middleware.BodySizeLimit(cfg.MaxBodyBytes)(
			cors.New(cors.Options{
				AllowedMethods: []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
				AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-Timestamp", "X-Nonce"},
			}).Handler(mux)))

	server := &http.Server{
		Addr:    "0.0.0.0:" + cfg.Port,
		Handler: handler,
	}

	// Graceful shutdown: stop accepting, drain, then stop workers so they
	// finish their current unit cleanly.
	shutdownDone := make(chan struct{})
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		slog.Info("Shutting down")

		drainCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := server.Shutdown(drainCtx); err != nil {
			slog.Error("HTTP drain failed", "error", err)
		}
		if err := riverClient.Stop(drainCtx); err != nil {
			slog.Error("River stop failed", "error", err)
		}
		stopWorkers()
		close(shutdownDone)
	}()

	slog.Info("Starting HTTP server", "addr", server.Addr)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("HTTP server failed", "error", err)
		os.Exit(1)
	}
	<-shutdownDone
}

// riverWalletQueue adapts the deferred River insert funcs to the wallet
// service's Enqueuer.
type riverWalletQueue struct {
	confirm func(ctx context.Context, args wallet.ConfirmDepositArgs) error
	process func(ctx context.Context, args wallet.ProcessWithdrawalArgs) error
}

func (q *riverWalletQueue) EnqueueConfirmDeposit(ctx context.Context, depositTxID uuid.UUID) error {
	return q.confirm(ctx, wallet.ConfirmDepositArgs{DepositTxID: depositTxID})
}

func (q *riverWalletQueue) EnqueueProcessWithdrawal(ctx context.Context, withdrawalID uuid.UUID) error {
	return q.process(ctx, wallet.ProcessWithdrawalArgs{WithdrawalID: withdrawalID})
}
