package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	_ "github.com/lib/pq"

	"github.com/clearledger/transferer/internal/config"
	"github.com/clearledger/transferer/internal/event"
	"github.com/clearledger/transferer/internal/handler"
	"github.com/clearledger/transferer/internal/logging"
	"github.com/clearledger/transferer/internal/middleware"
	"github.com/clearledger/transferer/internal/outbox"
	"github.com/clearledger/transferer/internal/repository"
	"github.com/clearledger/transferer/internal/service"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := logging.Init("transferer-api", cfg.LogLevel, cfg.AppEnv)

	db, err := connectDB(cfg)
	if err != nil {
		slog.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	accountRepo := repository.NewAccountRepository(db)
	paymentRepo := repository.NewPaymentRepository(db)
	transactionRepo := repository.NewTransactionRepository(db)
	outboxRepo := repository.NewOutboxRepository(db)

	bus := event.NewBus(logger)
	publisher := outbox.NewPublisher(db, outboxRepo, bus)

	accounts := service.NewAccountService(accountRepo, publisher)
	transactions := service.NewTransactionService(transactionRepo, publisher)
	saga := service.NewPaymentSaga(paymentRepo, accounts, transactions, publisher, bus, cfg.ReconcileInterval)
	saga.Register()

	relay := outbox.NewRelay(outboxRepo, bus,
		cfg.OutboxPollInterval, cfg.OutboxCleanupInterval, cfg.OutboxRetention,
		cfg.OutboxBatchSize, logger,
	)

	workerCtx, stopWorkers := context.WithCancel(logging.WithLogger(context.Background(), logger))
	var workers sync.WaitGroup
	for _, run := range []func(context.Context){relay.Run, relay.RunCleanup, saga.RunReconciler} {
		workers.Add(1)
		go func() {
			defer workers.Done()
			run(workerCtx)
		}()
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", handler.Health(db))

	accountHandler := handler.NewAccountHandler(accounts)
	mux.HandleFunc("POST /accounts", accountHandler.Open)
	mux.HandleFunc("GET /accounts", accountHandler.List)
	mux.HandleFunc("GET /accounts/{id}", accountHandler.Get)
	mux.HandleFunc("GET /accounts/number/{number}", accountHandler.GetByNumber)
	mux.HandleFunc("GET /accounts/{id}/balance", accountHandler.GetBalance)
	mux.HandleFunc("POST /accounts/{id}/suspend", accountHandler.Suspend)
	mux.HandleFunc("POST /accounts/{id}/activate", accountHandler.Activate)
	mux.HandleFunc("POST /accounts/{id}/deactivate", accountHandler.Deactivate)

	paymentHandler := handler.NewPaymentHandler(saga)
	mux.HandleFunc("POST /payments", paymentHandler.Initiate)
	mux.HandleFunc("GET /payments", paymentHandler.List)
	mux.HandleFunc("GET /payments/{id}", paymentHandler.Get)

	transactionHandler := handler.NewTransactionHandler(transactions)
	mux.HandleFunc("GET /transactions", transactionHandler.List)
	mux.HandleFunc("GET /transactions/{id}", transactionHandler.Get)

	root := middleware.RequestID(middleware.Logging(middleware.Recovery(mux)))

	addr := fmt.Sprintf(":%d", cfg.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           root,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		slog.Info("server started", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("shutting down server")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
		os.Exit(1)
	}

	stopWorkers()
	workers.Wait()
	slog.Info("server stopped")
}

func connectDB(cfg *config.Config) (*sql.DB, error) {
	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("connectDB: %w", err)
	}

	db.SetMaxOpenConns(cfg.DBMaxOpenConns)
	db.SetMaxIdleConns(cfg.DBMaxIdleConns)
	db.SetConnMaxLifetime(time.Duration(cfg.DBConnMaxLifetimeS) * time.Second)
	db.SetConnMaxIdleTime(time.Duration(cfg.DBConnMaxIdleTimeS) * time.Second)

	for i := range 30 {
		if err = db.Ping(); err == nil {
			return db, nil
		}
		slog.Info("waiting for database", "attempt", i+1)
		time.Sleep(time.Second)
	}

	db.Close()
	return nil, fmt.Errorf("connectDB: gave up after 30 attempts: %w", err)
}
