package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/avalkov/safe-transaction-history/internal/authenticator"
	"github.com/avalkov/safe-transaction-history/internal/chain"
	"github.com/avalkov/safe-transaction-history/internal/config"
	"github.com/avalkov/safe-transaction-history/internal/model"
	"github.com/avalkov/safe-transaction-history/internal/reconciler"
	rpccodecs "github.com/avalkov/safe-transaction-history/internal/rpc_codecs"
	rpcservices "github.com/avalkov/safe-transaction-history/internal/rpc_services"
	"github.com/avalkov/safe-transaction-history/internal/scheduler"
	dbstorage "github.com/avalkov/safe-transaction-history/internal/storage/db"
	memorystorage "github.com/avalkov/safe-transaction-history/internal/storage/memory"
	mongostorage "github.com/avalkov/safe-transaction-history/internal/storage/mongo"
	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/rpc"
	"github.com/lmittmann/tint"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
	"github.com/xo/dburl"
)

var Version = "development"

func main() {
	if err := runService(); err != nil {
		log.Fatal(err)
	}
}

func runService() error {
	cfg, err := config.NewConfig(".env")
	if err != nil {
		return fmt.Errorf("creating config failed: %w", err)
	}

	logger := slog.New(tint.NewHandler(os.Stderr, &tint.Options{
		Level:      cfg.App.LogLevel,
		TimeFormat: time.RFC3339,
	}))
	slog.SetDefault(logger)

	logger.Info("starting safe-tx-history ("+Version+")",
		"goVersion", runtime.Version(),
		"os", runtime.GOOS,
		"arch", runtime.GOARCH)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	client, err := chain.NewClient(chain.ClientOpts{
		Endpoint:    cfg.Chain.EthNodeUrl,
		CallTimeout: cfg.Chain.CallTimeout,
		Logger:      logger.With("component", "chain"),
	})
	if err != nil {
		return err
	}
	defer client.Close()

	storage, closeStorage, err := openStorage(ctx, cfg, logger.With("component", "storage"))
	if err != nil {
		return err
	}
	defer closeStorage()

	rec := reconciler.NewReconciler(storage, client, reconciler.Opts{
		RetryAfter: cfg.Reconcile.RetryAfter,
		Logger:     logger.With("component", "reconciler"),
	})

	sched := scheduler.NewScheduler(rec, scheduler.Opts{
		Workers:     cfg.Reconcile.Workers,
		QueueSize:   cfg.Reconcile.QueueSize,
		MaxAttempts: cfg.Reconcile.MaxAttempts,
		BaseDelay:   time.Second,
		MaxDelay:    cfg.Reconcile.RetryAfter,
		Logger:      logger.With("component", "scheduler"),
	})

	auth := authenticator.NewAuthenticator(storage, authenticator.Opts{
		Secret:        []byte(cfg.API.JwtSecret),
		TokenDuration: cfg.API.TokenDuration,
	})

	server := rpc.NewServer()

	codec := rpccodecs.NewCodec()
	server.RegisterCodec(codec, "application/json")
	server.RegisterCodec(codec, "application/json;charset=UTF-8")

	service := rpcservices.NewSafeService(storage, auth, rec, sched, logger.With("component", "rpc"))
	if err := server.RegisterService(service, ""); err != nil {
		return err
	}

	mux := http.NewServeMux()
	mux.Handle("/", server)
	apiServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.API.Port),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())
	metricsServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.App.MetricsPort),
		Handler:           metricsMux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	schedulerDone := make(chan struct{})
	go func() {
		defer close(schedulerDone)
		if err := sched.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("scheduler stopped", "error", err)
		}
	}()

	errChan := make(chan error, 2)
	go func() {
		logger.Info("rpc server listening", "addr", apiServer.Addr)
		errChan <- listen(apiServer)
	}()
	go func() {
		logger.Info("metrics server listening", "addr", metricsServer.Addr)
		errChan <- listen(metricsServer)
	}()

	select {
	case err = <-errChan:
		logger.Error("service stopped", "error", err)
		cancel()
	case <-ctx.Done():
		logger.Info("shutting down gracefully")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	for _, srv := range []*http.Server{apiServer, metricsServer} {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("server shutdown failed", "addr", srv.Addr, "error", err)
		}
	}
	<-schedulerDone

	return err
}

func listen(srv *http.Server) error {
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server on %s failed: %w", srv.Addr, err)
	}
	return nil
}

// openStorage picks the record store from the connection url: empty means in
// memory, mongodb schemes mean MongoDB, anything else goes through dburl.
func openStorage(ctx context.Context, cfg config.Config, logger *slog.Logger) (recordStore, func(), error) {
	url := cfg.Storage.DbConnectionUrl

	switch {
	case url == "":
		logger.Warn("DB_CONNECTION_URL not set, records are kept in memory")
		storage := memorystorage.NewStorage()
		if cfg.Storage.ObserverUsername != "" {
			storage.AddUser(cfg.Storage.ObserverUsername, cfg.Storage.ObserverPassword)
		}
		return storage, func() {}, nil

	case strings.HasPrefix(url, "mongodb://") || strings.HasPrefix(url, "mongodb+srv://"):
		storage, err := mongostorage.NewStorage(mongostorage.StorageOpts{
			URI:          url,
			DatabaseName: cfg.Storage.DbName,
			Logger:       logger,
		})
		if err != nil {
			return nil, nil, err
		}
		if err := storage.CreateIndexes(ctx); err != nil {
			return nil, nil, err
		}
		return storage, func() {
			closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := storage.Close(closeCtx); err != nil {
				logger.Warn("failed to disconnect from mongodb", "error", err)
			}
		}, nil
	}

	parsedConnectionUrl, err := dburl.Parse(url)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to parse DB_CONNECTION_URL: %w", err)
	}

	storage, err := dbstorage.NewStorage(parsedConnectionUrl.Driver, parsedConnectionUrl.DSN)
	if err != nil {
		return nil, nil, err
	}
	if err := storage.ExecuteMigrations(ctx); err != nil {
		return nil, nil, err
	}
	return storage, func() {
		if err := storage.Close(); err != nil {
			logger.Warn("failed to close database", "error", err)
		}
	}, nil
}

type recordStore interface {
	CreateTransaction(ctx context.Context, transaction model.MultisigTransaction) (model.MultisigTransaction, error)
	CreateConfirmation(ctx context.Context, confirmation model.MultisigConfirmation) (model.MultisigConfirmation, error)
	FindConfirmation(ctx context.Context, safe common.Address, contractTxHash common.Hash, owner common.Address, ownerTxHash common.Hash) (model.MultisigConfirmation, error)
	FindTransaction(ctx context.Context, safe, to common.Address, value decimal.Decimal, nonce uint64) (model.MultisigTransaction, error)
	GetTransaction(ctx context.Context, id int64) (model.MultisigTransaction, error)
	ListConfirmations(ctx context.Context, transactionID int64) ([]model.MultisigConfirmation, error)
	GetConfirmationsByTransactionHashes(ctx context.Context, hashes []common.Hash) ([]model.MultisigConfirmation, error)
	UpdateConfirmationState(ctx context.Context, id int64, state model.ConfirmationState) (bool, error)
	MarkTransactionExecuted(ctx context.Context, id int64, executionDate time.Time) (bool, error)
	IsUserExisting(ctx context.Context, username, password string) error
}
