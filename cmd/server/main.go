package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/smartpay/wallet-ledger/internal/config"
	"github.com/smartpay/wallet-ledger/internal/events"
	"github.com/smartpay/wallet-ledger/internal/events/kafka"
	"github.com/smartpay/wallet-ledger/internal/interfaces"
	"github.com/smartpay/wallet-ledger/internal/ledger"
	"github.com/smartpay/wallet-ledger/internal/query"
	"github.com/smartpay/wallet-ledger/internal/server"
	"github.com/smartpay/wallet-ledger/internal/storage/memory"
	"github.com/smartpay/wallet-ledger/internal/storage/postgres"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	var accounts interfaces.AccountStore
	var ledgerStore interfaces.LedgerStore
	switch cfg.StorageBackend {
	case "postgres":
		store, err := postgres.Open(cfg.PostgresDSN)
		if err != nil {
			log.Fatalf("open postgres: %v", err)
		}
		defer store.Close()
		accounts, ledgerStore = store, store
		log.Println("Connected to Postgres")
	default:
		store := memory.NewStore()
		accounts, ledgerStore = store, store
		log.Println("Using in-memory storage")
	}

	var publisher interfaces.EventPublisher = events.NoopPublisher{}
	if len(cfg.KafkaBrokers) > 0 {
		kp := kafka.NewPublisher(cfg.KafkaBrokers)
		defer kp.Close()
		publisher = kp
		log.Printf("Publishing events to %v", cfg.KafkaBrokers)
	}

	engine := ledger.NewEngine(accounts, ledgerStore, publisher, ledger.Options{
		StorageTimeout: cfg.StorageTimeout,
		MaxRetries:     cfg.MaxRetries,
	})
	queries := query.NewService(ledgerStore, accounts, cfg.HistoryPage)
	srv := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: server.NewServer(engine, accounts, queries).Router(),
	}

	go func() {
		log.Printf("Starting server on %s", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("serve: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Printf("shutdown: %v", err)
	}
	log.Println("Server exited")
}
