package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/slashbinslashnoname/p2p-market-orders/bot"
	"github.com/slashbinslashnoname/p2p-market-orders/catalog"
	"github.com/slashbinslashnoname/p2p-market-orders/config"
	"github.com/slashbinslashnoname/p2p-market-orders/db"
	"github.com/slashbinslashnoname/p2p-market-orders/fees"
	"github.com/slashbinslashnoname/p2p-market-orders/handlers"
	"github.com/slashbinslashnoname/p2p-market-orders/logkey"
	"github.com/slashbinslashnoname/p2p-market-orders/notify"
	"github.com/slashbinslashnoname/p2p-market-orders/orders"
)

const shutdownTimeout = 15 * time.Second

func main() {
	if err := run(); err != nil {
		slog.Error("service stopped", slog.String(logkey.Error, err.Error()))
		os.Exit(1)
	}
}

func run() error {
	// Load configuration
	cfg, err := config.NewConfig()
	if err != nil {
		return err
	}
	setupLogger(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	database, err := db.NewDatabase(ctx, cfg.DBDriver, cfg.DBPath)
	if err != nil {
		return err
	}
	defer database.Close()

	calc, err := fees.New(cfg.CommissionPercent)
	if err != nil {
		return err
	}

	// Notification backends; the telegram bot joins once it exists
	emitters := notify.Multi{notify.LogEmitter{}}
	if len(cfg.KafkaBrokers) > 0 {
		kafka, err := notify.NewKafkaEmitter(cfg.KafkaBrokers, cfg.NotifyTopic)
		if err != nil {
			return err
		}
		defer func() {
			flushCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := kafka.Close(flushCtx); err != nil {
				slog.Error("kafka producer not flushed", slog.String(logkey.Error, err.Error()))
			}
		}()
		emitters = append(emitters, kafka)
	}
	var telegram *bot.Bot
	if cfg.TelegramToken != "" {
		emitters = append(emitters, notify.EmitterFunc(func(ctx context.Context, in notify.Intent) error {
			return telegram.Emit(ctx, in)
		}))
	}
	dispatcher := notify.NewDispatcher(emitters, cfg.NotifyWorkers, cfg.NotifyQueueSize)

	opts := []orders.Option{orders.WithDeadlines(cfg.ReminderAfter, cfg.AutoDisputeAfter)}
	if cfg.CatalogURL != "" {
		opts = append(opts, orders.WithCompletionHook(catalog.NewClient(cfg.CatalogURL, cfg.CatalogAPIKey)))
	}
	engine := orders.NewEngine(database, database, dispatcher, calc, opts...)

	if cfg.TelegramToken != "" {
		telegram, err = bot.NewBot(cfg.TelegramToken, engine)
		if err != nil {
			return err
		}
		go telegram.Start()
		defer telegram.Stop()
	}
	dispatcher.Start()

	if cfg.SweepInterval > 0 {
		go orders.RunSweeper(ctx, engine, cfg.SweepInterval)
	}

	if cfg.GinMode == gin.ReleaseMode {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}
	router, err := handlers.API(engine, cfg.JWTSecret, cfg.RateLimitPerMinute)
	if err != nil {
		return err
	}
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server listening", slog.String("addr", cfg.HTTPAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	slog.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("http shutdown failed", slog.String(logkey.Error, err.Error()))
	}
	if err := dispatcher.Close(shutdownCtx); err != nil {
		slog.Error("notification queue not drained", slog.String(logkey.Error, err.Error()))
	}
	return nil
}

func setupLogger(cfg *config.Config) {
	opts := &slog.HandlerOptions{Level: cfg.SlogLevel()}
	var handler slog.Handler
	if cfg.LogFormat == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	slog.SetDefault(slog.New(handler))
}
