// orderd is the order-fulfillment daemon: an HTTP front for the command
// handlers, a sqlite-backed event store with a transactional outbox, and an
// in-process dispatcher delivering ShipOrder instructions back into the
// domain as RecordShipment commands.
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

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"

	es "github.com/terraskye/eventflow"
	"github.com/terraskye/eventflow/eventstore/sqlite"
	"github.com/terraskye/eventflow/examples/orderfulfillment"
	"github.com/terraskye/eventflow/logging"
	esotel "github.com/terraskye/eventflow/otel"
	"github.com/terraskye/eventflow/outbox"
)

func main() {
	cfg, err := loadConfig()
	if err != nil {
		slog.Error("configuration error", "error", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.Log.Level)
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("orderd exited with error", "error", err)
		os.Exit(1)
	}
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

func run(cfg *Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	es.MustInitMetrics()

	store, err := sqlite.Open(cfg.Store.Path)
	if err != nil {
		return err
	}
	defer store.Close()

	instrumented := esotel.WithEventStoreTelemetry(store)

	policy := es.ConflictPolicy{
		MaxAttempts: cfg.Retry.MaxAttempts,
		NewSchedule: func() backoff.BackOff { return es.ImmediateThenConstant(cfg.Retry.Delay) },
		IsConflict:  es.IsConflict,
	}

	cmdLog := logrus.New().WithField("component", "commands")

	createOrder := esotel.WithCommandTelemetry(logging.WithCommandLogging(cmdLog,
		orderfulfillment.NewCreateOrderHandler(instrumented, es.WithConflictPolicy(policy))))
	markItemReady := esotel.WithCommandTelemetry(logging.WithCommandLogging(cmdLog,
		orderfulfillment.NewMarkItemReadyHandler(instrumented, es.WithConflictPolicy(policy))))
	recordShipment := esotel.WithCommandTelemetry(logging.WithCommandLogging(cmdLog,
		orderfulfillment.NewRecordShipmentHandler(instrumented, es.WithConflictPolicy(policy))))

	// Every write path, HTTP and subscriber alike, dispatches through the
	// bus so commands for the same order serialize on one shard.
	commands := es.NewCommandBus(64, 4)
	defer commands.Stop()
	es.Register(commands, createOrder)
	es.Register(commands, markItemReady)
	es.Register(commands, recordShipment)

	queries := es.NewQueryBus()
	es.RegisterQueryHandler(queries, logging.WithQueryLogging(
		logrus.New().WithField("component", "queries"),
		orderfulfillment.NewGetOrderHandler(instrumented),
	))

	pubsub := gochannel.NewGoChannel(gochannel.Config{}, watermill.NewSlogLogger(logger))
	defer pubsub.Close()

	// Subscribe before the dispatcher starts so no delivery is missed.
	shipments, err := pubsub.Subscribe(ctx, ShipOrder{}.MessageType())
	if err != nil {
		return err
	}
	shipViaBus := func(ctx context.Context, cmd orderfulfillment.RecordShipment) (es.AppendResult, error) {
		return commands.Dispatch(ctx, cmd)
	}
	go consumeShipments(ctx, logger, shipments, newShipmentProcessor(logger, shipViaBus))

	dispatcher := outbox.NewDispatcher(instrumented, pubsub,
		outbox.WithPollInterval(cfg.Outbox.PollInterval),
		outbox.WithBatchSize(cfg.Outbox.BatchSize),
		outbox.WithLogger(logger),
	)
	go func() {
		if err := dispatcher.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("outbox dispatcher stopped", "error", err)
		}
	}()

	srv := &server{
		logger:   logger,
		commands: commands,
		queries:  queries,
	}

	httpServer := &http.Server{
		Addr:              cfg.Listen,
		Handler:           srv.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("orderd listening", "addr", cfg.Listen, "store", cfg.Store.Path)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}
