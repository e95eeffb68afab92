package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"presence/internal/apperr"
	"presence/internal/attendance"
	"presence/internal/broadcast"
	"presence/internal/clock"
	"presence/internal/config"
	"presence/internal/door"
	"presence/internal/lecture"
	"presence/internal/logger"
	"presence/internal/metrics"
	"presence/internal/queue"
	"presence/internal/roster"
	"presence/internal/store"
	"presence/internal/window"
)

// Worker applies door camera events queued on Redis.
func main() {
	configPath := flag.String("config", "", "path to a YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	log, err := logger.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Fatal("worker failed", zap.Error(err))
	}
	log.Info("worker stopped")
}

func run(ctx context.Context, cfg config.App, log *zap.Logger) error {
	db, err := store.NewDB(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("db connect failed: %w", err)
	}
	defer db.Close()

	redisClient := store.NewRedis(cfg.RedisAddr)
	defer redisClient.Close()

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	go serveMetrics(ctx, cfg.WorkerPort, reg, log)

	clk := clock.Real()
	var relay broadcast.Relay
	if cfg.Broadcast.RedisRelay {
		relay = broadcast.NewRedisRelay(redisClient.Client, cfg.Broadcast.RedisChannel, log.Named("relay"))
	}
	hub := broadcast.NewHub(broadcast.Options{Relay: relay, Clock: clk, Logger: log.Named("hub"), Metrics: m})
	go func() {
		if err := hub.Run(ctx); err != nil && ctx.Err() == nil {
			log.Error("broadcast relay stopped", zap.Error(err))
		}
	}()

	var directory roster.Directory = roster.NewRepository(db.Client)
	if cfg.Roster.CacheTTL > 0 {
		directory = roster.NewCachedDirectory(directory, redisClient.Client, cfg.Roster.CacheTTL, log.Named("roster"))
	}
	lectures := lecture.NewService(lecture.NewRepository(db.Client), directory, window.NewRepository(db.Client), hub,
		lecture.Policy{Duration: cfg.Policy.LectureDuration, RoomExclusive: cfg.Policy.RoomExclusive},
		clk, log.Named("lecture"))
	tracker := door.NewTracker(door.NewRepository(db.Client), attendance.NewRepository(db.Client), lectures, directory, hub, clk, log.Named("door"), m)

	var q queue.Queue
	if cfg.QueueBackend == "memory" {
		// Only useful for local runs where nothing else produces work.
		q = queue.NewInMemory(64)
	} else {
		q = queue.NewRedisQueue(redisClient.Client, cfg.DoorQueueKey, log.Named("queue"))
	}

	messages, err := q.Consume(ctx)
	if err != nil {
		return fmt.Errorf("queue consume init failed: %w", err)
	}

	log.Info("worker started, waiting for door events", zap.String("queue", cfg.DoorQueueKey))
	for msg := range messages {
		handle(ctx, tracker, msg, log)
	}
	return nil
}

// handle applies one message. Failures are logged and the message dropped.
func handle(ctx context.Context, tracker *door.Tracker, msg queue.Message, log *zap.Logger) {
	if msg.Type != queue.TypeDoorEvent {
		log.Warn("unknown message type", zap.String("type", msg.Type))
		return
	}
	in, err := doorInput(msg)
	if err != nil {
		log.Warn("malformed door event", zap.Error(err))
		return
	}

	evCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	res, err := tracker.LogEvent(evCtx, in)
	switch {
	case err == nil:
		log.Info("door event applied",
			zap.String("subject_id", in.SubjectID),
			zap.String("lecture_id", res.Event.LectureID),
			zap.String("type", string(in.Type)),
			zap.Duration("queued_for", time.Since(msg.EnqueuedAt)),
		)
	case errors.Is(err, apperr.ErrNoActiveSession), errors.Is(err, apperr.ErrInvalidInput), errors.Is(err, apperr.ErrNotFound):
		log.Warn("door event rejected", zap.String("subject_id", in.SubjectID), zap.String("room", in.Room), zap.Error(err))
	default:
		log.Error("door event failed", zap.String("subject_id", in.SubjectID), zap.Error(err))
	}
}

// doorInput decodes a queued event. Events queued without a timestamp
// happened when they were enqueued, not when the worker got to them.
func doorInput(msg queue.Message) (door.LogInput, error) {
	var in door.LogInput
	if err := msg.Decode(&in); err != nil {
		return in, err
	}
	if in.Timestamp.IsZero() {
		in.Timestamp = msg.EnqueuedAt
	}
	return in, nil
}

func serveMetrics(ctx context.Context, port string, reg *prometheus.Registry, log *zap.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: ":" + port, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Warn("metrics listener stopped", zap.Error(err))
	}
}
