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

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"presence/internal/api"
	"presence/internal/attendance"
	"presence/internal/biometric"
	"presence/internal/broadcast"
	"presence/internal/clock"
	"presence/internal/cloudinary"
	"presence/internal/config"
	"presence/internal/door"
	"presence/internal/enrollment"
	"presence/internal/lecture"
	"presence/internal/logger"
	"presence/internal/metrics"
	"presence/internal/queue"
	"presence/internal/roster"
	"presence/internal/store"
	"presence/internal/verification"
	"presence/internal/window"
)

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

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Fatal("api server failed", zap.Error(err))
	}
}

func run(ctx context.Context, cfg config.App, log *zap.Logger) error {
	db, err := store.NewDB(ctx, cfg.DatabaseURL)
	if db == nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()
	if err != nil {
		if cfg.MigrateOnStart {
			return fmt.Errorf("database not reachable: %w", err)
		}
		log.Warn("database not reachable", zap.Error(err))
	}

	if cfg.MigrateOnStart {
		if err := store.Migrate(db.Client, log); err != nil {
			return err
		}
	}

	redisClient := store.NewRedis(cfg.RedisAddr)
	defer redisClient.Close()
	if !redisClient.Healthy(ctx) {
		log.Warn("redis not reachable, roster cache and relay will retry", zap.String("addr", cfg.RedisAddr))
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)
	clk := clock.Real()

	var relay broadcast.Relay
	if cfg.Broadcast.RedisRelay {
		relay = broadcast.NewRedisRelay(redisClient.Client, cfg.Broadcast.RedisChannel, log.Named("relay"))
	}
	hub := broadcast.NewHub(broadcast.Options{
		ReplaySize: cfg.Broadcast.ReplaySize,
		MaxBacklog: cfg.Broadcast.MaxBacklog,
		Relay:      relay,
		Clock:      clk,
		Logger:     log.Named("hub"),
		Metrics:    m,
	})
	go func() {
		if err := hub.Run(ctx); err != nil && ctx.Err() == nil {
			log.Error("broadcast relay stopped", zap.Error(err))
		}
	}()

	var directory roster.Directory = roster.NewRepository(db.Client)
	if cfg.Roster.CacheTTL > 0 {
		directory = roster.NewCachedDirectory(directory, redisClient.Client, cfg.Roster.CacheTTL, log.Named("roster"))
	}

	var media attendance.MediaStore
	var refMedia enrollment.MediaStore
	if cfg.Cloudinary.Enabled() {
		cdn := cloudinary.New(cfg.Cloudinary.CloudName, cfg.Cloudinary.APIKey, cfg.Cloudinary.APISecret, cfg.Cloudinary.Folder)
		media, refMedia = cdn, cdn
		log.Info("evidence storage configured", zap.String("cloud", cfg.Cloudinary.CloudName))
	} else {
		log.Info("evidence storage disabled")
	}

	face := biometric.NewFace(cfg.FaceServiceURL, cfg.BiometricSkip)
	var voiceBackend verification.Backend
	registrars := map[biometric.Kind]enrollment.Registrar{biometric.Face: face}
	if cfg.VoiceServiceURL != "" {
		voice := biometric.NewVoice(cfg.VoiceServiceURL, cfg.BiometricSkip)
		voiceBackend = voice
		registrars[biometric.Voice] = voice
		probe(ctx, log, voice)
	}
	probe(ctx, log, face)

	references := biometric.NewReferenceRepository(db.Client)
	pipeline := verification.New(verification.PolicyFrom(cfg.Policy), verification.Deps{
		Face:       face,
		Voice:      voiceBackend,
		References: references,
		Clock:      clk,
		Logger:     log.Named("verification"),
		Metrics:    m,
	})

	windowRepo := window.NewRepository(db.Client)
	lectures := lecture.NewService(lecture.NewRepository(db.Client), directory, windowRepo, hub,
		lecture.Policy{Duration: cfg.Policy.LectureDuration, RoomExclusive: cfg.Policy.RoomExclusive},
		clk, log.Named("lecture"))
	windows := window.NewService(windowRepo, lectures, hub, cfg.Policy.WindowDuration, clk, log.Named("window"), m)

	records := attendance.NewRepository(db.Client)
	ledger := attendance.NewLedger(records, windows, directory, cfg.Policy.LateThreshold, log.Named("ledger"), m)
	teachers := attendance.NewTeacherLedger(records, cfg.Policy.LateThreshold, cfg.Location(), m)
	att := attendance.NewService(attendance.Deps{
		Ledger:       ledger,
		Teachers:     teachers,
		Lectures:     lectures,
		Windows:      windows,
		Roster:       directory,
		Verifier:     pipeline,
		Media:        media,
		Hub:          hub,
		MediaTimeout: cfg.Policy.MediaTimeout,
		Clock:        clk,
		Logger:       log.Named("attendance"),
		Metrics:      m,
	})

	tracker := door.NewTracker(door.NewRepository(db.Client), records, lectures, directory, hub, clk, log.Named("door"), m)
	enroller := enrollment.NewService(references, registrars, refMedia, cfg.Policy.BackendTimeout, log.Named("enrollment"), m)

	var q queue.Queue
	if cfg.QueueBackend == "redis" {
		q = queue.NewRedisQueue(redisClient.Client, cfg.DoorQueueKey, log.Named("queue"))
	}

	router := api.NewRouter(api.Deps{
		Sessions:       lectures,
		Windows:        windows,
		Attendance:     att,
		History:        ledger,
		TeacherHistory: teachers,
		Door:           tracker,
		Enroller:       enroller,
		Roster:         directory,
		Stream:         hub,
		Queue:          q,
		Checks: map[string]api.Check{
			"db":    db.Healthy,
			"redis": redisClient.Healthy,
		},
		Metrics:     promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
		SigningKey:  cfg.JWTSigningKey,
		Issuer:      cfg.JWTIssuer,
		DoorKey:     cfg.DoorAPIKey,
		CORSOrigins: cfg.CORSOrigins,
		RateLimit:   cfg.RateLimitPerMin,
		Clock:       clk,
		Logger:      log.Named("http"),
	})

	srv := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("starting server", zap.String("addr", srv.Addr))
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

	log.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("forced shutdown", zap.Error(err))
	}
	log.Info("server exited")
	return nil
}

func probe(ctx context.Context, log *zap.Logger, c *biometric.Client) {
	pctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := c.Health(pctx); err != nil {
		log.Warn("recognition service not available, local fallbacks apply", zap.String("service", c.Name()), zap.Error(err))
		return
	}
	log.Info("recognition service connected", zap.String("service", c.Name()))
}
