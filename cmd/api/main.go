package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"ojtrack/internal/attendance"
	"ojtrack/internal/audit"
	"ojtrack/internal/auth"
	"ojtrack/internal/config"
	"ojtrack/internal/directory"
	"ojtrack/internal/filestore"
	"ojtrack/internal/forgottimeout"
	"ojtrack/internal/geo"
	"ojtrack/internal/handler"
	"ojtrack/internal/httpmiddleware"
	"ojtrack/internal/logger"
	"ojtrack/internal/queue"
	"ojtrack/internal/schedule"
	"ojtrack/internal/store"
)

func main() {
	cfg := config.Load()
	log := logger.New(cfg.Env, cfg.LogLevel)
	defer func() { _ = log.Sync() }()

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	if err := runHTTP(cfg, log); err != nil {
		log.Fatal("http server failed", zap.Error(err))
	}
}

func runHTTP(cfg config.App, log *zap.Logger) error {
	ctx := context.Background()

	db, err := store.NewDB(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer db.Close()
	if err := store.Migrate(ctx, db.Client); err != nil {
		return err
	}

	rdb := store.NewRedis(cfg.RedisAddr, "ojtrack")
	defer rdb.Close()

	drainCtx, stopDrain := context.WithCancel(ctx)
	defer stopDrain()
	var q queue.Queue
	if cfg.QueueBackend == "memory" {
		mq := queue.NewInMemory(256)
		msgs, err := mq.Consume(drainCtx)
		if err != nil {
			return err
		}
		// No worker can reach an in-process queue, so drain it here.
		go audit.Drain(drainCtx, msgs, audit.NewRepository(db.Client), log.Named("audit"))
		q = mq
	} else {
		q = queue.NewRedisQueue(rdb.Client, cfg.AuditQueueKey)
	}
	sink := audit.Tee{audit.NewLogSink(log), audit.NewQueueSink(q, log)}

	pgDir := directory.NewPGDirectory(db.Client)
	dir := directory.NewCached(pgDir, rdb, cfg.ProfileCacheTTL, log)

	cal, err := schedule.New(schedule.DefaultBlocks(schedule.DeadTimeOffsets{
		Morning:   cfg.DeadTimeOffsetMorning,
		Afternoon: cfg.DeadTimeOffsetAfternoon,
		Evening:   cfg.DeadTimeOffsetEvening,
	}))
	if err != nil {
		return err
	}

	files := newFileStore(cfg, log)
	requests := forgottimeout.NewRepository(db.Client)
	records := attendance.NewRepository(db.Client)

	att := attendance.NewService(attendance.Deps{
		Repo:     records,
		Calendar: cal,
		Verifier: geo.NewVerifier(dir, cfg.GeofenceRadiusM),
		Rollup:   dir,
		Photos:   files,
		Locker:   store.NewLocker(rdb),
		Requests: requests,
		Audit:    sink,
		Logger:   log.Named("attendance"),
		Location: cfg.Location(),
		Policy: attendance.Policy{
			EnforceGeofenceTimeIn:  cfg.EnforceGeofenceTimeIn,
			EnforceGeofenceTimeOut: cfg.EnforceGeofenceTimeOut,
			RequireActiveBlock:     true,
			SubmitLockTTL:          cfg.SubmitLockTTL,
		},
	})
	forgot := forgottimeout.NewService(forgottimeout.Deps{
		Repo:                requests,
		Records:             records,
		Attendance:          att,
		// Review scope is an authorization decision; read sections uncached.
		Users:               pgDir,
		Letters:             files,
		Audit:               sink,
		Logger:              log.Named("forgot_timeout"),
		ClosePolicy:         forgottimeout.ClosePolicy(cfg.ForgotClosePolicy),
		SectionlessOverride: cfg.SectionlessInstructorOverride,
	})

	h := &handler.Handler{
		Attendance: att,
		Forgot:     forgot,
		Compliance: dir,
		Signer:     auth.NewSigner(cfg.JWTIssuer, cfg.JWTSigningKey, cfg.AccessTTL, cfg.RefreshTTL),
		Limiter:    httpmiddleware.NewTokenBucket(cfg.RateLimitPerMin, cfg.RateLimitPerMin),
		Health: []handler.HealthCheck{
			{Name: "db", Check: db.Healthy},
			{Name: "redis", Check: rdb.Healthy},
		},
		Log: log,
	}

	r := gin.New()
	r.Use(httpmiddleware.Recovery(log), httpmiddleware.RequestLogger(log), handler.CORS(), handler.SecurityHeaders())
	h.Register(r)

	srv := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("starting server", zap.String("addr", srv.Addr), zap.String("timezone", cfg.Timezone))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-errCh:
		return err
	case <-quit:
	}
	log.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("server forced shutdown", zap.Error(err))
	}
	log.Info("server exited")
	return nil
}

func newFileStore(cfg config.App, log *zap.Logger) filestore.Store {
	if cfg.StorageBackend == "cloudinary" {
		if cfg.CloudinaryCloudName != "" && cfg.CloudinaryAPIKey != "" && cfg.CloudinaryAPISecret != "" {
			log.Info("cloudinary storage configured", zap.String("cloud", cfg.CloudinaryCloudName))
			return filestore.NewCloudinary(cfg.CloudinaryCloudName, cfg.CloudinaryAPIKey, cfg.CloudinaryAPISecret, cfg.CloudinaryFolder)
		}
		log.Warn("cloudinary credentials missing, falling back to local storage")
	}
	return filestore.NewLocal(cfg.UploadDir)
}
