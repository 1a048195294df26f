// Package app provides application initialization and lifecycle management
// for the sync engine.
package app

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	sentrygin "github.com/getsentry/sentry-go/gin"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shelfsync/shelfsync/internal/archive"
	"github.com/shelfsync/shelfsync/internal/buildinfo"
	"github.com/shelfsync/shelfsync/internal/config"
	"github.com/shelfsync/shelfsync/internal/feeder"
	"github.com/shelfsync/shelfsync/internal/library"
	"github.com/shelfsync/shelfsync/internal/logger"
	"github.com/shelfsync/shelfsync/internal/metrics"
	"github.com/shelfsync/shelfsync/internal/mirror"
	"github.com/shelfsync/shelfsync/internal/notify"
	"github.com/shelfsync/shelfsync/internal/pipeline"
	"github.com/shelfsync/shelfsync/internal/quota"
	"github.com/shelfsync/shelfsync/internal/readlist"
	"github.com/shelfsync/shelfsync/internal/reconciler"
	"github.com/shelfsync/shelfsync/internal/scheduler"
	"github.com/shelfsync/shelfsync/internal/sentry"
	"github.com/shelfsync/shelfsync/internal/stages"
	"github.com/shelfsync/shelfsync/internal/state"
	"github.com/shelfsync/shelfsync/internal/storage"
	"github.com/shelfsync/shelfsync/internal/timeouts"
)

// Application wires and runs the engine.
type Application struct {
	cfg      *config.Config
	log      *logger.Logger
	db       *storage.DB
	metrics  *metrics.Metrics
	stateMgr *state.Manager
	sched    *scheduler.Scheduler
	pipeline *pipeline.Manager
	recon    *reconciler.Reconciler
	feeder   *feeder.Feeder
	notifier *notify.Notifier
	quotaMgr *quota.Manager
	server   *http.Server
}

// Initialize builds the full dependency graph from configuration.
func Initialize(ctx context.Context, cfg *config.Config) (*Application, error) {
	log := logger.NewWithOptions(cfg.LogLevel, os.Stdout, logger.Options{
		BetterStackToken:    betterStackToken(cfg),
		BetterStackEndpoint: cfg.BetterStackEndpoint,
		Version:             buildinfo.Resolve(),
	})
	log = log.WithField("service", "shelfsync")
	slog.SetDefault(log.Logger)

	log.Info("initializing engine",
		"debug", cfg.Debug,
		"max_concurrent_tasks", cfg.MaxConcurrentTasks,
		"workers", cfg.PipelineMaxWorkers)
	log.WithField("sentry", cfg.IsSentryEnabled()).
		WithField("betterstack", cfg.IsBetterStackEnabled()).
		WithField("archive", cfg.IsArchiveEnabled()).
		WithField("notifier", cfg.IsNotifierEnabled()).
		Info("feature status")

	if cfg.IsSentryEnabled() {
		if err := sentry.Initialize(sentry.Config{
			DSN:         cfg.SentryDSN,
			Environment: cfg.SentryEnvironment,
			Release:     buildinfo.Resolve(),
			SampleRate:  cfg.SentrySampleRate,
		}); err != nil {
			return nil, fmt.Errorf("initialize sentry: %w", err)
		}
	}

	db, err := storage.New(ctx, cfg.StorePath)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	m := metrics.New()
	stateMgr := state.NewManager(db)
	sched := scheduler.New(db, cfg.MaxConcurrentTasks, scheduler.GCConfig{
		CompletedAfter: cfg.TaskGCCompletedAfter,
		FailedAfter:    cfg.TaskGCFailedAfter,
	}, m)
	stateMgr.SetScheduler(sched)

	var notifier *notify.Notifier
	if cfg.IsNotifierEnabled() {
		notifier = notify.New(cfg.NotifyWebhookURL, cfg.NotifySecret)
		stateMgr.SetNotifier(notifier)
	}

	// External services. Each one is optional; stages that need a missing
	// service are simply not registered, so a partially configured engine
	// still drives the stages it can.
	var listClient *readlist.Client
	if cfg.ReadlistBaseURL != "" {
		listClient = readlist.NewClient(readlist.Config{
			BaseURL:  cfg.ReadlistBaseURL,
			UserID:   cfg.ReadlistUserID,
			Cookie:   cfg.ReadlistCookie,
			MaxPages: cfg.ReadlistMaxPages,
			MinDelay: cfg.ReadlistMinDelay,
			MaxDelay: cfg.ReadlistMaxDelay,
		})
	}

	var mirrorClient *mirror.Client
	if cfg.MirrorBaseURL != "" {
		mirrorClient, err = mirror.NewClient(mirror.Config{
			BaseURL:  cfg.MirrorBaseURL,
			Email:    cfg.MirrorEmail,
			Password: cfg.MirrorPassword,
			Proxy:    cfg.MirrorProxy,
		})
		if err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("create mirror client: %w", err)
		}
	}

	var libraryClient *library.Client
	if cfg.LibraryServerURL != "" {
		libraryClient, err = library.NewClient(library.Config{
			ServerURL:      cfg.LibraryServerURL,
			Username:       cfg.LibraryUsername,
			Password:       cfg.LibraryPassword,
			MatchThreshold: cfg.LibraryMatchThreshold,
		})
		if err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("create library client: %w", err)
		}
	}

	var quotaMgr *quota.Manager
	if mirrorClient != nil {
		quotaMgr = quota.NewManager(mirrorClient, cfg.QuotaCacheTTL)
	}

	var archiveStore *archive.Store
	if cfg.IsArchiveEnabled() {
		archiveStore, err = archive.New(ctx, archive.Config{
			Endpoint:  cfg.ArchiveEndpoint,
			Region:    cfg.ArchiveRegion,
			Bucket:    cfg.ArchiveBucket,
			AccessKey: cfg.ArchiveAccessKey,
			SecretKey: cfg.ArchiveSecretKey,
			Prefix:    cfg.ArchivePrefix,
		})
		if err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("create archive store: %w", err)
		}
	}

	pipelineMgr := pipeline.NewManager(db, stateMgr, quotaMgr, sched, cfg.QuotaCheckEvery, m)

	if listClient != nil {
		pipelineMgr.RegisterStage(stages.NewDetailStage(listClient))
	} else {
		log.Warn("read-list source not configured, detail stage disabled")
	}
	if mirrorClient != nil {
		pipelineMgr.RegisterStage(stages.NewSearchStage(mirrorClient, libraryOrNil(libraryClient), cfg.MinMatchScore, cfg.FormatPriority))
		pipelineMgr.RegisterStage(stages.NewDownloadStage(db, mirrorClient, quotaMgr, cfg.DownloadDir, m))
	} else {
		log.Warn("mirror not configured, search and download stages disabled")
	}
	if libraryClient != nil {
		pipelineMgr.RegisterStage(stages.NewUploadStage(libraryClient, archiverOrNil(archiveStore)))
	} else {
		log.Warn("library not configured, upload stage disabled")
	}
	pipelineMgr.Start()

	if notifier != nil {
		for _, kind := range []string{"auth_forbidden", "auth_login", "auth_unauthorized"} {
			pipelineMgr.RegisterErrorCallback(kind, func(ctx context.Context, ev pipeline.ErrorEvent) {
				notifier.NotifyAuthLockout(ctx, ev.Stage, ev.Err.Error())
			})
		}
	}

	recon := reconciler.New(db, stateMgr, sched, reconciler.Config{
		Interval:         timeouts.ReconcileInterval,
		StuckAfter:       cfg.StuckAfter,
		DetailStaleAfter: cfg.DetailStaleAfter,
		// The reconciler loop only runs under RunDaemon.
		Daemon: true,
	})

	var feed *feeder.Feeder
	if listClient != nil {
		feed = feeder.New(db, listClient, sched)
	}

	return &Application{
		cfg:      cfg,
		log:      log,
		db:       db,
		metrics:  m,
		stateMgr: stateMgr,
		sched:    sched,
		pipeline: pipelineMgr,
		recon:    recon,
		feeder:   feed,
		notifier: notifier,
		quotaMgr: quotaMgr,
	}, nil
}

// RunOnce feeds, drains the pipeline, and exits.
func (a *Application) RunOnce(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	a.recon.RunStartup(ctx)
	if reset := a.stateMgr.ResetStaleDetailFetching(ctx, a.cfg.DetailStaleAfter); reset > 0 {
		a.log.Info("reset stale detail items", "count", reset)
	}

	if a.feeder != nil {
		result, err := a.feeder.Sync(ctx)
		if err != nil {
			return fmt.Errorf("feed: %w", err)
		}
		a.log.Info("feed finished",
			"fetched", result.Fetched,
			"new_items", result.NewItems,
			"scheduled", result.Scheduled,
			"auth_error", result.AuthError)

		if backlog, err := a.feeder.ScheduleBacklog(ctx); err != nil {
			a.log.WithError(err).Warn("backlog scheduling failed")
		} else if backlog > 0 {
			a.log.Info("scheduled backlog items", "count", backlog)
		}
	}

	a.sched.Start(ctx)
	a.pipeline.StartQuotaWatcher(ctx, 30*time.Second)
	a.waitForDrain(ctx, 60*time.Minute)
	a.Shutdown(ctx)
	return nil
}

// RunDaemon runs continuously: periodic feeds, the reconciler loop, and a
// small metrics endpoint, until SIGINT/SIGTERM.
func (a *Application) RunDaemon(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	a.recon.RunStartup(ctx)
	a.sched.Start(ctx)
	a.recon.Start(ctx)
	a.pipeline.StartQuotaWatcher(ctx, 30*time.Second)
	a.startHTTPServer()

	if a.feeder != nil {
		if _, err := a.feeder.Sync(ctx); err != nil {
			a.log.WithError(err).Warn("initial feed failed")
		}
		go a.feeder.RunPeriodically(ctx, a.cfg.SyncInterval)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		a.log.Info("received signal, shutting down", "signal", sig.String())
	case <-ctx.Done():
	}

	cancel()
	a.recon.Stop()
	a.Shutdown(context.Background())
	return nil
}

// EngineStatus is the status-command dump.
type EngineStatus struct {
	Version   string                 `json:"version"`
	Items     map[storage.Status]int `json:"items"`
	Scheduler scheduler.Status       `json:"scheduler"`
	Paused    map[string]string      `json:"paused_stages"`
	Quota     pipeline.QuotaStatus   `json:"quota"`
}

// Status collects the histogram and engine stats.
func (a *Application) Status(ctx context.Context) (*EngineStatus, error) {
	items, err := a.stateMgr.Statistics(ctx)
	if err != nil {
		return nil, err
	}
	return &EngineStatus{
		Version:   buildinfo.Resolve(),
		Items:     items,
		Scheduler: a.sched.Status(),
		Paused:    a.pipeline.PausedStages(),
		Quota:     a.pipeline.GetQuotaStatus(),
	}, nil
}

// PrintStatus writes the status dump as indented JSON to stdout.
func (a *Application) PrintStatus(ctx context.Context) error {
	status, err := a.Status(ctx)
	if err != nil {
		return err
	}
	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	return encoder.Encode(status)
}

// Cleanup runs one reconciler pass plus an immediate task-row sweep.
func (a *Application) Cleanup(ctx context.Context) error {
	a.recon.RunStartup(ctx)
	a.stateMgr.ResetStaleDetailFetching(ctx, a.cfg.DetailStaleAfter)

	deleted, err := a.db.DeleteTerminalTasksBefore(ctx, time.Now().Add(-a.cfg.TaskGCCompletedAfter))
	if err != nil {
		return err
	}
	failed, err := a.db.DeleteExhaustedFailedTasksBefore(ctx, time.Now().Add(-a.cfg.TaskGCFailedAfter))
	if err != nil {
		return err
	}
	a.log.Info("cleanup finished",
		"deleted_completed_tasks", deleted,
		"deleted_failed_tasks", failed)
	return nil
}

// Shutdown stops the engine and flushes the observability pipelines.
func (a *Application) Shutdown(ctx context.Context) {
	a.sched.Stop(ctx)
	a.pipeline.Stop()

	if a.server != nil {
		shutdownCtx, cancel := context.WithTimeout(ctx, timeouts.GracefulShutdown)
		if err := a.server.Shutdown(shutdownCtx); err != nil {
			a.log.WithError(err).Warn("metrics server shutdown failed")
		}
		cancel()
	}

	if sentry.IsEnabled() {
		sentry.Flush(2 * time.Second)
	}
	_ = a.log.Shutdown(ctx)
	if err := a.db.Close(); err != nil {
		a.log.WithError(err).Warn("store close failed")
	}
	a.log.Info("engine stopped")
}

// waitForDrain blocks until the scheduler is idle for three consecutive
// checks or the deadline passes.
func (a *Application) waitForDrain(ctx context.Context, maxWait time.Duration) {
	a.log.Info("waiting for pipeline to drain", "max_wait", maxWait)
	deadline := time.Now().Add(maxWait)
	idleChecks := 0

	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return
		case <-time.After(5 * time.Second):
		}

		if a.sched.ActiveCount() == 0 && a.sched.QueueSize() == 0 {
			idleChecks++
			if idleChecks >= 3 {
				a.log.Info("pipeline drained")
				return
			}
			continue
		}
		idleChecks = 0
	}
	a.log.Warn("drain wait timed out",
		"active", a.sched.ActiveCount(),
		"queued", a.sched.QueueSize())
}

// startHTTPServer exposes /healthz and /metrics in daemon mode.
func (a *Application) startHTTPServer() {
	if a.cfg.MetricsAddr == "" {
		return
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	if sentry.IsEnabled() {
		router.Use(sentrygin.New(sentrygin.Options{Repanic: true}))
	}

	router.GET("/healthz", func(c *gin.Context) {
		if err := a.db.Ping(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok", "version": buildinfo.Resolve()})
	})
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(a.metrics.Registry(), promhttp.HandlerOpts{})))

	a.server = &http.Server{
		Addr:              a.cfg.MetricsAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		a.log.Info("metrics server listening", "addr", a.cfg.MetricsAddr)
		if err := a.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			a.log.WithError(err).Error("metrics server failed")
		}
	}()
}

func betterStackToken(cfg *config.Config) string {
	if cfg.IsBetterStackEnabled() {
		return cfg.BetterStackToken
	}
	return ""
}

// libraryOrNil flattens a typed nil into an interface nil.
func libraryOrNil(c *library.Client) stages.LibraryClient {
	if c == nil {
		return nil
	}
	return c
}

func archiverOrNil(s *archive.Store) stages.Archiver {
	if s == nil {
		return nil
	}
	return s
}
