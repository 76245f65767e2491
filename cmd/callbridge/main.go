package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron/v3"

	"github.com/callbridge/callbridge/internal/access"
	"github.com/callbridge/callbridge/internal/api"
	"github.com/callbridge/callbridge/internal/cache"
	"github.com/callbridge/callbridge/internal/config"
	"github.com/callbridge/callbridge/internal/escalation"
	"github.com/callbridge/callbridge/internal/events"
	"github.com/callbridge/callbridge/internal/metrics"
	"github.com/callbridge/callbridge/internal/notify"
	"github.com/callbridge/callbridge/internal/recording"
	"github.com/callbridge/callbridge/internal/session"
	"github.com/callbridge/callbridge/internal/signaling"
	"github.com/callbridge/callbridge/internal/storage"
	"github.com/callbridge/callbridge/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	// Configure structured logging.
	logger := slog.New(cfg.SlogHandler(os.Stdout))
	slog.SetDefault(logger)

	slog.Info("starting callbridge",
		"http_port", cfg.HTTPPort,
		"data_dir", cfg.DataDir,
		"storage_kind", cfg.StorageKind,
	)

	// Open database and run migrations.
	db, err := store.Open(cfg.DataDir, cfg.DatabaseURL)
	if err != nil {
		slog.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	// Application context for background goroutines.
	appCtx, appCancel := context.WithCancel(context.Background())
	defer appCancel()

	statusCache, err := cache.Open(appCtx, cfg.RedisAddr, cfg.RedisDB, logger)
	if err != nil {
		slog.Error("failed to connect to redis", "error", err)
		os.Exit(1)
	}
	defer statusCache.Close()

	// Repositories.
	sessions := store.NewSessionRepository(db)
	signals := store.NewSignalRepository(db)
	recordings := store.NewRecordingRepository(db)
	segments := store.NewSegmentRepository(db)
	grants := store.NewGrantRepository(db)
	accessLog := store.NewAccessLogRepository(db)
	rules := store.NewRuleRepository(db)
	escalations := store.NewEscalationRepository(db)
	dispatches := store.NewDispatchRepository(db)
	outbox := store.NewOutboxRepository(db)

	// Event bus with durable outbox, optionally streaming to JetStream.
	bus := events.NewDispatcher(outbox, logger)
	var stream *events.JetStreamSink
	if cfg.NATSURL != "" {
		stream, err = events.NewJetStreamSink(cfg.NATSURL, cfg.EventStreamMaxAge(), logger)
		if err != nil {
			slog.Error("failed to connect to nats", "error", err)
			os.Exit(1)
		}
		bus.SetSink(stream)
	}

	// Status reads are cached; transitions publish events, so dropping the
	// keys here keeps a poll from serving a stale status for a full TTL.
	bus.Subscribe(func(ctx context.Context, ev events.Event) {
		if ev.CallID != "" {
			statusCache.Delete(ctx, cache.CallStatusKey(ev.CallID))
		}
		if ev.RecordingID != "" {
			statusCache.Delete(ctx, cache.RecordingStatusKey(ev.RecordingID))
		}
	})

	// Blob storage and the segment sealer.
	blob, err := storage.New(appCtx, cfg)
	if err != nil {
		slog.Error("failed to open blob storage", "error", err)
		os.Exit(1)
	}
	keyring, err := cfg.RecordingKeyring()
	if err != nil {
		slog.Error("failed to parse recording keyring", "error", err)
		os.Exit(1)
	}
	sealer, err := storage.NewSealer(keyring, cfg.ActiveRecordingKey)
	if err != nil {
		slog.Error("failed to build segment sealer", "error", err)
		os.Exit(1)
	}
	if sealer.ActiveKeyRef() == "" {
		slog.Warn("no recording keys configured, segments will be stored unsealed")
	}

	jwtSecret, err := cfg.JWTSecretBytes()
	if err != nil {
		slog.Error("failed to load jwt secret", "error", err)
		os.Exit(1)
	}

	// Participant directory. Without a configured service any non-empty id
	// is accepted.
	dir := session.AllowAll()
	if cfg.DirectoryURL != "" {
		dir = session.NewHTTPDirectory(cfg.DirectoryURL)
	}

	// Signaling hub and the session state machine.
	hub := signaling.NewHub(signals, cfg.SignalingIdleTimeout(), cfg.SignalRetention(), logger)
	mgr := session.NewManager(cfg, sessions, signals, dir, hub, bus, statusCache, logger)
	hub.SetFailHook(mgr.MarkFailed)
	reopenSessions(appCtx, sessions, hub)

	// Access control over recordings, then the recording pipeline.
	accessSvc := access.NewService(recordings, sessions, grants, accessLog, logger)
	pipeline := recording.NewPipeline(cfg, recordings, segments, sessions, accessSvc, blob, sealer, bus, statusCache, logger)
	bus.Subscribe(pipeline.HandleCallEvent)
	if err := pipeline.Recover(appCtx); err != nil {
		slog.Error("failed to recover unfinished recordings", "error", err)
		os.Exit(1)
	}

	// Escalation notification channels.
	var channels []notify.Channel
	if cfg.FCMCredentialsFile != "" {
		fcm, err := notify.NewFCMChannel(appCtx, cfg.FCMCredentialsFile, logger)
		if err != nil {
			slog.Error("failed to initialize fcm channel", "error", err)
			os.Exit(1)
		}
		channels = append(channels, fcm)
	}
	if cfg.WebhookURL != "" {
		channels = append(channels, notify.NewWebhookChannel(cfg.WebhookURL, cfg.WebhookUsername, cfg.WebhookPassword, logger))
	}
	if cfg.SMTPHost != "" {
		roleEmails, err := cfg.RoleEmailMap()
		if err != nil {
			slog.Error("failed to parse role emails", "error", err)
			os.Exit(1)
		}
		channels = append(channels, notify.NewEmailChannel(notify.SMTPConfig{
			Host:     cfg.SMTPHost,
			Port:     cfg.SMTPPort,
			From:     cfg.SMTPFrom,
			Username: cfg.SMTPUsername,
			Password: cfg.SMTPPassword,
			TLS:      "starttls",
		}, roleEmails, logger))
	}
	registry := notify.NewRegistry(channels...)
	slog.Info("notification channels registered", "count", len(channels))

	// Escalation engine and delivery loop.
	engine := escalation.NewEngine(cfg, rules, sessions, escalations, dispatches, mgr, hub, bus, statusCache, logger)
	dispatcher := escalation.NewDispatcher(cfg, dispatches, escalations, rules, registry, bus, logger)

	go engine.Run(appCtx)
	go dispatcher.Run(appCtx)
	go hub.Run(appCtx)

	// Prometheus metrics over a private registry.
	promReg := prometheus.NewRegistry()
	promReg.MustRegister(metrics.NewCollector(sessions, recordings, escalations, dispatches, signals, pipeline, hub, time.Now()))
	metricsHandler := promhttp.HandlerFor(promReg, promhttp.HandlerOpts{})

	// Scheduled maintenance: purge expired recordings and trim signaling
	// rows past their retention window.
	sched := cron.New()
	if _, err := sched.AddFunc("@hourly", func() {
		purged, err := pipeline.SweepExpired(appCtx)
		if err != nil {
			slog.Error("retention sweep failed", "error", err)
			return
		}
		if purged > 0 {
			slog.Info("retention sweep purged recordings", "count", purged)
		}
	}); err != nil {
		slog.Error("failed to schedule retention sweep", "error", err)
		os.Exit(1)
	}
	if _, err := sched.AddFunc("@hourly", func() {
		removed, err := hub.GC(appCtx)
		if err != nil {
			slog.Error("signaling gc failed", "error", err)
			return
		}
		if removed > 0 {
			slog.Info("signaling gc removed rows", "count", removed)
		}
	}); err != nil {
		slog.Error("failed to schedule signaling gc", "error", err)
		os.Exit(1)
	}
	sched.Start()

	// HTTP server using the api package.
	handler := api.NewServer(cfg, jwtSecret, mgr, hub, pipeline, accessSvc, engine, rules, registry, outbox, blob, sealer, metricsHandler, logger)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:           handler,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		// No write timeout: recording downloads stream whole recordings
		// and a fixed deadline would cut long transfers. Websockets clear
		// their deadlines on upgrade either way.
		WriteTimeout: 0,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine.
	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	// Wait for interrupt or server error.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		slog.Info("received shutdown signal", "signal", sig.String())
	case err := <-errCh:
		slog.Error("http server error", "error", err)
	}

	slog.Info("shutting down")

	// Stop taking requests first, then background loops, then flush the
	// recording pipeline so open segments are finalized and uploaded.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("http server shutdown error", "error", err)
	}

	cronCtx := sched.Stop()
	select {
	case <-cronCtx.Done():
	case <-time.After(10 * time.Second):
		slog.Warn("scheduled jobs still running at shutdown deadline")
	}

	appCancel()
	pipeline.Close()
	pipeline.Wait()
	handler.Close()
	if stream != nil {
		stream.Close()
	}

	slog.Info("callbridge stopped")
}

// reopenSessions re-registers non-terminal sessions with the hub after a
// restart so their signaling state is tracked again. Without this a call
// that was live across the restart would never be idle-failed.
func reopenSessions(ctx context.Context, sessions store.SessionRepository, hub *signaling.Hub) {
	open, err := sessions.ListNonTerminal(ctx)
	if err != nil {
		slog.Error("failed to list open sessions", "error", err)
		return
	}
	if len(open) == 0 {
		return
	}

	slog.Info("re-registering open sessions", "count", len(open))
	for i := range open {
		hub.Register(open[i].ID)
	}
}
