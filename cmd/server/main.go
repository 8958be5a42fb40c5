// Command server runs FireSentinel Core: the device-facing TCP session
// listener, the stream-evaluation and alarm pipeline, and the operator
// HTTP surface, all in one process.
package main

import (
	"context"
	"database/sql"
	"encoding/base64"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/firesentinel/core/internal/alarms"
	"github.com/firesentinel/core/internal/audit"
	"github.com/firesentinel/core/internal/config"
	"github.com/firesentinel/core/internal/crypto"
	"github.com/firesentinel/core/internal/dedup"
	"github.com/firesentinel/core/internal/devices"
	"github.com/firesentinel/core/internal/distributor"
	"github.com/firesentinel/core/internal/evaluator"
	"github.com/firesentinel/core/internal/history"
	"github.com/firesentinel/core/internal/ids"
	"github.com/firesentinel/core/internal/metrics"
	"github.com/firesentinel/core/internal/middleware"
	"github.com/firesentinel/core/internal/opshttp"
	"github.com/firesentinel/core/internal/platform/paths"
	"github.com/firesentinel/core/internal/prefilter"
	"github.com/firesentinel/core/internal/queue"
	"github.com/firesentinel/core/internal/ratelimit"
	"github.com/firesentinel/core/internal/rules"
	"github.com/firesentinel/core/internal/session"
	"github.com/firesentinel/core/internal/suppression"
	"github.com/firesentinel/core/internal/sync"
	"github.com/firesentinel/core/internal/tokens"
	"github.com/firesentinel/core/internal/ws"
)

const serviceName = "firesentinel-core"

func main() {
	log := logrus.NewEntry(logrus.New())
	log.Logger.SetFormatter(&logrus.JSONFormatter{})

	if err := paths.EnsureDirs(); err != nil {
		log.WithError(err).Fatal("failed to prepare data directories")
	}

	configPath := paths.ResolveConfigPath(os.Getenv("FIRESENTINEL_CONFIG"))
	cfgWatcher, err := config.NewWatcher(configPath, log)
	if err != nil {
		log.WithError(err).Fatal("failed to load configuration")
	}
	defer cfgWatcher.Close()
	cfg := cfgWatcher.Current()

	m := metrics.NewCollector()
	ctx := context.Background()

	db := mustOpenPostgres(log)
	defer db.Close()

	redisAddr := envOr("REDIS_ADDR", "localhost:6379")
	rdb := redis.NewClient(&redis.Options{Addr: redisAddr})
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.WithError(err).Fatal("failed to connect to redis")
	}

	natsURL := envOr("NATS_URL", nats.DefaultURL)
	nc, err := nats.Connect(natsURL, nats.Name(serviceName))
	if err != nil {
		log.WithError(err).Fatal("failed to connect to nats")
	}
	defer nc.Close()

	q, err := queue.New(nc, cfg.Queue.Partitions, cfg.Queue.PublishMaxAttempts,
		time.Duration(cfg.Queue.PublishBackoffMilliseconds)*time.Millisecond)
	if err != nil {
		log.WithError(err).Fatal("failed to initialize queue")
	}
	if err := q.EnsureStream(ctx, queue.TopicSensorData); err != nil {
		log.WithError(err).Fatal("failed to ensure sensor-data stream")
	}
	if err := q.EnsureStream(ctx, queue.TopicAlarmEvents); err != nil {
		log.WithError(err).Fatal("failed to ensure alarm-events stream")
	}

	allocator, err := ids.NewAllocator(cfg.ID.NodeID)
	if err != nil {
		log.WithError(err).Fatal("failed to initialize id allocator")
	}

	tokenMgr := tokens.NewManager(rdb,
		time.Duration(cfg.Token.AccessTTLSeconds)*time.Second,
		time.Duration(cfg.Token.RefreshTTLSeconds)*time.Second,
	)
	deviceRegistry := devices.Registry{DB: db}

	auditSpoolDir := envOr("FIRESENTINEL_AUDIT_SPOOL", fmt.Sprintf("%s/audit_spool", paths.ResolveDataRoot()))
	if err := audit.ConfigureSpool(auditSpoolDir); err != nil {
		log.WithError(err).Fatal("failed to configure audit spool")
	}
	auditService := audit.NewService(db)
	auditCtx, cancelAudit := context.WithCancel(context.Background())
	defer cancelAudit()
	auditService.StartReplayer(auditCtx, time.Minute, log)

	ruleStore := rules.NewStore(db, rdb, nc)
	eval := evaluator.New(rdb, log)
	if err := eval.RefreshSnapshot(ctx); err != nil {
		log.WithError(err).Warn("initial rule snapshot load failed, starting with an empty snapshot")
	}
	changeSub, err := eval.WatchChanges(ctx, nc)
	if err != nil {
		log.WithError(err).Fatal("failed to subscribe to rule changes")
	}
	defer changeSub.Unsubscribe()

	deduper := dedup.New(rdb, time.Duration(cfg.Dedup.WindowSeconds)*time.Second, log)
	deviceStatus := func(ctx context.Context, deviceID string) (bool, error) {
		d, err := deviceRegistry.GetByID(ctx, deviceID)
		if err == devices.ErrNotFound {
			return false, nil
		}
		if err != nil {
			return false, err
		}
		return d.Enabled, nil
	}
	suppressor := suppression.NewController(rdb, deviceStatus, time.Duration(cfg.Suppression.AutoExpireSeconds)*time.Second)

	historyStore := history.New(rdb, time.Duration(cfg.History.RetentionDays)*24*time.Hour, cfg.History.InMemoryFallbackSize, log)
	hub := ws.NewHub(log)
	hubDone := make(chan struct{})
	go hub.Run(hubDone)
	defer close(hubDone)

	syncService := sync.New(historyStore, hub, cfg.Sync.MaxEventsPerSnapshot, time.Duration(cfg.Sync.SnapshotIntervalSeconds)*time.Second)
	syncCtx, cancelSync := context.WithCancel(context.Background())
	defer cancelSync()
	go syncService.BroadcastSnapshot(syncCtx, time.Duration(cfg.Sync.BroadcastIntervalSeconds)*time.Second)

	sinks := []distributor.Sink{
		distributor.NewHistorySink(historyStore),
		distributor.NewWebsocketSink(hub),
		distributor.NewPubSubSink(nc),
		syncService,
	}
	if sink := buildWebhookSink(log); sink != nil {
		sinks = append(sinks, sink)
	}

	dist := distributor.New(distributor.Config{
		RetryMaxAttempts:    cfg.Distributor.RetryMaxAttempts,
		RetryBaseDelay:      time.Duration(cfg.Distributor.RetryBackoffMillis) * time.Millisecond,
		CircuitFailureRate:  cfg.Distributor.CircuitFailureRate,
		CircuitCooldown:     time.Duration(cfg.Distributor.CircuitCooldownMs) * time.Millisecond,
		BulkheadConcurrency: cfg.Distributor.BulkheadConcurrency,
		Timeout:             time.Duration(cfg.Distributor.TimeoutMillis) * time.Millisecond,
	}, m, sinks...)

	alarmProducer := alarms.NewProducer(allocator, q)
	alarmConsumer := alarms.NewConsumer(suppressor, dist)

	filter := prefilter.NewFilter(prefilter.Thresholds{
		TemperatureDelta: cfg.Prefilter.TemperatureThreshold,
		HumidityDelta:    cfg.Prefilter.HumidityThreshold,
		SmokeFloor:       cfg.Prefilter.SmokeFloor,
		COFloor:          cfg.Prefilter.COFloor,
	})

	onData := func(msg *prefilter.DataMessage) {
		m.ReadingsIngested.WithLabelValues("all").Inc()

		result := filter.Apply(msg)
		if !result.Forward {
			m.ReadingsFiltered.WithLabelValues(result.Reason).Inc()
			return
		}

		if err := q.Publish(ctx, queue.TopicSensorData, msg.DeviceID, msg); err != nil {
			log.WithError(err).WithField("device_id", msg.DeviceID).Error("failed to publish sensor reading")
			return
		}

		for _, c := range eval.Evaluate(msg) {
			if !deduper.IsNew(ctx, c.Fingerprint) {
				m.DedupSuppressed.Inc()
				continue
			}
			ev, err := alarmProducer.Emit(ctx, c, msg.Metadata)
			if err != nil {
				log.WithError(err).Error("failed to emit alarm")
				continue
			}
			m.AlarmsRaised.WithLabelValues(ev.Severity).Inc()
		}
	}

	sessionMgr := session.NewManager(tokenMgr, nc,
		time.Duration(cfg.Session.IdleSeconds)*time.Second, cfg.Session.MaxPendingWrite,
		onData, log, m,
	)
	authLimiter := ratelimit.NewLimiter(rdb, envOr("FIRESENTINEL_RATE_LIMIT_SALT", "change-me-in-prod"))
	sessionMgr.SetAuthLimiter(authLimiter, ratelimit.LimitConfig{
		Rate:   cfg.AuthRateLimit.MaxAttempts,
		Window: time.Duration(cfg.AuthRateLimit.WindowSeconds) * time.Second,
	})

	tcpAddr := envOr("FIRESENTINEL_TCP_ADDR", ":9443")
	ln, err := net.Listen("tcp", tcpAddr)
	if err != nil {
		log.WithError(err).Fatal("failed to listen for device sessions")
	}

	sessionCtx, cancelSessions := context.WithCancel(context.Background())
	go func() {
		if err := sessionMgr.Serve(sessionCtx, ln); err != nil {
			log.WithError(err).Error("session listener stopped")
		}
	}()

	alarmsCtx, cancelAlarms := context.WithCancel(context.Background())
	go runAlarmConsumer(alarmsCtx, q, alarmConsumer, cfg.Queue.Partitions, log)

	sweepCtx, cancelSweep := context.WithCancel(context.Background())
	go runHistorySweeper(sweepCtx, historyStore, time.Duration(cfg.History.SweepIntervalMinutes)*time.Minute, log)

	opsSrv := &opshttp.Server{
		Devices: deviceRegistry,
		Rules:   ruleStore,
		Audit:   auditService,
		Alarms:  alarmConsumer,
		History: historyStore,
		Log:     log,
	}
	router := opsSrv.Router()
	router.Use(middleware.CORS)
	router.Get("/healthz", healthzHandler(db, rdb))
	router.Handle("/metrics", m.Handler())
	router.Get("/ws", func(w http.ResponseWriter, r *http.Request) { hub.ServeWS(w, r) })

	httpAddr := envOr("FIRESENTINEL_HTTP_ADDR", ":8080")
	httpServer := &http.Server{
		Addr:    httpAddr,
		Handler: middleware.RequestLogger(log)(router),
	}
	go func() {
		log.WithField("addr", httpAddr).Info("ops http surface listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Fatal("ops http server failed")
		}
	}()

	log.WithField("addr", tcpAddr).Info("device session listener ready")

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig
	log.Info("shutdown signal received")

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()

	cancelSessions()
	ln.Close()
	cancelAlarms()
	cancelSweep()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("ops http server shutdown error")
	}
	log.Info("shutdown complete")
}

func mustOpenPostgres(log *logrus.Entry) *sql.DB {
	host := envOr("DB_HOST", "localhost")
	port := envOr("DB_PORT", "5432")
	user := os.Getenv("DB_USER")
	password := os.Getenv("DB_PASSWORD")
	dbname := envOr("DB_NAME", "firesentinel")
	sslmode := envOr("DB_SSLMODE", "disable")

	connStr := fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", user, password, host, port, dbname, sslmode)
	db, err := sql.Open("postgres", connStr)
	if err != nil {
		log.WithError(err).Fatal("failed to open database connection")
	}
	if err := db.Ping(); err != nil {
		log.WithError(err).Fatal("failed to ping database")
	}
	return db
}

// buildWebhookSink wires the optional incident-management webhook sink. It
// stays disabled (returns nil) unless a destination and a fully-specified
// wrapped bearer-token credential are present; a half-configured webhook is
// treated as disabled rather than failing startup.
func buildWebhookSink(log *logrus.Entry) *distributor.WebhookSink {
	url := os.Getenv("FIRESENTINEL_WEBHOOK_URL")
	if url == "" {
		return nil
	}

	keyring := crypto.NewKeyring()
	if err := keyring.LoadFromEnv(); err != nil {
		log.WithError(err).Warn("webhook sink disabled: keyring unavailable")
		return nil
	}

	kid := os.Getenv("FIRESENTINEL_WEBHOOK_TOKEN_KID")
	nonce, err1 := decodeEnvB64("FIRESENTINEL_WEBHOOK_TOKEN_NONCE")
	ciphertext, err2 := decodeEnvB64("FIRESENTINEL_WEBHOOK_TOKEN_CIPHERTEXT")
	tag, err3 := decodeEnvB64("FIRESENTINEL_WEBHOOK_TOKEN_TAG")
	if kid == "" || err1 != nil || err2 != nil || err3 != nil {
		log.Warn("webhook sink disabled: incomplete wrapped bearer token")
		return nil
	}

	token := distributor.WebhookToken{KID: kid, Nonce: nonce, Ciphertext: ciphertext, Tag: tag}
	return distributor.NewWebhookSink(&http.Client{Timeout: 5 * time.Second}, url, keyring, token)
}

func runAlarmConsumer(ctx context.Context, q *queue.Queue, consumer *alarms.Consumer, partitions int, log *logrus.Entry) {
	for p := 0; p < partitions; p++ {
		partition, err := q.NewConsumer(ctx, queue.TopicAlarmEvents, p, queue.GroupNormal)
		if err != nil {
			log.WithError(err).WithField("partition", p).Error("failed to attach alarm consumer")
			continue
		}
		go pullLoop(ctx, partition, consumer, log)
	}
}

func pullLoop(ctx context.Context, c *queue.Consumer, consumer *alarms.Consumer, log *logrus.Entry) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		msgs, err := c.Fetch(ctx, 50, 2*time.Second)
		if err != nil {
			continue
		}
		for _, msg := range msgs {
			if err := consumer.Handle(ctx, msg.Data); err != nil {
				log.WithError(err).Error("failed to handle alarm event")
				msg.Nak()
				continue
			}
			msg.Ack()
		}
	}
}

func runHistorySweeper(ctx context.Context, store *history.Store, interval time.Duration, log *logrus.Entry) {
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := store.Sweep(ctx); err != nil {
				log.WithError(err).Warn("history sweep failed")
			}
		}
	}
}

func healthzHandler(db *sql.DB, rdb *redis.Client) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if err := db.PingContext(ctx); err != nil {
			http.Error(w, "database unavailable", http.StatusServiceUnavailable)
			return
		}
		if err := rdb.Ping(ctx).Err(); err != nil {
			http.Error(w, "redis unavailable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func decodeEnvB64(key string) ([]byte, error) {
	v := os.Getenv(key)
	if v == "" {
		return nil, fmt.Errorf("%s not set", key)
	}
	return base64.StdEncoding.DecodeString(v)
}
