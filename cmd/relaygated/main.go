package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nsqio/go-nsq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/relaygate/relaygate/internal/audit"
	"github.com/relaygate/relaygate/internal/auth"
	"github.com/relaygate/relaygate/internal/config"
	"github.com/relaygate/relaygate/internal/connector"
	"github.com/relaygate/relaygate/internal/engine"
	"github.com/relaygate/relaygate/internal/governance"
	"github.com/relaygate/relaygate/internal/guardian"
	"github.com/relaygate/relaygate/internal/logging"
	"github.com/relaygate/relaygate/internal/metrics"
	"github.com/relaygate/relaygate/internal/reliability"
	"github.com/relaygate/relaygate/internal/server"
	"github.com/relaygate/relaygate/internal/store"
	"github.com/relaygate/relaygate/internal/store/blob"
	"github.com/relaygate/relaygate/internal/store/memstore"
	"github.com/relaygate/relaygate/internal/store/pgstore"
	"github.com/relaygate/relaygate/internal/tracing"
)

func main() {
	cfg := config.FromEnv()
	ctx := context.Background()

	logger := logging.New("relaygated")

	shutdown, err := tracing.InitTracing(ctx, "relaygated")
	if err != nil {
		logger.Plain().WithError(err).Fatal("Failed to initialize tracing")
	}
	defer shutdown()

	// Record store: Postgres, or embedded memory for dev/test deployments.
	var recordStore store.Store
	var pool *pgxpool.Pool
	if cfg.EmbeddedMode {
		recordStore = memstore.New()
		logger.Plain().Info("embedded mode: using in-memory store")
	} else {
		pool, err = pgstore.Connect(ctx, cfg.DSN())
		if err != nil {
			logger.Plain().WithError(err).Fatal("db connect failed")
		}
		defer pool.Close()
		pg := pgstore.New(pool)
		if err := pg.Migrate(ctx); err != nil {
			logger.Plain().WithError(err).Fatal("db migrate failed")
		}
		recordStore = pg
	}

	// Out-of-line payload blobs.
	var blobs *blob.Store
	if cfg.Blob.InMemory {
		blobs, err = blob.OpenInMemory()
	} else {
		blobs, err = blob.Open(cfg.Blob.Dir)
	}
	if err != nil {
		logger.Plain().WithError(err).Fatal("blob store open failed")
	}
	defer blobs.Close()

	// Audit stream.
	var emitter audit.Emitter = audit.NopEmitter{}
	var auditProducer *nsq.Producer
	if cfg.Engine.PublishAudit {
		auditProducer, err = nsq.NewProducer(cfg.NSQ.NsqdTCPAddr, nsq.NewConfig())
		if err != nil {
			logger.Plain().WithError(err).Fatal("nsq producer creation failed")
		}
		defer auditProducer.Stop()
		emitter = audit.NewNSQEmitter(auditProducer, cfg.NSQ.AuditTopic)
	}

	// Connector registry and transports.
	registry, err := connector.NewRegistry()
	if err != nil {
		logger.Plain().WithError(err).Fatal("registry init failed")
	}
	httpClient := &http.Client{Timeout: 15 * time.Second}
	registry.Register(connector.TypeWebhook, connector.NewWebhookTransport(httpClient))
	registry.Register(connector.TypeChat, connector.NewChatTransport(httpClient))
	registry.Register(connector.TypeTicket, connector.NewTicketTransport(httpClient))
	if queueTransport, err := connector.NewQueueTransportFromAddr(cfg.NSQ.NsqdTCPAddr); err != nil {
		logger.Plain().WithError(err).Warn("queue transport unavailable")
	} else {
		registry.Register(connector.TypeQueue, queueTransport)
	}
	if pool != nil {
		registry.Register(connector.TypeDatabase, connector.NewDatabaseTransport(pool))
	}

	eng := engine.New(engine.Options{
		Store:            recordStore,
		Blobs:            blobs,
		Registry:         registry,
		Audit:            emitter,
		Logger:           logger,
		InitialBackoffMS: cfg.Engine.InitialBackoffMS,
	})
	scorer := reliability.NewScorer(recordStore, nil)
	workflow := governance.NewWorkflow(recordStore, emitter, logger, nil)
	loop := guardian.NewLoop(guardian.Options{
		Store:    recordStore,
		Engine:   eng,
		Scorer:   scorer,
		Audit:    emitter,
		Logger:   logger,
		Interval: cfg.Guardian.TickInterval,
	})

	// Operator auth is optional: no public key means an open surface,
	// intended for embedded/dev deployments only.
	var validator *auth.JWTValidator
	if cfg.Auth.PublicKeyPEM != "" {
		validator, err = auth.NewJWTValidator(cfg.Auth.PublicKeyPEM, cfg.Auth.Issuer, cfg.Auth.Audience)
		if err != nil {
			logger.Plain().WithError(err).Fatal("jwt validator init failed")
		}
	}

	apiSrv := &http.Server{
		Addr: cfg.HTTPPort,
		Handler: server.New(server.Options{
			Engine:     eng,
			Store:      recordStore,
			Scorer:     scorer,
			Guardian:   loop,
			Governance: workflow,
			Validator:  validator,
			Pool:       pool,
			Logger:     logger,
		}),
	}
	go func() {
		logger.Plain().WithField("addr", apiSrv.Addr).Info("api server starting")
		if err := apiSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Plain().WithError(err).Fatal("api server failed")
		}
	}()

	// Prom metrics on a separate port.
	reg := prometheus.NewRegistry()
	metrics.MustRegister(reg)
	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	metricsSrv := &http.Server{Addr: cfg.MetricsPort, Handler: metricsMux}
	go func() {
		logger.Plain().WithField("addr", metricsSrv.Addr).Info("metrics server starting")
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Plain().WithError(err).Fatal("metrics server failed")
		}
	}()

	guardianCtx, cancelGuardian := context.WithCancel(ctx)
	go loop.Run(guardianCtx)

	logger.Plain().Info("relaygated started")

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGTERM, syscall.SIGINT)
	<-stop

	logger.Plain().Info("Shutting down relaygated")
	cancelGuardian()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = apiSrv.Shutdown(shutdownCtx)
	_ = metricsSrv.Shutdown(shutdownCtx)
	logger.Plain().Info("relaygated stopped")
}
