package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	_ "time/tzdata"

	"github.com/gin-gonic/gin"
	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"booking-scheduler/internal/app"
	"booking-scheduler/internal/availability"
	"booking-scheduler/internal/booking"
	"booking-scheduler/internal/calendar"
	"booking-scheduler/internal/config"
	"booking-scheduler/internal/notify"
	"booking-scheduler/internal/observability/metrics"
	"booking-scheduler/internal/payments"
	"booking-scheduler/internal/server"
	"booking-scheduler/internal/store"
	"booking-scheduler/internal/tasks"
	"booking-scheduler/pkg/logging"
)

// backend is everything the components below need from persistence. Both store.Postgres
// and store.Memory satisfy it.
type backend interface {
	app.Store
	booking.Store
	availability.Store
	calendar.TokenStore
	calendar.SyncStore
	payments.RefundStore
	tasks.BookingStore
	notify.BookingStore
}

func main() {
	cfg := config.Load()
	logger := logging.New(cfg.LogLevel).With("service", "booking-scheduler", "env", cfg.Env)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var st backend
	switch cfg.StoreDriver {
	case "memory":
		logger.Warn("using in-memory store; data is lost on exit")
		st = store.NewMemory()
	default:
		if cfg.DatabaseURL == "" {
			fatal(logger, "DATABASE_URL required", nil)
		}
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			fatal(logger, "failed to connect to db", err)
		}
		defer pool.Close()
		if err := pool.Ping(ctx); err != nil {
			fatal(logger, "database unreachable", err)
		}
		st = store.NewPostgres(pool)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.NewSchedulingMetrics(reg)

	policy := cfg.Scheduling

	// external calendars
	googleOAuth := calendar.NewGoogleOAuthConfig(cfg.GoogleClientID, cfg.GoogleClientSecret, cfg.GoogleRedirectURL)
	calendars := calendar.NewRegistry(st, logger)
	if policy.EnableGoogleCalendar && googleOAuth != nil {
		calendars.Register(calendar.Google, calendar.GoogleFactory(googleOAuth))
	}
	if policy.EnableOutlookCalendar {
		outlookOAuth := calendar.NewOutlookOAuthConfig(cfg.MicrosoftClientID, cfg.MicrosoftClientSecret,
			cfg.MicrosoftTenant, cfg.PublicURL+"/oauth2callback")
		if outlookOAuth != nil {
			calendars.Register(calendar.Outlook, calendar.OutlookFactory(outlookOAuth, ""))
		}
	}

	// payments
	processors := payments.NewRegistry()
	processors.Register(payments.Manual, payments.ManualAdapter{})
	if cfg.StripeSecretKey != "" || cfg.StripeDryRun {
		processors.Register(payments.Stripe, payments.NewStripeAdapter(cfg.StripeSecretKey, logger).WithDryRun(cfg.StripeDryRun))
	}
	if cfg.CulqiSecretKey != "" {
		processors.Register(payments.Culqi, payments.NewCulqiAdapter(cfg.CulqiSecretKey, logger))
	}
	refunder := payments.NewRefunder(processors, st, logger, m)

	// notifications
	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		logger.Warn("redis unreachable, email dedupe disabled", "addr", cfg.RedisAddr, "error", err)
		rdb = nil
	}
	var sender notify.EmailSender = notify.NewStubEmailSender(logger)
	if sg := notify.NewSendGridSender(notify.SendGridConfig{
		APIKey:    cfg.SendGridAPIKey,
		FromEmail: cfg.SendGridFromEmail,
		FromName:  cfg.SendGridFromName,
	}, logger); sg != nil {
		sender = sg
	}
	dispatcher := notify.NewDispatcher(st, sender, rdb, cfg.PublicURL, logger)

	// side effects
	handler := tasks.NewHandler(st, dispatcher, calendar.NewSyncer(calendars, st, logger, m), refunder, logger, m).
		WithTimeout(policy.TaskTimeout)
	var (
		outbox booking.Outbox
		wait   func()
	)
	if cfg.UseMemoryQueue || rdb == nil {
		q := tasks.NewMemoryQueue(handler, 256, cfg.WorkerCount, policy.TaskMaxRetry, logger).WithMetrics(m)
		q.Start(ctx)
		outbox, wait = q, q.Wait
	} else {
		redisOpt := asynq.RedisClientOpt{Addr: cfg.RedisAddr, Password: cfg.RedisPassword}
		client := asynq.NewClient(redisOpt)
		defer client.Close()
		srv := tasks.NewServer(redisOpt, cfg.WorkerCount, logger)
		if err := srv.Start(tasks.NewServeMux(handler)); err != nil {
			fatal(logger, "failed to start task worker", err)
		}
		outbox, wait = tasks.NewAsynqOutbox(client, policy.TaskMaxRetry, logger), srv.Shutdown
	}

	checker := availability.NewChecker(st, policy, logger, m).WithCalendars(calendars)
	service := booking.NewService(st, checker, processors, outbox, policy, logger, m)

	stateSecret := []byte(cfg.JWTSecret)
	if len(stateSecret) == 0 {
		random, err := gonanoid.New(32)
		if err != nil {
			fatal(logger, "failed to generate oauth state secret", err)
		}
		stateSecret = []byte(random)
	}

	if cfg.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery(), server.RequestLogger(logger))
	router.GET("/healthz", func(c *gin.Context) { c.JSON(200, gin.H{"status": "ok"}) })
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(reg, promhttp.HandlerOpts{})))

	appInstance := &app.App{
		Store:       st,
		Slots:       checker,
		Bookings:    service,
		Policy:      policy,
		Logger:      logger,
		GoogleOAuth: googleOAuth,
		StateSecret: stateSecret,
	}
	appInstance.Routes(router, app.AuthMiddleware(cfg.JWTSecret, cfg.StaticTokens))

	if err := server.Run(ctx, ":"+cfg.Port, otelhttp.NewHandler(router, "booking-scheduler"), logger); err != nil {
		logger.Error("http server stopped", "error", err)
	}
	stop()
	wait()
	logger.Info("shutdown complete")
}

func fatal(logger *logging.Logger, msg string, err error) {
	if err != nil {
		logger.Error(msg, "error", err)
	} else {
		logger.Error(msg)
	}
	os.Exit(1)
}
