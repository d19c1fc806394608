package app

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/fasthttp/router"
	kitprometheus "github.com/go-kit/kit/metrics/prometheus"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"

	"github.com/DannyLioue/nutricoach-pro-sub001/internal/ai"
	"github.com/DannyLioue/nutricoach-pro-sub001/internal/config"
	"github.com/DannyLioue/nutricoach-pro-sub001/internal/handlers"
	"github.com/DannyLioue/nutricoach-pro-sub001/internal/lifecycle"
	"github.com/DannyLioue/nutricoach-pro-sub001/internal/logger"
	"github.com/DannyLioue/nutricoach-pro-sub001/internal/notify"
	"github.com/DannyLioue/nutricoach-pro-sub001/internal/pipeline/weeklysummary"
	"github.com/DannyLioue/nutricoach-pro-sub001/internal/progress"
	"github.com/DannyLioue/nutricoach-pro-sub001/internal/repository/taskstore"
	"github.com/DannyLioue/nutricoach-pro-sub001/internal/runner"
	"github.com/DannyLioue/nutricoach-pro-sub001/internal/service/tasks"
	"github.com/DannyLioue/nutricoach-pro-sub001/internal/sweeper"
)

var (
	methodErrorDB = []string{"method", "error"}
)

type App struct {
	cfg *config.Config
}

func New(cfg *config.Config) App {
	return App{cfg: cfg}
}

func (app *App) Run() {
	ctx, cancelProcesses := context.WithCancel(context.Background())
	defer cancelProcesses()

	logger.Init()

	db := app.initDB(ctx)
	defer db.Close()

	dbReqCount := kitprometheus.NewCounterFrom(
		prometheus.CounterOpts{
			Namespace: app.cfg.Metrics.Namespace,
			Subsystem: app.cfg.Metrics.Subsystem,
			Name:      "db_request_count",
			Help:      "db request count",
		}, methodErrorDB,
	)
	dbReqDuration := kitprometheus.NewSummaryFrom(
		prometheus.SummaryOpts{
			Namespace: app.cfg.Metrics.Namespace,
			Subsystem: app.cfg.Metrics.Subsystem,
			Name:      "db_request_duration",
			Help:      "db request duration",
		},
		methodErrorDB,
	)

	store := taskstore.NewRepository(db)
	store = taskstore.NewInstrumentingMiddleware(dbReqCount, dbReqDuration, store)

	lc := lifecycle.New(store, app.cfg.Engine.StaleThreshold)
	hub := progress.NewHub(app.cfg.Engine.SubscriberBuffer)

	var notifier runner.TerminalNotifier
	if app.cfg.NATS.URL != "" {
		nc, err := nats.Connect(app.cfg.NATS.URL)
		if err != nil {
			log.WithError(err).Fatal("Failed to connect to NATS")
		}
		defer nc.Close()
		notifier = notify.NewNATSNotifier(nc, app.cfg.NATS.Subject)
	}

	aiClient := ai.NewHTTPClient(ai.Config{
		BaseURL: app.cfg.AI.BaseURL,
		APIKey:  app.cfg.AI.APIKey,
		Model:   app.cfg.AI.Model,
		Timeout: app.cfg.AI.Timeout,
	})

	stepRunner := runner.New(lc, hub, notifier, runner.Config{
		MaxConcurrentRuns: app.cfg.Engine.MaxConcurrentRuns,
	})
	stepRunner.RegisterPipelines(
		weeklysummary.New(aiClient, runner.DefaultRetryConfig()).Pipeline(),
	)

	svc := tasks.NewService(lc, stepRunner, hub, notifier)

	go sweeper.New(store, lc, hub, notifier, sweeper.Config{
		Interval:        app.cfg.Engine.SweepInterval,
		StaleThreshold:  app.cfg.Engine.StaleThreshold,
		RetentionPeriod: app.cfg.Engine.RetentionPeriod,
	}).Start(ctx)

	apiRouter := router.New()
	handlers.NewAPI(svc).Register(apiRouter)
	apiServer := &fasthttp.Server{
		Handler:            apiRouter.Handler,
		MaxRequestBodySize: app.cfg.System.ReadBufferSize,
		ReadTimeout:        app.cfg.System.ReadTimeout,
		ReadBufferSize:     app.cfg.System.ReadBufferSize,
	}

	go func() {
		log.WithFields(log.Fields{
			"port": app.cfg.System.Port,
		}).Info("starting api server")
		if err := apiServer.ListenAndServe(":" + app.cfg.System.Port); err != nil {
			log.WithError(err).Error("api server run failure")
			return
		}
	}()

	metricsRouter := router.New()
	metricsRouter.GET("/metrics", fasthttpadaptor.NewFastHTTPHandler(promhttp.Handler()))
	metricsServer := &fasthttp.Server{
		Handler:            metricsRouter.Handler,
		MaxRequestBodySize: app.cfg.System.ReadBufferSize,
		ReadTimeout:        app.cfg.System.ReadTimeout,
		ReadBufferSize:     app.cfg.System.ReadBufferSize,
	}

	go func() {
		log.WithFields(log.Fields{
			"port": app.cfg.Metrics.Port,
		}).Info("starting metrics server")
		if err := metricsServer.ListenAndServe(":" + app.cfg.Metrics.Port); err != nil {
			log.WithError(err).Error("metrics server run failure")
			return
		}
	}()

	c := make(chan os.Signal, 1)
	signal.Notify(c, syscall.SIGTERM, syscall.SIGINT)

	defer func(sig os.Signal) {
		log.WithFields(log.Fields{
			"signal": sig.String(),
		}).Info("received signal, exiting")

		_ = apiServer.Shutdown()
		_ = metricsServer.Shutdown()
		log.Info("goodbye")
	}(<-c)
}

func (app *App) initDB(ctx context.Context) *pgxpool.Pool {
	dsn := fmt.Sprintf("postgres://%s:%s@%s/%s?sslmode=disable",
		app.cfg.DB.UserName, app.cfg.DB.Password, app.cfg.DB.Address(), app.cfg.DB.DataBase)

	dbpool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		log.Fatalf("Unable to create connection pool: %v\n", err)
	}

	if err = taskstore.EnsureSchema(ctx, dbpool); err != nil {
		log.Fatalf("Unable to ensure task schema: %v\n", err)
	}

	return dbpool
}
