// Package app wires the modules into a running server. Construction is
// explicit; every dependency is built here and handed down.
package app

import (
	"context"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/stylemirror/server/internal/adapter/storage"
	"github.com/stylemirror/server/internal/module/abuse"
	"github.com/stylemirror/server/internal/module/credit"
	"github.com/stylemirror/server/internal/module/generation"
	"github.com/stylemirror/server/internal/module/ratelimit"
	"github.com/stylemirror/server/internal/module/resultcache"
	"github.com/stylemirror/server/internal/module/signature"
	"github.com/stylemirror/server/internal/shared/cache"
	"github.com/stylemirror/server/internal/shared/config"
	"github.com/stylemirror/server/internal/shared/database"
	"github.com/stylemirror/server/internal/shared/metrics"
	"github.com/stylemirror/server/internal/shared/middleware"
)

// App is the assembled application.
type App struct {
	cfg    *config.Config
	log    *zap.Logger
	db     *gorm.DB
	redis  *redis.Client
	router *gin.Engine

	recorder    *generation.Recorder
	sweepCancel context.CancelFunc
}

// New builds the application from configuration.
func New(cfg *config.Config, log *zap.Logger) (*App, error) {
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	db, err := database.New(&cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	if err := db.AutoMigrate(
		&credit.Account{},
		&credit.UsageLogEntry{},
		&abuse.Record{},
		&abuse.Block{},
		&resultcache.Entry{},
	); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}

	// The rate limit counter is redis-backed when redis is configured,
	// so multiple instances share one window. Without redis the counters
	// are process-local, which matches single-instance deployments.
	var (
		redisClient *redis.Client
		counter     ratelimit.Counter
	)
	if cfg.Redis.Address != "" {
		redisClient, err = cache.NewRedisClient(&cfg.Redis)
		if err != nil {
			return nil, fmt.Errorf("connect redis: %w", err)
		}
		counter = ratelimit.NewRedisCounter(redisClient)
	} else {
		log.Warn("redis not configured, rate limit counters are process-local")
		counter = ratelimit.NewMemoryCounter()
	}

	store, err := storage.NewS3Store(&cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("storage: %w", err)
	}

	m := metrics.New("stylemirror")

	ledger := credit.NewService(
		credit.NewRepository(db),
		credit.CostTable{
			TryOn:   cfg.Credits.CostTryOn,
			Video:   cfg.Credits.CostVideo,
			Model3D: cfg.Credits.CostModel3D,
		},
		credit.Allotments{
			Free: cfg.Credits.FreeAllotment,
			Paid: cfg.Credits.PaidAllotment,
		},
		log.Named("credit"))

	limiter := ratelimit.NewLimiter(counter, &cfg.RateLimit, log.Named("ratelimit"))
	detector := abuse.NewDetector(abuse.NewRepository(db), &cfg.Abuse, log.Named("abuse"))
	verifier := signature.NewVerifier(&cfg.Signature, log.Named("signature"))

	cacheSvc := resultcache.NewService(resultcache.NewRepository(db), store, &cfg.Cache, log.Named("resultcache"))

	provider := generation.NewBreakerProvider(
		generation.NewHTTPProvider(&cfg.Provider),
		&cfg.Provider,
		log.Named("provider"))
	registry := generation.NewRegistry()
	registry.Register(credit.ActionTryOn, provider)
	registry.Register(credit.ActionVideo, provider)
	registry.Register(credit.ActionModel3D, provider)

	poller := generation.NewPoller(cfg.Provider.PollInterval, cfg.Provider.MaxPollAttempts, log.Named("poller"))
	recorder := generation.NewRecorder(ledger, log.Named("recorder"), 1000)

	orchestrator := generation.NewService(
		ledger, limiter, detector, verifier, cacheSvc, store,
		registry, poller, recorder, m, log.Named("generation"))

	sweepCtx, sweepCancel := context.WithCancel(context.Background())
	go cacheSvc.RunSweeper(sweepCtx)

	app := &App{
		cfg:         cfg,
		log:         log,
		db:          db,
		redis:       redisClient,
		recorder:    recorder,
		sweepCancel: sweepCancel,
	}
	app.router = app.buildRouter(m, ledger, orchestrator)
	return app, nil
}

func (a *App) buildRouter(m *metrics.Metrics, ledger *credit.Service, orchestrator *generation.Service) *gin.Engine {
	r := gin.New()
	r.Use(middleware.Recovery(a.log))
	r.Use(middleware.RequestID())
	r.Use(middleware.Logging(a.log))
	r.Use(middleware.Metrics(m))
	r.Use(middleware.CORS(nil))

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	validator := middleware.NewSessionValidator(a.cfg.Auth.JWTSecret)
	api := r.Group("/api/v1")
	api.Use(middleware.RequireAuth(validator))

	credit.NewHandler(ledger, a.log.Named("credit")).RegisterRoutes(api)
	generation.NewHandler(orchestrator, ledger, a.cfg.IsProduction(), a.log.Named("generation")).RegisterRoutes(api)

	return r
}

// Router returns the HTTP handler.
func (a *App) Router() http.Handler {
	return a.router
}

// Stop shuts down background components and closes connections.
func (a *App) Stop() {
	a.sweepCancel()
	a.recorder.Close()

	if a.redis != nil {
		if err := cache.Close(a.redis); err != nil {
			a.log.Warn("close redis", zap.Error(err))
		}
	}
	if err := database.Close(a.db); err != nil {
		a.log.Warn("close database", zap.Error(err))
	}
}
