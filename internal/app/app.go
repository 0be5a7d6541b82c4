package app

import (
	"context"
	"errors"
	"net/http"
	"opencourse_backend/internal/config"
	"opencourse_backend/internal/controller"
	"opencourse_backend/internal/repository"
	"opencourse_backend/internal/service"
	"opencourse_backend/internal/util"
	"opencourse_backend/pkg/configwatcher"
	"opencourse_backend/pkg/database"
	"opencourse_backend/pkg/events"
	"opencourse_backend/pkg/logger"
	"opencourse_backend/pkg/monitoring"
	"opencourse_backend/pkg/security"
	"opencourse_backend/pkg/tracing"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"github.com/robfig/cron/v3"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const configDir = "configs"

type App struct {
	Config          *config.Config
	Router          *gin.Engine
	DB              *gorm.DB
	Redis           *redis.Client
	services        *services
	configCallbacks []func(*config.Config)

	publisher events.Publisher
	scheduler *cron.Cron
	tracer    *sdktrace.TracerProvider
	stopWatch context.CancelFunc
}

type repositories struct {
	user        *repository.UserRepository
	course      *repository.CourseRepository
	quiz        *repository.QuizRepository
	enrollment  *repository.EnrollmentRepository
	certificate *repository.CertificateRepository
	sequence    repository.SequenceAllocator
}

type services struct {
	auth        *service.AuthService
	storage     *service.StorageService
	enrollment  *service.EnrollmentService
	quiz        *service.QuizService
	certificate *service.CertificateService
	verifier    *service.VerifierService
	reconcile   *service.ReconcileService
}

type controllers struct {
	auth        *controller.AuthController
	enrollment  *controller.EnrollmentController
	quiz        *controller.QuizController
	certificate *controller.CertificateController
	health      *controller.HealthController
}

func (a *App) RegisterConfigCallback(callback func(*config.Config)) {
	a.configCallbacks = append(a.configCallbacks, callback)
}

func (a *App) initRepositories(db *gorm.DB, rdb *redis.Client, cfg *config.Config) *repositories {
	repos := &repositories{
		user:        repository.NewUserRepository(db),
		course:      repository.NewCourseRepository(db),
		quiz:        repository.NewQuizRepository(db),
		enrollment:  repository.NewEnrollmentRepository(db),
		certificate: repository.NewCertificateRepository(db),
	}

	// Validate 已保证选择 redis 时客户端已启用
	switch cfg.Certificate.SequenceBackend {
	case util.SequenceBackendRedis:
		repos.sequence = repository.NewRedisSequence(rdb)
	case util.SequenceBackendDB:
		repos.sequence = repository.NewDBSequence(db)
	}
	logger.Log.Info("Certificate sequence backend", zap.String("backend", cfg.Certificate.SequenceBackend))
	return repos
}

func (a *App) initServices(repos *repositories, cfg *config.Config, db *gorm.DB, rdb *redis.Client) *services {
	s := &services{}

	s.storage = service.NewStorageService(cfg)
	s.auth = service.NewAuthService(repos.user, cfg)
	s.enrollment = service.NewEnrollmentService(db, repos.enrollment, repos.course, a.publisher, service.PolicyFromConfig(cfg.Progress))
	s.quiz = service.NewQuizService(repos.quiz, repos.enrollment, s.enrollment, a.publisher)
	if cfg.Quiz.MaxUntimed > 0 {
		s.quiz.MaxUntimed = cfg.Quiz.MaxUntimed
	}
	s.verifier = service.NewVerifierService(repos.certificate, rdb, cfg.Certificate.VerifyCacheTTL)
	s.certificate = service.NewCertificateService(
		db,
		repos.certificate,
		repos.enrollment,
		repos.course,
		repos.user,
		repos.sequence,
		s.storage,
		s.verifier,
		a.publisher,
		cfg.Certificate.Prefix,
	)
	s.reconcile = service.NewReconcileService(repos.enrollment, repos.certificate, s.enrollment)

	// 进度策略随配置热更新
	a.RegisterConfigCallback(func(newCfg *config.Config) {
		s.enrollment.SetPolicy(service.PolicyFromConfig(newCfg.Progress))
	})

	return s
}

func (a *App) initControllers(s *services, db *gorm.DB, rdb *redis.Client) *controllers {
	return &controllers{
		auth:        controller.NewAuthController(s.auth),
		enrollment:  controller.NewEnrollmentController(s.enrollment),
		quiz:        controller.NewQuizController(s.quiz),
		certificate: controller.NewCertificateController(s.certificate, s.verifier, s.reconcile),
		health:      controller.NewHealthController(db, rdb),
	}
}

func (a *App) setupMiddlewares(router *gin.Engine, cfg *config.Config) {
	router.Use(security.CORS(cfg.CORS.AllowedOrigins))
	router.Use(security.Secure())
	router.Use(security.RateLimiter(cfg.RateLimit.MaxRequests, time.Duration(cfg.RateLimit.WindowMinutes)*time.Minute))

	// 分布式追踪中间件
	if cfg.Tracing.Enabled {
		router.Use(tracing.GinMiddleware())
	}

	router.Use(monitoring.MetricsMiddleware())
}

func (a *App) initPublisher(cfg *config.Config) events.Publisher {
	if !cfg.Events.Enabled {
		return events.NoopPublisher{}
	}
	p, err := events.NewRabbitPublisher(cfg.Events.AMQPURL, cfg.Events.Exchange)
	if err != nil {
		// 事件只用于下游通知，连接失败不影响主流程
		logger.Log.Error("Failed to connect to RabbitMQ, domain events disabled", zap.Error(err))
		return events.NoopPublisher{}
	}
	logger.Log.Info("Domain events enabled", zap.String("exchange", cfg.Events.Exchange))
	return p
}

func (a *App) startBackgroundTasks(s *services) {
	scheduler, err := s.reconcile.Schedule(a.Config.Certificate.ReconcileCron)
	if err != nil {
		logger.Log.Error("Invalid reconcile cron spec, reconciliation disabled",
			zap.String("spec", a.Config.Certificate.ReconcileCron),
			zap.Error(err),
		)
	} else {
		a.scheduler = scheduler
	}

	ctx, cancel := context.WithCancel(context.Background())
	a.stopWatch = cancel
	go func() {
		err := configwatcher.WatchConfig(ctx, configDir, func(newCfg *config.Config) {
			for _, cb := range a.configCallbacks {
				cb(newCfg)
			}
		})
		if err != nil {
			logger.Log.Warn("Config watcher stopped", zap.Error(err))
		}
	}()
}

func NewApp(cfg *config.Config) *App {
	logger.InitLogger(cfg)
	defer logger.Log.Sync()

	logger.Log.Info("Logger initialized successfully")

	db, err := database.InitDB(&cfg.Database)
	if err != nil {
		logger.Log.Fatal("Failed to initialize database", zap.Error(err))
	}

	if cfg.Server.Mode != "release" || cfg.ForceMigrate {
		if err := database.Migrate(db); err != nil {
			logger.Log.Fatal("Failed to migrate database", zap.Error(err))
		}
	}

	app := &App{
		Config: cfg,
		DB:     db,
	}
	if cfg.MigrateOnly {
		return app
	}

	rdb, err := database.InitRedis(&cfg.Redis)
	if err != nil {
		logger.Log.Fatal("Failed to initialize redis", zap.Error(err))
	}
	app.Redis = rdb
	app.publisher = app.initPublisher(cfg)

	repos := app.initRepositories(db, rdb, cfg)
	services := app.initServices(repos, cfg, db, rdb)
	app.services = services
	controllers := app.initControllers(services, db, rdb)

	// 监控初始化
	monitoring.Init()

	if cfg.Server.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.Default()
	app.Router = router

	app.setupMiddlewares(router, cfg)

	if cfg.Tracing.Enabled {
		tp, err := tracing.InitTracer("opencourse-backend", cfg.Tracing.CollectorEndpoint)
		if err != nil {
			logger.Log.Fatal("Failed to initialize tracing", zap.Error(err))
		}
		app.tracer = tp
	}

	app.registerRoutes(router, controllers, cfg)

	if cfg.Storage.Type == util.StorageLocal {
		router.Static("/uploads", cfg.Storage.LocalPath)
	}

	app.startBackgroundTasks(services)

	return app
}

func (a *App) Run() {
	srv := &http.Server{
		Addr:    ":" + a.Config.Server.Port,
		Handler: a.Router,
	}

	// 启动服务器
	go func() {
		logger.Log.Info("Server running", zap.String("port", a.Config.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Log.Fatal("listen failed", zap.Error(err))
		}
	}()

	// 等待中断信号优雅地关闭服务器（设置5秒的超时时间）
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Log.Info("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Log.Error("Server forced to shutdown", zap.Error(err))
	}

	a.Close(ctx)
	logger.Log.Info("Server exiting")
}

// Close 释放后台任务与外部连接
func (a *App) Close(ctx context.Context) {
	if a.stopWatch != nil {
		a.stopWatch()
	}
	if a.scheduler != nil {
		<-a.scheduler.Stop().Done()
	}
	// 放弃未提交的作答会话
	if a.services != nil {
		a.services.quiz.Shutdown()
	}
	if a.publisher != nil {
		a.publisher.Close()
	}
	if a.tracer != nil {
		if err := a.tracer.Shutdown(ctx); err != nil {
			logger.Log.Error("Failed to shutdown tracer provider", zap.Error(err))
		}
	}
	if a.Redis != nil {
		a.Redis.Close()
	}
	if sqlDB, err := a.DB.DB(); err == nil {
		sqlDB.Close()
	}
}
