package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/xela07ax/saferun-engine/internal/detector"
	"github.com/xela07ax/saferun-engine/internal/engine"
	"github.com/xela07ax/saferun-engine/internal/infra"
	"github.com/xela07ax/saferun-engine/internal/infra/auth"
	"github.com/xela07ax/saferun-engine/internal/isolation"
	"github.com/xela07ax/saferun-engine/internal/report"
	"github.com/xela07ax/saferun-engine/internal/repository/postgres"
	"github.com/xela07ax/saferun-engine/internal/server"
	"github.com/xela07ax/saferun-engine/internal/service"
)

func main() {
	// 1. Конфигурация и логгер
	cfg, err := infra.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	logger, err := infra.NewLogger(cfg.Logger)
	if err != nil {
		log.Fatalf("Failed to init logger: %v", err)
	}
	defer logger.Sync()

	// Контекст для управления жизненным циклом фоновых горутин.
	// SIGTERM через cancel() остановит слушателей.
	appCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 2. Инфраструктура и ресурсы
	// Redis опционален: без него движок работает в локальном режиме
	// (без кэша вердиктов и распределенных отмен/блэклиста)
	var rdb *redis.Client
	if cfg.Redis.Addr != "" {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		pingCtx, pingCancel := context.WithTimeout(appCtx, 5*time.Second)
		if err := rdb.Ping(pingCtx).Err(); err != nil {
			logger.Warn("redis unreachable, running in local mode", zap.Error(err))
			rdb = nil
		}
		pingCancel()
	}

	// Postgres опционален: пустой URL отключает архив отчетов
	var repo *postgres.ReportRepo
	if cfg.Database.URL != "" {
		repo, err = postgres.NewReportRepo(cfg.Database.URL)
		if err != nil {
			logger.Fatal("failed to init report repo", zap.Error(err))
		}
		pingCtx, pingCancel := context.WithTimeout(appCtx, 5*time.Second)
		if err := repo.Ping(pingCtx); err != nil {
			logger.Fatal("database unreachable", zap.Error(err))
		}
		pingCancel()
		defer repo.Close()
	}

	// 3. Метрики
	reg := prometheus.NewRegistry()
	metrics := engine.NewMetrics(reg)

	// Экспортируем метрики для Prometheus
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		addr := fmt.Sprintf(":%d", cfg.Server.MetricsPort)
		logger.Info("metrics endpoint started", zap.String("addr", addr))
		if err := http.ListenAndServe(addr, mux); err != nil {
			logger.Error("metrics endpoint failed", zap.Error(err))
		}
	}()

	// 4. Слой изоляции: защитная обвязка + обнаружение рантайма
	guard := isolation.NewGuard("container-runtime", isolation.GuardSettings{
		MaxRequests: uint32(cfg.Engine.CBMaxRequests),
		Interval:    cfg.Engine.CBInterval,
		Timeout:     cfg.Engine.CBTimeout,
		OnStateChange: func(open bool) {
			if open {
				metrics.RuntimeBreakerState.Set(1)
			} else {
				metrics.RuntimeBreakerState.Set(0)
			}
		},
	})

	var containerBackend isolation.Backend
	detectCtx, detectCancel := context.WithTimeout(appCtx, 10*time.Second)
	runtime, err := isolation.DetectRuntime(detectCtx, guard, logger)
	detectCancel()
	if err != nil {
		logger.Warn("no container runtime detected, container isolation disabled", zap.Error(err))
	} else {
		containerBackend = isolation.NewContainerBackend(runtime, cfg.Sandbox.ContainerImage, logger)
	}
	processBackend := isolation.NewProcessBackend(cfg.Sandbox.WorkDir, logger)
	selector := isolation.NewSelector(containerBackend, processBackend, logger)

	// 5. Детектор угроз: встроенные сигнатуры + внешняя YAML-база
	signatures := detector.BuiltinSignatures()
	if cfg.Detection.SignatureFile != "" {
		extra, err := detector.LoadSignatureFile(cfg.Detection.SignatureFile)
		if err != nil {
			logger.Fatal("failed to load signature database", zap.Error(err))
		}
		signatures = append(signatures, extra...)
		logger.Info("signature database loaded",
			zap.String("file", cfg.Detection.SignatureFile),
			zap.Int("external", len(extra)),
		)
	}
	det := detector.New(detector.Config{
		SuspiciousThreshold: cfg.Detection.SuspiciousThreshold,
		MaliciousThreshold:  cfg.Detection.MaliciousThreshold,
		EnabledBehaviors:    cfg.Detection.SuspiciousBehaviors,
		BehaviorWeights:     cfg.Detection.BehaviorWeights,
		Signatures:          signatures,
	})

	// 6. Control Plane: блэклист и отмены сессий
	blacklist := engine.NewBlacklistManager(rdb, cfg.Sandbox.BlacklistedApplications, logger)
	if err := blacklist.Init(appCtx); err != nil {
		logger.Fatal("failed to init blacklist manager", zap.Error(err))
	}
	go blacklist.StartListener(appCtx)

	cancels := engine.NewCancelHub(rdb, logger)
	go cancels.StartListener(appCtx)

	// 7. Архиватор отчетов (работает только при наличии базы)
	var archive *report.Archive
	if repo != nil {
		archive = report.NewArchive(repo, logger, cfg.Engine.ArchiveBufferSize, cfg.Engine.ArchiveFlushInterval)
		archive.SetBufferGauge(metrics.ArchiveBufferFill)
		archive.Start()
		defer archive.Stop()
	}

	// 8. Core: оркестратор и сервисный фасад
	orchestrator := engine.NewOrchestrator(selector, det, blacklist, cancels, metrics, logger, engine.OrchestratorConfig{
		SampleInterval:     cfg.Engine.SampleInterval,
		BreachGraceSamples: cfg.Engine.BreachGraceSamples,
	})

	var cache *service.VerdictCache
	if rdb != nil {
		cache = service.NewVerdictCache(rdb, cfg.Engine.VerdictCacheTTL, logger)
	}

	var archiver service.Archiver
	var reports service.ReportStore
	if archive != nil {
		archiver = archive
		reports = repo
	}
	svc := service.NewAnalysisService(orchestrator, cache, archiver, reports, cancels, &cfg.Sandbox, metrics, logger)

	// 9. HTTP Server: без публичного ключа API работает открытым
	var validator auth.TokenValidator
	if len(cfg.Auth.PublicKey) > 0 {
		pubKey, err := auth.ParseRSAPublicKey(cfg.Auth.PublicKey)
		if err != nil {
			logger.Fatal("invalid auth public key", zap.Error(err))
		}
		validator = auth.NewBaseValidator(pubKey)
	} else {
		logger.Warn("no auth public key configured, submission API is open")
	}

	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      server.NewServer(svc, validator, logger),
		ReadTimeout: cfg.Server.ReadTimeout,
		// Анализ синхронный: дедлайн записи обязан пережить самую
		// длинную сессию, иначе вердикт теряется на проводе
		WriteTimeout: cfg.HTTPWriteTimeout(),
	}

	// 10. Graceful Shutdown
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		logger.Info("analysis engine started", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("listen failed", zap.Error(err))
		}
	}()

	<-stop // Ждем сигнал
	logger.Info("analysis engine stopping...")

	// Даем 5 секунд на завершение запросов
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown failed", zap.Error(err))
	}
	cancel() // останавливаем слушателей и фоновые горутины
	logger.Info("analysis engine exited properly")
}
