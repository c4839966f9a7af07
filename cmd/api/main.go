package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.uber.org/zap"

	_ "github.com/exports-digital/licensing-api/api/swagger"
	"github.com/exports-digital/licensing-api/internal/handler"
	"github.com/exports-digital/licensing-api/internal/hmrc"
	"github.com/exports-digital/licensing-api/internal/middleware"
	"github.com/exports-digital/licensing-api/internal/models"
	"github.com/exports-digital/licensing-api/internal/repository"
	"github.com/exports-digital/licensing-api/internal/service"
	"github.com/exports-digital/licensing-api/pkg/cache"
	"github.com/exports-digital/licensing-api/pkg/config"
	"github.com/exports-digital/licensing-api/pkg/database"
	"github.com/exports-digital/licensing-api/pkg/logger"
	corsmiddleware "github.com/exports-digital/licensing-api/pkg/middleware/cors"
	reqidmiddleware "github.com/exports-digital/licensing-api/pkg/middleware/requestid"
	"github.com/exports-digital/licensing-api/pkg/storage"
)

// @title Export Licensing API
// @version 1.0.0
// @description Case finalisation and licence lifecycle service
// @BasePath /api/v1
// @schemes http

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logr, err := logger.New(cfg)
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer logr.Sync() //nolint:errcheck

	if cfg.Env == config.EnvProduction {
		gin.SetMode(gin.ReleaseMode)
	}

	db, err := database.NewPostgres(cfg.Database)
	if err != nil {
		logr.Sugar().Fatalw("failed to connect to postgres", "error", err)
	}
	defer db.Close()

	metrics := service.NewMetricsService()

	var cacheSvc *service.CacheService
	redisClient, err := cache.NewRedis(cfg.Redis)
	if err != nil {
		logr.Sugar().Warnw("redis unavailable, running without cache", "error", err)
		cacheSvc = service.NewCacheService(nil, metrics, cfg.Licences.CacheTTL, logr, false)
	} else {
		defer redisClient.Close()
		cacheRepo := repository.NewCacheRepository(redisClient, logr)
		cacheSvc = service.NewCacheService(cacheRepo, metrics, cfg.Licences.CacheTTL, logr, true)
	}

	validate := validator.New()

	caseRepo := repository.NewCaseRepository(db)
	licenceRepo := repository.NewLicenceRepository(db)
	adviceRepo := repository.NewAdviceRepository(db)
	countersignRepo := repository.NewCountersignRepository(db)
	decisionRepo := repository.NewDecisionRepository(db)
	auditRepo := repository.NewAuditRepository(db)
	usageRepo := repository.NewUsageRepository(db)
	reportRepo := repository.NewReportRepository(db)

	hmrcClient := hmrc.NewClient(cfg.HMRC, metrics, logr)
	dispatcher := service.NewDispatcherService(licenceRepo, caseRepo, hmrcClient, cfg.HMRC, logr)

	notifier := service.NewLogNotifier(logr)

	licenceSvc := service.NewLicenceService(licenceRepo, caseRepo, dispatcher, auditRepo, cacheSvc, notifier, cfg.Licences, validate, logr)
	countersignSvc := service.NewCountersignService(countersignRepo, caseRepo, adviceRepo, auditRepo, validate, logr)
	adviceSvc := service.NewAdviceService(adviceRepo, caseRepo, countersignSvc, auditRepo, validate, logr)
	finalisationSvc := service.NewFinalisationService(caseRepo, licenceRepo, adviceSvc, countersignSvc, licenceSvc, decisionRepo, auditRepo, dispatcher, notifier, cfg.Licences, logr)
	usageSvc := service.NewUsageService(licenceRepo, caseRepo, usageRepo, auditRepo, licenceSvc, validate, logr)

	authSvc := service.NewAuthService(cfg.JWT.Secret, logr)

	fileStore, err := storage.NewLocalStorage(cfg.Reports.StorageDir)
	if err != nil {
		logr.Sugar().Fatalw("failed to init report storage", "error", err)
	}
	signer := storage.NewSignedURLSigner(cfg.Reports.SignedURLSecret, cfg.Reports.SignedURLTTL)
	exportSvc := service.NewExportService(licenceRepo, fileStore, logr)
	reportSvc := service.NewReportService(reportRepo, exportSvc, signer, fileStore, cfg.Reports, validate, logr)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dispatcher.Start(ctx)
	defer dispatcher.Stop()
	if cfg.Reports.Enabled {
		reportSvc.Start(ctx)
		defer reportSvc.Stop()
	}

	go runExpirySweeper(ctx, licenceSvc, cfg.Licences.ExpirySweepInterval, logr)

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(reqidmiddleware.Middleware())
	r.Use(logger.GinMiddleware(logr))
	r.Use(corsmiddleware.New(cfg.CORS.AllowedOrigins))
	r.Use(middleware.Metrics(metrics))

	metricsHandler := handler.NewMetricsHandler(metrics)
	r.GET("/health", metricsHandler.Health)
	r.GET("/metrics", metricsHandler.Prometheus)
	r.GET("/metrics/summary", metricsHandler.Summary)

	if cfg.Env != config.EnvProduction {
		r.GET("/docs/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	}

	adviceHandler := handler.NewAdviceHandler(adviceSvc, countersignSvc)
	finalisationHandler := handler.NewFinalisationHandler(finalisationSvc, metrics)
	licenceHandler := handler.NewLicenceHandler(licenceSvc)
	usageHandler := handler.NewUsageHandler(usageSvc, metrics)
	reportHandler := handler.NewReportHandler(reportSvc)

	api := r.Group(cfg.APIPrefix)
	api.Use(middleware.WithResponseMeta())
	api.Use(middleware.JWT(authSvc))
	{
		api.GET("/cases/:id/advice", adviceHandler.List)
		api.POST("/cases/:id/advice", adviceHandler.Give)
		api.DELETE("/cases/:id/advice/final", adviceHandler.ClearFinal)
		api.PUT("/advice/:adviceId", adviceHandler.EditFinal)
		api.POST("/countersign", adviceHandler.Countersign)

		api.POST("/cases/:id/finalise", finalisationHandler.Finalise)
		api.POST("/cases/:id/licences", licenceHandler.CreateDraft)

		api.GET("/licences", licenceHandler.List)
		api.GET("/licences/:id", licenceHandler.Get)
		api.PATCH("/licences/:id/status",
			middleware.RequirePermissions(models.PermissionManageLicenceStatus),
			licenceHandler.UpdateStatus)

		api.PUT("/licences/usage", usageHandler.ApplyBatch)

		api.POST("/reports", reportHandler.Create)
		api.GET("/reports/:id", reportHandler.Get)
		api.GET("/reports/download", reportHandler.Download)
	}

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: r,
	}

	go func() {
		logr.Sugar().Infow("server starting", "addr", srv.Addr, "env", cfg.Env)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logr.Sugar().Fatalw("server failed", "error", err)
		}
	}()

	<-ctx.Done()
	logr.Sugar().Infow("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logr.Sugar().Errorw("graceful shutdown failed", "error", err)
	}
}

// runExpirySweeper periodically marks licences past their end date expired.
func runExpirySweeper(ctx context.Context, licences *service.LicenceService, interval time.Duration, logr *zap.Logger) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			expired, err := licences.ExpireSweep(ctx)
			if err != nil {
				logr.Sugar().Errorw("licence expiry sweep failed", "error", err)
				continue
			}
			if expired > 0 {
				logr.Sugar().Infow("licence expiry sweep", "expired", expired)
			}
		}
	}
}
