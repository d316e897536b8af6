package router

import (
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"moonvpn/internal/handler/api"
	"moonvpn/internal/middleware"
	"moonvpn/internal/repository"
)

// Services are the domain components exposed over HTTP.
type Services struct {
	Provisioner api.Provisioner
	Migrator    api.Migrator
	Load        api.LoadModel
	Inbounds    api.InboundSyncer
	Pool        api.SessionPool
	Jobs        api.JobRunner
}

// Setup configures all routes for the Echo server.
func Setup(
	e *echo.Echo,
	db *gorm.DB,
	svc Services,
	logger *zap.Logger,
	apiKey string,
	jwtSecret string,
) {
	// Global middleware
	e.Use(echomw.Recover())
	e.Use(middleware.CORS())

	// Repositories
	repos := &api.Repos{
		Panel:     repository.NewPanelRepository(db),
		Plan:      repository.NewPlanRepository(db),
		Account:   repository.NewAccountRepository(db),
		Migration: repository.NewMigrationRepository(db),
	}

	// Handlers
	panelHandler := api.NewPanelHandler(repos, svc.Load, svc.Pool, svc.Inbounds, svc.Migrator, logger)
	accountHandler := api.NewAccountHandler(repos, svc.Provisioner, svc.Migrator, logger)
	planHandler := api.NewPlanHandler(repos, logger)
	jobHandler := api.NewJobHandler(svc.Jobs, logger)

	// API group with auth + logging middleware
	apiGroup := e.Group("/api")
	apiGroup.Use(middleware.APIAuth(apiKey, jwtSecret))
	apiGroup.Use(middleware.RequestLogger(logger))

	apiGroup.POST("/panels", panelHandler.Handle)
	apiGroup.GET("/panels", panelHandler.Handle)
	apiGroup.POST("/accounts", accountHandler.Handle)
	apiGroup.GET("/accounts", accountHandler.Handle)
	apiGroup.POST("/plans", planHandler.Handle)
	apiGroup.GET("/plans", planHandler.Handle)
	apiGroup.POST("/jobs", jobHandler.Handle)

	// Health check
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(200, map[string]string{"status": "ok"})
	})
}
