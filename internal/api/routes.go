package api

import (
	"context"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
)

func (s *Server) setupRoutes() {
	s.app.Use(recover.New())
	s.app.Use(logger.New(logger.Config{
		Format: "[${time}] ${status} - ${latency} ${method} ${path}\n",
		Next: func(c *fiber.Ctx) bool {
			return c.Path() == "/api/health" || c.Path() == "/metrics"
		},
	}))
	s.app.Use(cors.New(cors.Config{
		AllowOrigins: strings.Join(s.config.Security.AllowOrigins, ","),
		AllowHeaders: "Origin, Content-Type, Accept, Authorization",
		AllowMethods: "GET, POST, PUT, DELETE, OPTIONS",
	}))
	if s.metrics != nil {
		s.app.Use(s.metricsMiddleware())
		s.app.Get("/metrics", adaptor.HTTPHandler(s.metrics.Handler()))
	}

	s.app.Get("/api/health", s.handleHealth)

	api := s.app.Group("/api")
	protected := api.Use(s.authMiddleware())

	protected.Get("/medications", s.handleListMedications)
	protected.Post("/medications", s.handleCreateMedication)
	protected.Get("/medications/:id", s.handleGetMedication)
	protected.Put("/medications/:id", s.handleUpdateMedication)
	protected.Delete("/medications/:id", s.handleDeleteMedication)
	protected.Post("/medications/:id/take", s.handleTakeDose)
	protected.Post("/medications/:id/refill", s.handleRefill)
	protected.Post("/medications/:id/pause", s.handlePause)
	protected.Post("/medications/:id/resume", s.handleResume)
	protected.Get("/medications/:id/schedule", s.handleSchedule)
	protected.Get("/medications/:id/history", s.handleHistory)

	protected.Get("/triggers", s.handleTriggers)
	protected.Post("/recover", s.handleRecover)
	protected.Get("/stock", s.handleStockReport)
	protected.Post("/stock/check", s.handleStockCheck)
	protected.Get("/jobs", s.handleListJobs)
	protected.Get("/stats", s.handleStats)
}

func (s *Server) Start() error {
	return s.app.Listen(s.config.Addr())
}

func (s *Server) Shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.app.ShutdownWithContext(ctx)
}
