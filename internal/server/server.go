// Package server contains HTTP and WebSocket handlers for the chat engine's API endpoints.
package server

import (
	"context"
	"fmt"
	"log"
	"time"

	"parley/internal/bootstrap"
	"parley/internal/config"
	"parley/internal/middleware"
	"parley/internal/models"
	"parley/internal/notifications"
	"parley/internal/repository"
	"parley/internal/service"

	"github.com/ansrivas/fiberprometheus/v2"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/helmet"
	"github.com/gofiber/fiber/v2/middleware/limiter"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
)

// Server holds all dependencies and provides handlers
type Server struct {
	config         *config.Config
	db             *gorm.DB
	redis          *redis.Client
	app            *fiber.App
	promMiddleware *fiberprometheus.FiberPrometheus
	shutdownCtx    context.Context
	shutdownFn     context.CancelFunc

	registry    *notifications.Registry
	presence    *notifications.PresenceTracker
	connManager *notifications.ConnectionManager
	notifier    *notifications.Notifier
	dispatcher  *notifications.Dispatcher

	chatService    *service.ChatService
	messageService *service.MessageService
	userService    *service.UserService
	realtime       *service.RealtimeService
}

// NewServer connects to the database and Redis and builds a server on top of them.
func NewServer(cfg *config.Config) (*Server, error) {
	db, rdb, err := bootstrap.InitRuntime(cfg, bootstrap.Options{SeedDemo: cfg.SeedDemo})
	if err != nil {
		return nil, err
	}
	return NewServerWithDeps(cfg, db, rdb)
}

// NewServerWithDeps creates a Server using already-initialized dependencies.
// A nil Redis client keeps presence and fan-out on this node.
func NewServerWithDeps(cfg *config.Config, db *gorm.DB, redisClient *redis.Client) (*Server, error) {
	if db == nil {
		return nil, fmt.Errorf("database is required")
	}

	chatRepo := repository.NewChatRepository(db)
	msgRepo := repository.NewMessageRepository(db)
	userRepo := repository.NewUserRepository(db)

	s := &Server{
		config:         cfg,
		db:             db,
		redis:          redisClient,
		promMiddleware: middleware.InitMetrics("parley-api"),
		registry:       notifications.NewRegistry(),
		notifier:       notifications.NewNotifier(redisClient),
	}
	s.chatService = service.NewChatService(chatRepo, msgRepo, userRepo)
	s.messageService = service.NewMessageService(msgRepo, s.chatService, cfg.MessageEditWindow())
	s.userService = service.NewUserService(userRepo)

	s.presence = notifications.NewPresenceTracker(s.registry.IsOnline)
	s.connManager = notifications.NewConnectionManager(redisClient, s.registry, notifications.ConnectionManagerConfig{
		NodeID:             cfg.NodeID,
		OfflineGracePeriod: cfg.PresenceGrace(),
		OnUserOnline:       s.presence.UserOnline,
		OnUserOffline:      s.presence.UserOffline,
	})
	s.presence.SetRemoteLookup(s.connManager.IsOnline)

	s.dispatcher = notifications.NewDispatcher(s.registry, s.chatService, s.notifier)
	s.realtime = service.NewRealtimeService(service.RealtimeDeps{
		Chats:        s.chatService,
		Messages:     s.messageService,
		Users:        s.userService,
		Registry:     s.registry,
		Presence:     s.presence,
		Dispatcher:   s.dispatcher,
		TypingWindow: cfg.TypingWindow(),
	})

	return s, nil
}

// SetupMiddleware configures middleware for the Fiber app
func (s *Server) SetupMiddleware(app *fiber.App) {
	// Panic recovery
	app.Use(recover.New())

	// Request ID for tracing
	app.Use(requestid.New())

	if s.config.TracingEnabled {
		app.Use(middleware.TracingMiddleware())
	}

	// Context Middleware to propagate Request ID and User ID
	app.Use(middleware.ContextMiddleware())

	if s.promMiddleware != nil {
		app.Use(middleware.MetricsMiddleware(s.promMiddleware))
	}

	app.Use(helmet.New())

	app.Use(middleware.StructuredLogger())

	// CORS runs before the limiter so rejected requests still carry CORS headers.
	origins := s.config.AllowedOrigins
	if origins == "" {
		origins = "http://localhost:5173,http://localhost:4200,http://127.0.0.1:4200"
	}
	app.Use(cors.New(cors.Config{
		AllowOrigins:     origins,
		AllowHeaders:     "Origin, Content-Type, Accept, Authorization, Upgrade, Connection, Sec-WebSocket-Key, Sec-WebSocket-Version",
		AllowMethods:     "GET,POST,PUT,PATCH,DELETE,OPTIONS",
		AllowCredentials: true,
		MaxAge:           86400,
	}))

	// Global rate limiting (300 requests per minute per IP)
	app.Use(limiter.New(limiter.Config{
		Max:        300,
		Expiration: time.Minute,
		Next: func(c *fiber.Ctx) bool {
			return c.Method() == fiber.MethodOptions
		},
		KeyGenerator: func(c *fiber.Ctx) string {
			return c.IP()
		},
		LimitReached: func(c *fiber.Ctx) error {
			return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{
				"error": "Too many requests, please try again later.",
			})
		},
	}))
}

// SetupRoutes configures all routes for the application
func (s *Server) SetupRoutes(app *fiber.App) {
	app.Get("/health/live", s.LivenessCheck)
	app.Get("/health/ready", s.ReadinessCheck)
	app.Get("/health", s.ReadinessCheck)

	if s.promMiddleware != nil {
		s.promMiddleware.RegisterAt(app, "/metrics")
	}

	api := app.Group("/api")

	// WebSocket routes authenticate themselves and must be registered before
	// the protected group so a ticket is consumed exactly once.
	api.Post("/ws/ticket", s.AuthRequired(), s.IssueWSTicket)
	api.Get("/ws", s.AuthRequired(), s.WebSocketHandler())

	protected := api.Group("", s.AuthRequired())

	users := protected.Group("/users")
	users.Get("/me", s.GetMyProfile)
	users.Put("/me", s.UpdateMyProfile)

	chats := protected.Group("/chats")
	chats.Get("/", s.GetChats)
	chats.Post("/", middleware.RateLimit(s.redis, 20, time.Minute, "create_chat"), s.CreateChat)
	// Specific /:id/:resource routes before the generic /:id routes
	chats.Get("/:id/messages", s.GetMessages)
	chats.Post("/:id/messages", middleware.RateLimit(s.redis, 60, time.Minute, "send_message"), s.SendMessage)
	chats.Post("/:id/read", s.MarkChatRead)
	chats.Post("/:id/delivered", s.MarkChatDelivered)
	chats.Post("/:id/typing", s.SetTyping)
	chats.Post("/:id/archive", s.ArchiveChat)
	chats.Post("/:id/unarchive", s.UnarchiveChat)
	chats.Post("/:id/participants", s.AddParticipant)
	chats.Delete("/:id/participants/:userId", s.RemoveParticipant)
	chats.Get("/:id", s.GetChat)
	chats.Patch("/:id", s.UpdateChat)
	chats.Delete("/:id", s.DeleteChat)

	messages := protected.Group("/messages")
	messages.Patch("/:id", s.EditMessage)
	messages.Delete("/:id", s.DeleteMessage)

	presence := protected.Group("/presence")
	presence.Put("/", s.UpdatePresence)
	presence.Get("/:userId", s.GetPresence)
}

// LivenessCheck handles liveness probe requests
func (s *Server) LivenessCheck(c *fiber.Ctx) error {
	return c.Status(fiber.StatusOK).JSON(fiber.Map{
		"status": "up",
		"time":   time.Now(),
	})
}

// ReadinessCheck handles readiness probe requests
func (s *Server) ReadinessCheck(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.Context(), 5*time.Second)
	defer cancel()

	dbStatus := "healthy"
	sqlDB, err := s.db.DB()
	if err != nil {
		dbStatus = "unhealthy"
	} else if err := sqlDB.PingContext(ctx); err != nil {
		dbStatus = "unhealthy"
	}

	// Redis is optional: without it the node runs standalone.
	redisStatus := "disabled"
	if s.redis != nil {
		redisStatus = "healthy"
		if err := s.redis.Ping(ctx).Err(); err != nil {
			redisStatus = "unhealthy"
		}
	}

	status := fiber.StatusOK
	overallStatus := "healthy"
	if dbStatus == "unhealthy" || redisStatus == "unhealthy" {
		status = fiber.StatusServiceUnavailable
		overallStatus = "unhealthy"
	}

	return c.Status(status).JSON(fiber.Map{
		"status": overallStatus,
		"checks": fiber.Map{
			"database": dbStatus,
			"redis":    redisStatus,
		},
		"connections":  s.registry.Count(),
		"online_users": len(s.connManager.GetOnlineUserIDs(ctx)),
		"node":         s.connManager.NodeID(),
		"time":         time.Now(),
	})
}

// StartRealtime starts cross-node relay and presence forwarding.
func (s *Server) StartRealtime(ctx context.Context) {
	if err := s.dispatcher.Start(ctx); err != nil {
		log.Printf("fan-out relay disabled: %v", err)
	}
	s.realtime.Start(ctx)
}

func newApp() *fiber.App {
	return fiber.New(fiber.Config{
		AppName:   "Parley",
		BodyLimit: 4 * 1024 * 1024,
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			if fe, ok := err.(*fiber.Error); ok {
				return models.RespondWithError(c, fe.Code, err)
			}
			log.Printf("Error: %v", err)
			return models.RespondWithError(c, fiber.StatusInternalServerError,
				models.NewInternalError(err))
		},
	})
}

// Start starts the server
func (s *Server) Start() error {
	ctx, cancel := context.WithCancel(context.Background())
	s.shutdownCtx = ctx
	s.shutdownFn = cancel

	app := newApp()
	s.app = app

	s.SetupMiddleware(app)
	s.SetupRoutes(app)
	s.StartRealtime(ctx)

	log.Printf("Server starting on port %s...", s.config.Port)
	return app.Listen(":" + s.config.Port)
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	// Stop relay and presence goroutines
	if s.shutdownFn != nil {
		s.shutdownFn()
	}

	if s.app != nil {
		if err := s.app.ShutdownWithContext(ctx); err != nil {
			log.Printf("error shutting down HTTP server: %v", err)
		}
	}

	if err := s.registry.Shutdown(ctx); err != nil {
		log.Printf("error closing websocket sessions: %v", err)
	}
	s.connManager.Stop()
	s.realtime.Stop()

	if sqlDB, err := s.db.DB(); err == nil {
		if cerr := sqlDB.Close(); cerr != nil {
			log.Printf("error closing sql DB: %v", cerr)
		}
	}

	if s.redis != nil {
		if rerr := s.redis.Close(); rerr != nil {
			log.Printf("error closing redis: %v", rerr)
		}
	}

	log.Println("Server shutdown complete")
	return nil
}
