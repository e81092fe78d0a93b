// Package rest provides the HTTP control surface of the master: job
// submission and queries, fleet inspection, event injection and a WebSocket
// event tail.
package rest

import (
	"context"
	"fmt"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	fiberlogger "github.com/gofiber/fiber/v2/middleware/logger"
	fiberrecover "github.com/gofiber/fiber/v2/middleware/recover"
	"go.uber.org/zap"

	"yqhp/dispatch-engine/internal/config"
	"yqhp/dispatch-engine/internal/dispatch"
	"yqhp/dispatch-engine/pkg/logger"
	"yqhp/dispatch-engine/pkg/types"
)

// Control is the master surface the API serves. *master.Master satisfies it.
type Control interface {
	Submit(ctx context.Context, sub dispatch.Submission) (*types.JobRecord, error)
	Query(ctx context.Context, jobID string) (*types.JobReport, error)
	Wait(ctx context.Context, jobID string) (*types.JobReport, error)
	ListJobs(ctx context.Context, limit int) ([]*types.JobRecord, error)
	Minions() []*types.MinionInfo
	MinionStatus(minionID string) (*types.MinionStatus, error)
	PublishEvent(tag string, data map[string]interface{}) error
	Events(ctx context.Context, pattern string) <-chan *types.Event
	PingStatus(ctx context.Context, deadline time.Duration) (up, down []string, err error)
}

// Config holds the API server configuration.
type Config struct {
	// Address is the address to listen on (e.g., ":4507").
	Address string `yaml:"address"`

	// ReadTimeout is the maximum duration for reading the entire request.
	ReadTimeout time.Duration `yaml:"read_timeout"`

	// WriteTimeout is the maximum duration before timing out writes of the response.
	WriteTimeout time.Duration `yaml:"write_timeout"`

	// EnableCORS enables Cross-Origin Resource Sharing.
	EnableCORS bool `yaml:"enable_cors"`

	// EnableWebSocket enables the event tail endpoint.
	EnableWebSocket bool `yaml:"enable_websocket"`
}

// DefaultConfig returns a default server configuration.
func DefaultConfig() *Config {
	return &Config{
		Address:         ":4507",
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    30 * time.Second,
		EnableCORS:      true,
		EnableWebSocket: true,
	}
}

// ConfigFrom maps the api section of the engine configuration.
func ConfigFrom(cfg *config.Config) *Config {
	out := DefaultConfig()
	if cfg == nil {
		return out
	}
	if cfg.API.Address != "" {
		out.Address = cfg.API.Address
	}
	if cfg.API.ReadTimeout > 0 {
		out.ReadTimeout = cfg.API.ReadTimeout
	}
	if cfg.API.WriteTimeout > 0 {
		out.WriteTimeout = cfg.API.WriteTimeout
	}
	return out
}

// Server is the REST API server.
type Server struct {
	app    *fiber.App
	ctl    Control
	config *Config
	log    *zap.Logger
}

// NewServer creates the API server around a master control surface.
func NewServer(ctl Control, config *Config) *Server {
	if config == nil {
		config = DefaultConfig()
	}

	app := fiber.New(fiber.Config{
		ReadTimeout:           config.ReadTimeout,
		WriteTimeout:          config.WriteTimeout,
		ErrorHandler:          errorHandler,
		AppName:               "Dispatch Engine API",
		JSONEncoder:           sonic.Marshal,
		JSONDecoder:           sonic.Unmarshal,
		DisableStartupMessage: true,
	})

	server := &Server{
		app:    app,
		ctl:    ctl,
		config: config,
		log:    logger.L().Named("api"),
	}

	server.setupMiddleware()
	server.setupRoutes()

	return server
}

func (s *Server) setupMiddleware() {
	s.app.Use(fiberrecover.New(fiberrecover.Config{
		EnableStackTrace: true,
	}))

	s.app.Use(fiberlogger.New(fiberlogger.Config{
		Format:     "${time} | ${status} | ${latency} | ${method} ${path}\n",
		TimeFormat: "2006-01-02 15:04:05",
	}))

	if s.config.EnableCORS {
		s.app.Use(cors.New(cors.Config{
			AllowOrigins: "*",
			AllowMethods: "GET,POST,DELETE,OPTIONS",
			AllowHeaders: "Origin,Content-Type,Accept",
			MaxAge:       86400,
		}))
	}
}

func (s *Server) setupRoutes() {
	s.app.Get("/health", s.healthCheck)
	s.app.Get("/ready", s.readyCheck)

	api := s.app.Group("/api/v1")
	api.Get("/health", s.healthCheck)
	api.Get("/ready", s.readyCheck)

	api.Post("/jobs", s.submitJob)
	api.Get("/jobs", s.listJobs)
	api.Get("/jobs/:jid", s.getJob)

	// /minions/status must be registered before the :id route
	api.Get("/minions/status", s.pingStatus)
	api.Get("/minions", s.listMinions)
	api.Get("/minions/:id", s.getMinion)

	api.Post("/events", s.publishEvent)

	s.setupWebSocketRoutes()
}

// Start starts the REST API server.
func (s *Server) Start() error {
	s.log.Info("api listening", zap.String("addr", s.config.Address))
	return s.app.Listen(s.config.Address)
}

// StartWithContext starts the server and shuts it down when ctx ends.
func (s *Server) StartWithContext(ctx context.Context) error {
	errCh := make(chan error, 1)

	go func() {
		errCh <- s.app.Listen(s.config.Address)
	}()

	select {
	case <-ctx.Done():
		return s.Shutdown()
	case err := <-errCh:
		return err
	}
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown() error {
	return s.app.Shutdown()
}

// ShutdownWithTimeout gracefully shuts down the server with a timeout.
func (s *Server) ShutdownWithTimeout(timeout time.Duration) error {
	return s.app.ShutdownWithTimeout(timeout)
}

// App returns the underlying Fiber app.
func (s *Server) App() *fiber.App {
	return s.app
}

func errorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	message := "Internal Server Error"

	if e, ok := err.(*fiber.Error); ok {
		code = e.Code
		message = e.Message
	}

	return c.Status(code).JSON(ErrorResponse{
		Error:   fmt.Sprintf("error_%d", code),
		Message: message,
	})
}
