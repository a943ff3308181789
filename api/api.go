package api

import (
	"crypto/subtle"
	"errors"
	"strings"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/tstockham96/engram/pkg/memory"
	"github.com/tstockham96/engram/pkg/vault"
)

// Server is the HTTP surface over one vault.
type Server struct {
	config Config
	vault  *vault.Vault
	logger *zap.Logger
	app    *fiber.App
}

// ErrorResponse is the JSON error envelope.
type ErrorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}

// NewServer creates the API server. The vault is injected to allow sharing
// with other adapters in the same process.
func NewServer(config Config, v *vault.Vault, logger *zap.Logger) *Server {
	app := fiber.New(fiber.Config{
		DisableStartupMessage: true,
	})

	s := &Server{
		config: config,
		vault:  v,
		logger: logger,
		app:    app,
	}

	app.Get("/health", s.handleHealth)

	v1 := app.Group("/v1", s.authMiddleware)
	v1.Post("/memories", s.handleRemember)
	v1.Get("/memories/recall", s.handleRecall)
	v1.Post("/memories/recall", s.handleRecall)
	v1.Delete("/memories/:id", s.handleForget)
	v1.Get("/memories/:id/neighbors", s.handleNeighbors)
	v1.Post("/ask", s.handleAsk)
	v1.Get("/briefing", s.handleBriefing)
	v1.Post("/briefing", s.handleBriefing)
	v1.Post("/surface", s.handleSurface)
	v1.Post("/consolidate", s.handleConsolidate)
	v1.Post("/edges", s.handleConnect)
	v1.Get("/stats", s.handleStats)
	v1.Get("/entities", s.handleEntities)
	v1.Get("/contradictions", s.handleContradictions)
	v1.Get("/alerts", s.handleAlerts)
	v1.Get("/export", s.handleExport)

	return s
}

// Run starts the API server on the configured address.
func (s *Server) Run() error {
	s.logger.Info("starting API server",
		zap.String("listen", s.config.ListenAddr),
		zap.Bool("auth", s.config.BearerToken != ""),
	)
	return s.app.Listen(s.config.ListenAddr)
}

// Shutdown gracefully shuts down the API server.
func (s *Server) Shutdown() error {
	return s.app.Shutdown()
}

// App exposes the fiber app for in-process tests.
func (s *Server) App() *fiber.App {
	return s.app
}

// authMiddleware enforces the optional bearer token.
func (s *Server) authMiddleware(c *fiber.Ctx) error {
	if s.config.BearerToken == "" {
		return c.Next()
	}

	header := c.Get(fiber.HeaderAuthorization)
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || subtle.ConstantTimeCompare([]byte(token), []byte(s.config.BearerToken)) != 1 {
		return c.Status(fiber.StatusUnauthorized).JSON(ErrorResponse{Error: "invalid or missing bearer token"})
	}
	return c.Next()
}

// fail maps the error taxonomy onto HTTP statuses and renders the
// envelope.
func (s *Server) fail(c *fiber.Ctx, err error) error {
	status := fiber.StatusInternalServerError
	kind := "internal"

	switch {
	case errors.Is(err, memory.ErrInvalidPayload):
		status, kind = fiber.StatusBadRequest, "invalid-payload"
	case errors.Is(err, memory.ErrNotFound):
		status, kind = fiber.StatusNotFound, "not-found"
	case errors.Is(err, memory.ErrConflict):
		status, kind = fiber.StatusConflict, "conflict"
	case errors.Is(err, memory.ErrRateLimited):
		status, kind = fiber.StatusTooManyRequests, "rate-limited"
	case errors.Is(err, memory.ErrTimedOut):
		status, kind = fiber.StatusGatewayTimeout, "timed-out"
	case errors.Is(err, memory.ErrUnavailable):
		status, kind = fiber.StatusServiceUnavailable, "unavailable"
	case errors.Is(err, memory.ErrCorrupt):
		kind = "corrupt"
	}

	if status == fiber.StatusInternalServerError {
		s.logger.Error("request failed", zap.String("path", c.Path()), zap.Error(err))
	}

	return c.Status(status).JSON(ErrorResponse{Error: err.Error(), Kind: kind})
}
