// Package api contains the HTTP and WebSocket handlers of the workflow service.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"agentflow/backend/internal/auth"
	"agentflow/backend/internal/notify"
	"agentflow/backend/internal/repository"
	"agentflow/backend/internal/services"
	"agentflow/backend/pkg/models"
)

// Logger defines the logging interface compatible with the application logger.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// Workflows is the workflow use case layer.
type Workflows interface {
	Start(ctx context.Context, ownerID string) (string, error)
	Authorize(ctx context.Context, workflowID, userID string) error
	Snapshot(ctx context.Context, workflowID, userID string) (*models.Snapshot, error)
	List(ctx context.Context, userID string) ([]*models.Workflow, error)
}

// Authenticator maps a token to a user id.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (string, error)
}

// Subscriber registers live observers of a workflow.
type Subscriber interface {
	Subscribe(ctx context.Context, workflowID string) (*notify.Subscription, error)
	Unsubscribe(sub *notify.Subscription)
}

// Pinger reports whether the backing store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Server holds the dependencies of the HTTP surface.
type Server struct {
	workflows Workflows
	auth      Authenticator
	notifier  Subscriber
	store     Pinger
	logger    Logger
	ws        wsConfig
}

// NewServer creates a new Server.
func NewServer(workflows Workflows, authn Authenticator, notifier Subscriber, store Pinger, logger Logger) *Server {
	return &Server{
		workflows: workflows,
		auth:      authn,
		notifier:  notifier,
		store:     store,
		logger:    logger,
		ws:        defaultWSConfig(),
	}
}

// RegisterHandlers mounts the authenticated REST routes on g.
func RegisterHandlers(g *echo.Group, s *Server) {
	g.POST("/workflows", s.StartWorkflow)
	g.GET("/workflows", s.ListWorkflows)
	g.GET("/workflows/:id", s.GetWorkflow)
}

// RegisterPublic mounts the routes that authenticate on their own or not at
// all.
func RegisterPublic(e *echo.Echo, s *Server, oktaIssuer string) {
	e.GET("/health", s.HandleHealth)
	e.GET("/openapi.yaml", echo.WrapHandler(SpecHandler(oktaIssuer)))
	e.GET("/ws/workflows/:id", s.StreamWorkflow)
}

// HealthStatus represents the health check response
type HealthStatus struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Service   string    `json:"service"`
	Version   string    `json:"version"`
}

// HandleHealth reports ok when the store answers a ping.
func (s *Server) HandleHealth(c echo.Context) error {
	status := HealthStatus{
		Status:    "ok",
		Timestamp: time.Now().UTC(),
		Service:   "agentflow",
		Version:   "1.0.0",
	}
	code := http.StatusOK
	if err := s.store.Ping(c.Request().Context()); err != nil {
		s.logger.Warn("health check failed", "error", err)
		status.Status = "unavailable"
		code = http.StatusServiceUnavailable
	}
	return c.JSON(code, status)
}

// ProblemDetails represents an RFC 7807 Problem Details response
type ProblemDetails struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail"`
	Instance string `json:"instance,omitempty"`
}

// writeError writes an RFC 7807 Problem Details JSON error response
func writeError(c echo.Context, status int, detail string) error {
	problem := ProblemDetails{
		Type:     "about:blank",
		Title:    http.StatusText(status),
		Status:   status,
		Detail:   detail,
		Instance: c.Request().URL.Path,
	}
	c.Response().Header().Set(echo.HeaderContentType, "application/problem+json")
	return c.JSON(status, problem)
}

// statusFor maps domain errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, repository.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, repository.ErrConflict), errors.Is(err, repository.ErrInvalidTransition):
		return http.StatusConflict
	case errors.Is(err, auth.ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, services.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) fail(c echo.Context, err error) error {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", "path", c.Path(), "error", err)
		return writeError(c, status, "internal error")
	}
	return writeError(c, status, err.Error())
}

// ProblemErrorHandler renders echo errors, such as unknown routes, as
// problem details.
func ProblemErrorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}
	status := http.StatusInternalServerError
	detail := "internal error"
	var he *echo.HTTPError
	if errors.As(err, &he) {
		status = he.Code
		detail = http.StatusText(status)
		if msg, ok := he.Message.(string); ok {
			detail = msg
		}
	}
	_ = writeError(c, status, detail)
}
