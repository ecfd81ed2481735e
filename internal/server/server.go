package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"custody/internal/custody"
	"custody/internal/models"
	"custody/internal/ratelimit"
)

// TaskReader is the read side of the ledger used by the HTTP handlers.
type TaskReader interface {
	custody.TaskLookup
	custody.EventReader
	ListTasksByCourier(ctx context.Context, courierID string) ([]models.Task, error)
}

// Options wires the server's collaborators.
type Options struct {
	Recorder *custody.Recorder
	Tasks    TaskReader
	Auth     Authenticator

	// Limiter is optional; nil disables submission rate limiting.
	Limiter          ratelimit.Limiter
	Logger           *slog.Logger
	MaxEvidenceBytes int64

	// EvidenceMIMETypes defaults to DefaultEvidenceMIMETypes.
	EvidenceMIMETypes []string
}

// Server provides HTTP handlers for the custody tracker.
type Server struct {
	engine           *gin.Engine
	recorder         *custody.Recorder
	tasks            TaskReader
	auth             Authenticator
	limiter          ratelimit.Limiter
	logger           *slog.Logger
	maxEvidenceBytes int64
	evidenceTypes    []string
}

const defaultMaxEvidenceBytes = 10 << 20

var errInternal = errors.New("internal error")

// New constructs the HTTP server with routes and middleware configured.
func New(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	maxBytes := opts.MaxEvidenceBytes
	if maxBytes <= 0 {
		maxBytes = defaultMaxEvidenceBytes
	}
	types := opts.EvidenceMIMETypes
	if len(types) == 0 {
		types = DefaultEvidenceMIMETypes
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(gin.LoggerWithWriter(gin.DefaultWriter, "/api/healthz"))
	router.MaxMultipartMemory = maxBytes

	srv := &Server{
		engine:           router,
		recorder:         opts.Recorder,
		tasks:            opts.Tasks,
		auth:             opts.Auth,
		limiter:          opts.Limiter,
		logger:           logger,
		maxEvidenceBytes: maxBytes,
		evidenceTypes:    types,
	}

	srv.registerRoutes()
	return srv
}

// Engine exposes the underlying Gin engine.
func (s *Server) Engine() *gin.Engine {
	return s.engine
}

// registerRoutes wires all API handlers together.
func (s *Server) registerRoutes() {
	api := s.engine.Group("/api")
	{
		api.GET("/healthz", s.handleHealth)

		tasks := api.Group("/tasks", s.requireAuth)
		{
			tasks.GET("", s.handleListTasks)
			tasks.GET(":id", s.handleGetTask)
			tasks.GET(":id/checkpoints", s.handleAllowedCheckpoints)
			tasks.GET(":id/events", s.handleListEvents)
			tasks.POST(":id/events", s.handleRecordEvent)
		}
	}

	s.engine.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "endpoint not found"})
	})
}

// handleHealth provides a basic readiness endpoint.
func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// parseID reads a path identifier, rejecting blanks.
func parseID(c *gin.Context, name string) (string, bool) {
	raw := strings.TrimSpace(c.Param(name))
	if raw == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid identifier"})
		return "", false
	}
	return raw, true
}

// respondError logs the error and returns a JSON payload.
func (s *Server) respondError(c *gin.Context, status int, err error) {
	if err != nil {
		s.logger.Error("request failed", slog.String("path", c.FullPath()), slog.String("error", err.Error()))
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

// respondRejection maps a custody rejection to its HTTP status. Errors
// without a kind are infrastructure failures.
func (s *Server) respondRejection(c *gin.Context, err error) {
	kind := custody.KindOf(err)
	if kind == "" {
		s.logger.Error("custody operation failed", slog.String("path", c.FullPath()), slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": errInternal.Error()})
		return
	}
	c.JSON(statusForKind(kind), gin.H{
		"error":     err.Error(),
		"kind":      kind,
		"retryable": kind.Retryable(),
	})
}

func statusForKind(kind custody.Kind) int {
	switch kind {
	case custody.KindNotFound:
		return http.StatusNotFound
	case custody.KindUnauthorized:
		return http.StatusForbidden
	case custody.KindInvalidCheckpointType, custody.KindInvalidCoordinates, custody.KindEvidenceRequired,
		custody.KindInvalidRequest:
		return http.StatusBadRequest
	case custody.KindEvidenceTooLarge:
		return http.StatusRequestEntityTooLarge
	case custody.KindUnsupportedEvidence:
		return http.StatusUnsupportedMediaType
	case custody.KindRateLimited:
		return http.StatusTooManyRequests
	case custody.KindCheckpointNotAllowed:
		return http.StatusUnprocessableEntity
	case custody.KindTaskLocked:
		return http.StatusLocked
	case custody.KindDuplicateCheckpoint:
		return http.StatusConflict
	case custody.KindEvidenceUploadFailed:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// respondSuccess wraps a payload in a JSON envelope for consistency.
func respondSuccess(c *gin.Context, status int, payload any) {
	if payload == nil {
		c.Status(status)
		return
	}
	c.JSON(status, payload)
}
