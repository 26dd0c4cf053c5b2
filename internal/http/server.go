// Package http exposes the answering pipeline and the document store over
// HTTP.
package http

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/ragd/internal/document"
	"github.com/fyrsmithlabs/ragd/internal/pipeline"
	"github.com/fyrsmithlabs/ragd/internal/retrieval"
)

// chatRoute is the public chat endpoint.
const chatRoute = "/api/chat"

// Answerer answers natural-language questions.
type Answerer interface {
	Answer(ctx context.Context, query string) (*pipeline.AnswerResult, error)
	FallbackMessage() string
}

// Retriever returns ranked chunks for a query.
type Retriever interface {
	Retrieve(ctx context.Context, query string, k int) ([]retrieval.Result, error)
}

// DocumentStore is the corpus as seen by the API.
type DocumentStore interface {
	Ingest(ctx context.Context, doc document.Document) ([]string, error)
	Remove(ctx context.Context, documentID string) (bool, error)
	GetDocument(documentID string) (document.Info, error)
	Documents() []document.Info
	Len() int
	ChunkCount() int
	RebuildIndex(ctx context.Context) error
}

// Deps are the services behind the routes.
type Deps struct {
	Answerer  Answerer
	Retriever Retriever
	Store     DocumentStore
}

// Config holds HTTP server configuration.
type Config struct {
	Host string
	Port int
	// RequestTimeout bounds each request's context. Zero disables it.
	RequestTimeout time.Duration
	// BodyLimit uses echo's size syntax, e.g. "2M".
	BodyLimit string
	// Version is reported by /health.
	Version string
}

// Server provides the ragd HTTP API.
type Server struct {
	echo   *echo.Echo
	deps   Deps
	logger *zap.Logger
	config *Config
}

// NewServer creates a server and registers its routes.
func NewServer(deps Deps, logger *zap.Logger, cfg *Config) (*Server, error) {
	if deps.Answerer == nil || deps.Retriever == nil || deps.Store == nil {
		return nil, errors.New("answerer, retriever and store are required")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required for request tracking and debugging")
	}
	if cfg == nil {
		cfg = &Config{Host: "localhost", Port: 8080}
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	s := &Server{
		echo:   e,
		deps:   deps,
		logger: logger,
		config: cfg,
	}
	e.HTTPErrorHandler = s.handleError

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	if cfg.BodyLimit != "" {
		e.Use(middleware.BodyLimit(cfg.BodyLimit))
	}
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			logger.Info("http request",
				zap.String("method", c.Request().Method),
				zap.String("uri", c.Request().RequestURI),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", c.Response().Header().Get(echo.HeaderXRequestID)),
			)
			return err
		}
	})
	e.Use(NewHTTPMetrics(logger).MetricsMiddleware())
	if cfg.RequestTimeout > 0 {
		e.Use(middleware.ContextTimeoutWithConfig(middleware.ContextTimeoutConfig{
			Timeout: cfg.RequestTimeout,
		}))
	}

	s.registerRoutes()
	return s, nil
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	s.echo.POST(chatRoute, s.handleChat)

	v1 := s.echo.Group("/api/v1")
	v1.POST("/answer", s.handleAnswer)
	v1.POST("/retrieve", s.handleRetrieve)
	v1.POST("/documents", s.handleIngest)
	v1.GET("/documents", s.handleListDocuments)
	// Document IDs may contain slashes, hence the wildcard.
	v1.GET("/documents/*", s.handleGetDocument)
	v1.DELETE("/documents/*", s.handleRemoveDocument)
	v1.POST("/index/rebuild", s.handleRebuild)
}

// handleError renders errors that escape handlers and middleware. The chat
// route keeps its {"response": string} shape: client errors carry their
// message and everything else becomes the fallback answer.
func (s *Server) handleError(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}
	if c.Path() != chatRoute && c.Request().URL.Path != chatRoute {
		s.echo.DefaultHTTPErrorHandler(err, c)
		return
	}

	var he *echo.HTTPError
	if errors.As(err, &he) && he.Code >= 400 && he.Code < 500 {
		if werr := c.JSON(he.Code, ChatResponse{Response: fmt.Sprint(he.Message)}); werr != nil {
			s.logger.Warn("failed to write chat error response", zap.Error(werr))
		}
		return
	}
	s.logger.Error("chat request failed", zap.Error(err))
	if werr := c.JSON(http.StatusOK, ChatResponse{Response: s.deps.Answerer.FallbackMessage()}); werr != nil {
		s.logger.Warn("failed to write chat error response", zap.Error(werr))
	}
}

// Handler returns the root handler, for embedding or tests.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Start listens on the configured address and blocks until shutdown.
func (s *Server) Start() error {
	addr := net.JoinHostPort(s.config.Host, strconv.Itoa(s.config.Port))
	s.logger.Info("starting http server", zap.String("addr", addr))
	return s.echo.Start(addr)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down http server")
	return s.echo.Shutdown(ctx)
}
