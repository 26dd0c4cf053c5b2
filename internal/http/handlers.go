package http

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/ragd/internal/document"
	"github.com/fyrsmithlabs/ragd/internal/embeddings"
	"github.com/fyrsmithlabs/ragd/internal/pipeline"
	"github.com/fyrsmithlabs/ragd/internal/vectorindex"
)

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{
		Status:    "ok",
		Version:   s.config.Version,
		Documents: s.deps.Store.Len(),
		Chunks:    s.deps.Store.ChunkCount(),
	})
}

// handleChat always answers with a string. Anything short of a malformed
// request yields the fallback message rather than an error status.
func (s *Server) handleChat(c echo.Context) error {
	var req ChatRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, ChatResponse{Response: "invalid request body"})
	}

	res, err := s.deps.Answerer.Answer(c.Request().Context(), req.Query)
	switch {
	case err == nil:
		return c.JSON(http.StatusOK, ChatResponse{Response: res.Text})
	case errors.Is(err, pipeline.ErrEmptyQuery), errors.Is(err, pipeline.ErrQueryTooLong):
		return c.JSON(http.StatusBadRequest, ChatResponse{Response: err.Error()})
	default:
		s.logger.Warn("chat request did not complete", zap.Error(err))
		return c.JSON(http.StatusOK, ChatResponse{Response: s.deps.Answerer.FallbackMessage()})
	}
}

func (s *Server) handleAnswer(c echo.Context) error {
	var req ChatRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	res, err := s.deps.Answerer.Answer(c.Request().Context(), req.Query)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, res)
}

func (s *Server) handleRetrieve(c echo.Context) error {
	var req RetrieveRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if strings.TrimSpace(req.Query) == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "query field is required")
	}
	if req.K < 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "k must be >= 0")
	}
	results, err := s.deps.Retriever.Retrieve(c.Request().Context(), req.Query, req.K)
	if err != nil {
		s.logger.Warn("retrieval failed", zap.Error(err))
		return httpError(err)
	}
	return c.JSON(http.StatusOK, RetrieveResponse{Results: results})
}

func (s *Server) handleIngest(c echo.Context) error {
	var doc document.Document
	if err := c.Bind(&doc); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	ids, err := s.deps.Store.Ingest(c.Request().Context(), doc)
	if err != nil {
		s.logger.Warn("ingest failed", zap.String("document_id", doc.ID), zap.Error(err))
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, IngestResponse{ID: doc.ID, ChunkIDs: ids})
}

func (s *Server) handleListDocuments(c echo.Context) error {
	infos := s.deps.Store.Documents()
	out := DocumentList{Documents: make([]DocumentSummary, 0, len(infos)), Total: len(infos)}
	for _, info := range infos {
		out.Documents = append(out.Documents, DocumentSummary{
			ID:         info.ID,
			SourceURI:  info.SourceURI,
			Metadata:   info.Metadata,
			Checksum:   info.Checksum,
			Chunks:     len(info.ChunkIDs),
			IngestedAt: info.IngestedAt,
		})
	}
	return c.JSON(http.StatusOK, out)
}

func (s *Server) handleGetDocument(c echo.Context) error {
	id, err := documentID(c)
	if err != nil {
		return err
	}
	info, err := s.deps.Store.GetDocument(id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, info)
}

func (s *Server) handleRemoveDocument(c echo.Context) error {
	id, err := documentID(c)
	if err != nil {
		return err
	}
	removed, err := s.deps.Store.Remove(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	if !removed {
		return echo.NewHTTPError(http.StatusNotFound, "document not found")
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) handleRebuild(c echo.Context) error {
	if err := s.deps.Store.RebuildIndex(c.Request().Context()); err != nil {
		s.logger.Error("index rebuild failed", zap.Error(err))
		return httpError(err)
	}
	return c.JSON(http.StatusOK, RebuildResponse{Status: "rebuilt", Chunks: s.deps.Store.ChunkCount()})
}

// documentID extracts the wildcard document ID. Echo leaves the parameter
// escaped when the request path carried escapes such as %2F.
func documentID(c echo.Context) (string, error) {
	id := c.Param("*")
	if c.Request().URL.RawPath != "" {
		unescaped, err := url.PathUnescape(id)
		if err != nil {
			return "", echo.NewHTTPError(http.StatusBadRequest, "malformed document id")
		}
		id = unescaped
	}
	if id == "" {
		return "", echo.NewHTTPError(http.StatusBadRequest, "document id is required")
	}
	return id, nil
}

// httpError maps domain errors to HTTP status codes.
func httpError(err error) error {
	switch {
	case errors.Is(err, pipeline.ErrEmptyQuery),
		errors.Is(err, pipeline.ErrQueryTooLong),
		errors.Is(err, document.ErrInvalidDocument):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, document.ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "not found")
	case errors.Is(err, embeddings.ErrEmbeddingUnavailable),
		errors.Is(err, vectorindex.ErrIndexCorrupt):
		return echo.NewHTTPError(http.StatusServiceUnavailable, err.Error()).SetInternal(err)
	case errors.Is(err, context.DeadlineExceeded):
		return echo.NewHTTPError(http.StatusGatewayTimeout, "request timed out").SetInternal(err)
	case errors.Is(err, context.Canceled):
		return echo.NewHTTPError(http.StatusServiceUnavailable, "request cancelled").SetInternal(err)
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, "internal error").SetInternal(err)
	}
}
