// Package server exposes a remote.MemoryService over REST and pushes change
// notifications over WebSocket. It is the backend used for local
// development and end-to-end tests of the sync engine.
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	apperrors "github.com/kimhsiao/routinesync/internal/errors"
	"github.com/kimhsiao/routinesync/internal/logging"
	"github.com/kimhsiao/routinesync/internal/models"
	"github.com/kimhsiao/routinesync/internal/remote"
)

// Server serves the REST API and /ws push channel.
type Server struct {
	svc         *remote.MemoryService
	hub         *Hub
	engine      *gin.Engine
	unsubscribe func()
}

// New creates a Server over svc. Changes applied to svc are broadcast to
// WebSocket clients until Close.
func New(svc *remote.MemoryService) *Server {
	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		svc: svc,
		hub: NewHub(),
	}
	s.unsubscribe = svc.OnChange(s.hub.Publish)
	s.engine = s.routes()
	return s
}

func (s *Server) routes() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(requestLogger(logging.Get().Zap()))

	r.GET("/ws", func(c *gin.Context) {
		s.hub.ServeWS(c.Writer, c.Request)
	})

	api := r.Group("/api")
	{
		api.GET("/health", s.health)

		routines := api.Group("/routines")
		{
			routines.GET("", s.listRoutines)
			routines.POST("", s.createRoutine)
			routines.PATCH("/:id", s.updateRoutine)
			routines.DELETE("/:id", s.deleteRoutine)
			routines.POST("/:id/slots", s.addSlot)
			routines.PATCH("/:id/slots/:slot", s.updateSlot)
			routines.DELETE("/:id/slots/:slot", s.deleteSlot)
		}
	}
	return r
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Hub returns the WebSocket hub.
func (s *Server) Hub() *Hub {
	return s.hub
}

// Close stops broadcasting and disconnects WebSocket clients.
func (s *Server) Close() {
	s.unsubscribe()
	s.hub.Close()
}

// ListenAndServe serves on addr until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logging.Info("Development server listening", map[string]interface{}{"addr": addr})
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		s.Close()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.Close()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	logging.Info("Development server stopped")
	return nil
}

func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		fields := []zap.Field{
			zap.Int("status", c.Writer.Status()),
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Duration("latency", time.Since(start)),
		}
		if key := c.GetHeader(remote.IdempotencyHeader); key != "" {
			fields = append(fields, zap.String("idempotency_key", key))
		}

		switch status := c.Writer.Status(); {
		case status >= 500:
			logger.Error("Request failed", fields...)
		case status >= 400:
			logger.Warn("Request rejected", fields...)
		default:
			logger.Debug("Request completed", fields...)
		}
	}
}

func respondOK(c *gin.Context, status int, data interface{}) {
	c.JSON(status, remote.Response{Code: remote.CodeOK, Message: "success", Data: data})
}

func respondError(c *gin.Context, status int, code, message string) {
	c.JSON(status, remote.Response{Code: code, Message: message})
}

// handleError maps a service error to a response.
func handleError(c *gin.Context, err error) {
	var rej *remote.RejectedError
	switch {
	case errors.As(err, &rej):
		status := rej.Status
		if status == 0 {
			status = http.StatusBadRequest
		}
		respondError(c, status, rej.Code, rej.Message)
	case apperrors.Is(err, apperrors.ErrNetworkUnavailable):
		respondError(c, http.StatusServiceUnavailable, string(apperrors.ErrNetworkUnavailable), err.Error())
	default:
		respondError(c, http.StatusInternalServerError, string(apperrors.ErrInternal), err.Error())
	}
}

func (s *Server) health(c *gin.Context) {
	if err := s.svc.Ping(c.Request.Context()); err != nil {
		handleError(c, err)
		return
	}
	respondOK(c, http.StatusOK, gin.H{"status": "ok"})
}

// GET /api/routines
func (s *Server) listRoutines(c *gin.Context) {
	col, err := s.svc.FetchAll(c.Request.Context())
	if err != nil {
		handleError(c, err)
		return
	}
	respondOK(c, http.StatusOK, col.Routines)
}

// POST /api/routines
func (s *Server) createRoutine(c *gin.Context) {
	var in models.RoutineInput
	if err := c.ShouldBindJSON(&in); err != nil {
		respondError(c, http.StatusBadRequest, string(apperrors.ErrInvalid), "invalid request body")
		return
	}
	r, err := s.svc.CreateRoutine(c.Request.Context(), c.GetHeader(remote.IdempotencyHeader), in)
	if err != nil {
		handleError(c, err)
		return
	}
	respondOK(c, http.StatusCreated, r)
}

// PATCH /api/routines/:id
func (s *Server) updateRoutine(c *gin.Context) {
	var patch models.RoutinePatch
	if err := c.ShouldBindJSON(&patch); err != nil {
		respondError(c, http.StatusBadRequest, string(apperrors.ErrInvalid), "invalid request body")
		return
	}
	r, err := s.svc.UpdateRoutine(c.Request.Context(), c.GetHeader(remote.IdempotencyHeader), c.Param("id"), patch)
	if err != nil {
		handleError(c, err)
		return
	}
	respondOK(c, http.StatusOK, r)
}

// DELETE /api/routines/:id
func (s *Server) deleteRoutine(c *gin.Context) {
	if err := s.svc.DeleteRoutine(c.Request.Context(), c.GetHeader(remote.IdempotencyHeader), c.Param("id")); err != nil {
		handleError(c, err)
		return
	}
	respondOK(c, http.StatusOK, nil)
}

// POST /api/routines/:id/slots
func (s *Server) addSlot(c *gin.Context) {
	var in models.SlotInput
	if err := c.ShouldBindJSON(&in); err != nil {
		respondError(c, http.StatusBadRequest, string(apperrors.ErrInvalid), "invalid request body")
		return
	}
	slot, err := s.svc.AddSlot(c.Request.Context(), c.GetHeader(remote.IdempotencyHeader), c.Param("id"), in)
	if err != nil {
		handleError(c, err)
		return
	}
	respondOK(c, http.StatusCreated, slot)
}

// PATCH /api/routines/:id/slots/:slot
func (s *Server) updateSlot(c *gin.Context) {
	var patch models.SlotPatch
	if err := c.ShouldBindJSON(&patch); err != nil {
		respondError(c, http.StatusBadRequest, string(apperrors.ErrInvalid), "invalid request body")
		return
	}
	slot, err := s.svc.UpdateSlot(c.Request.Context(), c.GetHeader(remote.IdempotencyHeader), c.Param("id"), c.Param("slot"), patch)
	if err != nil {
		handleError(c, err)
		return
	}
	respondOK(c, http.StatusOK, slot)
}

// DELETE /api/routines/:id/slots/:slot
func (s *Server) deleteSlot(c *gin.Context) {
	if err := s.svc.DeleteSlot(c.Request.Context(), c.GetHeader(remote.IdempotencyHeader), c.Param("id"), c.Param("slot")); err != nil {
		handleError(c, err)
		return
	}
	respondOK(c, http.StatusOK, nil)
}
