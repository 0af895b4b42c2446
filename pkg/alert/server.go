package alert

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nlin88/opsbridge/pkg/infra/logger"
)

// Server is the push-facing HTTP surface: the alerting backend's
// webhook, the synthetic test trigger, and read endpoints.
type Server struct {
	ingester *Ingester
	version  string
	srv      *http.Server
}

func NewServer(addr string, ingester *Ingester, version string) *Server {
	s := &Server{
		ingester: ingester,
		version:  version,
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), requestIDMiddleware())

	api := router.Group("/api/v1")
	api.POST("/alerts", s.handleWebhook)
	api.POST("/alerts/test", s.handleTestTrigger)
	api.GET("/alerts", s.handleListAlerts)

	router.GET("/healthz", s.handleHealthz)
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(ingester.Metrics().Registry(), promhttp.HandlerOpts{})))

	s.srv = &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	return s
}

func requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		rid := c.GetHeader("X-Request-ID")
		if rid == "" {
			rid = uuid.NewString()
		}
		c.Request = c.Request.WithContext(logger.SetRequestID(c.Request.Context(), rid))
		c.Header("X-Request-ID", rid)
		c.Next()
	}
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.srv.Handler
}

// Run serves until the context is cancelled, then shuts down with the
// given grace period for in-flight requests.
func (s *Server) Run(ctx context.Context, grace time.Duration) error {
	log := logger.Default().With("component", "ingest-server")

	errCh := make(chan error, 1)
	go func() {
		log.Info("ingestion server starting", "addr", s.srv.Addr)
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("ingestion server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()

	if err := s.srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("ingestion server shutdown: %w", err)
	}

	log.Info("ingestion server stopped")
	return nil
}

func (s *Server) handleWebhook(c *gin.Context) {
	log := logger.WithContext(c.Request.Context())

	var payload WebhookPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		log.Warn("malformed webhook payload", "error", err)
		writeError(c, http.StatusBadRequest, "validation_error", "invalid webhook payload: "+err.Error())
		return
	}

	applied, err := s.ingester.Ingest(&payload)
	if err != nil {
		log.Warn("rejected alert batch", "error", err, "receiver", payload.Receiver)
		writeError(c, http.StatusBadRequest, "validation_error", err.Error())
		return
	}

	log.Info("alert batch ingested",
		"receiver", payload.Receiver,
		"alerts", len(payload.Alerts),
		"applied", applied,
	)

	// The batch is acknowledged now; regeneration happens behind the
	// debounce window and its failures never reach this caller.
	c.JSON(http.StatusOK, gin.H{
		"status":  "received",
		"alerts":  len(payload.Alerts),
		"applied": applied,
	})
}

func (s *Server) handleTestTrigger(c *gin.Context) {
	injected, err := s.ingester.InjectSynthetic()
	if err != nil {
		writeError(c, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}

	logger.WithContext(c.Request.Context()).Info("synthetic alert injected", "fingerprint", injected.Fingerprint)
	c.JSON(http.StatusOK, gin.H{
		"status": "injected",
		"alert":  injected,
	})
}

func (s *Server) handleListAlerts(c *gin.Context) {
	snapshot := s.ingester.Store().Snapshot()
	c.JSON(http.StatusOK, gin.H{
		"alerts": snapshot,
		"count":  len(snapshot),
	})
}

func (s *Server) handleHealthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "ok",
		"version":   s.version,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func writeError(c *gin.Context, status int, kind, message string) {
	c.JSON(status, gin.H{
		"error": gin.H{
			"kind":    kind,
			"message": message,
		},
	})
}
