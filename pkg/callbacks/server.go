// Package callbacks serves the HTTP surface deployers report to.
//
// A deployer posts a deployer.CallbackBody to /v1/callbacks/:token. Every
// well-formed callback is answered with 202, including callbacks the
// correlator discards as duplicates or late arrivals, so that deployers stop
// retrying them. Malformed bodies get 400 and bad signatures 401. Only store
// failures answer 500, which makes the deployer retry.
package callbacks

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/stratus-cp/stratus/pkg/deployer"
	"github.com/stratus-cp/stratus/pkg/engine"
	"github.com/stratus-cp/stratus/pkg/telemetry"
)

// maxBodyBytes bounds a callback body. State snapshots make them large.
const maxBodyBytes = 32 << 20

// Config configures the callback server.
type Config struct {
	// Addr is the listen address.
	Addr string `yaml:"addr" validate:"required"`

	// Secret, when set, requires every callback to carry a valid signature.
	Secret string `yaml:"secret"`

	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// HealthChecker reports whether a dependency is usable.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Server is the callback HTTP server.
type Server struct {
	cfg    Config
	sink   deployer.ResultSink
	health HealthChecker
	tel    *telemetry.Telemetry
	logger *telemetry.Logger
	router *gin.Engine
	srv    *http.Server
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail describes an error.
type ErrorDetail struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	RequestID string `json:"request_id"`
}

// NewServer creates a callback server.
func NewServer(cfg Config, sink deployer.ResultSink, health HealthChecker, tel *telemetry.Telemetry) *Server {
	if tel == nil {
		tel = telemetry.NewNop()
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 30 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 30 * time.Second
	}
	s := &Server{
		cfg:    cfg,
		sink:   sink,
		health: health,
		tel:    tel,
		logger: tel.Logger.NewComponentLogger("callbacks"),
	}

	r := gin.New()
	r.Use(gin.Recovery(), RequestID(), AccessLog(s.logger))
	r.POST(deployer.CallbacksPath+":token", s.handleCallback)
	r.GET("/healthz", s.handleHealth)
	r.GET("/metrics", gin.WrapH(tel.Metrics.Handler()))
	s.router = r
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	s.srv = &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.router,
		ReadTimeout:       s.cfg.ReadTimeout,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      s.cfg.WriteTimeout,
	}
	errCh := make(chan error, 1)
	go func() {
		s.logger.WithField("addr", s.cfg.Addr).Info("callback server listening")
		errCh <- s.srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.srv.Shutdown(shutdownCtx)
	}
}

func (s *Server) handleCallback(c *gin.Context) {
	token := c.Param("token")
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxBodyBytes+1))
	if err != nil {
		WriteError(c, http.StatusBadRequest, "UNREADABLE_BODY", "failed to read body")
		return
	}
	if len(body) > maxBodyBytes {
		WriteError(c, http.StatusRequestEntityTooLarge, "BODY_TOO_LARGE", "callback body too large")
		return
	}
	if s.cfg.Secret != "" && !deployer.Verify([]byte(s.cfg.Secret), body, c.GetHeader(deployer.SignatureHeader)) {
		s.logger.WithToken(token).Warn("callback with invalid signature rejected")
		WriteError(c, http.StatusUnauthorized, "INVALID_SIGNATURE", "invalid signature")
		return
	}
	cb, err := deployer.DecodeCallback(body)
	if err != nil {
		WriteError(c, http.StatusBadRequest, "MALFORMED_CALLBACK", err.Error())
		return
	}

	err = s.sink.HandleCallback(c.Request.Context(), token, cb.Outcome())
	if err != nil && !engine.IsCorrelation(err) {
		s.logger.WithToken(token).WithError(err).Error("failed to apply callback")
		WriteError(c, http.StatusInternalServerError, "APPLY_FAILED", "failed to apply callback")
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "accepted"})
}

func (s *Server) handleHealth(c *gin.Context) {
	if s.health != nil {
		if err := s.health.HealthCheck(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "error": err.Error()})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// RequestID propagates X-Request-Id, generating one when absent.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader("X-Request-Id")
		if id == "" {
			id = uuid.New().String()
		}
		c.Set("request_id", id)
		c.Header("X-Request-Id", id)
		c.Next()
	}
}

// AccessLog logs every request except health and metrics scrapes at debug level.
func AccessLog(logger *telemetry.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		if c.Request.URL.Path == "/metrics" || c.Request.URL.Path == "/healthz" {
			return
		}
		logger.WithFields(map[string]interface{}{
			"method":      c.Request.Method,
			"path":        c.FullPath(),
			"status":      c.Writer.Status(),
			"duration_ms": time.Since(start).Milliseconds(),
			"request_id":  c.GetString("request_id"),
		}).Debug("request served")
	}
}

// WriteError writes an ErrorResponse carrying the request id.
func WriteError(c *gin.Context, status int, code, message string) {
	c.JSON(status, ErrorResponse{Error: ErrorDetail{
		Code:      code,
		Message:   message,
		RequestID: c.GetString("request_id"),
	}})
}
