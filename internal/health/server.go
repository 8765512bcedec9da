package health

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// CheckFunc reports the health of one component. A non-nil error marks
// the component, and the endpoint, degraded.
type CheckFunc func() error

// Server serves /healthz and /metrics on a local listener.
type Server struct {
	mu     sync.Mutex
	checks map[string]CheckFunc

	addr   string
	logger *zap.Logger
	srv    *http.Server
}

// NewServer creates a health server bound to addr.
func NewServer(addr string, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		checks: make(map[string]CheckFunc),
		addr:   addr,
		logger: logger,
	}
}

// Register adds a named component check.
func (s *Server) Register(name string, check CheckFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checks[name] = check
}

func (s *Server) handleHealthz(c *gin.Context) {
	s.mu.Lock()
	checks := make(map[string]CheckFunc, len(s.checks))
	for name, fn := range s.checks {
		checks[name] = fn
	}
	s.mu.Unlock()

	components := make(map[string]string, len(checks))
	healthy := true
	for name, check := range checks {
		if err := check(); err != nil {
			components[name] = err.Error()
			healthy = false
		} else {
			components[name] = "ok"
		}
	}

	code := http.StatusOK
	state := "ok"
	if !healthy {
		code = http.StatusServiceUnavailable
		state = "degraded"
	}
	c.JSON(code, gin.H{"status": state, "components": components})
}

// Start begins serving in the background. Listen failures only log: the
// daemon stays up without its health endpoint.
func (s *Server) Start() {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.GET("/healthz", s.handleHealthz)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	s.srv = &http.Server{Addr: s.addr, Handler: router}
	go func() {
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Warn("health endpoint unavailable", zap.Error(err))
		}
	}()
	s.logger.Info("health endpoint listening", zap.String("addr", s.addr))
}

// Stop shuts the listener down.
func (s *Server) Stop() {
	if s.srv == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.srv.Shutdown(ctx); err != nil {
		s.logger.Warn("health shutdown failed", zap.Error(err))
	}
}
