package webui

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"vcp-gateway/atc"
	"vcp-gateway/logic"
	"vcp-gateway/plugin"
	"vcp-gateway/tooltable"
)

const sessionName = "vcpsession"

// StateSource returns the last recorded state of every plugin.
type StateSource interface {
	PluginStates() ([]logic.PluginState, error)
}

// Server is the REST and websocket status API over the plugin registry.
type Server struct {
	registry *plugin.Registry
	tools    *tooltable.Store
	atc      *atc.Controller
	states   StateSource

	engine *gin.Engine
	http   *http.Server
}

// New builds the API for everything the manager has registered. Call it
// after BuildRegistry.
func New(cfg logic.HTTPConfig, m *logic.Manager) *Server {
	s := &Server{
		registry: m.Registry,
		tools:    m.Tools,
		atc:      m.ATC,
		states:   m,
	}

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger)

	secret := cfg.SessionSecret
	if secret == "" {
		secret, _ = generateRandomToken()
		logrus.Warn("API: no session secret configured, sessions end with the process")
	}
	store := cookie.NewStore([]byte(secret))
	store.Options(sessions.Options{Path: "/", MaxAge: 30 * 24 * 3600, HttpOnly: true})
	r.Use(sessions.Sessions(sessionName, store))

	setupRoutes(r, s)
	s.engine = r
	s.http = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Start serves in the background. Errors other than a regular shutdown are
// logged.
func (s *Server) Start() {
	go func() {
		logrus.Infof("API: starting HTTP server on %s", s.http.Addr)
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logrus.Errorf("API: HTTP server failed: %v", err)
		}
	}()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func requestLogger(c *gin.Context) {
	start := time.Now()
	c.Next()
	logrus.Debugf("API: %s %s -> %d (%s)", c.Request.Method, c.Request.URL.Path, c.Writer.Status(), time.Since(start))
}
