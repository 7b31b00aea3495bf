package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/xlttj/cftunnel/pkg/config"
	"github.com/xlttj/cftunnel/pkg/logging"
	"github.com/xlttj/cftunnel/pkg/manager"
)

// errorBody is the JSON shape of every failed request. Tunnel is set when
// the operation got far enough to change the tunnel's state.
type errorBody struct {
	Error  string              `json:"error"`
	Kind   string              `json:"kind"`
	Tunnel *manager.TunnelView `json:"tunnel,omitempty"`
}

// Server exposes a Commander over HTTP.
type Server struct {
	commander manager.Commander
	version   string
	engine    *gin.Engine
}

// NewServer builds the router.
func NewServer(commander manager.Commander, version string) *Server {
	gin.SetMode(gin.ReleaseMode)
	s := &Server{commander: commander, version: version, engine: gin.New()}
	// Tunnel names may contain "/", which clients send as %2F.
	s.engine.UseRawPath = true
	s.engine.UnescapePathValues = true
	s.engine.Use(gin.Recovery(), requestLogger())

	r := s.engine.Group("/api")
	r.GET("/health", s.health)
	r.GET("/tunnels", s.listTunnels)
	r.POST("/tunnels", s.addTunnel)
	r.PATCH("/tunnels/:name", s.updateTunnel)
	r.DELETE("/tunnels/:name", s.deleteTunnel)
	r.POST("/tunnels/:name/start", s.startTunnel)
	r.POST("/tunnels/:name/stop", s.stopTunnel)
	return s
}

// Handler returns the router, for tests and custom servers.
func (s *Server) Handler() http.Handler {
	return s.engine
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logging.Logger().Debug().
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).
			Dur("took", time.Since(start)).
			Msg("api request")
	}
}

// statusFor maps an error kind to an HTTP status.
func statusFor(kind string) int {
	switch kind {
	case manager.KindValidation:
		return http.StatusBadRequest
	case manager.KindNotFound:
		return http.StatusNotFound
	case manager.KindConflict, manager.KindBusy:
		return http.StatusConflict
	case manager.KindProcess:
		return http.StatusBadGateway
	case manager.KindClientMissing:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeError(c *gin.Context, err error, view *manager.TunnelView) {
	kind := manager.Kind(err)
	status := statusFor(kind)
	if status == http.StatusInternalServerError {
		logging.LogError("API %s %s failed: %v", c.Request.Method, c.Request.URL.Path, err)
	}
	c.JSON(status, errorBody{Error: err.Error(), Kind: kind, Tunnel: view})
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "version": s.version})
}

func (s *Server) listTunnels(c *gin.Context) {
	views, err := s.commander.List(c.Request.Context())
	if err != nil {
		writeError(c, err, nil)
		return
	}
	c.JSON(http.StatusOK, views)
}

func (s *Server) addTunnel(c *gin.Context) {
	var cfg config.TunnelConfig
	if err := c.ShouldBindJSON(&cfg); err != nil {
		writeError(c, fmt.Errorf("%w: %v", config.ErrInvalid, err), nil)
		return
	}
	view, err := s.commander.Add(c.Request.Context(), cfg)
	if err != nil {
		writeError(c, err, nil)
		return
	}
	c.JSON(http.StatusCreated, view)
}

func (s *Server) updateTunnel(c *gin.Context) {
	var patch config.Patch
	if err := c.ShouldBindJSON(&patch); err != nil {
		writeError(c, fmt.Errorf("%w: %v", config.ErrInvalid, err), nil)
		return
	}
	view, err := s.commander.Update(c.Request.Context(), c.Param("name"), patch)
	if err != nil {
		writeError(c, err, viewOrNil(view))
		return
	}
	c.JSON(http.StatusOK, view)
}

func (s *Server) deleteTunnel(c *gin.Context) {
	if err := s.commander.Delete(c.Request.Context(), c.Param("name")); err != nil {
		writeError(c, err, nil)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) startTunnel(c *gin.Context) {
	view, err := s.commander.Start(c.Request.Context(), c.Param("name"))
	if err != nil {
		writeError(c, err, viewOrNil(view))
		return
	}
	c.JSON(http.StatusOK, view)
}

func (s *Server) stopTunnel(c *gin.Context) {
	view, err := s.commander.Stop(c.Request.Context(), c.Param("name"))
	if err != nil {
		writeError(c, err, viewOrNil(view))
		return
	}
	c.JSON(http.StatusOK, view)
}

func viewOrNil(view manager.TunnelView) *manager.TunnelView {
	if view.Name == "" {
		return nil
	}
	return &view
}

// Listen opens a listener on addr, which must be a loopback address.
func Listen(addr string) (net.Listener, error) {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, fmt.Errorf("invalid listen address %q: %w", addr, err)
	}
	if host != "localhost" {
		ip := net.ParseIP(host)
		if ip == nil || !ip.IsLoopback() {
			return nil, fmt.Errorf("refusing to listen on non-loopback address %q", addr)
		}
	}
	return net.Listen("tcp", addr)
}

// Serve handles requests on ln until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{Handler: s.engine, ReadHeaderTimeout: 10 * time.Second}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()
	logging.LogInfo("API listening on %s", ln.Addr())

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
