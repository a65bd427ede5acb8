// Package ops is the optional read-only HTTP surface: health, metrics,
// session and checkpoint snapshots, and a live event tail over websocket.
// It never mutates core state; the MCP frontend is the only write path.
package ops

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"warden/internal/bus"
	"warden/internal/checkpoint"
	"warden/internal/config"
	"warden/internal/faults"
	"warden/internal/logging"
	"warden/internal/session"
)

// Options wires the ops server to the components it reads.
type Options struct {
	Config      config.OpsConfig
	Sessions    *session.Supervisor
	Checkpoints *checkpoint.Manager
	Bus         *bus.Bus
	Gatherer    prometheus.Gatherer
	Logger      logging.Logger
	Version     string
	StartedAt   time.Time
}

// Server serves the ops endpoints on its own listener.
type Server struct {
	opts   Options
	engine *gin.Engine
	logger logging.Logger
}

// New builds the router. ListenAddr must be non-empty; the composition root
// skips construction entirely when ops are disabled.
func New(opts Options) (*Server, error) {
	if opts.Config.ListenAddr == "" {
		return nil, faults.Invalid("ops_addr_empty", "ops server needs a listen address")
	}
	if opts.Sessions == nil {
		return nil, faults.Invalid("ops_wiring", "ops server requires the session supervisor")
	}
	if opts.StartedAt.IsZero() {
		opts.StartedAt = time.Now()
	}

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	corsConfig := cors.DefaultConfig()
	if len(opts.Config.AllowOrigins) > 0 {
		corsConfig.AllowOrigins = opts.Config.AllowOrigins
	} else {
		corsConfig.AllowAllOrigins = true
	}
	corsConfig.AllowMethods = []string{"GET", "OPTIONS"}
	corsConfig.AllowWebSockets = true
	engine.Use(cors.New(corsConfig))

	s := &Server{
		opts:   opts,
		engine: engine,
		logger: logging.NewComponentLogger(logging.OrNop(opts.Logger), "ops"),
	}
	s.routes()
	return s, nil
}

func (s *Server) routes() {
	s.engine.GET("/healthz", s.handleHealth)
	if s.opts.Gatherer != nil {
		s.engine.GET("/metrics", gin.WrapH(promhttp.HandlerFor(
			s.opts.Gatherer, promhttp.HandlerOpts{})))
	}

	api := s.engine.Group("/api/v1")
	api.GET("/sessions", s.handleSessions)
	api.GET("/sessions/:id", s.handleSession)
	api.GET("/checkpoints", s.handleCheckpoints)
	api.GET("/refs", s.handleRefs)

	if s.opts.Bus != nil {
		s.engine.GET("/ws/events", s.handleEvents)
	}
}

// Handler exposes the router for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Run serves until ctx is cancelled, then drains with a short deadline.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.opts.Config.ListenAddr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	s.logger.Info("ops server listening on %s", s.opts.Config.ListenAddr)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return srv.Close()
		}
		<-errCh
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":         "ok",
		"version":        s.opts.Version,
		"uptime_seconds": int64(time.Since(s.opts.StartedAt).Seconds()),
		"sessions":       s.opts.Sessions.ActiveCount(),
	})
}

func (s *Server) handleSessions(c *gin.Context) {
	snaps := s.opts.Sessions.List()
	if state := c.Query("state"); state != "" {
		st, err := session.ParseState(state)
		if err != nil {
			s.fail(c, err)
			return
		}
		filtered := snaps[:0]
		for _, snap := range snaps {
			if snap.State == st {
				filtered = append(filtered, snap)
			}
		}
		snaps = filtered
	}
	c.JSON(http.StatusOK, gin.H{"sessions": snaps, "total": len(snaps)})
}

func (s *Server) handleSession(c *gin.Context) {
	snap, err := s.opts.Sessions.Get(c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, snap)
}

func (s *Server) handleCheckpoints(c *gin.Context) {
	if s.opts.Checkpoints == nil {
		s.fail(c, faults.Invalid("checkpoints_disabled", "checkpoint manager is not configured"))
		return
	}
	cps, err := s.opts.Checkpoints.List(checkpoint.ListFilter{
		Tag:    c.Query("tag"),
		Author: c.Query("author"),
	})
	if err != nil {
		s.fail(c, err)
		return
	}
	// Entry lists can be large; the ops view is a summary.
	type summary struct {
		ID        string    `json:"id"`
		Parent    string    `json:"parent,omitempty"`
		Author    string    `json:"author,omitempty"`
		Message   string    `json:"message,omitempty"`
		Tags      []string  `json:"tags,omitempty"`
		CreatedAt time.Time `json:"created_at"`
		Files     int       `json:"files"`
	}
	out := make([]summary, 0, len(cps))
	for _, cp := range cps {
		out = append(out, summary{
			ID:        cp.ID,
			Parent:    cp.Manifest.Parent,
			Author:    cp.Manifest.Author,
			Message:   cp.Manifest.Message,
			Tags:      cp.Manifest.Tags,
			CreatedAt: cp.Manifest.CreatedAt,
			Files:     len(cp.Manifest.Entries),
		})
	}
	c.JSON(http.StatusOK, gin.H{"checkpoints": out, "total": len(out)})
}

func (s *Server) handleRefs(c *gin.Context) {
	if s.opts.Checkpoints == nil {
		s.fail(c, faults.Invalid("checkpoints_disabled", "checkpoint manager is not configured"))
		return
	}
	refs, err := s.opts.Checkpoints.ListRefs()
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"refs": refs})
}

// fail maps a faults kind onto an HTTP status.
func (s *Server) fail(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch faults.KindOf(err) {
	case faults.KindNotFound:
		status = http.StatusNotFound
	case faults.KindInvalid:
		status = http.StatusBadRequest
	case faults.KindBusy, faults.KindQuotaExceeded:
		status = http.StatusTooManyRequests
	case faults.KindTimeout:
		status = http.StatusGatewayTimeout
	}
	c.JSON(status, gin.H{
		"kind":    faults.KindOf(err).String(),
		"code":    faults.CodeOf(err),
		"message": err.Error(),
	})
}
