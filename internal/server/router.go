package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/loykin/bridgevisor/internal/metrics"
	"github.com/loykin/bridgevisor/internal/reclaim"
	"github.com/loykin/bridgevisor/internal/registry"
	"github.com/loykin/bridgevisor/internal/session"
)

// Session is the coordinator surface exposed over HTTP.
type Session interface {
	Status() session.Status
	QRCode() (string, bool)
	CleanupOrphanedProcesses(ctx context.Context) reclaim.Result
}

// Tracker reads the process registry.
type Tracker interface {
	Read(ctx context.Context) []registry.TrackedProcess
}

// Prober answers liveness and start time for a pid.
type Prober interface {
	IsRunning(ctx context.Context, pid int) bool
	StartTime(pid int) time.Time
}

// Router provides embeddable HTTP handlers for the supervisor.
// Endpoints:
//
//	GET  {basePath}/status     session state
//	GET  {basePath}/processes  tracked processes with liveness
//	POST {basePath}/cleanup    run one reclaim pass
//	GET  {basePath}/qr         pending login challenge, 404 when none
//	GET  /metrics              prometheus, when enabled
//
// basePath may be empty or start with '/'; no trailing slash.
type Router struct {
	sess     Session
	reg      Tracker
	host     Prober
	basePath string
	metrics  bool
}

// NewRouter constructs a Router. Example basePath: "/api" results in
// /api/status, /api/processes and so on.
func NewRouter(sess Session, reg Tracker, host Prober, basePath string) *Router {
	return &Router{sess: sess, reg: reg, host: host, basePath: sanitizeBase(basePath)}
}

// WithMetrics also serves /metrics.
func (r *Router) WithMetrics(enabled bool) *Router {
	r.metrics = enabled
	return r
}

// Handler returns an http.Handler powered by gin that can be mounted in any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	group := g.Group(r.basePath)
	group.GET("/status", r.handleStatus)
	group.GET("/processes", r.handleProcesses)
	group.POST("/cleanup", r.handleCleanup)
	group.GET("/qr", r.handleQR)
	if r.metrics {
		g.GET("/metrics", gin.WrapH(metrics.Handler()))
	}
	return g
}

// Server is a running admin HTTP server. It implements io.Closer so the
// session coordinator can release it during shutdown.
type Server struct {
	srv    *http.Server
	ln     net.Listener
	secure bool
}

// NewServer listens on addr and serves h in the background, over TLS when
// tlsCfg is non-nil.
func NewServer(addr string, h http.Handler, tlsCfg *tls.Config) (*Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}
	if tlsCfg != nil {
		ln = tls.NewListener(ln, tlsCfg)
	}
	s := &Server{
		ln:     ln,
		secure: tlsCfg != nil,
		srv: &http.Server{
			Handler:           h,
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       15 * time.Second,
			WriteTimeout:      15 * time.Second,
			IdleTimeout:       60 * time.Second,
		},
	}
	go func() { _ = s.srv.Serve(ln) }()
	return s, nil
}

// Addr is the bound listen address.
func (s *Server) Addr() string { return s.ln.Addr().String() }

// URL is the server's base URL, without the API base path.
func (s *Server) URL() string {
	if s.secure {
		return "https://" + s.Addr()
	}
	return "http://" + s.Addr()
}

// Close gracefully stops the server, giving in-flight requests five seconds.
func (s *Server) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.srv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// --- Handlers ---

type errorResp struct {
	Error string `json:"error"`
}

type qrResp struct {
	QR string `json:"qr"`
}

// ProcessView is one tracked process as served by /processes.
type ProcessView struct {
	registry.TrackedProcess
	Running     bool       `json:"running"`
	Owned       bool       `json:"owned"`
	OSStartTime *time.Time `json:"osStartTime,omitempty"`
}

func (r *Router) handleStatus(c *gin.Context) {
	writeJSON(c, http.StatusOK, r.sess.Status())
}

func (r *Router) handleProcesses(c *gin.Context) {
	ctx := c.Request.Context()
	mine := r.sess.Status().InstanceID
	set := r.reg.Read(ctx)
	out := make([]ProcessView, 0, len(set))
	for _, p := range set {
		v := ProcessView{
			TrackedProcess: p,
			Running:        r.host.IsRunning(ctx, p.PID),
			Owned:          p.InstanceID == mine,
		}
		if v.Running {
			if st := r.host.StartTime(p.PID); !st.IsZero() {
				v.OSStartTime = &st
			}
		}
		out = append(out, v)
	}
	writeJSON(c, http.StatusOK, out)
}

func (r *Router) handleCleanup(c *gin.Context) {
	writeJSON(c, http.StatusOK, r.sess.CleanupOrphanedProcesses(c.Request.Context()))
}

func (r *Router) handleQR(c *gin.Context) {
	qr, ok := r.sess.QRCode()
	if !ok {
		writeJSON(c, http.StatusNotFound, errorResp{Error: "no login challenge pending"})
		return
	}
	writeJSON(c, http.StatusOK, qrResp{QR: qr})
}
