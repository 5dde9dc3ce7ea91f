// Package httpapi provides the embeddable read-only HTTP status API.
// Endpoints:
//
//	GET {basePath}/status            all process statuses
//	GET {basePath}/status/:name      one process status
//	GET {basePath}/uploads           upload queue state
//	GET {basePath}/reconciler        reconciler graph and pending work
//	GET {basePath}/metrics           Prometheus metrics
package httpapi

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/loykin/taskwire/internal/metrics"
	"github.com/loykin/taskwire/internal/procserver"
	"github.com/loykin/taskwire/internal/reconciler"
)

// Router exposes server and reconciler state. The reconciler is optional.
type Router struct {
	srv      *procserver.Server
	eng      *reconciler.Engine
	basePath string
}

func NewRouter(srv *procserver.Server, eng *reconciler.Engine, basePath string) *Router {
	return &Router{srv: srv, eng: eng, basePath: basePath}
}

// Handler returns an http.Handler powered by gin that can be mounted in any
// server or mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	group := g.Group(r.basePath)
	group.GET("/status", r.handleStatus)
	group.GET("/status/:name", r.handleStatusOne)
	group.GET("/uploads", r.handleUploads)
	group.GET("/reconciler", r.handleReconciler)
	group.GET("/metrics", gin.WrapH(metrics.Handler()))
	return g
}

// NewServer starts a standalone HTTP server on addr using this router.
func NewServer(addr, basePath string, srv *procserver.Server, eng *reconciler.Engine) *http.Server {
	r := NewRouter(srv, eng, basePath)
	server := &http.Server{
		Addr:              addr,
		Handler:           r.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	go func() { _ = server.ListenAndServe() }()
	return server
}

type errorResp struct {
	Error string `json:"error"`
}

func (r *Router) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, r.srv.Snapshot())
}

func (r *Router) handleStatusOne(c *gin.Context) {
	name := c.Param("name")
	st, ok := r.srv.Lookup(name)
	if !ok {
		c.JSON(http.StatusNotFound, errorResp{Error: "no such process: " + name})
		return
	}
	c.JSON(http.StatusOK, st)
}

type uploadsResp struct {
	Pending int `json:"pending"`
}

func (r *Router) handleUploads(c *gin.Context) {
	up := r.srv.Uploader()
	if up == nil {
		c.JSON(http.StatusServiceUnavailable, errorResp{Error: "server not open"})
		return
	}
	// Pending only: draining results belongs to the wire protocol client.
	c.JSON(http.StatusOK, uploadsResp{Pending: up.Pending()})
}

type reconcilerResp struct {
	RequiredEdges int      `json:"required_edges"`
	ActualEdges   int      `json:"actual_edges"`
	PendingTasks  []string `json:"pending_tasks,omitempty"`
}

func (r *Router) handleReconciler(c *gin.Context) {
	if r.eng == nil {
		c.JSON(http.StatusNotFound, errorResp{Error: "reconciler not enabled"})
		return
	}
	resp := reconcilerResp{
		RequiredEdges: r.eng.Required().Len(),
		ActualEdges:   r.eng.Actual().Len(),
	}
	if cs := r.eng.Pending(); cs != nil {
		resp.PendingTasks = cs.TaskNames()
	}
	c.JSON(http.StatusOK, resp)
}
