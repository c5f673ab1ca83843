// Package server implements the optional debug HTTP server of a profiling
// session.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/leptonai/gpuprof/pkg/config"
	"github.com/leptonai/gpuprof/pkg/control"
	"github.com/leptonai/gpuprof/pkg/log"
	"github.com/leptonai/gpuprof/pkg/metrics"
)

// Controls is the part of the control router the server exposes.
type Controls interface {
	Values() []control.KeyValue
	Set(key, value string) error
}

type Op struct {
	sessionID string
	publisher metrics.Publisher
	controls  Controls
	gatherer  prometheus.Gatherer
	cfg       *config.Config
}

type OpOption func(*Op)

func (op *Op) applyOpts(opts []OpOption) error {
	for _, opt := range opts {
		opt(op)
	}
	if op.publisher == nil {
		return errors.New("publisher is required")
	}
	if op.controls == nil {
		return errors.New("controls are required")
	}
	if op.gatherer == nil {
		op.gatherer = prometheus.DefaultGatherer
	}
	return nil
}

func WithSessionID(id string) OpOption {
	return func(op *Op) {
		op.sessionID = id
	}
}

func WithPublisher(p metrics.Publisher) OpOption {
	return func(op *Op) {
		op.publisher = p
	}
}

func WithControls(c Controls) OpOption {
	return func(op *Op) {
		op.controls = c
	}
}

// WithGatherer sets the registry served on /metrics. Defaults to the
// prometheus default registry.
func WithGatherer(g prometheus.Gatherer) OpOption {
	return func(op *Op) {
		op.gatherer = g
	}
}

// WithConfig exposes the running config under /admin/config.
func WithConfig(cfg *config.Config) OpOption {
	return func(op *Op) {
		op.cfg = cfg
	}
}

type Server struct {
	srv  *http.Server
	ln   net.Listener
	done chan struct{}
}

// New binds addr and builds the routes. Call Start to serve.
func New(addr string, opts ...OpOption) (*Server, error) {
	op := &Op{}
	if err := op.applyOpts(opts); err != nil {
		return nil, err
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	return &Server{
		srv: &http.Server{
			Handler:           newRouter(op),
			ReadHeaderTimeout: 10 * time.Second,
		},
		ln:   ln,
		done: make(chan struct{}),
	}, nil
}

func newRouter(op *Op) *gin.Engine {
	router := gin.New()
	installRootGinMiddlewares(router)
	installCommonGinMiddlewares(router, log.Logger.Desugar())

	router.GET(urlPathHealthz, createHealthzHandler(op.sessionID))

	promHandler := promhttp.HandlerFor(op.gatherer, promhttp.HandlerOpts{})
	router.GET(urlPathMetrics, func(c *gin.Context) {
		promHandler.ServeHTTP(c.Writer, c.Request)
	})

	v1 := router.Group("/v1")
	// responses are gzip-compressed when the request asks for it
	v1.Use(gzip.Gzip(gzip.DefaultCompression))
	v1.GET(urlPathDescriptions, createDescriptionsHandler(op.publisher))
	v1.GET(urlPathControls, createControlsHandler(op.controls))
	v1.PUT(urlPathControls, createSetControlHandler(op.controls))

	if op.cfg != nil {
		admin := router.Group("/admin")
		admin.GET(urlPathConfig, createConfigHandler(op.cfg))
	}
	return router
}

// Addr returns the bound address.
func (s *Server) Addr() net.Addr {
	return s.ln.Addr()
}

func (s *Server) Start() {
	log.Logger.Infow("serving debug http", "address", s.ln.Addr().String())
	go func() {
		defer close(s.done)
		if err := s.srv.Serve(s.ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Logger.Errorw("debug http server failed", "error", err)
		}
	}()
}

// Stop shuts the server down gracefully, bounded by ctx.
func (s *Server) Stop(ctx context.Context) error {
	err := s.srv.Shutdown(ctx)
	select {
	case <-s.done:
	case <-ctx.Done():
	}
	return err
}
