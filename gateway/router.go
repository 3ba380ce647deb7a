// Package gateway implements the front door: a path-prefix reverse proxy to
// the backend services, an admission queue with an admin bypass, and the
// liveness and heartbeat endpoints.
package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"time"

	"github.com/michalspano/appointdent/config"
	"github.com/michalspano/appointdent/errors"
	"github.com/michalspano/appointdent/metric"
)

// AdminPrefix is the path segment whose requests bypass the admission
// queue. Admin traffic is a priority class, not fair-scheduled.
const AdminPrefix = "admins"

// DefaultProxyTimeout bounds a forwarded request when the config does not
// override it.
const DefaultProxyTimeout = 10 * time.Second

// DefaultConcurrency is the admission queue's default concurrency limit.
const DefaultConcurrency = 64

// SnapshotProvider exposes the heartbeat monitor's read model.
type SnapshotProvider interface {
	Snapshot() map[string]bool
}

type target struct {
	service string
	proxy   *httputil.ReverseProxy
}

// Option configures a Router.
type Option func(*Router)

// WithLogger sets the router logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Router) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithMetrics attaches the core platform metrics.
func WithMetrics(m *metric.Metrics) Option {
	return func(r *Router) {
		r.metrics = m
	}
}

// WithMonitor attaches the heartbeat monitor backing GET /heartbeat.
func WithMonitor(monitor SnapshotProvider) Option {
	return func(r *Router) {
		r.monitor = monitor
	}
}

// WithMetricsHandler mounts a handler on GET /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(r *Router) {
		r.metricsHandler = h
	}
}

// WithProxyTimeout overrides the per-request forwarding deadline.
func WithProxyTimeout(d time.Duration) Option {
	return func(r *Router) {
		if d > 0 {
			r.proxyTimeout = d
		}
	}
}

// WithConcurrency overrides the admission queue's concurrency limit.
func WithConcurrency(n int) Option {
	return func(r *Router) {
		if n > 0 {
			r.slots = make(chan struct{}, n)
		}
	}
}

// Router dispatches on the first path segment: the segment selects a
// backend from the route table and is stripped before forwarding. Unmatched
// prefixes get a 404. All forwarded requests except admin-prefixed ones
// pass through a counting semaphore with an unbounded wait queue.
type Router struct {
	targets        map[string]*target
	slots          chan struct{}
	proxyTimeout   time.Duration
	monitor        SnapshotProvider
	metrics        *metric.Metrics
	metricsHandler http.Handler
	logger         *slog.Logger
}

// NewRouter builds a router from the manifest's route table.
func NewRouter(routes []config.Route, opts ...Option) (*Router, error) {
	r := &Router{
		targets:      make(map[string]*target, len(routes)),
		slots:        make(chan struct{}, DefaultConcurrency),
		proxyTimeout: DefaultProxyTimeout,
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}

	for _, route := range routes {
		u, err := url.Parse(route.Target)
		if err != nil {
			return nil, errors.WrapInvalid(err, "Router", "NewRouter",
				"parse target for prefix "+route.Prefix)
		}

		proxy := httputil.NewSingleHostReverseProxy(u)
		service := route.Prefix
		proxy.ErrorHandler = func(w http.ResponseWriter, req *http.Request, err error) {
			r.logger.Error("upstream proxy failed",
				"service", service, "path", req.URL.Path, "error", err)
			r.recordProxy(service, "upstream_error")
			r.writeError(w, http.StatusBadGateway, "upstream unavailable")
		}

		r.targets[route.Prefix] = &target{service: service, proxy: proxy}
	}

	return r, nil
}

// Handler returns the gateway's HTTP surface.
func (r *Router) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/", func(w http.ResponseWriter, req *http.Request) {
		if req.URL.Path == "/" {
			w.WriteHeader(http.StatusOK)
			return
		}
		r.dispatch(w, req)
	})

	mux.HandleFunc("GET /heartbeat", r.handleHeartbeat)

	if r.metricsHandler != nil {
		mux.Handle("GET /metrics", r.metricsHandler)
	}

	return mux
}

func (r *Router) handleHeartbeat(w http.ResponseWriter, req *http.Request) {
	snapshot := map[string]bool{}
	if r.monitor != nil {
		snapshot = r.monitor.Snapshot()
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(snapshot); err != nil {
		r.logger.Error("encode heartbeat snapshot failed", "error", err)
	}
}

func (r *Router) dispatch(w http.ResponseWriter, req *http.Request) {
	prefix, rest := splitFirstSegment(req.URL.Path)

	t, ok := r.targets[prefix]
	if !ok {
		r.writeError(w, http.StatusNotFound, "unknown service prefix")
		return
	}

	if r.admit(prefix, req) {
		defer r.release()
	}

	ctx, cancel := context.WithTimeout(req.Context(), r.proxyTimeout)
	defer cancel()

	req = req.Clone(ctx)
	req.URL.Path = rest

	r.recordProxy(t.service, "forwarded")
	t.proxy.ServeHTTP(w, req)
}

// admit blocks until a concurrency slot is free, unless the request is
// admin traffic. Reports whether a slot was taken.
func (r *Router) admit(prefix string, req *http.Request) bool {
	if prefix == AdminPrefix || strings.Contains(req.URL.Path, "/"+AdminPrefix+"/") {
		if r.metrics != nil {
			r.metrics.QueueBypassed.Inc()
		}
		return false
	}

	if r.metrics != nil {
		r.metrics.QueueWaiting.Inc()
		defer r.metrics.QueueWaiting.Dec()
	}
	r.slots <- struct{}{}
	return true
}

func (r *Router) release() {
	<-r.slots
}

func (r *Router) recordProxy(service, outcome string) {
	if r.metrics != nil {
		r.metrics.ProxyRequests.WithLabelValues(service, outcome).Inc()
	}
}

func (r *Router) writeError(w http.ResponseWriter, statusCode int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	response := map[string]interface{}{
		"error":  message,
		"status": statusCode,
	}

	data, _ := json.Marshal(response)
	w.Write(data) //nolint:errcheck
}

// splitFirstSegment returns the first path segment and the remainder with
// the segment stripped ("/sessions/login" -> "sessions", "/login").
func splitFirstSegment(path string) (string, string) {
	trimmed := strings.TrimPrefix(path, "/")
	idx := strings.IndexByte(trimmed, '/')
	if idx < 0 {
		return trimmed, "/"
	}
	return trimmed[:idx], trimmed[idx:]
}
