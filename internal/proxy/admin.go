package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"sort"
	"time"

	"burrow/internal/buffer"
	"burrow/internal/connpool"
	"burrow/internal/httpio"
	"burrow/internal/nio"
	"burrow/pkg/logger"
)

// Version is reported by the health endpoint.
const Version = "0.1.0"

// AdminServer serves the proxy's health check, Prometheus metrics and
// status page on a separate listener.
type AdminServer struct {
	p      *HTTPProxy
	server *http.Server
	log    *logger.Logger

	listener net.Listener
}

func newAdminServer(p *HTTPProxy) *AdminServer {
	a := &AdminServer{p: p, log: p.log.Component("admin")}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", a.healthHandler)
	mux.HandleFunc("/status", a.statusHandler)
	mux.Handle(p.cfg.Admin.MetricsPath, p.metrics.Handler())

	a.server = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return a
}

// Start listens on the configured admin address and serves in the
// background.
func (a *AdminServer) Start() error {
	ln, err := net.Listen("tcp", a.p.cfg.Admin.ListenAddress())
	if err != nil {
		return err
	}
	a.listener = ln

	go func() {
		if err := a.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.log.Error("Admin server failed", "error", err)
		}
	}()

	a.log.Info("Admin endpoint listening", "address", ln.Addr().String())
	return nil
}

// Addr returns the admin listener's address once started.
func (a *AdminServer) Addr() net.Addr {
	if a.listener == nil {
		return nil
	}
	return a.listener.Addr()
}

// Shutdown stops the admin server gracefully.
func (a *AdminServer) Shutdown(ctx context.Context) error {
	if a.listener == nil {
		return nil
	}
	return a.server.Shutdown(ctx)
}

// healthHandler implements the health check endpoint for service
// monitoring.
//
// Response Format:
//
//	Content-Type: application/json
//	Status Code: 200 OK, or 503 once the listener stopped accepting
//	Body: {"status": "healthy", "service": "burrow", "version": "..."}
func (a *AdminServer) healthHandler(w http.ResponseWriter, r *http.Request) {
	status, code := "healthy", http.StatusOK
	if !a.p.Accepting() {
		status, code = "not accepting", http.StatusServiceUnavailable
	}
	writeJSONStatus(w, a.log, code, map[string]string{
		"status":  status,
		"service": a.p.identity,
		"version": Version,
	})
}

func (a *AdminServer) statusHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, a.log, a.p.Status())
}

func writeJSON(w http.ResponseWriter, log *logger.Logger, v any) {
	writeJSONStatus(w, log, http.StatusOK, v)
}

func writeJSONStatus(w http.ResponseWriter, log *logger.Logger, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warn("Failed to write admin response", "error", err)
	}
}

// Status is a snapshot of the proxy's state for the status page.
type Status struct {
	Uptime      string                            `json:"uptime"`
	Connections []ConnectionStatus                `json:"connections"`
	Cache       *CacheStatus                      `json:"cache,omitempty"`
	Pool        connpool.Stats                    `json:"pool"`
	Buffers     buffer.Stats                      `json:"buffers"`
	Tasks       map[string]nio.GroupSnapshot      `json:"tasks"`
	Traffic     map[string]httpio.TrafficSnapshot `json:"traffic"`
	Targets     []TargetStats                     `json:"targets,omitempty"`
}

// CacheStatus summarizes the disk cache.
type CacheStatus struct {
	Entries int   `json:"entries"`
	Size    int64 `json:"size"`
	MaxSize int64 `json:"max_size"`
}

// Status collects the current state of the proxy.
func (p *HTTPProxy) Status() Status {
	s := Status{
		Uptime:  time.Since(p.started).Round(time.Second).String(),
		Pool:    p.pool.Stats(),
		Buffers: p.buffers.Stats(),
		Tasks:   p.stats.Snapshot(),
		Traffic: make(map[string]httpio.TrafficSnapshot),
	}

	p.conns.Range(func(_, v any) bool {
		s.Connections = append(s.Connections, v.(*Connection).describe())
		return true
	})
	sort.Slice(s.Connections, func(i, j int) bool {
		return s.Connections[i].Accepted.Before(s.Connections[j].Accepted)
	})

	if p.cache != nil {
		s.Cache = &CacheStatus{
			Entries: p.cache.NumberOfEntries(),
			Size:    p.cache.CurrentSize(),
			MaxSize: p.cache.MaxSize(),
		}
	}

	p.trafficMu.Lock()
	for name, t := range p.traffic {
		s.Traffic[name] = t.Snapshot()
	}
	p.trafficMu.Unlock()

	if rf := p.filters.Reverse(); rf != nil {
		s.Targets = rf.Stats()
	}
	return s
}
