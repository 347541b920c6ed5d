package runtime

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/drblury/sbflow/internal/runtime/jsoncodec"
	loggingpkg "github.com/drblury/sbflow/internal/runtime/logging"
	"github.com/drblury/sbflow/internal/runtime/operator"
	"github.com/drblury/sbflow/internal/runtime/routing"
)

// NamespaceStatus describes one configured namespace without its secrets.
type NamespaceStatus struct {
	Alias     string `json:"alias"`
	Namespace string `json:"namespace"`
	Purpose   string `json:"purpose"`
	Backend   string `json:"backend,omitempty"`
}

// EndpointStatus is the snapshot served on /api/status.
type EndpointStatus struct {
	Endpoint      string              `json:"endpoint"`
	State         string              `json:"state"`
	StartedAt     time.Time           `json:"started_at"`
	Namespaces    []NamespaceStatus   `json:"namespaces"`
	Entities      []string            `json:"entities"`
	Subscriptions map[string][]string `json:"subscriptions"`
	Stats         operator.Stats      `json:"stats"`
	Resources     ResourceUsage       `json:"resources"`
}

// Status returns a snapshot of the endpoint.
func (e *Endpoint) Status() EndpointStatus {
	status := EndpointStatus{
		Endpoint:      e.Conf.EndpointName,
		State:         e.operator.State().String(),
		Subscriptions: make(map[string][]string),
		Stats:         e.operator.Stats(),
		Resources:     e.resources.Snapshot(),
	}

	for _, nsCfg := range e.Conf.Namespaces {
		info, ok := e.namespaces.Get(nsCfg.Alias)
		if !ok {
			continue
		}
		status.Namespaces = append(status.Namespaces, NamespaceStatus{
			Alias:     info.Alias,
			Namespace: info.ConnectionString.NamespaceName(),
			Purpose:   info.Purpose.String(),
			Backend:   nsCfg.Transport.Backend,
		})
	}

	for _, entity := range e.operator.Entities() {
		status.Entities = append(status.Entities, entity.String())
	}
	slices.Sort(status.Entities)

	e.mu.Lock()
	status.StartedAt = e.startedAt
	for t, entities := range e.subscriptions {
		paths := make([]string, 0, len(entities))
		for _, entity := range entities {
			paths = append(paths, entity.Path)
		}
		slices.Sort(paths)
		status.Subscriptions[routing.TypeName(t)] = paths
	}
	e.mu.Unlock()
	return status
}

func (e *Endpoint) handleGetStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := jsoncodec.Encode(w, e.Status()); err != nil {
		e.Logger.Error("Failed to encode endpoint status", err, nil)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
	}
}

// registerMetricsHandlers serves /metrics and /api/status on the metrics
// port once the endpoint starts.
func (e *Endpoint) registerMetricsHandlers() {
	if e.gatherer == nil {
		return
	}
	port := e.Conf.MetricsPort
	e.RegisterHTTPHandler(port, "/metrics", promhttp.HandlerFor(e.gatherer, promhttp.HandlerOpts{}))
	e.RegisterHTTPHandler(port, "/api/status", http.HandlerFunc(e.handleGetStatus))
}

// RegisterHTTPHandler adds handler to the server of port. Servers run while
// the endpoint is started.
func (e *Endpoint) RegisterHTTPHandler(port int, pattern string, handler http.Handler) {
	e.httpServersMu.Lock()
	defer e.httpServersMu.Unlock()

	if e.httpServers == nil {
		e.httpServers = make(map[int]*http.ServeMux)
	}

	mux, ok := e.httpServers[port]
	if !ok {
		mux = http.NewServeMux()
		e.httpServers[port] = mux
	}
	mux.Handle(pattern, handler)
}

func (e *Endpoint) startHTTPServers() {
	e.httpServersMu.Lock()
	defer e.httpServersMu.Unlock()

	for port, mux := range e.httpServers {
		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		e.running = append(e.running, srv)
		e.Logger.Info("Starting HTTP server", loggingpkg.LogFields{"address": srv.Addr})
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				e.Logger.Error("Failed to start HTTP server", err, loggingpkg.LogFields{"address": srv.Addr})
			}
		}()
	}
}

func (e *Endpoint) stopHTTPServers(ctx context.Context) error {
	e.httpServersMu.Lock()
	running := e.running
	e.running = nil
	e.httpServersMu.Unlock()

	var errs []error
	for _, srv := range running {
		if err := srv.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown %s: %w", srv.Addr, err))
		}
	}
	return errors.Join(errs...)
}
