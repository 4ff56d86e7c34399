package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/cuemby/scm/pkg/metrics"
)

// Cluster is the subset of replica state the health endpoints report
// on: Raft leadership and Persistent KV Store reachability. Satisfied
// by a thin adapter around *raftlog.Log and pkg/store.KV so this
// package never imports the domain managers directly.
type Cluster interface {
	IsLeader() bool
	LeaderHint() string
	Ping() error
}

// HealthServer provides HTTP health check endpoints, served alongside
// the Prometheus /metrics handler on the same mux.
type HealthServer struct {
	manager Cluster
	mux     *http.ServeMux
}

// NewHealthServer creates a new health check HTTP server. A nil
// Cluster is accepted so the process can still serve /health before
// the replicated log has finished starting.
func NewHealthServer(mgr Cluster) *HealthServer {
	mux := http.NewServeMux()
	hs := &HealthServer{
		manager: mgr,
		mux:     mux,
	}

	mux.HandleFunc("/health", hs.healthHandler)
	mux.HandleFunc("/ready", hs.readyHandler)
	mux.Handle("/metrics", metrics.Handler())

	// /healthz, /readyz and /livez expose the pkg/metrics component
	// registry directly (distinct from /health and /ready above, which
	// read the Cluster interface): whatever cmd/scm registered via
	// metrics.RegisterComponent, independent of this replica's own
	// raft/storage reachability.
	mux.Handle("/healthz", metrics.HealthHandler())
	mux.Handle("/readyz", metrics.ReadyHandler())
	mux.Handle("/livez", metrics.LivenessHandler())

	return hs
}

// Start starts the health check HTTP server.
func (hs *HealthServer) Start(addr string) error {
	server := &http.Server{
		Addr:         addr,
		Handler:      hs.mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return server.ListenAndServe()
}

// HealthResponse is the /health liveness response.
type HealthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Version   string    `json:"version,omitempty"`
}

// ReadyResponse is the /ready readiness response.
type ReadyResponse struct {
	Status    string            `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Checks    map[string]string `json:"checks"`
	Message   string            `json:"message,omitempty"`
}

// healthHandler is a simple liveness check: 200 if the process is alive.
func (hs *HealthServer) healthHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	response := HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now(),
		Version:   buildVersion(),
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(response)
}

// readyHandler checks whether this replica can accept traffic: a
// Raft leader is known, and the Persistent KV Store is reachable.
func (hs *HealthServer) readyHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	checks := make(map[string]string)
	ready := true
	var message string

	if hs.manager != nil {
		if hs.manager.IsLeader() {
			checks["raft"] = "leader"
		} else if hint := hs.manager.LeaderHint(); hint != "" {
			checks["raft"] = fmt.Sprintf("follower (leader: %s)", hint)
		} else {
			checks["raft"] = "no leader elected"
			ready = false
			message = "Waiting for leader election"
		}

		if err := hs.manager.Ping(); err != nil {
			checks["storage"] = fmt.Sprintf("error: %v", err)
			ready = false
			if message == "" {
				message = "Storage not accessible"
			}
		} else {
			checks["storage"] = "ok"
		}
	} else {
		checks["raft"] = "not initialized"
		checks["storage"] = "not initialized"
		ready = false
		message = "Cluster not initialized"
	}

	// Merge in whatever bootstrap milestones cmd/scm registered through
	// pkg/metrics (e.g. "security", "safemode") alongside the Cluster's
	// own raft/storage checks above.
	for name, state := range metrics.GetHealth().Components {
		checks[name] = state
		if strings.HasPrefix(state, "unhealthy") {
			ready = false
			if message == "" {
				message = fmt.Sprintf("component %s unhealthy", name)
			}
		}
	}

	status := "ready"
	statusCode := http.StatusOK
	if !ready {
		status = "not ready"
		statusCode = http.StatusServiceUnavailable
	}

	response := ReadyResponse{
		Status:    status,
		Timestamp: time.Now(),
		Checks:    checks,
		Message:   message,
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(response)
}

// buildVersion reports the version cmd/scm registered via
// metrics.SetVersion at startup, falling back to a placeholder before
// that has run (e.g. in tests that construct a HealthServer directly).
func buildVersion() string {
	if v := metrics.GetHealth().Version; v != "" {
		return v
	}
	return "0.1.0"
}

// GetHandler returns the HTTP handler for embedding in other servers.
func (hs *HealthServer) GetHandler() http.Handler {
	return hs.mux
}
