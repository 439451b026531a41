package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/unitylab/unity-coordinator/internal/broker"
	"github.com/unitylab/unity-coordinator/internal/router"
	"github.com/unitylab/unity-coordinator/internal/workflow"
)

// AdminServer exposes operational endpoints:
//
//	GET /healthz          liveness probe
//	GET /metrics          Prometheus metrics
//	GET /api/offices      registered offices with queue depth and counters
//	GET /api/workflows    workflow engine stats and recent executions
//	GET /events/ws        live event feed over websocket
type AdminServer struct {
	router *router.Router
	engine *workflow.Engine
	broker *broker.Broker
	logger *zap.Logger

	srv *http.Server
}

// NewAdminServer wires the admin endpoints. Any of router, engine may be
// nil; their endpoints then return 503.
func NewAdminServer(port int, rt *router.Router, eng *workflow.Engine, b *broker.Broker, logger *zap.Logger) *AdminServer {
	a := &AdminServer{router: rt, engine: eng, broker: b, logger: logger}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", a.handleHealthz)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/api/offices", a.handleOffices)
	mux.HandleFunc("/api/workflows", a.handleWorkflows)
	mux.HandleFunc("/events/ws", a.handleEventsWS)

	a.srv = &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return a
}

// Start serves in a background goroutine until Stop is called.
func (a *AdminServer) Start() {
	go func() {
		a.logger.Info("Admin server listening", zap.String("addr", a.srv.Addr))
		if err := a.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			a.logger.Error("Admin server failed", zap.Error(err))
		}
	}()
}

// Stop shuts the server down gracefully.
func (a *AdminServer) Stop(ctx context.Context) error {
	return a.srv.Shutdown(ctx)
}

func (a *AdminServer) handleHealthz(w http.ResponseWriter, r *http.Request) {
	status := map[string]string{"status": "healthy"}
	if a.broker != nil {
		// Broker reachability is the one hard dependency.
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if _, err := a.broker.Get(ctx, "unity:healthcheck"); err != nil && err != broker.ErrNotFound {
			w.WriteHeader(http.StatusServiceUnavailable)
			status["status"] = "degraded"
			status["broker"] = err.Error()
		}
	}
	writeJSON(w, status)
}

type officeStatus struct {
	ID         string `json:"id"`
	QueueDepth int    `json:"queue_depth"`
	Sent       int64  `json:"sent"`
	Received   int64  `json:"received"`
}

func (a *AdminServer) handleOffices(w http.ResponseWriter, r *http.Request) {
	if a.router == nil {
		http.Error(w, `{"error":"router not available"}`, http.StatusServiceUnavailable)
		return
	}
	ids := a.router.Offices()
	sort.Strings(ids)
	out := make([]officeStatus, 0, len(ids))
	for _, id := range ids {
		st := officeStatus{ID: id, QueueDepth: a.router.QueueDepth(id)}
		sent, recv, err := a.router.MessageStats(r.Context(), id)
		if err != nil {
			a.logger.Debug("Counter read failed", zap.String("office", id), zap.Error(err))
		} else {
			st.Sent, st.Received = sent, recv
		}
		out = append(out, st)
	}
	writeJSON(w, map[string]interface{}{"offices": out, "count": len(out)})
}

func (a *AdminServer) handleWorkflows(w http.ResponseWriter, r *http.Request) {
	if a.engine == nil {
		http.Error(w, `{"error":"workflow engine not available"}`, http.StatusServiceUnavailable)
		return
	}
	stats, err := a.engine.GetStats(r.Context())
	if err != nil {
		a.logger.Warn("Workflow stats failed", zap.Error(err))
		http.Error(w, `{"error":"stats unavailable"}`, http.StatusInternalServerError)
		return
	}
	writeJSON(w, stats)
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error":"encode failed"}`, http.StatusInternalServerError)
	}
}
