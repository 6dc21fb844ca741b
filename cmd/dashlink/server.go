package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/rickgao/dashlink/internal/connection"
	"github.com/rickgao/dashlink/internal/dependency"
	"github.com/rickgao/dashlink/internal/metrics"
	"github.com/rickgao/dashlink/internal/poller"
	"github.com/rickgao/dashlink/internal/router"
	"github.com/rickgao/dashlink/internal/version"
)

// channel is the push channel as seen by the HTTP surface.
type channel interface {
	Status() connection.Status
	History() []connection.Record
	Send(env router.Envelope) error
	ForceReconnect(ctx context.Context)
}

// dependencyManager is a dependency.Manager with its backend type erased.
type dependencyManager interface {
	Name() string
	Status() dependency.Status
	Connect(ctx context.Context)
	ForceReconnect(ctx context.Context)
	Close() error
}

// server exposes health, diagnostics and a small control API.
type server struct {
	instance string
	channel  channel
	dep      dependencyManager // nil when no cache is configured
	poller   *poller.Poller
	router   router.Router
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

type statusView struct {
	State        string `json:"state"`
	CircuitState string `json:"circuit_state"`
	BufferSize   int    `json:"buffer_size"`
	Attempt      int    `json:"attempt"`
	Polling      bool   `json:"polling,omitempty"`
}

type historyView struct {
	State  string    `json:"state"`
	Reason string    `json:"reason"`
	At     time.Time `json:"at"`
}

func (s *server) handler(metricsPath string) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /debug/history", s.handleHistory)
	mux.HandleFunc("POST /send", s.handleSend)
	mux.HandleFunc("POST /reconnect", s.handleReconnect)
	if s.metrics != nil {
		mux.Handle("GET "+metricsPath, s.metrics.Handler())
	}

	return mux
}

func (s *server) handleHealth(w http.ResponseWriter, r *http.Request) {
	st := s.channel.Status()

	health := struct {
		Status     string                 `json:"status"`
		Instance   string                 `json:"instance"`
		Build      version.Info           `json:"build"`
		Components map[string]interface{} `json:"components"`
	}{
		Status:     "healthy",
		Instance:   s.instance,
		Build:      version.Get(),
		Components: make(map[string]interface{}),
	}

	health.Components["channel"] = statusView{
		State:        st.State.String(),
		CircuitState: st.CircuitState.String(),
		BufferSize:   st.BufferSize,
		Attempt:      st.Attempt,
		Polling:      st.Polling,
	}
	switch st.State {
	case connection.Connected:
	case connection.PollingFallback:
		health.Status = "degraded"
	default:
		health.Status = "unhealthy"
	}

	if s.dep != nil {
		ds := s.dep.Status()
		health.Components[ds.Name] = statusView{
			State:        ds.State.String(),
			CircuitState: ds.CircuitState.String(),
			BufferSize:   ds.BufferSize,
			Attempt:      ds.Attempt,
		}
		if ds.State != connection.Connected && health.Status == "healthy" {
			health.Status = "degraded"
		}
	}
	if s.poller != nil {
		health.Components["poller"] = s.poller.Stats()
	}
	if s.router != nil {
		health.Components["router"] = s.router.Stats()
	}

	w.Header().Set("Content-Type", "application/json")
	if health.Status == "unhealthy" {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	json.NewEncoder(w).Encode(health)
}

func (s *server) handleHistory(w http.ResponseWriter, r *http.Request) {
	records := s.channel.History()
	out := make([]historyView, len(records))
	for i, rec := range records {
		out[i] = historyView{State: rec.State.String(), Reason: rec.Reason, At: rec.At}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"count":       len(out),
		"transitions": out,
	})
}

// handleSend accepts {"type": ..., "payload": ...} and hands it to the push
// channel, which buffers it while offline.
func (s *server) handleSend(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Type    string          `json:"type"`
		Payload json.RawMessage `json:"payload"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}

	env, err := router.NewEnvelope(req.Type, nil)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	env.Payload = req.Payload

	if err := s.channel.Send(env); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(map[string]string{"id": env.ID})
}

func (s *server) handleReconnect(w http.ResponseWriter, r *http.Request) {
	ctx := context.WithoutCancel(r.Context())

	switch target := r.URL.Query().Get("target"); {
	case target == "" || target == "channel":
		s.logger.Info("forced reconnect requested", "target", "channel")
		go s.channel.ForceReconnect(ctx)
	case s.dep != nil && target == s.dep.Name():
		s.logger.Info("forced reconnect requested", "target", target)
		s.dep.ForceReconnect(ctx)
	default:
		http.Error(w, "unknown target", http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}
