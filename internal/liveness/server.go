package liveness

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/vietddude/swarm/internal/core/domain"
	"github.com/vietddude/swarm/internal/infra/storage"
)

// QuotaReader reports an account's remaining daily quota.
type QuotaReader interface {
	Remaining(ctx context.Context, accountID int64) (int, error)
}

// WorkerView is one heartbeat in the detailed report.
type WorkerView struct {
	WorkerID string    `json:"worker_id"`
	Status   string    `json:"status"`
	LastSeen time.Time `json:"last_seen"`
	Online   bool      `json:"online"`
}

// AccountView is one account in the detailed report.
type AccountView struct {
	ID                  int64     `json:"id"`
	Label               string    `json:"label"`
	Active              bool      `json:"active"`
	DisabledReason      string    `json:"disabled_reason,omitempty"`
	QuotaRemaining      int       `json:"quota_remaining"`
	Health              string    `json:"health,omitempty"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	LastChecked         time.Time `json:"last_checked"`
	LastError           string    `json:"last_error,omitempty"`
}

// Report is the body of /health/detailed.
type Report struct {
	Status   string        `json:"status"`
	Workers  []WorkerView  `json:"workers"`
	Accounts []AccountView `json:"accounts"`
}

// Server provides HTTP endpoints for liveness and metrics.
type Server struct {
	registry *Registry
	accounts storage.AccountRepository
	health   storage.HealthRepository
	quota    QuotaReader
	server   *http.Server
}

// NewServer creates a new liveness server.
func NewServer(
	registry *Registry,
	accounts storage.AccountRepository,
	health storage.HealthRepository,
	quota QuotaReader,
	port int,
) *Server {
	mux := http.NewServeMux()
	s := &Server{
		registry: registry,
		accounts: accounts,
		health:   health,
		quota:    quota,
		server: &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}

	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/health/detailed", s.handleDetailed)
	mux.Handle("/metrics", promhttp.Handler())

	return s
}

// Handler returns the server's routes.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	return s.server.ListenAndServe()
}

// Stop stops the HTTP server.
func (s *Server) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (s *Server) handleDetailed(w http.ResponseWriter, r *http.Request) {
	report, err := s.Report(r.Context())
	w.Header().Set("Content-Type", "application/json")
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		json.NewEncoder(w).Encode(map[string]string{"status": "error", "error": err.Error()})
		return
	}
	json.NewEncoder(w).Encode(report)
}

// Report gathers heartbeats and per-account state.
func (s *Server) Report(ctx context.Context) (Report, error) {
	report := Report{Status: "ok", Workers: []WorkerView{}, Accounts: []AccountView{}}

	all, err := s.registry.repo.List(ctx)
	if err != nil {
		return report, fmt.Errorf("failed to list heartbeats: %w", err)
	}
	now := s.registry.now()
	online := 0
	for _, hb := range all {
		fresh := hb.Fresh(now, s.registry.freshness)
		if fresh {
			online++
		}
		report.Workers = append(report.Workers, WorkerView{
			WorkerID: hb.WorkerID,
			Status:   string(hb.Status),
			LastSeen: hb.LastSeen,
			Online:   fresh,
		})
	}
	if online == 0 {
		report.Status = "no_workers"
	}

	accounts, err := s.accounts.List(ctx)
	if err != nil {
		return report, fmt.Errorf("failed to list accounts: %w", err)
	}
	statuses, err := s.health.ListStatuses(ctx)
	if err != nil {
		return report, fmt.Errorf("failed to list account health: %w", err)
	}
	byAccount := make(map[int64]domain.AccountHealthStatus, len(statuses))
	for _, st := range statuses {
		byAccount[st.AccountID] = st
	}

	for _, a := range accounts {
		view := AccountView{
			ID:             a.ID,
			Label:          a.Label,
			Active:         a.IsActive,
			DisabledReason: a.DisabledReason,
			QuotaRemaining: -1,
		}
		if s.quota != nil {
			if left, err := s.quota.Remaining(ctx, a.ID); err == nil {
				view.QuotaRemaining = left
			}
		}
		if st, ok := byAccount[a.ID]; ok {
			view.Health = string(st.Status)
			view.ConsecutiveFailures = st.ConsecutiveFailures
			view.LastChecked = st.LastChecked
			view.LastError = st.LastError
		}
		report.Accounts = append(report.Accounts, view)
	}
	return report, nil
}
