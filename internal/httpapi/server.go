// Package httpapi serves the WAL listener core's control surface:
// health and readiness probes, Prometheus metrics, and a minimal
// slot-status/notify API for the control plane to drive the
// Supervisor without a full RPC stack.
package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/mchavezi/smartcdc-backend/internal/log"
	"github.com/mchavezi/smartcdc-backend/internal/metrics"
	"github.com/mchavezi/smartcdc-backend/internal/supervisor"
	"github.com/mchavezi/smartcdc-backend/internal/types"
)

// Server exposes the control surface over HTTP.
type Server struct {
	addr       string
	supervisor *supervisor.Supervisor
	httpServer *http.Server
}

// New builds a Server bound to addr that dispatches notify_new_slot
// requests to sup.
func New(addr string, sup *supervisor.Supervisor) *Server {
	mux := http.NewServeMux()
	s := &Server{addr: addr, supervisor: sup}

	mux.HandleFunc("/healthz", metrics.HealthHandler())
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/v1/slots", s.handleListSlots)
	mux.HandleFunc("/v1/slots/notify", s.handleNotifySlot)

	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// ListenAndServe blocks serving the control surface until the server
// is shut down or a fatal listener error occurs.
func (s *Server) ListenAndServe() error {
	log.WithComponent("httpapi").Info().Str("addr", s.addr).Msg("control surface listening")
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown gracefully drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

type slotStatusResponse struct {
	Slots []types.SlotDescriptor `json:"slots"`
}

func (s *Server) handleListSlots(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(slotStatusResponse{Slots: s.supervisor.Status()})
}

type notifySlotRequest struct {
	DBID            string `json:"db_id"`
	SlotName        string `json:"slot_name"`
	PublicationName string `json:"publication_name"`
	WALPipelineID   string `json:"wal_pipeline_id"`
	Host            string `json:"host"`
	Port            int    `json:"port"`
	Database        string `json:"database"`
	User            string `json:"user"`
	Password        string `json:"password"`
}

func (s *Server) handleNotifySlot(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req notifySlotRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.DBID == "" || req.SlotName == "" {
		http.Error(w, "db_id and slot_name are required", http.StatusBadRequest)
		return
	}

	descriptor := types.SlotDescriptor{
		DBID: req.DBID,
		Connection: types.ConnectionConfig{
			Host:     req.Host,
			Port:     req.Port,
			Database: req.Database,
			User:     req.User,
			Password: req.Password,
		},
		SlotName:        req.SlotName,
		PublicationName: req.PublicationName,
		WALPipelineID:   req.WALPipelineID,
	}

	s.supervisor.NotifyNewSlot(r.Context(), descriptor)
	w.WriteHeader(http.StatusAccepted)
}
