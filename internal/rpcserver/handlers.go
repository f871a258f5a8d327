package rpcserver

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/scriptforge/scriptforge/internal/observability"
)

const shutdownGrace = 5 * time.Second

type tenantRequest struct {
	TenantID uint64 `json:"tenant_id"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func decodeTenantRequest(r *http.Request) (tenantRequest, error) {
	var req tenantRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return tenantRequest{}, err
	}
	return req, nil
}

func parseTenantQuery(r *http.Request) (uint64, error) {
	raw := r.URL.Query().Get("tenant_id")
	if raw == "" {
		return 0, errors.New("missing tenant_id query parameter")
	}
	tenantID, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, errors.New("tenant_id must be a non-negative integer")
	}
	return tenantID, nil
}

// handleReloadVM implements reload_vm(tenant_id) -> () (spec.md §4.9).
func (s *Server) handleReloadVM(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "POST required")
		return
	}
	req, err := decodeTenantRequest(r)
	if err != nil {
		observability.RPCRequests.WithLabelValues("reload_vm", "bad_request").Inc()
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	s.scheduler.ReloadGuildScripts(req.TenantID)
	observability.RPCRequests.WithLabelValues("reload_vm", "ok").Inc()
	writeJSON(w, http.StatusOK, map[string]string{"status": "accepted"})
}

// handlePurgeGuildCache implements purge_guild_cache(tenant_id) -> ().
func (s *Server) handlePurgeGuildCache(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "POST required")
		return
	}
	req, err := decodeTenantRequest(r)
	if err != nil {
		observability.RPCRequests.WithLabelValues("purge_guild_cache", "bad_request").Inc()
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	s.scheduler.PurgeGuildCache(req.TenantID)
	observability.RPCRequests.WithLabelValues("purge_guild_cache", "ok").Inc()
	writeJSON(w, http.StatusOK, map[string]string{"status": "accepted"})
}

// handleWorkerStatus implements vm_worker_status() -> list<WorkerStatus>.
func (s *Server) handleWorkerStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "GET required")
		return
	}
	snaps, err := s.scheduler.WorkerStatus(r.Context())
	if err != nil {
		observability.RPCRequests.WithLabelValues("vm_worker_status", "error").Inc()
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	observability.RPCRequests.WithLabelValues("vm_worker_status", "ok").Inc()
	writeJSON(w, http.StatusOK, snaps)
}

// handleGuildStatus implements guild_status(tenant_id) -> Option<GuildStatus>.
func (s *Server) handleGuildStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "GET required")
		return
	}
	tenantID, err := parseTenantQuery(r)
	if err != nil {
		observability.RPCRequests.WithLabelValues("guild_status", "bad_request").Inc()
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	status, err := s.scheduler.GuildStatus(r.Context(), tenantID)
	if err != nil {
		observability.RPCRequests.WithLabelValues("guild_status", "error").Inc()
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	observability.RPCRequests.WithLabelValues("guild_status", "ok").Inc()
	if status == nil {
		writeJSON(w, http.StatusOK, nil)
		return
	}
	writeJSON(w, http.StatusOK, status)
}
