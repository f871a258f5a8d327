package rpcserver

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/scriptforge/scriptforge/internal/observability"
)

// handleStreamGuildLogs implements stream_guild_logs(tenant_id) -> stream<LogEntry>
// (spec.md §4.9, §6), framed as Server-Sent Events grounded on
// original_source/components/service/src/sse.rs: one "data: <json>\n\n"
// record per log entry, flushed immediately so subscribers see log lines as
// they are published.
func (s *Server) handleStreamGuildLogs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "GET required")
		return
	}
	tenantID, err := parseTenantQuery(r)
	if err != nil {
		observability.RPCRequests.WithLabelValues("stream_guild_logs", "bad_request").Inc()
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		observability.RPCRequests.WithLabelValues("stream_guild_logs", "error").Inc()
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	sub := s.logs.Subscribe(tenantID)
	defer sub.Close()

	observability.RPCRequests.WithLabelValues("stream_guild_logs", "ok").Inc()
	observability.RPCLogStreamClients.Inc()
	defer observability.RPCLogStreamClients.Dec()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case entry, ok := <-sub.C():
			if !ok {
				return
			}
			payload, err := json.Marshal(entry)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "data: %s\n\n", payload)
			flusher.Flush()
		}
	}
}
