// Package rpcserver implements the admin RPC surface (spec.md §4.9):
// net/http JSON handlers, one per operation, plus a Server-Sent-Events log
// stream. Grounded on FluxForge's control_plane/api.go route-per-operation
// style and main.go's http.Handle wiring, generalized from FluxForge's
// custom endpoints to the five operations spec.md names.
package rpcserver

import (
	"context"
	"errors"
	"log"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/scriptforge/scriptforge/internal/guildlog"
	"github.com/scriptforge/scriptforge/internal/scheduler"
)

// Server is the admin RPC + metrics + dashboard-websocket HTTP surface.
type Server struct {
	addr      string
	scheduler *scheduler.Scheduler
	logs      *guildlog.Hub
	hub       *statusHub
}

// New constructs a Server bound to addr (spec.md §6 bot_rpc_listen_addr).
func New(addr string, sched *scheduler.Scheduler, logs *guildlog.Hub) *Server {
	return &Server{
		addr:      addr,
		scheduler: sched,
		logs:      logs,
		hub:       newStatusHub(sched),
	}
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/reload_vm", s.handleReloadVM)
	mux.HandleFunc("/purge_guild_cache", s.handlePurgeGuildCache)
	mux.HandleFunc("/vm_worker_status", s.handleWorkerStatus)
	mux.HandleFunc("/guild_status", s.handleGuildStatus)
	mux.HandleFunc("/stream_guild_logs", s.handleStreamGuildLogs)
	mux.HandleFunc("/admin/ws/status", s.hub.handleWebSocket)
	mux.Handle("/metrics", promhttp.Handler())

	httpSrv := &http.Server{Addr: s.addr, Handler: mux}

	go s.hub.Run(ctx)

	errCh := make(chan error, 1)
	go func() { errCh <- httpSrv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			log.Printf("rpcserver: graceful shutdown error: %v", err)
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
