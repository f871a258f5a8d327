package rpcserver

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/scriptforge/scriptforge/internal/observability"
	"github.com/scriptforge/scriptforge/internal/pool"
	"github.com/scriptforge/scriptforge/internal/scheduler"
)

// maxDashboardClients bounds the supplemental dashboard's connection count,
// grounded on FluxForge's control_plane/ws_hub.go maxWSConnections cap.
const maxDashboardClients = 64

const broadcastInterval = time.Second
const dashboardPingInterval = 30 * time.Second

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

type dashboardSnapshot struct {
	Workers   []pool.WorkerSnapshot `json:"workers"`
	Timestamp time.Time             `json:"timestamp"`
}

// statusHub is the supplemental /admin/ws/status dashboard endpoint (not a
// spec.md operation; SPEC_FULL.md carries it as ambient observability
// sugar). Grounded directly on FluxForge's control_plane/ws_hub.go
// MetricsHub: register/unregister channels plus a periodic broadcast tick,
// and on api_stream.go's handleDashboardStream upgrade/ping-pong pattern.
type statusHub struct {
	scheduler *scheduler.Scheduler

	mu      sync.Mutex
	clients map[*websocket.Conn]chan dashboardSnapshot
}

func newStatusHub(sched *scheduler.Scheduler) *statusHub {
	return &statusHub{
		scheduler: sched,
		clients:   make(map[*websocket.Conn]chan dashboardSnapshot),
	}
}

// Run broadcasts a worker-status snapshot to every connected client once a
// second until ctx is cancelled.
func (h *statusHub) Run(ctx context.Context) {
	ticker := time.NewTicker(broadcastInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return
		case <-ticker.C:
			snaps, err := h.scheduler.WorkerStatus(ctx)
			if err != nil {
				continue
			}
			h.broadcast(dashboardSnapshot{Workers: snaps, Timestamp: time.Now()})
		}
	}
}

func (h *statusHub) broadcast(snap dashboardSnapshot) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for conn, ch := range h.clients {
		select {
		case ch <- snap:
		default:
			log.Printf("rpcserver: dashboard client %s too slow, dropping snapshot", conn.RemoteAddr())
		}
	}
}

func (h *statusHub) register(conn *websocket.Conn) (chan dashboardSnapshot, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.clients) >= maxDashboardClients {
		return nil, false
	}
	ch := make(chan dashboardSnapshot, 4)
	h.clients[conn] = ch
	return ch, true
}

func (h *statusHub) unregister(conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.clients, conn)
}

func (h *statusHub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for conn := range h.clients {
		_ = conn.Close()
	}
	h.clients = make(map[*websocket.Conn]chan dashboardSnapshot)
}

func (h *statusHub) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("rpcserver: dashboard websocket upgrade failed: %v", err)
		return
	}

	ch, ok := h.register(conn)
	if !ok {
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "too many dashboard clients"))
		_ = conn.Close()
		return
	}
	defer h.unregister(conn)
	defer conn.Close()

	observability.DashboardWSClients.Inc()
	defer observability.DashboardWSClients.Dec()

	// read-pump: drains and discards client frames, detects disconnects.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	pingTicker := time.NewTicker(dashboardPingInterval)
	defer pingTicker.Stop()

	for {
		select {
		case <-done:
			return
		case <-pingTicker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case snap, ok := <-ch:
			if !ok {
				return
			}
			payload, err := json.Marshal(snap)
			if err != nil {
				continue
			}
			_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		}
	}
}
