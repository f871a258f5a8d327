package rpcserver

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/scriptforge/scriptforge/internal/guildlog"
	"github.com/scriptforge/scriptforge/internal/pool"
	"github.com/scriptforge/scriptforge/internal/scheduler"
	"github.com/scriptforge/scriptforge/internal/store"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	sched := scheduler.New(pool.New(pool.LaunchConfig{}, false), store.NewMemoryStore(), guildlog.NewHub(), nil, nil, scheduler.HandlerDefaults{})
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go sched.Run(ctx)
	return New("127.0.0.1:0", sched, guildlog.NewHub())
}

func TestHandleReloadVMRequiresPost(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/reload_vm", nil)
	rec := httptest.NewRecorder()
	s.handleReloadVM(rec, req)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d, want 405", rec.Code)
	}
}

func TestHandleReloadVMRejectsBadBody(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/reload_vm", strings.NewReader("not json"))
	rec := httptest.NewRecorder()
	s.handleReloadVM(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestHandleReloadVMAccepted(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/reload_vm", strings.NewReader(`{"tenant_id":7}`))
	rec := httptest.NewRecorder()
	s.handleReloadVM(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200, body=%s", rec.Code, rec.Body.String())
	}
	var resp map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if resp["status"] != "accepted" {
		t.Fatalf("response = %+v, want status=accepted", resp)
	}
}

func TestHandleWorkerStatusOnEmptyPool(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/vm_worker_status", nil)
	rec := httptest.NewRecorder()
	s.handleWorkerStatus(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var snaps []pool.WorkerSnapshot
	if err := json.Unmarshal(rec.Body.Bytes(), &snaps); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if len(snaps) != 0 {
		t.Fatalf("worker snapshots = %+v, want none", snaps)
	}
}

func TestHandleGuildStatusMissingTenantID(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/guild_status", nil)
	rec := httptest.NewRecorder()
	s.handleGuildStatus(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestHandleGuildStatusUnknownTenantReturnsNullBody(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/guild_status?tenant_id=42", nil)
	rec := httptest.NewRecorder()
	s.handleGuildStatus(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if strings.TrimSpace(rec.Body.String()) != "null" {
		t.Fatalf("body = %q, want null for an unseen tenant", rec.Body.String())
	}
}

func TestHandleStreamGuildLogsEmitsSSEFrames(t *testing.T) {
	logs := guildlog.NewHub()
	sched := scheduler.New(pool.New(pool.LaunchConfig{}, false), store.NewMemoryStore(), logs, nil, nil, scheduler.HandlerDefaults{})
	ctx, cancelSched := context.WithCancel(context.Background())
	defer cancelSched()
	go sched.Run(ctx)

	s := New("127.0.0.1:0", sched, logs)

	reqCtx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(30 * time.Millisecond)
		logs.Publish(guildlog.Entry{TenantID: 1, Level: "info", Message: "hello sse"})
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	req := httptest.NewRequest(http.MethodGet, "/stream_guild_logs?tenant_id=1", nil).WithContext(reqCtx)
	rec := httptest.NewRecorder()
	s.handleStreamGuildLogs(rec, req)

	body := rec.Body.String()
	if !strings.Contains(body, "data: ") {
		t.Fatalf("SSE body = %q, want \"data: \" framing", body)
	}
	if !strings.Contains(body, "hello sse") {
		t.Fatalf("SSE body = %q, want it to contain the published log message", body)
	}
}

func TestDashboardWebSocketReceivesSnapshot(t *testing.T) {
	s := newTestServer(t)
	mux := http.NewServeMux()
	mux.HandleFunc("/admin/ws/status", s.hub.handleWebSocket)
	srv := httptest.NewServer(mux)
	defer srv.Close()

	hubCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.hub.Run(hubCtx)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/admin/ws/status"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, payload, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	var snap dashboardSnapshot
	if err := json.Unmarshal(payload, &snap); err != nil {
		t.Fatalf("unmarshal snapshot: %v", err)
	}
}
