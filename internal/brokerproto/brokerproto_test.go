package brokerproto

import (
	"context"
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/scriptforge/scriptforge/internal/wire"
)

func TestDecodeBrokerMessageRoundTrip(t *testing.T) {
	e, err := wire.Encode(KindHello, Hello{ConnectedTenants: []uint64{1, 2, 3}})
	if err != nil {
		t.Fatalf("wire.Encode: %v", err)
	}
	decoded, err := DecodeBrokerMessage(e)
	if err != nil {
		t.Fatalf("DecodeBrokerMessage: %v", err)
	}
	hello, ok := decoded.(Hello)
	if !ok || len(hello.ConnectedTenants) != 3 {
		t.Errorf("decoded = %+v, want Hello with 3 tenants", decoded)
	}
}

func TestDecodeBrokerMessageUnknownKind(t *testing.T) {
	e, _ := wire.Encode("bogus", struct{}{})
	if _, err := DecodeBrokerMessage(e); err == nil {
		t.Fatal("DecodeBrokerMessage with unknown kind should error")
	}
}

// TestClientHelloThenGuildEvent exercises the reconnecting client against a
// real TCP listener: Hello surfaces as EventBrokerHello, a DiscordEvent
// frame surfaces as EventGuildEvent, and an Ack is written back for each
// forwarded frame (spec.md §4.2 "After each successfully-forwarded frame,
// the client writes Ack back on the same stream").
func TestClientHelloThenGuildEvent(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	serverDone := make(chan error, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			serverDone <- err
			return
		}
		defer conn.Close()

		helloFrame, _ := wire.Encode(KindHello, Hello{ConnectedTenants: []uint64{7}})
		if err := wire.WriteEnvelope(conn, helloFrame); err != nil {
			serverDone <- err
			return
		}
		if _, err := wire.ReadEnvelope(conn); err != nil { // Ack for Hello
			serverDone <- err
			return
		}

		evFrame, _ := wire.Encode(KindDiscordEvent, DiscordEvent{
			TenantID: 7, Name: "message_create", Payload: json.RawMessage(`{"id":1}`),
		})
		if err := wire.WriteEnvelope(conn, evFrame); err != nil {
			serverDone <- err
			return
		}
		if _, err := wire.ReadEnvelope(conn); err != nil { // Ack for DiscordEvent
			serverDone <- err
			return
		}
		serverDone <- nil
	}()

	events := make(chan Event, 16)
	client := &Client{Addr: ln.Addr().String(), Events: events}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go client.Run(ctx)

	wantKinds := []EventKind{EventConnected, EventBrokerHello, EventGuildEvent}
	for _, want := range wantKinds {
		select {
		case ev := <-events:
			if ev.Kind != want {
				t.Fatalf("got event kind %q, want %q", ev.Kind, want)
			}
			if want == EventGuildEvent && ev.GuildEvent.TenantID != 7 {
				t.Errorf("GuildEvent.TenantID = %d, want 7", ev.GuildEvent.TenantID)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for event %q", want)
		}
	}

	if err := <-serverDone; err != nil {
		t.Fatalf("server goroutine: %v", err)
	}
}
