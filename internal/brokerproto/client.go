package brokerproto

import (
	"context"
	"errors"
	"log"
	"net"
	"time"

	"github.com/scriptforge/scriptforge/internal/wire"
)

// Event is what Client delivers to its consumer. Exactly one field beyond
// Kind is meaningful per EventKind value.
type EventKind string

const (
	EventConnected    EventKind = "connected"
	EventDisconnected EventKind = "disconnected"
	EventBrokerHello  EventKind = "broker_hello"
	EventGuildEvent   EventKind = "guild_event"
)

// Event is pushed to the Client's Events channel as the connection's
// lifecycle and the frames it carries progress.
type Event struct {
	Kind       EventKind
	Hello      Hello
	GuildEvent GuildEvent
}

// Client is a reconnecting broker consumer: connect -> on failure back off
// one second and retry; on success, emit Connected then read frames until
// error, emit Disconnected, and loop. Grounded on broker_client.rs's
// outer retry loop and BrokerConn.run.
type Client struct {
	Addr   string
	Events chan<- Event

	dialer net.Dialer
}

// Run blocks, driving the reconnect loop, until ctx is cancelled.
func (c *Client) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		conn, err := c.dialer.DialContext(ctx, "tcp", c.Addr)
		if err != nil {
			log.Printf("BrokerClient: connect to %s failed: %v, retrying in 1s", c.Addr, err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}

		log.Printf("BrokerClient: connected to %s", c.Addr)
		sendEvent(ctx, c.Events, Event{Kind: EventConnected})
		err = c.run(ctx, conn)
		conn.Close()
		log.Printf("BrokerClient: disconnected from %s: %v", c.Addr, err)
		sendEvent(ctx, c.Events, Event{Kind: EventDisconnected})
	}
}

func (c *Client) run(ctx context.Context, conn net.Conn) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		e, err := wire.ReadEnvelope(conn)
		if err != nil {
			if errors.Is(err, wire.ErrConnectionClosed) {
				return nil
			}
			return err
		}

		msg, err := DecodeBrokerMessage(e)
		if err != nil {
			return err
		}

		switch m := msg.(type) {
		case Hello:
			sendEvent(ctx, c.Events, Event{Kind: EventBrokerHello, Hello: m})
		case DiscordEvent:
			sendEvent(ctx, c.Events, Event{Kind: EventGuildEvent, GuildEvent: GuildEvent{
				TenantID: m.TenantID,
				Name:     m.Name,
				Payload:  m.Payload,
			}})
		}

		ack, err := EncodeAck()
		if err != nil {
			return err
		}
		if err := wire.WriteEnvelope(conn, ack); err != nil {
			return err
		}
	}
}

func sendEvent(ctx context.Context, ch chan<- Event, e Event) {
	select {
	case ch <- e:
	case <-ctx.Done():
	}
}
