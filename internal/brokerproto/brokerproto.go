// Package brokerproto implements the broker<->scheduler wire messages and
// the reconnecting client described in spec.md §4.2, grounded on
// broker_client.rs.
package brokerproto

import (
	"encoding/json"
	"fmt"

	"github.com/scriptforge/scriptforge/internal/wire"
)

// Broker -> scheduler message kinds.
const (
	KindHello        = "hello"
	KindDiscordEvent = "discord_event"
)

// Scheduler -> broker message kinds.
const (
	KindAck = "ack"
)

// Hello is always the first frame on a new connection; it carries the set
// of tenants the broker currently considers live.
type Hello struct {
	ConnectedTenants []uint64 `json:"connected_tenants"`
}

// DiscordEvent is the broker's raw frame for one external event.
type DiscordEvent struct {
	TenantID uint64          `json:"tenant_id"`
	Name     string          `json:"name"`
	Payload  json.RawMessage `json:"payload"`
}

// GuildEvent is the decoded form forwarded to the scheduler mailbox.
type GuildEvent struct {
	TenantID uint64
	Name     string
	Payload  json.RawMessage
}

// Ack is written back after every successfully forwarded frame.
type Ack struct{}

// DecodeBrokerMessage inspects e.Kind and decodes into the matching type.
func DecodeBrokerMessage(e wire.Envelope) (interface{}, error) {
	switch e.Kind {
	case KindHello:
		var m Hello
		return m, e.Decode(&m)
	case KindDiscordEvent:
		var m DiscordEvent
		return m, e.Decode(&m)
	default:
		return nil, fmt.Errorf("brokerproto: unknown broker message kind %q", e.Kind)
	}
}

// EncodeAck builds the Ack envelope written after each forwarded frame.
func EncodeAck() (wire.Envelope, error) {
	return wire.Encode(KindAck, Ack{})
}
