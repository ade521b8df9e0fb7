package types

import "encoding/json"

// Packet type tags carried on the data channel. Anything that does not
// parse as one of these is ordinary chat traffic.
const (
	PacketLoad         = "speed_test"
	PacketEcho         = "speed_test_echo"
	PacketHeartbeat    = "ping"
	PacketHeartbeatAck = "pong"
)

// LoadPacket is a synthetic padded payload sent purely to occupy
// bandwidth for throughput measurement.
type LoadPacket struct {
	Type      string `json:"type"`
	ID        uint64 `json:"id"`
	Timestamp int64  `json:"timestamp"`
	Data      string `json:"data"`
}

// EchoPacket acknowledges a load packet by id. It carries no padding so
// the reverse path is not double-counted as load.
type EchoPacket struct {
	Type       string `json:"type"`
	OriginalID uint64 `json:"originalId"`
	Timestamp  int64  `json:"timestamp"`
}

// HeartbeatPacket is a small timestamped probe sent once per second,
// independent of the load stream.
type HeartbeatPacket struct {
	Type      string `json:"type"`
	ID        string `json:"id"`
	Timestamp int64  `json:"timestamp"`
}

// HeartbeatAckPacket returns a heartbeat's id and original send
// timestamp, from which the receiver derives round-trip latency.
type HeartbeatAckPacket struct {
	Type              string `json:"type"`
	ID                string `json:"id"`
	OriginalTimestamp int64  `json:"originalTimestamp"`
	Timestamp         int64  `json:"timestamp"`
}

// taggedPacket is the superset used for classification.
type taggedPacket struct {
	Type              string          `json:"type"`
	ID                json.RawMessage `json:"id"`
	Timestamp         int64           `json:"timestamp"`
	OriginalID        uint64          `json:"originalId"`
	OriginalTimestamp int64           `json:"originalTimestamp"`
	Data              string          `json:"data"`
}

// Classified is the result of inspecting an inbound channel message.
// Exactly one of the packet pointers is set; if none is, the message is
// chat traffic and must be handled by the default path.
type Classified struct {
	Load         *LoadPacket
	Echo         *EchoPacket
	Heartbeat    *HeartbeatPacket
	HeartbeatAck *HeartbeatAckPacket
}

// IsProbe reports whether the message matched any probe packet kind.
func (c Classified) IsProbe() bool {
	return c.Load != nil || c.Echo != nil || c.Heartbeat != nil || c.HeartbeatAck != nil
}

// ClassifyPacket parses a channel message as a tagged probe packet.
// Non-JSON payloads and JSON without a recognized type tag yield a zero
// Classified, signalling fall-through to chat handling. Parsing is
// deliberately forgiving: a malformed probe-looking message is treated
// as chat, never as an error.
func ClassifyPacket(data []byte) Classified {
	var tp taggedPacket
	if err := json.Unmarshal(data, &tp); err != nil {
		return Classified{}
	}
	switch tp.Type {
	case PacketLoad:
		var id uint64
		if err := json.Unmarshal(tp.ID, &id); err != nil {
			return Classified{}
		}
		return Classified{Load: &LoadPacket{Type: tp.Type, ID: id, Timestamp: tp.Timestamp, Data: tp.Data}}
	case PacketEcho:
		return Classified{Echo: &EchoPacket{Type: tp.Type, OriginalID: tp.OriginalID, Timestamp: tp.Timestamp}}
	case PacketHeartbeat:
		var id string
		if err := json.Unmarshal(tp.ID, &id); err != nil {
			return Classified{}
		}
		return Classified{Heartbeat: &HeartbeatPacket{Type: tp.Type, ID: id, Timestamp: tp.Timestamp}}
	case PacketHeartbeatAck:
		var id string
		if err := json.Unmarshal(tp.ID, &id); err != nil {
			return Classified{}
		}
		return Classified{HeartbeatAck: &HeartbeatAckPacket{
			Type:              tp.Type,
			ID:                id,
			OriginalTimestamp: tp.OriginalTimestamp,
			Timestamp:         tp.Timestamp,
		}}
	default:
		return Classified{}
	}
}
