package protocol

import (
	"encoding/json"
	"fmt"
)

// Type identifies a signaling message. The set is closed: Parse rejects
// anything not listed here.
type Type string

const (
	// First messages. A fresh connection is classified by the first frame it
	// sends; the reply echoes the message with the resolved unique id.
	TypeConnect   Type = "connect"
	TypeWorkerAdd Type = "workerAdd"

	// Auxiliary channels handled by other services. Recognized so the server
	// can log and close them politely instead of treating them as garbage.
	TypeDataConnect     Type = "dataConnect"
	TypePositionConnect Type = "positionConnect"

	// Peer lifecycle.
	TypeJoin       Type = "join"
	TypeLeave      Type = "leave"
	TypePong       Type = "pong"
	TypeCheckAdmin Type = "checkAdmin"

	// Relayed between peer and worker without interpretation. Payload fields
	// (rtpParameters, dtlsParameters, ...) pass through opaquely.
	TypeRTPCapabilities  Type = "rtpCapabilities"
	TypeConnectTransport Type = "connectTransport"
	TypeConsumeTransport Type = "consumeTransport"
	TypeResumeConsumer   Type = "resumeConsumer"
	TypeStreamingStart   Type = "streamingStart"
	TypeStreamingStop    Type = "streamingStop"

	// Relayed with bookkeeping on the worker->peer leg.
	TypeCreateTransport  Type = "createTransport"
	TypeProduceTransport Type = "produceTransport"
	TypeCloseProducer    Type = "closeProducer"
	TypeCloseTransport   Type = "closeTransport"

	// Worker bookkeeping.
	TypeWorkerUpdate Type = "workerUpdate"
	TypeWorkerDelete Type = "workerDelete"

	// Server-originated broadcasts.
	TypeRemoteUpdate Type = "remoteUpdate"
	TypeRemoteLeft   Type = "remoteLeft"
)

// ProducerInfo describes one media producer owned by a peer.
type ProducerInfo struct {
	ID   string `json:"id"`
	Kind string `json:"kind"`
	Role string `json:"role"`
}

// RemotePeer is the per-peer record carried in remoteUpdate broadcasts.
type RemotePeer struct {
	Peer      string         `json:"peer"`
	Producers []ProducerInfo `json:"producers"`
}

// RemoteUpdate announces current member records to a room.
type RemoteUpdate struct {
	Type    Type         `json:"type"`
	Remotes []RemotePeer `json:"remotes"`
}

func NewRemoteUpdate(remotes []RemotePeer) RemoteUpdate {
	return RemoteUpdate{Type: TypeRemoteUpdate, Remotes: remotes}
}

// RemoteLeft announces departed peer ids to a room.
type RemoteLeft struct {
	Type    Type     `json:"type"`
	Remotes []string `json:"remotes"`
}

func NewRemoteLeft(remotes []string) RemoteLeft {
	return RemoteLeft{Type: TypeRemoteLeft, Remotes: remotes}
}

// Message is the wire envelope shared by every signaling frame.
//
// Only the fields the server routes or books on are typed. Everything else
// (rtpParameters, dtlsParameters, iceCandidates, ...) is preserved verbatim
// in extra fields so relayed frames survive a round trip untouched.
type Message struct {
	Type Type

	// Peer is the sender (or addressee, on the worker->peer leg).
	Peer string
	// Remote addresses a frame to the worker serving another peer. It is
	// stripped before the frame is forwarded.
	Remote string
	// Room names the target room for join/checkAdmin.
	Room string
	// PeerJustBefore carries the reconnect hint on connect.
	PeerJustBefore string

	// SN correlates a peer request with its worker reply.
	SN    int64
	HasSN bool

	Transport string
	Producer  string
	Kind      string
	Role      string

	// Load is the worker's self-reported load on workerUpdate.
	Load    int
	HasLoad bool

	// Email is the identity checked by checkAdmin; Result is the verdict.
	Email  string
	Result string

	Error string

	extra map[string]json.RawMessage
}

// Extra returns an opaque payload field preserved from the wire.
func (m *Message) Extra(key string) (json.RawMessage, bool) {
	v, ok := m.extra[key]
	return v, ok
}

// SetExtra attaches an opaque payload field that will be marshaled verbatim.
func (m *Message) SetExtra(key string, value json.RawMessage) {
	if m.extra == nil {
		m.extra = make(map[string]json.RawMessage)
	}
	m.extra[key] = value
}

// ExtraLen reports how many opaque payload fields the message carries.
func (m *Message) ExtraLen() int {
	return len(m.extra)
}

func (m *Message) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	*m = Message{}
	for key, val := range raw {
		var err error
		switch key {
		case "type":
			err = json.Unmarshal(val, &m.Type)
		case "peer":
			err = json.Unmarshal(val, &m.Peer)
		case "remote":
			err = json.Unmarshal(val, &m.Remote)
		case "room":
			err = json.Unmarshal(val, &m.Room)
		case "peerJustBefore":
			err = json.Unmarshal(val, &m.PeerJustBefore)
		case "sn":
			err = json.Unmarshal(val, &m.SN)
			m.HasSN = err == nil
		case "transport":
			err = json.Unmarshal(val, &m.Transport)
		case "producer":
			err = json.Unmarshal(val, &m.Producer)
		case "kind":
			err = json.Unmarshal(val, &m.Kind)
		case "role":
			err = json.Unmarshal(val, &m.Role)
		case "load":
			err = json.Unmarshal(val, &m.Load)
			m.HasLoad = err == nil
		case "email":
			err = json.Unmarshal(val, &m.Email)
		case "result":
			err = json.Unmarshal(val, &m.Result)
		case "error":
			err = json.Unmarshal(val, &m.Error)
		default:
			if m.extra == nil {
				m.extra = make(map[string]json.RawMessage, len(raw))
			}
			m.extra[key] = val
		}
		if err != nil {
			return fmt.Errorf("field %q: %w", key, err)
		}
	}
	return nil
}

func (m Message) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(m.extra)+8)
	for key, val := range m.extra {
		out[key] = val
	}
	out["type"] = m.Type
	if m.Peer != "" {
		out["peer"] = m.Peer
	}
	if m.Remote != "" {
		out["remote"] = m.Remote
	}
	if m.Room != "" {
		out["room"] = m.Room
	}
	if m.PeerJustBefore != "" {
		out["peerJustBefore"] = m.PeerJustBefore
	}
	if m.HasSN {
		out["sn"] = m.SN
	}
	if m.Transport != "" {
		out["transport"] = m.Transport
	}
	if m.Producer != "" {
		out["producer"] = m.Producer
	}
	if m.Kind != "" {
		out["kind"] = m.Kind
	}
	if m.Role != "" {
		out["role"] = m.Role
	}
	if m.HasLoad {
		out["load"] = m.Load
	}
	if m.Email != "" {
		out["email"] = m.Email
	}
	if m.Result != "" {
		out["result"] = m.Result
	}
	if m.Error != "" {
		out["error"] = m.Error
	}
	return json.Marshal(out)
}
