package protocol

import (
	"encoding/json"
	"fmt"
)

// Parse decodes and validates a single wire frame.
//
// Unknown envelope fields are preserved as opaque payload (relayed frames
// carry media parameters the server must not interpret), but the type itself
// must be one of the known message types and carry its required fields.
func Parse(data []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	if err := msg.Validate(); err != nil {
		return nil, err
	}
	return &msg, nil
}

// Validate checks per-type required fields.
func (m *Message) Validate() error {
	switch m.Type {
	case TypeConnect:
		// An empty requested id is allowed; the server assigns one.
	case TypeWorkerAdd:
		if m.Peer == "" {
			return fmt.Errorf("workerAdd missing peer")
		}
	case TypeDataConnect, TypePositionConnect:
		// Recognized but served elsewhere.
	case TypeJoin:
		if m.Room == "" {
			return fmt.Errorf("join missing room")
		}
	case TypeLeave, TypePong:
	case TypeCheckAdmin:
		if m.Room == "" || m.Email == "" {
			return fmt.Errorf("checkAdmin missing room/email")
		}
	case TypeRTPCapabilities, TypeConnectTransport, TypeConsumeTransport,
		TypeResumeConsumer, TypeStreamingStart, TypeStreamingStop,
		TypeCreateTransport, TypeProduceTransport:
		// Relayed. The peer field is stamped by the server on the inbound leg
		// and required on the worker reply leg; routing checks live there.
	case TypeCloseProducer:
		if m.Producer == "" {
			return fmt.Errorf("closeProducer missing producer")
		}
	case TypeCloseTransport:
		if m.Transport == "" {
			return fmt.Errorf("closeTransport missing transport")
		}
	case TypeWorkerUpdate:
		if m.Peer == "" {
			return fmt.Errorf("workerUpdate missing peer")
		}
		if !m.HasLoad {
			return fmt.Errorf("workerUpdate missing load")
		}
	case TypeWorkerDelete:
		if m.Peer == "" {
			return fmt.Errorf("workerDelete missing peer")
		}
	case TypeRemoteUpdate, TypeRemoteLeft:
		// Server-originated; accepted on parse so echoes in tests round-trip.
	case "":
		return fmt.Errorf("missing message type")
	default:
		return fmt.Errorf("unsupported message type %q", m.Type)
	}
	return nil
}
