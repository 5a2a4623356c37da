package signal

import (
	"sort"
	"sync/atomic"
	"time"

	"github.com/meetworks/sfu-signaling/internal/protocol"
)

type connRole int32

const (
	// roleLobby marks a connection waiting for its first message.
	roleLobby connRole = iota
	rolePeer
	roleWorker
)

// connState links a live connection to its scheduler-side identity.
//
// role is read by the connection's read pump to pick the right queue; peer
// and worker are owned by the scheduler goroutine exclusively.
type connState struct {
	conn Conn
	role atomic.Int32

	peer   *peerState
	worker *workerState
}

func (cs *connState) setRole(r connRole) { cs.role.Store(int32(r)) }
func (cs *connState) getRole() connRole  { return connRole(cs.role.Load()) }

type peerState struct {
	id   string
	conn *connState

	room   *roomState
	worker *workerState

	producers  []protocol.ProducerInfo
	transports []string

	lastReceived time.Time
	lastSent     time.Time
}

func (p *peerState) remote() protocol.RemotePeer {
	producers := make([]protocol.ProducerInfo, len(p.producers))
	copy(producers, p.producers)
	return protocol.RemotePeer{Peer: p.id, Producers: producers}
}

func (p *peerState) hasProducer(kind, role string) bool {
	for _, producer := range p.producers {
		if producer.Kind == kind && producer.Role == role {
			return true
		}
	}
	return false
}

func (p *peerState) removeProducer(id string) {
	kept := p.producers[:0]
	for _, producer := range p.producers {
		if producer.ID != id {
			kept = append(kept, producer)
		}
	}
	p.producers = kept
}

type workerState struct {
	id   string
	conn *connState

	load int
	// pongWait counts pings sent since the last pong; three strikes
	// terminates the worker.
	pongWait int
}

type roomState struct {
	id    string
	peers map[string]*peerState
}

// remotePeers returns member records in stable id order.
func (r *roomState) remotePeers() []protocol.RemotePeer {
	ids := make([]string, 0, len(r.peers))
	for id := range r.peers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := make([]protocol.RemotePeer, 0, len(ids))
	for _, id := range ids {
		out = append(out, r.peers[id].remote())
	}
	return out
}
