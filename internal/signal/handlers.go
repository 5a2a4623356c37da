package signal

import (
	"github.com/meetworks/sfu-signaling/internal/metrics"
	"github.com/meetworks/sfu-signaling/internal/protocol"
)

// Admin check verdicts, echoed back in the checkAdmin reply.
const (
	ResultApprove = "approve"
	ResultReject  = "reject"
)

// handleLobbyEvent classifies a fresh connection by its first frame. A
// connection already promoted to peer or worker may still have frames queued
// here from the transition window; those are dispatched onward.
func (s *Server) handleLobbyEvent(ev event) {
	if ev.cs.peer != nil {
		s.handlePeerEvent(ev)
		return
	}
	if ev.cs.worker != nil {
		s.handleWorkerEvent(ev)
		return
	}

	switch ev.kind {
	case eventClosed, eventPong:
		// Never registered, nothing to unwind.
		return
	}

	msg := ev.msg
	switch msg.Type {
	case protocol.TypeConnect:
		s.handleConnect(ev.cs, msg)
	case protocol.TypeWorkerAdd:
		s.handleWorkerAdd(ev.cs, msg)
	case protocol.TypeDataConnect, protocol.TypePositionConnect:
		// Served by a different deployment; close politely so clients fail fast.
		s.log.Info("auxiliary channel not served here, closing", "type", msg.Type, "remote_addr", ev.cs.conn.RemoteAddr())
		_ = ev.cs.conn.Close()
	default:
		s.log.Warn("frame before connect ignored", "type", msg.Type, "remote_addr", ev.cs.conn.RemoteAddr())
	}
}

// handleConnect registers a peer. The requested id is made unique with an
// integer suffix when taken; the reply echoes the connect frame with the
// resolved id. peerJustBefore names the peer's previous incarnation, which is
// torn down first so a reconnecting client can reclaim its identity.
func (s *Server) handleConnect(cs *connState, msg *protocol.Message) {
	requested := msg.Peer
	if msg.PeerJustBefore != "" {
		if old, ok := s.peers[msg.PeerJustBefore]; ok {
			s.metrics.Inc(metrics.EventPeerReconnected)
			s.log.Info("peer reconnecting, tearing down previous session", "peer", msg.PeerJustBefore)
			s.deletePeer(old)
		}
		if requested == "" {
			requested = msg.PeerJustBefore
		}
	}

	id := uniqueID(requested, func(candidate string) bool {
		_, taken := s.peers[candidate]
		return taken
	})

	now := s.now()
	p := &peerState{
		id:           id,
		conn:         cs,
		lastReceived: now,
		lastSent:     now,
	}
	s.peers[id] = p
	cs.peer = p
	cs.setRole(rolePeer)

	s.metrics.Inc(metrics.EventPeerConnected)
	s.log.Info("peer connected", "peer", id, "remote_addr", cs.conn.RemoteAddr())

	reply := *msg
	reply.Peer = id
	s.sendToPeer(p, reply)
}

// handleWorkerAdd registers a media worker under a unique id and echoes the
// frame back with the resolved id.
func (s *Server) handleWorkerAdd(cs *connState, msg *protocol.Message) {
	id := uniqueID(msg.Peer, func(candidate string) bool {
		_, taken := s.workers[candidate]
		return taken
	})

	w := &workerState{id: id, conn: cs}
	s.workers[id] = w
	s.workerOrder = append(s.workerOrder, id)
	cs.worker = w
	cs.setRole(roleWorker)

	s.metrics.Inc(metrics.EventWorkerConnected)
	s.log.Info("worker connected", "worker", id, "remote_addr", cs.conn.RemoteAddr())

	reply := *msg
	reply.Peer = id
	s.sendToWorker(w, reply)
}

func (s *Server) handlePeerEvent(ev event) {
	p := ev.cs.peer

	switch ev.kind {
	case eventClosed:
		if p != nil && s.peers[p.id] == p {
			s.log.Info("peer disconnected", "peer", p.id)
			s.deletePeer(p)
		}
		return
	case eventPong:
		if p != nil {
			p.lastReceived = s.now()
		}
		return
	}

	if p == nil || s.peers[p.id] != p {
		return
	}
	p.lastReceived = s.now()

	msg := ev.msg
	// The sender's identity is authoritative server-side state, never
	// client-supplied.
	msg.Peer = p.id

	switch msg.Type {
	case protocol.TypePong:
		// Liveness only; lastReceived already updated.
	case protocol.TypeConnect:
		s.log.Warn("connect on established peer ignored", "peer", p.id)
	case protocol.TypeJoin:
		s.handleJoin(p, msg)
	case protocol.TypeLeave:
		s.leaveRoom(p)
	case protocol.TypeCheckAdmin:
		s.handleCheckAdmin(p, msg)
	case protocol.TypeCloseProducer:
		s.handlePeerCloseProducer(p, msg)
	case protocol.TypeRTPCapabilities,
		protocol.TypeConnectTransport,
		protocol.TypeConsumeTransport,
		protocol.TypeResumeConsumer,
		protocol.TypeStreamingStart,
		protocol.TypeStreamingStop,
		protocol.TypeCreateTransport,
		protocol.TypeProduceTransport,
		protocol.TypeCloseTransport:
		s.relayPeerToWorker(p, msg)
	default:
		s.log.Warn("unhandled peer frame", "peer", p.id, "type", msg.Type)
	}
}

// handleJoin moves a peer into a room, leaving its previous room first if
// needed, then broadcasts the full member list to every member so the whole
// room converges on one membership snapshot.
func (s *Server) handleJoin(p *peerState, msg *protocol.Message) {
	if p.room != nil && p.room.id != msg.Room {
		s.leaveRoom(p)
	}

	room, ok := s.rooms[msg.Room]
	if !ok {
		room = &roomState{id: msg.Room, peers: make(map[string]*peerState)}
		s.rooms[msg.Room] = room
		s.log.Info("room created", "room", msg.Room)
	}

	room.peers[p.id] = p
	p.room = room

	s.broadcastRoomState(room)
	s.log.Info("peer joined room", "peer", p.id, "room", room.id, "members", len(room.peers))
}

// broadcastRoomState sends the room's full member/producer records to every
// member.
func (s *Server) broadcastRoomState(room *roomState) {
	s.broadcastToRoom(room, protocol.NewRemoteUpdate(room.remotePeers()), "")
}

// handleCheckAdmin answers whether the requesting member administers the
// room. A matching policy approves only listed admins; a room without a
// policy approves any member.
func (s *Server) handleCheckAdmin(p *peerState, msg *protocol.Message) {
	if p.room == nil || p.room.id != msg.Room {
		s.log.Warn("checkAdmin for a room the peer is not in", "peer", p.id, "room", msg.Room)
		return
	}

	result := ResultApprove
	if s.policies != nil {
		if admin, hasPolicy := s.policies.IsAdmin(msg.Room, msg.Email); hasPolicy && !admin {
			result = ResultReject
		}
	}

	reply := *msg
	reply.Result = result
	s.sendToPeer(p, reply)
}

// handlePeerCloseProducer drops the producer from the peer's record,
// re-announces the peer to its room, and forwards the close to the worker.
func (s *Server) handlePeerCloseProducer(p *peerState, msg *protocol.Message) {
	p.removeProducer(msg.Producer)
	if p.room != nil {
		s.broadcastRoomState(p.room)
	}
	s.relayPeerToWorker(p, msg)
}

func (s *Server) handleWorkerEvent(ev event) {
	w := ev.cs.worker

	switch ev.kind {
	case eventClosed:
		if w != nil && s.workers[w.id] == w {
			s.log.Warn("worker disconnected", "worker", w.id)
			s.deleteWorker(w)
		}
		return
	case eventPong:
		if w != nil {
			w.pongWait = 0
		}
		return
	}

	if w == nil || s.workers[w.id] != w {
		return
	}

	msg := ev.msg
	switch msg.Type {
	case protocol.TypeWorkerUpdate:
		w.load = msg.Load
		s.log.Debug("worker load updated", "worker", w.id, "load", w.load)
	case protocol.TypeWorkerDelete:
		s.log.Info("worker leaving", "worker", w.id)
		s.deleteWorker(w)
		_ = w.conn.conn.Close()
	case protocol.TypeCreateTransport:
		s.handleCreateTransportAck(w, msg)
	case protocol.TypeProduceTransport:
		s.handleProduceTransportAck(w, msg)
	case protocol.TypeCloseProducer:
		s.handleWorkerCloseProducer(w, msg)
	case protocol.TypeRTPCapabilities,
		protocol.TypeConnectTransport,
		protocol.TypeConsumeTransport,
		protocol.TypeResumeConsumer,
		protocol.TypeStreamingStart,
		protocol.TypeStreamingStop,
		protocol.TypeCloseTransport:
		s.relayWorkerToPeer(msg)
	default:
		s.log.Warn("unhandled worker frame", "worker", w.id, "type", msg.Type)
	}
}

// handleCreateTransportAck books the new transport against the requesting
// peer before forwarding the reply. A reply for a peer that vanished
// mid-request closes the transport straight back on the worker so it cannot
// leak.
func (s *Server) handleCreateTransportAck(w *workerState, msg *protocol.Message) {
	p, ok := s.resolveAck(msg)
	if !ok {
		s.metrics.Inc(metrics.EventOrphanTransport)
		s.log.Warn("transport created for a vanished peer, closing it", "worker", w.id, "peer", msg.Peer, "transport", msg.Transport)
		if msg.Transport != "" {
			s.sendToWorker(w, &protocol.Message{Type: protocol.TypeCloseTransport, Peer: msg.Peer, Transport: msg.Transport})
		}
		return
	}
	if msg.Error == "" && msg.Transport != "" {
		p.transports = append(p.transports, msg.Transport)
	}
	s.sendToPeer(p, msg)
}

// handleProduceTransportAck books the new producer, announces it to the
// room, and forwards the reply. Orphaned producers are closed back on the
// worker.
func (s *Server) handleProduceTransportAck(w *workerState, msg *protocol.Message) {
	p, ok := s.resolveAck(msg)
	if !ok {
		s.metrics.Inc(metrics.EventOrphanProducer)
		s.log.Warn("producer created for a vanished peer, closing it", "worker", w.id, "peer", msg.Peer, "producer", msg.Producer)
		if msg.Producer != "" {
			s.sendToWorker(w, &protocol.Message{Type: protocol.TypeCloseProducer, Peer: msg.Peer, Producer: msg.Producer})
		}
		return
	}
	if msg.Error == "" && msg.Producer != "" {
		if p.hasProducer(msg.Kind, msg.Role) {
			s.log.Warn("duplicate producer kind/role for peer", "peer", p.id, "kind", msg.Kind, "role", msg.Role)
		}
		p.producers = append(p.producers, protocol.ProducerInfo{ID: msg.Producer, Kind: msg.Kind, Role: msg.Role})
		if p.room != nil {
			s.broadcastRoomState(p.room)
		}
	}
	s.sendToPeer(p, msg)
}

// handleWorkerCloseProducer handles a worker-initiated producer close (for
// example, the underlying track died): unbook it, re-announce the peer, and
// tell the peer.
func (s *Server) handleWorkerCloseProducer(w *workerState, msg *protocol.Message) {
	p, ok := s.peers[msg.Peer]
	if !ok {
		s.metrics.Inc(metrics.EventRoutingMiss)
		s.log.Debug("closeProducer for unknown peer dropped", "worker", w.id, "peer", msg.Peer)
		return
	}
	p.removeProducer(msg.Producer)
	if p.room != nil {
		s.broadcastRoomState(p.room)
	}
	s.sendToPeer(p, msg)
}

// checkPeers runs on every quarter of the peer timeout. Peers quiet past the
// full timeout are closed; peers the server has not written to in a quarter
// timeout get an application-level pong, so a client that only talks (or only
// listens) still sees regular server traffic and does not time us out.
func (s *Server) checkPeers() {
	now := s.now()
	quietAfter := s.cfg.PeerTimeout / 4

	var expired []*peerState
	for _, p := range s.peers {
		if now.Sub(p.lastReceived) > s.cfg.PeerTimeout {
			expired = append(expired, p)
			continue
		}
		if now.Sub(p.lastSent) > quietAfter {
			s.sendToPeer(p, protocol.Message{Type: protocol.TypePong})
		}
	}
	for _, p := range expired {
		s.metrics.Inc(metrics.EventPeerTimeout)
		s.log.Warn("peer timed out", "peer", p.id)
		s.deletePeer(p)
	}
}

// pingWorkers runs on every third of the worker timeout. Three unanswered
// pings terminate the worker without a close handshake.
func (s *Server) pingWorkers() {
	var expired []*workerState
	for _, w := range s.workers {
		if w.pongWait >= 3 {
			expired = append(expired, w)
			continue
		}
		if err := w.conn.conn.Ping(); err != nil {
			s.log.Debug("worker ping failed", "worker", w.id, "err", err)
		}
		w.pongWait++
	}
	for _, w := range expired {
		s.metrics.Inc(metrics.EventWorkerTimeout)
		s.log.Warn("worker timed out", "worker", w.id, "missed_pongs", w.pongWait)
		_ = w.conn.conn.Terminate()
		s.deleteWorker(w)
	}
}
