package signal

import (
	"github.com/meetworks/sfu-signaling/internal/metrics"
	"github.com/meetworks/sfu-signaling/internal/protocol"
)

func (s *Server) sendToPeer(p *peerState, v any) {
	if err := p.conn.conn.Send(v); err != nil {
		s.log.Debug("send to peer failed", "peer", p.id, "err", err)
		return
	}
	p.lastSent = s.now()
}

func (s *Server) sendToWorker(w *workerState, v any) {
	if err := w.conn.conn.Send(v); err != nil {
		s.log.Debug("send to worker failed", "worker", w.id, "err", err)
	}
}

func (s *Server) broadcastToRoom(room *roomState, v any, except string) {
	for id, member := range room.peers {
		if id == except {
			continue
		}
		s.sendToPeer(member, v)
	}
}

// workerFor resolves a peer's worker, binding the least loaded one lazily on
// first media activity.
func (s *Server) workerFor(p *peerState) *workerState {
	if p.worker == nil {
		w := s.vacantWorker()
		if w == nil {
			return nil
		}
		p.worker = w
		s.log.Info("peer bound to worker", "peer", p.id, "worker", w.id, "load", w.load)
	}
	return p.worker
}

// relayPeerToWorker forwards a peer frame to the worker serving the
// addressee: the remote peer when the frame names one (that is where the
// remote's media lives), the sender otherwise. Either way the addressee's
// worker is resolved through workerFor, so a consume aimed at a peer that
// never touched media binds that peer's worker on the spot. The remote field
// is stripped before forwarding since the worker keys everything by the peer
// field.
func (s *Server) relayPeerToWorker(p *peerState, msg *protocol.Message) {
	addressee := p
	if msg.Remote != "" {
		remote, ok := s.peers[msg.Remote]
		if !ok {
			s.metrics.Inc(metrics.EventRoutingMiss)
			s.log.Debug("frame for unknown remote dropped", "peer", p.id, "remote", msg.Remote, "type", msg.Type)
			return
		}
		addressee = remote
	}

	w := s.workerFor(addressee)
	if w == nil {
		s.metrics.Inc(metrics.EventRoutingMiss)
		s.log.Warn("no media workers available", "peer", p.id, "addressee", addressee.id, "type", msg.Type)
		return
	}

	if msg.HasSN {
		s.addPending(p.id, msg.SN)
	}
	msg.Remote = ""
	s.sendToWorker(w, msg)
}

// relayWorkerToPeer forwards a worker frame to the peer it names.
func (s *Server) relayWorkerToPeer(msg *protocol.Message) {
	if msg.HasSN {
		s.removePending(msg.Peer, msg.SN)
	}
	p, ok := s.peers[msg.Peer]
	if !ok {
		s.metrics.Inc(metrics.EventRoutingMiss)
		s.log.Debug("worker frame for unknown peer dropped", "peer", msg.Peer, "type", msg.Type)
		return
	}
	s.sendToPeer(p, msg)
}

// resolveAck matches a worker reply carrying resources (transport/producer
// acks) against its requester. The reply must name a live peer and, when
// serialized, a request that is still outstanding; anything else is an
// orphan the caller must compensate for.
func (s *Server) resolveAck(msg *protocol.Message) (*peerState, bool) {
	hadPending := false
	if msg.HasSN {
		if sns, ok := s.pending[msg.Peer]; ok {
			if _, ok := sns[msg.SN]; ok {
				delete(sns, msg.SN)
				if len(sns) == 0 {
					delete(s.pending, msg.Peer)
				}
				hadPending = true
			}
		}
	}

	p, ok := s.peers[msg.Peer]
	if !ok {
		return nil, false
	}
	if msg.HasSN && !hadPending {
		return nil, false
	}
	return p, true
}

func (s *Server) addPending(peerID string, sn int64) {
	sns, ok := s.pending[peerID]
	if !ok {
		sns = make(map[int64]struct{})
		s.pending[peerID] = sns
	}
	sns[sn] = struct{}{}
}

func (s *Server) removePending(peerID string, sn int64) {
	sns, ok := s.pending[peerID]
	if !ok {
		return
	}
	delete(sns, sn)
	if len(sns) == 0 {
		delete(s.pending, peerID)
	}
}

// vacantWorker returns the least loaded worker, breaking ties by
// registration order.
func (s *Server) vacantWorker() *workerState {
	var best *workerState
	for _, id := range s.workerOrder {
		w := s.workers[id]
		if best == nil || w.load < best.load {
			best = w
		}
	}
	return best
}

// deletePeer unwinds every trace of a peer: room membership, worker-side
// producers and transports, outstanding request serials, and finally the
// connection itself.
func (s *Server) deletePeer(p *peerState) {
	s.leaveRoom(p)

	if p.worker != nil {
		for _, producer := range p.producers {
			s.sendToWorker(p.worker, &protocol.Message{Type: protocol.TypeCloseProducer, Peer: p.id, Producer: producer.ID})
		}
		for _, transport := range p.transports {
			s.sendToWorker(p.worker, &protocol.Message{Type: protocol.TypeCloseTransport, Peer: p.id, Transport: transport})
		}
	}
	p.producers = nil
	p.transports = nil
	p.worker = nil

	delete(s.peers, p.id)
	delete(s.pending, p.id)
	_ = p.conn.conn.Close()
}

// leaveRoom removes a peer from its room, announces the departure to the
// remaining members, and garbage-collects the room when it empties.
func (s *Server) leaveRoom(p *peerState) {
	room := p.room
	if room == nil {
		return
	}
	delete(room.peers, p.id)
	p.room = nil

	if len(room.peers) == 0 {
		delete(s.rooms, room.id)
		s.log.Info("room deleted", "room", room.id)
		return
	}
	s.broadcastToRoom(room, protocol.NewRemoteLeft([]string{p.id}), "")
}

// deleteWorker unregisters a worker and unbinds every peer it served. The
// peers stay connected and rebind lazily on their next media request; their
// outstanding serials are dropped since the replies will never come.
func (s *Server) deleteWorker(w *workerState) {
	delete(s.workers, w.id)
	for i, id := range s.workerOrder {
		if id == w.id {
			s.workerOrder = append(s.workerOrder[:i], s.workerOrder[i+1:]...)
			break
		}
	}
	for _, p := range s.peers {
		if p.worker == w {
			p.worker = nil
			delete(s.pending, p.id)
		}
	}
}
