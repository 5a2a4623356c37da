package signal

import (
	"context"
	"runtime/debug"
	"time"
)

// Run is the scheduler loop. It owns every registry and is the only
// goroutine allowed to touch them; read pumps communicate with it purely
// through the event queues and the wake channel.
func (s *Server) Run(ctx context.Context) {
	peerTick := time.NewTicker(s.cfg.PeerTimeout / 4)
	defer peerTick.Stop()
	workerTick := time.NewTicker(s.cfg.WorkerTimeout / 3)
	defer workerTick.Stop()

	for {
		select {
		case <-ctx.Done():
			s.shutdown()
			return
		case <-s.wake:
			s.drainQueues()
		case <-peerTick.C:
			s.checkPeers()
		case <-workerTick.C:
			s.pingWorkers()
		case reply := <-s.snapshotCh:
			reply <- s.buildSnapshot()
		}
	}
}

// drainQueues takes up to BatchSize events from each queue per pass,
// round-robin over the connection classes. Leftovers re-arm the wake signal.
func (s *Server) drainQueues() {
	leftover := false
	for _, q := range []*eventQueue{s.lobbyQ, s.peerQ, s.workerQ} {
		for i := 0; i < s.cfg.BatchSize; i++ {
			ev, ok := q.TryDequeue()
			if !ok {
				break
			}
			s.safeHandle(ev)
		}
		if q.Len() > 0 {
			leftover = true
		}
	}
	if leftover {
		s.signalWake()
	}
}

// safeHandle dispatches one event, containing handler panics so a malformed
// frame cannot take the scheduler down with it.
func (s *Server) safeHandle(ev event) {
	defer func() {
		if rec := recover(); rec != nil {
			s.log.Error("panic in signal handler", "recover", rec, "stack", string(debug.Stack()))
		}
	}()

	switch ev.cs.getRole() {
	case rolePeer:
		s.handlePeerEvent(ev)
	case roleWorker:
		s.handleWorkerEvent(ev)
	default:
		s.handleLobbyEvent(ev)
	}
}

// shutdown closes every live connection. Registries are not unwound peer by
// peer; the process is exiting.
func (s *Server) shutdown() {
	for _, p := range s.peers {
		_ = p.conn.conn.Close()
	}
	for _, w := range s.workers {
		_ = w.conn.conn.Close()
	}
}
