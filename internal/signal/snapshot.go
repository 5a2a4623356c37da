package signal

import (
	"context"
	"net/http"
	"sort"

	"github.com/meetworks/sfu-signaling/internal/httpserver"
)

// RoomStatus summarizes one room for the REST status endpoints.
type RoomStatus struct {
	ID           string `json:"id"`
	NPeers       int    `json:"nPeers"`
	NVideoTracks int    `json:"nVideoTracks"`
	NAudioTracks int    `json:"nAudioTracks"`
}

type WorkerStatus struct {
	ID   string `json:"id"`
	Load int    `json:"load"`
}

// QueueStatus reports scheduler queue depths and lifetime drop counts.
type QueueStatus struct {
	Lobby       int    `json:"lobby"`
	Peer        int    `json:"peer"`
	Worker      int    `json:"worker"`
	LobbyDrops  uint64 `json:"lobbyDrops"`
	PeerDrops   uint64 `json:"peerDrops"`
	WorkerDrops uint64 `json:"workerDrops"`
}

type Snapshot struct {
	Rooms   []RoomStatus   `json:"rooms"`
	Workers []WorkerStatus `json:"workers"`
	Queues  QueueStatus    `json:"queues"`
}

// buildSnapshot runs on the scheduler goroutine.
func (s *Server) buildSnapshot() Snapshot {
	snap := Snapshot{
		Rooms:   make([]RoomStatus, 0, len(s.rooms)),
		Workers: make([]WorkerStatus, 0, len(s.workerOrder)),
		Queues: QueueStatus{
			Lobby:       s.lobbyQ.Len(),
			Peer:        s.peerQ.Len(),
			Worker:      s.workerQ.Len(),
			LobbyDrops:  s.lobbyQ.DropCount(),
			PeerDrops:   s.peerQ.DropCount(),
			WorkerDrops: s.workerQ.DropCount(),
		},
	}

	for id, room := range s.rooms {
		st := RoomStatus{ID: id, NPeers: len(room.peers)}
		for _, p := range room.peers {
			for _, producer := range p.producers {
				switch producer.Kind {
				case "video":
					st.NVideoTracks++
				case "audio":
					st.NAudioTracks++
				}
			}
		}
		snap.Rooms = append(snap.Rooms, st)
	}
	sort.Slice(snap.Rooms, func(i, j int) bool { return snap.Rooms[i].ID < snap.Rooms[j].ID })

	for _, id := range s.workerOrder {
		snap.Workers = append(snap.Workers, WorkerStatus{ID: id, Load: s.workers[id].load})
	}

	return snap
}

// Snapshot asks the scheduler for a consistent view of its registries. It
// blocks until the scheduler serves the request or ctx is done.
func (s *Server) Snapshot(ctx context.Context) (Snapshot, error) {
	reply := make(chan Snapshot, 1)
	select {
	case s.snapshotCh <- reply:
	case <-ctx.Done():
		return Snapshot{}, ctx.Err()
	}
	select {
	case snap := <-reply:
		return snap, nil
	case <-ctx.Done():
		return Snapshot{}, ctx.Err()
	}
}

func (s *Server) handleRooms(w http.ResponseWriter, r *http.Request) {
	snap, err := s.Snapshot(r.Context())
	if err != nil {
		httpserver.WriteJSON(w, http.StatusServiceUnavailable, map[string]any{"error": err.Error()})
		return
	}
	httpserver.WriteJSON(w, http.StatusOK, map[string]any{"rooms": snap.Rooms})
}

func (s *Server) handleRoom(w http.ResponseWriter, r *http.Request) {
	snap, err := s.Snapshot(r.Context())
	if err != nil {
		httpserver.WriteJSON(w, http.StatusServiceUnavailable, map[string]any{"error": err.Error()})
		return
	}
	id := r.PathValue("id")
	for _, room := range snap.Rooms {
		if room.ID == id {
			httpserver.WriteJSON(w, http.StatusOK, room)
			return
		}
	}
	httpserver.WriteJSON(w, http.StatusNotFound, map[string]any{"error": "room not found"})
}

func (s *Server) handleMessageLoad(w http.ResponseWriter, r *http.Request) {
	snap, err := s.Snapshot(r.Context())
	if err != nil {
		httpserver.WriteJSON(w, http.StatusServiceUnavailable, map[string]any{"error": err.Error()})
		return
	}
	httpserver.WriteJSON(w, http.StatusOK, map[string]any{
		"queues":  snap.Queues,
		"workers": snap.Workers,
	})
}
