// Package signal implements the conferencing signaling core: peer and media
// worker registries, room membership, and the typed relay protocol between
// them.
//
// All registry state is owned by a single scheduler goroutine (Run). Each
// WebSocket connection gets a read pump that parses frames and enqueues them
// onto one of three bounded queues (lobby, peer, worker); the scheduler drains
// the queues in bounded round-robin batches so no connection class can starve
// the others. Everything else in the package is plumbing around that loop.
package signal

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/meetworks/sfu-signaling/internal/auth"
	"github.com/meetworks/sfu-signaling/internal/config"
	"github.com/meetworks/sfu-signaling/internal/httpserver"
	"github.com/meetworks/sfu-signaling/internal/metrics"
	"github.com/meetworks/sfu-signaling/internal/protocol"
	"github.com/meetworks/sfu-signaling/internal/ratelimit"
	"github.com/meetworks/sfu-signaling/internal/roompolicy"
)

type Server struct {
	log      *slog.Logger
	cfg      config.Config
	metrics  *metrics.Metrics
	verifier auth.Verifier
	policies *roompolicy.Store

	// clock is swapped for a fake in tests.
	clock ratelimit.Clock

	// Scheduler-owned registries. Only the Run goroutine touches these.
	peers       map[string]*peerState
	rooms       map[string]*roomState
	workers     map[string]*workerState
	workerOrder []string
	// pending tracks outstanding request serials per peer so worker replies
	// can be matched back, and orphaned replies compensated.
	pending map[string]map[int64]struct{}

	lobbyQ  *eventQueue
	peerQ   *eventQueue
	workerQ *eventQueue

	wake       chan struct{}
	snapshotCh chan chan Snapshot

	upgrader websocket.Upgrader
}

// NewServer builds a signaling server. verifier and policies may be nil, in
// which case every connection is accepted and every room approves its members
// as admins.
func NewServer(cfg config.Config, logger *slog.Logger, m *metrics.Metrics, verifier auth.Verifier, policies *roompolicy.Store) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if m == nil {
		m = metrics.New()
	}
	if verifier == nil {
		verifier = auth.AllowAll{}
	}

	s := &Server{
		log:      logger,
		cfg:      cfg,
		metrics:  m,
		verifier: verifier,
		policies: policies,
		clock:    ratelimit.RealClock{},

		peers:   make(map[string]*peerState),
		rooms:   make(map[string]*roomState),
		workers: make(map[string]*workerState),
		pending: make(map[string]map[int64]struct{}),

		lobbyQ:  newEventQueue(cfg.QueueDepth),
		peerQ:   newEventQueue(cfg.QueueDepth),
		workerQ: newEventQueue(cfg.QueueDepth),

		wake:       make(chan struct{}, 1),
		snapshotCh: make(chan chan Snapshot),
	}

	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}

	return s
}

// RegisterRoutes mounts the WebSocket endpoint and the REST status endpoints.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /ws", s.handleWebSocket)
	mux.HandleFunc("GET /rooms", s.handleRooms)
	mux.HandleFunc("GET /rooms/{id}", s.handleRoom)
	mux.HandleFunc("GET /messageload", s.handleMessageLoad)
}

// checkOrigin admits non-browser clients (no Origin header) unconditionally;
// browser origins must match the configured allowlist. An empty allowlist or
// a "*" entry allows everything.
func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	if len(s.cfg.AllowedOrigins) == 0 {
		return true
	}
	normalized := strings.TrimRight(strings.ToLower(origin), "/")
	for _, allowed := range s.cfg.AllowedOrigins {
		if allowed == "*" || allowed == normalized {
			return true
		}
	}
	return false
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	credential, err := auth.CredentialFromQuery(s.cfg.AuthMode, r.URL.Query())
	if err == nil {
		err = s.verifier.Verify(credential)
	}
	if err != nil {
		s.log.Warn("websocket auth rejected", "remote_addr", r.RemoteAddr, "err", err)
		httpserver.WriteJSON(w, http.StatusUnauthorized, map[string]any{"error": "unauthorized"})
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		s.log.Debug("websocket upgrade failed", "remote_addr", r.RemoteAddr, "err", err)
		return
	}

	cs := &connState{conn: newWSConn(ws)}
	go s.readPump(cs, ws)
}

// readPump reads frames until the connection dies, parses them, and hands
// them to the scheduler. It never touches registry state itself.
func (s *Server) readPump(cs *connState, ws *websocket.Conn) {
	defer func() {
		// Close events must reach the scheduler even when the queue is full,
		// or the registries leak dead connections.
		s.queueFor(cs).EnqueueForce(event{kind: eventClosed, cs: cs})
		s.signalWake()
	}()

	ws.SetReadLimit(s.cfg.MaxMessageBytes)
	ws.SetPongHandler(func(string) error {
		s.enqueue(cs, event{kind: eventPong, cs: cs})
		return nil
	})

	perSecond := int64(s.cfg.MessagesPerSecond)
	bucket := ratelimit.NewTokenBucket(s.clock, perSecond, perSecond)

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return
		}
		if !bucket.Allow(1) {
			s.metrics.Inc(metrics.EventFrameRateLimited)
			s.log.Warn("connection over message rate limit, closing", "remote_addr", cs.conn.RemoteAddr())
			_ = cs.conn.Close()
			return
		}
		msg, err := protocol.Parse(data)
		if err != nil {
			s.metrics.Inc(metrics.EventFrameInvalid)
			s.log.Debug("dropping invalid frame", "remote_addr", cs.conn.RemoteAddr(), "err", err)
			continue
		}
		s.enqueue(cs, event{kind: eventMessage, cs: cs, msg: msg})
	}
}

func (s *Server) enqueue(cs *connState, ev event) {
	if !s.queueFor(cs).Enqueue(ev) {
		s.metrics.Inc(metrics.EventQueueDropped)
	}
	s.signalWake()
}

func (s *Server) queueFor(cs *connState) *eventQueue {
	switch cs.getRole() {
	case rolePeer:
		return s.peerQ
	case roleWorker:
		return s.workerQ
	default:
		return s.lobbyQ
	}
}

func (s *Server) signalWake() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Server) now() time.Time {
	return s.clock.Now()
}
