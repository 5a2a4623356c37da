package signal

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/meetworks/sfu-signaling/internal/config"
	"github.com/meetworks/sfu-signaling/internal/metrics"
	"github.com/meetworks/sfu-signaling/internal/protocol"
	"github.com/meetworks/sfu-signaling/internal/roompolicy"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1_700_000_000, 0)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// fakeConn records outbound frames as raw JSON.
type fakeConn struct {
	addr       string
	sent       [][]byte
	pings      int
	closed     bool
	terminated bool
}

func (c *fakeConn) Send(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	c.sent = append(c.sent, data)
	return nil
}

func (c *fakeConn) Ping() error  { c.pings++; return nil }
func (c *fakeConn) Close() error { c.closed = true; return nil }
func (c *fakeConn) Terminate() error {
	c.terminated = true
	return nil
}
func (c *fakeConn) RemoteAddr() string { return c.addr }

// frames decodes every sent frame into the wire envelope.
func (c *fakeConn) frames(t *testing.T) []protocol.Message {
	t.Helper()
	out := make([]protocol.Message, 0, len(c.sent))
	for _, data := range c.sent {
		var m protocol.Message
		if err := json.Unmarshal(data, &m); err != nil {
			t.Fatalf("unmarshal sent frame %s: %v", data, err)
		}
		out = append(out, m)
	}
	return out
}

func (c *fakeConn) lastFrame(t *testing.T) protocol.Message {
	t.Helper()
	frames := c.frames(t)
	if len(frames) == 0 {
		t.Fatal("no frames sent")
	}
	return frames[len(frames)-1]
}

func (c *fakeConn) reset() { c.sent = nil }

func testConfig() config.Config {
	return config.Config{
		AuthMode:          config.AuthModeNone,
		PeerTimeout:       20 * time.Second,
		WorkerTimeout:     60 * time.Second,
		MaxMessageBytes:   64 * 1024,
		MessagesPerSecond: 50,
		QueueDepth:        64,
		BatchSize:         8,
	}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestServer(t *testing.T) (*Server, *fakeClock) {
	t.Helper()
	clock := newFakeClock()
	s := NewServer(testConfig(), discardLogger(), metrics.New(), nil, nil)
	s.clock = clock
	return s, clock
}

func msgEvent(cs *connState, msg *protocol.Message) event {
	return event{kind: eventMessage, cs: cs, msg: msg}
}

// connectPeer drives the lobby handler with a connect frame and returns the
// registered peer plus its recorded connection.
func connectPeer(t *testing.T, s *Server, requested string) (*peerState, *fakeConn) {
	t.Helper()
	fc := &fakeConn{addr: "peer:" + requested}
	cs := &connState{conn: fc}
	s.handleLobbyEvent(msgEvent(cs, &protocol.Message{Type: protocol.TypeConnect, Peer: requested}))
	if cs.peer == nil {
		t.Fatalf("connect %q did not register a peer", requested)
	}
	fc.reset()
	return cs.peer, fc
}

func connectWorker(t *testing.T, s *Server, requested string) (*workerState, *fakeConn) {
	t.Helper()
	fc := &fakeConn{addr: "worker:" + requested}
	cs := &connState{conn: fc}
	s.handleLobbyEvent(msgEvent(cs, &protocol.Message{Type: protocol.TypeWorkerAdd, Peer: requested}))
	if cs.worker == nil {
		t.Fatalf("workerAdd %q did not register a worker", requested)
	}
	fc.reset()
	return cs.worker, fc
}

func joinRoom(t *testing.T, s *Server, p *peerState, room string) {
	t.Helper()
	s.handlePeerEvent(msgEvent(p.conn, &protocol.Message{Type: protocol.TypeJoin, Room: room}))
	if p.room == nil || p.room.id != room {
		t.Fatalf("peer %s did not join room %s", p.id, room)
	}
}

func peerFrame(t *testing.T, p *peerState, msg *protocol.Message) event {
	t.Helper()
	return msgEvent(p.conn, msg)
}

func TestConnectEchoesResolvedID(t *testing.T) {
	s, _ := newTestServer(t)

	fc := &fakeConn{}
	cs := &connState{conn: fc}
	s.handleLobbyEvent(msgEvent(cs, &protocol.Message{Type: protocol.TypeConnect, Peer: "alice"}))

	reply := fc.lastFrame(t)
	if reply.Type != protocol.TypeConnect || reply.Peer != "alice" {
		t.Fatalf("reply = %+v", reply)
	}
	if cs.getRole() != rolePeer {
		t.Fatalf("role = %v, want peer", cs.getRole())
	}
	if s.metrics.Get(metrics.EventPeerConnected) != 1 {
		t.Fatal("peer_connected not counted")
	}
}

func TestConnectCollisionGetsIntegerSuffix(t *testing.T) {
	s, _ := newTestServer(t)
	connectPeer(t, s, "alice")

	fc := &fakeConn{}
	cs := &connState{conn: fc}
	s.handleLobbyEvent(msgEvent(cs, &protocol.Message{Type: protocol.TypeConnect, Peer: "alice"}))
	if got := fc.lastFrame(t).Peer; got != "alice1" {
		t.Fatalf("second alice = %q, want alice1", got)
	}

	fc2 := &fakeConn{}
	cs2 := &connState{conn: fc2}
	s.handleLobbyEvent(msgEvent(cs2, &protocol.Message{Type: protocol.TypeConnect, Peer: "alice"}))
	if got := fc2.lastFrame(t).Peer; got != "alice2" {
		t.Fatalf("third alice = %q, want alice2", got)
	}
}

func TestConnectWithoutIDGetsGenerated(t *testing.T) {
	s, _ := newTestServer(t)
	fc := &fakeConn{}
	cs := &connState{conn: fc}
	s.handleLobbyEvent(msgEvent(cs, &protocol.Message{Type: protocol.TypeConnect}))
	if fc.lastFrame(t).Peer == "" {
		t.Fatal("generated id is empty")
	}
}

func TestReconnectTearsDownPreviousSession(t *testing.T) {
	s, _ := newTestServer(t)
	old, oldConn := connectPeer(t, s, "alice")
	other, otherConn := connectPeer(t, s, "bob")
	joinRoom(t, s, old, "standup")
	joinRoom(t, s, other, "standup")
	oldConn.reset()
	otherConn.reset()

	fc := &fakeConn{}
	cs := &connState{conn: fc}
	s.handleLobbyEvent(msgEvent(cs, &protocol.Message{
		Type:           protocol.TypeConnect,
		Peer:           "alice",
		PeerJustBefore: "alice",
	}))

	if !oldConn.closed {
		t.Fatal("previous connection not closed")
	}
	if got := fc.lastFrame(t).Peer; got != "alice" {
		t.Fatalf("reconnect id = %q, want alice (vacated by teardown)", got)
	}
	if s.peers["alice"] == old {
		t.Fatal("registry still holds the old session")
	}

	// The room saw the old incarnation leave.
	left := otherConn.frames(t)
	if len(left) == 0 || left[0].Type != protocol.TypeRemoteLeft {
		t.Fatalf("room frames = %+v, want remoteLeft first", left)
	}
	if s.metrics.Get(metrics.EventPeerReconnected) != 1 {
		t.Fatal("peer_reconnected not counted")
	}
}

func TestJoinBroadcastsFullMemberListToEveryone(t *testing.T) {
	s, _ := newTestServer(t)
	alice, aliceConn := connectPeer(t, s, "alice")
	bob, bobConn := connectPeer(t, s, "bob")

	joinRoom(t, s, alice, "standup")
	aliceConn.reset()

	joinRoom(t, s, bob, "standup")

	// Both the joiner and the existing member converge on one snapshot
	// listing both ids.
	for name, conn := range map[string]*fakeConn{"alice": aliceConn, "bob": bobConn} {
		var update protocol.RemoteUpdate
		if err := json.Unmarshal(conn.sent[0], &update); err != nil {
			t.Fatalf("unmarshal %s update: %v", name, err)
		}
		if update.Type != protocol.TypeRemoteUpdate || len(update.Remotes) != 2 {
			t.Fatalf("%s update = %+v, want both members", name, update)
		}
		if update.Remotes[0].Peer != "alice" || update.Remotes[1].Peer != "bob" {
			t.Fatalf("%s remotes = %+v", name, update.Remotes)
		}
	}
}

func TestLeaveAnnouncesAndDeletesEmptyRoom(t *testing.T) {
	s, _ := newTestServer(t)
	alice, _ := connectPeer(t, s, "alice")
	bob, bobConn := connectPeer(t, s, "bob")
	joinRoom(t, s, alice, "standup")
	joinRoom(t, s, bob, "standup")
	bobConn.reset()

	s.handlePeerEvent(peerFrame(t, alice, &protocol.Message{Type: protocol.TypeLeave}))

	var left protocol.RemoteLeft
	if err := json.Unmarshal(bobConn.sent[0], &left); err != nil {
		t.Fatalf("unmarshal remoteLeft: %v", err)
	}
	if len(left.Remotes) != 1 || left.Remotes[0] != "alice" {
		t.Fatalf("remoteLeft remotes = %+v", left.Remotes)
	}

	s.handlePeerEvent(peerFrame(t, bob, &protocol.Message{Type: protocol.TypeLeave}))
	if _, ok := s.rooms["standup"]; ok {
		t.Fatal("empty room not deleted")
	}
}

func TestJoinDifferentRoomLeavesFirst(t *testing.T) {
	s, _ := newTestServer(t)
	alice, _ := connectPeer(t, s, "alice")
	bob, bobConn := connectPeer(t, s, "bob")
	joinRoom(t, s, alice, "standup")
	joinRoom(t, s, bob, "standup")
	bobConn.reset()

	joinRoom(t, s, alice, "retro")

	if frames := bobConn.frames(t); len(frames) == 0 || frames[0].Type != protocol.TypeRemoteLeft {
		t.Fatalf("old room frames = %+v, want remoteLeft", frames)
	}
	if s.rooms["standup"].peers["alice"] != nil {
		t.Fatal("peer still in old room")
	}
	if s.rooms["retro"].peers["alice"] != alice {
		t.Fatal("peer not in new room")
	}
}

func TestVacantWorkerPicksLeastLoadedFirstRegistered(t *testing.T) {
	s, _ := newTestServer(t)
	loads := []int{3, 1, 4, 1, 5}
	workers := make([]*workerState, len(loads))
	for i, load := range loads {
		w, _ := connectWorker(t, s, "")
		w.load = load
		workers[i] = w
	}

	if got := s.vacantWorker(); got != workers[1] {
		t.Fatalf("vacantWorker picked %s (load %d), want first worker with load 1", got.id, got.load)
	}
}

func TestVacantWorkerEmpty(t *testing.T) {
	s, _ := newTestServer(t)
	if s.vacantWorker() != nil {
		t.Fatal("vacantWorker on empty registry returned a worker")
	}
}

func TestRelayBindsWorkerLazilyAndTracksSerials(t *testing.T) {
	s, _ := newTestServer(t)
	alice, _ := connectPeer(t, s, "alice")
	_, workerConn := connectWorker(t, s, "w0")

	s.handlePeerEvent(peerFrame(t, alice, &protocol.Message{
		Type:  protocol.TypeCreateTransport,
		SN:    7,
		HasSN: true,
	}))

	if alice.worker == nil || alice.worker.id != "w0" {
		t.Fatal("peer not bound to worker")
	}
	forwarded := workerConn.lastFrame(t)
	if forwarded.Type != protocol.TypeCreateTransport || forwarded.Peer != "alice" {
		t.Fatalf("forwarded = %+v", forwarded)
	}
	if !forwarded.HasSN || forwarded.SN != 7 {
		t.Fatal("serial not forwarded")
	}
	if _, ok := s.pending["alice"][7]; !ok {
		t.Fatal("serial not tracked as pending")
	}
}

func TestRelayToRemoteUsesRemotesWorkerAndStripsRemote(t *testing.T) {
	s, _ := newTestServer(t)
	alice, _ := connectPeer(t, s, "alice")
	bob, _ := connectPeer(t, s, "bob")
	wa, waConn := connectWorker(t, s, "wa")
	wb, wbConn := connectWorker(t, s, "wb")
	alice.worker = wa
	bob.worker = wb

	msg := &protocol.Message{Type: protocol.TypeConsumeTransport, Remote: "bob", SN: 3, HasSN: true}
	msg.SetExtra("rtpCapabilities", json.RawMessage(`{"codecs":[]}`))
	s.handlePeerEvent(peerFrame(t, alice, msg))

	if len(waConn.sent) != 0 {
		t.Fatal("frame went to the requester's worker")
	}
	forwarded := wbConn.lastFrame(t)
	if forwarded.Peer != "alice" {
		t.Fatalf("forwarded peer = %q, want requester alice", forwarded.Peer)
	}
	if forwarded.Remote != "" {
		t.Fatalf("remote not stripped: %q", forwarded.Remote)
	}
	if _, ok := forwarded.Extra("rtpCapabilities"); !ok {
		t.Fatal("opaque payload lost in relay")
	}
}

func TestRelayToUnboundRemoteBindsItsWorkerLazily(t *testing.T) {
	s, _ := newTestServer(t)
	alice, _ := connectPeer(t, s, "alice")
	bob, _ := connectPeer(t, s, "bob")
	_, workerConn := connectWorker(t, s, "w0")

	// Bob has never touched media, so consuming from him binds his worker
	// on the way through.
	s.handlePeerEvent(peerFrame(t, alice, &protocol.Message{
		Type:   protocol.TypeRTPCapabilities,
		Remote: "bob",
	}))

	if bob.worker == nil || bob.worker.id != "w0" {
		t.Fatal("remote peer not bound to a worker")
	}
	if alice.worker != nil {
		t.Fatal("requester bound instead of the remote addressee")
	}
	forwarded := workerConn.lastFrame(t)
	if forwarded.Peer != "alice" || forwarded.Remote != "" {
		t.Fatalf("forwarded = %+v, want peer alice with remote stripped", forwarded)
	}
	if s.metrics.Get(metrics.EventRoutingMiss) != 0 {
		t.Fatal("routing_miss counted for a bindable remote")
	}
}

func TestRelayUnknownRemoteIsRoutingMiss(t *testing.T) {
	s, _ := newTestServer(t)
	alice, _ := connectPeer(t, s, "alice")
	_, workerConn := connectWorker(t, s, "w0")

	s.handlePeerEvent(peerFrame(t, alice, &protocol.Message{Type: protocol.TypeConsumeTransport, Remote: "ghost"}))

	if len(workerConn.sent) != 0 {
		t.Fatal("frame forwarded despite unknown remote")
	}
	if s.metrics.Get(metrics.EventRoutingMiss) != 1 {
		t.Fatal("routing_miss not counted")
	}
}

func TestRelayWithNoWorkersIsRoutingMiss(t *testing.T) {
	s, _ := newTestServer(t)
	alice, _ := connectPeer(t, s, "alice")

	s.handlePeerEvent(peerFrame(t, alice, &protocol.Message{Type: protocol.TypeCreateTransport}))
	if s.metrics.Get(metrics.EventRoutingMiss) != 1 {
		t.Fatal("routing_miss not counted")
	}
}

func TestWorkerReplyReachesPeerAndClearsSerial(t *testing.T) {
	s, _ := newTestServer(t)
	alice, aliceConn := connectPeer(t, s, "alice")
	w, _ := connectWorker(t, s, "w0")
	alice.worker = w
	s.addPending("alice", 9)

	reply := &protocol.Message{Type: protocol.TypeConnectTransport, Peer: "alice", SN: 9, HasSN: true}
	s.handleWorkerEvent(msgEvent(w.conn, reply))

	if got := aliceConn.lastFrame(t); got.Type != protocol.TypeConnectTransport {
		t.Fatalf("peer got %+v", got)
	}
	if _, ok := s.pending["alice"]; ok {
		t.Fatal("serial still pending after reply")
	}
}

func TestCreateTransportAckBooksTransport(t *testing.T) {
	s, _ := newTestServer(t)
	alice, aliceConn := connectPeer(t, s, "alice")
	w, _ := connectWorker(t, s, "w0")
	alice.worker = w
	s.addPending("alice", 1)

	s.handleWorkerEvent(msgEvent(w.conn, &protocol.Message{
		Type:      protocol.TypeCreateTransport,
		Peer:      "alice",
		Transport: "t-1",
		SN:        1,
		HasSN:     true,
	}))

	if len(alice.transports) != 1 || alice.transports[0] != "t-1" {
		t.Fatalf("transports = %v", alice.transports)
	}
	if aliceConn.lastFrame(t).Transport != "t-1" {
		t.Fatal("ack not forwarded to peer")
	}
}

func TestOrphanTransportAckClosedBackOnWorker(t *testing.T) {
	s, _ := newTestServer(t)
	w, workerConn := connectWorker(t, s, "w0")

	s.handleWorkerEvent(msgEvent(w.conn, &protocol.Message{
		Type:      protocol.TypeCreateTransport,
		Peer:      "ghost",
		Transport: "t-9",
		SN:        4,
		HasSN:     true,
	}))

	comp := workerConn.lastFrame(t)
	if comp.Type != protocol.TypeCloseTransport || comp.Transport != "t-9" {
		t.Fatalf("compensation = %+v", comp)
	}
	if s.metrics.Get(metrics.EventOrphanTransport) != 1 {
		t.Fatal("orphan_transport_closed not counted")
	}
}

func TestProduceAckBooksProducerAndAnnounces(t *testing.T) {
	s, _ := newTestServer(t)
	alice, aliceConn := connectPeer(t, s, "alice")
	bob, bobConn := connectPeer(t, s, "bob")
	joinRoom(t, s, alice, "standup")
	joinRoom(t, s, bob, "standup")
	w, _ := connectWorker(t, s, "w0")
	alice.worker = w
	s.addPending("alice", 2)
	aliceConn.reset()
	bobConn.reset()

	s.handleWorkerEvent(msgEvent(w.conn, &protocol.Message{
		Type:     protocol.TypeProduceTransport,
		Peer:     "alice",
		Producer: "p-1",
		Kind:     "video",
		Role:     "camera",
		SN:       2,
		HasSN:    true,
	}))

	if len(alice.producers) != 1 || alice.producers[0].ID != "p-1" {
		t.Fatalf("producers = %+v", alice.producers)
	}

	var update protocol.RemoteUpdate
	if err := json.Unmarshal(bobConn.sent[0], &update); err != nil {
		t.Fatalf("unmarshal room update: %v", err)
	}
	if len(update.Remotes) != 2 {
		t.Fatalf("room update = %+v", update)
	}
	if update.Remotes[0].Peer != "alice" || len(update.Remotes[0].Producers) != 1 {
		t.Fatalf("room update remotes = %+v", update.Remotes)
	}
	if aliceConn.lastFrame(t).Producer != "p-1" {
		t.Fatal("ack not forwarded to producer's peer")
	}
}

func TestOrphanProducerAckClosedBackOnWorker(t *testing.T) {
	s, _ := newTestServer(t)
	w, workerConn := connectWorker(t, s, "w0")

	s.handleWorkerEvent(msgEvent(w.conn, &protocol.Message{
		Type:     protocol.TypeProduceTransport,
		Peer:     "ghost",
		Producer: "p-9",
		Kind:     "audio",
		Role:     "mic",
		SN:       5,
		HasSN:    true,
	}))

	comp := workerConn.lastFrame(t)
	if comp.Type != protocol.TypeCloseProducer || comp.Producer != "p-9" {
		t.Fatalf("compensation = %+v", comp)
	}
	if s.metrics.Get(metrics.EventOrphanProducer) != 1 {
		t.Fatal("orphan_producer_closed not counted")
	}
}

func TestStaleAckForLivePeerIsOrphan(t *testing.T) {
	s, _ := newTestServer(t)
	alice, _ := connectPeer(t, s, "alice")
	w, workerConn := connectWorker(t, s, "w0")
	alice.worker = w

	// Serialized ack with no matching outstanding request: the request was
	// issued by a previous incarnation of this identity.
	s.handleWorkerEvent(msgEvent(w.conn, &protocol.Message{
		Type:      protocol.TypeCreateTransport,
		Peer:      "alice",
		Transport: "t-stale",
		SN:        8,
		HasSN:     true,
	}))

	if len(alice.transports) != 0 {
		t.Fatal("stale transport booked against the new session")
	}
	if workerConn.lastFrame(t).Type != protocol.TypeCloseTransport {
		t.Fatal("stale transport not closed back")
	}
}

func TestPeerCloseProducerUpdatesRoomAndForwards(t *testing.T) {
	s, _ := newTestServer(t)
	alice, _ := connectPeer(t, s, "alice")
	bob, bobConn := connectPeer(t, s, "bob")
	joinRoom(t, s, alice, "standup")
	joinRoom(t, s, bob, "standup")
	w, workerConn := connectWorker(t, s, "w0")
	alice.worker = w
	alice.producers = []protocol.ProducerInfo{{ID: "p-1", Kind: "video", Role: "camera"}}
	bobConn.reset()

	s.handlePeerEvent(peerFrame(t, alice, &protocol.Message{Type: protocol.TypeCloseProducer, Producer: "p-1"}))

	if len(alice.producers) != 0 {
		t.Fatalf("producers = %+v", alice.producers)
	}
	var update protocol.RemoteUpdate
	if err := json.Unmarshal(bobConn.sent[0], &update); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if update.Remotes[0].Peer != "alice" || len(update.Remotes[0].Producers) != 0 {
		t.Fatal("room update still lists the closed producer")
	}
	if workerConn.lastFrame(t).Type != protocol.TypeCloseProducer {
		t.Fatal("close not forwarded to worker")
	}
}

func TestDeletePeerCompensatesWorkerResources(t *testing.T) {
	s, _ := newTestServer(t)
	alice, aliceConn := connectPeer(t, s, "alice")
	bob, bobConn := connectPeer(t, s, "bob")
	joinRoom(t, s, alice, "standup")
	joinRoom(t, s, bob, "standup")
	w, workerConn := connectWorker(t, s, "w0")
	alice.worker = w
	alice.producers = []protocol.ProducerInfo{{ID: "p-1", Kind: "video", Role: "camera"}}
	alice.transports = []string{"t-1", "t-2"}
	s.addPending("alice", 11)
	bobConn.reset()

	s.handlePeerEvent(event{kind: eventClosed, cs: alice.conn})

	types := make(map[protocol.Type]int)
	for _, f := range workerConn.frames(t) {
		types[f.Type]++
	}
	if types[protocol.TypeCloseProducer] != 1 || types[protocol.TypeCloseTransport] != 2 {
		t.Fatalf("worker compensation frames = %v", types)
	}

	var left protocol.RemoteLeft
	if err := json.Unmarshal(bobConn.sent[0], &left); err != nil {
		t.Fatalf("unmarshal remoteLeft: %v", err)
	}
	if len(left.Remotes) != 1 || left.Remotes[0] != "alice" {
		t.Fatalf("remoteLeft = %+v", left)
	}

	if _, ok := s.peers["alice"]; ok {
		t.Fatal("peer still registered")
	}
	if _, ok := s.pending["alice"]; ok {
		t.Fatal("pending serials survived teardown")
	}
	if !aliceConn.closed {
		t.Fatal("peer connection not closed")
	}
}

func TestWorkerDeleteUnbindsPeers(t *testing.T) {
	s, _ := newTestServer(t)
	alice, _ := connectPeer(t, s, "alice")
	w, _ := connectWorker(t, s, "w0")
	alice.worker = w
	s.addPending("alice", 1)

	s.handleWorkerEvent(msgEvent(w.conn, &protocol.Message{Type: protocol.TypeWorkerDelete, Peer: "w0", Load: 0, HasLoad: true}))

	if _, ok := s.workers["w0"]; ok {
		t.Fatal("worker still registered")
	}
	if alice.worker != nil {
		t.Fatal("peer still bound to departed worker")
	}
	if _, ok := s.pending["alice"]; ok {
		t.Fatal("pending serials survived worker departure")
	}
	if len(s.workerOrder) != 0 {
		t.Fatalf("workerOrder = %v", s.workerOrder)
	}
}

func TestWorkerUpdateAdjustsLoad(t *testing.T) {
	s, _ := newTestServer(t)
	w, _ := connectWorker(t, s, "w0")

	s.handleWorkerEvent(msgEvent(w.conn, &protocol.Message{Type: protocol.TypeWorkerUpdate, Peer: "w0", Load: 12, HasLoad: true}))
	if w.load != 12 {
		t.Fatalf("load = %d, want 12", w.load)
	}
}

func TestCheckAdmin(t *testing.T) {
	src := staticPolicies([]roompolicy.Policy{
		{RoomName: "board", Admins: []string{"ceo@example.com"}},
	})
	policies := roompolicy.NewStore(src, nil)
	if err := policies.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh: %v", err)
	}

	clock := newFakeClock()
	s := NewServer(testConfig(), discardLogger(), metrics.New(), nil, policies)
	s.clock = clock

	tests := []struct {
		name  string
		room  string
		email string
		want  string
	}{
		{"policy admin approved", "board", "ceo@example.com", ResultApprove},
		{"policy non-admin rejected", "board", "intern@example.com", ResultReject},
		{"unlisted room approves members", "watercooler", "anyone@example.com", ResultApprove},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, fc := connectPeer(t, s, "")
			joinRoom(t, s, p, tt.room)
			fc.reset()

			s.handlePeerEvent(peerFrame(t, p, &protocol.Message{Type: protocol.TypeCheckAdmin, Room: tt.room, Email: tt.email}))

			reply := fc.lastFrame(t)
			if reply.Type != protocol.TypeCheckAdmin || reply.Result != tt.want {
				t.Fatalf("reply = %+v, want result %q", reply, tt.want)
			}
		})
	}

	t.Run("non-member gets no reply", func(t *testing.T) {
		p, fc := connectPeer(t, s, "")
		s.handlePeerEvent(peerFrame(t, p, &protocol.Message{Type: protocol.TypeCheckAdmin, Room: "board", Email: "ceo@example.com"}))
		if len(fc.sent) != 0 {
			t.Fatalf("got reply %s", fc.sent[0])
		}
	})
}

type staticPolicies []roompolicy.Policy

func (s staticPolicies) Fetch(context.Context) ([]roompolicy.Policy, error) {
	return s, nil
}

func TestPeerKeepaliveAndTimeout(t *testing.T) {
	s, clock := newTestServer(t)
	alice, aliceConn := connectPeer(t, s, "alice")

	// Quiet for over a quarter of the timeout: server pongs to keep the
	// connection alive.
	clock.Advance(6 * time.Second)
	s.checkPeers()
	if got := aliceConn.lastFrame(t); got.Type != protocol.TypePong {
		t.Fatalf("keepalive frame = %+v", got)
	}

	// The keepalive refreshed lastSent, so the next sweep inside the quiet
	// window stays silent.
	s.handlePeerEvent(peerFrame(t, alice, &protocol.Message{Type: protocol.TypePong}))
	aliceConn.reset()
	clock.Advance(4 * time.Second)
	s.checkPeers()
	if len(aliceConn.sent) != 0 {
		t.Fatal("ponged a peer the server wrote to recently")
	}

	// Quiet past the full timeout: closed.
	clock.Advance(21 * time.Second)
	s.checkPeers()
	if _, ok := s.peers["alice"]; ok {
		t.Fatal("timed-out peer still registered")
	}
	if !aliceConn.closed {
		t.Fatal("timed-out peer connection not closed")
	}
	if s.metrics.Get(metrics.EventPeerTimeout) != 1 {
		t.Fatal("peer_timeout not counted")
	}
}

func TestKeepaliveCoversPeerThatOnlySends(t *testing.T) {
	s, clock := newTestServer(t)
	alice, aliceConn := connectPeer(t, s, "alice")

	// The peer talks steadily but nothing flows back to it. The keepalive
	// keys on outbound quiet, so it still gets a pong.
	clock.Advance(6 * time.Second)
	s.handlePeerEvent(peerFrame(t, alice, &protocol.Message{Type: protocol.TypeStreamingStart}))
	s.checkPeers()

	if got := aliceConn.lastFrame(t); got.Type != protocol.TypePong {
		t.Fatalf("keepalive frame = %+v, want pong", got)
	}
}

func TestWorkerPingTimeout(t *testing.T) {
	s, _ := newTestServer(t)
	w, workerConn := connectWorker(t, s, "w0")

	for i := 0; i < 3; i++ {
		s.pingWorkers()
	}
	if workerConn.pings != 3 {
		t.Fatalf("pings = %d, want 3", workerConn.pings)
	}
	if w.pongWait != 3 {
		t.Fatalf("pongWait = %d after 3 unanswered pings, want 3", w.pongWait)
	}
	if _, ok := s.workers["w0"]; !ok {
		t.Fatal("worker deleted too early")
	}

	s.pingWorkers()
	if _, ok := s.workers["w0"]; ok {
		t.Fatal("worker with 3 missed pongs still registered")
	}
	if !workerConn.terminated {
		t.Fatal("timed-out worker not terminated")
	}
	if s.metrics.Get(metrics.EventWorkerTimeout) != 1 {
		t.Fatal("worker_timeout not counted")
	}

	// A pong resets the strike count.
	w2, _ := connectWorker(t, s, "w1")
	s.pingWorkers()
	s.pingWorkers()
	s.handleWorkerEvent(event{kind: eventPong, cs: w2.conn})
	if w2.pongWait != 0 {
		t.Fatalf("pongWait = %d after pong, want 0", w2.pongWait)
	}
}

func TestPeerFieldIsServerStamped(t *testing.T) {
	s, _ := newTestServer(t)
	alice, _ := connectPeer(t, s, "alice")
	w, _ := connectWorker(t, s, "w0")
	alice.worker = w
	workerConn := w.conn.conn.(*fakeConn)

	s.handlePeerEvent(peerFrame(t, alice, &protocol.Message{Type: protocol.TypeStreamingStart, Peer: "mallory"}))

	if got := workerConn.lastFrame(t).Peer; got != "alice" {
		t.Fatalf("forwarded peer = %q, want server-stamped alice", got)
	}
}
