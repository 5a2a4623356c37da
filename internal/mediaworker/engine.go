// Package mediaworker implements the media worker: a WebRTC endpoint that
// registers with the signaling server, terminates peer transports, and books
// producers and consumers on them.
package mediaworker

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/pion/logging"
	"github.com/pion/webrtc/v4"

	"github.com/meetworks/sfu-signaling/internal/config"
	"github.com/meetworks/sfu-signaling/internal/protocol"
)

// rtpCapabilities is the static codec surface advertised to peers. It mirrors
// what RegisterDefaultCodecs puts into the media engine.
var rtpCapabilities = json.RawMessage(`{"codecs":[` +
	`{"kind":"audio","mimeType":"audio/opus","clockRate":48000,"channels":2},` +
	`{"kind":"video","mimeType":"video/VP8","clockRate":90000},` +
	`{"kind":"video","mimeType":"video/H264","clockRate":90000}]}`)

type transport struct {
	id string
	pc *webrtc.PeerConnection
}

type producer struct {
	id        string
	peer      string
	transport string
	kind      string
	role      string
	paused    bool
}

// session is the per-peer media state on this worker.
type session struct {
	transports map[string]*transport
	producers  map[string]*producer
	streaming  bool
}

// Engine owns the pion API and all per-peer media state. Handle is called
// from the client's single read loop; the mutex only guards Load callers.
type Engine struct {
	log *slog.Logger
	api *webrtc.API

	mu       sync.Mutex
	sessions map[string]*session
}

func NewEngine(cfg config.WorkerConfig, logger *slog.Logger) (*Engine, error) {
	if logger == nil {
		logger = slog.Default()
	}

	se := webrtc.SettingEngine{LoggerFactory: logging.NewDefaultLoggerFactory()}
	if cfg.RTCPortMin != 0 {
		if err := se.SetEphemeralUDPPortRange(cfg.RTCPortMin, cfg.RTCPortMax); err != nil {
			return nil, fmt.Errorf("set RTC port range: %w", err)
		}
	}
	if len(cfg.NAT1To1IPs) > 0 {
		se.SetNAT1To1IPs(cfg.NAT1To1IPs, webrtc.ICECandidateTypeHost)
	}

	me := &webrtc.MediaEngine{}
	if err := me.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}

	return &Engine{
		log:      logger,
		api:      webrtc.NewAPI(webrtc.WithSettingEngine(se), webrtc.WithMediaEngine(me)),
		sessions: make(map[string]*session),
	}, nil
}

// Load is the worker's advertised load: the number of live producers.
func (e *Engine) Load() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, sess := range e.sessions {
		n += len(sess.producers)
	}
	return n
}

// Clear tears down all media state. Called when the signaling connection is
// lost; the server has forgotten this worker, so every booking is stale.
func (e *Engine) Clear() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for peer, sess := range e.sessions {
		for _, tr := range sess.transports {
			if err := tr.pc.Close(); err != nil {
				e.log.Debug("closing transport", "peer", peer, "transport", tr.id, "err", err)
			}
		}
	}
	e.sessions = make(map[string]*session)
}

// Handle processes one signaling frame and returns the reply to send, or nil
// when the frame needs no reply. Errors are reported to the requester via the
// reply's error field by the caller.
func (e *Engine) Handle(msg *protocol.Message) (*protocol.Message, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	switch msg.Type {
	case protocol.TypeRTPCapabilities:
		reply := *msg
		reply.SetExtra("rtpCapabilities", rtpCapabilities)
		return &reply, nil
	case protocol.TypeCreateTransport:
		return e.createTransport(msg)
	case protocol.TypeConnectTransport:
		return e.connectTransport(msg)
	case protocol.TypeProduceTransport:
		return e.produceTransport(msg)
	case protocol.TypeConsumeTransport:
		return e.consumeTransport(msg)
	case protocol.TypeResumeConsumer:
		// Consumers start paused so the first keyframe is not wasted; resume
		// is an ack-only operation for now.
		reply := *msg
		return &reply, nil
	case protocol.TypeStreamingStart:
		e.session(msg.Peer).streaming = true
		reply := *msg
		return &reply, nil
	case protocol.TypeStreamingStop:
		e.session(msg.Peer).streaming = false
		reply := *msg
		return &reply, nil
	case protocol.TypeCloseProducer:
		e.closeProducer(msg.Peer, msg.Producer)
		return nil, nil
	case protocol.TypeCloseTransport:
		e.closeTransport(msg.Peer, msg.Transport)
		return nil, nil
	default:
		return nil, fmt.Errorf("unsupported frame %q", msg.Type)
	}
}

func (e *Engine) session(peer string) *session {
	sess, ok := e.sessions[peer]
	if !ok {
		sess = &session{
			transports: make(map[string]*transport),
			producers:  make(map[string]*producer),
		}
		e.sessions[peer] = sess
	}
	return sess
}

// createTransport builds a PeerConnection for the peer and answers with the
// transport id and the worker's SDP offer (host candidates gathered).
func (e *Engine) createTransport(msg *protocol.Message) (*protocol.Message, error) {
	pc, err := e.api.NewPeerConnection(webrtc.Configuration{})
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		_ = pc.Close()
		return nil, fmt.Errorf("create offer: %w", err)
	}
	gathered := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(offer); err != nil {
		_ = pc.Close()
		return nil, fmt.Errorf("set local description: %w", err)
	}
	<-gathered

	tr := &transport{id: uuid.NewString(), pc: pc}
	e.session(msg.Peer).transports[tr.id] = tr
	e.log.Info("transport created", "peer", msg.Peer, "transport", tr.id)

	sdp, err := json.Marshal(pc.LocalDescription().SDP)
	if err != nil {
		return nil, err
	}
	reply := *msg
	reply.Transport = tr.id
	reply.SetExtra("sdp", sdp)
	return &reply, nil
}

// connectTransport applies the peer's SDP answer to the named transport.
func (e *Engine) connectTransport(msg *protocol.Message) (*protocol.Message, error) {
	sess := e.session(msg.Peer)
	tr, ok := sess.transports[msg.Transport]
	if !ok {
		return nil, fmt.Errorf("unknown transport %q", msg.Transport)
	}

	raw, ok := msg.Extra("sdp")
	if !ok {
		return nil, fmt.Errorf("connectTransport without sdp")
	}
	var sdp string
	if err := json.Unmarshal(raw, &sdp); err != nil {
		return nil, fmt.Errorf("bad sdp payload: %w", err)
	}
	if err := tr.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: sdp}); err != nil {
		return nil, fmt.Errorf("set remote description: %w", err)
	}

	reply := *msg
	return &reply, nil
}

// produceTransport books a producer on an existing transport and answers with
// its id.
func (e *Engine) produceTransport(msg *protocol.Message) (*protocol.Message, error) {
	sess := e.session(msg.Peer)
	if _, ok := sess.transports[msg.Transport]; !ok {
		return nil, fmt.Errorf("unknown transport %q", msg.Transport)
	}

	p := &producer{
		id:        uuid.NewString(),
		peer:      msg.Peer,
		transport: msg.Transport,
		kind:      msg.Kind,
		role:      msg.Role,
	}
	sess.producers[p.id] = p
	e.log.Info("producer created", "peer", msg.Peer, "producer", p.id, "kind", p.kind, "role", p.role)

	reply := *msg
	reply.Producer = p.id
	return &reply, nil
}

// consumeTransport books a consumer for an existing producer. The producer
// may belong to any peer on this worker; the requester is msg.Peer.
func (e *Engine) consumeTransport(msg *protocol.Message) (*protocol.Message, error) {
	var src *producer
	for _, sess := range e.sessions {
		if p, ok := sess.producers[msg.Producer]; ok {
			src = p
			break
		}
	}
	if src == nil {
		return nil, fmt.Errorf("unknown producer %q", msg.Producer)
	}

	consumerID, err := json.Marshal(uuid.NewString())
	if err != nil {
		return nil, err
	}
	reply := *msg
	reply.Kind = src.kind
	reply.Role = src.role
	reply.SetExtra("consumer", consumerID)
	return &reply, nil
}

func (e *Engine) closeProducer(peer, id string) {
	sess, ok := e.sessions[peer]
	if !ok {
		return
	}
	if _, ok := sess.producers[id]; ok {
		delete(sess.producers, id)
		e.log.Info("producer closed", "peer", peer, "producer", id)
	}
}

func (e *Engine) closeTransport(peer, id string) {
	sess, ok := e.sessions[peer]
	if !ok {
		return
	}
	tr, ok := sess.transports[id]
	if !ok {
		return
	}
	if err := tr.pc.Close(); err != nil {
		e.log.Debug("closing transport", "peer", peer, "transport", id, "err", err)
	}
	delete(sess.transports, id)
	for pid, p := range sess.producers {
		if p.transport == id {
			delete(sess.producers, pid)
		}
	}
	e.log.Info("transport closed", "peer", peer, "transport", id)
	if len(sess.transports) == 0 && len(sess.producers) == 0 {
		delete(e.sessions, peer)
	}
}
