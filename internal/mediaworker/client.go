package mediaworker

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/meetworks/sfu-signaling/internal/config"
	"github.com/meetworks/sfu-signaling/internal/protocol"
)

const writeWait = 10 * time.Second

// Client keeps the worker registered with the signaling server. It dials,
// announces itself with workerAdd, serves frames until the connection dies,
// then clears all media state and redials after the reconnect interval.
type Client struct {
	log    *slog.Logger
	cfg    config.WorkerConfig
	engine *Engine

	// assignedID is the id the server resolved for us; it may differ from the
	// requested name when another worker already holds it.
	assignedID string

	writeMu sync.Mutex
	ws      *websocket.Conn

	lastLoad int
}

func NewClient(cfg config.WorkerConfig, engine *Engine, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{log: logger, cfg: cfg, engine: engine}
}

// Run dials and serves until ctx is done.
func (c *Client) Run(ctx context.Context) error {
	for {
		if err := c.runOnce(ctx); err != nil {
			c.log.Warn("signaling session ended", "err", err)
		}
		// The server has dropped our registration; every transport and
		// producer booked through it is stale.
		c.engine.Clear()
		c.assignedID = ""
		c.lastLoad = 0

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.cfg.ReconnectInterval):
		}
	}
}

func (c *Client) runOnce(ctx context.Context) error {
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, c.cfg.ServerURL, nil)
	if err != nil {
		return err
	}
	c.ws = ws
	defer ws.Close()

	stop := context.AfterFunc(ctx, func() { _ = ws.Close() })
	defer stop()

	if err := c.send(&protocol.Message{Type: protocol.TypeWorkerAdd, Peer: c.cfg.Name}); err != nil {
		return err
	}

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		msg, err := protocol.Parse(data)
		if err != nil {
			c.log.Warn("dropping unparseable frame", "err", err)
			continue
		}
		if err := c.dispatch(msg); err != nil {
			return err
		}
	}
}

func (c *Client) dispatch(msg *protocol.Message) error {
	if msg.Type == protocol.TypeWorkerAdd {
		c.assignedID = msg.Peer
		c.log.Info("registered with signaling server", "worker", c.assignedID)
		c.lastLoad = -1
		return c.reportLoad()
	}

	reply, err := c.engine.Handle(msg)
	if err != nil {
		c.log.Warn("frame failed", "type", msg.Type, "peer", msg.Peer, "err", err)
		failed := *msg
		failed.Error = err.Error()
		reply = &failed
	}
	if reply != nil {
		if err := c.send(reply); err != nil {
			return err
		}
	}
	return c.reportLoad()
}

// reportLoad announces the current load whenever it changed since the last
// report. The server uses it to place newly binding peers.
func (c *Client) reportLoad() error {
	load := c.engine.Load()
	if load == c.lastLoad && c.assignedID != "" {
		return nil
	}
	if c.assignedID == "" {
		return nil
	}
	c.lastLoad = load
	return c.send(&protocol.Message{
		Type:    protocol.TypeWorkerUpdate,
		Peer:    c.assignedID,
		Load:    load,
		HasLoad: true,
	})
}

func (c *Client) send(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.ws == nil {
		return errors.New("not connected")
	}
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteMessage(websocket.TextMessage, data)
}
