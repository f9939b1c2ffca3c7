package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"log/slog"

	"fableboard/internal/store"

	"github.com/gorilla/websocket"
)

const (
	sendQueueSize = 256
	writeTimeout  = 10 * time.Second
)

// syncConn is one websocket client of the shared tree. Outbound frames are
// queued and drained by a per-connection writer goroutine, so subscription
// fan-out from the tree never waits on a socket.
type syncConn struct {
	ws   *websocket.Conn
	out  chan store.Envelope
	done chan struct{}
	once sync.Once
	subs map[string]store.Subscription
}

func newSyncConn(ws *websocket.Conn) *syncConn {
	c := &syncConn{
		ws:   ws,
		out:  make(chan store.Envelope, sendQueueSize),
		done: make(chan struct{}),
		subs: make(map[string]store.Subscription),
	}
	go c.writeLoop()
	return c
}

// send queues env without blocking. A client too slow to drain its queue is
// dropped rather than allowed to stall delivery to every other subscriber.
func (c *syncConn) send(env store.Envelope) error {
	select {
	case <-c.done:
		return errors.New("connection closed")
	default:
	}
	select {
	case c.out <- env:
		return nil
	default:
		c.close()
		return errors.New("send queue overflow")
	}
}

func (c *syncConn) writeLoop() {
	for {
		select {
		case env := <-c.out:
			c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.ws.WriteJSON(env); err != nil {
				c.close()
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *syncConn) close() {
	c.once.Do(func() {
		close(c.done)
		c.ws.Close()
	})
}

func (c *syncConn) ack(id string) {
	c.send(store.Envelope{Op: store.OpAck, ID: id})
}

func (c *syncConn) fail(id string, err error) {
	c.send(store.Envelope{Op: store.OpError, ID: id, Message: err.Error()})
}

// handleSync upgrades the connection and services tree operations until the
// client disconnects. Every subscription opened on this connection is
// cancelled on the way out.
func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return origin == "" || s.matchOrigin(origin) != ""
		},
	}

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", slog.String("error", err.Error()))
		return
	}

	conn := newSyncConn(ws)
	defer func() {
		for _, sub := range conn.subs {
			sub.Cancel()
		}
		conn.close()
	}()

	ctx := r.Context()
	for {
		var env store.Envelope
		if err := ws.ReadJSON(&env); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Warn("websocket read failed", slog.String("error", err.Error()))
			}
			return
		}
		s.serveOp(ctx, conn, env)
	}
}

func (s *Server) serveOp(ctx context.Context, conn *syncConn, env store.Envelope) {
	switch env.Op {
	case store.OpGet:
		var raw json.RawMessage
		if err := s.tree.Get(ctx, env.Path, &raw); err != nil {
			conn.fail(env.ID, err)
			return
		}
		conn.send(store.Envelope{Op: store.OpValue, ID: env.ID, Path: env.Path, Value: raw})

	case store.OpSet:
		value, err := store.DecodeWireValue(env.Value)
		if err != nil {
			conn.fail(env.ID, err)
			return
		}
		if err := s.tree.Set(ctx, env.Path, value); err != nil {
			conn.fail(env.ID, err)
			return
		}
		conn.ack(env.ID)

	case store.OpUpdate:
		values := make(map[string]any, len(env.Values))
		for path, raw := range env.Values {
			value, err := store.DecodeWireValue(raw)
			if err != nil {
				conn.fail(env.ID, err)
				return
			}
			values[path] = value
		}
		if err := s.tree.Update(ctx, values); err != nil {
			conn.fail(env.ID, err)
			return
		}
		conn.ack(env.ID)

	case store.OpRemove:
		if err := s.tree.Remove(ctx, env.Path); err != nil {
			conn.fail(env.ID, err)
			return
		}
		conn.ack(env.ID)

	case store.OpPush:
		value, err := store.DecodeWireValue(env.Value)
		if err != nil {
			conn.fail(env.ID, err)
			return
		}
		key, err := s.tree.Push(ctx, env.Path, value)
		if err != nil {
			conn.fail(env.ID, err)
			return
		}
		conn.send(store.Envelope{Op: store.OpAck, ID: env.ID, Key: key})

	case store.OpSubscribe:
		s.serveSubscribe(conn, env)

	case store.OpUnsubscribe:
		if sub, ok := conn.subs[env.ID]; ok {
			sub.Cancel()
			delete(conn.subs, env.ID)
		}
		conn.ack(env.ID)

	default:
		conn.send(store.Envelope{Op: store.OpError, ID: env.ID, Message: "unknown op: " + env.Op})
	}
}

func (s *Server) serveSubscribe(conn *syncConn, env store.Envelope) {
	id := env.ID
	path := env.Path
	sub, err := s.tree.Subscribe(path, func(raw json.RawMessage) {
		if err := conn.send(store.Envelope{Op: store.OpValue, ID: id, Path: path, Value: raw}); err != nil {
			s.logger.Warn("subscription push failed", slog.String("path", path), slog.String("error", err.Error()))
		}
	})
	if err != nil {
		conn.fail(id, err)
		return
	}
	conn.subs[id] = sub
	conn.ack(id)
}
