package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Remote is a Store backed by a sync server over one websocket. All game
// components run against it exactly as against the in-process Tree; the
// server's dispatch order plus the socket's FIFO delivery preserve the
// per-path write ordering guarantee.
type Remote struct {
	conn       *websocket.Conn
	rpcTimeout time.Duration

	writeMu sync.Mutex // one writer on the socket at a time

	mu      sync.Mutex
	pending map[string]chan Envelope
	subs    map[string]*remoteSub
	queue   []remoteEvent
	wake    chan struct{}
	closed  bool
	readErr error
	done    chan struct{}
}

type remoteEvent struct {
	sub  *remoteSub
	data json.RawMessage
}

type remoteSub struct {
	remote *Remote
	id     string
	fn     func(json.RawMessage)
	once   sync.Once
}

// Dial connects to a sync server's /sync endpoint (ws:// or wss:// URL).
func Dial(ctx context.Context, url string) (*Remote, error) {
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial sync server: %w", err)
	}
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	r := &Remote{
		conn:       conn,
		rpcTimeout: 10 * time.Second,
		pending:    make(map[string]chan Envelope),
		subs:       make(map[string]*remoteSub),
		wake:       make(chan struct{}, 1),
		done:       make(chan struct{}),
	}
	go r.readLoop()
	go r.dispatch()
	return r, nil
}

// Close tears the connection down; outstanding requests fail with
// ErrClosed.
func (r *Remote) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.mu.Unlock()
	return r.conn.Close()
}

func (r *Remote) readLoop() {
	defer close(r.done)
	for {
		var env Envelope
		if err := r.conn.ReadJSON(&env); err != nil {
			r.fail(err)
			return
		}
		switch env.Op {
		case OpValue:
			// Queued rather than invoked here: a callback that issues
			// its own store calls must not block the read loop that
			// delivers their replies. The single dispatch goroutine
			// keeps delivery in server order.
			r.mu.Lock()
			if sub := r.subs[env.ID]; sub != nil {
				r.queue = append(r.queue, remoteEvent{sub: sub, data: env.Value})
				select {
				case r.wake <- struct{}{}:
				default:
				}
			}
			r.mu.Unlock()
		case OpAck, OpError:
			r.mu.Lock()
			ch := r.pending[env.ID]
			delete(r.pending, env.ID)
			r.mu.Unlock()
			if ch != nil {
				ch <- env
			}
		}
	}
}

func (r *Remote) dispatch() {
	for {
		select {
		case <-r.done:
			return
		case <-r.wake:
		}
		for {
			r.mu.Lock()
			if len(r.queue) == 0 {
				r.mu.Unlock()
				break
			}
			ev := r.queue[0]
			r.queue = r.queue[1:]
			_, live := r.subs[ev.sub.id]
			r.mu.Unlock()
			if live {
				ev.sub.fn(ev.data)
			}
		}
	}
}

func (r *Remote) fail(err error) {
	r.mu.Lock()
	if r.readErr == nil {
		r.readErr = err
	}
	pending := r.pending
	r.pending = make(map[string]chan Envelope)
	r.mu.Unlock()
	for _, ch := range pending {
		close(ch)
	}
}

func (r *Remote) roundTrip(ctx context.Context, env Envelope) (Envelope, error) {
	// Subscriptions pre-assign their ID so value frames can reference it.
	if env.ID == "" {
		env.ID = uuid.New().String()
	}
	ch := make(chan Envelope, 1)

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return Envelope{}, ErrClosed
	}
	r.pending[env.ID] = ch
	r.mu.Unlock()

	r.writeMu.Lock()
	err := r.conn.WriteJSON(env)
	r.writeMu.Unlock()
	if err != nil {
		r.mu.Lock()
		delete(r.pending, env.ID)
		r.mu.Unlock()
		return Envelope{}, fmt.Errorf("send %s: %w", env.Op, err)
	}

	select {
	case reply, ok := <-ch:
		if !ok {
			return Envelope{}, fmt.Errorf("sync connection lost: %w", ErrClosed)
		}
		if reply.Op == OpError {
			return Envelope{}, errors.New(reply.Message)
		}
		return reply, nil
	case <-ctx.Done():
		r.mu.Lock()
		delete(r.pending, env.ID)
		r.mu.Unlock()
		return Envelope{}, ctx.Err()
	}
}

func (r *Remote) Get(ctx context.Context, path string, dest any) error {
	reply, err := r.roundTrip(ctx, Envelope{Op: OpGet, Path: path})
	if err != nil {
		return err
	}
	value := reply.Value
	if len(value) == 0 {
		value = json.RawMessage("null")
	}
	return json.Unmarshal(value, dest)
}

func (r *Remote) Set(ctx context.Context, path string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode value for %q: %w", path, err)
	}
	_, err = r.roundTrip(ctx, Envelope{Op: OpSet, Path: path, Value: raw})
	return err
}

func (r *Remote) Update(ctx context.Context, values map[string]any) error {
	if len(values) == 0 {
		return nil
	}
	wire := make(map[string]json.RawMessage, len(values))
	for path, value := range values {
		raw, err := json.Marshal(value)
		if err != nil {
			return fmt.Errorf("encode value for %q: %w", path, err)
		}
		wire[path] = raw
	}
	_, err := r.roundTrip(ctx, Envelope{Op: OpUpdate, Values: wire})
	return err
}

func (r *Remote) Remove(ctx context.Context, path string) error {
	_, err := r.roundTrip(ctx, Envelope{Op: OpRemove, Path: path})
	return err
}

func (r *Remote) Push(ctx context.Context, path string, value any) (string, error) {
	raw, err := json.Marshal(value)
	if err != nil {
		return "", fmt.Errorf("encode value for %q: %w", path, err)
	}
	reply, err := r.roundTrip(ctx, Envelope{Op: OpPush, Path: path, Value: raw})
	if err != nil {
		return "", err
	}
	return reply.Key, nil
}

func (r *Remote) Subscribe(path string, fn func(json.RawMessage)) (Subscription, error) {
	sub := &remoteSub{remote: r, id: uuid.New().String(), fn: fn}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrClosed
	}
	r.subs[sub.id] = sub
	r.mu.Unlock()

	// The server's ack races the first value frame and both orders are
	// fine, but the wait itself is bounded: a dead server must not hang
	// the subscriber forever.
	ctx, cancel := context.WithTimeout(context.Background(), r.rpcTimeout)
	defer cancel()
	_, err := r.roundTrip(ctx, Envelope{Op: OpSubscribe, ID: sub.id, Path: path})
	if err != nil {
		r.mu.Lock()
		delete(r.subs, sub.id)
		r.mu.Unlock()
		return nil, err
	}
	return sub, nil
}

func (s *remoteSub) Cancel() {
	s.once.Do(func() {
		s.remote.mu.Lock()
		delete(s.remote.subs, s.id)
		closed := s.remote.closed
		s.remote.mu.Unlock()
		if closed {
			return
		}
		s.remote.writeMu.Lock()
		_ = s.remote.conn.WriteJSON(Envelope{Op: OpUnsubscribe, ID: s.id})
		s.remote.writeMu.Unlock()
	})
}

var _ Store = (*Remote)(nil)
