package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// Tree is the in-process Store implementation: a JSON-shaped tree guarded
// by a mutex, with subscriber fan-out from a single dispatch goroutine so
// every listener sees writes in the order they were applied.
type Tree struct {
	mu     sync.Mutex
	root   map[string]any
	subs   map[*treeSub]struct{}
	queue  []treeEvent
	wake   chan struct{}
	done   chan struct{}
	closed bool
	db     *DB
}

type treeSub struct {
	tree     *Tree
	segments []string
	fn       func(json.RawMessage)
	once     sync.Once
}

type treeEvent struct {
	sub  *treeSub
	data json.RawMessage
}

// NewTree returns an empty in-memory tree.
func NewTree() *Tree {
	t := &Tree{
		root: make(map[string]any),
		subs: make(map[*treeSub]struct{}),
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	go t.dispatch()
	return t
}

// NewPersistentTree returns a tree loaded from db's snapshot; every
// mutation is written back through before subscribers are notified.
func NewPersistentTree(db *DB) (*Tree, error) {
	t := NewTree()
	t.db = db
	snapshot, err := db.LoadSnapshot()
	if err != nil {
		return nil, fmt.Errorf("load snapshot: %w", err)
	}
	if len(snapshot) > 0 {
		if err := json.Unmarshal(snapshot, &t.root); err != nil {
			return nil, fmt.Errorf("decode snapshot: %w", err)
		}
		if t.root == nil {
			t.root = make(map[string]any)
		}
	}
	return t, nil
}

// Close stops dispatch and drops all subscriptions. Pending events are
// not delivered.
func (t *Tree) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.subs = make(map[*treeSub]struct{})
	t.queue = nil
	t.mu.Unlock()
	close(t.done)
	return nil
}

func (t *Tree) Get(ctx context.Context, path string, dest any) error {
	segments, err := splitPath(path)
	if err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrClosed
	}
	value, _ := lookup(t.root, segments)
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode %q: %w", path, err)
	}
	return json.Unmarshal(raw, dest)
}

func (t *Tree) Set(ctx context.Context, path string, value any) error {
	segments, err := splitPath(path)
	if err != nil {
		return err
	}
	if len(segments) == 0 {
		return ErrInvalidPath
	}
	return t.apply(map[string][]string{path: segments}, map[string]any{path: value})
}

func (t *Tree) Update(ctx context.Context, values map[string]any) error {
	if len(values) == 0 {
		return nil
	}
	segments := make(map[string][]string, len(values))
	for path := range values {
		segs, err := splitPath(path)
		if err != nil {
			return err
		}
		if len(segs) == 0 {
			return ErrInvalidPath
		}
		segments[path] = segs
	}
	return t.apply(segments, values)
}

func (t *Tree) Remove(ctx context.Context, path string) error {
	return t.Set(ctx, path, nil)
}

func (t *Tree) Push(ctx context.Context, path string, value any) (string, error) {
	key := uuid.New().String()
	child := path + "/" + key
	segments, err := splitPath(child)
	if err != nil {
		return "", err
	}
	if err := t.apply(map[string][]string{child: segments}, map[string]any{child: value}); err != nil {
		return "", err
	}
	return key, nil
}

func (t *Tree) Subscribe(path string, fn func(json.RawMessage)) (Subscription, error) {
	segments, err := splitPath(path)
	if err != nil {
		return nil, err
	}
	sub := &treeSub{tree: t, segments: segments, fn: fn}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, ErrClosed
	}
	t.subs[sub] = struct{}{}
	// Initial snapshot, queued so it arrives on the dispatch goroutine
	// like every later update.
	t.enqueueLocked(sub)
	return sub, nil
}

func (s *treeSub) Cancel() {
	s.once.Do(func() {
		s.tree.mu.Lock()
		delete(s.tree.subs, s)
		s.tree.mu.Unlock()
	})
}

// apply mutates every listed path under one lock hold, persists, then
// queues one notification per affected subscriber.
func (t *Tree) apply(segments map[string][]string, values map[string]any) error {
	normalized := make(map[string]any, len(values))
	for path, value := range values {
		if value == nil {
			normalized[path] = nil
			continue
		}
		generic, err := normalize(value)
		if err != nil {
			return fmt.Errorf("encode value for %q: %w", path, err)
		}
		normalized[path] = generic
	}

	// Deterministic application order; last write wins on overlap.
	paths := make([]string, 0, len(values))
	for path := range values {
		paths = append(paths, path)
	}
	sort.Strings(paths)

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrClosed
	}
	for _, path := range paths {
		segs := segments[path]
		if value := normalized[path]; value == nil {
			remove(t.root, segs)
		} else {
			insert(t.root, segs, value)
		}
	}
	if t.db != nil {
		snapshot, err := json.Marshal(t.root)
		if err != nil {
			return fmt.Errorf("encode snapshot: %w", err)
		}
		if err := t.db.SaveSnapshot(snapshot); err != nil {
			return fmt.Errorf("persist snapshot: %w", err)
		}
	}
	for sub := range t.subs {
		for _, path := range paths {
			if pathsRelated(sub.segments, segments[path]) {
				t.enqueueLocked(sub)
				break
			}
		}
	}
	return nil
}

// enqueueLocked snapshots the subscriber's subtree and schedules delivery.
// Caller holds t.mu.
func (t *Tree) enqueueLocked(sub *treeSub) {
	value, _ := lookup(t.root, sub.segments)
	raw, err := json.Marshal(value)
	if err != nil {
		raw = []byte("null")
	}
	t.queue = append(t.queue, treeEvent{sub: sub, data: raw})
	select {
	case t.wake <- struct{}{}:
	default:
	}
}

func (t *Tree) dispatch() {
	for {
		select {
		case <-t.done:
			return
		case <-t.wake:
		}
		for {
			t.mu.Lock()
			if len(t.queue) == 0 {
				t.mu.Unlock()
				break
			}
			ev := t.queue[0]
			t.queue = t.queue[1:]
			_, live := t.subs[ev.sub]
			t.mu.Unlock()
			if live {
				ev.sub.fn(ev.data)
			}
		}
	}
}

// normalize round-trips value through JSON so the tree only ever holds
// maps, slices, strings, float64s, bools and nils.
func normalize(value any) (any, error) {
	raw, err := json.Marshal(value)
	if err != nil {
		return nil, err
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, err
	}
	return generic, nil
}

func lookup(node map[string]any, segments []string) (any, bool) {
	if len(segments) == 0 {
		return node, true
	}
	var current any = node
	for _, seg := range segments {
		m, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = m[seg]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

func insert(node map[string]any, segments []string, value any) {
	for _, seg := range segments[:len(segments)-1] {
		child, ok := node[seg].(map[string]any)
		if !ok {
			child = make(map[string]any)
			node[seg] = child
		}
		node = child
	}
	node[segments[len(segments)-1]] = value
}

// remove deletes the node at segments and prunes emptied ancestors so a
// fully-cleared branch reads back as absent, not as an empty object.
func remove(node map[string]any, segments []string) {
	if len(segments) == 0 {
		return
	}
	parents := make([]map[string]any, 0, len(segments))
	current := node
	for _, seg := range segments[:len(segments)-1] {
		child, ok := current[seg].(map[string]any)
		if !ok {
			return
		}
		parents = append(parents, current)
		current = child
	}
	delete(current, segments[len(segments)-1])
	for i := len(parents) - 1; i >= 0; i-- {
		if len(current) > 0 {
			break
		}
		delete(parents[i], segments[i])
		current = parents[i]
	}
}

func pathsRelated(a, b []string) bool {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

var _ Store = (*Tree)(nil)

// String renders the tree for debugging.
func (t *Tree) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	raw, err := json.MarshalIndent(t.root, "", "  ")
	if err != nil {
		return "<unencodable>"
	}
	return strings.TrimSpace(string(raw))
}
