package game

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"fableboard/internal/store"
)

// LifecycleState is the player's progression from first contact to play.
type LifecycleState int

const (
	StateInitializing LifecycleState = iota
	StatePendingApproval
	StateNeedsBackstory
	StateWaitingForSheet
	StateInGame
	StateError
)

func (s LifecycleState) String() string {
	switch s {
	case StateInitializing:
		return "INITIALIZING"
	case StatePendingApproval:
		return "PENDING_APPROVAL"
	case StateNeedsBackstory:
		return "NEEDS_BACKSTORY"
	case StateWaitingForSheet:
		return "WAITING_FOR_SHEET"
	case StateInGame:
		return "IN_GAME"
	case StateError:
		return "ERROR"
	default:
		return fmt.Sprintf("LifecycleState(%d)", int(s))
	}
}

// Lifecycle tracks one player's state purely from the store's pending and
// active records; there is no explicit advance call. Whichever record the
// store currently holds determines the state, recomputed on every update.
type Lifecycle struct {
	st       store.Store
	playerID string
	key      string
	onChange func(LifecycleState)

	mu          sync.Mutex
	state       LifecycleState
	pending     *PendingPlayer
	active      *ActivePlayer
	pendingSeen bool
	activeSeen  bool
	pendingSub  store.Subscription
	activeSub   store.Subscription
	creating    bool
	stopped     bool
}

// NewLifecycle builds the machine for the given raw player identifier.
// onChange fires on every state transition, from the store's dispatch
// goroutine; it may be nil.
func NewLifecycle(st store.Store, playerID string, onChange func(LifecycleState)) *Lifecycle {
	return &Lifecycle{
		st:       st,
		playerID: playerID,
		key:      store.SanitizeKey(playerID),
		onChange: onChange,
		state:    StateInitializing,
	}
}

// Key returns the sanitized identifier used for store addressing.
func (l *Lifecycle) Key() string { return l.key }

// State returns the current lifecycle state.
func (l *Lifecycle) State() LifecycleState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Start subscribes to this player's pending and active records. The first
// delivered snapshots drive the machine out of INITIALIZING.
func (l *Lifecycle) Start(ctx context.Context) error {
	activeSub, err := l.st.Subscribe(activePlayerPath(l.key), func(v json.RawMessage) {
		l.onActive(ctx, v)
	})
	if err != nil {
		return fmt.Errorf("subscribe active record: %w", err)
	}
	pendingSub, err := l.st.Subscribe(pendingPlayerPath(l.key), func(v json.RawMessage) {
		l.onPending(ctx, v)
	})
	if err != nil {
		activeSub.Cancel()
		return fmt.Errorf("subscribe pending record: %w", err)
	}

	l.mu.Lock()
	l.activeSub = activeSub
	l.pendingSub = pendingSub
	stopped := l.stopped
	l.mu.Unlock()
	if stopped {
		activeSub.Cancel()
		pendingSub.Cancel()
	}
	return nil
}

// Stop cancels all live subscriptions. Safe to call on any state and on
// every teardown path.
func (l *Lifecycle) Stop() {
	l.mu.Lock()
	l.stopped = true
	pendingSub, activeSub := l.pendingSub, l.activeSub
	l.pendingSub, l.activeSub = nil, nil
	l.mu.Unlock()
	if pendingSub != nil {
		pendingSub.Cancel()
	}
	if activeSub != nil {
		activeSub.Cancel()
	}
}

// MarkError forces the terminal error state; used when identity
// resolution fails before the machine ever starts.
func (l *Lifecycle) MarkError() {
	l.mu.Lock()
	l.state = StateError
	notify := l.onChange
	l.mu.Unlock()
	if notify != nil {
		notify(StateError)
	}
}

func (l *Lifecycle) onActive(ctx context.Context, raw json.RawMessage) {
	var record *ActivePlayer
	if err := json.Unmarshal(raw, &record); err != nil {
		record = nil
	}
	l.mu.Lock()
	l.active = record
	l.activeSeen = true
	l.mu.Unlock()
	l.recompute(ctx)
}

func (l *Lifecycle) onPending(ctx context.Context, raw json.RawMessage) {
	var record *PendingPlayer
	if err := json.Unmarshal(raw, &record); err != nil {
		record = nil
	}
	l.mu.Lock()
	l.pending = record
	l.pendingSeen = true
	if record != nil {
		l.creating = false
	}
	l.mu.Unlock()
	l.recompute(ctx)
}

func (l *Lifecycle) recompute(ctx context.Context) {
	l.mu.Lock()
	if l.state == StateError || l.stopped {
		l.mu.Unlock()
		return
	}
	// Half the picture is not enough: until both records have delivered
	// their first snapshot, a missing pending record cannot be told apart
	// from one whose snapshot has not arrived yet, and auto-creating on
	// that guess would clobber a returning player's record.
	if !l.activeSeen || !l.pendingSeen {
		l.mu.Unlock()
		return
	}

	next := l.state
	var createPending bool
	switch {
	case l.active != nil:
		next = StateInGame
	case l.pending == nil:
		next = StatePendingApproval
		if !l.creating {
			l.creating = true
			createPending = true
		}
	case !l.pending.Accepted:
		next = StatePendingApproval
	case l.pending.Backstory == "":
		next = StateNeedsBackstory
	default:
		next = StateWaitingForSheet
	}

	changed := next != l.state
	l.state = next

	// Entering play ends the pending chapter for good; drop that
	// listener so it cannot dangle.
	var pendingSub store.Subscription
	if next == StateInGame && l.pendingSub != nil {
		pendingSub = l.pendingSub
		l.pendingSub = nil
	}
	notify := l.onChange
	l.mu.Unlock()

	if pendingSub != nil {
		pendingSub.Cancel()
	}
	if createPending {
		record := PendingPlayer{IP: l.playerID, Accepted: false}
		if err := l.st.Set(ctx, pendingPlayerPath(l.key), record); err != nil {
			l.mu.Lock()
			l.creating = false
			l.mu.Unlock()
		}
	}
	if changed && notify != nil {
		notify(next)
	}
}

// SubmitBackstory records the player's backstory on their pending record,
// moving them to WAITING_FOR_SHEET once the write fans back out.
func (l *Lifecycle) SubmitBackstory(ctx context.Context, backstory string) error {
	if backstory == "" {
		return fmt.Errorf("backstory is empty")
	}
	path := store.Join(pendingPlayerPath(l.key), "backstory")
	if err := l.st.Set(ctx, path, backstory); err != nil {
		return fmt.Errorf("submit backstory: %w", err)
	}
	return nil
}
