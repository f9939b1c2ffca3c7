package game

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"fableboard/internal/store"
)

const rollRevealDelay = 2 * time.Second

var (
	// ErrNotPermitted means the player does not hold the roll grant.
	ErrNotPermitted = errors.New("dice: not permitted to roll")
	// ErrRollInProgress means another roll has not revealed yet.
	ErrRollInProgress = errors.New("dice: a roll is already in progress")
)

// Roller drives the shared roll handshake from one client's side. The
// initiating client computes and writes the result itself; there is no
// arbiter, trust sits entirely with that client.
type Roller struct {
	st    store.Store
	name  string
	key   string
	dm    bool
	delay time.Duration
	rng   *rand.Rand

	mu    sync.Mutex
	timer *time.Timer
}

// NewRoller builds a roller for the named participant. key is the
// sanitized player identifier; DM rollers pass dm=true and roll
// unconditionally.
func NewRoller(st store.Store, name, key string, dm bool) *Roller {
	return &Roller{
		st:    st,
		name:  name,
		key:   key,
		dm:    dm,
		delay: rollRevealDelay,
		rng:   rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Roll initiates a roll: the rolling record is written immediately (which
// consumes any permission grant), and after the reveal delay the result
// lands as a single update. Players may roll only while holding the
// grant and only when no roll is in flight.
func (r *Roller) Roll(ctx context.Context) error {
	var current *DiceRoll
	if err := r.st.Get(ctx, PathDiceRoll, &current); err != nil {
		return fmt.Errorf("read roll state: %w", err)
	}
	if !r.dm {
		if current == nil || current.PermissionHolder != r.key {
			return ErrNotPermitted
		}
		if current.IsRolling {
			return ErrRollInProgress
		}
	}

	record := DiceRoll{
		IsRolling:  true,
		RollerName: r.name,
		Timestamp:  time.Now().UnixMilli(),
	}
	if err := r.st.Set(ctx, PathDiceRoll, record); err != nil {
		return fmt.Errorf("initiate roll: %w", err)
	}

	r.mu.Lock()
	if r.timer != nil {
		r.timer.Stop()
	}
	r.timer = time.AfterFunc(r.delay, func() {
		result := r.rng.Intn(20) + 1
		err := r.st.Update(context.Background(), map[string]any{
			PathDiceRoll + "/isRolling": false,
			PathDiceRoll + "/result":    result,
		})
		if err != nil {
			// The record stays in its rolling state; the next
			// initiated roll replaces it.
			return
		}
	})
	r.mu.Unlock()
	return nil
}

// Stop cancels a pending reveal; used on teardown. The shared record is
// left as-is.
func (r *Roller) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
}

// GrantRollPermission hands the one-shot roll grant to the given player.
// Independent of roll state; a fresh grant may be issued after the prior
// one is consumed.
func GrantRollPermission(ctx context.Context, st store.Store, playerKey string) error {
	if err := st.Set(ctx, PathDiceRoll+"/permissionHolder", playerKey); err != nil {
		return fmt.Errorf("grant roll permission: %w", err)
	}
	return nil
}
