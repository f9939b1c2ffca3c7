package game

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"fableboard/internal/store"
)

// Default spawn position: 10% inset from the map origin.
const spawnInset = 0.1

// SyncTokens reconciles the map's token set with rosterKeys: a token is
// created for every roster member missing one and deleted for every key
// no longer in the roster, all in one batched update. Position and
// visibility of surviving tokens are never touched, so applying this
// twice with an unchanged roster writes nothing. Returns the number of
// staged writes.
func SyncTokens(ctx context.Context, st store.Store, m MapData, rosterKeys []string) (int, error) {
	wanted := make(map[string]struct{}, len(rosterKeys))
	for _, key := range rosterKeys {
		wanted[key] = struct{}{}
	}

	updates := make(map[string]any)
	for key := range wanted {
		if _, ok := m.Tokens[key]; !ok {
			updates[tokenPath(m.ID, key)] = TokenData{
				X:       m.ImageWidth * spawnInset,
				Y:       m.ImageHeight * spawnInset,
				Visible: true,
			}
		}
	}
	for key := range m.Tokens {
		if _, ok := wanted[key]; !ok {
			updates[tokenPath(m.ID, key)] = nil
		}
	}

	if len(updates) == 0 {
		return 0, nil
	}
	if err := st.Update(ctx, updates); err != nil {
		return 0, fmt.Errorf("sync tokens: %w", err)
	}
	return len(updates), nil
}

// Synchronizer watches the roster and the active map and keeps the active
// map's tokens congruent. It is the only writer of token existence; drops
// write position and the DM writes visibility, independently.
type Synchronizer struct {
	st     store.Store
	logger *slog.Logger

	mu   sync.Mutex
	subs []store.Subscription
}

func NewSynchronizer(st store.Store, logger *slog.Logger) *Synchronizer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Synchronizer{st: st, logger: logger}
}

// Start subscribes to the roster sections, the active map pointer and the
// map records. Each event triggers a reconcile; the reconcile's own
// writes retrigger it once more, which then stages zero writes.
func (s *Synchronizer) Start(ctx context.Context) error {
	paths := []string{PathActivePlayers, PathNPCs, PathActiveMapID, PathMaps}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, path := range paths {
		sub, err := s.st.Subscribe(path, func(json.RawMessage) {
			if err := s.reconcile(ctx); err != nil {
				s.logger.Error("token reconcile", slog.String("error", err.Error()))
			}
		})
		if err != nil {
			for _, prior := range s.subs {
				prior.Cancel()
			}
			s.subs = nil
			return fmt.Errorf("subscribe %s: %w", path, err)
		}
		s.subs = append(s.subs, sub)
	}
	return nil
}

// Stop cancels the watches.
func (s *Synchronizer) Stop() {
	s.mu.Lock()
	subs := s.subs
	s.subs = nil
	s.mu.Unlock()
	for _, sub := range subs {
		sub.Cancel()
	}
}

func (s *Synchronizer) reconcile(ctx context.Context) error {
	var activeID string
	if err := s.st.Get(ctx, PathActiveMapID, &activeID); err != nil {
		return fmt.Errorf("load active map id: %w", err)
	}
	if activeID == "" {
		return nil
	}
	var m *MapData
	if err := s.st.Get(ctx, mapPath(activeID), &m); err != nil {
		return fmt.Errorf("load map: %w", err)
	}
	if m == nil {
		return nil
	}
	roster, err := LoadRoster(ctx, s.st)
	if err != nil {
		return err
	}
	keys := make([]string, len(roster))
	for i, entry := range roster {
		keys[i] = entry.Key
	}
	_, err = SyncTokens(ctx, s.st, *m, keys)
	return err
}

// Rect is the rendered map element's bounding box in screen pixels.
type Rect struct {
	Left   float64
	Top    float64
	Width  float64
	Height float64
}

// DropPosition converts a screen-space drop point into stored map-pixel
// coordinates: scale by natural/rendered size, flip the vertical axis
// (screen y grows down, stored y grows up from the bottom edge) and clamp
// into the image bounds.
func DropPosition(dropX, dropY float64, box Rect, imageWidth, imageHeight float64) (float64, float64) {
	x := (dropX - box.Left) * (imageWidth / box.Width)
	y := imageHeight - (dropY-box.Top)*(imageHeight/box.Height)
	return clamp(x, 0, imageWidth), clamp(y, 0, imageHeight)
}

// PlaceToken writes a dropped token's position. Visibility is deliberately
// not part of the write. Only an existing token may be moved: patching a
// missing one would materialize a half-record without a visibility field.
func PlaceToken(ctx context.Context, st store.Store, mapID, key string, x, y float64) error {
	base := tokenPath(mapID, key)
	var existing *TokenData
	if err := st.Get(ctx, base, &existing); err != nil {
		return fmt.Errorf("place token: %w", err)
	}
	if existing == nil {
		return fmt.Errorf("place token: no token %q on map %q", key, mapID)
	}
	err := st.Update(ctx, map[string]any{
		base + "/x": x,
		base + "/y": y,
	})
	if err != nil {
		return fmt.Errorf("place token: %w", err)
	}
	return nil
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
