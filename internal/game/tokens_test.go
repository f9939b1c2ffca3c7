package game

import (
	"context"
	"math"
	"testing"

	"fableboard/internal/store"
)

func seedMap(t *testing.T, tr *store.Tree, id string, width, height float64) MapData {
	t.Helper()
	m := MapData{
		ID:          id,
		Name:        "test map",
		ImageWidth:  width,
		ImageHeight: height,
		TokenSize:   1,
	}
	if err := tr.Set(context.Background(), mapPath(id), m); err != nil {
		t.Fatalf("seed map: %v", err)
	}
	return m
}

func loadTokens(t *testing.T, tr *store.Tree, mapID string) map[string]TokenData {
	t.Helper()
	var tokens map[string]TokenData
	if err := tr.Get(context.Background(), mapPath(mapID)+"/tokens", &tokens); err != nil {
		t.Fatalf("load tokens: %v", err)
	}
	return tokens
}

func TestSyncTokensConverges(t *testing.T) {
	tr := newTestTree(t)
	ctx := context.Background()
	m := seedMap(t, tr, "m1", 1000, 800)

	// Start from a token set that is wrong in both directions.
	if err := tr.Set(ctx, tokenPath("m1", "stale"), TokenData{X: 5, Y: 5, Visible: true}); err != nil {
		t.Fatalf("seed stale token: %v", err)
	}
	var current MapData
	if err := tr.Get(ctx, mapPath("m1"), &current); err != nil {
		t.Fatalf("reload map: %v", err)
	}

	writes, err := SyncTokens(ctx, tr, current, []string{"alice", "bob"})
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if writes != 3 {
		t.Fatalf("expected 3 staged writes, got %d", writes)
	}

	tokens := loadTokens(t, tr, "m1")
	if len(tokens) != 2 {
		t.Fatalf("expected exactly roster tokens, got %v", tokens)
	}
	for _, key := range []string{"alice", "bob"} {
		token, ok := tokens[key]
		if !ok {
			t.Fatalf("missing token for %s", key)
		}
		if token.X != m.ImageWidth*spawnInset || token.Y != m.ImageHeight*spawnInset {
			t.Fatalf("unexpected spawn position: %+v", token)
		}
		if !token.Visible {
			t.Fatalf("new token should be visible")
		}
	}
}

func TestSyncTokensIdempotent(t *testing.T) {
	tr := newTestTree(t)
	ctx := context.Background()
	seedMap(t, tr, "m1", 1000, 800)

	roster := []string{"alice", "bob"}
	var m MapData
	if err := tr.Get(ctx, mapPath("m1"), &m); err != nil {
		t.Fatalf("load: %v", err)
	}
	if _, err := SyncTokens(ctx, tr, m, roster); err != nil {
		t.Fatalf("first sync: %v", err)
	}

	// Move a token; a repeat sync with the same roster must not write.
	if err := PlaceToken(ctx, tr, "m1", "alice", 420, 69); err != nil {
		t.Fatalf("place: %v", err)
	}
	if err := tr.Get(ctx, mapPath("m1"), &m); err != nil {
		t.Fatalf("reload: %v", err)
	}
	writes, err := SyncTokens(ctx, tr, m, roster)
	if err != nil {
		t.Fatalf("second sync: %v", err)
	}
	if writes != 0 {
		t.Fatalf("expected zero writes, got %d", writes)
	}
	tokens := loadTokens(t, tr, "m1")
	if tokens["alice"].X != 420 || tokens["alice"].Y != 69 {
		t.Fatalf("sync touched a placed token: %+v", tokens["alice"])
	}
}

func TestSyncTokensKeepsHiddenRosterTokens(t *testing.T) {
	tr := newTestTree(t)
	ctx := context.Background()
	seedMap(t, tr, "m1", 1000, 800)

	if _, err := SyncTokens(ctx, tr, MapData{ID: "m1", ImageWidth: 1000, ImageHeight: 800}, []string{"alice"}); err != nil {
		t.Fatalf("sync: %v", err)
	}
	dm := NewDM(tr, nil, nil)
	if err := dm.SetTokenVisibility(ctx, "m1", "alice", false); err != nil {
		t.Fatalf("hide: %v", err)
	}

	var m MapData
	if err := tr.Get(ctx, mapPath("m1"), &m); err != nil {
		t.Fatalf("reload: %v", err)
	}
	writes, err := SyncTokens(ctx, tr, m, []string{"alice"})
	if err != nil {
		t.Fatalf("resync: %v", err)
	}
	if writes != 0 {
		t.Fatalf("hidden roster member must keep its token, got %d writes", writes)
	}
	if loadTokens(t, tr, "m1")["alice"].Visible {
		t.Fatalf("visibility was overwritten")
	}
}

func TestSynchronizerFollowsRoster(t *testing.T) {
	tr := newTestTree(t)
	ctx := context.Background()
	seedMap(t, tr, "m1", 1000, 800)
	if err := tr.Set(ctx, PathActiveMapID, "m1"); err != nil {
		t.Fatalf("set active map: %v", err)
	}

	sync := NewSynchronizer(tr, nil)
	if err := sync.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer sync.Stop()

	seedActivePlayer(t, tr, "p1", "1.2.3.4-1", "Elara")
	waitFor(t, "token creation", func() bool {
		tokens := loadTokens(t, tr, "m1")
		_, ok := tokens["p1"]
		return ok && len(tokens) == 1
	})

	if err := tr.Remove(ctx, activePlayerPath("p1")); err != nil {
		t.Fatalf("remove player: %v", err)
	}
	waitFor(t, "token removal", func() bool {
		return len(loadTokens(t, tr, "m1")) == 0
	})
}

func TestDropPositionRoundTrip(t *testing.T) {
	const imageW, imageH = 2000.0, 1500.0
	boxes := []Rect{
		{Left: 0, Top: 0, Width: 2000, Height: 1500},  // 1:1 render
		{Left: 40, Top: 60, Width: 1000, Height: 750}, // scaled down, offset
		{Left: -15, Top: 8, Width: 333, Height: 250},  // arbitrary
	}
	points := [][2]float64{{0.1, 0.1}, {0.5, 0.5}, {0.99, 0.01}}

	for _, box := range boxes {
		for _, p := range points {
			dropX := box.Left + p[0]*box.Width
			dropY := box.Top + p[1]*box.Height
			x, y := DropPosition(dropX, dropY, box, imageW, imageH)

			// Re-render: project stored coordinates back to the screen.
			backX := box.Left + x/imageW*box.Width
			backY := box.Top + (imageH-y)/imageH*box.Height
			if math.Abs(backX-dropX) > 1e-9 || math.Abs(backY-dropY) > 1e-9 {
				t.Fatalf("round trip drifted: dropped (%v,%v), re-rendered (%v,%v)", dropX, dropY, backX, backY)
			}
		}
	}
}

func TestDropPositionFlipsAndClamps(t *testing.T) {
	box := Rect{Left: 0, Top: 0, Width: 100, Height: 100}

	// Top of the screen is the top of the image, which is max stored y.
	_, y := DropPosition(50, 0, box, 1000, 800)
	if y != 800 {
		t.Fatalf("expected y=800 at screen top, got %v", y)
	}
	_, y = DropPosition(50, 100, box, 1000, 800)
	if y != 0 {
		t.Fatalf("expected y=0 at screen bottom, got %v", y)
	}

	// Out-of-bounds drops clamp into the image.
	x, y := DropPosition(-50, 250, box, 1000, 800)
	if x != 0 || y != 0 {
		t.Fatalf("expected clamp to origin, got (%v,%v)", x, y)
	}
	x, y = DropPosition(400, -90, box, 1000, 800)
	if x != 1000 || y != 800 {
		t.Fatalf("expected clamp to extent, got (%v,%v)", x, y)
	}
}

func TestPlaceTokenLeavesVisibilityUntouched(t *testing.T) {
	tr := newTestTree(t)
	ctx := context.Background()
	seedMap(t, tr, "m1", 1000, 800)
	if err := tr.Set(ctx, tokenPath("m1", "p1"), TokenData{X: 1, Y: 2, Visible: false}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	if err := PlaceToken(ctx, tr, "m1", "p1", 300, 400); err != nil {
		t.Fatalf("place: %v", err)
	}
	token := loadTokens(t, tr, "m1")["p1"]
	if token.X != 300 || token.Y != 400 {
		t.Fatalf("position not updated: %+v", token)
	}
	if token.Visible {
		t.Fatalf("drop must not touch visibility")
	}
}

func TestPlaceTokenRejectsUnknownToken(t *testing.T) {
	tr := newTestTree(t)
	ctx := context.Background()
	seedMap(t, tr, "m1", 1000, 800)

	if err := PlaceToken(ctx, tr, "m1", "ghost", 300, 400); err == nil {
		t.Fatal("expected an error placing a token that does not exist")
	}
	// The miss must not leave a partial record behind.
	if tokens := loadTokens(t, tr, "m1"); len(tokens) != 0 {
		t.Fatalf("stray token records appeared: %v", tokens)
	}
}
