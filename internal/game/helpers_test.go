package game

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"fableboard/internal/blob"
	"fableboard/internal/store"
)

func newTestTree(t *testing.T) *store.Tree {
	t.Helper()
	tr := store.NewTree()
	t.Cleanup(func() { tr.Close() })
	return tr
}

func newTestBlobs(t *testing.T) *blob.Dir {
	t.Helper()
	dir, err := blob.NewDir(t.TempDir(), "/blobs")
	if err != nil {
		t.Fatalf("blob dir: %v", err)
	}
	return dir
}

// waitFor polls cond until it holds or the deadline passes. Store fan-out
// is asynchronous, so state assertions after writes go through here.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

type fakeGenerator struct {
	available bool
	sheet     json.RawMessage
	updates   json.RawMessage
	image     []byte
	err       error

	imagePrompts []string
}

func (f *fakeGenerator) Available() bool { return f.available }

func (f *fakeGenerator) GenerateCharacterSheet(ctx context.Context, backstory string) (json.RawMessage, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.sheet, nil
}

func (f *fakeGenerator) GenerateUpdates(ctx context.Context, instruction string, characters []string) (json.RawMessage, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.updates, nil
}

func (f *fakeGenerator) GenerateImage(ctx context.Context, prompt, aspect string) ([]byte, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.imagePrompts = append(f.imagePrompts, prompt)
	return f.image, nil
}

func seedActivePlayer(t *testing.T, tr *store.Tree, key, rawID, name string) {
	t.Helper()
	player := ActivePlayer{ID: rawID, CharacterData: Character{
		Name:   name,
		Health: StatBar{Current: 10, Max: 10},
	}}
	if err := tr.Set(context.Background(), activePlayerPath(key), player); err != nil {
		t.Fatalf("seed active player %s: %v", key, err)
	}
}
