package game

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"fableboard/internal/ai"
)

func TestAssistantAppliesPartialUpdates(t *testing.T) {
	tr := newTestTree(t)
	ctx := context.Background()
	seedActivePlayer(t, tr, "p1", "1.1.1.1-1", "Elara")

	gen := &fakeGenerator{
		available: true,
		updates:   json.RawMessage(`[{"playerName":"Elara","health":{"current":2}},{"playerName":"Ghost","health":{"current":1}}]`),
	}
	assistant := NewAssistant(tr, gen, newTestBlobs(t))
	roster, err := LoadRoster(ctx, tr)
	if err != nil {
		t.Fatalf("roster: %v", err)
	}

	summary, err := assistant.Execute(ctx, "the trap springs", roster)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if summary != "Updated Elara" {
		t.Fatalf("unexpected summary: %q", summary)
	}

	// Only the sub-field present in the result changed; max survived.
	var ch Character
	if err := tr.Get(ctx, activePlayerPath("p1")+"/character_data", &ch); err != nil {
		t.Fatalf("load character: %v", err)
	}
	if ch.Health.Current != 2 || ch.Health.Max != 10 {
		t.Fatalf("nested merge wrong: %+v", ch.Health)
	}
	if ch.Name != "Elara" {
		t.Fatalf("unrelated field changed: %q", ch.Name)
	}
}

func TestAssistantSkipsUnknownNamesSilently(t *testing.T) {
	tr := newTestTree(t)
	ctx := context.Background()
	seedActivePlayer(t, tr, "p1", "1.1.1.1-1", "Elara")

	gen := &fakeGenerator{
		available: true,
		updates:   json.RawMessage(`[{"playerName":"Ghost","level":9}]`),
	}
	assistant := NewAssistant(tr, gen, newTestBlobs(t))
	roster, _ := LoadRoster(ctx, tr)

	summary, err := assistant.Execute(ctx, "empower the ghost", roster)
	if err != nil {
		t.Fatalf("unknown names must not error: %v", err)
	}
	if summary != NoEffectSummary {
		t.Fatalf("unexpected summary: %q", summary)
	}
}

func TestAssistantEmptyResultIsNoEffect(t *testing.T) {
	tr := newTestTree(t)
	seedActivePlayer(t, tr, "p1", "1.1.1.1-1", "Elara")
	gen := &fakeGenerator{available: true, updates: json.RawMessage(`[]`)}
	assistant := NewAssistant(tr, gen, newTestBlobs(t))
	roster, _ := LoadRoster(context.Background(), tr)

	summary, err := assistant.Execute(context.Background(), "do nothing", roster)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if summary != NoEffectSummary {
		t.Fatalf("unexpected summary: %q", summary)
	}
}

func TestAssistantAvatarRefinement(t *testing.T) {
	tr := newTestTree(t)
	ctx := context.Background()
	seedActivePlayer(t, tr, "p1", "1.1.1.1-1", "Elara")

	gen := &fakeGenerator{
		available: true,
		image:     []byte{0x89, 'P', 'N', 'G'},
		updates:   json.RawMessage(`[{"playerName":"Elara","avatarPrompt":"now wearing a crown","level":2}]`),
	}
	assistant := NewAssistant(tr, gen, newTestBlobs(t))
	roster, _ := LoadRoster(ctx, tr)

	summary, err := assistant.Execute(ctx, "crown elara", roster)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	for _, want := range []string{"Refined Elara's avatar", "Updated Elara"} {
		if !strings.Contains(summary, want) {
			t.Fatalf("summary %q missing %q", summary, want)
		}
	}

	var ch Character
	if err := tr.Get(ctx, activePlayerPath("p1")+"/character_data", &ch); err != nil {
		t.Fatalf("load character: %v", err)
	}
	if ch.AvatarURL == "" {
		t.Fatalf("avatar url not staged")
	}
	if ch.Level != 2 {
		t.Fatalf("field update lost: %+v", ch)
	}
	if len(gen.imagePrompts) != 1 || !strings.Contains(gen.imagePrompts[0], "crown") {
		t.Fatalf("refinement prompt not forwarded: %v", gen.imagePrompts)
	}
}

func TestAssistantUnavailableFailsFast(t *testing.T) {
	tr := newTestTree(t)
	assistant := NewAssistant(tr, &fakeGenerator{available: false}, newTestBlobs(t))
	_, err := assistant.Execute(context.Background(), "anything", nil)
	if !errors.Is(err, ai.ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
}

func TestVisibleRosterFiltersHiddenNPCs(t *testing.T) {
	tr := newTestTree(t)
	ctx := context.Background()
	seedActivePlayer(t, tr, "p1", "1.1.1.1-1", "Elara")

	dm := NewDM(tr, nil, newTestBlobs(t))
	shown, err := dm.CreateNPC(ctx, Character{Name: "Grizelda"})
	if err != nil {
		t.Fatalf("create npc: %v", err)
	}
	hidden, err := dm.CreateNPC(ctx, Character{Name: "Lurker"})
	if err != nil {
		t.Fatalf("create npc: %v", err)
	}
	offmap, err := dm.CreateNPC(ctx, Character{Name: "Absent"})
	if err != nil {
		t.Fatalf("create npc: %v", err)
	}

	seedMap(t, tr, "m1", 1000, 800)
	if err := dm.SetActiveMap(ctx, "m1"); err != nil {
		t.Fatalf("set active map: %v", err)
	}
	if _, err := SyncTokens(ctx, tr, MapData{ID: "m1", ImageWidth: 1000, ImageHeight: 800}, []string{"p1", shown, hidden}); err != nil {
		t.Fatalf("sync: %v", err)
	}
	if err := dm.SetTokenVisibility(ctx, "m1", hidden, false); err != nil {
		t.Fatalf("hide: %v", err)
	}
	_ = offmap // has no token at all

	roster, err := VisibleRoster(ctx, tr)
	if err != nil {
		t.Fatalf("visible roster: %v", err)
	}
	names := make([]string, len(roster))
	for i, entry := range roster {
		names[i] = entry.Character.Name
	}
	// Players always count; NPCs only with a visible token.
	if len(names) != 2 || names[0] != "Elara" || names[1] != "Grizelda" {
		t.Fatalf("unexpected visible roster: %v", names)
	}
}
