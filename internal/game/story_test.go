package game

import (
	"context"
	"testing"
	"time"

	"fableboard/internal/store"
)

func startStory(t *testing.T, tr *store.Tree, local *LocalState, gen Generator) *StoryLog {
	t.Helper()
	s := NewStoryLog(tr, local, gen, nil, nil)
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start story: %v", err)
	}
	t.Cleanup(func() { s.Close(context.Background()) })
	return s
}

func pageText(t *testing.T, tr *store.Tree, page int) string {
	t.Helper()
	var record *StoryPage
	if err := tr.Get(context.Background(), storyPagePath(page), &record); err != nil {
		t.Fatalf("load page %d: %v", page, err)
	}
	if record == nil {
		return ""
	}
	return record.Text
}

func TestStorySeedsFirstPage(t *testing.T) {
	tr := newTestTree(t)
	startStory(t, tr, nil, nil)

	waitFor(t, "seed page", func() bool {
		return pageText(t, tr, firstPageNumber) != ""
	})
	var pages map[string]StoryPage
	if err := tr.Get(context.Background(), PathStoryPages, &pages); err != nil {
		t.Fatalf("load pages: %v", err)
	}
	if len(pages) != 1 {
		t.Fatalf("expected a single seeded page, got %d", len(pages))
	}
}

func TestStoryDebouncedWriteCoalesces(t *testing.T) {
	tr := newTestTree(t)
	ctx := context.Background()
	if err := tr.Set(ctx, storyPagePath(1), StoryPage{Text: "old"}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	s := startStory(t, tr, nil, nil)

	// Rapid typing: local state updates immediately, the store does not.
	s.SetText(ctx, "The party ")
	s.SetText(ctx, "The party enters ")
	s.SetText(ctx, "The party enters the crypt.")
	if got := s.Text(); got != "The party enters the crypt." {
		t.Fatalf("optimistic text lost: %q", got)
	}
	if got := pageText(t, tr, 1); got != "old" {
		t.Fatalf("store written before quiet period: %q", got)
	}

	waitFor(t, "debounced flush", func() bool {
		return pageText(t, tr, 1) == "The party enters the crypt."
	})
}

func TestStoryNewPageAppendsAtMaxPlusOne(t *testing.T) {
	tr := newTestTree(t)
	ctx := context.Background()
	// Page numbers are never reused: with pages 1 and 4, the next is 5.
	if err := tr.Update(ctx, map[string]any{
		storyPagePath(1): StoryPage{Text: "one"},
		storyPagePath(4): StoryPage{Text: "four"},
	}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	s := startStory(t, tr, nil, nil)
	waitFor(t, "initial pages", func() bool { return len(s.PageNumbers()) == 2 })

	page, err := s.NewPage(ctx)
	if err != nil {
		t.Fatalf("new page: %v", err)
	}
	if page != 5 {
		t.Fatalf("expected page 5, got %d", page)
	}
	if s.CurrentPage() != 5 {
		t.Fatalf("cursor did not move: %d", s.CurrentPage())
	}
}

func TestStoryPageCursorPersistsLocally(t *testing.T) {
	tr := newTestTree(t)
	ctx := context.Background()
	local := newLocalState(t)
	if err := tr.Set(ctx, storyPagePath(1), StoryPage{Text: "one"}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	s := startStory(t, tr, local, nil)
	s.SetCurrentPage(ctx, 2)
	if local.StoryPage() != 2 {
		t.Fatalf("cursor not persisted: %d", local.StoryPage())
	}

	// A fresh log over the same local state resumes on the same page.
	s2 := NewStoryLog(tr, local, nil, nil, nil)
	if s2.CurrentPage() != 2 {
		t.Fatalf("cursor not restored: %d", s2.CurrentPage())
	}
}

func TestStoryCloseFlushesPendingEdit(t *testing.T) {
	tr := newTestTree(t)
	ctx := context.Background()
	if err := tr.Set(ctx, storyPagePath(1), StoryPage{Text: "old"}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	s := NewStoryLog(tr, nil, nil, nil, nil)
	if err := s.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}

	s.SetText(ctx, "unsent edit")
	s.Close(ctx)
	if got := pageText(t, tr, 1); got != "unsent edit" {
		t.Fatalf("pending edit dropped on close: %q", got)
	}
}

func TestMentionsWholeWordsOnly(t *testing.T) {
	roster := []RosterEntry{
		{Character: Character{Name: "Elara"}},
		{Character: Character{Name: "Grizelda"}},
		{Character: Character{Name: "Elar"}},
	}
	got := Mentions("Elara meets Grizelda", roster)
	if len(got) != 2 || got[0] != "Elara" || got[1] != "Grizelda" {
		t.Fatalf("unexpected mentions: %v", got)
	}
}

func TestMentionsOrderAndDedup(t *testing.T) {
	roster := []RosterEntry{
		{Character: Character{Name: "Bram"}},
		{Character: Character{Name: "Aveline"}},
		{Character: Character{Name: "Aveline"}},
	}
	// Aveline appears first in the text; order still follows the roster.
	got := Mentions("aveline waves. BRAM waves back. Aveline laughs.", roster)
	if len(got) != 2 || got[0] != "Bram" || got[1] != "Aveline" {
		t.Fatalf("unexpected mentions: %v", got)
	}
}

func TestDictationAppendsAndGeneratesScenery(t *testing.T) {
	tr := newTestTree(t)
	ctx := context.Background()
	if err := tr.Set(ctx, storyPagePath(1), StoryPage{Text: "The door creaks."}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	gen := &fakeGenerator{available: true, image: []byte{0x89, 'P', 'N', 'G'}}
	s := NewStoryLog(tr, nil, gen, newTestBlobs(t), nil)
	if err := s.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer s.Close(ctx)
	waitFor(t, "initial page", func() bool { return s.Text() != "" })

	s.AppendDictation(ctx, "A ghost drifts in.")
	if got := s.Text(); got != "The door creaks. A ghost drifts in." {
		t.Fatalf("segment not space-joined: %q", got)
	}

	waitFor(t, "scenery entry", func() bool {
		var scenery *SceneryEntry
		if err := tr.Get(ctx, PathScenery, &scenery); err != nil {
			return false
		}
		return scenery != nil && scenery.ImageURL != ""
	})
}

func TestDictationFailureIsTransient(t *testing.T) {
	tr := newTestTree(t)
	ctx := context.Background()
	if err := tr.Set(ctx, storyPagePath(1), StoryPage{Text: "text"}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	transient := make(chan error, 1)
	gen := &fakeGenerator{available: true, err: context.DeadlineExceeded}
	s := NewStoryLog(tr, nil, gen, newTestBlobs(t), func(err error) { transient <- err })
	if err := s.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer s.Close(ctx)
	waitFor(t, "initial page", func() bool { return s.Text() != "" })

	s.AppendDictation(ctx, "doom")
	select {
	case <-transient:
	case <-time.After(2 * time.Second):
		t.Fatalf("transient failure never surfaced")
	}
	// The appended text survives the failed side effect.
	if got := s.Text(); got != "text doom" {
		t.Fatalf("dictation lost: %q", got)
	}
}
