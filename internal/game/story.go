package game

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"fableboard/internal/ai"
	"fableboard/internal/blob"
	"fableboard/internal/store"
)

const (
	storyDebounce   = 750 * time.Millisecond
	firstPageNumber = 1
	seedText        = "The party gathers, and the story begins..."
)

// StoryLog is the shared multi-page narrative. Edits apply to local state
// immediately and reach the store only after a quiet period, coalesced so
// rapid typing produces one write. The page cursor is local to this
// viewer and persisted in LocalState only as a convenience.
type StoryLog struct {
	st          store.Store
	local       *LocalState
	gen         Generator
	blobs       blob.Store
	onTransient func(error)

	mu      sync.Mutex
	pages   map[int]string
	current int
	draft   string
	dirty   bool
	timer   *time.Timer
	seeded  bool
	sub     store.Subscription
}

// NewStoryLog builds the log. onTransient receives failures of
// fire-and-forget side effects (scenery generation) and may be nil.
func NewStoryLog(st store.Store, local *LocalState, gen Generator, blobs blob.Store, onTransient func(error)) *StoryLog {
	if onTransient == nil {
		onTransient = func(error) {}
	}
	current := firstPageNumber
	if local != nil {
		if page := local.StoryPage(); page >= firstPageNumber {
			current = page
		}
	}
	return &StoryLog{
		st:          st,
		local:       local,
		gen:         gen,
		blobs:       blobs,
		onTransient: onTransient,
		pages:       make(map[int]string),
		current:     current,
	}
}

// Start subscribes to the shared page set. If no pages exist at all, page
// one is seeded with placeholder text.
func (s *StoryLog) Start(ctx context.Context) error {
	sub, err := s.st.Subscribe(PathStoryPages, func(v json.RawMessage) {
		s.onPages(ctx, v)
	})
	if err != nil {
		return fmt.Errorf("subscribe story pages: %w", err)
	}
	s.mu.Lock()
	s.sub = sub
	s.mu.Unlock()
	return nil
}

func (s *StoryLog) onPages(ctx context.Context, raw json.RawMessage) {
	var incoming map[string]StoryPage
	if err := json.Unmarshal(raw, &incoming); err != nil {
		return
	}

	s.mu.Lock()
	pages := make(map[int]string, len(incoming))
	for key, page := range incoming {
		n, err := strconv.Atoi(key)
		if err != nil {
			continue
		}
		pages[n] = page.Text
	}
	// An unsent local edit outranks the fan-out for the page being typed
	// on; everything else follows the store.
	if s.dirty {
		pages[s.current] = s.draft
	}
	s.pages = pages

	seed := len(incoming) == 0 && !s.seeded
	if seed {
		s.seeded = true
	}
	s.mu.Unlock()

	if seed {
		record := StoryPage{Text: seedText}
		if err := s.st.Set(ctx, storyPagePath(firstPageNumber), record); err != nil {
			s.mu.Lock()
			s.seeded = false
			s.mu.Unlock()
		}
	}
}

// CurrentPage returns the local page cursor.
func (s *StoryLog) CurrentPage() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// PageNumbers returns the known page numbers in ascending order.
func (s *StoryLog) PageNumbers() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	numbers := make([]int, 0, len(s.pages))
	for n := range s.pages {
		numbers = append(numbers, n)
	}
	sort.Ints(numbers)
	return numbers
}

// Text returns the current page's text, including any unsent edit.
func (s *StoryLog) Text() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dirty {
		return s.draft
	}
	return s.pages[s.current]
}

// SetText applies an edit optimistically and schedules the debounced
// store write.
func (s *StoryLog) SetText(ctx context.Context, text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.draft = text
	s.dirty = true
	s.pages[s.current] = text
	if s.timer != nil {
		s.timer.Stop()
	}
	page := s.current
	s.timer = time.AfterFunc(storyDebounce, func() {
		s.flush(ctx, page)
	})
}

func (s *StoryLog) flush(ctx context.Context, page int) {
	s.mu.Lock()
	if !s.dirty {
		s.mu.Unlock()
		return
	}
	text := s.draft
	s.dirty = false
	s.mu.Unlock()

	if err := s.st.Set(ctx, storyPagePath(page), StoryPage{Text: text}); err != nil {
		s.onTransient(fmt.Errorf("save story page %d: %w", page, err))
	}
}

// SetCurrentPage flushes any unsent edit, then moves the local cursor.
func (s *StoryLog) SetCurrentPage(ctx context.Context, page int) {
	s.mu.Lock()
	prior := s.current
	pending := s.dirty
	s.mu.Unlock()
	if pending {
		s.flush(ctx, prior)
	}

	s.mu.Lock()
	s.current = page
	s.draft = ""
	local := s.local
	s.mu.Unlock()
	if local != nil {
		_ = local.SetStoryPage(page)
	}
}

// NewPage appends a page at max+1, switches the cursor to it and returns
// its number. Page numbers are never reused.
func (s *StoryLog) NewPage(ctx context.Context) (int, error) {
	s.mu.Lock()
	next := firstPageNumber
	for n := range s.pages {
		if n >= next {
			next = n + 1
		}
	}
	s.mu.Unlock()

	if err := s.st.Set(ctx, storyPagePath(next), StoryPage{Text: ""}); err != nil {
		return 0, fmt.Errorf("create story page: %w", err)
	}
	s.SetCurrentPage(ctx, next)
	return next, nil
}

// AppendDictation adds a finalized transcript segment to the current text
// (space-joined) and fires scenery generation for the narrated moment.
// The generation is fire-and-forget: failures reach onTransient, never
// the caller.
func (s *StoryLog) AppendDictation(ctx context.Context, segment string) {
	segment = strings.TrimSpace(segment)
	if segment == "" {
		return
	}
	text := s.Text()
	if text == "" {
		text = segment
	} else {
		text = text + " " + segment
	}
	s.SetText(ctx, text)

	go s.generateScenery(ctx, text, segment)
}

func (s *StoryLog) generateScenery(ctx context.Context, pageText, event string) {
	if s.gen == nil || s.blobs == nil {
		return
	}
	image, err := s.gen.GenerateImage(ctx, ai.SceneryPrompt(pageText, event), "16:9")
	if err != nil {
		s.onTransient(err)
		return
	}
	now := time.Now().UnixMilli()
	handle, err := s.blobs.Put(ctx, fmt.Sprintf("scenery/%d.png", now), image)
	if err != nil {
		s.onTransient(fmt.Errorf("store scenery: %w", err))
		return
	}
	entry := SceneryEntry{ImageURL: handle.DownloadURL(), Timestamp: now}
	if err := s.st.Set(ctx, PathScenery, entry); err != nil {
		s.onTransient(fmt.Errorf("publish scenery: %w", err))
	}
}

// Close flushes a pending edit and cancels the subscription and timer.
func (s *StoryLog) Close(ctx context.Context) {
	s.mu.Lock()
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	page := s.current
	sub := s.sub
	s.sub = nil
	s.mu.Unlock()

	s.flush(ctx, page)
	if sub != nil {
		sub.Cancel()
	}
}

// Mentions returns the characters whose exact names appear in text as
// whole words, case-insensitively, deduplicated and ordered by the
// character list, not by position in the text.
func Mentions(text string, roster []RosterEntry) []string {
	var mentioned []string
	seen := make(map[string]struct{})
	for _, entry := range roster {
		name := entry.Character.Name
		if name == "" {
			continue
		}
		if _, ok := seen[name]; ok {
			continue
		}
		pattern, err := regexp.Compile(`(?i)\b` + regexp.QuoteMeta(name) + `\b`)
		if err != nil {
			continue
		}
		if pattern.MatchString(text) {
			seen[name] = struct{}{}
			mentioned = append(mentioned, name)
		}
	}
	return mentioned
}
