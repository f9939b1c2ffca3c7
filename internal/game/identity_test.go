package game

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
)

func newLookupServer(t *testing.T, ip string, status int) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(`{"ip":"` + ip + `"}`))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newLocalState(t *testing.T) *LocalState {
	t.Helper()
	ls, err := OpenLocalState(filepath.Join(t.TempDir(), "state.json"))
	if err != nil {
		t.Fatalf("open local state: %v", err)
	}
	return ls
}

func TestResolvePrefersPersistedID(t *testing.T) {
	tr := newTestTree(t)
	ls := newLocalState(t)
	if err := ls.SetPlayerID("9.9.9.9-123"); err != nil {
		t.Fatalf("seed: %v", err)
	}

	// No lookup server at all: a persisted id must short-circuit.
	r := NewResolver(ls, "http://127.0.0.1:0/unreachable")
	id, err := r.Resolve(context.Background(), tr)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if id != "9.9.9.9-123" {
		t.Fatalf("unexpected id: %q", id)
	}
}

func TestResolveMintsCompositeID(t *testing.T) {
	tr := newTestTree(t)
	ls := newLocalState(t)
	srv := newLookupServer(t, "203.0.113.7", http.StatusOK)

	r := NewResolver(ls, srv.URL)
	id, err := r.Resolve(context.Background(), tr)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if !strings.HasPrefix(id, "203.0.113.7-") {
		t.Fatalf("minted id missing address prefix: %q", id)
	}
	if ls.PlayerID() != id {
		t.Fatalf("minted id not persisted")
	}
}

func TestResolveAdoptsActiveRecordByPrefix(t *testing.T) {
	tr := newTestTree(t)
	ls := newLocalState(t)
	srv := newLookupServer(t, "203.0.113.7", http.StatusOK)

	// A prior visit left a composite-id record; local storage was lost.
	prior := "203.0.113.7-1690000000000"
	seedActivePlayer(t, tr, "203_0_113_7-1690000000000", prior, "Elara")

	r := NewResolver(ls, srv.URL)
	id, err := r.Resolve(context.Background(), tr)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if id != prior {
		t.Fatalf("expected adoption of %q, got %q", prior, id)
	}
	if ls.PlayerID() != prior {
		t.Fatalf("adopted id not persisted")
	}
}

func TestResolveAdoptsPendingRecordByPrefix(t *testing.T) {
	tr := newTestTree(t)
	ls := newLocalState(t)
	srv := newLookupServer(t, "203.0.113.7", http.StatusOK)

	prior := "203.0.113.7-1690000000001"
	record := PendingPlayer{IP: prior, Accepted: true}
	if err := tr.Set(context.Background(), pendingPlayerPath("203_0_113_7-1690000000001"), record); err != nil {
		t.Fatalf("seed pending: %v", err)
	}

	r := NewResolver(ls, srv.URL)
	id, err := r.Resolve(context.Background(), tr)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if id != prior {
		t.Fatalf("expected pending adoption of %q, got %q", prior, id)
	}
}

func TestResolveLookupFailureIsFatal(t *testing.T) {
	tr := newTestTree(t)
	ls := newLocalState(t)
	srv := newLookupServer(t, "", http.StatusInternalServerError)

	r := NewResolver(ls, srv.URL)
	if _, err := r.Resolve(context.Background(), tr); err == nil {
		t.Fatalf("expected fatal resolution error")
	}
	if ls.PlayerID() != "" {
		t.Fatalf("failed resolution must not persist an id")
	}
}

func TestLocalStateRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "state.json")
	ls, err := OpenLocalState(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := ls.SetPlayerID("1.1.1.1-42"); err != nil {
		t.Fatalf("set player: %v", err)
	}
	if err := ls.SetStoryPage(3); err != nil {
		t.Fatalf("set page: %v", err)
	}

	reloaded, err := OpenLocalState(path)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if reloaded.PlayerID() != "1.1.1.1-42" || reloaded.StoryPage() != 3 {
		t.Fatalf("state lost: %q page %d", reloaded.PlayerID(), reloaded.StoryPage())
	}
}
