package game

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"fableboard/internal/store"
)

const defaultAddressLookupURL = "https://api.ipify.org?format=json"

// LocalState is the per-client persisted scratchpad (the localStorage
// analog): the player identifier and the narrative page cursor. Nothing
// in it is shared.
type LocalState struct {
	path string

	mu   sync.Mutex
	data localStateData
}

type localStateData struct {
	PlayerID  string `json:"playerId,omitempty"`
	StoryPage int    `json:"storyPage,omitempty"`
}

// OpenLocalState loads (or initializes) the state file at path.
func OpenLocalState(path string) (*LocalState, error) {
	ls := &LocalState{path: path}
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return ls, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read local state: %w", err)
	}
	if err := json.Unmarshal(raw, &ls.data); err != nil {
		return nil, fmt.Errorf("decode local state: %w", err)
	}
	return ls, nil
}

func (ls *LocalState) PlayerID() string {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	return ls.data.PlayerID
}

func (ls *LocalState) SetPlayerID(id string) error {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	ls.data.PlayerID = id
	return ls.saveLocked()
}

func (ls *LocalState) StoryPage() int {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	return ls.data.StoryPage
}

func (ls *LocalState) SetStoryPage(page int) error {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	ls.data.StoryPage = page
	return ls.saveLocked()
}

func (ls *LocalState) saveLocked() error {
	raw, err := json.Marshal(ls.data)
	if err != nil {
		return fmt.Errorf("encode local state: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(ls.path), 0o755); err != nil {
		return fmt.Errorf("ensure state directory: %w", err)
	}
	if err := os.WriteFile(ls.path, raw, 0o644); err != nil {
		return fmt.Errorf("write local state: %w", err)
	}
	return nil
}

// Resolver derives a stable player identifier for this client. The
// identifier is not an authentication credential; the address-prefix
// adoption below is a heuristic for surviving local state loss.
type Resolver struct {
	local     *LocalState
	client    *http.Client
	lookupURL string
}

// NewResolver builds a Resolver against the public address-lookup
// endpoint. lookupURL overrides the default when non-empty.
func NewResolver(local *LocalState, lookupURL string) *Resolver {
	if lookupURL == "" {
		lookupURL = defaultAddressLookupURL
	}
	return &Resolver{
		local:     local,
		client:    &http.Client{Timeout: 10 * time.Second},
		lookupURL: lookupURL,
	}
}

// Resolve returns the player identifier, minting and persisting one if
// needed. A failed address lookup is fatal: callers transition to the
// terminal error state, there is no retry.
func (r *Resolver) Resolve(ctx context.Context, st store.Store) (string, error) {
	if id := r.local.PlayerID(); id != "" {
		return id, nil
	}

	address, err := r.lookupAddress(ctx)
	if err != nil {
		return "", fmt.Errorf("resolve player identity: %w", err)
	}

	// The persisted record may carry a composite id minted on an earlier
	// visit; the address is its prefix. Active records first, then
	// pending, first match in sorted key order wins.
	if adopted, ok, err := r.adoptExisting(ctx, st, address); err != nil {
		return "", err
	} else if ok {
		if err := r.local.SetPlayerID(adopted); err != nil {
			return "", err
		}
		return adopted, nil
	}

	minted := address + "-" + strconv.FormatInt(time.Now().UnixMilli(), 10)
	if err := r.local.SetPlayerID(minted); err != nil {
		return "", err
	}
	return minted, nil
}

func (r *Resolver) adoptExisting(ctx context.Context, st store.Store, address string) (string, bool, error) {
	var active map[string]ActivePlayer
	if err := st.Get(ctx, PathActivePlayers, &active); err != nil {
		return "", false, fmt.Errorf("scan active players: %w", err)
	}
	for _, key := range sortedKeys(active) {
		if strings.HasPrefix(active[key].ID, address) {
			return active[key].ID, true, nil
		}
	}

	var pending map[string]PendingPlayer
	if err := st.Get(ctx, PathPendingPlayers, &pending); err != nil {
		return "", false, fmt.Errorf("scan pending players: %w", err)
	}
	for _, key := range sortedKeys(pending) {
		if strings.HasPrefix(pending[key].IP, address) {
			return pending[key].IP, true, nil
		}
	}
	return "", false, nil
}

func (r *Resolver) lookupAddress(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.lookupURL, nil)
	if err != nil {
		return "", err
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("address lookup: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("address lookup: status %d", resp.StatusCode)
	}
	var payload struct {
		IP string `json:"ip"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return "", fmt.Errorf("address lookup: %w", err)
	}
	if payload.IP == "" {
		return "", fmt.Errorf("address lookup: empty address")
	}
	return payload.IP, nil
}
