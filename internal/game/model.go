// Package game implements the shared-table logic: player lifecycle,
// token synchronization, the dice handshake, the narrative log and the
// DM assistant. Every component talks only to the store; clients never
// talk to each other.
package game

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"

	"fableboard/internal/store"
)

// Store path layout. Entity keys under these sections are sanitized ids.
const (
	PathActivePlayers  = "active_players"
	PathPendingPlayers = "pending_players"
	PathNPCs           = "npcs"
	PathMaps           = "maps"
	PathGameState      = "game_state"
	PathActiveMapID    = "game_state/activeMapId"
	PathDiceRoll       = "game_state/dice_roll"
	PathScenery        = "game_state/scenery"
	PathStoryPages     = "game_state/story_pages"
)

// StatBar is a current/max pair. current <= max is advisory: producers
// respect it, the store does not enforce it.
type StatBar struct {
	Current int `json:"current"`
	Max     int `json:"max"`
}

// Resource is an optional class-specific pool (mana, rage, focus).
type Resource struct {
	Name    string `json:"name"`
	Current int    `json:"current"`
	Max     int    `json:"max"`
}

type Experience struct {
	Current   int `json:"current"`
	NextLevel int `json:"nextLevel"`
}

type Stats struct {
	Strength     int `json:"strength"`
	Intelligence int `json:"intelligence"`
	Charisma     int `json:"charisma"`
}

type Skill struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

type Item struct {
	Name     string `json:"name"`
	Quantity int    `json:"quantity"`
}

// Character is the full sheet for a player or NPC.
type Character struct {
	Name              string     `json:"name"`
	Race              string     `json:"race"`
	Class             string     `json:"class"`
	Age               int        `json:"age"`
	Level             int        `json:"level"`
	Health            StatBar    `json:"health"`
	Stamina           StatBar    `json:"stamina"`
	Resource          *Resource  `json:"resource,omitempty"`
	Experience        Experience `json:"experience"`
	Stats             Stats      `json:"stats"`
	Skills            []Skill    `json:"skills"`
	PersonalityTraits []string   `json:"personalityTraits"`
	Fears             string     `json:"fears"`
	Backstory         string     `json:"backstory"`
	Inventory         []Item     `json:"inventory"`
	AvatarURL         string     `json:"avatarUrl,omitempty"`
}

// PendingPlayer exists between first contact and a finalized sheet.
// IP holds the raw (unsanitized) player identifier.
type PendingPlayer struct {
	IP        string `json:"ip"`
	Accepted  bool   `json:"accepted"`
	Backstory string `json:"backstory,omitempty"`
}

// ActivePlayer is a finalized, in-game player record. Mutually exclusive
// with a PendingPlayer under the same key.
type ActivePlayer struct {
	ID            string    `json:"id"`
	CharacterData Character `json:"character_data"`
}

// NPC is a DM-managed character with no lifecycle states.
type NPC struct {
	CharacterData Character `json:"character_data"`
}

// TokenData is one marker on a map. Coordinates are pixels measured from
// the bottom-left of the map image.
type TokenData struct {
	X       float64 `json:"x"`
	Y       float64 `json:"y"`
	Visible bool    `json:"visible"`
}

// MapData is one battle map and its tokens.
type MapData struct {
	ID          string               `json:"id"`
	Name        string               `json:"name"`
	ImageURL    string               `json:"imageUrl"`
	StoragePath string               `json:"storagePath"`
	ImageWidth  float64              `json:"imageWidth"`
	ImageHeight float64              `json:"imageHeight"`
	TokenSize   float64              `json:"tokenSize"`
	Tokens      map[string]TokenData `json:"tokens,omitempty"`
}

// DiceRoll is the shared roll record, mutated in place through the
// handshake. Result is nil while a roll is in flight. An empty
// PermissionHolder means nobody holds the grant.
type DiceRoll struct {
	IsRolling        bool   `json:"isRolling"`
	RollerName       string `json:"rollerName"`
	Timestamp        int64  `json:"timestamp"`
	Result           *int   `json:"result"`
	PermissionHolder string `json:"permissionHolder"`
}

type SceneryEntry struct {
	ImageURL  string `json:"imageUrl"`
	Timestamp int64  `json:"timestamp"`
}

type StoryPage struct {
	Text string `json:"text"`
}

// Generator is the generative collaborator as the game consumes it.
// Implemented by ai.Client.
type Generator interface {
	Available() bool
	GenerateCharacterSheet(ctx context.Context, backstory string) (json.RawMessage, error)
	GenerateUpdates(ctx context.Context, instruction string, characters []string) (json.RawMessage, error)
	GenerateImage(ctx context.Context, prompt, aspect string) ([]byte, error)
}

func pendingPlayerPath(key string) string {
	return store.Join(PathPendingPlayers, key)
}

func activePlayerPath(key string) string {
	return store.Join(PathActivePlayers, key)
}

func npcPath(key string) string {
	return store.Join(PathNPCs, key)
}

func mapPath(id string) string {
	return store.Join(PathMaps, id)
}

func tokenPath(mapID, key string) string {
	return store.Join(PathMaps, mapID, "tokens", key)
}

func storyPagePath(page int) string {
	return store.Join(PathStoryPages, strconv.Itoa(page))
}

// RosterEntry is one character currently known to the table, addressable
// through the base path of its character_data record.
type RosterEntry struct {
	Key       string
	Path      string
	IsNPC     bool
	Character Character
}

// LoadRoster returns active players then NPCs, each in sorted key order.
func LoadRoster(ctx context.Context, st store.Store) ([]RosterEntry, error) {
	var players map[string]ActivePlayer
	if err := st.Get(ctx, PathActivePlayers, &players); err != nil {
		return nil, fmt.Errorf("load active players: %w", err)
	}
	var npcs map[string]NPC
	if err := st.Get(ctx, PathNPCs, &npcs); err != nil {
		return nil, fmt.Errorf("load npcs: %w", err)
	}

	roster := make([]RosterEntry, 0, len(players)+len(npcs))
	for _, key := range sortedKeys(players) {
		roster = append(roster, RosterEntry{
			Key:       key,
			Path:      store.Join(activePlayerPath(key), "character_data"),
			Character: players[key].CharacterData,
		})
	}
	for _, key := range sortedKeys(npcs) {
		roster = append(roster, RosterEntry{
			Key:       key,
			Path:      store.Join(npcPath(key), "character_data"),
			IsNPC:     true,
			Character: npcs[key].CharacterData,
		})
	}
	return roster, nil
}

// VisibleRoster returns all active players plus only the NPCs whose token
// on the active map exists and is visible. This is the roster the DM
// assistant works against.
func VisibleRoster(ctx context.Context, st store.Store) ([]RosterEntry, error) {
	roster, err := LoadRoster(ctx, st)
	if err != nil {
		return nil, err
	}
	var activeMapID string
	if err := st.Get(ctx, PathActiveMapID, &activeMapID); err != nil {
		return nil, fmt.Errorf("load active map id: %w", err)
	}
	var tokens map[string]TokenData
	if activeMapID != "" {
		if err := st.Get(ctx, store.Join(mapPath(activeMapID), "tokens"), &tokens); err != nil {
			return nil, fmt.Errorf("load tokens: %w", err)
		}
	}

	visible := roster[:0]
	for _, entry := range roster {
		if entry.IsNPC {
			token, ok := tokens[entry.Key]
			if !ok || !token.Visible {
				continue
			}
		}
		visible = append(visible, entry)
	}
	return visible, nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
