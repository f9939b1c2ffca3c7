package game

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"fableboard/internal/ai"
	"fableboard/internal/blob"
	"fableboard/internal/store"
)

// DM bundles the Dungeon Master's mutations: player approval and
// finalization, NPC management and map management. Everything here is a
// straight store write; the game components above only react.
type DM struct {
	st    store.Store
	gen   Generator
	blobs blob.Store
}

func NewDM(st store.Store, gen Generator, blobs blob.Store) *DM {
	return &DM{st: st, gen: gen, blobs: blobs}
}

// ApprovePlayer flips the pending record to accepted, moving the player
// to the backstory step.
func (d *DM) ApprovePlayer(ctx context.Context, key string) error {
	path := store.Join(pendingPlayerPath(key), "accepted")
	if err := d.st.Set(ctx, path, true); err != nil {
		return fmt.Errorf("approve player: %w", err)
	}
	return nil
}

// RejectPlayer removes a pending player.
func (d *DM) RejectPlayer(ctx context.Context, key string) error {
	if err := d.st.Remove(ctx, pendingPlayerPath(key)); err != nil {
		return fmt.Errorf("reject player: %w", err)
	}
	return nil
}

// RemovePlayer deletes an active player. Token cleanup on the active map
// follows from the synchronizer.
func (d *DM) RemovePlayer(ctx context.Context, key string) error {
	if err := d.st.Remove(ctx, activePlayerPath(key)); err != nil {
		return fmt.Errorf("remove player: %w", err)
	}
	return nil
}

// FinalizeCharacter installs ch as the player's active record and deletes
// the pending record in the same batch, so no client can observe a state
// with neither record.
func (d *DM) FinalizeCharacter(ctx context.Context, key string, ch Character) error {
	var pending *PendingPlayer
	if err := d.st.Get(ctx, pendingPlayerPath(key), &pending); err != nil {
		return fmt.Errorf("load pending record: %w", err)
	}
	if pending == nil {
		return fmt.Errorf("no pending record for %q", key)
	}
	err := d.st.Update(ctx, map[string]any{
		pendingPlayerPath(key): nil,
		activePlayerPath(key):  ActivePlayer{ID: pending.IP, CharacterData: ch},
	})
	if err != nil {
		return fmt.Errorf("finalize character: %w", err)
	}
	return nil
}

// GenerateCharacter asks the collaborator for a full sheet from the
// player's submitted backstory and a matching portrait, then finalizes.
func (d *DM) GenerateCharacter(ctx context.Context, key string) error {
	var pending *PendingPlayer
	if err := d.st.Get(ctx, pendingPlayerPath(key), &pending); err != nil {
		return fmt.Errorf("load pending record: %w", err)
	}
	if pending == nil {
		return fmt.Errorf("no pending record for %q", key)
	}
	if pending.Backstory == "" {
		return fmt.Errorf("player %q has no backstory yet", key)
	}

	raw, err := d.gen.GenerateCharacterSheet(ctx, pending.Backstory)
	if err != nil {
		return err
	}
	var ch Character
	if err := json.Unmarshal(raw, &ch); err != nil {
		return fmt.Errorf("decode character sheet: %w", err)
	}

	portrait, err := d.gen.GenerateImage(ctx, ai.PortraitPrompt(ch.Name, ch.Race, ch.Class, ch.Backstory), "3:4")
	if err != nil {
		return err
	}
	name := fmt.Sprintf("avatars/%s-%d.png", key, time.Now().UnixMilli())
	handle, err := d.blobs.Put(ctx, name, portrait)
	if err != nil {
		return fmt.Errorf("store portrait: %w", err)
	}
	ch.AvatarURL = handle.DownloadURL()

	return d.FinalizeCharacter(ctx, key, ch)
}

// CreateNPC adds a DM-managed character under a generated id and returns
// the id.
func (d *DM) CreateNPC(ctx context.Context, ch Character) (string, error) {
	id := store.SanitizeKey(uuid.New().String())
	if err := d.st.Set(ctx, npcPath(id), NPC{CharacterData: ch}); err != nil {
		return "", fmt.Errorf("create npc: %w", err)
	}
	return id, nil
}

// RemoveNPC deletes an NPC record.
func (d *DM) RemoveNPC(ctx context.Context, id string) error {
	if err := d.st.Remove(ctx, npcPath(id)); err != nil {
		return fmt.Errorf("remove npc: %w", err)
	}
	return nil
}

// CreateMap stores the image bytes and creates the map record. Pixel
// dimensions come from the caller, which decoded the image.
func (d *DM) CreateMap(ctx context.Context, name string, image []byte, width, height float64) (MapData, error) {
	id := uuid.New().String()
	storagePath := fmt.Sprintf("maps/%s.png", id)
	handle, err := d.blobs.Put(ctx, storagePath, image)
	if err != nil {
		return MapData{}, fmt.Errorf("store map image: %w", err)
	}
	m := MapData{
		ID:          id,
		Name:        name,
		ImageURL:    handle.DownloadURL(),
		StoragePath: storagePath,
		ImageWidth:  width,
		ImageHeight: height,
		TokenSize:   1,
	}
	if err := d.st.Set(ctx, mapPath(id), m); err != nil {
		return MapData{}, fmt.Errorf("create map record: %w", err)
	}
	return m, nil
}

// GenerateMap asks the image model for a battle map and installs it.
func (d *DM) GenerateMap(ctx context.Context, name, description string, width, height float64) (MapData, error) {
	image, err := d.gen.GenerateImage(ctx, ai.MapPrompt(description), "16:9")
	if err != nil {
		return MapData{}, err
	}
	return d.CreateMap(ctx, name, image, width, height)
}

// DeleteMap removes the record (clearing the active map pointer when it
// points here) and then deletes the backing image blob.
func (d *DM) DeleteMap(ctx context.Context, id string) error {
	var m *MapData
	if err := d.st.Get(ctx, mapPath(id), &m); err != nil {
		return fmt.Errorf("load map: %w", err)
	}
	if m == nil {
		return fmt.Errorf("no map %q", id)
	}
	var activeID string
	if err := d.st.Get(ctx, PathActiveMapID, &activeID); err != nil {
		return fmt.Errorf("load active map id: %w", err)
	}
	updates := map[string]any{mapPath(id): nil}
	if activeID == id {
		updates[PathActiveMapID] = nil
	}
	if err := d.st.Update(ctx, updates); err != nil {
		return fmt.Errorf("delete map record: %w", err)
	}
	if m.StoragePath != "" {
		if err := d.blobs.Delete(ctx, m.StoragePath); err != nil {
			return fmt.Errorf("delete map image: %w", err)
		}
	}
	return nil
}

// SetActiveMap switches every client to the given map.
func (d *DM) SetActiveMap(ctx context.Context, id string) error {
	if err := d.st.Set(ctx, PathActiveMapID, id); err != nil {
		return fmt.Errorf("set active map: %w", err)
	}
	return nil
}

// SetTokenSize adjusts the map's token scale multiplier.
func (d *DM) SetTokenSize(ctx context.Context, mapID string, size float64) error {
	if err := d.st.Set(ctx, store.Join(mapPath(mapID), "tokenSize"), size); err != nil {
		return fmt.Errorf("set token size: %w", err)
	}
	return nil
}

// SetTokenVisibility toggles a single token. Visibility is independent of
// roster membership; the synchronizer never touches it.
func (d *DM) SetTokenVisibility(ctx context.Context, mapID, key string, visible bool) error {
	if err := d.st.Set(ctx, store.Join(tokenPath(mapID, key), "visible"), visible); err != nil {
		return fmt.Errorf("set token visibility: %w", err)
	}
	return nil
}
