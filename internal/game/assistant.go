package game

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"fableboard/internal/ai"
	"fableboard/internal/blob"
	"fableboard/internal/store"
)

// NoEffectSummary is returned when the collaborator's answer produced no
// staged write. It is a result, not an error.
const NoEffectSummary = "The command had no effect."

// Assistant turns one free-form DM instruction into a batch of targeted
// field updates applied atomically across character records.
type Assistant struct {
	st    store.Store
	gen   Generator
	blobs blob.Store
}

func NewAssistant(st store.Store, gen Generator, blobs blob.Store) *Assistant {
	return &Assistant{st: st, gen: gen, blobs: blobs}
}

// Execute sends the instruction plus the visible roster to the
// collaborator and applies every resulting partial update in a single
// atomic multi-path write. Entries naming unknown characters are silently
// skipped. Returns a human-readable summary.
func (a *Assistant) Execute(ctx context.Context, instruction string, roster []RosterEntry) (string, error) {
	if !a.gen.Available() {
		return "", ai.ErrUnavailable
	}

	names := make([]string, len(roster))
	byName := make(map[string]RosterEntry, len(roster))
	for i, entry := range roster {
		names[i] = entry.Character.Name
		byName[entry.Character.Name] = entry
	}

	raw, err := a.gen.GenerateUpdates(ctx, instruction, names)
	if err != nil {
		return "", err
	}
	var entries []map[string]json.RawMessage
	if err := json.Unmarshal(raw, &entries); err != nil {
		return "", fmt.Errorf("decode assistant updates: %w", err)
	}

	staged := make(map[string]any)
	var summaries []string
	seen := make(map[string]struct{})
	addSummary := func(line string) {
		if _, ok := seen[line]; ok {
			return
		}
		seen[line] = struct{}{}
		summaries = append(summaries, line)
	}

	for _, entry := range entries {
		var name string
		if rawName, ok := entry["playerName"]; ok {
			_ = json.Unmarshal(rawName, &name)
		}
		target, ok := byName[name]
		if !ok {
			continue
		}

		// Avatar refinement stages its write before the entry's field
		// updates; everything still lands in the same batch.
		if rawPrompt, ok := entry["avatarPrompt"]; ok {
			var prompt string
			_ = json.Unmarshal(rawPrompt, &prompt)
			if prompt != "" {
				url, err := a.refineAvatar(ctx, target, prompt)
				if err != nil {
					return "", err
				}
				staged[store.Join(target.Path, "avatarUrl")] = url
				addSummary(fmt.Sprintf("Refined %s's avatar", name))
			}
		}

		wrote := false
		for field, rawValue := range entry {
			if field == "playerName" || field == "avatarPrompt" {
				continue
			}
			var value any
			if err := json.Unmarshal(rawValue, &value); err != nil {
				return "", fmt.Errorf("decode field %q: %w", field, err)
			}
			if value == nil {
				continue
			}
			// Object fields merge per sub-field present; scalars and
			// lists overwrite the whole field.
			if nested, ok := value.(map[string]any); ok {
				for sub, subValue := range nested {
					staged[store.Join(target.Path, field, sub)] = subValue
					wrote = true
				}
				continue
			}
			staged[store.Join(target.Path, field)] = value
			wrote = true
		}
		if wrote {
			addSummary(fmt.Sprintf("Updated %s", name))
		}
	}

	if len(staged) == 0 {
		return NoEffectSummary, nil
	}
	if err := a.st.Update(ctx, staged); err != nil {
		return "", fmt.Errorf("apply assistant updates: %w", err)
	}
	return strings.Join(summaries, ". "), nil
}

func (a *Assistant) refineAvatar(ctx context.Context, target RosterEntry, prompt string) (string, error) {
	ch := target.Character
	full := fmt.Sprintf("%s %s", ai.PortraitPrompt(ch.Name, ch.Race, ch.Class, ch.Backstory), prompt)
	image, err := a.gen.GenerateImage(ctx, full, "3:4")
	if err != nil {
		return "", err
	}
	name := fmt.Sprintf("avatars/%s-%d.png", target.Key, time.Now().UnixMilli())
	handle, err := a.blobs.Put(ctx, name, image)
	if err != nil {
		return "", fmt.Errorf("store refined avatar: %w", err)
	}
	return handle.DownloadURL(), nil
}
