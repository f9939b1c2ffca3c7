// Package ai wraps the generative collaborator: schema-constrained JSON
// generation for character work and raw image generation for portraits,
// scenery and maps. Availability is decided once, from the presence of an
// API key; when absent every call fails fast before any network I/O.
package ai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"
)

const (
	textModelName  = "gemini-2.5-flash"
	imageModelName = "gemini-2.0-flash-preview-image-generation"
)

// ErrUnavailable is returned when no API credential was configured.
var ErrUnavailable = errors.New("the generative service is not configured")

// Client talks to the generative models. The zero-key client is valid and
// permanently unavailable.
type Client struct {
	genai *genai.Client
}

// New builds a Client. An empty apiKey yields a disabled client rather
// than an error so callers can gate features on Available.
func New(ctx context.Context, apiKey string) (*Client, error) {
	if apiKey == "" {
		return &Client{}, nil
	}
	gc, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("create generative client: %w", err)
	}
	return &Client{genai: gc}, nil
}

// Available reports whether AI-backed actions can be attempted at all.
func (c *Client) Available() bool {
	return c != nil && c.genai != nil
}

// Close releases the underlying connection.
func (c *Client) Close() error {
	if c.genai != nil {
		return c.genai.Close()
	}
	return nil
}

// generateJSON runs prompt against the text model constrained to schema
// and returns the raw JSON string produced.
func (c *Client) generateJSON(ctx context.Context, prompt string, schema *genai.Schema) (json.RawMessage, error) {
	if !c.Available() {
		return nil, ErrUnavailable
	}
	model := c.genai.GenerativeModel(textModelName)
	model.ResponseMIMEType = "application/json"
	model.ResponseSchema = schema

	resp, err := model.GenerateContent(ctx, genai.Text(prompt))
	if err != nil {
		return nil, musesSilent(err)
	}
	text := responseText(resp)
	if text == "" {
		return nil, musesSilent(errors.New("empty response"))
	}
	if !json.Valid([]byte(text)) {
		return nil, musesSilent(fmt.Errorf("malformed JSON: %.80s", text))
	}
	return json.RawMessage(text), nil
}

// GenerateCharacterSheet produces a full character record for an approved
// player from their backstory. The model picks the character's name.
func (c *Client) GenerateCharacterSheet(ctx context.Context, backstory string) (json.RawMessage, error) {
	return c.generateJSON(ctx, characterSheetPrompt(backstory), characterSchema)
}

// GenerateUpdates turns one free-form DM instruction into a list of
// partial per-character updates. characters names the records the model
// may target.
func (c *Client) GenerateUpdates(ctx context.Context, instruction string, characters []string) (json.RawMessage, error) {
	return c.generateJSON(ctx, assistantPrompt(instruction, characters), assistantSchema)
}

// GenerateImage returns raw image bytes for prompt. aspect is a ratio
// hint such as "3:4" or "16:9"; the image model takes it from the prompt
// text, so it is folded in here.
func (c *Client) GenerateImage(ctx context.Context, prompt, aspect string) ([]byte, error) {
	if !c.Available() {
		return nil, ErrUnavailable
	}
	if aspect != "" {
		prompt = fmt.Sprintf("%s Render a single image with a %s aspect ratio.", prompt, aspect)
	}
	model := c.genai.GenerativeModel(imageModelName)
	resp, err := model.GenerateContent(ctx, genai.Text(prompt))
	if err != nil {
		return nil, musesSilent(err)
	}
	data := responseImage(resp)
	if len(data) == 0 {
		return nil, musesSilent(errors.New("no image in response"))
	}
	return data, nil
}

func musesSilent(err error) error {
	return fmt.Errorf("the muses are silent: %w", err)
}

func responseText(resp *genai.GenerateContentResponse) string {
	var text string
	if resp != nil && len(resp.Candidates) > 0 && resp.Candidates[0].Content != nil {
		for _, part := range resp.Candidates[0].Content.Parts {
			if txt, ok := part.(genai.Text); ok {
				text += string(txt)
			}
		}
	}
	return text
}

func responseImage(resp *genai.GenerateContentResponse) []byte {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return nil
	}
	for _, part := range resp.Candidates[0].Content.Parts {
		if blob, ok := part.(genai.Blob); ok && len(blob.Data) > 0 {
			return blob.Data
		}
	}
	return nil
}
