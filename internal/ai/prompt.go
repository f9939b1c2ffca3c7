package ai

import (
	"fmt"
	"strings"

	"github.com/google/generative-ai-go/genai"
)

func characterSheetPrompt(backstory string) string {
	return fmt.Sprintf(`You are the keeper of character sheets for a fantasy tabletop campaign.
Create a complete level 1 character from the backstory below. Choose a fitting
name, race and class, keep current values at or below their maximums, and invent
three skills, a few personality traits, a fear, and starting inventory that all
follow from the backstory.

Backstory:
%s`, backstory)
}

func assistantPrompt(instruction string, characters []string) string {
	return fmt.Sprintf(`You are the Dungeon Master's assistant. The characters currently in play are: %s.
Apply the instruction below by producing a list of updates. Each update names exactly one
of the characters above in playerName and includes only the fields that change. If the
instruction asks for a new look or portrait, describe it in avatarPrompt. If the
instruction affects nobody, return an empty list.

Instruction:
%s`, strings.Join(characters, ", "), instruction)
}

// PortraitPrompt describes a character portrait for the image model.
func PortraitPrompt(name, race, class, backstory string) string {
	return fmt.Sprintf("A painted fantasy portrait of %s, a %s %s. %s Head and shoulders, dramatic lighting, no text.",
		name, race, class, backstory)
}

// SceneryPrompt turns the current page text and the latest narrated event
// into a scene illustration request.
func SceneryPrompt(pageText, event string) string {
	return fmt.Sprintf(`A wide atmospheric fantasy landscape illustrating the current scene of a tabletop campaign.
The story so far on this page: %s
The moment to depict: %s
No text, no characters in close-up, painterly style.`, pageText, event)
}

// MapPrompt describes a top-down battle map for the image model.
func MapPrompt(description string) string {
	return fmt.Sprintf("A top-down fantasy battle map, hand-drawn parchment style, gridless, no labels or text. The terrain: %s", description)
}

var statBarSchema = &genai.Schema{
	Type: genai.TypeObject,
	Properties: map[string]*genai.Schema{
		"current": {Type: genai.TypeInteger},
		"max":     {Type: genai.TypeInteger},
	},
	Required: []string{"current", "max"},
}

var characterSchema = &genai.Schema{
	Type: genai.TypeObject,
	Properties: map[string]*genai.Schema{
		"name":    {Type: genai.TypeString},
		"race":    {Type: genai.TypeString},
		"class":   {Type: genai.TypeString},
		"age":     {Type: genai.TypeInteger},
		"level":   {Type: genai.TypeInteger},
		"health":  statBarSchema,
		"stamina": statBarSchema,
		"resource": {
			Type: genai.TypeObject,
			Properties: map[string]*genai.Schema{
				"name":    {Type: genai.TypeString},
				"current": {Type: genai.TypeInteger},
				"max":     {Type: genai.TypeInteger},
			},
			Required: []string{"name", "current", "max"},
			Nullable: true,
		},
		"experience": {
			Type: genai.TypeObject,
			Properties: map[string]*genai.Schema{
				"current":   {Type: genai.TypeInteger},
				"nextLevel": {Type: genai.TypeInteger},
			},
			Required: []string{"current", "nextLevel"},
		},
		"stats": {
			Type: genai.TypeObject,
			Properties: map[string]*genai.Schema{
				"strength":     {Type: genai.TypeInteger},
				"intelligence": {Type: genai.TypeInteger},
				"charisma":     {Type: genai.TypeInteger},
			},
			Required: []string{"strength", "intelligence", "charisma"},
		},
		"skills": {
			Type: genai.TypeArray,
			Items: &genai.Schema{
				Type: genai.TypeObject,
				Properties: map[string]*genai.Schema{
					"name":        {Type: genai.TypeString},
					"description": {Type: genai.TypeString},
				},
				Required: []string{"name", "description"},
			},
		},
		"personalityTraits": {Type: genai.TypeArray, Items: &genai.Schema{Type: genai.TypeString}},
		"fears":             {Type: genai.TypeString},
		"backstory":         {Type: genai.TypeString},
		"inventory": {
			Type: genai.TypeArray,
			Items: &genai.Schema{
				Type: genai.TypeObject,
				Properties: map[string]*genai.Schema{
					"name":     {Type: genai.TypeString},
					"quantity": {Type: genai.TypeInteger},
				},
				Required: []string{"name", "quantity"},
			},
		},
	},
	Required: []string{
		"name", "race", "class", "age", "level", "health", "stamina",
		"experience", "stats", "skills", "personalityTraits", "fears",
		"backstory", "inventory",
	},
}

var assistantSchema = &genai.Schema{
	Type: genai.TypeArray,
	Items: &genai.Schema{
		Type: genai.TypeObject,
		Properties: map[string]*genai.Schema{
			"playerName":   {Type: genai.TypeString},
			"avatarPrompt": {Type: genai.TypeString},
			"name":         {Type: genai.TypeString},
			"race":         {Type: genai.TypeString},
			"class":        {Type: genai.TypeString},
			"age":          {Type: genai.TypeInteger},
			"level":        {Type: genai.TypeInteger},
			"health":       statBarSchema,
			"stamina":      statBarSchema,
			"experience": {
				Type: genai.TypeObject,
				Properties: map[string]*genai.Schema{
					"current":   {Type: genai.TypeInteger},
					"nextLevel": {Type: genai.TypeInteger},
				},
			},
			"stats": {
				Type: genai.TypeObject,
				Properties: map[string]*genai.Schema{
					"strength":     {Type: genai.TypeInteger},
					"intelligence": {Type: genai.TypeInteger},
					"charisma":     {Type: genai.TypeInteger},
				},
			},
			"fears":     {Type: genai.TypeString},
			"backstory": {Type: genai.TypeString},
		},
		Required: []string{"playerName"},
	},
}
