package adapter

import (
	"strings"

	"gopkg.in/yaml.v3"

	v1 "github.com/skillrunner/skillrunner/pkg/api/v1"
)

const (
	askOpenTag  = "<ASK_USER_YAML>"
	askCloseTag = "</ASK_USER_YAML>"
)

// askUserYAML is the wire shape engines emit inside an ASK_USER_YAML block.
type askUserYAML struct {
	InteractionID         int      `yaml:"interaction_id"`
	Kind                  string   `yaml:"kind"`
	Prompt                string   `yaml:"prompt"`
	Context               string   `yaml:"context"`
	DefaultDecisionPolicy string   `yaml:"default_decision_policy"`
	RequiredFields        []string `yaml:"required_fields"`
	Options               []struct {
		ID          string `yaml:"id"`
		Label       string `yaml:"label"`
		Description string `yaml:"description"`
	} `yaml:"options"`
}

// ExtractAskUser scans assistant text for an ASK_USER_YAML block. Returns the
// parsed interaction and the text with the block stripped. A malformed block
// yields (nil, text, false).
func ExtractAskUser(text string) (*TurnInteraction, string, bool) {
	start := strings.Index(text, askOpenTag)
	if start < 0 {
		return nil, text, false
	}
	rest := text[start+len(askOpenTag):]
	end := strings.Index(rest, askCloseTag)
	if end < 0 {
		return nil, text, false
	}

	var raw askUserYAML
	if err := yaml.Unmarshal([]byte(rest[:end]), &raw); err != nil {
		return nil, text, false
	}
	if raw.InteractionID <= 0 || strings.TrimSpace(raw.Prompt) == "" {
		return nil, text, false
	}

	interaction := &TurnInteraction{
		InteractionID:         raw.InteractionID,
		Kind:                  raw.Kind,
		Prompt:                raw.Prompt,
		Context:               raw.Context,
		DefaultDecisionPolicy: raw.DefaultDecisionPolicy,
		RequiredFields:        raw.RequiredFields,
	}
	for _, o := range raw.Options {
		if strings.TrimSpace(o.Label) == "" {
			continue
		}
		interaction.Options = append(interaction.Options, v1.InteractionOption{
			ID: o.ID, Label: o.Label, Description: o.Description,
		})
	}

	cleaned := strings.TrimSpace(text[:start] + rest[end+len(askCloseTag):])
	return interaction, cleaned, true
}

// StripAskBlocks removes every ASK_USER_YAML block from text. Used by the
// event layer's assistant-message/prompt dedup rule.
func StripAskBlocks(text string) string {
	for {
		start := strings.Index(text, askOpenTag)
		if start < 0 {
			return strings.TrimSpace(text)
		}
		rest := text[start+len(askOpenTag):]
		end := strings.Index(rest, askCloseTag)
		if end < 0 {
			return strings.TrimSpace(text)
		}
		text = text[:start] + rest[end+len(askCloseTag):]
	}
}
