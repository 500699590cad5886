package adapter

import (
	"encoding/json"
	"strings"
)

// resultFromMessages derives the canonical TurnResult from the extracted
// assistant messages: an ASK_USER_YAML block in the last message yields
// ask_user; otherwise the last message is repaired into final_data, falling
// back to a raw-message envelope when it is not JSON at all.
func resultFromMessages(parsed *ParseResult, stderr string) *TurnResult {
	if len(parsed.AssistantMessages) == 0 {
		return &TurnResult{
			Outcome:       OutcomeError,
			FailureReason: "ADAPTER_TURN_ERROR",
			RepairLevel:   RepairNone,
			Stderr:        stderr,
		}
	}

	last := parsed.AssistantMessages[len(parsed.AssistantMessages)-1].Text
	if interaction, _, ok := ExtractAskUser(last); ok {
		return &TurnResult{
			Outcome:     OutcomeAskUser,
			Interaction: interaction,
			RepairLevel: RepairNone,
			Stderr:      stderr,
		}
	}

	payload, level, ok := RepairJSON(last)
	if ok {
		var data map[string]interface{}
		if err := json.Unmarshal(payload, &data); err == nil {
			return &TurnResult{
				Outcome:     OutcomeFinal,
				FinalData:   data,
				RepairLevel: level,
				Stderr:      stderr,
			}
		}
	}

	// Not an object at any repair level: keep the raw text.
	parsed.Diagnostics = appendUnique(parsed.Diagnostics, DiagUnparsedFellBackToRaw)
	return &TurnResult{
		Outcome:     OutcomeFinal,
		FinalData:   map[string]interface{}{"message": last},
		RepairLevel: RepairNone,
		Stderr:      stderr,
	}
}

// jsonLines splits text into trimmed non-empty lines, keeping every row for
// RawRows bookkeeping.
func jsonLines(text string) []string {
	var rows []string
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			rows = append(rows, line)
		}
	}
	return rows
}

// lastJSONDocument returns the last complete top-level JSON object in text.
func lastJSONDocument(text string) string {
	last := ""
	for i := 0; i < len(text); {
		idx := strings.IndexByte(text[i:], '{')
		if idx < 0 {
			break
		}
		candidate := firstBalancedObject(text[i+idx:])
		if candidate != "" && json.Valid([]byte(candidate)) {
			last = candidate
			i += idx + len(candidate)
			continue
		}
		i += idx + 1
	}
	return last
}
