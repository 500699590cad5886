package adapter

import (
	"encoding/json"
	"strings"
)

// RepairJSON coerces a raw payload into valid JSON deterministically: try the
// text as-is, then trimmed, then the first fenced ```json block, then the
// first balanced top-level object. The same input always yields the same
// (payload, level) pair; no heuristic mutation of the content is attempted.
func RepairJSON(raw string) (json.RawMessage, RepairLevel, bool) {
	if json.Valid([]byte(raw)) && strings.TrimSpace(raw) != "" {
		return json.RawMessage(raw), RepairNone, true
	}

	trimmed := strings.TrimSpace(raw)
	if trimmed != "" && json.Valid([]byte(trimmed)) {
		return json.RawMessage(trimmed), RepairDeterministicGeneric, true
	}

	if block := fencedJSONBlock(trimmed); block != "" && json.Valid([]byte(block)) {
		return json.RawMessage(block), RepairDeterministicGeneric, true
	}

	if obj := firstBalancedObject(trimmed); obj != "" && json.Valid([]byte(obj)) {
		return json.RawMessage(obj), RepairDeterministicGeneric, true
	}

	return nil, RepairNone, false
}

// fencedJSONBlock returns the contents of the first ```json fenced block.
func fencedJSONBlock(text string) string {
	const open = "```json"
	start := strings.Index(text, open)
	if start < 0 {
		return ""
	}
	rest := text[start+len(open):]
	end := strings.Index(rest, "```")
	if end < 0 {
		return ""
	}
	return strings.TrimSpace(rest[:end])
}

// firstBalancedObject returns the first balanced {...} span, tracking string
// literals and escapes so braces inside strings don't count.
func firstBalancedObject(text string) string {
	start := strings.IndexByte(text, '{')
	if start < 0 {
		return ""
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
		c := text[i]
		if escaped {
			escaped = false
			continue
		}
		switch c {
		case '\\':
			if inString {
				escaped = true
			}
		case '"':
			inString = !inString
		case '{':
			if !inString {
				depth++
			}
		case '}':
			if !inString {
				depth--
				if depth == 0 {
					return text[start : i+1]
				}
			}
		}
	}
	return ""
}
