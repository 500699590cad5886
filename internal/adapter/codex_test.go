package adapter

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCodexParserHappyPath(t *testing.T) {
	stdout := strings.Join([]string{
		`{"thread_id":"thr_abc"}`,
		`{"type":"turn.started"}`,
		`{"type":"item.completed","item":{"type":"reasoning","text":"thinking"}}`,
		`{"type":"item.completed","item":{"type":"agent_message","text":"{\"message\":\"ok\"}"}}`,
		`{"type":"turn.completed"}`,
	}, "\n")

	parser := &codexParser{}
	result, parsed := parser.Parse(&CapturedOutput{Stdout: stdout})

	require.Len(t, parsed.AssistantMessages, 1)
	assert.Equal(t, OutcomeFinal, result.Outcome)
	assert.Equal(t, map[string]interface{}{"message": "ok"}, result.FinalData)
	assert.Equal(t, RepairNone, result.RepairLevel)
	assert.Contains(t, parsed.StructuredTypes, "turn.completed")
	assert.GreaterOrEqual(t, parsed.Confidence, 0.9)
}

func TestCodexParserSlicesToLatestTurn(t *testing.T) {
	stdout := strings.Join([]string{
		`{"type":"turn.started"}`,
		`{"type":"item.completed","item":{"type":"agent_message","text":"old turn"}}`,
		`{"type":"turn.completed"}`,
		`{"type":"turn.started"}`,
		`{"type":"item.completed","item":{"type":"agent_message","text":"{\"v\":2}"}}`,
		`{"type":"turn.completed"}`,
	}, "\n")

	_, parsed := (&codexParser{}).Parse(&CapturedOutput{Stdout: stdout})
	require.Len(t, parsed.AssistantMessages, 1)
	assert.Equal(t, `{"v":2}`, parsed.AssistantMessages[0].Text)
}

func TestCodexParserAskUser(t *testing.T) {
	ask := "<ASK_USER_YAML>\ninteraction_id: 2\nkind: confirm\nprompt: Continue?\n</ASK_USER_YAML>"
	stdout := `{"type":"turn.started"}` + "\n" +
		`{"type":"item.completed","item":{"type":"agent_message","text":` + mustJSONString(ask) + `}}`

	result, _ := (&codexParser{}).Parse(&CapturedOutput{Stdout: stdout})
	require.Equal(t, OutcomeAskUser, result.Outcome)
	require.NotNil(t, result.Interaction)
	assert.Equal(t, 2, result.Interaction.InteractionID)
	assert.Equal(t, "confirm", result.Interaction.Kind)
}

func TestCodexParserPTYFallback(t *testing.T) {
	result, parsed := (&codexParser{}).Parse(&CapturedOutput{
		Stdout: "garbled non-json output",
		PTY:    "rendered screen text",
	})
	assert.Contains(t, parsed.Diagnostics, DiagPTYFallbackUsed)
	require.Len(t, parsed.AssistantMessages, 1)
	// Raw text falls back to a message envelope.
	assert.Equal(t, OutcomeFinal, result.Outcome)
	assert.Equal(t, "rendered screen text", result.FinalData["message"])
	assert.Contains(t, parsed.Diagnostics, DiagUnparsedFellBackToRaw)
}

func TestCodexParserNoOutput(t *testing.T) {
	result, _ := (&codexParser{}).Parse(&CapturedOutput{Stderr: "boom"})
	assert.Equal(t, OutcomeError, result.Outcome)
	assert.Equal(t, "ADAPTER_TURN_ERROR", result.FailureReason)
	assert.Equal(t, "boom", result.Stderr)
}

func mustJSONString(s string) string {
	out := `"`
	for _, r := range s {
		switch r {
		case '"':
			out += `\"`
		case '\\':
			out += `\\`
		case '\n':
			out += `\n`
		default:
			out += string(r)
		}
	}
	return out + `"`
}
