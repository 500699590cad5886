package adapter

import (
	"encoding/json"
)

// codexCommander builds codex exec invocations. The profile's start flags
// carry --full-auto; when Landlock is unavailable the sandbox cannot be
// enforced and the flag maps to --yolo instead.
type codexCommander struct {
	adapter *Adapter
}

func (c *codexCommander) BuildStart(ectx *ExecutionContext, prompt string) ([]string, error) {
	bin, err := c.adapter.resolveBinary()
	if err != nil {
		return nil, err
	}
	flags := effectiveFlags(c.adapter.prof.Command.StartFlags, ectx.Options.PassthroughCLIArgs, false)
	if !c.adapter.env.LandlockEnabled {
		replaceFlag(flags, "--full-auto", "--yolo")
	}
	if ectx.Options.CodexProfileName != "" && !hasFlag(flags, "--profile") {
		flags = append(flags, "--profile", ectx.Options.CodexProfileName)
	}
	return append(append([]string{bin}, flags...), prompt), nil
}

func (c *codexCommander) BuildResume(ectx *ExecutionContext, prompt string) ([]string, error) {
	bin, err := c.adapter.resolveBinary()
	if err != nil {
		return nil, err
	}
	handle, err := requireResumeHandle(ectx)
	if err != nil {
		return nil, err
	}
	flags := effectiveFlags(c.adapter.prof.Command.ResumeFlags, ectx.Options.PassthroughCLIArgs, true)
	if !c.adapter.env.LandlockEnabled {
		replaceFlag(flags, "--full-auto", "--yolo")
	}
	return append(append([]string{bin}, flags...), handle, prompt), nil
}

// codexEvent is one line of codex --experimental-json output.
type codexEvent struct {
	Type string `json:"type"`
	Item struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"item"`
}

// codexParser parses line-delimited codex JSON events, slicing to the latest
// turn.started .. turn.completed window.
type codexParser struct{}

func (p *codexParser) Parse(out *CapturedOutput) (*TurnResult, *ParseResult) {
	rows := jsonLines(out.Stdout)
	parsed := &ParseResult{
		Parser:            "codex",
		AssistantMessages: []AssistantMessage{},
		RawRows:           rows,
	}

	// Find the latest turn window; events before it belong to earlier turns
	// replayed on resume.
	windowStart := 0
	for i, row := range rows {
		var ev codexEvent
		if json.Unmarshal([]byte(row), &ev) != nil {
			continue
		}
		if ev.Type == "turn.started" {
			windowStart = i
		}
	}

	for _, row := range rows[windowStart:] {
		var ev codexEvent
		if json.Unmarshal([]byte(row), &ev) != nil {
			continue
		}
		parsed.StructuredTypes = appendUnique(parsed.StructuredTypes, ev.Type)
		if ev.Type == "item.completed" && ev.Item.Type == "agent_message" && ev.Item.Text != "" {
			parsed.AssistantMessages = append(parsed.AssistantMessages,
				AssistantMessage{Text: ev.Item.Text, RawRef: row})
		}
		if ev.Type == "turn.completed" {
			break
		}
	}

	if len(parsed.AssistantMessages) == 0 && out.PTY != "" {
		parsed.AssistantMessages = append(parsed.AssistantMessages,
			AssistantMessage{Text: out.PTY})
		parsed.Diagnostics = appendUnique(parsed.Diagnostics, DiagPTYFallbackUsed)
		parsed.Confidence = 0.3
	} else if len(parsed.AssistantMessages) > 0 {
		parsed.Confidence = 0.95
	}

	return resultFromMessages(parsed, out.Stderr), parsed
}
