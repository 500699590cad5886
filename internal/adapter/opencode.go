package adapter

import (
	"encoding/json"
	"strings"
)

// opencodeBlockedResumeKeys are passthrough option keys opencode rejects on
// a resumed session.
var opencodeBlockedResumeKeys = map[string]struct{}{
	"--agent":    {},
	"--model":    {},
	"--share":    {},
	"--continue": {},
}

// opencodeCommander builds opencode run invocations; resume attaches to an
// existing session via --session.
type opencodeCommander struct {
	adapter *Adapter
}

func (c *opencodeCommander) BuildStart(ectx *ExecutionContext, prompt string) ([]string, error) {
	bin, err := c.adapter.resolveBinary()
	if err != nil {
		return nil, err
	}
	flags := effectiveFlags(c.adapter.prof.Command.StartFlags, ectx.Options.PassthroughCLIArgs, false)
	return append(append([]string{bin}, flags...), prompt), nil
}

func (c *opencodeCommander) BuildResume(ectx *ExecutionContext, prompt string) ([]string, error) {
	bin, err := c.adapter.resolveBinary()
	if err != nil {
		return nil, err
	}
	handle, err := requireResumeHandle(ectx)
	if err != nil {
		return nil, err
	}
	flags := effectiveFlags(c.adapter.prof.Command.ResumeFlags, ectx.Options.PassthroughCLIArgs, true)
	flags = filterBlockedKeys(flags)
	return append(append([]string{bin}, flags...), "--session="+handle, prompt), nil
}

func filterBlockedKeys(flags []string) []string {
	out := make([]string, 0, len(flags))
	skipNext := false
	for _, f := range flags {
		if skipNext {
			skipNext = false
			continue
		}
		key := f
		if i := strings.IndexByte(f, '='); i >= 0 {
			key = f[:i]
		}
		if _, blocked := opencodeBlockedResumeKeys[key]; blocked {
			if key == f {
				skipNext = true
			}
			continue
		}
		out = append(out, f)
	}
	return out
}

// opencodeEvent is one line of opencode JSON output.
type opencodeEvent struct {
	Type      string `json:"type"`
	Text      string `json:"text"`
	SessionID string `json:"sessionID"`
	Part      struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"part"`
}

// opencodeParser parses line-delimited JSON, slicing to the latest
// step_start/started .. step_finish/completed window and extracting text
// events.
type opencodeParser struct{}

func opencodeWindowOpen(t string) bool {
	return t == "step_start" || t == "started" || t == "step.started"
}

func opencodeWindowClose(t string) bool {
	return t == "step_finish" || t == "completed" || t == "step.completed"
}

func (p *opencodeParser) Parse(out *CapturedOutput) (*TurnResult, *ParseResult) {
	rows := jsonLines(out.Stdout)
	parsed := &ParseResult{
		Parser:            "opencode",
		AssistantMessages: []AssistantMessage{},
		RawRows:           rows,
	}

	windowStart := 0
	for i, row := range rows {
		var ev opencodeEvent
		if json.Unmarshal([]byte(row), &ev) != nil {
			continue
		}
		if opencodeWindowOpen(ev.Type) {
			windowStart = i
		}
	}

	for _, row := range rows[windowStart:] {
		var ev opencodeEvent
		if json.Unmarshal([]byte(row), &ev) != nil {
			continue
		}
		parsed.StructuredTypes = appendUnique(parsed.StructuredTypes, ev.Type)
		if ev.SessionID != "" {
			parsed.SessionID = ev.SessionID
		}
		text := ""
		switch {
		case ev.Type == "text" && ev.Text != "":
			text = ev.Text
		case ev.Part.Type == "text" && ev.Part.Text != "":
			text = ev.Part.Text
		}
		if text != "" {
			parsed.AssistantMessages = append(parsed.AssistantMessages,
				AssistantMessage{Text: text, RawRef: row})
		}
		if opencodeWindowClose(ev.Type) {
			break
		}
	}

	if len(parsed.AssistantMessages) == 0 && out.PTY != "" {
		parsed.AssistantMessages = append(parsed.AssistantMessages,
			AssistantMessage{Text: out.PTY})
		parsed.Diagnostics = appendUnique(parsed.Diagnostics, DiagPTYFallbackUsed)
		parsed.Confidence = 0.3
	} else if len(parsed.AssistantMessages) > 0 {
		parsed.Confidence = 0.9
	}

	return resultFromMessages(parsed, out.Stderr), parsed
}
