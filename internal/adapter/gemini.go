package adapter

import (
	"encoding/json"
	"strings"
)

// geminiCommander builds gemini CLI invocations. Auto-approval is always
// forced: an interactive confirmation inside the CLI would deadlock the run.
type geminiCommander struct {
	adapter *Adapter
}

func (c *geminiCommander) BuildStart(ectx *ExecutionContext, prompt string) ([]string, error) {
	bin, err := c.adapter.resolveBinary()
	if err != nil {
		return nil, err
	}
	flags := effectiveFlags(c.adapter.prof.Command.StartFlags, ectx.Options.PassthroughCLIArgs, false)
	if !hasFlag(flags, "--yolo") {
		flags = append(flags, "--yolo")
	}
	return append(append([]string{bin}, flags...), "--prompt", prompt), nil
}

func (c *geminiCommander) BuildResume(ectx *ExecutionContext, prompt string) ([]string, error) {
	bin, err := c.adapter.resolveBinary()
	if err != nil {
		return nil, err
	}
	handle, err := requireResumeHandle(ectx)
	if err != nil {
		return nil, err
	}
	flags := effectiveFlags(c.adapter.prof.Command.ResumeFlags, ectx.Options.PassthroughCLIArgs, true)
	if !hasFlag(flags, "--yolo") {
		flags = append(flags, "--yolo")
	}
	return append(append([]string{bin}, flags...), "--resume", handle, "--prompt", prompt), nil
}

// geminiParser prefers the top-level JSON envelope whose response field is a
// string; otherwise it scans stderr, then stdout, then the PTY capture for
// the last complete JSON document.
type geminiParser struct{}

func (p *geminiParser) Parse(out *CapturedOutput) (*TurnResult, *ParseResult) {
	parsed := &ParseResult{
		Parser:            "gemini",
		AssistantMessages: []AssistantMessage{},
		RawRows:           jsonLines(out.Stdout),
	}

	// Primary strategy: the whole stdout is one JSON envelope with a string
	// response field.
	var envelope struct {
		Response  interface{} `json:"response"`
		SessionID string      `json:"session_id"`
	}
	trimmed := strings.TrimSpace(out.Stdout)
	if trimmed != "" && json.Valid([]byte(trimmed)) && json.Unmarshal([]byte(trimmed), &envelope) == nil {
		if text, isString := envelope.Response.(string); isString && text != "" {
			parsed.AssistantMessages = append(parsed.AssistantMessages,
				AssistantMessage{Text: text, RawRef: trimmed})
			parsed.Confidence = 0.95
			parsed.StructuredTypes = appendUnique(parsed.StructuredTypes, "response_envelope")
			if envelope.SessionID != "" {
				parsed.SessionID = envelope.SessionID
			}
		}
	}

	// Fallback order mirrors how the CLI actually reports: stderr carries
	// the stream-json output, stdout may carry plain text, PTY last.
	if len(parsed.AssistantMessages) == 0 {
		for _, source := range []string{out.Stderr, out.Stdout, out.PTY} {
			doc := lastJSONDocument(source)
			if doc == "" {
				continue
			}
			var fallback struct {
				Response interface{} `json:"response"`
			}
			text := doc
			if json.Unmarshal([]byte(doc), &fallback) == nil {
				if s, isString := fallback.Response.(string); isString && s != "" {
					text = s
				}
			}
			parsed.AssistantMessages = append(parsed.AssistantMessages,
				AssistantMessage{Text: text, RawRef: doc})
			parsed.Diagnostics = appendUnique(parsed.Diagnostics, DiagGeminiStreamFallback)
			parsed.Confidence = 0.6
			break
		}
	}

	if len(parsed.AssistantMessages) == 0 && out.PTY != "" {
		parsed.AssistantMessages = append(parsed.AssistantMessages,
			AssistantMessage{Text: out.PTY})
		parsed.Diagnostics = appendUnique(parsed.Diagnostics, DiagPTYFallbackUsed)
		parsed.Confidence = 0.3
	}

	return resultFromMessages(parsed, out.Stderr), parsed
}
