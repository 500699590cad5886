package adapter

import (
	"regexp"
	"strings"
)

// iflowCommander builds iflow invocations. The prompt is passed with a
// leading -p before any other flag.
type iflowCommander struct {
	adapter *Adapter
}

func (c *iflowCommander) BuildStart(ectx *ExecutionContext, prompt string) ([]string, error) {
	bin, err := c.adapter.resolveBinary()
	if err != nil {
		return nil, err
	}
	flags := effectiveFlags(c.adapter.prof.Command.StartFlags, ectx.Options.PassthroughCLIArgs, false)
	return append([]string{bin, "-p", prompt}, flags...), nil
}

func (c *iflowCommander) BuildResume(ectx *ExecutionContext, prompt string) ([]string, error) {
	bin, err := c.adapter.resolveBinary()
	if err != nil {
		return nil, err
	}
	handle, err := requireResumeHandle(ectx)
	if err != nil {
		return nil, err
	}
	flags := effectiveFlags(c.adapter.prof.Command.ResumeFlags, ectx.Options.PassthroughCLIArgs, true)
	return append([]string{bin, "-p", prompt, "--resume", handle}, flags...), nil
}

var (
	executionInfoClose = "</Execution Info>"
	resumingSessionRe  = regexp.MustCompile(`(?m)^Resuming session .*$`)
)

// iflowParser handles free-text output: keep only the segment after the last
// Execution Info block and strip session-resume noise.
type iflowParser struct{}

func (p *iflowParser) Parse(out *CapturedOutput) (*TurnResult, *ParseResult) {
	parsed := &ParseResult{
		Parser:            "iflow",
		AssistantMessages: []AssistantMessage{},
		RawRows:           jsonLines(out.Stdout),
	}

	text := out.Stdout
	if idx := strings.LastIndex(text, executionInfoClose); idx >= 0 {
		text = text[idx+len(executionInfoClose):]
	}
	text = resumingSessionRe.ReplaceAllString(text, "")
	text = strings.TrimSpace(text)

	if text != "" {
		parsed.AssistantMessages = append(parsed.AssistantMessages,
			AssistantMessage{Text: text})
		parsed.Confidence = 0.7
	} else if out.PTY != "" {
		parsed.AssistantMessages = append(parsed.AssistantMessages,
			AssistantMessage{Text: strings.TrimSpace(out.PTY)})
		parsed.Diagnostics = appendUnique(parsed.Diagnostics, DiagPTYFallbackUsed)
		parsed.Confidence = 0.3
	}

	return resultFromMessages(parsed, out.Stderr), parsed
}
