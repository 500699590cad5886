package adapter

import (
	"bufio"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/skillrunner/skillrunner/internal/adapter/profile"
	v1 "github.com/skillrunner/skillrunner/pkg/api/v1"
)

// sessionCodec extracts the engine session handle using the strategy the
// adapter profile declares.
type sessionCodec struct {
	engine v1.Engine
	prof   *profile.Profile
	re     *regexp.Regexp
}

func newSessionCodec(prof *profile.Profile) (*sessionCodec, error) {
	c := &sessionCodec{engine: prof.Engine, prof: prof}
	if prof.Session.Regex != "" {
		re, err := regexp.Compile(prof.Session.Regex)
		if err != nil {
			return nil, fmt.Errorf("%s session regex: %w", prof.Engine, err)
		}
		c.re = re
	}
	return c, nil
}

func (c *sessionCodec) Extract(out *CapturedOutput, turn int) (v1.SessionHandle, error) {
	var value string
	switch c.prof.Session.Strategy {
	case profile.SessionFirstJSONLine:
		value = firstJSONLineValue(out.Stdout, c.prof.Session.Key)
	case profile.SessionJSONLinesScan:
		value = jsonLinesScanValue(out.Stdout, c.prof.Session.Key)
	case profile.SessionJSONRecursiveKey:
		value = recursiveKeyValue(out.Stdout, c.prof.Session.Key)
		if value == "" {
			value = recursiveKeyValue(out.Stderr, c.prof.Session.Key)
		}
		if value == "" && c.re != nil {
			value = regexValue(c.re, out.Stdout+"\n"+out.Stderr)
		}
	case profile.SessionRegexExtract:
		if c.re != nil {
			value = regexValue(c.re, out.Stdout+"\n"+out.Stderr)
		}
	}

	if value == "" {
		return v1.SessionHandle{}, fmt.Errorf("no %s session handle in output", c.engine)
	}
	return v1.SessionHandle{
		Engine:        c.engine,
		HandleType:    c.prof.Session.HandleType,
		HandleValue:   value,
		CreatedAtTurn: turn,
	}, nil
}

// firstJSONLineValue decodes only the first non-empty line and reads key from
// its top level.
func firstJSONLineValue(text, key string) string {
	scanner := bufio.NewScanner(strings.NewReader(text))
	scanner.Buffer(make([]byte, 1024*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var doc map[string]interface{}
		if err := json.Unmarshal([]byte(line), &doc); err != nil {
			return ""
		}
		if s, ok := doc[key].(string); ok {
			return s
		}
		return ""
	}
	return ""
}

// jsonLinesScanValue scans every JSON line and returns the last value seen
// for key at any nesting depth.
func jsonLinesScanValue(text, key string) string {
	value := ""
	scanner := bufio.NewScanner(strings.NewReader(text))
	scanner.Buffer(make([]byte, 1024*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || !json.Valid([]byte(line)) {
			continue
		}
		var doc interface{}
		if err := json.Unmarshal([]byte(line), &doc); err != nil {
			continue
		}
		if s := findKey(doc, key); s != "" {
			value = s
		}
	}
	return value
}

// recursiveKeyValue finds key anywhere in the first parseable JSON document.
func recursiveKeyValue(text, key string) string {
	payload, _, ok := RepairJSON(text)
	if !ok {
		return ""
	}
	var doc interface{}
	if err := json.Unmarshal(payload, &doc); err != nil {
		return ""
	}
	return findKey(doc, key)
}

func regexValue(re *regexp.Regexp, text string) string {
	m := re.FindStringSubmatch(text)
	if len(m) >= 2 {
		return m[1]
	}
	return ""
}

// findKey searches a decoded JSON value depth-first for a string at key.
func findKey(doc interface{}, key string) string {
	switch node := doc.(type) {
	case map[string]interface{}:
		if s, ok := node[key].(string); ok {
			return s
		}
		for _, child := range node {
			if s := findKey(child, key); s != "" {
				return s
			}
		}
	case []interface{}:
		for _, child := range node {
			if s := findKey(child, key); s != "" {
				return s
			}
		}
	}
	return ""
}
