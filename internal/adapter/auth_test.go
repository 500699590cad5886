package adapter

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAuthRequiredMatchesKnownPatterns(t *testing.T) {
	cases := []string{
		"Please visit this URL to continue",
		"Enter authorization code:",
		"HTTP 401  Unauthorized",
		"missing bearer token",
		"error: server_oauth2_required",
	}
	for _, text := range cases {
		out := &CapturedOutput{Stderr: text, ExitCode: 1}
		assert.True(t, AuthRequired(out), "pattern %q", text)
	}
}

func TestAuthRequiredNeedsFailure(t *testing.T) {
	// A login-looking message with a clean exit is not an auth failure.
	out := &CapturedOutput{Stdout: "visit this url", ExitCode: 0}
	assert.False(t, AuthRequired(out))

	out.TimedOut = true
	assert.True(t, AuthRequired(out))
}

func TestAuthRequiredNoMatch(t *testing.T) {
	out := &CapturedOutput{Stderr: "segfault", ExitCode: 1}
	assert.False(t, AuthRequired(out))
}
