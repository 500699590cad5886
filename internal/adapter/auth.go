package adapter

import "regexp"

// authRequiredPatterns match CLI output that indicates the engine wants an
// interactive login. Any match combined with a timeout or non-zero exit
// classifies the turn as AUTH_REQUIRED.
var authRequiredPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)enter authorization code`),
	regexp.MustCompile(`(?i)visit this url`),
	regexp.MustCompile(`(?i)401\s+unauthorized`),
	regexp.MustCompile(`(?i)missing\s+bearer`),
	regexp.MustCompile(`(?i)server_oauth2_required`),
}

// AuthRequired reports whether the combined output looks like a login prompt
// and the process did not succeed.
func AuthRequired(out *CapturedOutput) bool {
	if !out.TimedOut && out.ExitCode == 0 {
		return false
	}
	combined := out.Stdout + "\n" + out.Stderr
	for _, p := range authRequiredPatterns {
		if p.MatchString(combined) {
			return true
		}
	}
	return false
}
