// Package session derives the pair of log stream names that make up a
// terminal session. A session has no identity beyond its two logs; the
// derivation is pure and idempotent so any process can re-derive the
// names from the session id alone.
package session

import (
	"fmt"
	"regexp"
	"strings"
)

const (
	inputSuffix  = "term_input"
	outputSuffix = "term_output"
)

// IDs become tokens in broker subjects, so the alphabet is restricted
// up front rather than sanitized per backend.
var idRe = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_-]{0,63}$`)

// ValidateID reports whether id is usable as a session identifier.
func ValidateID(id string) error {
	if !idRe.MatchString(id) {
		return fmt.Errorf("invalid session id %q (want 1-64 chars: letters, digits, '-', '_')", id)
	}
	return nil
}

// Streams returns the input and output log names for a session.
func Streams(sessionID string) (input, output string) {
	return fmt.Sprintf("sessions/%s/%s", sessionID, inputSuffix),
		fmt.Sprintf("sessions/%s/%s", sessionID, outputSuffix)
}

// ParseStream recovers the session id from a log name produced by
// Streams. output reports whether the name is the session's output log.
func ParseStream(name string) (sessionID string, output bool, ok bool) {
	rest, found := strings.CutPrefix(name, "sessions/")
	if !found {
		return "", false, false
	}
	if id, found := strings.CutSuffix(rest, "/"+outputSuffix); found {
		return id, true, idRe.MatchString(id)
	}
	if id, found := strings.CutSuffix(rest, "/"+inputSuffix); found {
		return id, false, idRe.MatchString(id)
	}
	return "", false, false
}
