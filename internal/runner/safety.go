package runner

import (
	"errors"
	"regexp"
	"strings"
)

var (
	shellMetachars = regexp.MustCompile(`[;&|` + "`" + `$<>]`)
	controlChars   = regexp.MustCompile(`[\r\n]`)
	quoteChars     = regexp.MustCompile(`["']`)
	bareNameChars  = regexp.MustCompile(`^[A-Za-z0-9._+-]+$`)
)

var (
	ErrEmptyExecutable  = errors.New("executable is empty")
	ErrUnsafeExecutable = errors.New("executable contains shell metacharacters, quotes, or control characters")
	ErrOptionInjection  = errors.New("executable starts with a dash")
	ErrInvalidBareName  = errors.New("executable contains invalid characters for a bare name")
)

// SanitizeExecutable validates an executable name or path and returns it
// trimmed. Arguments are always passed as an argv vector, never through a
// shell, so this guards against config values that smuggle shell syntax
// into the command position.
func SanitizeExecutable(value string) (string, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "", ErrEmptyExecutable
	}
	if strings.Contains(trimmed, "\x00") ||
		controlChars.MatchString(trimmed) ||
		shellMetachars.MatchString(trimmed) ||
		quoteChars.MatchString(trimmed) {
		return "", ErrUnsafeExecutable
	}
	if isLikelyPath(trimmed) {
		return trimmed, nil
	}
	if strings.HasPrefix(trimmed, "-") {
		return "", ErrOptionInjection
	}
	if !bareNameChars.MatchString(trimmed) {
		return "", ErrInvalidBareName
	}
	return trimmed, nil
}

func isLikelyPath(value string) bool {
	return strings.HasPrefix(value, ".") ||
		strings.HasPrefix(value, "~") ||
		strings.Contains(value, "/")
}
