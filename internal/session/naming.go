package session

import (
	"strings"
	"unicode"
)

const maxDerivedNameLen = 48

// DeriveName builds a short descriptive session name from the first user
// prompt: the leading words, cleaned of control characters, capped at 48
// characters on a word boundary.
func DeriveName(prompt string) string {
	fields := strings.Fields(prompt)
	if len(fields) == 0 {
		return "New conversation"
	}

	var b strings.Builder
	for _, word := range fields {
		word = strings.Map(func(r rune) rune {
			if unicode.IsControl(r) {
				return -1
			}
			return r
		}, word)
		if word == "" {
			continue
		}
		next := word
		if b.Len() > 0 {
			next = " " + word
		}
		if b.Len()+len(next) > maxDerivedNameLen {
			break
		}
		b.WriteString(next)
	}

	name := strings.TrimSpace(b.String())
	if name == "" {
		return "New conversation"
	}
	return name
}

// Slugify converts a display name into a filesystem-safe alias slug:
// lowercase, words joined by hyphens, anything outside [a-z0-9-] dropped.
func Slugify(name string) string {
	var b strings.Builder
	lastHyphen := true // suppress leading hyphen
	for _, r := range strings.ToLower(name) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastHyphen = false
		case r == ' ' || r == '-' || r == '_' || r == '.':
			if !lastHyphen {
				b.WriteByte('-')
				lastHyphen = true
			}
		}
	}
	return strings.Trim(b.String(), "-")
}
