package models

import (
	"strings"
	"time"
)

// Tag is a short routing label, globally unique by text, many-to-many with
// tasks. A tag starting with "@" is an earmark reserving the task for one
// reviewer; the claim coordinator reads those specially.
type Tag struct {
	ID        string
	Text      string
	CreatedAt time.Time
}

const earmarkPrefix = "@"

const tagExtraRunes = "_-+:;@"

// ValidTagText reports whether text is a legal tag: non-empty, no
// whitespace, alphanumerics plus a small punctuation set.
func ValidTagText(text string) bool {
	if text == "" {
		return false
	}
	for _, r := range text {
		switch {
		case r >= 'a' && r <= 'z':
		case r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9':
		case strings.ContainsRune(tagExtraRunes, r):
		default:
			return false
		}
	}
	return true
}

// IsEarmark reports whether text reserves a task for a reviewer.
func IsEarmark(text string) bool {
	return strings.HasPrefix(text, earmarkPrefix)
}

// EarmarkFor builds the earmark tag text for a reviewer.
func EarmarkFor(reviewer string) string {
	return earmarkPrefix + reviewer
}

// EarmarkReviewer returns the reviewer an earmark names, or "" if text is
// not an earmark.
func EarmarkReviewer(text string) string {
	if !IsEarmark(text) {
		return ""
	}
	return strings.TrimPrefix(text, earmarkPrefix)
}
