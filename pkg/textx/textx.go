// Package textx provides small text utilities used across the project.
package textx

import (
	"strings"
)

// maxFilenameRunes bounds download filenames so the Content-Disposition
// header stays reasonable regardless of what the menu is called.
const maxFilenameRunes = 80

// SanitizeText removes control characters except tab/newline/CR and trims spaces.
func SanitizeText(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r == '\n' || r == '\r' || r == '\t' || (r >= 32 && r != 127) {
			b.WriteRune(r)
		}
	}
	return strings.TrimSpace(b.String())
}

// SafeFilename makes a menu display name usable as a download filename.
// Control characters go first, then path separators and characters that are
// unsafe in a quoted Content-Disposition become hyphens, whitespace
// collapses to single spaces, and the result is bounded. An empty result
// falls back to fallback. The extension is the caller's business.
func SafeFilename(name, fallback string) string {
	cleaned := SanitizeText(name)
	var b strings.Builder
	for _, r := range cleaned {
		switch r {
		case '/', '\\', ':', '*', '?', '"', '<', '>', '|':
			b.WriteRune('-')
		case '\n', '\r', '\t':
			b.WriteRune(' ')
		default:
			b.WriteRune(r)
		}
	}
	out := strings.Join(strings.Fields(b.String()), " ")
	out = strings.Trim(out, "-. ")
	if runes := []rune(out); len(runes) > maxFilenameRunes {
		out = strings.TrimRight(string(runes[:maxFilenameRunes]), "-. ")
	}
	if out == "" {
		return fallback
	}
	return out
}
