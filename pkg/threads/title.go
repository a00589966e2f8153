package threads

import "strings"

// titleMaxLength bounds generated thread titles.
const titleMaxLength = 70

// DeriveTitle turns the first user message into a thread title: trim
// whitespace, cut at the last word boundary so title plus "..." stays
// within 70 characters. Every output is at most 70 runes, so deriving
// from an already-derived title returns it unchanged.
func DeriveTitle(message string) string {
	title := strings.Join(strings.Fields(message), " ")
	if title == "" {
		return ""
	}
	runes := []rune(title)
	if len(runes) <= titleMaxLength {
		return title
	}

	cut := string(runes[:titleMaxLength-3])
	if i := strings.LastIndex(cut, " "); i > 0 {
		cut = cut[:i]
	}
	return strings.TrimRight(cut, " ") + "..."
}
