package terminal

import (
	"regexp"
	"strings"

	"github.com/google/uuid"
)

// CategoryShell is used when no known CLI name matches.
const CategoryShell = "shell"

// knownCategories is checked in order; the first match wins.
var knownCategories = []string{
	"claude",
	"codex",
	"gemini",
	"opencode",
	"aider",
	"cursor",
	"amp",
	"goose",
}

// minSubstringMatch is the shortest name also matched inside other words.
// Shorter names ("amp") would hit example.sh or campaign.
const minSubstringMatch = 4

var wordPattern = regexp.MustCompile(`[a-z0-9]+`)

// DetectCategory guesses the CLI tool from the command line. It only shapes
// session ids and registry metadata. A name matches as a whole word first
// ("/usr/bin/codex", "cursor-agent", "@google/gemini-cli"); longer names
// then also match as substrings ("claudecode").
func DetectCategory(commandLine string) string {
	lower := strings.ToLower(commandLine)
	words := make(map[string]bool)
	for _, w := range wordPattern.FindAllString(lower, -1) {
		words[w] = true
	}
	for _, c := range knownCategories {
		if words[c] {
			return c
		}
	}
	for _, c := range knownCategories {
		if len(c) >= minSubstringMatch && strings.Contains(lower, c) {
			return c
		}
	}
	return CategoryShell
}

// NewSessionID returns "<category>-<8 hex>".
func NewSessionID(category string) string {
	if category == "" {
		category = CategoryShell
	}
	return category + "-" + shortHex()
}

const internalIDPrefix = "pty"

// newInternalID returns an opaque process-scoped id.
func newInternalID() string {
	return internalIDPrefix + "-" + uuid.NewString()
}

// IsIDPrefix reports whether s is the leading segment of a generated id: a
// category name or the internal id prefix.
func IsIDPrefix(s string) bool {
	s = strings.ToLower(s)
	if s == CategoryShell || s == internalIDPrefix {
		return true
	}
	for _, c := range knownCategories {
		if s == c {
			return true
		}
	}
	return false
}

func shortHex() string {
	u := uuid.New()
	return strings.ReplaceAll(u.String(), "-", "")[:8]
}
