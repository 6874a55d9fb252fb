package aigateway

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

var defaultLimits = map[string]int{
	"twitter":  280,
	"telegram": 4096,
	"facebook": 2000,
}

const (
	fallbackLimit = 1000
	systemPrompt  = "You are a news editor. You write short, accurate social media posts and never invent facts."
)

// CharLimit returns the post length limit for platform. Explicit overrides
// win over the built-in table.
func CharLimit(platform string, overrides map[string]int) int {
	if n, ok := overrides[platform]; ok && n > 0 {
		return n
	}
	if n, ok := defaultLimits[strings.ToLower(platform)]; ok {
		return n
	}
	return fallbackLimit
}

// BuildPrompt renders the post-writing prompt. limit is the character budget
// for the generated text alone.
func BuildPrompt(c Content, platform string, limit int) Prompt {
	var b strings.Builder
	if platform == "" {
		platform = "social media"
	}
	fmt.Fprintf(&b, "Write a %s post about the news item below.\n\n", platform)
	b.WriteString("Rules:\n")
	fmt.Fprintf(&b, "- At most %d characters.\n", limit)
	b.WriteString("- Keep every fact from the source; add nothing new.\n")
	b.WriteString("- Up to 3 relevant hashtags at the end.\n")
	b.WriteString("- Plain text only. Do not include the link.\n")
	if c.Topic != "" {
		fmt.Fprintf(&b, "- Topic focus: %s.\n", c.Topic)
	}
	fmt.Fprintf(&b, "\nTitle: %s\n", strings.TrimSpace(c.Title))
	fmt.Fprintf(&b, "Content: %s\n", truncateRunes(strings.TrimSpace(c.Body), 4000))
	return Prompt{System: systemPrompt, User: b.String()}
}

// textBudget leaves room for "\n\n<link>" under limit.
func textBudget(limit int, link string) int {
	if link == "" {
		return limit
	}
	return max(limit-utf8.RuneCountInString(link)-2, limit/2)
}

// cleanCompletion trims whitespace and wrapping quotes, then clamps to limit.
func cleanCompletion(s string, limit int) string {
	s = strings.TrimSpace(s)
	if len(s) >= 2 && (s[0] == '"' && s[len(s)-1] == '"') {
		s = strings.TrimSpace(s[1 : len(s)-1])
	}
	return truncateRunes(s, limit)
}

func truncateRunes(s string, limit int) string {
	if limit <= 0 || utf8.RuneCountInString(s) <= limit {
		return s
	}
	if limit <= 3 {
		return string([]rune(s)[:limit])
	}
	return string([]rune(s)[:limit-3]) + "..."
}
