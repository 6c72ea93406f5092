package filter

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/blackmichael/bluesky-timeline/internal/domain"
)

// MuteWords matches posts containing any of a list of muted words or
// phrases. Matching is case insensitive and respects word boundaries.
type MuteWords struct {
	pattern *regexp.Regexp // nil when there are no words
}

var _ domain.MuteMatcher = (*MuteWords)(nil)

// NewMuteWords compiles words into a matcher. Blank words are ignored.
func NewMuteWords(words []string) (*MuteWords, error) {
	escaped := make([]string, 0, len(words))
	for _, w := range words {
		if w = strings.TrimSpace(w); w != "" {
			escaped = append(escaped, regexp.QuoteMeta(w))
		}
	}
	if len(escaped) == 0 {
		return &MuteWords{}, nil
	}

	// Explicit boundaries, so words like "#ad" that start or end with a
	// symbol match too.
	expr := `(?i)(?:^|[^\pL\pN_])(?:` + strings.Join(escaped, "|") + `)(?:$|[^\pL\pN_])`
	pattern, err := regexp.Compile(expr)
	if err != nil {
		return nil, fmt.Errorf("compile muted words: %w", err)
	}
	return &MuteWords{pattern: pattern}, nil
}

func (m *MuteWords) Match(post *domain.Post) bool {
	if m.pattern == nil || post.Text == "" {
		return false
	}
	return m.pattern.MatchString(post.Text)
}
