package filter

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blackmichael/bluesky-timeline/internal/domain"
)

func TestVisibility(t *testing.T) {
	reply := &domain.ReplyRef{ParentURI: "at://did:plc:bob/app.bsky.feed.post/1"}

	tests := []struct {
		name   string
		rules  Rules
		post   domain.Post
		reason domain.HideReason
		detail string
	}{
		{
			name: "no rules",
			post: domain.Post{AuthorDID: "did:plc:alice", Langs: []string{"de"}},
		},
		{
			name:   "muted author",
			rules:  Rules{MutedAuthors: []string{" did:plc:alice "}},
			post:   domain.Post{AuthorDID: "did:plc:alice"},
			reason: domain.HideAuthorMuted,
			detail: "did:plc:alice",
		},
		{
			name:   "blocked wins over muted",
			rules:  Rules{MutedAuthors: []string{"did:plc:alice"}, BlockedAuthors: []string{"did:plc:alice"}},
			post:   domain.Post{AuthorDID: "did:plc:alice"},
			reason: domain.HideBlocked,
			detail: "did:plc:alice",
		},
		{
			name:   "repost by muted account",
			rules:  Rules{MutedAuthors: []string{"did:plc:bob"}},
			post:   domain.Post{AuthorDID: "did:plc:alice", Kind: domain.KindRepost, RepostedBy: "did:plc:bob"},
			reason: domain.HideAuthorMuted,
			detail: "did:plc:bob",
		},
		{
			name:   "reposts hidden",
			rules:  Rules{HideReposts: true},
			post:   domain.Post{AuthorDID: "did:plc:alice", Kind: domain.KindRepost, RepostedBy: "did:plc:bob"},
			reason: domain.HideRepost,
			detail: "did:plc:bob",
		},
		{
			name:   "replies hidden",
			rules:  Rules{HideReplies: true},
			post:   domain.Post{AuthorDID: "did:plc:alice", Reply: reply},
			reason: domain.HideReply,
			detail: reply.ParentURI,
		},
		{
			name:  "language match on primary subtag",
			rules: Rules{Langs: []string{"EN"}},
			post:  domain.Post{Langs: []string{"ja", "en-US"}},
		},
		{
			name:   "language mismatch",
			rules:  Rules{Langs: []string{"en"}},
			post:   domain.Post{Langs: []string{"pt-BR", "es"}},
			reason: domain.HideLanguage,
			detail: "pt-BR,es",
		},
		{
			name:  "untagged post passes language filter",
			rules: Rules{Langs: []string{"en"}},
			post:  domain.Post{},
		},
		{
			name: "not found shown by default",
			post: domain.Post{URI: "at://gone", Kind: domain.KindNotFound},
		},
		{
			name:   "not found hidden",
			rules:  Rules{HideUnavailable: true},
			post:   domain.Post{URI: "at://gone", Kind: domain.KindNotFound},
			reason: domain.HideNotFound,
			detail: "at://gone",
		},
		{
			name:   "blocked entry hidden",
			rules:  Rules{HideUnavailable: true},
			post:   domain.Post{URI: "at://blocked", Kind: domain.KindBlocked},
			reason: domain.HideBlocked,
			detail: "at://blocked",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reason, detail := NewVisibility(tt.rules).MustHide(&tt.post)
			assert.Equal(t, tt.reason, reason, reason.String())
			assert.Equal(t, tt.detail, detail)
		})
	}
}

func TestMuteWords(t *testing.T) {
	m, err := NewMuteWords([]string{"spoiler", " ", "#ad", "c++", "new york"})
	require.NoError(t, err)

	match := map[string]bool{
		"SPOILER alert":           true,
		"no spoilers here":        false,
		"buy this #ad now":        true,
		"#ad":                     true,
		"#adventure":              false,
		"learning c++ today":      true,
		"live in New York.":       true,
		"newyork":                 false,
		"":                        false,
		"(spoiler) second season": true,
	}
	for text, want := range match {
		assert.Equal(t, want, m.Match(&domain.Post{Text: text}), text)
	}
}

func TestMuteWordsEmpty(t *testing.T) {
	m, err := NewMuteWords(nil)
	require.NoError(t, err)
	assert.False(t, m.Match(&domain.Post{Text: "anything"}))
}
