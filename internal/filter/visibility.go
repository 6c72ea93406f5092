// Package filter implements the content rules that keep posts out of a
// timeline page.
package filter

import (
	"strings"

	"github.com/blackmichael/bluesky-timeline/internal/domain"
)

// Rules configures a Visibility filter.
type Rules struct {
	// MutedAuthors and BlockedAuthors are DIDs.
	MutedAuthors   []string
	BlockedAuthors []string

	// Langs restricts posts to those tagged with at least one of these
	// language codes. Posts without language tags always pass.
	Langs []string

	HideReposts bool
	HideReplies bool

	// HideUnavailable drops not found and blocked entries instead of
	// showing them as placeholders.
	HideUnavailable bool
}

// Visibility hides posts according to Rules. It is immutable and safe for
// concurrent use.
type Visibility struct {
	muted   map[string]struct{}
	blocked map[string]struct{}
	langs   map[string]struct{} // nil means no filter
	rules   Rules
}

var _ domain.VisibilityFilter = (*Visibility)(nil)

func NewVisibility(rules Rules) *Visibility {
	v := &Visibility{
		muted:   toSet(rules.MutedAuthors),
		blocked: toSet(rules.BlockedAuthors),
		rules:   rules,
	}
	if len(rules.Langs) > 0 {
		v.langs = make(map[string]struct{}, len(rules.Langs))
		for _, l := range rules.Langs {
			v.langs[baseLang(l)] = struct{}{}
		}
	}
	return v
}

func (v *Visibility) MustHide(post *domain.Post) (domain.HideReason, string) {
	switch post.Kind {
	case domain.KindNotFound:
		if v.rules.HideUnavailable {
			return domain.HideNotFound, post.URI
		}
		return domain.HideNone, ""
	case domain.KindBlocked:
		if v.rules.HideUnavailable {
			return domain.HideBlocked, post.URI
		}
		return domain.HideNone, ""
	case domain.KindRepost:
		if v.rules.HideReposts {
			return domain.HideRepost, post.RepostedBy
		}
		if _, ok := v.blocked[post.RepostedBy]; ok {
			return domain.HideBlocked, post.RepostedBy
		}
		if _, ok := v.muted[post.RepostedBy]; ok {
			return domain.HideAuthorMuted, post.RepostedBy
		}
	}

	if _, ok := v.blocked[post.AuthorDID]; ok {
		return domain.HideBlocked, post.AuthorDID
	}
	if _, ok := v.muted[post.AuthorDID]; ok {
		return domain.HideAuthorMuted, post.AuthorDID
	}
	if v.rules.HideReplies && post.IsReply() {
		return domain.HideReply, post.Reply.ParentURI
	}
	if !v.langAllowed(post.Langs) {
		return domain.HideLanguage, strings.Join(post.Langs, ",")
	}
	return domain.HideNone, ""
}

func (v *Visibility) langAllowed(langs []string) bool {
	if v.langs == nil || len(langs) == 0 {
		return true
	}
	for _, l := range langs {
		if _, ok := v.langs[baseLang(l)]; ok {
			return true
		}
	}
	return false
}

// baseLang reduces a BCP-47 tag to its primary language subtag.
func baseLang(tag string) string {
	tag = strings.ToLower(strings.TrimSpace(tag))
	if i := strings.IndexAny(tag, "-_"); i > 0 {
		return tag[:i]
	}
	return tag
}

func toSet(values []string) map[string]struct{} {
	set := make(map[string]struct{}, len(values))
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			set[v] = struct{}{}
		}
	}
	return set
}
