// Package stitcher turns raw feed responses into pages: it filters entries,
// removes duplicates within the page and stitches replies to their thread
// context.
package stitcher

import (
	"log/slog"

	"github.com/blackmichael/bluesky-timeline/internal/domain"
)

// minFoldLength is the shortest stitched thread that gets folded.
const minFoldLength = 5

// Options controls page construction.
type Options struct {
	// AssembleThreads inserts the root and parent of replies in front of
	// them.
	AssembleThreads bool

	// FoldThreads collapses the middle of long stitched threads.
	FoldThreads bool
}

// Stats counts what happened to the raw entries of one page.
type Stats struct {
	Hidden      int
	Muted       int
	Duplicates  int
	Synthesized int
}

// Builder constructs pages. It is stateless between calls and safe for
// concurrent use as long as the injected filters are.
type Builder struct {
	visibility domain.VisibilityFilter
	mutes      domain.MuteMatcher
	opts       Options
	logger     *slog.Logger
}

// New creates a Builder. Either filter may be nil.
func New(visibility domain.VisibilityFilter, mutes domain.MuteMatcher, opts Options, logger *slog.Logger) *Builder {
	return &Builder{
		visibility: visibility,
		mutes:      mutes,
		opts:       opts,
		logger:     logger,
	}
}

// draft is the scratch state of a page under construction.
type draft struct {
	entries     []domain.Post
	added       map[string]struct{}
	parentIndex map[string]int
	gates       map[string]*domain.Threadgate
	known       func(cid string) bool
}

func newDraft(known func(string) bool) *draft {
	return &draft{
		added:       make(map[string]struct{}),
		parentIndex: make(map[string]int),
		gates:       make(map[string]*domain.Threadgate),
		known:       known,
	}
}

func (d *draft) has(cid string) bool {
	_, ok := d.added[cid]
	return ok
}

// present reports whether cid is already placed in this page or in the
// window the page is built for.
func (d *draft) present(cid string) bool {
	if cid == "" {
		return false
	}
	return d.has(cid) || (d.known != nil && d.known(cid))
}

func (d *draft) add(p domain.Post) {
	d.entries = append(d.entries, p)
	if id := p.Identity(); id != "" {
		d.added[id] = struct{}{}
	}
}

func (d *draft) insert(at int, p domain.Post) {
	d.entries = append(d.entries, domain.Post{})
	copy(d.entries[at+1:], d.entries[at:])
	d.entries[at] = p
	if id := p.Identity(); id != "" {
		d.added[id] = struct{}{}
	}
	for cid, idx := range d.parentIndex {
		if idx >= at {
			d.parentIndex[cid] = idx + 1
		}
	}
}

// Build constructs a page from raw. known reports whether a content id is
// already materialized in the window the page is meant for; it may be nil.
func (b *Builder) Build(raw *domain.RawPage, known func(cid string) bool) (domain.Page, Stats) {
	var stats Stats
	if raw == nil {
		return domain.Page{}, stats
	}

	d := newDraft(known)
	collectThreadgates(d, raw)

	for i := range raw.Entries {
		e := &raw.Entries[i]
		post := e.Post

		if !b.admit(&post, &stats) {
			continue
		}
		if post.IsReply() && d.gates[post.Reply.RootURI].Hides(post.URI) {
			b.logger.Debug("reply hidden by threadgate", "uri", post.URI)
			stats.Hidden++
			continue
		}

		if b.opts.AssembleThreads && post.Kind != domain.KindRepost && post.IsReply() {
			if b.mergeIntoThread(d, post, e, &stats) {
				continue
			}
			if d.has(post.CID) {
				stats.Duplicates++
				continue
			}
			b.addReplyContext(d, &post, e, &stats)
		} else if d.has(post.CID) {
			stats.Duplicates++
			continue
		}

		d.add(post)
	}

	applyThreadgates(d)
	if b.opts.FoldThreads {
		foldThreads(d.entries)
	}

	return domain.Page{
		Entries:    d.entries,
		NextCursor: raw.Cursor,
		Continuous: raw.Continuous,
	}, stats
}

// admit runs the injected filters over a post.
func (b *Builder) admit(post *domain.Post, stats *Stats) bool {
	if b.visibility != nil {
		if reason, detail := b.visibility.MustHide(post); reason != domain.HideNone {
			b.logger.Debug("post hidden", "uri", post.URI, "reason", reason, "detail", detail)
			stats.Hidden++
			return false
		}
	}
	if b.mutes != nil && b.mutes.Match(post) {
		b.logger.Debug("post muted", "uri", post.URI)
		stats.Muted++
		return false
	}
	return true
}

// visibleContext reports whether a root or parent may be synthesized.
func (b *Builder) visibleContext(post *domain.Post) bool {
	var discard Stats
	return b.admit(post, &discard)
}

// addReplyContext places the root and parent of a reply in front of it.
func (b *Builder) addReplyContext(d *draft, post *domain.Post, e *domain.RawEntry, stats *Stats) {
	ref := post.Reply
	rootAdded := false

	if e.Root != nil && ref.RootCID != "" && ref.RootCID != ref.ParentCID && !d.present(ref.RootCID) {
		root := *e.Root
		if b.visibleContext(&root) {
			root.ThreadRole = domain.RoleTop | domain.RoleParent
			root.Timestamp = post.Timestamp
			d.add(root)
			stats.Synthesized++
			rootAdded = true
		}
	}

	if e.Parent == nil || d.present(ref.ParentCID) {
		return
	}
	parent := *e.Parent
	if !b.visibleContext(&parent) {
		return
	}
	parent.ThreadRole = domain.RoleParent
	if !rootAdded && ref.ParentCID == ref.RootCID {
		parent.ThreadRole |= domain.RoleTop
	}
	if rootAdded {
		parent.ThreadRole |= domain.RoleDirectChild
	}
	parent.Timestamp = post.Timestamp
	d.parentIndex[ref.ParentCID] = len(d.entries)
	d.add(parent)
	stats.Synthesized++

	post.ThreadRole = domain.RoleLeaf
}

// mergeIntoThread handles a reply that was already synthesized as the
// parent of an earlier entry: the full post takes the parent's place and its
// own context is inserted above it.
func (b *Builder) mergeIntoThread(d *draft, post domain.Post, e *domain.RawEntry, stats *Stats) bool {
	idx, ok := d.parentIndex[post.CID]
	if !ok {
		return false
	}
	delete(d.parentIndex, post.CID)

	existing := d.entries[idx]
	post.ThreadRole = existing.ThreadRole&^domain.RoleTop | domain.RoleParent | domain.RoleDirectChild
	post.Timestamp = existing.Timestamp
	d.entries[idx] = post

	ref := post.Reply
	if e.Parent == nil || d.present(ref.ParentCID) {
		return true
	}
	parent := *e.Parent
	if !b.visibleContext(&parent) {
		return true
	}
	parent.ThreadRole = domain.RoleParent
	parent.Timestamp = post.Timestamp

	rootInserted := false
	if e.Root != nil && ref.RootCID != "" && ref.RootCID != ref.ParentCID && !d.present(ref.RootCID) {
		root := *e.Root
		if b.visibleContext(&root) {
			root.ThreadRole = domain.RoleTop | domain.RoleParent
			root.Timestamp = post.Timestamp
			d.insert(idx, root)
			stats.Synthesized++
			idx++
			rootInserted = true
		}
	}
	if !rootInserted && ref.ParentCID == ref.RootCID {
		parent.ThreadRole |= domain.RoleTop
	}
	d.insert(idx, parent)
	d.parentIndex[ref.ParentCID] = idx
	stats.Synthesized++
	return true
}

func collectThreadgates(d *draft, raw *domain.RawPage) {
	note := func(p *domain.Post) {
		if p != nil && p.Threadgate != nil && !p.IsReply() && p.URI != "" {
			d.gates[p.URI] = p.Threadgate
		}
	}
	for i := range raw.Entries {
		note(&raw.Entries[i].Post)
		note(raw.Entries[i].Root)
		note(raw.Entries[i].Parent)
	}
}

// applyThreadgates gives every reply the threadgate of its root.
func applyThreadgates(d *draft) {
	if len(d.gates) == 0 {
		return
	}
	for i := range d.entries {
		p := &d.entries[i]
		if p.Threadgate != nil || !p.IsReply() {
			continue
		}
		if g, ok := d.gates[p.Reply.RootURI]; ok {
			p.Threadgate = g
		}
	}
}

// foldThreads folds the middle posts of long stitched threads. The top, its
// first reply and the last two posts of a thread stay unfolded.
func foldThreads(entries []domain.Post) {
	for start := 0; start < len(entries); start++ {
		if !entries[start].ThreadRole.Has(domain.RoleTop) {
			continue
		}
		end := start + 1
		for end < len(entries) {
			role := entries[end].ThreadRole
			if role == 0 || role.Has(domain.RoleTop) {
				break
			}
			end++
			if role.Has(domain.RoleLeaf) {
				break
			}
		}

		if end-start >= minFoldLength {
			for i := start + 2; i < end-2; i++ {
				if i == start+2 {
					entries[i].Fold = domain.FoldFirst
				} else {
					entries[i].Fold = domain.FoldSubsequent
				}
			}
		}
		start = end - 1
	}
}
