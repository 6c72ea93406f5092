package window

import "fmt"

// GapStatus is the lifecycle state of a gap id.
type GapStatus uint8

const (
	GapUnknown GapStatus = iota
	GapOpen
	GapFilled
	GapReissued
	GapRemoved
)

func (s GapStatus) String() string {
	switch s {
	case GapOpen:
		return "open"
	case GapFilled:
		return "filled"
	case GapReissued:
		return "reissued"
	case GapRemoved:
		return "removed"
	default:
		return "unknown"
	}
}

type gapRecord struct {
	status    GapStatus
	successor int
}

// gapManager tracks the placeholder row of every open gap. Ids are never
// reused within one window, also not across Clear.
type gapManager struct {
	next    int
	index   map[int]int
	history map[int]gapRecord
}

func newGapManager() *gapManager {
	return &gapManager{
		index:   make(map[int]int),
		history: make(map[int]gapRecord),
	}
}

// mint reserves a new gap id. The gap is not located until place is called.
func (g *gapManager) mint() int {
	g.next++
	g.history[g.next] = gapRecord{status: GapOpen}
	return g.next
}

func (g *gapManager) place(id, at int) {
	g.index[id] = at
}

func (g *gapManager) lookup(id int) (int, bool) {
	idx, ok := g.index[id]
	return idx, ok
}

// take removes an open gap from the index without resolving it.
func (g *gapManager) take(id int) (int, bool) {
	idx, ok := g.index[id]
	if ok {
		delete(g.index, id)
	}
	return idx, ok
}

// resolve records how a filled gap ended: closed, or replaced by successor.
func (g *gapManager) resolve(id, successor int) {
	if successor == 0 {
		g.history[id] = gapRecord{status: GapFilled}
		return
	}
	g.history[id] = gapRecord{status: GapReissued, successor: successor}
}

// shift moves every gap at or after from by offset rows.
func (g *gapManager) shift(from, offset int) {
	for id, idx := range g.index {
		if idx >= from {
			g.index[id] = idx + offset
		}
	}
}

// drop removes the gaps whose rows lie in [start, end).
func (g *gapManager) drop(start, end int) {
	for id, idx := range g.index {
		if idx >= start && idx < end {
			delete(g.index, id)
			g.history[id] = gapRecord{status: GapRemoved}
		}
	}
}

func (g *gapManager) status(id int) (GapStatus, int) {
	rec, ok := g.history[id]
	if !ok {
		return GapUnknown, 0
	}
	return rec.status, rec.successor
}

func (g *gapManager) count() int {
	return len(g.index)
}

func (g *gapManager) reset() {
	g.index = make(map[int]int)
	g.history = make(map[int]gapRecord)
}

func (g *gapManager) String() string {
	return fmt.Sprintf("gaps%v", g.index)
}
