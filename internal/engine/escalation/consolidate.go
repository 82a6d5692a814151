package escalation

import (
	"sort"
	"time"

	"taskping/internal/engine/event"
	"taskping/internal/tracker"
)

// Candidate is one accepted escalation alert awaiting dispatch.
type Candidate struct {
	Item  tracker.Item
	Event event.Event
	Level int
}

// Group is a consolidated decision: one composite alert standing in for
// three or more same-level candidates on the same calendar day.
type Group struct {
	Level  int
	Day    string // ISO date
	Prompt string
	Items  []tracker.Item
}

// ItemIDs returns the member item ids in group order.
func (g Group) ItemIDs() []string {
	ids := make([]string, len(g.Items))
	for i, it := range g.Items {
		ids[i] = it.ID
	}
	return ids
}

// Consolidate splits candidates into composite groups and remaining
// singles. Candidates sharing (level, calendar day) collapse into one
// Group once the bucket reaches three; smaller buckets stay individual.
// Output order is deterministic: groups by ascending level, members and
// singles by item id.
func Consolidate(cands []Candidate, today time.Time) (groups []Group, singles []Candidate) {
	day := dateOnly(today).Format("2006-01-02")

	byLevel := map[int][]Candidate{}
	for _, c := range cands {
		byLevel[c.Level] = append(byLevel[c.Level], c)
	}

	levels := make([]int, 0, len(byLevel))
	for lvl := range byLevel {
		levels = append(levels, lvl)
	}
	sort.Ints(levels)

	for _, lvl := range levels {
		bucket := byLevel[lvl]
		sort.Slice(bucket, func(i, j int) bool { return bucket[i].Item.ID < bucket[j].Item.ID })

		if len(bucket) >= consolidateMin {
			g := Group{Level: lvl, Day: day, Prompt: Prompt(lvl)}
			for _, c := range bucket {
				g.Items = append(g.Items, c.Item)
			}
			groups = append(groups, g)
			continue
		}
		singles = append(singles, bucket...)
	}

	sort.Slice(singles, func(i, j int) bool { return singles[i].Item.ID < singles[j].Item.ID })
	return groups, singles
}
