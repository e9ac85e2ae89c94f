// Package presence turns raw presence snapshots into the ordered player list
// every client renders and indexes identically.
package presence

import (
	"github.com/MainTabletop/BZN-plot-twist/internal/game"
	"github.com/MainTabletop/BZN-plot-twist/internal/protocol"
)

// Context is the local phase knowledge the status guards need.
type Context struct {
	Phase game.Phase
	// JustEntered is true while the room is inside the phase-entry window,
	// the only time a ready -> writing/guessing downgrade is believed.
	JustEntered bool
	// Submitted holds players with a recorded submission for Phase.
	Submitted game.IDSet
	// Removed holds players the host has kicked; their entries are ignored.
	Removed game.IDSet
}

// Reconcile merges snapshot into prev. Entries without an id are dropped;
// repeated keys collapse with the last entry winning for every field except
// status, which goes through game.StatusTransition.
func Reconcile(prev []game.Player, snapshot []protocol.PresenceEntry, ctx Context) []game.Player {
	known := make(map[string]game.Player, len(prev))
	for _, p := range prev {
		known[p.ID] = p
	}

	merged := make(map[string]game.Player, len(snapshot))
	order := make([]string, 0, len(snapshot))
	for _, entry := range snapshot {
		meta := entry.Meta
		if meta.ID == "" {
			continue
		}
		if ctx.Removed != nil && ctx.Removed.Has(meta.ID) {
			continue
		}
		name := game.CleanName(meta.Name)
		if name == "" {
			name = "Player"
		}

		p, seen := merged[meta.ID]
		if !seen {
			order = append(order, meta.ID)
			if old, ok := known[meta.ID]; ok {
				p = old
			} else {
				p = game.Player{ID: meta.ID}
			}
		}
		p.Name = name
		if !meta.JoinedAt.IsZero() {
			p.JoinedAt = meta.JoinedAt
		}
		if meta.SeatNumber > 0 {
			p.SeatNumber = meta.SeatNumber
		}
		submitted := ctx.Submitted != nil && ctx.Submitted.Has(meta.ID)
		p.Status = game.StatusTransition(ctx.Phase, p.Status, meta.Status, submitted, ctx.JustEntered)
		merged[meta.ID] = p
	}

	out := make([]game.Player, 0, len(merged))
	for _, id := range order {
		out = append(out, merged[id])
	}
	game.SortPlayers(out)
	return out
}

// Joined returns ids present in next but not in prev.
func Joined(prev, next []game.Player) []string {
	before := game.NewIDSet(game.PlayerIDs(prev)...)
	var out []string
	for _, p := range next {
		if !before.Has(p.ID) {
			out = append(out, p.ID)
		}
	}
	return out
}

// Left returns ids present in prev but not in next.
func Left(prev, next []game.Player) []string {
	return Joined(next, prev)
}
