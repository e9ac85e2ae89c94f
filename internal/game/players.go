package game

import (
	"math/rand"
	"sort"
)

// Less is the deterministic player order every client agrees on: seated
// players by seat number, then join time, then id.
func Less(a, b Player) bool {
	switch {
	case a.SeatNumber > 0 && b.SeatNumber > 0 && a.SeatNumber != b.SeatNumber:
		return a.SeatNumber < b.SeatNumber
	case a.SeatNumber > 0 && b.SeatNumber == 0:
		return true
	case a.SeatNumber == 0 && b.SeatNumber > 0:
		return false
	}
	return JoinedBefore(a, b)
}

// JoinedBefore orders by join time, then id, ignoring seats. Seats are
// handed out in store commit order, which can differ from arrival order.
func JoinedBefore(a, b Player) bool {
	if !a.JoinedAt.Equal(b.JoinedAt) {
		if a.JoinedAt.IsZero() {
			return false
		}
		if b.JoinedAt.IsZero() {
			return true
		}
		return a.JoinedAt.Before(b.JoinedAt)
	}
	return a.ID < b.ID
}

// FirstJoined returns the player who arrived earliest.
func FirstJoined(players []Player) (Player, bool) {
	if len(players) == 0 {
		return Player{}, false
	}
	first := players[0]
	for _, p := range players[1:] {
		if JoinedBefore(p, first) {
			first = p
		}
	}
	return first, true
}

// SortPlayers orders players in place and fills VirtualSeat for players
// without a stored seat number.
func SortPlayers(players []Player) {
	sort.SliceStable(players, func(i, j int) bool { return Less(players[i], players[j]) })
	maxSeat := 0
	for _, p := range players {
		if p.SeatNumber > maxSeat {
			maxSeat = p.SeatNumber
		}
	}
	next := maxSeat
	for i := range players {
		if players[i].SeatNumber > 0 {
			players[i].VirtualSeat = players[i].SeatNumber
			continue
		}
		next++
		players[i].VirtualSeat = next
	}
}

func ClonePlayers(players []Player) []Player {
	if players == nil {
		return nil
	}
	return append([]Player(nil), players...)
}

func PlayerIDs(players []Player) []string {
	ids := make([]string, len(players))
	for i, p := range players {
		ids[i] = p.ID
	}
	return ids
}

func FindPlayer(players []Player, id string) (Player, bool) {
	for _, p := range players {
		if p.ID == id {
			return p, true
		}
	}
	return Player{}, false
}

// NewAssignments shuffles ids and has every player describe the next one in
// the shuffled order, wrapping around, so the relation is a single cycle.
func NewAssignments(ids []string, rng *rand.Rand) (Assignments, error) {
	if len(ids) < MinPlayers {
		return nil, ErrNotEnoughPlayers
	}
	order := append([]string(nil), ids...)
	sort.Strings(order)
	if rng == nil {
		rand.Shuffle(len(order), func(i, j int) { order[i], order[j] = order[j], order[i] })
	} else {
		rng.Shuffle(len(order), func(i, j int) { order[i], order[j] = order[j], order[i] })
	}
	return CycleAssignments(order), nil
}

// CycleAssignments builds the writer->subject cycle over order as given.
func CycleAssignments(order []string) Assignments {
	out := make(Assignments, len(order))
	for i, writer := range order {
		out[writer] = order[(i+1)%len(order)]
	}
	return out
}

// IsSingleCycle reports whether a covers every id exactly once as writer and
// once as subject, with no self-assignment, in one cycle.
func IsSingleCycle(a Assignments, ids []string) bool {
	if len(ids) < MinPlayers || len(a) != len(ids) {
		return false
	}
	members := NewIDSet(ids...)
	subjects := NewIDSet()
	for writer, subject := range a {
		if !members.Has(writer) || !members.Has(subject) || writer == subject {
			return false
		}
		if !subjects.Add(subject) {
			return false
		}
	}
	start := ids[0]
	cur := start
	for i := 0; i < len(ids); i++ {
		cur = a[cur]
		if cur == start {
			return i == len(ids)-1
		}
	}
	return false
}
