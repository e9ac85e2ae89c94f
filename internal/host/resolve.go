// Package host derives the single authoritative host from membership.
package host

import (
	"time"

	"github.com/MainTabletop/BZN-plot-twist/internal/game"
)

// Resolve applies the host priority rules:
//
//  1. the remembered original host, when present;
//  2. the remembered current host, when present;
//  3. the first player in deterministic order.
//
// It returns "" for an empty room.
func Resolve(players []game.Player, originalHostID, currentHostID string) string {
	if len(players) == 0 {
		return ""
	}
	if originalHostID != "" && present(players, originalHostID) {
		return originalHostID
	}
	if currentHostID != "" && present(players, currentHostID) {
		return currentHostID
	}
	first := players[0]
	for _, p := range players[1:] {
		if game.Less(p, first) {
			first = p
		}
	}
	return first.ID
}

// Verdict is the outcome of checking a host assertion.
type Verdict int

const (
	Accept Verdict = iota
	// RejectOriginalPresent means the original host is present and the
	// assertion names someone else.
	RejectOriginalPresent
	// RejectAbsent means the asserted host is not in the room.
	RejectAbsent
	// RejectStale means the assertion is older than the allowed age.
	RejectStale
	// RejectIncumbent means a present current host sorts before the
	// asserted one.
	RejectIncumbent
)

func (v Verdict) String() string {
	switch v {
	case Accept:
		return "accept"
	case RejectOriginalPresent:
		return "original_host_present"
	case RejectAbsent:
		return "host_absent"
	case RejectStale:
		return "stale"
	case RejectIncumbent:
		return "incumbent_present"
	}
	return "unknown"
}

// Assertion is a received claim that hostID is host.
type Assertion struct {
	HostID string
	SentAt time.Time
	// Forced assertions come from an original host re-asserting itself.
	Forced bool
}

// Check applies the same priority rules to an incoming assertion that
// Resolve applies locally, instead of taking it at face value. Two present
// non-original claimants are settled by deterministic order unless the
// assertion is forced.
func Check(players []game.Player, originalHostID, currentHostID string, a Assertion, now time.Time, maxAge time.Duration) Verdict {
	if maxAge > 0 && !a.SentAt.IsZero() && now.Sub(a.SentAt) > maxAge {
		return RejectStale
	}
	asserted, ok := game.FindPlayer(players, a.HostID)
	if !ok {
		return RejectAbsent
	}
	if originalHostID == a.HostID {
		return Accept
	}
	if originalHostID != "" && present(players, originalHostID) {
		return RejectOriginalPresent
	}
	if a.Forced || currentHostID == "" || currentHostID == a.HostID {
		return Accept
	}
	if incumbent, ok := game.FindPlayer(players, currentHostID); ok && game.Less(incumbent, asserted) {
		return RejectIncumbent
	}
	return Accept
}

// PreferOriginal settles two competing original-host claims: a claim for a
// player not in the room loses, otherwise the earlier arrival wins.
func PreferOriginal(players []game.Player, local, claimed string) string {
	switch {
	case local == "":
		return claimed
	case claimed == "" || claimed == local:
		return local
	}
	lp, lok := game.FindPlayer(players, local)
	cp, cok := game.FindPlayer(players, claimed)
	switch {
	case lok && !cok:
		return local
	case cok && !lok:
		return claimed
	case !lok && !cok:
		return local
	}
	if game.JoinedBefore(cp, lp) {
		return claimed
	}
	return local
}

func present(players []game.Player, id string) bool {
	_, ok := game.FindPlayer(players, id)
	return ok
}
