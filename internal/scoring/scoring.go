// Package scoring turns a finished round into points and category winners.
//
// The host runs Compute exactly once per round and broadcasts the result;
// every other client displays the broadcast board as-is.
package scoring

import (
	"sort"

	"github.com/MainTabletop/BZN-plot-twist/internal/game"
)

const (
	PointsCorrectGuess = 3
	PointsBestConcept  = 1
	PointsBestDelivery = 1
)

// Compute scores a round. Votes are scanned in ascending voter id order, so
// equal inputs always give equal boards. A category tie goes to the player
// that reached the winning count first in that scan.
func Compute(assignments game.Assignments, descriptions map[string]game.Description, votes map[string]game.Vote) game.ScoreBoard {
	board := game.ScoreBoard{Scores: make(map[string]int)}
	for writer := range assignments {
		board.Scores[writer] = 0
	}

	voters := make([]string, 0, len(votes))
	for id := range votes {
		voters = append(voters, id)
	}
	sort.Strings(voters)

	concept := newTally()
	delivery := newTally()

	for _, voterID := range voters {
		v := votes[voterID]
		if v.VoterID == "" {
			v.VoterID = voterID
		}

		if v.GuessedAuthorID != "" {
			if writer, ok := assignments.WriterOf(v.VoterID); ok && writer == v.GuessedAuthorID {
				board.Scores[v.VoterID] += PointsCorrectGuess
			}
		}

		if v.BestConceptSubjectID != "" {
			if writer, ok := writerOf(assignments, descriptions, v.BestConceptSubjectID); ok {
				board.Scores[writer] += PointsBestConcept
				concept.add(writer)
			}
		}

		if v.BestDeliveryPlayerID != "" {
			board.Scores[v.BestDeliveryPlayerID] += PointsBestDelivery
			delivery.add(v.BestDeliveryPlayerID)
		}
	}

	board.BestConceptWinner = concept.leader
	board.BestDeliveryWinner = delivery.leader
	return board
}

// writerOf finds who described subjectID, preferring the recorded
// description over the assignment.
func writerOf(assignments game.Assignments, descriptions map[string]game.Description, subjectID string) (string, bool) {
	writers := make([]string, 0, len(descriptions))
	for w := range descriptions {
		writers = append(writers, w)
	}
	sort.Strings(writers)
	for _, w := range writers {
		d := descriptions[w]
		if d.SubjectID == subjectID {
			if d.WriterID != "" {
				return d.WriterID, true
			}
			return w, true
		}
	}
	return assignments.WriterOf(subjectID)
}

type tally struct {
	counts map[string]int
	leader string
	best   int
}

func newTally() *tally { return &tally{counts: make(map[string]int)} }

func (t *tally) add(id string) {
	t.counts[id]++
	if t.counts[id] > t.best {
		t.best = t.counts[id]
		t.leader = id
	}
}
