package game

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// RoundSummary is what gets exported when a room reaches results.
type RoundSummary struct {
	RoomCode string
	Round    int
	Players  []Player
	Board    ScoreBoard
	At       time.Time
}

// ExportRound appends a plain-text summary of one finished round to filename.
func ExportRound(filename string, sum RoundSummary) error {
	dir := filepath.Dir(filename)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	file, err := os.OpenFile(filename, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to open file: %w", err)
	}
	defer file.Close()

	if _, err := file.WriteString(FormatRound(sum)); err != nil {
		return fmt.Errorf("failed to write to file: %w", err)
	}
	return nil
}

// FormatRound renders sum the way ExportRound writes it.
func FormatRound(sum RoundSummary) string {
	names := make(map[string]string, len(sum.Players))
	for _, p := range sum.Players {
		names[p.ID] = p.Name
	}
	name := func(id string) string {
		if n := names[id]; n != "" {
			return n
		}
		if id == "" {
			return "-"
		}
		return "Unknown"
	}

	var sb strings.Builder
	at := sum.At
	if at.IsZero() {
		at = time.Now()
	}
	sb.WriteString(fmt.Sprintf("Plot Twist Results - Room %s, Round %d\n", sum.RoomCode, sum.Round))
	sb.WriteString(fmt.Sprintf("Finished: %s\n", at.Format("2006-01-02 15:04:05")))
	sb.WriteString(strings.Repeat("=", 50) + "\n")

	type playerScore struct {
		Name  string
		Score int
	}
	scores := make([]playerScore, 0, len(sum.Board.Scores))
	for id, pts := range sum.Board.Scores {
		scores = append(scores, playerScore{Name: name(id), Score: pts})
	}
	sort.Slice(scores, func(i, j int) bool {
		if scores[i].Score != scores[j].Score {
			return scores[i].Score > scores[j].Score
		}
		return scores[i].Name < scores[j].Name
	})
	sb.WriteString("Scores:\n")
	for _, ps := range scores {
		sb.WriteString(fmt.Sprintf("- %s: %d points\n", ps.Name, ps.Score))
	}
	sb.WriteString(fmt.Sprintf("\nBest concept: %s\n", name(sum.Board.BestConceptWinner)))
	sb.WriteString(fmt.Sprintf("Best delivery: %s\n\n", name(sum.Board.BestDeliveryWinner)))
	return sb.String()
}
