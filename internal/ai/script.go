package ai

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/MainTabletop/BZN-plot-twist/internal/game"
)

var ErrNotEnoughCharacters = errors.New("at least 2 character descriptions are required")

type PlayerRef struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// ScriptRequest is everything a script is written from. It doubles as the
// body of POST /api/generate-script.
type ScriptRequest struct {
	Descriptions []game.Description `json:"descriptions"`
	Players      []PlayerRef        `json:"players"`
	Settings     game.Settings      `json:"settings"`
}

// Character is one description resolved to display names.
type Character struct {
	Name        string
	Describer   string
	Description string
}

func (r ScriptRequest) Validate() error {
	if len(r.Descriptions) < 2 {
		return ErrNotEnoughCharacters
	}
	if !r.Settings.Valid() {
		return game.ErrInvalidSettings
	}
	return nil
}

// Characters resolves subject and writer ids to names. Descriptions are
// sanitized here so every consumer sees the same text.
func (r ScriptRequest) Characters() []Character {
	names := make(map[string]string, len(r.Players))
	for _, p := range r.Players {
		names[p.ID] = p.Name
	}
	name := func(id string) string {
		if n, ok := names[id]; ok && n != "" {
			return n
		}
		return "Unknown Player"
	}
	out := make([]Character, 0, len(r.Descriptions))
	for _, d := range r.Descriptions {
		out = append(out, Character{
			Name:        name(d.SubjectID),
			Describer:   name(d.WriterID),
			Description: Sanitize(d.Text, MaxPromptInput),
		})
	}
	return out
}

// TargetWords is the approximate script length for a length setting.
func TargetWords(l game.Length) int {
	switch l {
	case game.LengthShort:
		return 300
	case game.LengthLong:
		return 1000
	}
	return 600
}

// BuildPrompt renders the user prompt for a provider.
func BuildPrompt(req ScriptRequest) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Write a %s scene set in a %s, about %d words long.\n",
		strings.ToLower(string(req.Settings.Tone)), req.Settings.Scene, TargetWords(req.Settings.Length))
	b.WriteString("Every character below must appear and speak. The descriptions were written by other players:\n\n")
	for _, c := range req.Characters() {
		fmt.Fprintf(&b, "- %s: %s\n", c.Name, c.Description)
	}
	b.WriteString("\nStart with a NARRATOR line setting the scene and end with [THE END].")
	return b.String()
}

// ScriptWriter picks a provider by name and falls back to the offline
// script when none is configured.
type ScriptWriter struct {
	Providers       map[string]Provider
	DefaultProvider string
	Model           string
	SystemPrompt    string
}

func (w *ScriptWriter) provider() Provider {
	if w == nil || len(w.Providers) == 0 {
		return nil
	}
	if p, ok := w.Providers[strings.ToLower(w.DefaultProvider)]; ok {
		return p
	}
	return nil
}

func (w *ScriptWriter) GenerateScript(ctx context.Context, req ScriptRequest) (string, error) {
	if err := req.Validate(); err != nil {
		return "", err
	}
	prov := w.provider()
	if prov == nil {
		return OfflineScript(req), nil
	}
	system := w.SystemPrompt
	if system == "" {
		system = DefaultSystemPrompt
	}
	model := w.Model
	if model == "" {
		model = "gpt-3.5-turbo"
	}
	text, err := prov.CompleteWithSystem(ctx, model, system, BuildPrompt(req))
	if err != nil {
		return "", fmt.Errorf("generate script with %s: %w", w.DefaultProvider, err)
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return "", fmt.Errorf("generate script with %s: empty response", w.DefaultProvider)
	}
	log.Info().Str("provider", w.DefaultProvider).Str("model", model).Int("chars", len(text)).Msg("script generated")
	return text, nil
}

// OfflineScript is the deterministic script used without a provider: a
// narrator intro, one entrance per character, a round of dialogue and a
// closing line.
func OfflineScript(req ScriptRequest) string {
	s := req.Settings
	chars := req.Characters()

	var b strings.Builder
	fmt.Fprintf(&b, "Setting: A %s\nTone: %s\n\n", s.Scene, s.Tone)
	fmt.Fprintf(&b, "NARRATOR: It was a %s day at the %s...\n\n", toneWord(s.Tone), s.Scene)

	for _, c := range chars {
		desc := c.Description
		if r := []rune(desc); len(r) > 100 {
			desc = string(r[:100])
		}
		fmt.Fprintf(&b, "[Enter %s]\n\n", c.Name)
		fmt.Fprintf(&b, "NARRATOR: %s walks in. %s...\n\n", c.Name, desc)
	}
	for i, cur := range chars {
		next := chars[(i+1)%len(chars)]
		fmt.Fprintf(&b, "%s: Hey %s, how's it going?\n\n", cur.Name, next.Name)
		fmt.Fprintf(&b, "%s: Oh, you know, just %s.\n\n", next.Name, toneReply(s.Tone))
	}
	fmt.Fprintf(&b, "NARRATOR: And so, our characters continued their adventure at the %s, each with their own story to tell...\n\n", s.Scene)
	b.WriteString("[THE END]")
	return b.String()
}

func toneWord(t game.Tone) string {
	switch t {
	case game.ToneDramatic:
		return "stormy"
	case game.ToneFunny:
		return "ridiculous"
	}
	return "typical"
}

func toneReply(t game.Tone) string {
	switch t {
	case game.ToneDramatic:
		return "dealing with my inner demons"
	case game.ToneFunny:
		return "trying not to spill my coffee again"
	}
	return "hanging out"
}
