// Package ai turns the round's descriptions into a performable script.
package ai

import "context"

type Provider interface {
	Complete(ctx context.Context, model string, prompt string) (string, error)
	CompleteWithSystem(ctx context.Context, model string, systemPrompt string, prompt string) (string, error)
}

// DefaultSystemPrompt frames the model as a playwright for short scenes.
const DefaultSystemPrompt = "You are a playwright writing short, performable scenes for a party game. " +
	"Write a script with a NARRATOR and one speaking part per character. " +
	"Use the format NAME: line. Do not reveal who wrote which description."
