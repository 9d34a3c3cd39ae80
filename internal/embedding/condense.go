package embedding

import (
	"context"
	"fmt"
	"strings"

	"edgeai/internal/logging"
	"edgeai/internal/token"
)

const minShareTokens = 16

// Extractive condenses by keeping the head of every source, oldest first,
// with the token budget split evenly between them.
type Extractive struct{}

func (Extractive) Condense(ctx context.Context, texts []string, maxTokens int) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if maxTokens <= 0 {
		return "", fmt.Errorf("condense: max tokens must be positive")
	}
	share := maxTokens / max(len(texts), 1)
	if share < minShareTokens {
		share = minShareTokens
	}
	var b strings.Builder
	for _, t := range texts {
		t = strings.TrimSpace(t)
		if t == "" {
			continue
		}
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		b.WriteString("- ")
		b.WriteString(strings.Join(strings.Fields(token.Truncate(t, share)), " "))
	}
	return token.Truncate(b.String(), maxTokens), nil
}

// Generator produces text for a prompt. The inference layer supplies one
// bound to a concrete model.
type Generator func(ctx context.Context, prompt string, maxTokens int) (string, error)

// Generative asks a model to summarize and falls back to Extractive when the
// model is unavailable.
type Generative struct {
	Generate Generator
	Logger   logging.Logger
}

const condensePrompt = "Summarize the following notes into a compact memory. Keep names, decisions, numbers and open items. Do not add anything new.\n\n"

func (g Generative) Condense(ctx context.Context, texts []string, maxTokens int) (string, error) {
	if g.Generate == nil {
		return Extractive{}.Condense(ctx, texts, maxTokens)
	}
	var b strings.Builder
	b.WriteString(condensePrompt)
	for i, t := range texts {
		fmt.Fprintf(&b, "[%d] %s\n", i+1, strings.TrimSpace(t))
	}
	out, err := g.Generate(ctx, b.String(), maxTokens)
	if err == nil && strings.TrimSpace(out) != "" {
		return token.Truncate(strings.TrimSpace(out), maxTokens), nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return "", ctxErr
	}
	logging.OrNop(g.Logger).Warn("Generative condense failed, using extractive summary: %v", err)
	return Extractive{}.Condense(ctx, texts, maxTokens)
}
