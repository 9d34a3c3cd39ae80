package main

import (
	"fmt"
	"os"

	"github.com/charmbracelet/glamour"
	"golang.org/x/term"
)

const (
	defaultWrapWidth = 80
	maxWrapWidth     = 120
)

func isTerminal(f *os.File) bool {
	return term.IsTerminal(int(f.Fd()))
}

// renderMarkdown styles agent output for a terminal. Callers fall back to
// the raw text when it fails.
func renderMarkdown(content string) (string, error) {
	width := defaultWrapWidth
	if w, _, err := term.GetSize(int(os.Stdout.Fd())); err == nil && w > 0 {
		width = min(w-4, maxWrapWidth)
	}
	renderer, err := glamour.NewTermRenderer(
		glamour.WithStandardStyle("dark"),
		glamour.WithWordWrap(width),
	)
	if err != nil {
		return "", fmt.Errorf("create markdown renderer: %w", err)
	}
	return renderer.Render(content)
}
