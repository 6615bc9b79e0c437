package ui

import (
	"github.com/charmbracelet/glamour"
)

// RenderMarkdown renders a report for the terminal. Without color the
// markdown is returned as is.
func RenderMarkdown(md string, width int) (string, error) {
	if noColor {
		return md, nil
	}
	r, err := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(width),
	)
	if err != nil {
		return "", err
	}
	return r.Render(md)
}
