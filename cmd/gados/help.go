package main

import (
	"bytes"
	"fmt"
	"regexp"
	"strings"

	"github.com/spf13/cobra"

	"github.com/alfredjeanlab/gados/internal/ui"
)

// helpRule restyles every match of re in Cobra's plain help text.
type helpRule struct {
	re    *regexp.Regexp
	style func([]string) string
}

var helpRules = []helpRule{
	// "Scenarios:", "Flags:" and other section headers.
	{regexp.MustCompile(`(?m)^[A-Z][^\n]*:[ \t]*$`), func(m []string) string {
		return ui.RenderAccent(strings.TrimSpace(m[0]))
	}},
	// Subcommand names in the command listing.
	{regexp.MustCompile(`(?m)^  (\S+)  `), func(m []string) string {
		return "  " + ui.RenderCommand(m[1]) + "  "
	}},
	// Flag value types such as "--budget float".
	{regexp.MustCompile(`(--?\S+\s+)(string|int|float|duration|stringSlice|stringArray)\b`), func(m []string) string {
		return m[1] + ui.RenderMuted(m[2])
	}},
	{regexp.MustCompile(`\(default [^)]*\)`), func(m []string) string {
		return ui.RenderMuted(m[0])
	}},
}

// colorizedHelpFunc renders Cobra's usage text and, on a color terminal,
// restyles it with helpRules.
func colorizedHelpFunc() func(*cobra.Command, []string) {
	return func(cmd *cobra.Command, _ []string) {
		out := cmd.OutOrStdout()
		if !ui.ShouldUseColor() {
			_ = cmd.Usage()
			return
		}
		var buf bytes.Buffer
		cmd.SetOut(&buf)
		_ = cmd.Usage()
		cmd.SetOut(out)
		fmt.Fprint(out, colorizeHelpOutput(buf.String()))
	}
}

func colorizeHelpOutput(s string) string {
	for _, r := range helpRules {
		s = r.re.ReplaceAllStringFunc(s, func(match string) string {
			return r.style(r.re.FindStringSubmatch(match))
		})
	}
	return s
}
