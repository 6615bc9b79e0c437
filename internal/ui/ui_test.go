package ui

import (
	"strings"
	"testing"
)

func TestShouldUseColor_Env(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
		want bool
	}{
		{"NO_COLOR wins", map[string]string{"NO_COLOR": "1", "CLICOLOR_FORCE": "1"}, false},
		{"forced", map[string]string{"NO_COLOR": "", "CLICOLOR_FORCE": "1"}, true},
		{"disabled", map[string]string{"NO_COLOR": "", "CLICOLOR_FORCE": "", "CLICOLOR": "0"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			if got := ShouldUseColor(); got != tt.want {
				t.Fatalf("ShouldUseColor() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestRenderHelpers(t *testing.T) {
	if got := RenderDecision("GO"); !strings.Contains(got, "\x1b[38;5;114m") {
		t.Fatalf("GO = %q", got)
	}
	if got := RenderLevel("WARN"); !strings.Contains(got, "WARN") || !strings.HasPrefix(got, "\x1b[") {
		t.Fatalf("WARN = %q", got)
	}
	if got := RenderLevel("OTHER"); got != "OTHER" {
		t.Fatalf("unknown level = %q", got)
	}

	ForceNoColor()
	t.Cleanup(func() { noColor = false })
	if got := RenderDecision("NO-GO"); got != "NO-GO" {
		t.Fatalf("no color decision = %q", got)
	}
	md := "# Report\n\n- item\n"
	if got, err := RenderMarkdown(md, 80); err != nil || got != md {
		t.Fatalf("no color markdown = %q, %v", got, err)
	}
}

func TestRenderMarkdown_Styled(t *testing.T) {
	out, err := RenderMarkdown("# Daily Digest\n\nAll **green**.\n", 60)
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if !strings.Contains(out, "Daily Digest") || !strings.Contains(out, "green") {
		t.Fatalf("rendered = %q", out)
	}
}
