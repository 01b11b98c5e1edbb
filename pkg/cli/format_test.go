package cli

import (
	"strings"
	"testing"
)

func TestColorFunctions(t *testing.T) {
	tests := []struct {
		name   string
		fn     func(string) string
		prefix string
	}{
		{"Green", Green, "\033[32m"},
		{"Yellow", Yellow, "\033[33m"},
		{"Red", Red, "\033[31m"},
		{"Bold", Bold, "\033[1m"},
		{"Dim", Dim, "\033[2m"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.fn("hello")
			if !strings.HasPrefix(got, tt.prefix) {
				t.Errorf("%s should start with %q", tt.name, tt.prefix)
			}
			if !strings.Contains(got, "hello") {
				t.Errorf("%s should contain the input string", tt.name)
			}
			if !strings.HasSuffix(got, "\033[0m") {
				t.Errorf("%s should end with reset code", tt.name)
			}
		})
	}
}

func TestStateTones(t *testing.T) {
	tests := []struct {
		state string
		code  string
	}{
		{"on", "\033[32m"},
		{"open", "\033[32m"},
		{"locked", "\033[32m"},
		{"armed", "\033[33m"},
		{"pending", "\033[33m"},
		{"off", "\033[2m"},
		{"ready", "\033[2m"},
		{"vacant", "\033[2m"},
	}
	for _, tt := range tests {
		t.Run(tt.state, func(t *testing.T) {
			got := State(tt.state)
			if !strings.HasPrefix(got, tt.code) {
				t.Errorf("State(%q) = %q, want prefix %q", tt.state, got, tt.code)
			}
		})
	}
}

func TestStateUnknownWordPrintsPlain(t *testing.T) {
	if got := State("weird"); got != "weird" {
		t.Errorf("State(%q) = %q, want it unchanged", "weird", got)
	}
}

func TestStatesJoinsWithCommas(t *testing.T) {
	got := States([]string{"on", "weird"})
	if !strings.Contains(got, ",") {
		t.Errorf("States = %q, want comma-joined", got)
	}
	if !strings.Contains(got, "weird") {
		t.Errorf("States = %q, want it to keep unknown words", got)
	}
}
