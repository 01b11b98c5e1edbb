// Package cli provides shared formatting helpers for the stargate
// command line: ANSI colors, device state rendering, and aligned
// tables.
package cli

import (
	"os"
	"strings"
)

// colorEnabled is false when NO_COLOR env var is set (per no-color.org).
var colorEnabled = os.Getenv("NO_COLOR") == ""

// Green wraps s in ANSI green. Returns s unchanged when NO_COLOR is set.
func Green(s string) string {
	if !colorEnabled {
		return s
	}
	return "\033[32m" + s + "\033[0m"
}

// Yellow wraps s in ANSI yellow. Returns s unchanged when NO_COLOR is set.
func Yellow(s string) string {
	if !colorEnabled {
		return s
	}
	return "\033[33m" + s + "\033[0m"
}

// Red wraps s in ANSI red. Returns s unchanged when NO_COLOR is set.
func Red(s string) string {
	if !colorEnabled {
		return s
	}
	return "\033[31m" + s + "\033[0m"
}

// Bold wraps s in ANSI bold. Returns s unchanged when NO_COLOR is set.
func Bold(s string) string {
	if !colorEnabled {
		return s
	}
	return "\033[1m" + s + "\033[0m"
}

// Dim wraps s in ANSI dim. Returns s unchanged when NO_COLOR is set.
func Dim(s string) string {
	if !colorEnabled {
		return s
	}
	return "\033[2m" + s + "\033[0m"
}

// Device state words grouped by display tone. Energized states read
// green, transitional and armed states yellow, resting states dim.
// Unlisted states print plain.
var (
	activeStates  = wordSet("on", "open", "fully_open", "occupied", "pressed", "active", "locked")
	pendingStates = wordSet("half", "armed", "busy", "pending")
	restingStates = wordSet("off", "closed", "vacant", "unpressed", "inactive", "unlocked", "ready")
)

func wordSet(words ...string) map[string]bool {
	m := make(map[string]bool, len(words))
	for _, w := range words {
		m[w] = true
	}
	return m
}

// State colors one device state word by its tone.
func State(s string) string {
	switch {
	case activeStates[s]:
		return Green(s)
	case pendingStates[s]:
		return Yellow(s)
	case restingStates[s]:
		return Dim(s)
	}
	return s
}

// States renders a device's current state list, comma-joined and
// toned.
func States(states []string) string {
	out := make([]string, len(states))
	for i, s := range states {
		out[i] = State(s)
	}
	return strings.Join(out, ",")
}
