package agentloop

import (
	"fmt"
	"strings"
)

// Output truncation limits applied to tool results before they are
// persisted and fed back to the model.
const (
	DefaultMaxOutputChars = 50000
	DefaultMaxOutputLines = 1000
)

// TruncationConfig bounds tool output size. Zero values disable the
// corresponding limit.
type TruncationConfig struct {
	MaxChars int
	MaxLines int
}

// DefaultTruncationConfig returns the standard output limits.
func DefaultTruncationConfig() TruncationConfig {
	return TruncationConfig{
		MaxChars: DefaultMaxOutputChars,
		MaxLines: DefaultMaxOutputLines,
	}
}

// TruncateOutput bounds output to the configured line and character
// limits, appending markers describing what was elided. Line limits
// apply before character limits; both limits cut the content only, so
// markers are never clipped.
func TruncateOutput(output string, config TruncationConfig) (string, bool) {
	var markers []string

	if config.MaxLines > 0 {
		lines := strings.Split(output, "\n")
		if len(lines) > config.MaxLines {
			elided := len(lines) - config.MaxLines
			output = strings.Join(lines[:config.MaxLines], "\n")
			markers = append(markers, fmt.Sprintf("... [%d lines truncated]", elided))
		}
	}

	if config.MaxChars > 0 && len(output) > config.MaxChars {
		elided := len(output) - config.MaxChars
		output = output[:config.MaxChars]
		markers = append(markers, fmt.Sprintf("... [%d characters truncated]", elided))
	}

	if len(markers) == 0 {
		return output, false
	}
	return output + "\n" + strings.Join(markers, "\n"), true
}
