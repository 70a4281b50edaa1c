package driver

import (
	"bufio"
	"bytes"
	"strings"
)

// VerboseStderr controls how much of a failing driver's stderr is folded
// into the response message.
type VerboseStderr string

const (
	VerboseAll     VerboseStderr = "all"
	VerboseMinimal VerboseStderr = "minimal"
	VerboseNone    VerboseStderr = "none"
)

// maxStderrBytes is the truncation ceiling for VerboseAll (2 MiB, minus
// room for the trailing marker).
const maxStderrBytes = 2*1024*1024 - 16

const truncationMarker = "\n...[truncated]"

// formatStderr renders captured stderr according to mode, for appending to
// a driver response's message field.
func formatStderr(stderr []byte, mode VerboseStderr) string {
	switch mode {
	case VerboseMinimal:
		return firstTwoLines(stderr)
	case VerboseNone:
		return ""
	case VerboseAll, "":
		return truncate(stderr, maxStderrBytes)
	default:
		return truncate(stderr, maxStderrBytes)
	}
}

func truncate(b []byte, limit int) string {
	if len(b) <= limit {
		return string(b)
	}
	return string(b[:limit]) + truncationMarker
}

func firstTwoLines(b []byte) string {
	scanner := bufio.NewScanner(bytes.NewReader(b))
	var lines []string
	for scanner.Scan() && len(lines) < 2 {
		lines = append(lines, scanner.Text())
	}
	return strings.Join(lines, "\n")
}

// appendStderr appends formatted stderr to an existing message, separating
// the two with a blank line when both are non-empty.
func appendStderr(message string, stderr []byte, mode VerboseStderr) string {
	formatted := formatStderr(stderr, mode)
	if formatted == "" {
		return message
	}
	if message == "" {
		return formatted
	}
	return message + "\n\n" + formatted
}
