package azcli

import (
	"errors"
	"fmt"
	"strings"
)

// ErrNotFound is matched when the CLI reports that a queried resource does not exist.
var ErrNotFound = errors.New("resource not found")

// notFoundMarkers are stderr fragments az prints for missing resources.
var notFoundMarkers = []string{
	"ResourceNotFound",
	"ResourceGroupNotFound",
	"could not be found",
	"was not found",
	"does not exist",
}

// CommandError is a non-zero exit from an external command.
type CommandError struct {
	Command  string
	ExitCode int
	Stderr   string
}

func (e *CommandError) Error() string {
	if e.Stderr == "" {
		return fmt.Sprintf("%s: exit status %d", e.Command, e.ExitCode)
	}
	return fmt.Sprintf("%s: exit status %d: %s", e.Command, e.ExitCode, truncate(e.Stderr, 300))
}

// Is reports ErrNotFound when stderr names a missing resource.
func (e *CommandError) Is(target error) bool {
	if target != ErrNotFound {
		return false
	}
	for _, m := range notFoundMarkers {
		if strings.Contains(e.Stderr, m) {
			return true
		}
	}
	return false
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
