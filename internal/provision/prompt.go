package provision

import (
	"bufio"
	"fmt"
	"io"
	"strings"
)

// Prompter asks the operator a yes/no question.
type Prompter interface {
	Confirm(question string) bool
}

// StaticPrompter always gives the same answer. Server mode uses false
// (nobody to ask); --yes uses true.
type StaticPrompter bool

func (p StaticPrompter) Confirm(string) bool {
	return bool(p)
}

// StreamPrompter reads answers from a terminal. Anything other than y/yes is no.
type StreamPrompter struct {
	In  io.Reader
	Out io.Writer
}

func (p *StreamPrompter) Confirm(question string) bool {
	fmt.Fprintf(p.Out, "%s [y/N] ", question)
	line, err := bufio.NewReader(p.In).ReadString('\n')
	if err != nil && line == "" {
		return false
	}
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		return true
	}
	return false
}
