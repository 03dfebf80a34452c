// Package mock provides a scripted azcli.Runner for testing.
package mock

import (
	"context"
	"strings"
	"sync"

	"github.com/rflorenc/ragdeploy/internal/azcli"
)

// Response is a scripted command outcome.
type Response struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Runner matches each command line against registered prefixes (longest
// wins) and replays the scripted responses in order; the last response for
// a prefix repeats. Unmatched commands succeed with "{}".
type Runner struct {
	mu        sync.Mutex
	responses map[string][]Response
	calls     []string
	hook      func(line string)
}

// New creates an empty scripted runner.
func New() *Runner {
	return &Runner{responses: make(map[string][]Response)}
}

// On appends a response for commands starting with prefix, e.g. "az group show".
func (r *Runner) On(prefix string, resp Response) *Runner {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.responses[prefix] = append(r.responses[prefix], resp)
	return r
}

// OK scripts a successful response with the given stdout.
func (r *Runner) OK(prefix, stdout string) *Runner {
	return r.On(prefix, Response{Stdout: stdout})
}

// NotFound scripts the error az prints for a missing resource.
func (r *Runner) NotFound(prefix string) *Runner {
	return r.On(prefix, Response{
		Stderr:   "ERROR: (ResourceNotFound) The Resource was not found.",
		ExitCode: 3,
	})
}

// Fail scripts a generic failure.
func (r *Runner) Fail(prefix, stderr string) *Runner {
	return r.On(prefix, Response{Stderr: stderr, ExitCode: 1})
}

// OnCall registers a hook invoked with every command line before it is answered.
func (r *Runner) OnCall(hook func(line string)) *Runner {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hook = hook
	return r
}

// Run implements azcli.Runner.
func (r *Runner) Run(ctx context.Context, name string, args ...string) (azcli.Result, error) {
	line := strings.TrimSpace(name + " " + strings.Join(args, " "))

	r.mu.Lock()
	r.calls = append(r.calls, line)
	hook := r.hook
	resp := r.next(line)
	r.mu.Unlock()

	if hook != nil {
		hook(line)
	}
	if err := ctx.Err(); err != nil {
		return azcli.Result{}, err
	}

	res := azcli.Result{Stdout: []byte(resp.Stdout), Stderr: []byte(resp.Stderr), ExitCode: resp.ExitCode}
	if resp.ExitCode != 0 {
		return res, &azcli.CommandError{Command: line, ExitCode: resp.ExitCode, Stderr: resp.Stderr}
	}
	return res, nil
}

func (r *Runner) next(line string) Response {
	best := ""
	for prefix := range r.responses {
		if strings.HasPrefix(line, prefix) && len(prefix) > len(best) {
			best = prefix
		}
	}
	if best == "" {
		return Response{Stdout: "{}"}
	}
	queue := r.responses[best]
	resp := queue[0]
	if len(queue) > 1 {
		r.responses[best] = queue[1:]
	}
	return resp
}

// Calls returns every command line run so far.
func (r *Runner) Calls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.calls))
	copy(out, r.calls)
	return out
}

// Count returns how many command lines started with prefix.
func (r *Runner) Count(prefix string) int {
	n := 0
	for _, c := range r.Calls() {
		if strings.HasPrefix(c, prefix) {
			n++
		}
	}
	return n
}
