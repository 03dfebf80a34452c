package azcli

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os/exec"
	"strings"
)

// Result is the captured outcome of one external command.
type Result struct {
	Stdout   []byte
	Stderr   []byte
	ExitCode int
}

// Runner executes external commands. Implementations must honour ctx
// cancellation.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) (Result, error)
}

// ExecRunner runs commands with os/exec.
type ExecRunner struct {
	// Dir is the working directory; empty means the current directory.
	Dir string
	// Env, when non-nil, is appended to the inherited environment.
	Env []string
	// Passthrough, when set, also receives the command's stderr as it runs,
	// so az progress and device-code prompts stay visible.
	Passthrough io.Writer
}

// Run executes name with args. A non-zero exit yields a *CommandError.
func (r *ExecRunner) Run(ctx context.Context, name string, args ...string) (Result, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = r.Dir
	if r.Env != nil {
		cmd.Env = append(cmd.Environ(), r.Env...)
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if r.Passthrough != nil {
		cmd.Stderr = io.MultiWriter(&stderr, r.Passthrough)
	}

	err := cmd.Run()
	res := Result{Stdout: stdout.Bytes(), Stderr: stderr.Bytes()}
	if err == nil {
		return res, nil
	}

	if ctx.Err() != nil {
		return res, ctx.Err()
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		res.ExitCode = exitErr.ExitCode()
		return res, &CommandError{
			Command:  commandLine(name, args),
			ExitCode: res.ExitCode,
			Stderr:   strings.TrimSpace(string(res.Stderr)),
		}
	}
	return res, &CommandError{Command: commandLine(name, args), ExitCode: -1, Stderr: err.Error()}
}

// commandLine renders a command for messages with secret values redacted.
func commandLine(name string, args []string) string {
	return name + " " + strings.Join(Redact(args), " ")
}

// secretFlags take a secret as their next argument.
var secretFlags = map[string]bool{
	"--password":                        true,
	"-p":                                true,
	"--docker-registry-server-password": true,
	"--client-secret":                   true,
}

// Redact returns a copy of args with credentials replaced. Flag values
// following a secret flag and KEY=VALUE pairs whose key names a secret
// are masked.
func Redact(args []string) []string {
	out := make([]string, len(args))
	for i, a := range args {
		switch {
		case i > 0 && secretFlags[args[i-1]]:
			out[i] = "***"
		case strings.Contains(a, "=") && !strings.HasPrefix(a, "-"):
			key, _, _ := strings.Cut(a, "=")
			if isSecretKey(key) {
				out[i] = key + "=***"
			} else {
				out[i] = a
			}
		default:
			out[i] = a
		}
	}
	return out
}

func isSecretKey(key string) bool {
	k := strings.ToUpper(key)
	return strings.Contains(k, "KEY") || strings.Contains(k, "SECRET") || strings.Contains(k, "PASSWORD")
}
