package azcli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// DefaultBinary is the Azure CLI executable name.
const DefaultBinary = "az"

// CLI issues az commands through a Runner.
type CLI struct {
	runner Runner
	binary string
}

// New creates a CLI that invokes the default az binary.
func New(r Runner) *CLI {
	return &CLI{runner: r, binary: DefaultBinary}
}

// Run executes an az command and returns its stdout.
func (c *CLI) Run(ctx context.Context, args ...string) ([]byte, error) {
	res, err := c.runner.Run(ctx, c.binary, args...)
	if err != nil {
		return res.Stdout, err
	}
	return res.Stdout, nil
}

// JSON executes an az command with JSON output and decodes stdout into dest.
func (c *CLI) JSON(ctx context.Context, dest interface{}, args ...string) error {
	out, err := c.Run(ctx, append(args, "--output", "json")...)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(out, dest); err != nil {
		return fmt.Errorf("parsing output of %s: %w", commandLine(c.binary, args), err)
	}
	return nil
}

// Object executes an az command and decodes a single JSON object. Some show
// commands exit 0 with empty or null output for a missing resource; those
// return a nil Object.
func (c *CLI) Object(ctx context.Context, args ...string) (Object, error) {
	out, err := c.Run(ctx, append(args, "--output", "json")...)
	if err != nil {
		return nil, err
	}
	trimmed := strings.TrimSpace(string(out))
	if trimmed == "" || trimmed == "null" {
		return nil, nil
	}
	var obj Object
	if err := json.Unmarshal([]byte(trimmed), &obj); err != nil {
		return nil, fmt.Errorf("parsing output of %s: %w", commandLine(c.binary, args), err)
	}
	return obj, nil
}

// Show runs an existence query. A missing resource returns (nil, nil);
// any other failure is returned as an error.
func (c *CLI) Show(ctx context.Context, args ...string) (Object, error) {
	obj, err := c.Object(ctx, args...)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return obj, nil
}
