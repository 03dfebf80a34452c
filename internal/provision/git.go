package provision

import (
	"context"
	"fmt"
	"strings"

	"github.com/rflorenc/ragdeploy/internal/models"
)

// gitPull updates the source tree. On failure the operator decides whether
// to continue with the local tree; a "no" aborts the update.
func (d *Deployer) gitPull(ctx context.Context, dep *models.Deployment, logger func(string)) (string, error) {
	res, err := d.runner.Run(ctx, "git", "-C", d.cfg.SourceDir, "pull")
	if err == nil {
		out := strings.TrimSpace(string(res.Stdout))
		if out != "" {
			logger("  " + out)
		}
		return out, nil
	}
	if ctx.Err() != nil {
		return "", ctx.Err()
	}

	logger("  git pull failed: " + err.Error())
	if !d.prompter.Confirm("git pull failed. Continue with the local source tree?") {
		return "", fmt.Errorf("aborted after git pull failure: %w", err)
	}
	dep.Warn("git pull failed, continued with local source tree")
	logger("  Continuing with the local source tree")
	return "", stepWarning("git pull failed, continued by operator")
}
