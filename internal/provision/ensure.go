package provision

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rflorenc/ragdeploy/internal/azcli"
	"github.com/rflorenc/ragdeploy/internal/config"
	"github.com/rflorenc/ragdeploy/internal/metrics"
	"github.com/rflorenc/ragdeploy/internal/models"
)

// ErrNotLoggedIn is returned when no Azure CLI session is active and login was not requested.
var ErrNotLoggedIn = errors.New("no active Azure CLI session")

// Ensurer creates missing resources and leaves existing ones alone.
type Ensurer struct {
	az  *azcli.CLI
	cfg *config.Config
}

// NewEnsurer creates an Ensurer.
func NewEnsurer(az *azcli.CLI, cfg *config.Config) *Ensurer {
	return &Ensurer{az: az, cfg: cfg}
}

// Ensure queries a resource and creates it only if absent. An existing
// resource is never an error; any other query or create failure is.
func (e *Ensurer) Ensure(ctx context.Context, kind string, logger func(string)) (models.ResourceAction, error) {
	rk, ok := kindByName(kind)
	if !ok {
		return models.ResourceAction{}, fmt.Errorf("unknown resource kind: %s", kind)
	}
	name := rk.Name(e.cfg)
	action := models.ResourceAction{Kind: rk.Kind, Label: rk.Label, Name: name}

	existing, err := e.az.Show(ctx, rk.Show(e.cfg)...)
	if err != nil {
		return action, fmt.Errorf("checking %s %s: %w", rk.Label, name, err)
	}
	if existing != nil {
		action.Action = models.ActionSkipExists
		action.ID = existing.String("id")
		logger(fmt.Sprintf("  %s %s: exists, skipping", rk.Label, name))
		metrics.CaptureEnsure(rk.Kind, action.Action)
		return action, nil
	}

	logger(fmt.Sprintf("  %s %s: creating...", rk.Label, name))
	created, err := e.az.Object(ctx, rk.Create(e.cfg)...)
	if err != nil {
		return action, createError(rk, name, err)
	}
	action.Action = models.ActionCreate
	action.ID = created.String("id")
	logger(fmt.Sprintf("  %s %s: created", rk.Label, name))
	metrics.CaptureEnsure(rk.Kind, action.Action)
	return action, nil
}

// EnsureAll ensures every registered resource in dependency order and stops
// at the first failure.
func (e *Ensurer) EnsureAll(ctx context.Context, logger func(string)) ([]models.ResourceAction, error) {
	var actions []models.ResourceAction
	for _, rk := range resourceKinds {
		a, err := e.Ensure(ctx, rk.Kind, logger)
		if err != nil {
			return actions, err
		}
		actions = append(actions, a)
	}
	return actions, nil
}

// Plan classifies every resource as create or skip_exists without creating anything.
func (e *Ensurer) Plan(ctx context.Context, logger func(string)) (*models.Plan, error) {
	plan := &models.Plan{Resources: []models.ResourceAction{}, Warnings: []string{}}

	account, err := e.az.Object(ctx, "account", "show")
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotLoggedIn, err)
	}
	plan.Subscription = account.String("name")

	groupMissing := false
	for _, rk := range resourceKinds {
		name := rk.Name(e.cfg)
		action := models.ResourceAction{Kind: rk.Kind, Label: rk.Label, Name: name, Action: models.ActionCreate}

		// Nothing can exist inside a missing resource group.
		if !groupMissing {
			existing, err := e.az.Show(ctx, rk.Show(e.cfg)...)
			if err != nil {
				return nil, fmt.Errorf("checking %s %s: %w", rk.Label, name, err)
			}
			if existing != nil {
				action.Action = models.ActionSkipExists
				action.ID = existing.String("id")
				if rk.Kind == "registry" && !existing.Bool("adminUserEnabled") {
					plan.Warnings = append(plan.Warnings,
						fmt.Sprintf("Registry %s has the admin user disabled; enable it with 'az acr update --name %s --admin-enabled true' before deploying.", name, name))
				}
			} else if rk.Kind == "group" {
				groupMissing = true
			}
		}
		logger(fmt.Sprintf("  %s %s: %s", rk.Label, name, action.Action))
		plan.Resources = append(plan.Resources, action)
	}

	if r := plan.Resources[1]; r.Action == models.ActionCreate {
		plan.Warnings = append(plan.Warnings,
			fmt.Sprintf("Registry names are global: creating %q fails if another subscription already uses it.", r.Name))
	}
	return plan, nil
}

// createError wraps a create failure with the resource and a hint for
// failures operators hit most often.
func createError(rk ResourceKind, name string, err error) error {
	var cmdErr *azcli.CommandError
	if errors.As(err, &cmdErr) {
		switch {
		case rk.Kind == "registry" && strings.Contains(cmdErr.Stderr, "AlreadyInUse"):
			return fmt.Errorf("creating %s %s: name is already taken, choose another with --acr: %w", rk.Label, name, err)
		case strings.Contains(cmdErr.Stderr, "quota"):
			return fmt.Errorf("creating %s %s: subscription quota exceeded: %w", rk.Label, name, err)
		}
	}
	return fmt.Errorf("creating %s %s: %w", rk.Label, name, err)
}

// EnsureLogin verifies an active CLI session. With login enabled it signs in
// (service principal when configured, device code otherwise). It then
// selects the configured subscription.
func (e *Ensurer) EnsureLogin(ctx context.Context, logger func(string)) error {
	account, err := e.az.Object(ctx, "account", "show")
	if err != nil || account == nil {
		if !e.cfg.Login {
			return fmt.Errorf("%w: run 'az login' or pass --login: %v", ErrNotLoggedIn, err)
		}
		logger("  No active session, logging in...")
		if err := e.login(ctx); err != nil {
			return fmt.Errorf("az login: %w", err)
		}
		if account, err = e.az.Object(ctx, "account", "show"); err != nil {
			return fmt.Errorf("%w after login: %v", ErrNotLoggedIn, err)
		}
	}
	logger(fmt.Sprintf("  Logged in: %s (%s)", account.String("name"), account.NestedString("user", "name")))

	if e.cfg.Subscription != "" && e.cfg.Subscription != account.String("id") && e.cfg.Subscription != account.String("name") {
		if _, err := e.az.Run(ctx, "account", "set", "--subscription", e.cfg.Subscription); err != nil {
			return fmt.Errorf("selecting subscription %s: %w", e.cfg.Subscription, err)
		}
		logger("  Subscription set: " + e.cfg.Subscription)
	}
	return nil
}

func (e *Ensurer) login(ctx context.Context) error {
	if e.cfg.HasServicePrincipal() {
		_, err := e.az.Run(ctx, "login", "--service-principal",
			"--username", e.cfg.ClientID, "--password", e.cfg.ClientSecret, "--tenant", e.cfg.TenantID)
		return err
	}
	_, err := e.az.Run(ctx, "login", "--use-device-code")
	return err
}
