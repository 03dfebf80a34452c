package provision

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rflorenc/ragdeploy/internal/azcli"
	"github.com/rflorenc/ragdeploy/internal/config"
	"github.com/rflorenc/ragdeploy/internal/history"
	"github.com/rflorenc/ragdeploy/internal/logging"
	"github.com/rflorenc/ragdeploy/internal/metrics"
	"github.com/rflorenc/ragdeploy/internal/models"
	"github.com/rflorenc/ragdeploy/internal/smoke"
)

// Step statuses recorded on a deployment.
const (
	StepOK      = "ok"
	StepWarning = "warning"
	StepFailed  = "failed"
)

// stepWarning ends a step as a warning: recorded, but not fatal.
type stepWarning string

func (w stepWarning) Error() string { return string(w) }

// Deployer runs the deploy, update and rollback pipelines.
type Deployer struct {
	cfg      *config.Config
	az       *azcli.CLI
	runner   azcli.Runner
	ensurer  *Ensurer
	history  history.Store
	prompter Prompter
	checker  *smoke.Checker
	now      func() time.Time
	log      *logging.Logger
}

// Option customizes a Deployer.
type Option func(*Deployer)

// WithHistory sets the release history store.
func WithHistory(s history.Store) Option {
	return func(d *Deployer) { d.history = s }
}

// WithPrompter sets how the operator is asked to confirm.
func WithPrompter(p Prompter) Option {
	return func(d *Deployer) { d.prompter = p }
}

// WithChecker replaces the smoke test checker built from the config.
func WithChecker(c *smoke.Checker) Option {
	return func(d *Deployer) { d.checker = c }
}

// WithClock sets the clock used for generated tags.
func WithClock(now func() time.Time) Option {
	return func(d *Deployer) { d.now = now }
}

// NewDeployer creates a Deployer that runs external commands through runner.
func NewDeployer(cfg *config.Config, runner azcli.Runner, opts ...Option) *Deployer {
	az := azcli.New(runner)
	d := &Deployer{
		cfg:      cfg,
		az:       az,
		runner:   runner,
		ensurer:  NewEnsurer(az, cfg),
		history:  history.NewMemoryStore(),
		prompter: StaticPrompter(cfg.AssumeYes),
		now:      time.Now,
		log:      logging.New("provision").With("webapp", cfg.WebAppName),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(d)
		}
	}
	if d.checker == nil {
		d.checker = NewChecker(cfg)
	}
	return d
}

// NewChecker builds the smoke test checker for the configured web app.
func NewChecker(cfg *config.Config) *smoke.Checker {
	return smoke.NewChecker(smoke.NewClient(cfg.AppURL(), 30*time.Second), smoke.Options{
		Paths:      cfg.SmokePaths,
		Warmup:     cfg.Warmup,
		Attempts:   cfg.SmokeAttempts,
		Interval:   cfg.SmokeInterval,
		QueryProbe: cfg.QueryProbe,
	})
}

// History returns the release history store.
func (d *Deployer) History() history.Store {
	return d.history
}

// Execute runs the pipeline matching dep.Kind and finishes dep accordingly.
// For rollbacks dep.ImageTag names the target tag (empty = previous release).
func (d *Deployer) Execute(ctx context.Context, dep *models.Deployment, logger func(string)) error {
	metrics.IncrementRunning()
	defer metrics.DecrementRunning()

	var err error
	switch dep.Kind {
	case models.KindDeploy:
		err = d.Deploy(ctx, dep, logger)
	case models.KindUpdate:
		err = d.Update(ctx, dep, logger)
	case models.KindRollback:
		err = d.Rollback(ctx, dep, dep.ImageTag, logger)
	default:
		err = fmt.Errorf("unknown deployment kind: %s", dep.Kind)
	}

	if err != nil {
		logger("ERROR: " + err.Error())
		dep.Fail(err.Error())
		d.log.Error("Deployment failed", "id", dep.ID, "kind", dep.Kind, "error", err)
	} else {
		dep.Complete()
		d.log.Info("Deployment finished", "id", dep.ID, "kind", dep.Kind, "tag", dep.ImageTag)
	}
	metrics.CaptureDeployment(dep.Kind, dep.CurrentStatus())
	return err
}

// Deploy provisions every resource, builds and binds the image, pushes app
// settings, restarts the app and smoke tests it.
func (d *Deployer) Deploy(ctx context.Context, dep *models.Deployment, logger func(string)) error {
	cfg := d.cfg
	tag := cfg.ImageTag
	var previous string
	dep.SetTags(tag, "")

	if err := cfg.RequireSettings(); err != nil {
		return fmt.Errorf("app settings: %w", err)
	}

	logger(fmt.Sprintf("Deploying %s to %s (resource group %s, %s)", cfg.Image(), cfg.WebAppName, cfg.ResourceGroup, cfg.Location))

	if err := d.step(ctx, dep, logger, "login", func(ctx context.Context) (string, error) {
		return "", d.ensurer.EnsureLogin(ctx, logger)
	}); err != nil {
		return err
	}

	if err := d.step(ctx, dep, logger, "ensure resources", func(ctx context.Context) (string, error) {
		actions, err := d.ensurer.EnsureAll(ctx, logger)
		if err != nil {
			return "", err
		}
		created := 0
		for _, a := range actions {
			if a.Action == models.ActionCreate {
				created++
			}
			if a.Kind == "webapp" && a.Action == models.ActionSkipExists {
				previous, _ = d.currentTag(ctx)
			}
		}
		return fmt.Sprintf("%d created, %d existing", created, len(actions)-created), nil
	}); err != nil {
		return err
	}
	dep.SetTags(tag, previous)

	if err := d.release(ctx, dep, logger, tag); err != nil {
		return err
	}

	if err := d.step(ctx, dep, logger, "app settings", func(ctx context.Context) (string, error) {
		return d.pushSettings(ctx, logger)
	}); err != nil {
		return err
	}

	if err := d.verify(ctx, dep, logger); err != nil {
		return err
	}
	d.record(ctx, dep, logger, tag, previous)

	logger("")
	logger("Deployment complete: " + cfg.AppURL())
	logger("  API docs: " + cfg.AppURL() + "/docs")
	if previous != "" && previous != tag {
		logger("  Rollback: " + RollbackCommand(cfg, previous))
	}
	return nil
}

// Update optionally pulls the source tree, builds a new tag, rebinds the
// container, restarts and smoke tests. It prints the rollback command for
// the tag that was live before.
func (d *Deployer) Update(ctx context.Context, dep *models.Deployment, logger func(string)) error {
	cfg := d.cfg

	if cfg.GitPull {
		if err := d.step(ctx, dep, logger, "git pull", func(ctx context.Context) (string, error) {
			return d.gitPull(ctx, dep, logger)
		}); err != nil {
			return err
		}
	}

	if err := d.step(ctx, dep, logger, "login", func(ctx context.Context) (string, error) {
		return "", d.ensurer.EnsureLogin(ctx, logger)
	}); err != nil {
		return err
	}

	var previous string
	if err := d.step(ctx, dep, logger, "current image", func(ctx context.Context) (string, error) {
		tag, err := d.currentTag(ctx)
		if err != nil {
			return "", err
		}
		if tag == "" {
			if latest, herr := d.history.Latest(ctx, cfg.WebAppName); herr == nil {
				tag = latest.Tag
			}
		}
		previous = tag
		if tag == "" {
			logger("  No image bound yet")
			return "none", nil
		}
		logger("  Live tag: " + tag)
		return tag, nil
	}); err != nil {
		return err
	}

	tag := cfg.ImageTag
	if tag == "" || tag == "latest" {
		tag = NewTag(d.now())
	}
	dep.SetTags(tag, previous)
	logger(fmt.Sprintf("Updating %s to %s", cfg.WebAppName, cfg.ImageRef(tag)))

	if err := d.release(ctx, dep, logger, tag); err != nil {
		if previous != "" {
			logger("To roll back manually: " + RollbackCommand(cfg, previous))
		}
		return err
	}
	if err := d.verify(ctx, dep, logger); err != nil {
		return err
	}
	d.record(ctx, dep, logger, tag, previous)

	logger("")
	logger("Update complete: " + cfg.AppURL())
	if previous != "" {
		logger("If something is wrong, roll back with:")
		logger("  " + RollbackCommand(cfg, previous))
		logger("  or: ragdeploy rollback --tag " + previous)
	}
	return nil
}

// Rollback rebinds the web app to tag (or the previous release when tag is
// empty), restarts and smoke tests it.
func (d *Deployer) Rollback(ctx context.Context, dep *models.Deployment, tag string, logger func(string)) error {
	cfg := d.cfg

	if err := d.step(ctx, dep, logger, "login", func(ctx context.Context) (string, error) {
		return "", d.ensurer.EnsureLogin(ctx, logger)
	}); err != nil {
		return err
	}

	current, err := d.currentTag(ctx)
	if err != nil {
		return fmt.Errorf("current image: %w", err)
	}

	if tag == "" {
		if err := d.step(ctx, dep, logger, "resolve target", func(ctx context.Context) (string, error) {
			t, err := d.previousTag(ctx, current, logger)
			tag = t
			return t, err
		}); err != nil {
			return err
		}
	}
	if tag == current {
		logger(fmt.Sprintf("%s is already live on %s", cfg.ImageRef(tag), cfg.WebAppName))
	}
	dep.SetTags(tag, current)
	logger(fmt.Sprintf("Rolling back %s from %s to %s", cfg.WebAppName, displayTag(current), tag))

	if err := d.step(ctx, dep, logger, "bind container", func(ctx context.Context) (string, error) {
		return d.bindContainer(ctx, tag, logger)
	}); err != nil {
		return err
	}
	if err := d.verify(ctx, dep, logger); err != nil {
		return err
	}
	d.record(ctx, dep, logger, tag, current)

	logger("")
	logger("Rollback complete: " + cfg.AppURL())
	return nil
}

// Plan classifies every managed resource without changing anything.
func (d *Deployer) Plan(ctx context.Context, logger func(string)) (*models.Plan, error) {
	return d.ensurer.Plan(ctx, logger)
}

// release builds tag and binds it to the web app.
func (d *Deployer) release(ctx context.Context, dep *models.Deployment, logger func(string), tag string) error {
	if err := d.step(ctx, dep, logger, "build image", func(ctx context.Context) (string, error) {
		return d.build(ctx, tag, logger)
	}); err != nil {
		return err
	}
	return d.step(ctx, dep, logger, "bind container", func(ctx context.Context) (string, error) {
		return d.bindContainer(ctx, tag, logger)
	})
}

// verify restarts the web app and smoke tests it.
func (d *Deployer) verify(ctx context.Context, dep *models.Deployment, logger func(string)) error {
	if err := d.step(ctx, dep, logger, "restart", func(ctx context.Context) (string, error) {
		_, err := d.az.Run(ctx, "webapp", "restart", "--name", d.cfg.WebAppName, "--resource-group", d.cfg.ResourceGroup)
		if err != nil {
			return "", err
		}
		logger("  Restarted " + d.cfg.WebAppName)
		return "", nil
	}); err != nil {
		return err
	}
	return d.step(ctx, dep, logger, "smoke test", func(ctx context.Context) (string, error) {
		report, err := d.checker.Run(ctx, logger)
		if err != nil {
			return "", err
		}
		if report.Passed() {
			return "all probes passed", nil
		}
		for _, w := range report.Warnings() {
			dep.Warn(w)
			logger("WARNING: " + w)
		}
		return "", stepWarning("smoke test failed, the app may still be starting; check " + d.cfg.AppURL() + "/health")
	})
}

// step runs fn as a named pipeline step, recording its outcome on dep.
func (d *Deployer) step(ctx context.Context, dep *models.Deployment, logger func(string), name string, fn func(context.Context) (string, error)) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	logger("")
	logger("=== " + name + " ===")

	start := time.Now()
	detail, err := fn(ctx)
	elapsed := time.Since(start)

	status := StepOK
	var warn stepWarning
	switch {
	case errors.As(err, &warn):
		status = StepWarning
		detail = warn.Error()
		err = nil
	case err != nil:
		status = StepFailed
		detail = err.Error()
	}
	dep.RecordStep(models.StepResult{Name: name, Status: status, Detail: detail, Duration: elapsed})
	metrics.CaptureStep(name, status, elapsed)
	d.log.Debug("Step finished", "step", name, "status", status, "elapsed", elapsed)

	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	return nil
}

// build runs a registry-side build of the source tree.
func (d *Deployer) build(ctx context.Context, tag string, logger func(string)) (string, error) {
	cfg := d.cfg
	dockerfile := filepath.Join(cfg.SourceDir, cfg.Dockerfile)
	if _, err := os.Stat(dockerfile); err != nil {
		return "", fmt.Errorf("%s not found (create one with 'ragdeploy dockerfile'): %w", dockerfile, err)
	}

	args := []string{"acr", "build", "--registry", cfg.RegistryName, "--image", cfg.ImageRef(tag)}
	if tag != "latest" {
		args = append(args, "--image", cfg.ImageRef("latest"))
	}
	args = append(args, "--file", dockerfile, cfg.SourceDir)

	logger(fmt.Sprintf("  Building %s in %s...", cfg.ImageRef(tag), cfg.RegistryName))
	if _, err := d.az.Run(ctx, args...); err != nil {
		return "", err
	}
	ref := cfg.LoginServer() + "/" + cfg.ImageRef(tag)
	logger("  Pushed " + ref)
	return ref, nil
}

// registryCredentials is the output of az acr credential show.
type registryCredentials struct {
	Username  string `json:"username"`
	Passwords []struct {
		Name  string `json:"name"`
		Value string `json:"value"`
	} `json:"passwords"`
}

// bindContainer points the web app at tag using the registry's admin credentials.
func (d *Deployer) bindContainer(ctx context.Context, tag string, logger func(string)) (string, error) {
	cfg := d.cfg
	var creds registryCredentials
	if err := d.az.JSON(ctx, &creds, "acr", "credential", "show", "--name", cfg.RegistryName); err != nil {
		return "", fmt.Errorf("fetching registry credentials: %w", err)
	}
	if creds.Username == "" || len(creds.Passwords) == 0 || creds.Passwords[0].Value == "" {
		return "", fmt.Errorf("registry %s returned no admin credentials (is the admin user enabled?)", cfg.RegistryName)
	}

	ref := cfg.LoginServer() + "/" + cfg.ImageRef(tag)
	_, err := d.az.Run(ctx, "webapp", "config", "container", "set",
		"--name", cfg.WebAppName, "--resource-group", cfg.ResourceGroup,
		"--docker-custom-image-name", ref,
		"--docker-registry-server-url", "https://"+cfg.LoginServer(),
		"--docker-registry-server-user", creds.Username,
		"--docker-registry-server-password", creds.Passwords[0].Value)
	if err != nil {
		return "", err
	}
	logger("  Container image set to " + ref)
	return ref, nil
}

// pushSettings pushes the RAG service's app settings.
func (d *Deployer) pushSettings(ctx context.Context, logger func(string)) (string, error) {
	cfg := d.cfg
	pairs := cfg.SettingPairs()
	args := append([]string{"webapp", "config", "appsettings", "set",
		"--name", cfg.WebAppName, "--resource-group", cfg.ResourceGroup, "--settings"}, pairs...)
	if _, err := d.az.Run(ctx, args...); err != nil {
		return "", err
	}
	for _, p := range azcli.Redact(pairs) {
		logger("  " + p)
	}
	return fmt.Sprintf("%d settings", len(pairs)), nil
}

// currentTag returns the tag bound to the web app, or "" when no image is bound.
func (d *Deployer) currentTag(ctx context.Context) (string, error) {
	obj, err := d.az.Object(ctx, "webapp", "config", "show", "--name", d.cfg.WebAppName, "--resource-group", d.cfg.ResourceGroup)
	if errors.Is(err, azcli.ErrNotFound) {
		return "", fmt.Errorf("web app %s does not exist, run deploy first: %w", d.cfg.WebAppName, err)
	}
	if err != nil {
		return "", err
	}
	_, tag := ParseLinuxFxVersion(obj.String("linuxFxVersion"))
	return tag, nil
}

// previousTag picks the release before current: from history when recorded,
// otherwise the next-older tag in the registry. Tags a rollback moved away
// from are never picked again.
func (d *Deployer) previousTag(ctx context.Context, current string, logger func(string)) (string, error) {
	cfg := d.cfg
	releases, err := d.history.List(ctx, cfg.WebAppName, 0)
	if err != nil {
		logger("  Release history unavailable: " + err.Error())
	}
	target, abandoned := rollbackTarget(releases, current)
	if target != "" {
		logger("  Previous release from history: " + target)
		return target, nil
	}

	var tags []string
	err = d.az.JSON(ctx, &tags, "acr", "repository", "show-tags", "--name", cfg.RegistryName,
		"--repository", cfg.ImageName, "--orderby", "time_desc", "--top", "20")
	if err != nil {
		return "", fmt.Errorf("listing tags of %s: %w", cfg.ImageName, err)
	}
	seenCurrent := current == "" || current == "latest"
	for _, t := range tags {
		if t == "latest" {
			continue
		}
		if !seenCurrent {
			seenCurrent = t == current
			continue
		}
		if t != current && !abandoned[t] {
			logger("  Previous tag from registry: " + t)
			return t, nil
		}
	}
	return "", fmt.Errorf("no tag older than %s found for %s; pass --tag", displayTag(current), cfg.ImageName)
}

// rollbackTarget walks releases (most recent first) for the newest tag that
// is neither live nor one a later rollback moved away from. A tag released
// again after such a rollback is eligible.
func rollbackTarget(releases []models.Release, current string) (string, map[string]bool) {
	abandoned := make(map[string]bool)
	for _, r := range releases {
		if r.Kind == models.KindRollback && r.PreviousTag != "" {
			abandoned[r.PreviousTag] = true
		}
		if r.Tag == "" || r.Tag == current || r.Tag == "latest" || abandoned[r.Tag] {
			continue
		}
		return r.Tag, abandoned
	}
	return "", abandoned
}

// record stores the release in history. Failures are warnings.
func (d *Deployer) record(ctx context.Context, dep *models.Deployment, logger func(string), tag, previous string) {
	err := d.history.Record(ctx, models.Release{
		WebApp:       d.cfg.WebAppName,
		Tag:          tag,
		Image:        d.cfg.LoginServer() + "/" + d.cfg.ImageRef(tag),
		PreviousTag:  previous,
		DeploymentID: dep.ID,
		Kind:         dep.Kind,
		CreatedAt:    d.now().UTC(),
	})
	if err != nil {
		dep.Warn("release history not updated: " + err.Error())
		logger("WARNING: release history not updated: " + err.Error())
	}
}

// RollbackCommand is the manual az command that rebinds tag and restarts.
func RollbackCommand(cfg *config.Config, tag string) string {
	return fmt.Sprintf("az webapp config container set --name %s --resource-group %s --docker-custom-image-name %s/%s && az webapp restart --name %s --resource-group %s",
		cfg.WebAppName, cfg.ResourceGroup, cfg.LoginServer(), cfg.ImageRef(tag), cfg.WebAppName, cfg.ResourceGroup)
}

func displayTag(tag string) string {
	if tag == "" {
		return "(none)"
	}
	return tag
}
