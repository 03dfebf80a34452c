package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/rflorenc/ragdeploy/internal/api"
	"github.com/rflorenc/ragdeploy/internal/azcli"
	"github.com/rflorenc/ragdeploy/internal/config"
	"github.com/rflorenc/ragdeploy/internal/dockerfile"
	"github.com/rflorenc/ragdeploy/internal/history"
	"github.com/rflorenc/ragdeploy/internal/logging"
	"github.com/rflorenc/ragdeploy/internal/models"
	"github.com/rflorenc/ragdeploy/internal/provision"
	"github.com/rflorenc/ragdeploy/internal/smoke"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const usage = `Usage: ragdeploy <command> [flags]

Commands:
  deploy      provision resources, build, configure, restart and smoke test
  update      pull, build a new tag, rebind, restart and smoke test
  rollback    rebind a previous tag (--tag, default: the release before the live one)
  plan        show which resources would be created or skipped
  smoke       smoke test the live app (or classify a curl transcript with --transcript)
  dockerfile  write the container build contract into the source tree
  history     list recorded releases
  serve       run the HTTP API

Run 'ragdeploy <command> -h' for flags.
`

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	for _, arg := range args {
		if arg == "--version" || arg == "-v" {
			fmt.Fprintf(stdout, "ragdeploy %s (commit: %s, built: %s)\n", version, commit, date)
			return 0
		}
	}
	if len(args) == 0 {
		fmt.Fprint(stderr, usage)
		return 2
	}

	name, args := args[0], args[1:]
	cmd, ok := commands[name]
	if !ok {
		fmt.Fprintf(stderr, "unknown command %q\n\n%s", name, usage)
		return 2
	}

	fs := flag.NewFlagSet("ragdeploy "+name, flag.ContinueOnError)
	fs.SetOutput(stderr)
	var extra extraFlags
	if cmd.flags != nil {
		cmd.flags(fs, &extra)
	}
	cfg, err := config.Parse(fs, args)
	if errors.Is(err, flag.ErrHelp) {
		return 0
	}
	if err != nil {
		fmt.Fprintf(stderr, "ERROR: %v\n", err)
		return 2
	}
	fs.Visit(func(f *flag.Flag) {
		if f.Name == "tag" {
			extra.tagSet = true
		}
	})
	if err := cfg.Normalize(cmd.requireSettings); err != nil {
		fmt.Fprintf(stderr, "ERROR: %v\n", err)
		return 1
	}
	logging.Init(cfg.LogJSON, cfg.Debug)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	env := &cliEnv{cfg: cfg, extra: extra, stdout: stdout, stderr: stderr}
	if err := cmd.run(ctx, env); err != nil {
		fmt.Fprintf(stderr, "ERROR: %v\n", err)
		return 1
	}
	return 0
}

// extraFlags holds command-specific flags beyond the shared configuration.
type extraFlags struct {
	force      bool
	limit      int
	transcript string
	tagSet     bool
}

type command struct {
	requireSettings bool
	flags           func(fs *flag.FlagSet, x *extraFlags)
	run             func(ctx context.Context, env *cliEnv) error
}

var commands = map[string]command{
	"deploy":   {requireSettings: true, run: runPipeline(models.KindDeploy)},
	"update":   {run: runPipeline(models.KindUpdate)},
	"rollback": {run: runPipeline(models.KindRollback)},
	"plan":     {run: runPlan},
	"smoke": {
		flags: func(fs *flag.FlagSet, x *extraFlags) {
			fs.StringVar(&x.transcript, "transcript", "", "Classify a saved curl -w '\\n%{http_code}' transcript instead of probing (- for stdin)")
		},
		run: runSmoke,
	},
	"dockerfile": {
		flags: func(fs *flag.FlagSet, x *extraFlags) {
			fs.BoolVar(&x.force, "force", false, "Overwrite an existing Dockerfile")
		},
		run: runDockerfile,
	},
	"history": {
		flags: func(fs *flag.FlagSet, x *extraFlags) {
			fs.IntVar(&x.limit, "limit", 20, "Number of releases to show (0 = all)")
		},
		run: runHistory,
	},
	"serve": {run: runServe},
}

type cliEnv struct {
	cfg    *config.Config
	extra  extraFlags
	stdout io.Writer
	stderr io.Writer
}

func (e *cliEnv) logger(line string) {
	fmt.Fprintln(e.stdout, line)
}

// prompter answers operator questions. On a terminal --yes skips the
// question; without one (server mode) the answer is always no.
func prompter(interactive, assumeYes bool, in io.Reader, out io.Writer) provision.Prompter {
	switch {
	case !interactive:
		return provision.StaticPrompter(false)
	case assumeYes:
		return provision.StaticPrompter(true)
	}
	return &provision.StreamPrompter{In: in, Out: out}
}

// deployer wires the az runner, release history and operator prompts.
func (e *cliEnv) deployer(ctx context.Context, interactive bool) *provision.Deployer {
	runner := &azcli.ExecRunner{}
	if interactive {
		runner.Passthrough = e.stderr
	}
	return provision.NewDeployer(e.cfg, runner,
		provision.WithHistory(history.Open(ctx, e.cfg.RedisAddr)),
		provision.WithPrompter(prompter(interactive, e.cfg.AssumeYes, os.Stdin, e.stderr)))
}

func runPipeline(kind string) func(ctx context.Context, env *cliEnv) error {
	return func(ctx context.Context, env *cliEnv) error {
		d := env.deployer(ctx, true)
		dep := models.NewDeployment(kind, env.cfg.WebAppName)
		if kind == models.KindRollback && env.extra.tagSet {
			dep.SetTags(env.cfg.ImageTag, "")
		}
		err := d.Execute(ctx, dep, env.logger)
		printSummary(env.stdout, dep.Snapshot())
		return err
	}
}

func printSummary(w io.Writer, dep *models.Deployment) {
	fmt.Fprintln(w)
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "STEP\tSTATUS\tDURATION\tDETAIL")
	for _, s := range dep.Steps {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", s.Name, s.Status, s.Duration.Round(time.Millisecond), oneLine(s.Detail))
	}
	tw.Flush()
	for _, warning := range dep.Warnings {
		fmt.Fprintln(w, "WARNING: "+warning)
	}
}

func oneLine(s string) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) > 100 {
		return s[:100] + "..."
	}
	return s
}

func runPlan(ctx context.Context, env *cliEnv) error {
	d := env.deployer(ctx, false)
	env.logger("Checking resources in " + env.cfg.ResourceGroup + "...")
	plan, err := d.Plan(ctx, env.logger)
	if err != nil {
		return err
	}
	create, skip := plan.Counts()
	env.logger(fmt.Sprintf("\nSubscription: %s", plan.Subscription))
	env.logger(fmt.Sprintf("%d to create, %d existing", create, skip))
	for _, w := range plan.Warnings {
		env.logger("WARNING: " + w)
	}
	return nil
}

func runSmoke(ctx context.Context, env *cliEnv) error {
	if env.extra.transcript != "" {
		return classifyTranscript(env)
	}
	report, err := provision.NewChecker(env.cfg).Run(ctx, env.logger)
	if err != nil {
		return err
	}
	if report.Passed() {
		env.logger("Smoke test passed: " + report.BaseURL)
		return nil
	}
	for _, w := range report.Warnings() {
		env.logger("WARNING: " + w)
	}
	return nil
}

func classifyTranscript(env *cliEnv) error {
	var data []byte
	var err error
	if env.extra.transcript == "-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(env.extra.transcript)
	}
	if err != nil {
		return fmt.Errorf("reading transcript: %w", err)
	}
	body, code, err := smoke.ParseTranscript(string(data))
	if err != nil {
		return err
	}
	if smoke.Classify(code) {
		env.logger(fmt.Sprintf("HTTP %d OK", code))
	} else {
		env.logger(fmt.Sprintf("WARNING: HTTP %d - app may still be starting", code))
	}
	if body != "" {
		env.logger(body)
	}
	return nil
}

func runDockerfile(ctx context.Context, env *cliEnv) error {
	spec := dockerfile.DefaultSpec()
	spec.Port = env.cfg.Port
	path := filepath.Join(env.cfg.SourceDir, env.cfg.Dockerfile)
	if err := dockerfile.Write(path, spec, env.extra.force); err != nil {
		return err
	}
	env.logger("Wrote " + path)
	return nil
}

func runHistory(ctx context.Context, env *cliEnv) error {
	store := history.Open(ctx, env.cfg.RedisAddr)
	releases, err := store.List(ctx, env.cfg.WebAppName, env.extra.limit)
	if err != nil {
		return err
	}
	if len(releases) == 0 {
		env.logger("No releases recorded for " + env.cfg.WebAppName)
		return nil
	}
	tw := tabwriter.NewWriter(env.stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "CREATED\tKIND\tTAG\tPREVIOUS\tDEPLOYMENT")
	for _, r := range releases {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", r.CreatedAt.Format(time.RFC3339), r.Kind, r.Tag, r.PreviousTag, r.DeploymentID)
	}
	return tw.Flush()
}

func runServe(ctx context.Context, env *cliEnv) error {
	logger := logging.New("server")

	s := api.NewServer(ctx, env.cfg, env.deployer(ctx, false))

	server := &http.Server{
		Addr:        env.cfg.Listen,
		Handler:     api.NewRouter(s),
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Server is listening", "address", env.cfg.Listen, "version", version, "webapp", env.cfg.WebAppName)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("server crashed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("Server is shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	server.SetKeepAlivesEnabled(false)
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown: %w", err)
	}
	logger.Info("Server stopped")
	return nil
}
