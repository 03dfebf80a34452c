package config

import (
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Runtime settings consumed by the deployed RAG service.
const (
	SearchEndpoint        = "AZURE_SEARCH_ENDPOINT"
	SearchAPIKey          = "AZURE_SEARCH_API_KEY"
	SearchIndexName       = "AZURE_SEARCH_INDEX_NAME"
	OpenAIEndpoint        = "AZURE_OPENAI_ENDPOINT"
	OpenAIAPIKey          = "AZURE_OPENAI_API_KEY"
	OpenAIEmbedDeployment = "AZURE_OPENAI_EMBED_DEPLOYMENT"
	OpenAIChatDeployment  = "AZURE_OPENAI_CHAT_DEPLOYMENT"
	OpenAIAPIVersion      = "AZURE_OPENAI_API_VERSION"
	WebsitesPort          = "WEBSITES_PORT"
)

// SettingKeys lists every app setting pushed to the web app, in push order.
var SettingKeys = []string{
	SearchEndpoint, SearchAPIKey, SearchIndexName,
	OpenAIEndpoint, OpenAIAPIKey, OpenAIEmbedDeployment, OpenAIChatDeployment, OpenAIAPIVersion,
	WebsitesPort,
}

// requiredSettings must be non-empty before anything is pushed.
var requiredSettings = []string{
	SearchEndpoint, SearchAPIKey, OpenAIEndpoint, OpenAIAPIKey, OpenAIEmbedDeployment, OpenAIChatDeployment,
}

const maskedValue = "••••••••"

// Config holds all configuration (defaults, config file, .env, environment, CLI flags).
type Config struct {
	Subscription  string `yaml:"subscription"`
	ResourceGroup string `yaml:"resource_group"`
	Location      string `yaml:"location"`
	RegistryName  string `yaml:"registry_name"`
	RegistrySKU   string `yaml:"registry_sku"`
	PlanName      string `yaml:"plan_name"`
	PlanSKU       string `yaml:"plan_sku"`
	WebAppName    string `yaml:"webapp_name"`
	ImageName     string `yaml:"image_name"`
	ImageTag      string `yaml:"image_tag"`
	SourceDir     string `yaml:"source_dir"`
	Dockerfile    string `yaml:"dockerfile"`
	Port          int    `yaml:"port"`

	Warmup        time.Duration `yaml:"warmup"`
	SmokePaths    []string      `yaml:"smoke_paths"`
	SmokeAttempts int           `yaml:"smoke_attempts"`
	SmokeInterval time.Duration `yaml:"smoke_interval"`
	QueryProbe    bool          `yaml:"query_probe"`

	AppSettings map[string]string `yaml:"app_settings"`

	Listen    string `yaml:"listen"`
	RedisAddr string `yaml:"redis_addr"`
	GitPull   bool   `yaml:"git_pull"`

	// Service principal for non-interactive login; environment only.
	ClientID     string `yaml:"-"`
	ClientSecret string `yaml:"-"`
	TenantID     string `yaml:"-"`

	// CLI-only switches
	Login     bool `yaml:"-"`
	AssumeYes bool `yaml:"-"`
	LogJSON   bool `yaml:"-"`
	Debug     bool `yaml:"-"`

	// internal: paths from CLI flags
	configFile string
	envFile    string
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		ResourceGroup: "rag-rg",
		Location:      "eastus",
		RegistryName:  "ragacr01",
		RegistrySKU:   "Basic",
		PlanName:      "rag-plan",
		PlanSKU:       "B1",
		WebAppName:    "rag-webapp",
		ImageName:     "rag-api",
		ImageTag:      "latest",
		SourceDir:     ".",
		Dockerfile:    "Dockerfile",
		Port:          8000,
		Warmup:        30 * time.Second,
		SmokePaths:    []string{"/health", "/"},
		SmokeAttempts: 1,
		SmokeInterval: 10 * time.Second,
		Listen:        ":8080",
		GitPull:       true,
		AppSettings: map[string]string{
			SearchIndexName:  "rag-documents",
			OpenAIAPIVersion: "2024-02-01",
		},
		envFile: ".env",
	}
}

// Parse registers flags on fs, parses args, then layers config sources:
// defaults < config file < .env/environment < explicitly set flags.
func Parse(fs *flag.FlagSet, args []string) (*Config, error) {
	cli := Default()
	fs.StringVar(&cli.configFile, "config", "", "Path to config file (YAML)")
	fs.StringVar(&cli.envFile, "env-file", cli.envFile, "Path to .env file with app settings")
	fs.StringVar(&cli.Subscription, "subscription", "", "Azure subscription ID or name")
	fs.StringVar(&cli.ResourceGroup, "resource-group", cli.ResourceGroup, "Resource group name")
	fs.StringVar(&cli.Location, "location", cli.Location, "Azure region")
	fs.StringVar(&cli.RegistryName, "acr", cli.RegistryName, "Container registry name")
	fs.StringVar(&cli.PlanName, "plan", cli.PlanName, "App Service plan name")
	fs.StringVar(&cli.PlanSKU, "sku", cli.PlanSKU, "App Service plan SKU")
	fs.StringVar(&cli.WebAppName, "webapp", cli.WebAppName, "Web app name")
	fs.StringVar(&cli.ImageName, "image", cli.ImageName, "Image repository name")
	fs.StringVar(&cli.ImageTag, "tag", cli.ImageTag, "Image tag")
	fs.StringVar(&cli.SourceDir, "source", cli.SourceDir, "Source directory sent to the registry build")
	fs.DurationVar(&cli.Warmup, "warmup", cli.Warmup, "Wait before smoke testing")
	fs.IntVar(&cli.SmokeAttempts, "smoke-attempts", cli.SmokeAttempts, "Smoke test attempts per endpoint")
	fs.BoolVar(&cli.QueryProbe, "query-probe", false, "Also POST a sample query to /rag/query")
	fs.StringVar(&cli.Listen, "listen", cli.Listen, "HTTP listen address (serve)")
	fs.StringVar(&cli.RedisAddr, "redis-addr", "", "Redis address for release history")
	fs.BoolVar(&cli.GitPull, "git-pull", cli.GitPull, "Run git pull before an update")
	fs.BoolVar(&cli.Login, "login", false, "Run az login when no session is active")
	fs.BoolVar(&cli.AssumeYes, "yes", false, "Answer yes to confirmation prompts")
	fs.BoolVar(&cli.LogJSON, "log-json", false, "Emit structured logs as JSON")
	fs.BoolVar(&cli.Debug, "debug", false, "Enable debug logging")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	set := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { set[f.Name] = true })

	c := Default()
	c.configFile = cli.configFile
	c.envFile = cli.envFile

	if c.configFile != "" {
		if err := c.loadFile(c.configFile); err != nil {
			return nil, err
		}
	}
	if err := loadEnvFile(c.envFile, set["env-file"]); err != nil {
		return nil, err
	}
	c.applyEnv(os.LookupEnv)
	c.applyFlags(cli, set)
	c.Login, c.AssumeYes, c.LogJSON, c.Debug = cli.Login, cli.AssumeYes, cli.LogJSON, cli.Debug

	return c, nil
}

// loadFile reads a YAML config file over the current values.
func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading %s: %w", path, err)
	}

	var file Config
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}
	c.merge(&file)

	// Booleans need presence, not truthiness, so false can switch a default off.
	var switches struct {
		GitPull    *bool `yaml:"git_pull"`
		QueryProbe *bool `yaml:"query_probe"`
	}
	if err := yaml.Unmarshal(data, &switches); err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}
	if switches.GitPull != nil {
		c.GitPull = *switches.GitPull
	}
	if switches.QueryProbe != nil {
		c.QueryProbe = *switches.QueryProbe
	}
	return nil
}

// merge copies every non-zero field of o onto c. App settings merge per key.
func (c *Config) merge(o *Config) {
	setString(&c.Subscription, o.Subscription)
	setString(&c.ResourceGroup, o.ResourceGroup)
	setString(&c.Location, o.Location)
	setString(&c.RegistryName, o.RegistryName)
	setString(&c.RegistrySKU, o.RegistrySKU)
	setString(&c.PlanName, o.PlanName)
	setString(&c.PlanSKU, o.PlanSKU)
	setString(&c.WebAppName, o.WebAppName)
	setString(&c.ImageName, o.ImageName)
	setString(&c.ImageTag, o.ImageTag)
	setString(&c.SourceDir, o.SourceDir)
	setString(&c.Dockerfile, o.Dockerfile)
	setString(&c.Listen, o.Listen)
	setString(&c.RedisAddr, o.RedisAddr)
	if o.Port != 0 {
		c.Port = o.Port
	}
	if o.Warmup != 0 {
		c.Warmup = o.Warmup
	}
	if len(o.SmokePaths) > 0 {
		c.SmokePaths = o.SmokePaths
	}
	if o.SmokeAttempts != 0 {
		c.SmokeAttempts = o.SmokeAttempts
	}
	if o.SmokeInterval != 0 {
		c.SmokeInterval = o.SmokeInterval
	}
	for k, v := range o.AppSettings {
		if c.AppSettings == nil {
			c.AppSettings = make(map[string]string)
		}
		c.AppSettings[k] = v
	}
}

// loadEnvFile loads a .env file without overriding variables already set in
// the process. A missing default file is fine; a missing explicit one is not.
func loadEnvFile(path string, explicit bool) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		if !explicit && errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("loading %s: %w", path, err)
	}
	return nil
}

// envOverrides maps RAG_* variables onto resource fields.
var envOverrides = map[string]func(*Config) *string{
	"RAG_SUBSCRIPTION":   func(c *Config) *string { return &c.Subscription },
	"RAG_RESOURCE_GROUP": func(c *Config) *string { return &c.ResourceGroup },
	"RAG_LOCATION":       func(c *Config) *string { return &c.Location },
	"RAG_ACR_NAME":       func(c *Config) *string { return &c.RegistryName },
	"RAG_PLAN_NAME":      func(c *Config) *string { return &c.PlanName },
	"RAG_PLAN_SKU":       func(c *Config) *string { return &c.PlanSKU },
	"RAG_WEBAPP_NAME":    func(c *Config) *string { return &c.WebAppName },
	"RAG_IMAGE_NAME":     func(c *Config) *string { return &c.ImageName },
	"RAG_IMAGE_TAG":      func(c *Config) *string { return &c.ImageTag },
	"REDIS_ADDR":         func(c *Config) *string { return &c.RedisAddr },
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) {
	for name, field := range envOverrides {
		if v, ok := lookup(name); ok && strings.TrimSpace(v) != "" {
			*field(c) = v
		}
	}
	c.ClientID, _ = lookup("AZURE_CLIENT_ID")
	c.ClientSecret, _ = lookup("AZURE_CLIENT_SECRET")
	c.TenantID, _ = lookup("AZURE_TENANT_ID")

	if c.AppSettings == nil {
		c.AppSettings = make(map[string]string)
	}
	for _, key := range SettingKeys {
		if v, ok := lookup(key); ok && v != "" {
			c.AppSettings[key] = v
		}
	}
}

func (c *Config) applyFlags(cli *Config, set map[string]bool) {
	strFlags := map[string]struct{ dst, src *string }{
		"subscription":   {&c.Subscription, &cli.Subscription},
		"resource-group": {&c.ResourceGroup, &cli.ResourceGroup},
		"location":       {&c.Location, &cli.Location},
		"acr":            {&c.RegistryName, &cli.RegistryName},
		"plan":           {&c.PlanName, &cli.PlanName},
		"sku":            {&c.PlanSKU, &cli.PlanSKU},
		"webapp":         {&c.WebAppName, &cli.WebAppName},
		"image":          {&c.ImageName, &cli.ImageName},
		"tag":            {&c.ImageTag, &cli.ImageTag},
		"source":         {&c.SourceDir, &cli.SourceDir},
		"listen":         {&c.Listen, &cli.Listen},
		"redis-addr":     {&c.RedisAddr, &cli.RedisAddr},
	}
	for name, f := range strFlags {
		if set[name] {
			*f.dst = *f.src
		}
	}
	if set["warmup"] {
		c.Warmup = cli.Warmup
	}
	if set["smoke-attempts"] {
		c.SmokeAttempts = cli.SmokeAttempts
	}
	if set["query-probe"] {
		c.QueryProbe = cli.QueryProbe
	}
	if set["git-pull"] {
		c.GitPull = cli.GitPull
	}
}

// Normalize validates the configuration and canonicalizes resource names.
// With requireSettings the RAG service's mandatory app settings must be present.
func (c *Config) Normalize(requireSettings bool) error {
	c.ResourceGroup = strings.TrimSpace(c.ResourceGroup)
	c.Location = strings.ToLower(strings.TrimSpace(c.Location))
	c.RegistryName = strings.ToLower(strings.TrimSpace(c.RegistryName))
	c.PlanName = strings.TrimSpace(c.PlanName)
	c.WebAppName = strings.ToLower(strings.TrimSpace(c.WebAppName))
	c.ImageName = strings.ToLower(strings.TrimSpace(c.ImageName))
	c.ImageTag = strings.TrimSpace(c.ImageTag)

	required := map[string]string{
		"resource_group": c.ResourceGroup,
		"location":       c.Location,
		"plan_name":      c.PlanName,
		"webapp_name":    c.WebAppName,
		"image_name":     c.ImageName,
		"image_tag":      c.ImageTag,
	}
	for _, field := range []string{"resource_group", "location", "plan_name", "webapp_name", "image_name", "image_tag"} {
		if required[field] == "" {
			return &ValidationError{Field: field, Message: "must not be empty"}
		}
	}
	if err := validateRegistryName(c.RegistryName); err != nil {
		return err
	}
	if c.Port <= 0 || c.Port > 65535 {
		return &ValidationError{Field: "port", Message: fmt.Sprintf("%d is out of range", c.Port)}
	}
	if c.SmokeAttempts < 1 {
		c.SmokeAttempts = 1
	}
	if c.Warmup < 0 {
		return &ValidationError{Field: "warmup", Message: "must not be negative"}
	}

	if c.AppSettings == nil {
		c.AppSettings = make(map[string]string)
	}
	c.AppSettings[WebsitesPort] = strconv.Itoa(c.Port)

	if requireSettings {
		return c.RequireSettings()
	}
	return nil
}

// RequireSettings reports the first required app setting that is empty.
func (c *Config) RequireSettings() error {
	for _, key := range requiredSettings {
		if strings.TrimSpace(c.AppSettings[key]) == "" {
			return &ValidationError{Field: key, Message: "environment variable is not set"}
		}
	}
	return nil
}

// validateRegistryName enforces the registry naming rule: 5-50 alphanumerics.
func validateRegistryName(name string) error {
	if len(name) < 5 || len(name) > 50 {
		return &ValidationError{Field: "registry_name", Message: fmt.Sprintf("%q must be 5-50 characters", name)}
	}
	for _, r := range name {
		if (r < 'a' || r > 'z') && (r < '0' || r > '9') {
			return &ValidationError{Field: "registry_name", Message: fmt.Sprintf("%q must be alphanumeric", name)}
		}
	}
	return nil
}

// HasServicePrincipal reports whether service principal credentials are configured.
func (c *Config) HasServicePrincipal() bool {
	return c.ClientID != "" && c.ClientSecret != "" && c.TenantID != ""
}

// Image returns the repository:tag reference for the configured tag.
func (c *Config) Image() string {
	return c.ImageRef(c.ImageTag)
}

// ImageRef returns the repository:tag reference for tag.
func (c *Config) ImageRef(tag string) string {
	return c.ImageName + ":" + tag
}

// LoginServer returns the registry's login server host.
func (c *Config) LoginServer() string {
	return c.RegistryName + ".azurecr.io"
}

// AppURL returns the public base URL of the web app.
func (c *Config) AppURL() string {
	return "https://" + c.WebAppName + ".azurewebsites.net"
}

// SettingPairs returns KEY=VALUE arguments for every non-empty app setting,
// in SettingKeys order followed by any extra keys sorted by name.
func (c *Config) SettingPairs() []string {
	var pairs []string
	known := make(map[string]bool, len(SettingKeys))
	for _, key := range SettingKeys {
		known[key] = true
		if v := c.AppSettings[key]; v != "" {
			pairs = append(pairs, key+"="+v)
		}
	}
	var extra []string
	for key := range c.AppSettings {
		if !known[key] && c.AppSettings[key] != "" {
			extra = append(extra, key)
		}
	}
	sort.Strings(extra)
	for _, key := range extra {
		pairs = append(pairs, key+"="+c.AppSettings[key])
	}
	return pairs
}

// MaskedSettings returns a copy of the app settings with secrets masked.
func (c *Config) MaskedSettings() map[string]string {
	out := make(map[string]string, len(c.AppSettings))
	for k, v := range c.AppSettings {
		if IsSecret(k) && v != "" {
			out[k] = maskedValue
		} else {
			out[k] = v
		}
	}
	return out
}

// IsSecret reports whether a setting name holds a credential.
func IsSecret(key string) bool {
	k := strings.ToUpper(key)
	return strings.Contains(k, "KEY") || strings.Contains(k, "SECRET") || strings.Contains(k, "PASSWORD")
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}
