package config

import (
	"errors"
	"flag"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func parse(t *testing.T, args ...string) (*Config, error) {
	t.Helper()
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	return Parse(fs, append([]string{"-env-file", ""}, args...))
}

// clearEnv makes sure name is unset for the test and restored afterwards.
func clearEnv(t *testing.T, names ...string) {
	t.Helper()
	for _, name := range names {
		t.Setenv(name, "")
		os.Unsetenv(name)
	}
}

func TestDefault(t *testing.T) {
	c := Default()
	assert.Equal(t, "rag-rg", c.ResourceGroup)
	assert.Equal(t, "latest", c.ImageTag)
	assert.Equal(t, 30*time.Second, c.Warmup)
	assert.Equal(t, []string{"/health", "/"}, c.SmokePaths)
	assert.Equal(t, "rag-documents", c.AppSettings[SearchIndexName])
	assert.Equal(t, "2024-02-01", c.AppSettings[OpenAIAPIVersion])
	require.NoError(t, c.Normalize(false))
	assert.Equal(t, "8000", c.AppSettings[WebsitesPort])
}

func TestParse_Precedence(t *testing.T) {
	clearEnv(t, "RAG_RESOURCE_GROUP", "RAG_IMAGE_TAG", "RAG_LOCATION")
	t.Setenv("RAG_WEBAPP_NAME", "env-app")

	path := writeFile(t, "deploy.yaml", `
resource_group: file-rg
webapp_name: file-app
location: westeurope
git_pull: false
warmup: 5s
app_settings:
  AZURE_SEARCH_INDEX_NAME: docs
`)

	c, err := parse(t, "-config", path, "-tag", "v2")
	require.NoError(t, err)

	assert.Equal(t, "file-rg", c.ResourceGroup, "file overrides default")
	assert.Equal(t, "env-app", c.WebAppName, "env overrides file")
	assert.Equal(t, "v2", c.ImageTag, "flag overrides default")
	assert.Equal(t, "westeurope", c.Location)
	assert.False(t, c.GitPull, "git_pull: false must switch the default off")
	assert.Equal(t, 5*time.Second, c.Warmup)
	assert.Equal(t, "docs", c.AppSettings[SearchIndexName])
	assert.Equal(t, "2024-02-01", c.AppSettings[OpenAIAPIVersion], "unset keys keep defaults")
}

func TestParse_FlagBeatsEnv(t *testing.T) {
	t.Setenv("RAG_WEBAPP_NAME", "env-app")
	c, err := parse(t, "-webapp", "flag-app")
	require.NoError(t, err)
	assert.Equal(t, "flag-app", c.WebAppName)
}

func TestParse_AppSettingsFromEnv(t *testing.T) {
	t.Setenv(SearchEndpoint, "https://search.example.net")
	t.Setenv(OpenAIAPIKey, "sk-test")
	c, err := parse(t)
	require.NoError(t, err)
	assert.Equal(t, "https://search.example.net", c.AppSettings[SearchEndpoint])
	assert.Equal(t, "sk-test", c.AppSettings[OpenAIAPIKey])
}

func TestParse_EnvFile(t *testing.T) {
	clearEnv(t, OpenAIChatDeployment)
	path := writeFile(t, ".env", "AZURE_OPENAI_CHAT_DEPLOYMENT=gpt-4o\n")

	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	c, err := Parse(fs, []string{"-env-file", path})
	require.NoError(t, err)
	assert.Equal(t, "gpt-4o", c.AppSettings[OpenAIChatDeployment])
}

func TestParse_MissingExplicitEnvFile(t *testing.T) {
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	_, err := Parse(fs, []string{"-env-file", filepath.Join(t.TempDir(), "missing.env")})
	assert.Error(t, err)
}

func TestParse_BadConfigFile(t *testing.T) {
	path := writeFile(t, "bad.yaml", "resource_group: [unterminated")
	_, err := parse(t, "-config", path)
	assert.Error(t, err)
}

func TestNormalize(t *testing.T) {
	tests := []struct {
		name  string
		edit  func(*Config)
		field string
	}{
		{"short registry", func(c *Config) { c.RegistryName = "acr" }, "registry_name"},
		{"registry with dash", func(c *Config) { c.RegistryName = "rag-acr-01" }, "registry_name"},
		{"empty webapp", func(c *Config) { c.WebAppName = "  " }, "webapp_name"},
		{"bad port", func(c *Config) { c.Port = 70000 }, "port"},
		{"negative warmup", func(c *Config) { c.Warmup = -time.Second }, "warmup"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			c := Default()
			tc.edit(c)
			err := c.Normalize(false)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalidConfig))
			var verr *ValidationError
			require.True(t, errors.As(err, &verr))
			assert.Equal(t, tc.field, verr.Field)
		})
	}
}

func TestNormalize_CanonicalNames(t *testing.T) {
	c := Default()
	c.RegistryName = " RagACR01 "
	c.WebAppName = "Rag-WebApp"
	c.Location = "EastUS"
	require.NoError(t, c.Normalize(false))
	assert.Equal(t, "ragacr01", c.RegistryName)
	assert.Equal(t, "rag-webapp", c.WebAppName)
	assert.Equal(t, "eastus", c.Location)
}

func TestNormalize_RequiredSettings(t *testing.T) {
	c := Default()
	err := c.Normalize(true)
	require.Error(t, err)
	var verr *ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, SearchEndpoint, verr.Field)

	for _, key := range requiredSettings {
		c.AppSettings[key] = "value"
	}
	assert.NoError(t, c.Normalize(true))
}

func TestRequireSettings(t *testing.T) {
	c := Default()
	require.NoError(t, c.Normalize(false))
	err := c.RequireSettings()
	assert.ErrorIs(t, err, ErrInvalidConfig)

	for _, key := range requiredSettings {
		c.AppSettings[key] = "value"
	}
	c.AppSettings[OpenAIChatDeployment] = "  "
	var verr *ValidationError
	require.True(t, errors.As(c.RequireSettings(), &verr))
	assert.Equal(t, OpenAIChatDeployment, verr.Field)

	c.AppSettings[OpenAIChatDeployment] = "gpt-4o"
	assert.NoError(t, c.RequireSettings())
}

func TestSettingPairs(t *testing.T) {
	c := Default()
	c.AppSettings[SearchEndpoint] = "https://s"
	c.AppSettings["ZZ_EXTRA"] = "z"
	c.AppSettings["AA_EXTRA"] = "a"
	require.NoError(t, c.Normalize(false))

	pairs := c.SettingPairs()
	assert.Equal(t, []string{
		"AZURE_SEARCH_ENDPOINT=https://s",
		"AZURE_SEARCH_INDEX_NAME=rag-documents",
		"AZURE_OPENAI_API_VERSION=2024-02-01",
		"WEBSITES_PORT=8000",
		"AA_EXTRA=a",
		"ZZ_EXTRA=z",
	}, pairs)
}

func TestMaskedSettings(t *testing.T) {
	c := Default()
	c.AppSettings[SearchAPIKey] = "secret"
	c.AppSettings[OpenAIAPIKey] = ""
	masked := c.MaskedSettings()
	assert.Equal(t, maskedValue, masked[SearchAPIKey])
	assert.Equal(t, "", masked[OpenAIAPIKey])
	assert.Equal(t, "rag-documents", masked[SearchIndexName])
	assert.Equal(t, "secret", c.AppSettings[SearchAPIKey], "original must not change")
}

func TestURLs(t *testing.T) {
	c := Default()
	assert.Equal(t, "ragacr01.azurecr.io", c.LoginServer())
	assert.Equal(t, "https://rag-webapp.azurewebsites.net", c.AppURL())
	assert.Equal(t, "rag-api:latest", c.Image())
	assert.Equal(t, "rag-api:v1", c.ImageRef("v1"))
}
