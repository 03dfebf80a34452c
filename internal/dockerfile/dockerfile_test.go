package dockerfile

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRender_Default(t *testing.T) {
	out, err := Render(DefaultSpec())
	require.NoError(t, err)
	text := string(out)

	for _, want := range []string{
		"FROM python:3.11-slim\n",
		"install -y --no-install-recommends gcc",
		"RUN pip install --no-cache-dir -r requirements.txt",
		"COPY . .",
		"EXPOSE 8000",
		`CMD ["uvicorn", "app.main:app", "--host", "0.0.0.0", "--port", "8000"]`,
	} {
		assert.Contains(t, text, want)
	}
	assert.Less(t, strings.Index(text, "COPY requirements.txt"), strings.Index(text, "COPY . ."),
		"requirements are installed before the tree is copied")
}

func TestRender_NoSystemPackages(t *testing.T) {
	s := DefaultSpec()
	s.SystemPkgs = nil
	out, err := Render(s)
	require.NoError(t, err)
	assert.NotContains(t, string(out), "apt-get")
}

func TestRender_Invalid(t *testing.T) {
	tests := []struct {
		name string
		edit func(*Spec)
	}{
		{"no base image", func(s *Spec) { s.BaseImage = "" }},
		{"no app module", func(s *Spec) { s.AppModule = "" }},
		{"bad port", func(s *Spec) { s.Port = 0 }},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			s := DefaultSpec()
			tc.edit(&s)
			_, err := Render(s)
			assert.Error(t, err)
		})
	}
}

func TestWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "Dockerfile")
	require.NoError(t, Write(path, DefaultSpec(), false))

	err := Write(path, DefaultSpec(), false)
	assert.ErrorIs(t, err, ErrExists)

	require.NoError(t, os.WriteFile(path, []byte("FROM scratch\n"), 0o644))
	require.NoError(t, Write(path, DefaultSpec(), true))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "EXPOSE 8000")
}
