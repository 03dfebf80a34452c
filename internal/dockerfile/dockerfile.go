// Package dockerfile renders the container build contract of the RAG service.
package dockerfile

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"text/template"
)

// ErrExists is returned when a Dockerfile is already present and overwriting was not requested.
var ErrExists = errors.New("dockerfile already exists")

// Spec describes the image the RAG service is built into.
type Spec struct {
	BaseImage    string
	Port         int
	Requirements string
	AppModule    string
	SystemPkgs   []string
}

// DefaultSpec is the contract the service was built against: Python 3.11
// slim, gcc for native wheels, uvicorn on port 8000.
func DefaultSpec() Spec {
	return Spec{
		BaseImage:    "python:3.11-slim",
		Port:         8000,
		Requirements: "requirements.txt",
		AppModule:    "app.main:app",
		SystemPkgs:   []string{"gcc"},
	}
}

var tmpl = template.Must(template.New("Dockerfile").Parse(`FROM {{.BaseImage}}

WORKDIR /app
{{if .SystemPkgs}}
RUN apt-get update && apt-get install -y --no-install-recommends{{range .SystemPkgs}} {{.}}{{end}} \
    && rm -rf /var/lib/apt/lists/*
{{end}}
COPY {{.Requirements}} .
RUN pip install --no-cache-dir -r {{.Requirements}}

COPY . .

EXPOSE {{.Port}}

CMD ["uvicorn", "{{.AppModule}}", "--host", "0.0.0.0", "--port", "{{.Port}}"]
`))

// Render returns the Dockerfile text for s.
func Render(s Spec) ([]byte, error) {
	if s.BaseImage == "" || s.AppModule == "" || s.Requirements == "" {
		return nil, fmt.Errorf("incomplete image spec: base image, requirements and app module are required")
	}
	if s.Port < 1 || s.Port > 65535 {
		return nil, fmt.Errorf("invalid port %d", s.Port)
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, s); err != nil {
		return nil, fmt.Errorf("rendering Dockerfile: %w", err)
	}
	return buf.Bytes(), nil
}

// Write renders s into path. An existing file is only replaced when force is set.
func Write(path string, s Spec, force bool) error {
	if _, err := os.Stat(path); err == nil && !force {
		return fmt.Errorf("%w: %s (use --force to overwrite)", ErrExists, path)
	} else if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	data, err := Render(s)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}
