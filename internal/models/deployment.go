package models

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Deployment kinds.
const (
	KindDeploy   = "deploy"
	KindUpdate   = "update"
	KindRollback = "rollback"
)

// Deployment statuses.
const (
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
)

// ErrBusy is returned when a deployment is already running for the same web app.
var ErrBusy = errors.New("a deployment is already running for this web app")

// StepResult records the outcome of one pipeline step.
type StepResult struct {
	Name     string        `json:"name"`
	Status   string        `json:"status"` // "ok", "skipped", "warning", "failed"
	Detail   string        `json:"detail,omitempty"`
	Duration time.Duration `json:"duration"`
}

// Deployment represents one deploy, update or rollback run.
type Deployment struct {
	ID          string       `json:"id"`
	Kind        string       `json:"kind"`
	WebApp      string       `json:"webapp"`
	ImageTag    string       `json:"image_tag,omitempty"`
	PreviousTag string       `json:"previous_tag,omitempty"`
	Status      string       `json:"status"`
	StartedAt   time.Time    `json:"started_at"`
	FinishedAt  *time.Time   `json:"finished_at,omitempty"`
	Error       string       `json:"error,omitempty"`
	Steps       []StepResult `json:"steps"`
	Warnings    []string     `json:"warnings,omitempty"`
	Output      []string     `json:"output"`
	mu          sync.Mutex
	cancel      context.CancelFunc
	cancelled   bool
}

// AppendLog adds a log line to the deployment output.
func (d *Deployment) AppendLog(line string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.Output = append(d.Output, line)
}

// LogsSince returns log lines starting from the given index.
func (d *Deployment) LogsSince(offset int) []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	if offset >= len(d.Output) {
		return nil
	}
	lines := make([]string, len(d.Output)-offset)
	copy(lines, d.Output[offset:])
	return lines
}

// RecordStep appends a step result.
func (d *Deployment) RecordStep(step StepResult) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.Steps = append(d.Steps, step)
}

// Warn records a non-fatal warning.
func (d *Deployment) Warn(msg string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.Warnings = append(d.Warnings, msg)
}

// SetTags records the image tags involved in the run.
func (d *Deployment) SetTags(tag, previous string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.ImageTag = tag
	d.PreviousTag = previous
}

// Complete marks the deployment as completed.
func (d *Deployment) Complete() {
	d.finish(StatusCompleted, "")
}

// Fail marks the deployment as failed with an error message.
func (d *Deployment) Fail(err string) {
	d.finish(StatusFailed, err)
}

// Cancel asks a running deployment to stop. It stays running, and keeps its
// web app busy, until the pipeline returns; it then finishes as cancelled.
func (d *Deployment) Cancel() {
	d.mu.Lock()
	cancel := d.cancel
	if d.Status == StatusRunning {
		d.cancelled = true
	}
	d.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// CancelRequested reports whether Cancel was called while running.
func (d *Deployment) CancelRequested() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cancelled
}

// Bind attaches the cancel function of the context the deployment runs under.
func (d *Deployment) Bind(cancel context.CancelFunc) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cancel = cancel
}

func (d *Deployment) finish(status, errMsg string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.Status != StatusRunning {
		return
	}
	if d.cancelled {
		status = StatusCancelled
	}
	d.Status = status
	d.Error = errMsg
	now := time.Now()
	d.FinishedAt = &now
}

// CurrentStatus returns the status under lock.
func (d *Deployment) CurrentStatus() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.Status
}

// Done reports whether the deployment has finished.
func (d *Deployment) Done() bool {
	return d.CurrentStatus() != StatusRunning
}

// Snapshot returns a copy safe to serialize while the deployment runs.
func (d *Deployment) Snapshot() *Deployment {
	d.mu.Lock()
	defer d.mu.Unlock()
	cp := &Deployment{
		ID:          d.ID,
		Kind:        d.Kind,
		WebApp:      d.WebApp,
		ImageTag:    d.ImageTag,
		PreviousTag: d.PreviousTag,
		Status:      d.Status,
		StartedAt:   d.StartedAt,
		FinishedAt:  d.FinishedAt,
		Error:       d.Error,
		Steps:       append([]StepResult{}, d.Steps...),
		Warnings:    append([]string(nil), d.Warnings...),
		Output:      append([]string{}, d.Output...),
	}
	return cp
}

// NewDeployment creates a running deployment outside any store, for CLI runs.
func NewDeployment(kind, webApp string) *Deployment {
	return &Deployment{
		ID:        uuid.New().String(),
		Kind:      kind,
		WebApp:    webApp,
		Status:    StatusRunning,
		StartedAt: time.Now(),
		Steps:     []StepResult{},
		Output:    []string{},
	}
}

// DeploymentStore is an in-memory thread-safe store for deployments.
type DeploymentStore struct {
	mu          sync.RWMutex
	deployments map[string]*Deployment
}

// NewDeploymentStore creates an empty deployment store.
func NewDeploymentStore() *DeploymentStore {
	return &DeploymentStore{deployments: make(map[string]*Deployment)}
}

// Create adds a new running deployment, assigning it a UUID. Only one
// deployment may run per web app at a time.
func (s *DeploymentStore) Create(kind, webApp string) (*Deployment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, d := range s.deployments {
		if d.WebApp == webApp && !d.Done() {
			return nil, ErrBusy
		}
	}
	d := NewDeployment(kind, webApp)
	s.deployments[d.ID] = d
	return d, nil
}

// Get returns a deployment by ID.
func (s *DeploymentStore) Get(id string) *Deployment {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.deployments[id]
}

// List returns all deployments, most recent first.
func (s *DeploymentStore) List() []*Deployment {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make([]*Deployment, 0, len(s.deployments))
	for _, d := range s.deployments {
		result = append(result, d)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].StartedAt.After(result[j].StartedAt)
	})
	return result
}
