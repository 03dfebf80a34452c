package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/rflorenc/ragdeploy/internal/models"
)

const (
	logPollInterval = 200 * time.Millisecond
	wsWriteWait     = 10 * time.Second
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// runSummary is the last frame of a log stream, sent as JSON once the run is over.
type runSummary struct {
	Type        string              `json:"type"` // always "summary"
	ID          string              `json:"id"`
	Kind        string              `json:"kind"`
	Status      string              `json:"status"`
	ImageTag    string              `json:"image_tag,omitempty"`
	PreviousTag string              `json:"previous_tag,omitempty"`
	Error       string              `json:"error,omitempty"`
	Steps       []models.StepResult `json:"steps"`
	Warnings    []string            `json:"warnings,omitempty"`
}

func summarize(dep *models.Deployment) runSummary {
	snap := dep.Snapshot()
	return runSummary{
		Type:        "summary",
		ID:          snap.ID,
		Kind:        snap.Kind,
		Status:      snap.Status,
		ImageTag:    snap.ImageTag,
		PreviousTag: snap.PreviousTag,
		Error:       snap.Error,
		Steps:       snap.Steps,
		Warnings:    snap.Warnings,
	}
}

// StreamDeploymentLogs sends each log line as a text frame, then the run
// summary as a JSON frame, then closes with the final status as reason.
func (s *Server) StreamDeploymentLogs(w http.ResponseWriter, r *http.Request) {
	dep := s.Deployments.Get(chi.URLParam(r, "id"))
	if dep == nil {
		http.Error(w, "deployment not found", http.StatusNotFound)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	// Clients never send; reading only notices when they go away.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(logPollInterval)
	defer ticker.Stop()

	for offset := 0; ; {
		select {
		case <-r.Context().Done():
			return
		case <-gone:
			return
		case <-ticker.C:
		}

		// Status first: lines appended before completion are then never missed.
		done := dep.Done()
		lines := dep.LogsSince(offset)
		for _, line := range lines {
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.TextMessage, []byte(line)); err != nil {
				return
			}
			offset++
		}
		if !done || len(lines) > 0 {
			continue
		}

		summary := summarize(dep)
		conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		if err := conn.WriteJSON(summary); err != nil {
			return
		}
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, summary.Status))
		return
	}
}
