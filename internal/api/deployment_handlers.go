package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/rflorenc/ragdeploy/internal/models"
)

func (s *Server) StartDeploy(w http.ResponseWriter, r *http.Request) {
	s.start(w, models.KindDeploy, "")
}

func (s *Server) StartUpdate(w http.ResponseWriter, r *http.Request) {
	s.start(w, models.KindUpdate, "")
}

// StartRollback starts a rollback to the tag in the body, or to the previous
// release when the body is empty or names no tag.
func (s *Server) StartRollback(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Tag string `json:"tag"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	s.start(w, models.KindRollback, req.Tag)
}

// start creates the deployment record and runs it in the background.
func (s *Server) start(w http.ResponseWriter, kind, tag string) {
	dep, err := s.Deployments.Create(kind, s.Config.WebAppName)
	if errors.Is(err, models.ErrBusy) {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if tag != "" {
		dep.SetTags(tag, "")
	}

	ctx, cancel := context.WithCancel(s.ctx)
	dep.Bind(cancel)

	go func() {
		defer cancel()
		dep.AppendLog(fmt.Sprintf("Starting %s of %s (%s)", kind, s.Config.WebAppName, s.Config.AppURL()))
		s.Deployer.Execute(ctx, dep, dep.AppendLog)
	}()

	writeJSON(w, http.StatusAccepted, map[string]string{"job_id": dep.ID})
}

func (s *Server) ListDeployments(w http.ResponseWriter, r *http.Request) {
	deployments := s.Deployments.List()
	out := make([]*models.Deployment, 0, len(deployments))
	for _, d := range deployments {
		out = append(out, d.Snapshot())
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) GetDeployment(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	dep := s.Deployments.Get(id)
	if dep == nil {
		writeError(w, http.StatusNotFound, "deployment not found")
		return
	}
	writeJSON(w, http.StatusOK, dep.Snapshot())
}

// CancelDeployment asks a running deployment to stop. It reports cancelled
// once its pipeline has returned.
func (s *Server) CancelDeployment(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	dep := s.Deployments.Get(id)
	if dep == nil {
		writeError(w, http.StatusNotFound, "deployment not found")
		return
	}
	if dep.Done() {
		writeError(w, http.StatusConflict, "deployment is not running")
		return
	}
	if dep.CancelRequested() {
		writeError(w, http.StatusConflict, "deployment is already being cancelled")
		return
	}
	dep.Cancel()
	dep.AppendLog("CANCELLED: " + dep.Kind + " stopped by user")
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "cancelling"})
}
