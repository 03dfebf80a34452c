package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/rflorenc/ragdeploy/internal/models"
	"github.com/rflorenc/ragdeploy/internal/provision"
)

func (s *Server) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// GetPlan runs the preflight classification synchronously.
func (s *Server) GetPlan(w http.ResponseWriter, r *http.Request) {
	var lines []string
	plan, err := s.Deployer.Plan(r.Context(), func(line string) { lines = append(lines, line) })
	if errors.Is(err, provision.ErrNotLoggedIn) {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	create, skip := plan.Counts()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"plan":   plan,
		"create": create,
		"skip":   skip,
		"output": lines,
	})
}

// ListReleases returns the release history of the configured web app.
func (s *Server) ListReleases(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}
	releases, err := s.Deployer.History().List(r.Context(), s.Config.WebAppName, limit)
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	if releases == nil {
		releases = []models.Release{}
	}
	writeJSON(w, http.StatusOK, releases)
}

type configView struct {
	Subscription  string            `json:"subscription,omitempty"`
	ResourceGroup string            `json:"resource_group"`
	Location      string            `json:"location"`
	Registry      string            `json:"registry"`
	LoginServer   string            `json:"login_server"`
	Plan          string            `json:"plan"`
	PlanSKU       string            `json:"plan_sku"`
	WebApp        string            `json:"webapp"`
	URL           string            `json:"url"`
	Image         string            `json:"image"`
	Port          int               `json:"port"`
	Warmup        time.Duration     `json:"warmup"`
	SmokePaths    []string          `json:"smoke_paths"`
	QueryProbe    bool              `json:"query_probe"`
	AppSettings   map[string]string `json:"app_settings"`
}

// GetConfig returns the effective configuration with secrets masked.
func (s *Server) GetConfig(w http.ResponseWriter, r *http.Request) {
	c := s.Config
	writeJSON(w, http.StatusOK, configView{
		Subscription:  c.Subscription,
		ResourceGroup: c.ResourceGroup,
		Location:      c.Location,
		Registry:      c.RegistryName,
		LoginServer:   c.LoginServer(),
		Plan:          c.PlanName,
		PlanSKU:       c.PlanSKU,
		WebApp:        c.WebAppName,
		URL:           c.AppURL(),
		Image:         c.Image(),
		Port:          c.Port,
		Warmup:        c.Warmup,
		SmokePaths:    c.SmokePaths,
		QueryProbe:    c.QueryProbe,
		AppSettings:   c.MaskedSettings(),
	})
}
