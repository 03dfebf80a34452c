package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rflorenc/ragdeploy/internal/azcli/mock"
	"github.com/rflorenc/ragdeploy/internal/config"
	"github.com/rflorenc/ragdeploy/internal/models"
	"github.com/rflorenc/ragdeploy/internal/provision"
	"github.com/rflorenc/ragdeploy/internal/smoke"
)

const accountJSON = `{"id":"sub-1","name":"dev","user":{"name":"ops@example.com"}}`

func scriptedRunner() *mock.Runner {
	return mock.New().
		OK("az account show", accountJSON).
		OK("az group show", `{"id":"g"}`).
		OK("az acr show", `{"id":"r","adminUserEnabled":true}`).
		OK("az appservice plan show", `{"id":"p"}`).
		OK("az webapp show", `{"id":"w"}`).
		OK("az webapp config show", `{"linuxFxVersion":"DOCKER|ragacr01.azurecr.io/rag-api:v1"}`).
		OK("az acr credential show", `{"username":"ragacr01","passwords":[{"name":"password","value":"pw"}]}`)
}

func newTestServer(t *testing.T, r *mock.Runner) (*Server, *httptest.Server) {
	t.Helper()
	return newTestServerWith(t, r, func(s map[string]string) {
		s[config.SearchEndpoint] = "https://search.example.net"
		s[config.SearchAPIKey] = "search-key"
		s[config.OpenAIEndpoint] = "https://openai.example.net"
		s[config.OpenAIAPIKey] = "sk-live"
		s[config.OpenAIEmbedDeployment] = "text-embedding-3-small"
		s[config.OpenAIChatDeployment] = "gpt-4o"
	})
}

// newTestServerWith lets settings edit the app settings before the server starts.
func newTestServerWith(t *testing.T, r *mock.Runner, settings func(map[string]string)) (*Server, *httptest.Server) {
	t.Helper()
	cfg := config.Default()
	cfg.SourceDir = t.TempDir()
	cfg.Warmup = 0
	cfg.GitPull = false
	settings(cfg.AppSettings)
	require.NoError(t, cfg.Normalize(false))
	require.NoError(t, os.WriteFile(filepath.Join(cfg.SourceDir, "Dockerfile"), []byte("FROM python:3.11-slim\n"), 0o644))

	app := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(app.Close)
	checker := smoke.NewChecker(smoke.NewClient(app.URL, time.Second), smoke.Options{})

	deployer := provision.NewDeployer(cfg, r, provision.WithChecker(checker))
	s := NewServer(context.Background(), cfg, deployer)
	ts := httptest.NewServer(NewRouter(s))
	t.Cleanup(ts.Close)
	return s, ts
}

func postJSON(t *testing.T, url, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode(t *testing.T, resp *http.Response, v interface{}) {
	t.Helper()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}

func startJob(t *testing.T, url string) string {
	t.Helper()
	resp := postJSON(t, url, "")
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	var body map[string]string
	decode(t, resp, &body)
	require.NotEmpty(t, body["job_id"])
	return body["job_id"]
}

func waitDone(t *testing.T, s *Server, id string) *models.Deployment {
	t.Helper()
	dep := s.Deployments.Get(id)
	require.NotNil(t, dep)
	require.Eventually(t, dep.Done, 5*time.Second, 10*time.Millisecond)
	return dep.Snapshot()
}

// blockOn makes the runner wait on the returned release func when it sees prefix.
func blockOn(r *mock.Runner, prefix string) (reached <-chan struct{}, release func()) {
	hit := make(chan struct{})
	gate := make(chan struct{})
	var once, hitOnce sync.Once
	r.OnCall(func(line string) {
		if strings.HasPrefix(line, prefix) {
			hitOnce.Do(func() { close(hit) })
			<-gate
		}
	})
	return hit, func() { once.Do(func() { close(gate) }) }
}

func TestHealth(t *testing.T) {
	_, ts := newTestServer(t, scriptedRunner())
	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestStartDeploy(t *testing.T) {
	r := scriptedRunner()
	s, ts := newTestServer(t, r)

	id := startJob(t, ts.URL+"/api/deployments")
	dep := waitDone(t, s, id)
	assert.Equal(t, models.StatusCompleted, dep.Status, dep.Error)
	assert.Equal(t, models.KindDeploy, dep.Kind)
	assert.Equal(t, "v1", dep.PreviousTag)
	assert.NotEmpty(t, dep.Output)
	assert.Zero(t, r.Count("az group create"), "existing resources are skipped")

	resp, err := http.Get(ts.URL + "/api/deployments/" + id)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var got models.Deployment
	decode(t, resp, &got)
	assert.Equal(t, id, got.ID)
	assert.Equal(t, models.StatusCompleted, got.Status)
	assert.NotEmpty(t, got.Steps)

	resp, err = http.Get(ts.URL + "/api/deployments")
	require.NoError(t, err)
	defer resp.Body.Close()
	var list []models.Deployment
	decode(t, resp, &list)
	assert.Len(t, list, 1)

	resp, err = http.Get(ts.URL + "/api/releases")
	require.NoError(t, err)
	defer resp.Body.Close()
	var releases []models.Release
	decode(t, resp, &releases)
	require.Len(t, releases, 1)
	assert.Equal(t, id, releases[0].DeploymentID)
}

func TestStartDeploy_MissingSettings(t *testing.T) {
	r := scriptedRunner()
	s, ts := newTestServerWith(t, r, func(settings map[string]string) {
		settings[config.OpenAIAPIKey] = "sk-live"
	})

	id := startJob(t, ts.URL+"/api/deployments")
	dep := waitDone(t, s, id)
	assert.Equal(t, models.StatusFailed, dep.Status)
	assert.Contains(t, dep.Error, config.SearchEndpoint)
	assert.Empty(t, r.Calls(), "no az command may run with incomplete settings")
}

func TestStartRollback(t *testing.T) {
	r := scriptedRunner()
	s, ts := newTestServer(t, r)

	resp := postJSON(t, ts.URL+"/api/rollbacks", `{"tag":"v0"}`)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	var body map[string]string
	decode(t, resp, &body)

	dep := waitDone(t, s, body["job_id"])
	assert.Equal(t, models.StatusCompleted, dep.Status, dep.Error)
	assert.Equal(t, "v0", dep.ImageTag)
	assert.Equal(t, "v1", dep.PreviousTag)
	assert.Zero(t, r.Count("az acr build"))
}

func TestStartRollback_BadJSON(t *testing.T) {
	_, ts := newTestServer(t, scriptedRunner())
	resp := postJSON(t, ts.URL+"/api/rollbacks", `{"tag":`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestStartUpdate_Busy(t *testing.T) {
	r := scriptedRunner()
	reached, release := blockOn(r, "az account show")
	defer release()
	s, ts := newTestServer(t, r)

	id := startJob(t, ts.URL+"/api/updates")
	<-reached

	resp := postJSON(t, ts.URL+"/api/deployments", "")
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	release()
	dep := waitDone(t, s, id)
	assert.Equal(t, models.StatusCompleted, dep.Status, dep.Error)

	// The web app is free again.
	next := startJob(t, ts.URL+"/api/deployments")
	waitDone(t, s, next)
}

func TestCancelDeployment(t *testing.T) {
	r := scriptedRunner()
	reached, release := blockOn(r, "az account show")
	defer release()
	s, ts := newTestServer(t, r)

	id := startJob(t, ts.URL+"/api/deployments")
	<-reached

	resp := postJSON(t, ts.URL+"/api/deployments/"+id+"/cancel", "")
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	// The web app stays busy until the cancelled run has returned.
	resp = postJSON(t, ts.URL+"/api/deployments", "")
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	resp = postJSON(t, ts.URL+"/api/deployments/"+id+"/cancel", "")
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	release()

	dep := waitDone(t, s, id)
	assert.Equal(t, models.StatusCancelled, dep.Status)
	assert.Zero(t, r.Count("az acr build"))

	resp = postJSON(t, ts.URL+"/api/deployments/"+id+"/cancel", "")
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestDeploymentNotFound(t *testing.T) {
	_, ts := newTestServer(t, scriptedRunner())

	resp, err := http.Get(ts.URL + "/api/deployments/nope")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = postJSON(t, ts.URL+"/api/deployments/nope/cancel", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestGetPlan(t *testing.T) {
	tests := []struct {
		name   string
		runner *mock.Runner
		status int
	}{
		{"all exist", scriptedRunner(), http.StatusOK},
		{"not logged in", mock.New().Fail("az account show", "Please run 'az login'"), http.StatusServiceUnavailable},
		{"query failure", mock.New().OK("az account show", accountJSON).Fail("az group show", "AuthorizationFailed"), http.StatusBadGateway},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, ts := newTestServer(t, tc.runner)
			resp, err := http.Get(ts.URL + "/api/plan")
			require.NoError(t, err)
			defer resp.Body.Close()
			assert.Equal(t, tc.status, resp.StatusCode)
			if tc.status != http.StatusOK {
				return
			}
			var body struct {
				Plan   models.Plan `json:"plan"`
				Create int         `json:"create"`
				Skip   int         `json:"skip"`
			}
			decode(t, resp, &body)
			assert.Equal(t, 0, body.Create)
			assert.Equal(t, 4, body.Skip)
			assert.Equal(t, "dev", body.Plan.Subscription)
		})
	}
	assert.Zero(t, tests[0].runner.Count("az group create"))
}

func TestGetConfig_MasksSecrets(t *testing.T) {
	_, ts := newTestServer(t, scriptedRunner())
	resp, err := http.Get(ts.URL + "/api/config")
	require.NoError(t, err)
	defer resp.Body.Close()

	var view configView
	decode(t, resp, &view)
	assert.Equal(t, "rag-webapp", view.WebApp)
	assert.Equal(t, "ragacr01.azurecr.io", view.LoginServer)
	assert.NotEqual(t, "sk-live", view.AppSettings[config.OpenAIAPIKey])
	assert.NotEmpty(t, view.AppSettings[config.OpenAIAPIKey])
}

func TestListReleases_BadLimit(t *testing.T) {
	_, ts := newTestServer(t, scriptedRunner())
	resp, err := http.Get(ts.URL + "/api/releases?limit=x")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestMetricsEndpoint(t *testing.T) {
	_, ts := newTestServer(t, scriptedRunner())
	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()

	resp, err = http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var sb strings.Builder
	_, err = io.Copy(&sb, resp.Body)
	require.NoError(t, err)
	assert.Contains(t, sb.String(), `ragdeploy_http_requests_total{route="/healthz",status="200"}`)
}

func TestCORSPreflight(t *testing.T) {
	_, ts := newTestServer(t, scriptedRunner())
	req, err := http.NewRequest(http.MethodOptions, ts.URL+"/api/deployments", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
}

func TestStreamDeploymentLogs(t *testing.T) {
	s, ts := newTestServer(t, scriptedRunner())
	id := startJob(t, ts.URL+"/api/deployments")

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/deployments/" + id + "/logs"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	var frames []string
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "unexpected error: %v", err)
			var ce *websocket.CloseError
			if assert.ErrorAs(t, err, &ce) {
				assert.Equal(t, models.StatusCompleted, ce.Text)
			}
			break
		}
		frames = append(frames, string(msg))
	}
	require.NotEmpty(t, frames)
	lines := frames[:len(frames)-1]
	var summary map[string]any
	require.NoError(t, json.Unmarshal([]byte(frames[len(frames)-1]), &summary))

	dep := waitDone(t, s, id)
	assert.Equal(t, dep.Output, lines)
	assert.Contains(t, strings.Join(lines, "\n"), "=== build image ===")

	assert.Equal(t, "summary", summary["type"])
	assert.Equal(t, id, summary["id"])
	assert.Equal(t, models.StatusCompleted, summary["status"])
	assert.Equal(t, dep.ImageTag, summary["image_tag"])
	steps, ok := summary["steps"].([]any)
	require.True(t, ok)
	assert.Len(t, steps, len(dep.Steps))
}

func TestStreamDeploymentLogs_FailedRunSummary(t *testing.T) {
	r := scriptedRunner()
	r.Fail("az acr build", "quota exceeded")
	s, ts := newTestServer(t, r)
	id := startJob(t, ts.URL+"/api/deployments")
	dep := waitDone(t, s, id)
	require.Equal(t, models.StatusFailed, dep.Status)

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/deployments/" + id + "/logs"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var last []byte
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			break
		}
		last = msg
	}

	var summary struct {
		Type   string              `json:"type"`
		Status string              `json:"status"`
		Error  string              `json:"error"`
		Steps  []models.StepResult `json:"steps"`
	}
	require.NoError(t, json.Unmarshal(last, &summary))
	assert.Equal(t, "summary", summary.Type)
	assert.Equal(t, models.StatusFailed, summary.Status)
	assert.Contains(t, summary.Error, "quota exceeded")
	require.NotEmpty(t, summary.Steps)
	assert.Equal(t, "failed", summary.Steps[len(summary.Steps)-1].Status)
}

func TestStreamDeploymentLogs_NotFound(t *testing.T) {
	_, ts := newTestServer(t, scriptedRunner())
	resp, err := http.Get(ts.URL + "/ws/deployments/nope/logs")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
