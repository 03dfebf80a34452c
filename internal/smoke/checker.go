package smoke

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/rflorenc/ragdeploy/internal/metrics"
)

// Result is the outcome of probing one endpoint.
type Result struct {
	Path       string `json:"path"`
	StatusCode int    `json:"status_code"`
	Passed     bool   `json:"passed"`
	Attempts   int    `json:"attempts"`
	Body       string `json:"body,omitempty"`
	Error      string `json:"error,omitempty"`
}

// Report collects every probe of one smoke test run.
type Report struct {
	BaseURL string       `json:"base_url"`
	Results []Result     `json:"results"`
	Query   *QueryResult `json:"query,omitempty"`
}

// Passed reports whether every probe passed.
func (r *Report) Passed() bool {
	for _, res := range r.Results {
		if !res.Passed {
			return false
		}
	}
	return r.Query == nil || r.Query.Passed
}

// Warnings returns one message per failed probe.
func (r *Report) Warnings() []string {
	var out []string
	for _, res := range r.Results {
		if res.Passed {
			continue
		}
		if res.Error != "" {
			out = append(out, fmt.Sprintf("%s unreachable: %s - app may still be starting", res.Path, res.Error))
		} else {
			out = append(out, fmt.Sprintf("%s returned HTTP %d - app may still be starting", res.Path, res.StatusCode))
		}
	}
	if r.Query != nil && !r.Query.Passed {
		out = append(out, "/rag/query probe failed: "+r.Query.Error)
	}
	return out
}

// Options configures a Checker.
type Options struct {
	Paths      []string
	Warmup     time.Duration
	Attempts   int
	Interval   time.Duration
	QueryProbe bool
}

// Checker runs the post-deploy smoke test.
type Checker struct {
	client *Client
	opts   Options
}

// NewChecker creates a Checker. Attempts below one mean a single attempt.
func NewChecker(client *Client, opts Options) *Checker {
	if opts.Attempts < 1 {
		opts.Attempts = 1
	}
	if len(opts.Paths) == 0 {
		opts.Paths = []string{"/health", "/"}
	}
	return &Checker{client: client, opts: opts}
}

// Run waits for warm-up and probes every configured path. Failed probes are
// recorded in the report, never returned as errors; the only error is
// cancellation of ctx.
func (c *Checker) Run(ctx context.Context, logger func(string)) (*Report, error) {
	if c.opts.Warmup > 0 {
		logger(fmt.Sprintf("Waiting %s for the app to warm up...", c.opts.Warmup))
		timer := time.NewTimer(c.opts.Warmup)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}

	report := &Report{BaseURL: c.client.BaseURL()}
	for _, path := range c.opts.Paths {
		res, err := c.probe(ctx, path)
		if err != nil {
			return nil, err
		}
		metrics.CaptureProbe(path, res.Passed)
		if res.Passed {
			logger(fmt.Sprintf("  %s: HTTP %d OK", path, res.StatusCode))
		} else if res.Error != "" {
			logger(fmt.Sprintf("  %s: FAILED (%s)", path, res.Error))
		} else {
			logger(fmt.Sprintf("  %s: FAILED (HTTP %d)", path, res.StatusCode))
		}
		report.Results = append(report.Results, res)
	}

	if c.opts.QueryProbe {
		q, err := c.QueryProbe(ctx, "What information is available in the documents?")
		if err != nil && ctx.Err() != nil {
			return nil, ctx.Err()
		}
		metrics.CaptureProbe(queryPath, q.Passed)
		if q.Passed {
			logger(fmt.Sprintf("  %s: answered with %d source(s)", queryPath, q.Sources))
		} else {
			logger(fmt.Sprintf("  %s: FAILED (%s)", queryPath, q.Error))
		}
		report.Query = q
	}
	return report, nil
}

// probe GETs path up to Attempts times, paced by a rate limiter, and stops
// at the first passing response.
func (c *Checker) probe(ctx context.Context, path string) (Result, error) {
	limiter := rate.NewLimiter(rate.Every(c.opts.Interval), 1)
	res := Result{Path: path}
	for attempt := 1; attempt <= c.opts.Attempts; attempt++ {
		if err := limiter.Wait(ctx); err != nil {
			if ctx.Err() != nil {
				return res, ctx.Err()
			}
			return res, err
		}
		res.Attempts = attempt

		resp, err := c.client.Get(ctx, path)
		if err != nil {
			if ctx.Err() != nil {
				return res, ctx.Err()
			}
			res.Error = err.Error()
			res.StatusCode = 0
			continue
		}
		res.Error = ""
		res.StatusCode = resp.StatusCode
		res.Body = truncate(string(resp.Body), 200)
		res.Passed = Classify(resp.StatusCode)
		if res.Passed {
			break
		}
	}
	return res, nil
}

const queryPath = "/rag/query"

// QueryRequest is the RAG service's query payload.
type QueryRequest struct {
	Query     string `json:"query"`
	SessionID string `json:"session_id,omitempty"`
}

// Source is one cited document chunk.
type Source struct {
	Document string `json:"document"`
	ChunkID  int    `json:"chunk_id"`
}

// QueryResponse is the RAG service's answer payload.
type QueryResponse struct {
	Answer    *string  `json:"answer"`
	Sources   []Source `json:"sources"`
	SessionID string   `json:"session_id,omitempty"`
}

// QueryResult is the outcome of the /rag/query probe.
type QueryResult struct {
	SessionID  string `json:"session_id"`
	StatusCode int    `json:"status_code"`
	Passed     bool   `json:"passed"`
	Sources    int    `json:"sources"`
	Error      string `json:"error,omitempty"`
}

// QueryProbe posts one question and validates the response shape: answer and
// sources must be present, and an echoed session_id must match the one sent.
func (c *Checker) QueryProbe(ctx context.Context, question string) (*QueryResult, error) {
	res := &QueryResult{SessionID: "smoke-" + uuid.New().String()}
	resp, err := c.client.PostJSON(ctx, queryPath, QueryRequest{Query: question, SessionID: res.SessionID})
	if err != nil {
		res.Error = err.Error()
		return res, err
	}
	res.StatusCode = resp.StatusCode
	if !Classify(resp.StatusCode) {
		res.Error = fmt.Sprintf("HTTP %d: %s", resp.StatusCode, truncate(string(resp.Body), 200))
		return res, nil
	}

	// Decode into a raw map first so a missing "sources" key can be told
	// apart from an empty list.
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(resp.Body, &raw); err != nil {
		res.Error = "response is not a JSON object"
		return res, nil
	}
	if _, ok := raw["sources"]; !ok {
		res.Error = "missing sources"
		return res, nil
	}
	var qr QueryResponse
	if err := json.Unmarshal(resp.Body, &qr); err != nil {
		res.Error = "sources must be a list: " + err.Error()
		return res, nil
	}
	if qr.Answer == nil {
		res.Error = "missing answer"
		return res, nil
	}
	if qr.SessionID != "" && qr.SessionID != res.SessionID {
		res.Error = fmt.Sprintf("session_id changed (%s -> %s)", res.SessionID, qr.SessionID)
		return res, nil
	}
	res.Sources = len(qr.Sources)
	res.Passed = true
	return res, nil
}
