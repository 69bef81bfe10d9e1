package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

// APIError carries the HTTP status of a non-2xx response so callers can
// distinguish "not found" from genuine failure.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api status %d: %s", e.Status, e.Message)
}

func (e *APIError) NotFound() bool {
	return e.Status == http.StatusNotFound
}

type apiErrorBody struct {
	Error   string `json:"error"`
	Detail  string `json:"detail"`
	Message string `json:"message"`
}

// Client talks to the Synth backend. All requests carry the bearer token and
// honor context cancellation; a canceled context surfaces as ctx.Err() so
// callers can treat aborts as clean early returns.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	logger     *zap.Logger
}

func NewClient(baseURL, apiKey string, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: 45 * time.Second,
		},
		logger: logger,
	}
}

func detailPathFor(source JobSource, jobID string) string {
	id := url.PathEscape(jobID)
	switch source {
	case SourceEval:
		return "/api/eval/jobs/" + id
	case SourcePromptLearning:
		return "/api/prompt-learning/online/jobs/" + id
	default:
		return "/api/learning/jobs/" + id
	}
}

// eventPathsFor returns the ordered list of event-page endpoints to probe
// for a job. Prompt-evolution jobs may be served by either the
// prompt-learning or the learning subsystem, so both are tried in order.
func eventPathsFor(job Job) []string {
	id := url.PathEscape(job.ID)
	switch job.Source {
	case SourceEval:
		return []string{"/api/eval/jobs/" + id + "/events"}
	case SourcePromptLearning:
		return []string{
			"/api/prompt-learning/online/jobs/" + id + "/events",
			"/api/learning/jobs/" + id + "/events",
		}
	default:
		return []string{"/api/learning/jobs/" + id + "/events"}
	}
}

func streamPathFor(job Job) string {
	return detailPathFor(job.Source, job.ID) + "/events/stream"
}

// listPaths are the job-list endpoints merged by ListJobs, one per backend
// subsystem.
var listPaths = []struct {
	source JobSource
	path   string
}{
	{SourceLearning, "/api/learning/jobs"},
	{SourcePromptLearning, "/api/prompt-learning/online/jobs"},
	{SourceEval, "/api/eval/jobs"},
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		blob, _ := io.ReadAll(io.LimitReader(resp.Body, 16*1024))
		message := strings.TrimSpace(string(blob))
		var body apiErrorBody
		if json.Unmarshal(blob, &body) == nil {
			for _, candidate := range []string{body.Error, body.Detail, body.Message} {
				if strings.TrimSpace(candidate) != "" {
					message = strings.TrimSpace(candidate)
					break
				}
			}
		}
		return &APIError{Status: resp.StatusCode, Message: message}
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// FetchJob loads a job's detail record from its source-specific endpoint and
// returns both the coerced job and the raw payload for artifact extraction.
func (c *Client) FetchJob(ctx context.Context, source JobSource, jobID string) (Job, map[string]any, error) {
	jobID = strings.TrimSpace(jobID)
	if jobID == "" {
		return Job{}, nil, fmt.Errorf("job id is required")
	}
	var raw map[string]any
	if err := c.getJSON(ctx, detailPathFor(source, jobID), &raw); err != nil {
		return Job{}, nil, err
	}
	job := CoerceJob(raw)
	if job.ID == "" {
		job.ID = jobID
	}
	if job.Source == SourceLearning && source != "" {
		job.Source = source
	}
	return job, raw, nil
}

// ListJobs merges the job lists of every backend subsystem. A subsystem that
// errors is skipped; only a total failure is reported.
func (c *Client) ListJobs(ctx context.Context, limit int) ([]Job, error) {
	if limit <= 0 {
		limit = 50
	}
	jobs := make([]Job, 0, limit)
	var lastErr error
	reached := 0
	for _, entry := range listPaths {
		path := fmt.Sprintf("%s?limit=%d", entry.path, limit)
		var raw any
		if err := c.getJSON(ctx, path, &raw); err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			c.logger.Debug("job list endpoint failed",
				zap.String("path", entry.path), zap.Error(err))
			lastErr = err
			continue
		}
		reached++
		for _, item := range decodeJobList(raw) {
			job := CoerceJob(item)
			if job.ID == "" {
				continue
			}
			if job.Source == SourceLearning {
				job.Source = entry.source
			}
			jobs = append(jobs, job)
		}
	}
	if reached == 0 && lastErr != nil {
		return nil, lastErr
	}
	return jobs, nil
}

func decodeJobList(raw any) []map[string]any {
	items, ok := raw.([]any)
	if !ok {
		wrapper, isMap := raw.(map[string]any)
		if !isMap {
			return nil
		}
		items, _ = wrapper["jobs"].([]any)
	}
	out := make([]map[string]any, 0, len(items))
	for _, item := range items {
		if entry, ok := item.(map[string]any); ok {
			out = append(out, entry)
		}
	}
	return out
}

// FetchEvents pulls one event page starting at sinceSeq. The kind-specific
// endpoints are probed in order; the first one that answers wins and the
// last error is returned when all fail. Context cancellation is passed
// through untouched.
func (c *Client) FetchEvents(ctx context.Context, job Job, sinceSeq int64, limit int) (EventPage, error) {
	if limit <= 0 {
		limit = 200
	}
	query := fmt.Sprintf("?since_seq=%d&limit=%d", sinceSeq, limit)

	var lastErr error
	for _, path := range eventPathsFor(job) {
		var raw any
		err := c.getJSON(ctx, path+query, &raw)
		if err == nil {
			return DecodeEventPage(raw), nil
		}
		if ctx.Err() != nil {
			return EventPage{}, ctx.Err()
		}
		c.logger.Debug("event endpoint failed",
			zap.String("path", path), zap.Int64("since_seq", sinceSeq), zap.Error(err))
		lastErr = fmt.Errorf("fetch events from %s: %w", path, err)
	}
	return EventPage{}, lastErr
}

// FetchBestArtifact loads the best-artifact record referenced by a job.
func (c *Client) FetchBestArtifact(ctx context.Context, job Job, artifactID string) (map[string]any, error) {
	artifactID = strings.TrimSpace(artifactID)
	if artifactID == "" {
		return nil, fmt.Errorf("artifact id is required")
	}
	path := detailPathFor(job.Source, job.ID) + "/artifacts/" + url.PathEscape(artifactID)
	var raw map[string]any
	if err := c.getJSON(ctx, path, &raw); err != nil {
		return nil, err
	}
	return raw, nil
}

// FetchEvalSummary loads the aggregated results of an evaluation job.
func (c *Client) FetchEvalSummary(ctx context.Context, jobID string) (map[string]any, error) {
	var raw map[string]any
	path := "/api/eval/jobs/" + url.PathEscape(jobID) + "/results"
	if err := c.getJSON(ctx, path, &raw); err != nil {
		return nil, err
	}
	return raw, nil
}

// FetchMetrics loads the GEPA optimizer metrics of a prompt-evolution job.
func (c *Client) FetchMetrics(ctx context.Context, jobID string) (map[string]any, error) {
	var raw map[string]any
	path := "/api/prompt-learning/online/jobs/" + url.PathEscape(jobID) + "/metrics"
	if err := c.getJSON(ctx, path, &raw); err != nil {
		return nil, err
	}
	return raw, nil
}

func formatSeq(seq int64) string {
	return strconv.FormatInt(seq, 10)
}
