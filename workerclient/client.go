// Package workerclient is the library a spawned worker process uses to talk
// to the orchestrator: progress reporting, quota reservation, the pause
// protocol, and terminal results. Workers in other languages speak the same
// HTTP surface directly.
package workerclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"golang.org/x/time/rate"

	"github.com/tfswheels/foreman/errors"
	"github.com/tfswheels/foreman/job"
	"github.com/tfswheels/foreman/supervisor"
)

// DefaultPollInterval is how often Pause polls for an answer.
const DefaultPollInterval = time.Second

// Client talks to one orchestrator about one job.
type Client struct {
	baseURL    string
	jobID      string
	httpClient *http.Client
	limiter    *rate.Limiter
}

// New creates a client for the given orchestrator and job.
func New(baseURL, jobID string, pollInterval time.Duration) *Client {
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}
	return &Client{
		baseURL: baseURL,
		jobID:   jobID,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		limiter: rate.NewLimiter(rate.Every(pollInterval), 1),
	}
}

// FromEnv builds a client from the environment the supervisor hands every
// worker, and returns the job's config snapshot alongside it.
func FromEnv() (*Client, json.RawMessage, error) {
	jobID := os.Getenv(supervisor.EnvJobID)
	if jobID == "" {
		return nil, nil, errors.Newf("%s is not set, not running under the orchestrator", supervisor.EnvJobID)
	}
	serverURL := os.Getenv(supervisor.EnvServerURL)
	if serverURL == "" {
		return nil, nil, errors.Newf("%s is not set", supervisor.EnvServerURL)
	}

	config := json.RawMessage(os.Getenv(supervisor.EnvJobConfig))
	if len(config) == 0 {
		config = json.RawMessage(`{}`)
	}
	return New(serverURL, jobID, DefaultPollInterval), config, nil
}

// JobID returns the job this client reports for.
func (c *Client) JobID() string {
	return c.jobID
}

// Progress appends one line to the job's progress log.
func (c *Client) Progress(message string) error {
	return c.post(fmt.Sprintf("/api/worker/jobs/%s/progress", c.jobID),
		map[string]string{"message": message}, nil)
}

// Complete reports success with an optional result payload. The worker
// should exit shortly after.
func (c *Client) Complete(data json.RawMessage) error {
	return c.post(fmt.Sprintf("/api/worker/jobs/%s/complete", c.jobID),
		map[string]json.RawMessage{"data": data}, nil)
}

// Fail reports failure with a human-readable reason. The worker should exit
// shortly after.
func (c *Client) Fail(reason string) error {
	return c.post(fmt.Sprintf("/api/worker/jobs/%s/fail", c.jobID),
		map[string]string{"error": reason}, nil)
}

// ReserveQuota asks the shared daily budget for up to count units in the
// given category. The grant may be smaller than requested; the worker does
// that much work. ErrQuotaExhausted means nothing was granted.
func (c *Client) ReserveQuota(category string, count int) (int, error) {
	var resp struct {
		Granted int `json:"granted"`
	}
	err := c.post("/api/worker/quota/reserve",
		map[string]interface{}{"category": category, "count": count}, &resp)
	if err != nil {
		return 0, err
	}
	return resp.Granted, nil
}

// answerResponse mirrors the orchestrator's answer endpoint payload.
type answerResponse struct {
	Status job.Status      `json:"status"`
	Answer json.RawMessage `json:"answer,omitempty"`
}

// Pause poses a prompt and blocks until an operator answers it. The worker
// process stays alive and polls the orchestrator at the configured interval;
// there is no other channel between the two processes. Pause returns the
// answer payload, or an error if the job was terminated while paused or the
// context ended.
func (c *Client) Pause(ctx context.Context, prompt job.Prompt) (json.RawMessage, error) {
	err := c.post(fmt.Sprintf("/api/worker/jobs/%s/pause", c.jobID),
		map[string]interface{}{"prompt": prompt}, nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to pause")
	}

	for {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}

		var resp answerResponse
		if err := c.get(fmt.Sprintf("/api/worker/jobs/%s/answer", c.jobID), &resp); err != nil {
			return nil, errors.Wrap(err, "failed to poll for answer")
		}

		switch {
		case resp.Status == job.StatusRunning && len(resp.Answer) > 0:
			return resp.Answer, nil
		case resp.Status.IsTerminal():
			return nil, errors.Newf("job %s while awaiting answer", resp.Status)
		}
		// Still awaiting, keep polling.
	}
}

func (c *Client) post(path string, payload interface{}, out interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return errors.Wrap(err, "failed to marshal request")
	}

	resp, err := c.httpClient.Post(c.baseURL+path, "application/json", bytes.NewReader(body))
	if err != nil {
		return errors.Wrapf(err, "POST %s failed", path)
	}
	defer resp.Body.Close()

	return c.decode(resp, path, out)
}

func (c *Client) get(path string, out interface{}) error {
	resp, err := c.httpClient.Get(c.baseURL + path)
	if err != nil {
		return errors.Wrapf(err, "GET %s failed", path)
	}
	defer resp.Body.Close()

	return c.decode(resp, path, out)
}

func (c *Client) decode(resp *http.Response, path string, out interface{}) error {
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return errors.Wrapf(err, "failed to read response from %s", path)
	}

	if resp.StatusCode >= 400 {
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(raw, &apiErr) == nil && apiErr.Error != "" {
			if resp.StatusCode == http.StatusTooManyRequests {
				return errors.Wrap(errors.ErrQuotaExhausted, apiErr.Error)
			}
			return errors.Newf("%s: %s", path, apiErr.Error)
		}
		return errors.Newf("%s: HTTP %d", path, resp.StatusCode)
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return errors.Wrapf(err, "failed to decode response from %s", path)
	}
	return nil
}
