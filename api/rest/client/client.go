// Package client implements the HTTP client for the master control surface,
// used by the job, minions and event subcommands.
package client

import (
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2"

	"yqhp/dispatch-engine/api/rest"
	"yqhp/dispatch-engine/pkg/types"
	"yqhp/dispatch-engine/pkg/util"
)

// Config holds the configuration for the control surface client.
type Config struct {
	// MasterURL is the base URL of the master API (e.g., "http://localhost:4507").
	MasterURL string

	// RequestTimeout is the timeout for HTTP requests.
	RequestTimeout time.Duration
}

// DefaultConfig returns a default client configuration.
func DefaultConfig() *Config {
	return &Config{
		MasterURL:      "http://localhost:4507",
		RequestTimeout: 30 * time.Second,
	}
}

// Client talks to the master control surface.
type Client struct {
	config *Config
	agent  *fiber.Client
}

// NewClient creates a new control surface client.
func NewClient(config *Config) *Client {
	if config == nil {
		config = DefaultConfig()
	}
	if config.RequestTimeout <= 0 {
		config.RequestTimeout = 30 * time.Second
	}
	return &Client{config: config, agent: fiber.AcquireClient()}
}

// Health checks whether the master API answers.
func (c *Client) Health() error {
	url := fmt.Sprintf("%s/api/v1/health", c.config.MasterURL)
	req := c.agent.Get(url)
	req.Timeout(c.config.RequestTimeout)

	statusCode, _, errs := req.Bytes()
	if len(errs) > 0 {
		return fmt.Errorf("failed to reach master: %v", errs[0])
	}
	if statusCode != fiber.StatusOK {
		return fmt.Errorf("master health check failed with status: %d", statusCode)
	}
	return nil
}

// SubmitJob submits one job. When req.Wait is set the master holds the
// request until the job is terminal and the full report comes back in
// report; otherwise only the submission summary is filled.
func (c *Client) SubmitJob(req *rest.SubmitJobRequest) (*rest.JobSubmittedResponse, *types.JobReport, error) {
	body, err := util.Marshal(req)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to marshal job request: %w", err)
	}

	url := fmt.Sprintf("%s/api/v1/jobs", c.config.MasterURL)
	httpReq := c.agent.Post(url)
	httpReq.Timeout(c.requestTimeout(req))
	httpReq.Body(body)
	httpReq.Set("Content-Type", "application/json")

	statusCode, respBody, errs := httpReq.Bytes()
	if len(errs) > 0 {
		return nil, nil, fmt.Errorf("failed to submit job: %v", errs[0])
	}
	if statusCode != fiber.StatusCreated {
		return nil, nil, apiError("job submission", statusCode, respBody)
	}

	if req.Wait {
		var report types.JobReport
		if err := util.Unmarshal(respBody, &report); err != nil {
			return nil, nil, fmt.Errorf("failed to unmarshal job report: %w", err)
		}
		return nil, &report, nil
	}

	var resp rest.JobSubmittedResponse
	if err := util.Unmarshal(respBody, &resp); err != nil {
		return nil, nil, fmt.Errorf("failed to unmarshal submission response: %w", err)
	}
	return &resp, nil, nil
}

// requestTimeout stretches the HTTP timeout past the job deadline for
// blocking submissions so the master, not the client, decides the outcome.
func (c *Client) requestTimeout(req *rest.SubmitJobRequest) time.Duration {
	timeout := c.config.RequestTimeout
	if !req.Wait || req.Deadline == "" {
		return timeout
	}
	if d, err := time.ParseDuration(req.Deadline); err == nil && d+10*time.Second > timeout {
		timeout = d + 10*time.Second
	}
	return timeout
}

// GetJob queries one job report.
func (c *Client) GetJob(jid string) (*types.JobReport, error) {
	url := fmt.Sprintf("%s/api/v1/jobs/%s", c.config.MasterURL, jid)
	req := c.agent.Get(url)
	req.Timeout(c.config.RequestTimeout)

	statusCode, respBody, errs := req.Bytes()
	if len(errs) > 0 {
		return nil, fmt.Errorf("failed to query job: %v", errs[0])
	}
	if statusCode == fiber.StatusNotFound {
		return nil, fmt.Errorf("job %s: %w", jid, types.ErrUnknownJob)
	}
	if statusCode != fiber.StatusOK {
		return nil, apiError("job query", statusCode, respBody)
	}

	var report types.JobReport
	if err := util.Unmarshal(respBody, &report); err != nil {
		return nil, fmt.Errorf("failed to unmarshal job report: %w", err)
	}
	return &report, nil
}

// ListJobs lists recent jobs, newest first.
func (c *Client) ListJobs(limit int) ([]*types.JobRecord, error) {
	url := fmt.Sprintf("%s/api/v1/jobs?limit=%d", c.config.MasterURL, limit)
	req := c.agent.Get(url)
	req.Timeout(c.config.RequestTimeout)

	statusCode, respBody, errs := req.Bytes()
	if len(errs) > 0 {
		return nil, fmt.Errorf("failed to list jobs: %v", errs[0])
	}
	if statusCode != fiber.StatusOK {
		return nil, apiError("job list", statusCode, respBody)
	}

	var resp rest.ListJobsResponse
	if err := util.Unmarshal(respBody, &resp); err != nil {
		return nil, fmt.Errorf("failed to unmarshal job list: %w", err)
	}
	return resp.Jobs, nil
}

// Minions lists the registered fleet with liveness.
func (c *Client) Minions() ([]*rest.MinionView, error) {
	url := fmt.Sprintf("%s/api/v1/minions", c.config.MasterURL)
	req := c.agent.Get(url)
	req.Timeout(c.config.RequestTimeout)

	statusCode, respBody, errs := req.Bytes()
	if len(errs) > 0 {
		return nil, fmt.Errorf("failed to list minions: %v", errs[0])
	}
	if statusCode != fiber.StatusOK {
		return nil, apiError("minion list", statusCode, respBody)
	}

	var resp rest.MinionsResponse
	if err := util.Unmarshal(respBody, &resp); err != nil {
		return nil, fmt.Errorf("failed to unmarshal minion list: %w", err)
	}
	return resp.Minions, nil
}

// PingStatus probes the fleet and returns the up/down split.
func (c *Client) PingStatus(timeout time.Duration) (up, down []string, err error) {
	url := fmt.Sprintf("%s/api/v1/minions/status?timeout=%s", c.config.MasterURL, timeout)
	req := c.agent.Get(url)
	req.Timeout(timeout + 10*time.Second)

	statusCode, respBody, errs := req.Bytes()
	if len(errs) > 0 {
		return nil, nil, fmt.Errorf("fleet probe failed: %v", errs[0])
	}
	if statusCode != fiber.StatusOK {
		return nil, nil, apiError("fleet probe", statusCode, respBody)
	}

	var resp rest.PingStatusResponse
	if err := util.Unmarshal(respBody, &resp); err != nil {
		return nil, nil, fmt.Errorf("failed to unmarshal probe response: %w", err)
	}
	return resp.Up, resp.Down, nil
}

// PublishEvent injects a custom event onto the master bus.
func (c *Client) PublishEvent(tag string, data map[string]interface{}) error {
	body, err := util.Marshal(rest.PublishEventRequest{Tag: tag, Data: data})
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	url := fmt.Sprintf("%s/api/v1/events", c.config.MasterURL)
	httpReq := c.agent.Post(url)
	httpReq.Timeout(c.config.RequestTimeout)
	httpReq.Body(body)
	httpReq.Set("Content-Type", "application/json")

	statusCode, respBody, errs := httpReq.Bytes()
	if len(errs) > 0 {
		return fmt.Errorf("failed to publish event: %v", errs[0])
	}
	if statusCode != fiber.StatusCreated {
		return apiError("event publish", statusCode, respBody)
	}
	return nil
}

func apiError(op string, statusCode int, body []byte) error {
	var errResp rest.ErrorResponse
	if err := util.Unmarshal(body, &errResp); err == nil && errResp.Message != "" {
		return fmt.Errorf("%s failed: %s", op, errResp.Message)
	}
	return fmt.Errorf("%s failed with status: %d", op, statusCode)
}
