package cmd

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"buildplane/pkg/api"
)

// BuildClient handles API calls to the buildplane master.
type BuildClient struct {
	BaseURL    string
	HTTPClient *http.Client
}

// NewBuildClient creates a new client with the given base URL.
func NewBuildClient(baseURL string) *BuildClient {
	return &BuildClient{
		BaseURL: baseURL,
		HTTPClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// APIError represents an error response from the API.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error (%d): %s", e.StatusCode, e.Message)
}

func (c *BuildClient) do(method, endpoint string, reqBody, result interface{}) error {
	var body io.Reader
	if reqBody != nil {
		bodyBytes, err := json.Marshal(reqBody)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		body = bytes.NewReader(bodyBytes)
	}

	httpReq, err := http.NewRequest(method, c.BaseURL+endpoint, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Add("Content-Type", "application/json")

	resp, err := c.HTTPClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return &APIError{StatusCode: resp.StatusCode, Message: string(respBody)}
	}

	if result != nil {
		if err := json.Unmarshal(respBody, result); err != nil {
			return fmt.Errorf("failed to parse response: %w", err)
		}
	}
	return nil
}

// CreateJob sends POST /jobs to create a new job definition.
func (c *BuildClient) CreateJob(req api.CreateJobRequest) (*api.CreateJobResponse, error) {
	var result api.CreateJobResponse
	if err := c.do(http.MethodPost, "/jobs", req, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// TriggerBuild sends POST /jobs/{id}/builds to queue a new build.
func (c *BuildClient) TriggerBuild(jobID string, req api.TriggerBuildRequest) (*api.TriggerBuildResponse, error) {
	var result api.TriggerBuildResponse
	if err := c.do(http.MethodPost, fmt.Sprintf("/jobs/%s/builds", jobID), req, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// GetBuild sends GET /builds/{id} to retrieve build details.
func (c *BuildClient) GetBuild(buildID string) (*api.BuildResponse, error) {
	var result api.BuildResponse
	if err := c.do(http.MethodGet, fmt.Sprintf("/builds/%s", buildID), nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// GetConsole sends GET /builds/{id}/console to retrieve console output.
func (c *BuildClient) GetConsole(buildID string) (*api.ConsoleResponse, error) {
	var result api.ConsoleResponse
	if err := c.do(http.MethodGet, fmt.Sprintf("/builds/%s/console", buildID), nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// AbortBuild sends DELETE /builds/{id} to abort a queued or running build.
func (c *BuildClient) AbortBuild(buildID string) (*api.AbortBuildResponse, error) {
	var result api.AbortBuildResponse
	if err := c.do(http.MethodDelete, fmt.Sprintf("/builds/%s", buildID), nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// GetQueueStats sends GET /queue/stats.
func (c *BuildClient) GetQueueStats() (*api.QueueStatsResponse, error) {
	var result api.QueueStatsResponse
	if err := c.do(http.MethodGet, "/queue/stats", nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// GetPoolStats sends GET /pool/stats.
func (c *BuildClient) GetPoolStats() (*api.PoolStatsResponse, error) {
	var result api.PoolStatsResponse
	if err := c.do(http.MethodGet, "/pool/stats", nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// ListAgents sends GET /agents.
func (c *BuildClient) ListAgents() ([]api.AgentResponse, error) {
	var result []api.AgentResponse
	if err := c.do(http.MethodGet, "/agents", nil, &result); err != nil {
		return nil, err
	}
	return result, nil
}

// CreateAgent sends POST /agents to register an execution agent.
func (c *BuildClient) CreateAgent(req api.CreateAgentRequest) (*api.AgentResponse, error) {
	var result api.AgentResponse
	if err := c.do(http.MethodPost, "/agents", req, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// DeleteAgent sends DELETE /agents/{id} to remove an idle agent.
func (c *BuildClient) DeleteAgent(agentID string) error {
	return c.do(http.MethodDelete, fmt.Sprintf("/agents/%s", agentID), nil, nil)
}
