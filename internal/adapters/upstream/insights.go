package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// InsightClient calls the narrative generation service for a section's
// AI commentary.
type InsightClient struct {
	baseURL string
	client  *http.Client
}

func NewInsightClient(baseURL string) *InsightClient {
	if baseURL == "" {
		baseURL = "http://localhost:8810"
	}
	return &InsightClient{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 120 * time.Second},
	}
}

type insightRequest struct {
	Section string         `json:"section"`
	Inputs  map[string]any `json:"inputs"`
}

type insightResponse struct {
	Text string `json:"text"`
}

func (c *InsightClient) Write(ctx context.Context, section string, inputs map[string]any) (string, error) {
	jsonData, err := json.Marshal(insightRequest{Section: section, Inputs: inputs})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/v1/insights", bytes.NewBuffer(jsonData))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("insight service connection failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("insight service returned status: %d", resp.StatusCode)
	}

	var ir insightResponse
	if err := json.NewDecoder(resp.Body).Decode(&ir); err != nil {
		return "", fmt.Errorf("failed to decode insight response: %w", err)
	}
	return ir.Text, nil
}
