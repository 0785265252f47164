package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"
)

// LogoClient resolves merchant brand marks through the logo lookup service.
type LogoClient struct {
	baseURL string
	client  *http.Client
}

func NewLogoClient(baseURL string) *LogoClient {
	if baseURL == "" {
		baseURL = "http://localhost:8820"
	}
	return &LogoClient{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 15 * time.Second},
	}
}

type logoResponse struct {
	URL string `json:"url"`
}

func (c *LogoClient) Fetch(ctx context.Context, merchant string) (string, error) {
	endpoint := c.baseURL + "/v1/logos?merchant=" + url.QueryEscape(merchant)
	req, err := http.NewRequestWithContext(ctx, "GET", endpoint, nil)
	if err != nil {
		return "", err
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("logo service connection failed: %w", err)
	}
	defer resp.Body.Close()

	// Unknown merchants are not an error, the slide just has no mark.
	if resp.StatusCode == http.StatusNotFound {
		return "", nil
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("logo service returned status: %d", resp.StatusCode)
	}

	var lr logoResponse
	if err := json.NewDecoder(resp.Body).Decode(&lr); err != nil {
		return "", fmt.Errorf("failed to decode logo response: %w", err)
	}
	return lr.URL, nil
}
