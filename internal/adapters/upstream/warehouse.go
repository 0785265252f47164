package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"deckforge/internal/report"
)

// WarehouseClient talks to the analytics warehouse query gateway over HTTP.
type WarehouseClient struct {
	baseURL string
	client  *http.Client
}

func NewWarehouseClient(baseURL string) *WarehouseClient {
	if baseURL == "" {
		baseURL = "http://localhost:8800"
	}
	return &WarehouseClient{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 60 * time.Second},
	}
}

type queryRequest struct {
	View   string            `json:"view"`
	Params map[string]string `json:"params,omitempty"`
}

type queryResponse struct {
	Columns []string `json:"columns"`
	Rows    [][]any  `json:"rows"`
}

func (w *WarehouseClient) Query(ctx context.Context, view string, params map[string]string) (*report.QueryResult, error) {
	jsonData, err := json.Marshal(queryRequest{View: view, Params: params})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, "POST", w.baseURL+"/v1/query", bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("warehouse connection failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("warehouse returned status: %d", resp.StatusCode)
	}

	var qr queryResponse
	if err := json.NewDecoder(resp.Body).Decode(&qr); err != nil {
		return nil, fmt.Errorf("failed to decode warehouse response: %w", err)
	}
	return &report.QueryResult{Columns: qr.Columns, Rows: qr.Rows}, nil
}
