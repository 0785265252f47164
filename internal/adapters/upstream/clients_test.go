package upstream

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWarehouseClient_Query(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/query", r.URL.Path)
		var req struct {
			View   string            `json:"view"`
			Params map[string]string `json:"params"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "v_aurora_fc_community_demographics", req.View)
		assert.Equal(t, "general_population", req.Params["comparison_population"])

		json.NewEncoder(w).Encode(map[string]any{
			"columns": []string{"bucket", "index"},
			"rows":    [][]any{{"18-24", 1.3}},
		})
	}))
	defer ts.Close()

	client := NewWarehouseClient(ts.URL)
	res, err := client.Query(context.Background(), "v_aurora_fc_community_demographics", map[string]string{
		"comparison_population": "general_population",
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"bucket", "index"}, res.Columns)
	require.Len(t, res.Rows, 1)
}

func TestWarehouseClient_ErrorStatus(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "internal", http.StatusInternalServerError)
	}))
	defer ts.Close()

	client := NewWarehouseClient(ts.URL)
	_, err := client.Query(context.Background(), "v_x", nil)
	assert.ErrorContains(t, err, "500")
}

func TestInsightClient_Write(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/insights", r.URL.Path)
		var req struct {
			Section string `json:"section"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "demographic-insights", req.Section)
		json.NewEncoder(w).Encode(map[string]string{"text": "a young community"})
	}))
	defer ts.Close()

	client := NewInsightClient(ts.URL)
	text, err := client.Write(context.Background(), "demographic-insights", map[string]any{"subject": "aurora_fc"})
	require.NoError(t, err)
	assert.Equal(t, "a young community", text)
}

func TestLogoClient_Fetch(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/logos", r.URL.Path)
		switch r.URL.Query().Get("merchant") {
		case "Acme Coffee":
			json.NewEncoder(w).Encode(map[string]string{"url": "https://cdn.example.com/acme.png"})
		default:
			http.NotFound(w, r)
		}
	}))
	defer ts.Close()

	client := NewLogoClient(ts.URL)

	url, err := client.Fetch(context.Background(), "Acme Coffee")
	require.NoError(t, err)
	assert.Equal(t, "https://cdn.example.com/acme.png", url)

	// Unknown merchants are a soft miss, not an error.
	url, err = client.Fetch(context.Background(), "Nowhere Inc")
	require.NoError(t, err)
	assert.Empty(t, url)
}
