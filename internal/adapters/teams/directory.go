package teams

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"

	"deckforge/internal/report"
)

// Directory is a static team catalog loaded once at startup. Team
// onboarding is a config change, not an API.
type Directory struct {
	byKey map[string]report.TeamConfig
}

// NewDirectory loads the catalog from a JSON file. An empty path falls
// back to the built-in demo catalog.
func NewDirectory(path string) (*Directory, error) {
	configs := defaultTeams
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read team catalog: %w", err)
		}
		if err := json.Unmarshal(data, &configs); err != nil {
			return nil, fmt.Errorf("failed to parse team catalog: %w", err)
		}
	}

	byKey := make(map[string]report.TeamConfig, len(configs))
	for _, tc := range configs {
		if tc.Key == "" || tc.ViewPrefix == "" {
			return nil, fmt.Errorf("team catalog entry missing key or view_prefix: %+v", tc)
		}
		byKey[tc.Key] = tc
	}
	return &Directory{byKey: byKey}, nil
}

func (d *Directory) Get(ctx context.Context, key string) (*report.TeamConfig, error) {
	tc, ok := d.byKey[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", report.ErrUnknownTeam, key)
	}
	return &tc, nil
}

func (d *Directory) List(ctx context.Context) ([]report.TeamConfig, error) {
	out := make([]report.TeamConfig, 0, len(d.byKey))
	for _, tc := range d.byKey {
		out = append(out, tc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

var defaultTeams = []report.TeamConfig{
	{
		Key:                  "aurora_fc",
		Name:                 "Aurora FC",
		League:               "MLS",
		ViewPrefix:           "v_aurora_fc",
		ComparisonPopulation: "general_population",
	},
	{
		Key:                  "harbor_city_nine",
		Name:                 "Harbor City Nine",
		League:               "MLB",
		ViewPrefix:           "v_harbor_city_nine",
		ComparisonPopulation: "general_population",
	},
}
