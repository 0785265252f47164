// Package report defines the sponsorship-deck document type: its task
// graph, the section producers, and the narrow interfaces to the external
// collaborators (data warehouse, AI insight writer, logo service, deck
// renderer) that the producers call through the shared cache.
package report

import (
	"context"
	"errors"
)

// ErrUnknownTeam is a configuration error: the subject key does not match
// any team the directory knows about. Rejected at submission time.
var ErrUnknownTeam = errors.New("unknown team")

// TeamConfig describes one team the system can build a deck for.
type TeamConfig struct {
	Key                  string `json:"key"`
	Name                 string `json:"name"`
	League               string `json:"league"`
	ViewPrefix           string `json:"view_prefix"`
	ComparisonPopulation string `json:"comparison_population"`
}

// QueryResult is a warehouse result set, column-ordered so it survives a
// JSON round trip through the cache.
type QueryResult struct {
	Columns []string `json:"columns"`
	Rows    [][]any  `json:"rows"`
}

// Warehouse runs analytical queries against team community views.
// Implementations must return ErrNoRows-free empty results as a zero-row
// QueryResult, not an error; transport failures are returned as errors and
// retried by the producer.
type Warehouse interface {
	Query(ctx context.Context, view string, params map[string]string) (*QueryResult, error)
}

// InsightWriter produces AI narrative text for a named section.
type InsightWriter interface {
	Write(ctx context.Context, section string, inputs map[string]any) (string, error)
}

// LogoFetcher resolves a merchant name to a logo URL. An empty URL with a
// nil error means no logo is known.
type LogoFetcher interface {
	Fetch(ctx context.Context, merchant string) (string, error)
}

// TeamDirectory is the catalog of teams decks can be generated for.
type TeamDirectory interface {
	Get(ctx context.Context, key string) (*TeamConfig, error)
	List(ctx context.Context) ([]TeamConfig, error)
}

// DeckBuilder renders an ordered set of sections into the final binary
// document.
type DeckBuilder interface {
	Build(ctx context.Context, deck *Deck) (data []byte, filename string, err error)
}

// Deck is the assembled input to the DeckBuilder: sections in declared
// graph order, with unavailable ones carried as explicit placeholders.
type Deck struct {
	Team     TeamConfig `json:"team"`
	Sections []Section  `json:"sections"`
}

// Section is one slide-group's content. Unavailable sections render as a
// visible "data unavailable" placeholder rather than being dropped.
type Section struct {
	Name        string `json:"name"`
	Title       string `json:"title"`
	Unavailable bool   `json:"unavailable,omitempty"`
	Body        any    `json:"body,omitempty"`
}
