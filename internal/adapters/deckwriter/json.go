package deckwriter

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"deckforge/internal/report"
)

// JSONBuilder renders the assembled deck as a self-contained JSON document.
// Downstream presentation tooling turns it into slides; the shape here is
// the contract.
type JSONBuilder struct {
	now func() time.Time
}

func NewJSONBuilder() *JSONBuilder {
	return &JSONBuilder{now: time.Now}
}

type deckDocument struct {
	GeneratedAt time.Time         `json:"generated_at"`
	Team        report.TeamConfig `json:"team"`
	Sections    []report.Section  `json:"sections"`
}

func (b *JSONBuilder) Build(ctx context.Context, deck *report.Deck) ([]byte, string, error) {
	if deck == nil || deck.Team.Key == "" {
		return nil, "", fmt.Errorf("deck has no team")
	}

	doc := deckDocument{
		GeneratedAt: b.now().UTC(),
		Team:        deck.Team,
		Sections:    deck.Sections,
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, "", fmt.Errorf("failed to encode deck: %w", err)
	}

	stamp := doc.GeneratedAt.Format("20060102")
	filename := fmt.Sprintf("%s_sponsorship_deck_%s.json", sanitize(deck.Team.Key), stamp)
	return data, filename, nil
}

func sanitize(key string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_', r == '-':
			return r
		case r >= 'A' && r <= 'Z':
			return r + ('a' - 'A')
		default:
			return '_'
		}
	}, key)
}
