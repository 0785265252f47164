package report

import (
	"log/slog"

	"deckforge/internal/core/domain"
	"deckforge/internal/core/ports"
)

// DocumentTypeSponsorshipDeck is the only document type the service
// currently generates.
const DocumentTypeSponsorshipDeck = "sponsorship-deck"

// sectionOrder fixes the slide order in the assembled deck.
var sectionOrder = []string{
	"demographics",
	"fan-wheel",
	"behaviors",
	"category-analysis",
	"demographic-insights",
}

// Collaborators bundles the upstream dependencies the deck producers call.
type Collaborators struct {
	Teams     TeamDirectory
	Warehouse Warehouse
	Insights  InsightWriter
	Logos     LogoFetcher
	Builder   DeckBuilder
}

// NewDeckGraph builds the sponsorship deck task graph. The team config and
// demographics sections are load bearing: a team without them has no deck.
// Everything else degrades to a placeholder slide when its data is missing.
func NewDeckGraph(logger *slog.Logger, c Collaborators, artifacts ports.ArtifactStore) (*domain.Graph, error) {
	p := &deckProducers{
		logger:    logger.With("component", "deck_producers"),
		teams:     c.Teams,
		warehouse: c.Warehouse,
		insights:  c.Insights,
		logos:     c.Logos,
		builder:   c.Builder,
		artifacts: artifacts,
	}

	return domain.NewGraph(DocumentTypeSponsorshipDeck, []domain.TaskNode{
		{Name: "team-config", Required: true, Run: p.teamConfig},
		{Name: "demographics", DependsOn: []string{"team-config"}, Required: true, Run: p.demographics},
		{Name: "fan-wheel", DependsOn: []string{"team-config"}, Run: p.fanWheel},
		{Name: "behaviors", DependsOn: []string{"team-config"}, Run: p.behaviors},
		{Name: "category-analysis", DependsOn: []string{"team-config"}, Run: p.categories},
		{Name: "demographic-insights", DependsOn: []string{"demographics"}, Run: p.demographicInsights},
		{
			Name: "assemble",
			DependsOn: []string{
				"team-config", "demographics", "fan-wheel",
				"behaviors", "category-analysis", "demographic-insights",
			},
			Required: true,
			Run:      p.assemble,
		},
	})
}
