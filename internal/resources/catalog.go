package resources

import (
	"sort"

	"github.com/havenfable/crisis-sentinel/internal/detector"
)

// Resource is a support resource surfaced to users and practitioners during
// a crisis. Lower priority means more urgent.
type Resource struct {
	ID          string               `json:"id"`
	Name        string               `json:"name"`
	Description string               `json:"description"`
	Contact     string               `json:"contact"`
	Priority    int                  `json:"priority"`
	Emergency   bool                 `json:"emergency"`
	Indicators  []detector.Indicator `json:"indicators"`
}

// Catalog is a static registry of support resources, seeded at startup.
// Resource curation is a configuration concern; the catalog has no mutation
// API.
type Catalog struct {
	resources   []Resource
	byIndicator map[detector.Indicator][]Resource
}

// NewCatalog seeds the default resource registry.
func NewCatalog() *Catalog {
	c := &Catalog{
		resources:   defaultResources(),
		byIndicator: make(map[detector.Indicator][]Resource),
	}
	for _, r := range c.resources {
		for _, ind := range r.Indicators {
			c.byIndicator[ind] = append(c.byIndicator[ind], r)
		}
	}
	return c
}

// ResourcesFor returns the resources relevant to the given indicator set,
// sorted ascending by priority. When emergencyOnly is set, non-emergency
// resources are filtered out.
func (c *Catalog) ResourcesFor(indicators []detector.Indicator, emergencyOnly bool) []Resource {
	seen := make(map[string]bool)
	var out []Resource
	for _, ind := range indicators {
		for _, r := range c.byIndicator[ind] {
			if seen[r.ID] {
				continue
			}
			if emergencyOnly && !r.Emergency {
				continue
			}
			seen[r.ID] = true
			out = append(out, r)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Priority < out[j].Priority
	})
	return out
}

// All returns every registered resource, sorted by priority.
func (c *Catalog) All() []Resource {
	out := make([]Resource, len(c.resources))
	copy(out, c.resources)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Priority < out[j].Priority
	})
	return out
}

func defaultResources() []Resource {
	all := []detector.Indicator{
		detector.IndicatorSuicidalIdeation,
		detector.IndicatorSelfHarm,
		detector.IndicatorPanicAttack,
		detector.IndicatorSevereDepression,
		detector.IndicatorTraumaResponse,
		detector.IndicatorSubstanceAbuse,
		detector.IndicatorGeneralDistress,
	}
	return []Resource{
		{
			ID:          "suicide-crisis-line",
			Name:        "988 Suicide & Crisis Lifeline",
			Description: "24/7 free and confidential support for people in distress",
			Contact:     "988",
			Priority:    1,
			Emergency:   true,
			Indicators: []detector.Indicator{
				detector.IndicatorSuicidalIdeation,
				detector.IndicatorSelfHarm,
			},
		},
		{
			ID:          "emergency-services",
			Name:        "Emergency Services",
			Description: "Immediate emergency response",
			Contact:     "911",
			Priority:    0,
			Emergency:   true,
			Indicators: []detector.Indicator{
				detector.IndicatorSuicidalIdeation,
			},
		},
		{
			ID:          "crisis-text-line",
			Name:        "Crisis Text Line",
			Description: "Text-based crisis counseling",
			Contact:     "Text HOME to 741741",
			Priority:    2,
			Emergency:   true,
			Indicators:  all,
		},
		{
			ID:          "samhsa-helpline",
			Name:        "SAMHSA National Helpline",
			Description: "Treatment referral and information for substance use",
			Contact:     "1-800-662-4357",
			Priority:    3,
			Emergency:   false,
			Indicators: []detector.Indicator{
				detector.IndicatorSubstanceAbuse,
			},
		},
		{
			ID:          "grounding-exercises",
			Name:        "Grounding Exercises",
			Description: "Guided breathing and grounding techniques for acute anxiety",
			Contact:     "in-app",
			Priority:    5,
			Emergency:   false,
			Indicators: []detector.Indicator{
				detector.IndicatorPanicAttack,
				detector.IndicatorTraumaResponse,
				detector.IndicatorGeneralDistress,
			},
		},
		{
			ID:          "therapist-directory",
			Name:        "Find a Therapist",
			Description: "Directory of licensed practitioners for ongoing care",
			Contact:     "in-app",
			Priority:    6,
			Emergency:   false,
			Indicators: []detector.Indicator{
				detector.IndicatorSevereDepression,
				detector.IndicatorTraumaResponse,
				detector.IndicatorGeneralDistress,
			},
		},
	}
}
