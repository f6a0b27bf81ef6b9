// Package classifier maps a question to the complexity class used for tier selection.
// Classification is a case-insensitive keyword match, evaluated most specific class first.
package classifier

import (
	"strings"
)

// Complexity is the classifier output used to pick a tier.
type Complexity string

const (
	Simple        Complexity = "simple"
	Moderate      Complexity = "moderate"
	Detailed      Complexity = "detailed"
	Comprehensive Complexity = "comprehensive"

	// ManualOverride marks a decision where the caller named the node. Never produced by Classify.
	ManualOverride Complexity = "manual_override"
)

const (
	// MaxConfidence is the ceiling for classifier confidence. 1.0 is reserved for overrides.
	MaxConfidence = 0.9
	// OverrideConfidence is attached to explicit target requests.
	OverrideConfidence = 1.0
	// DefaultConfidence is returned when no keyword matched.
	DefaultConfidence = 0.3

	confidenceStep = 0.1
)

// String returns the wire name.
func (c Complexity) String() string {
	return string(c)
}

// Specificity orders classes; higher is more specific. Unknown classes rank 0.
func (c Complexity) Specificity() int {
	switch c {
	case Simple:
		return 1
	case Moderate:
		return 2
	case Detailed:
		return 3
	case Comprehensive:
		return 4
	default:
		return 0
	}
}

// All returns the classes from most to least specific.
func All() []Complexity {
	return []Complexity{Comprehensive, Detailed, Moderate, Simple}
}

// rule is one keyword set with its confidence curve.
type rule struct {
	class    Complexity
	keywords []string
	base     float64
	cap      float64
}

func (r rule) confidence(matches int) float64 {
	c := r.base + float64(matches)*confidenceStep
	if c > r.cap {
		return r.cap
	}
	return c
}

// Classifier is a deterministic keyword classifier. The zero value is not usable; use New.
type Classifier struct {
	rules []rule
}

// New returns a classifier with the stock keyword sets.
func New() *Classifier {
	return &Classifier{rules: defaultRules()}
}

// Classify returns the winning class and its confidence.
// Questions matching no keyword set get Moderate with DefaultConfidence.
func (c *Classifier) Classify(question string) (Complexity, float64) {
	class, confidence, _ := c.ClassifyWithMatches(question)
	return class, confidence
}

// ClassifyWithMatches also returns the keywords that selected the class.
func (c *Classifier) ClassifyWithMatches(question string) (Complexity, float64, []string) {
	lower := strings.ToLower(question)

	for _, r := range c.rules {
		var matched []string
		for _, kw := range r.keywords {
			if strings.Contains(lower, kw) {
				matched = append(matched, kw)
			}
		}
		if len(matched) > 0 {
			return r.class, r.confidence(len(matched)), matched
		}
	}
	return Moderate, DefaultConfidence, nil
}

// Keywords returns a copy of the keyword set for a class.
func (c *Classifier) Keywords(class Complexity) []string {
	for _, r := range c.rules {
		if r.class == class {
			out := make([]string, len(r.keywords))
			copy(out, r.keywords)
			return out
		}
	}
	return nil
}

// defaultRules lists keyword sets from most to least specific.
// Sets are disjoint so a keyword never selects a less specific class than intended.
func defaultRules() []rule {
	return []rule{
		{
			class: Comprehensive,
			keywords: []string{
				"comprehensive", "complete analysis", "full document", "everything",
				"entire policy", "all aspects", "thorough", "exhaustive",
			},
			base: 0.6,
			cap:  MaxConfidence,
		},
		{
			class: Detailed,
			keywords: []string{
				"detailed", "in detail", "full text", "section", "clause", "provision",
				"law", "policy", "regulation", "specific", "exact", "precise",
				"step by step", "how does", "what are the",
			},
			base: 0.5,
			cap:  MaxConfidence,
		},
		{
			class: Moderate,
			keywords: []string{
				"summary", "summarize", "summarise", "overview", "brief", "describe",
				"explain", "what is", "tell me about", "outline",
			},
			base: 0.4,
			cap:  0.8,
		},
		{
			class: Simple,
			keywords: []string{
				"key points", "main points", "bullet", "concise", "short", "highlights",
				"gist", "essence", "tl;dr", "quick",
			},
			base: 0.3,
			cap:  0.8,
		},
	}
}
