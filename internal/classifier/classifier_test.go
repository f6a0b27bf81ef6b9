package classifier

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"pgregory.net/rapid"
)

func TestClassify(t *testing.T) {
	c := New()

	tests := []struct {
		question string
		want     Complexity
	}{
		{"Give me the key points", Simple},
		{"Provide a quick recap", Simple},
		{"What is the overall idea of this small note?", Moderate},
		{"Read it carefully and explain", Moderate},
		{"bullet list of highlights please", Simple},
		{"Can you summarize the mining policy?", Detailed},
		{"Write a summary of the scheme", Moderate},
		{"Explain the subsidy", Moderate},
		{"What does section 4 say?", Detailed},
		{"Step by step, how does registration work", Detailed},
		{"A thorough, exhaustive review of everything", Comprehensive},
		{"Give me a comprehensive overview in short", Comprehensive},
		{"GIVE ME THE KEY POINTS", Simple},
	}

	for _, tt := range tests {
		t.Run(tt.question, func(t *testing.T) {
			got, conf := c.Classify(tt.question)
			assert.Equal(t, tt.want, got)
			assert.Greater(t, conf, 0.0)
			assert.Less(t, conf, 1.0)
		})
	}
}

func TestClassify_NoMatchDefaultsToModerate(t *testing.T) {
	got, conf := New().Classify("Who pays water rates?")
	assert.Equal(t, Moderate, got)
	assert.Equal(t, DefaultConfidence, conf)
}

func TestClassify_ConfidenceGrowsWithMatches(t *testing.T) {
	c := New()
	_, one := c.Classify("thorough")
	_, two := c.Classify("thorough and exhaustive")
	_, three := c.Classify("thorough, exhaustive, comprehensive")
	_, many := c.Classify("thorough exhaustive comprehensive everything all aspects full document")

	assert.Less(t, one, two)
	assert.Less(t, two, three)
	assert.LessOrEqual(t, three, many)
	assert.Equal(t, MaxConfidence, many)
}

func TestClassifyWithMatches(t *testing.T) {
	class, _, matched := New().ClassifyWithMatches("key points in short")
	assert.Equal(t, Simple, class)
	assert.ElementsMatch(t, []string{"key points", "short"}, matched)
}

func TestKeywordSetsDisjoint(t *testing.T) {
	c := New()
	seen := map[string]Complexity{}
	for _, class := range All() {
		for _, kw := range c.Keywords(class) {
			if prev, ok := seen[kw]; ok {
				t.Errorf("keyword %q in both %s and %s", kw, prev, class)
			}
			seen[kw] = class
		}
	}
	assert.Nil(t, c.Keywords(ManualOverride))
}

func TestSpecificity(t *testing.T) {
	all := All()
	for i := 1; i < len(all); i++ {
		assert.Greater(t, all[i-1].Specificity(), all[i].Specificity())
	}
	assert.Equal(t, 0, ManualOverride.Specificity())
}

// neutralWords never contain a keyword as a substring.
var neutralWords = []string{
	"mining", "tax", "rates", "for", "the", "state", "year", "budget",
	"industry", "farmers", "water", "roads", "when", "who", "pays", "credit",
}

func sentence(t *rapid.T, required ...string) string {
	words := rapid.SliceOfN(rapid.SampledFrom(neutralWords), 0, 8).Draw(t, "filler")
	words = append(words, required...)
	perm := rapid.Permutation(words).Draw(t, "order")
	return strings.Join(perm, " ")
}

func TestProperty_SpecificClassWins(t *testing.T) {
	c := New()
	for _, class := range []Complexity{Comprehensive, Detailed} {
		class := class
		t.Run(class.String(), func(t *testing.T) {
			rapid.Check(t, func(t *rapid.T) {
				strong := rapid.SampledFrom(c.Keywords(class)).Draw(t, "strong")
				weaker := append(c.Keywords(Moderate), c.Keywords(Simple)...)
				weak := rapid.SliceOfN(rapid.SampledFrom(weaker), 0, 3).Draw(t, "weak")

				q := sentence(t, append(weak, strong)...)
				if rapid.Bool().Draw(t, "upper") {
					q = strings.ToUpper(q)
				}

				got, _ := c.Classify(q)
				if got.Specificity() < class.Specificity() {
					t.Fatalf("%q classified as %s, want at least %s", q, got, class)
				}
			})
		})
	}
}

func TestProperty_NoMatchBelowAnyMatch(t *testing.T) {
	c := New()

	minMatch := 1.0
	for _, class := range All() {
		for _, kw := range c.Keywords(class) {
			_, conf := c.Classify(kw)
			if conf < minMatch {
				minMatch = conf
			}
		}
	}

	rapid.Check(t, func(t *rapid.T) {
		q := sentence(t)
		got, conf := c.Classify(q)
		if got != Moderate {
			t.Fatalf("%q classified as %s, want moderate", q, got)
		}
		if conf >= minMatch {
			t.Fatalf("default confidence %.2f not below lowest match confidence %.2f", conf, minMatch)
		}
	})
}

func TestProperty_ConfidenceBelowOverride(t *testing.T) {
	c := New()
	var vocab []string
	for _, class := range All() {
		vocab = append(vocab, c.Keywords(class)...)
	}
	vocab = append(vocab, neutralWords...)

	rapid.Check(t, func(t *rapid.T) {
		words := rapid.SliceOfN(rapid.SampledFrom(vocab), 0, 20).Draw(t, "words")
		_, conf := c.Classify(strings.Join(words, " "))
		if conf <= 0 || conf > MaxConfidence || conf >= OverrideConfidence {
			t.Fatalf("confidence %.2f outside (0, %.2f]", conf, MaxConfidence)
		}
	})
}
