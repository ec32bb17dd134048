package doctor

import (
	"strings"

	"github.com/hochfrequenz/adw-orchestrator/internal/domain"
)

// Scoring thresholds for confidence levels
const (
	HighThreshold     = 0.9
	MediumThreshold   = 0.5
	CategoryThreshold = 0.2
)

// Candidate is one scored pattern
type Candidate struct {
	Pattern *domain.FailurePattern
	Score   float64
	Exact   bool
}

// Score compares normalized failure text against a pattern.
// A pattern whose every signature line occurs in the text is an exact match
// scoring 1. Otherwise the score blends how much of the signature's
// vocabulary the text contains with the plain token overlap.
func Score(normalized string, p *domain.FailurePattern) Candidate {
	c := Candidate{Pattern: p}
	sigLines := nonEmptyLines(p.Normalized)
	if len(sigLines) > 0 {
		exact := true
		for _, l := range sigLines {
			if !strings.Contains(normalized, l) {
				exact = false
				break
			}
		}
		if exact {
			c.Exact = true
			c.Score = 1
			return c
		}
	}

	sig := Tokens(p.Normalized)
	text := Tokens(normalized)
	if len(sig) == 0 || len(text) == 0 {
		return c
	}
	inter := 0
	for t := range sig {
		if _, ok := text[t]; ok {
			inter++
		}
	}
	union := len(sig) + len(text) - inter
	containment := float64(inter) / float64(len(sig))
	jaccard := float64(inter) / float64(union)
	c.Score = 0.7*containment + 0.3*jaccard
	return c
}

// Best returns the highest scoring candidate, preferring exact matches and
// then the more frequent pattern. The bool is false when patterns is empty.
func Best(normalized string, patterns []*domain.FailurePattern) (Candidate, bool) {
	var best Candidate
	found := false
	for _, p := range patterns {
		c := Score(normalized, p)
		if !found || better(c, best) {
			best = c
			found = true
		}
	}
	return best, found
}

func better(a, b Candidate) bool {
	if a.Exact != b.Exact {
		return a.Exact
	}
	if a.Score != b.Score {
		return a.Score > b.Score
	}
	return a.Pattern.Occurrences > b.Pattern.Occurrences
}

// Classify turns a scored candidate into a confidence level for failure text
// of the given category
func Classify(c Candidate, category string) domain.Confidence {
	if c.Pattern == nil {
		return domain.ConfidenceLow
	}
	strong := c.Exact || c.Score >= HighThreshold
	switch {
	case strong && c.Pattern.Fix.Documented():
		return domain.ConfidenceHigh
	case strong, c.Score >= MediumThreshold:
		return domain.ConfidenceMedium
	case category != CategoryUnknown && category == c.Pattern.Category && c.Score >= CategoryThreshold:
		return domain.ConfidenceMedium
	}
	return domain.ConfidenceLow
}

func nonEmptyLines(s string) []string {
	var out []string
	for _, l := range strings.Split(s, "\n") {
		if l = strings.TrimSpace(l); l != "" {
			out = append(out, l)
		}
	}
	return out
}
