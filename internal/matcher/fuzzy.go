package matcher

import (
	"math"
	"strings"
)

// DefaultThreshold is the share of service-name words a specialty must cover.
const DefaultThreshold = 0.6

// SpecialtyMatcher decides whether free-text technician tags fit a catalog service name.
type SpecialtyMatcher interface {
	MatchSpecialties(serviceName string, tags []string) bool
}

// FuzzyMatcher is a lossy word-overlap match: a tag matches when enough words of the
// service name (longer than two letters) are a substring of, or contain, one of its words.
type FuzzyMatcher struct {
	Threshold float64
}

func (f FuzzyMatcher) MatchSpecialties(serviceName string, tags []string) bool {
	target := targetWords(serviceName)
	if len(target) == 0 {
		return false
	}
	need := f.required(len(target))
	for _, tag := range tags {
		words := strings.Fields(strings.ToLower(tag))
		if len(words) == 0 {
			continue
		}
		if overlap(target, words) >= need {
			return true
		}
	}
	return false
}

func (f FuzzyMatcher) required(n int) int {
	th := f.Threshold
	if th <= 0 {
		th = DefaultThreshold
	}
	// epsilon keeps 0.6*5 from rounding up to 4
	need := int(math.Ceil(th*float64(n) - 1e-9))
	if need < 1 {
		need = 1
	}
	return need
}

func targetWords(name string) []string {
	out := make([]string, 0)
	for _, w := range strings.Fields(strings.ToLower(name)) {
		if len([]rune(w)) > 2 {
			out = append(out, w)
		}
	}
	return out
}

func overlap(target, words []string) int {
	n := 0
	for _, t := range target {
		for _, w := range words {
			if strings.Contains(t, w) || strings.Contains(w, t) {
				n++
				break
			}
		}
	}
	return n
}
