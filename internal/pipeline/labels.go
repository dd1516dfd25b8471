package pipeline

import (
	"github.com/opensource-finance/sentinel/internal/domain"
)

// labelSet is the ground truth derived from pattern tallies.
type labelSet struct {
	illicit  map[string]bool
	patterns map[string]string
	// involvement counts the illicit transfers touching each account.
	involvement map[string]int
	// labelled reports whether any illicit transfer carried a pattern name.
	labelled bool
}

// deriveLabels marks every account touching an illicit transfer as illicit
// and picks its most frequent pattern, ties broken by name.
func deriveLabels(tallies []domain.PatternTally, known map[string]bool) (labelSet, int) {
	ls := labelSet{
		illicit:     make(map[string]bool),
		patterns:    make(map[string]string),
		involvement: make(map[string]int),
	}
	best := make(map[string]int)
	skipped := 0

	for _, t := range tallies {
		if t.Count <= 0 {
			continue
		}
		if !known[t.AccountID] {
			skipped++
			continue
		}
		ls.illicit[t.AccountID] = true
		ls.involvement[t.AccountID] += t.Count
		if t.Pattern == "" {
			continue
		}
		ls.labelled = true

		cur, ok := ls.patterns[t.AccountID]
		switch {
		case !ok, t.Count > best[t.AccountID], t.Count == best[t.AccountID] && t.Pattern < cur:
			ls.patterns[t.AccountID] = t.Pattern
			best[t.AccountID] = t.Count
		}
	}
	return ls, skipped
}

// involvementAt aligns the involvement counts with ids.
func (ls labelSet) involvementAt(ids []string) []int {
	out := make([]int, len(ids))
	for i, id := range ids {
		out[i] = ls.involvement[id]
	}
	return out
}
