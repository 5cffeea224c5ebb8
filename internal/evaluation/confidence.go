package evaluation

import (
	"math"
	"regexp"
	"strconv"
)

var citationPattern = regexp.MustCompile(`\[Source (\d+)\]`)

// Assessment grades a generated answer against the passages it was given.
type Assessment struct {
	Confidence float64
	// CitationCoverage is the share of passages the answer cites at least once.
	CitationCoverage  float64
	ContainsCitations bool
	Cited             []int
}

// Assess scores an answer from the retrieval scores of its passages, in prompt order, and the
// [Source N] markers it contains. Markers outside 1..len(scores) are ignored.
func Assess(answer string, scores []float64) Assessment {
	cited := citedSources(answer, len(scores))
	a := Assessment{
		ContainsCitations: len(cited) > 0,
		Cited:             cited,
	}
	if len(scores) == 0 {
		return a
	}

	a.CitationCoverage = float64(len(cited)) / float64(len(scores))
	a.Confidence = round(min(1, 0.2+0.5*meanScore(scores)+0.3*a.CitationCoverage))
	return a
}

func citedSources(answer string, passages int) []int {
	seen := make(map[int]bool)
	var cited []int
	for _, m := range citationPattern.FindAllStringSubmatch(answer, -1) {
		n, err := strconv.Atoi(m[1])
		if err != nil || n < 1 || n > passages || seen[n] {
			continue
		}
		seen[n] = true
		cited = append(cited, n)
	}
	return cited
}

func meanScore(scores []float64) float64 {
	var total float64
	for _, s := range scores {
		total += max(0, min(1, s))
	}
	return total / float64(len(scores))
}

func round(v float64) float64 {
	return math.Round(v*1000) / 1000
}
