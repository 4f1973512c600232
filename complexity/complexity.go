// Package complexity implements the query complexity heuristic (C9): a
// lexical scoring function over the user's query that maps to a max_depth
// budget (1-5) for the Planner. Word lists, weights and thresholds are
// ported verbatim from the original coordinator's
// _analyze_query_complexity.
package complexity

import (
	"strings"
)

var multiStepWords = []string{
	"plan", "design", "create", "build", "develop", "comprehensive",
	"complete", "detailed", "step-by-step", "workflow", "process",
	"strategy", "roadmap", "architecture", "system",
}

var analysisWords = []string{
	"compare", "analyze", "evaluate", "assess", "review",
	"investigate", "research", "study", "examine",
}

const absoluteMaxDepth = 5

// Analyze scores the query and returns a max_depth in [1, absoluteMaxDepth].
func Analyze(query string) int {
	lower := strings.ToLower(query)

	score := 0.0
	for _, w := range multiStepWords {
		if strings.Contains(lower, w) {
			score += 2
		}
	}
	for _, w := range analysisWords {
		if strings.Contains(lower, w) {
			score += 1.5
		}
	}

	if andParts := strings.Split(lower, " and "); len(andParts) > 1 {
		score += float64(len(andParts) - 1)
	}

	wordCount := len(strings.Fields(query))
	switch {
	case wordCount > 20:
		score += 2
	case wordCount > 10:
		score += 1
	}

	questionMarks := strings.Count(query, "?")
	if questionMarks > 1 {
		score += float64(questionMarks)
	}

	return depthForScore(score)
}

func depthForScore(score float64) int {
	var depth int
	switch {
	case score >= 8:
		depth = 5
	case score >= 5:
		depth = 4
	case score >= 3:
		depth = 3
	case score >= 1:
		depth = 2
	default:
		depth = 1
	}
	if depth > absoluteMaxDepth {
		depth = absoluteMaxDepth
	}
	return depth
}
