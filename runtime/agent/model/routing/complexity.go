package routing

import (
	"math"
	"strings"
	"unicode"

	"goa.design/agentgov/runtime/agent/model"
)

var (
	technicalKeywords = []string{
		"algorithm", "analyze", "api", "architecture", "code", "database",
		"debug", "function", "optimize", "performance", "refactor", "security",
		"schema", "query", "regression", "forecast",
	}
	reasoningCues = []string{
		"why", "explain", "prove", "compare", "derive", "evaluate", "justify",
		"reason", "tradeoff", "tradeoffs",
	}
	reasoningPhrases = []string{"step by step", "trade-off", "pros and cons"}
)

// AnalyzeComplexity scores message in [0, 1] from its length, the number of
// technical keywords it mentions and whether it asks for reasoning. The result
// is deterministic and rounded to two decimals.
func AnalyzeComplexity(message string) model.Complexity {
	text := strings.ToLower(message)
	words := strings.FieldsFunc(text, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '_'
	})
	if len(words) == 0 {
		return model.Complexity{}
	}
	seen := make(map[string]struct{}, len(words))
	for _, w := range words {
		seen[w] = struct{}{}
	}

	score := math.Min(float64(len(words))/150, 1) * 0.4

	hits := 0
	for _, k := range technicalKeywords {
		if _, ok := seen[k]; ok {
			hits++
		}
	}
	score += math.Min(float64(hits)*0.1, 0.3)

	reasoning := false
	for _, cue := range reasoningCues {
		if _, ok := seen[cue]; ok {
			reasoning = true
			break
		}
	}
	if !reasoning {
		for _, p := range reasoningPhrases {
			if strings.Contains(text, p) {
				reasoning = true
				break
			}
		}
	}
	if reasoning {
		score += 0.2
	}
	if strings.Contains(message, "```") {
		score += 0.1
	}
	score = math.Min(score, 1)
	return model.Complexity{
		Score:             math.Round(score*100) / 100,
		RequiresReasoning: reasoning,
	}
}
