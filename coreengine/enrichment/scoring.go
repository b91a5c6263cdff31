package enrichment

import (
	"math"
	"strings"
)

// Token estimate constants for one iteration.
const (
	PlanningTokens  = 1000
	TokensPerRecord = 200
)

// AggregateConfidence weights coverage 0.6 and mean answered confidence
// 0.4, rounded to two decimals. It is 0 when there were no questions.
// Coverage counts distinct answered questions; a question answered by
// several records contributes its best confidence once.
func AggregateConfidence(gathered []GatheredInformation, totalQuestions int) float64 {
	if totalQuestions <= 0 {
		return 0
	}
	best := bestAnswers(gathered)
	answered := len(best)
	sum := 0.0
	for _, c := range best {
		sum += c
	}
	coverage := float64(answered) / float64(totalQuestions)
	if coverage > 1 {
		coverage = 1
	}
	mean := 0.0
	if answered > 0 {
		mean = sum / float64(answered)
	}
	return round2(0.6*coverage + 0.4*mean)
}

// AnsweredCount is the number of distinct questions with an answer.
func AnsweredCount(gathered []GatheredInformation) int {
	return len(bestAnswers(gathered))
}

// bestAnswers maps each answered question key to its highest confidence.
func bestAnswers(gathered []GatheredInformation) map[string]float64 {
	best := make(map[string]float64)
	for _, g := range gathered {
		if !g.Answered() {
			continue
		}
		key := QuestionKey(g.Question)
		if c, ok := best[key]; !ok || g.Confidence > c {
			best[key] = g.Confidence
		}
	}
	return best
}

// EstimateTokens is the rough cost of one iteration with n records.
func EstimateTokens(records int) int {
	return PlanningTokens + TokensPerRecord*records
}

// Stalled reports whether an iteration resolved nothing: the set of missing
// questions after it equals the set before it. Order and duplicates are ignored.
func Stalled(before, after []string) bool {
	a := questionSet(before)
	b := questionSet(after)
	if len(a) != len(b) {
		return false
	}
	for q := range a {
		if _, ok := b[q]; !ok {
			return false
		}
	}
	return true
}

func questionSet(questions []string) map[string]struct{} {
	set := make(map[string]struct{}, len(questions))
	for _, q := range questions {
		set[strings.TrimSpace(q)] = struct{}{}
	}
	return set
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
