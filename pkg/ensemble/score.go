package ensemble

import (
	"math"
	"strings"
)

// weakIndicators are phrases typical of refusals and failed answers.
var weakIndicators = []string{"sorry", "error", "unable", "cannot", "as an ai"}

// Score estimates the quality of response as an answer to question.
//
// It is an approximation, not a ground-truth metric: answers several times
// longer than the question score higher, and each distinct weak-answer phrase
// present lowers the score by 0.1. The result is in [0.1, 1.0], or 0 when
// either text has no words.
func Score(question, response string) float64 {
	qWords := len(strings.Fields(question))
	rWords := len(strings.Fields(response))
	if qWords == 0 || rWords == 0 {
		return 0
	}

	ratioFactor := math.Min(1, float64(rWords)/float64(qWords)/5)

	lower := strings.ToLower(response)
	weak := 0
	for _, phrase := range weakIndicators {
		if strings.Contains(lower, phrase) {
			weak++
		}
	}

	confidence := 0.7 - 0.1*float64(weak) + 0.3*ratioFactor
	return math.Min(1, math.Max(0.1, confidence))
}
