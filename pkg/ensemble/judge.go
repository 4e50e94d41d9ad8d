package ensemble

import (
	"context"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"

	"go.uber.org/zap"
)

const (
	judgeMaxTokens      = 16
	judgeMaxTemperature = 0.2
)

var judgeIndexPattern = regexp.MustCompile(`\b(\d+)\b`)

// Judge asks a designated model to pick the best candidate by index.
type Judge struct {
	inv    Invoker
	config ModelConfig
	log    *zap.Logger
}

// Verdict is the judge's selection.
type Verdict struct {
	Index  int
	Reply  string // raw judge output, empty when the judge failed
	Failed bool   // the judge call failed and Index is the first candidate
}

// NewJudge returns a judge that invokes config through inv.
func NewJudge(inv Invoker, config ModelConfig, log *zap.Logger) *Judge {
	if log == nil {
		log = zap.NewNop()
	}
	return &Judge{inv: inv, config: config, log: log.Named("judge")}
}

// Pick ranks candidates, which must be non-empty. The judge runs with a
// temperature capped at 0.2 and a 16 token budget. A failed judge call
// falls back to the first candidate.
func (j *Judge) Pick(ctx context.Context, question string, candidates []Candidate, temperature float64) Verdict {
	out := j.inv.Invoke(ctx, j.config, Call{
		Message:     judgePrompt(question, candidates),
		Temperature: math.Min(judgeMaxTemperature, temperature),
		MaxTokens:   judgeMaxTokens,
	})
	if !out.OK() {
		j.log.Error("judge model failed, using first candidate",
			zap.String("judge", j.config.Label()),
			zap.Error(out.Err),
		)
		return Verdict{Index: 0, Failed: true}
	}

	idx := parseIndex(out.Text, len(candidates))
	j.log.Info("judge selected candidate",
		zap.String("judge", j.config.Label()),
		zap.Int("index", idx),
		zap.String("label", candidates[idx].Label),
	)
	return Verdict{Index: idx, Reply: out.Text}
}

func judgePrompt(question string, candidates []Candidate) string {
	var sb strings.Builder
	sb.WriteString("You are a careful evaluator. Pick the best answer by index.\n")
	sb.WriteString("Question:\n")
	sb.WriteString(question)
	sb.WriteString("\n\nCandidates:\n")
	for i, c := range candidates {
		if i > 0 {
			sb.WriteString("\n\n")
		}
		fmt.Fprintf(&sb, "[%d] (%s)\n%s", i, c.Label, c.Text)
	}
	sb.WriteString("\n\nRules:\n")
	sb.WriteString("- Weigh correctness, completeness and clarity; prefer answers that cite sources.\n")
	sb.WriteString("- Never pick an empty or trivial answer when a substantive one exists.\n")
	sb.WriteString("- Reply ONLY with the index number (e.g. 0 or 1 or 2). No explanation.")
	return sb.String()
}

// parseIndex extracts the first integer in reply and clamps it to [0, n-1].
// Free-text parsing is a heuristic: "Candidate 2 is better than 1" yields 2,
// a reply without digits yields 0.
func parseIndex(reply string, n int) int {
	m := judgeIndexPattern.FindStringSubmatch(reply)
	if m == nil {
		return 0
	}
	idx, err := strconv.Atoi(m[1])
	if err != nil {
		// Only overflow can fail here; treat it as out of range.
		return n - 1
	}
	return max(0, min(idx, n-1))
}

// nonEmptyBest returns the index of the candidate with the highest
// (confidence, length), the first one on ties.
func nonEmptyBest(candidates []Candidate) int {
	best := 0
	for i, c := range candidates[1:] {
		b := candidates[best]
		if c.Confidence > b.Confidence || (c.Confidence == b.Confidence && c.Length > b.Length) {
			best = i + 1
		}
	}
	return best
}
