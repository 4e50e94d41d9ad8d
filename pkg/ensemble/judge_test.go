package ensemble

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestParseIndex(t *testing.T) {
	tests := []struct {
		reply string
		n     int
		want  int
	}{
		{"1", 3, 1},
		{" 2\n", 3, 2},
		{"The best answer is [1].", 3, 1},
		{"Candidate 2 is better than 1", 3, 2},
		{"7", 3, 2},
		{"no digits here", 3, 0},
		{"", 2, 0},
		{"99999999999999999999999", 4, 3},
		{"0", 1, 0},
	}
	for _, tt := range tests {
		t.Run(tt.reply, func(t *testing.T) {
			assert.Equal(t, tt.want, parseIndex(tt.reply, tt.n))
		})
	}
}

func TestNonEmptyBest(t *testing.T) {
	candidates := []Candidate{
		{Label: "a", Text: "", Length: 0, Confidence: 0},
		{Label: "b", Text: "short", Length: 5, Confidence: 0.8},
		{Label: "c", Text: "much longer", Length: 11, Confidence: 0.8},
		{Label: "d", Text: "other longer", Length: 11, Confidence: 0.8},
	}
	assert.Equal(t, 2, nonEmptyBest(candidates))
	assert.Equal(t, 0, nonEmptyBest(candidates[:1]))
}

func TestJudge_Pick(t *testing.T) {
	judgeConfig := ModelConfig{Provider: "openai", Model: "judge"}
	candidates := []Candidate{
		{Label: "openai:a", Text: "alpha"},
		{Label: "groq:b", Text: "beta"},
	}

	t.Run("uses reply index", func(t *testing.T) {
		var got Call
		inv := InvokerFunc(func(_ context.Context, m ModelConfig, call Call) Outcome {
			assert.Equal(t, judgeConfig, m)
			got = call
			return Outcome{Text: "1"}
		})
		v := NewJudge(inv, judgeConfig, zaptest.NewLogger(t)).Pick(context.Background(), "which?", candidates, 0.9)

		assert.Equal(t, 1, v.Index)
		assert.Equal(t, "1", v.Reply)
		assert.False(t, v.Failed)
		assert.Equal(t, judgeMaxTokens, got.MaxTokens)
		assert.InDelta(t, 0.2, got.Temperature, 1e-9)
		assert.Contains(t, got.Message, "Question:\nwhich?")
		assert.Contains(t, got.Message, "[1] (groq:b)\nbeta")
	})

	t.Run("failure picks first", func(t *testing.T) {
		inv := InvokerFunc(func(context.Context, ModelConfig, Call) Outcome {
			return Outcome{Err: errors.New("judge down")}
		})
		v := NewJudge(inv, judgeConfig, nil).Pick(context.Background(), "which?", candidates, 0.2)

		assert.Equal(t, 0, v.Index)
		assert.True(t, v.Failed)
		assert.Empty(t, v.Reply)
	})
}

func TestJudgePrompt(t *testing.T) {
	prompt := judgePrompt("q?", []Candidate{{Label: "x:y", Text: "only"}})
	require.Contains(t, prompt, "[0] (x:y)\nonly")
	assert.NotContains(t, prompt, "[1]")
	assert.Contains(t, prompt, "Reply ONLY with the index number")
}
