package routing

import (
	"context"
	"errors"
	"math"
	"strings"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/require"

	"goa.design/agentgov/runtime/agent/model"
	"goa.design/agentgov/runtime/agent/model/scripted"
)

func newTestRouter(t *testing.T) (*Router, *scripted.Client, *scripted.Client) {
	t.Helper()
	fast := scripted.New(scripted.Options{Respond: scripted.Chunks("fast")})
	deep := scripted.New(scripted.Options{Respond: scripted.Chunks("deep")})
	r, err := New(Options{
		Tiers: []Tier{
			{MaxScore: 1, Provider: "deep", Model: "large"},
			{MaxScore: 0.3, Provider: "fast", Model: "small"},
		},
		Reasoning: &Tier{Provider: "deep", Model: "reasoner"},
		Providers: map[string]model.Client{"fast": fast, "deep": deep},
	})
	require.NoError(t, err)
	return r, fast, deep
}

func TestAnalyzeComplexity(t *testing.T) {
	t.Parallel()

	require.Equal(t, model.Complexity{}, AnalyzeComplexity(""))
	require.Equal(t, model.Complexity{}, AnalyzeComplexity("  ?! "))

	simple := AnalyzeComplexity("hi there")
	require.False(t, simple.RequiresReasoning)
	require.Less(t, simple.Score, 0.1)

	technical := AnalyzeComplexity("Refactor the database query code to optimize performance")
	require.False(t, technical.RequiresReasoning)
	require.Greater(t, technical.Score, simple.Score)

	reasoning := AnalyzeComplexity("Explain step by step why the algorithm is slow")
	require.True(t, reasoning.RequiresReasoning)

	require.False(t, AnalyzeComplexity("somewhy whyever").RequiresReasoning, "cues match whole words")
	require.True(t, AnalyzeComplexity("list the pros and cons").RequiresReasoning)

	long := AnalyzeComplexity(strings.Repeat("word ", 400) + "explain the code architecture ```x```")
	require.LessOrEqual(t, long.Score, 1.0)
	require.Greater(t, long.Score, 0.8)
}

func TestAnalyzeComplexityBoundedProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("score is deterministic and within [0, 1]", prop.ForAll(
		func(msg string) bool {
			c := AnalyzeComplexity(msg)
			return c == AnalyzeComplexity(msg) && c.Score >= 0 && c.Score <= 1
		},
		gen.AnyString(),
	))

	properties.TestingRun(t)
}

func TestSelectProviderTiers(t *testing.T) {
	t.Parallel()

	r, _, _ := newTestRouter(t)

	sel, err := r.SelectProvider(model.Complexity{Score: 0.1})
	require.NoError(t, err)
	require.Equal(t, model.Selection{Provider: "fast", Model: "small"}, sel)

	sel, err = r.SelectProvider(model.Complexity{Score: 0.3})
	require.NoError(t, err)
	require.Equal(t, "small", sel.Model, "tier bound is inclusive")

	sel, err = r.SelectProvider(model.Complexity{Score: 0.7})
	require.NoError(t, err)
	require.Equal(t, model.Selection{Provider: "deep", Model: "large"}, sel)

	sel, err = r.SelectProvider(model.Complexity{Score: 0.1, RequiresReasoning: true})
	require.NoError(t, err)
	require.Equal(t, "reasoner", sel.Model)

	_, err = r.SelectProvider(model.Complexity{Score: math.NaN()})
	require.ErrorIs(t, err, ErrNoRoute)
}

func TestSelectProviderGap(t *testing.T) {
	t.Parallel()

	r, err := New(Options{
		Tiers:     []Tier{{MaxScore: 0.5, Provider: "fast", Model: "small"}},
		Providers: map[string]model.Client{"fast": scripted.New(scripted.Options{})},
	})
	require.NoError(t, err)

	_, err = r.SelectProvider(model.Complexity{Score: 0.9})
	require.ErrorIs(t, err, ErrNoRoute)
}

func TestNewValidation(t *testing.T) {
	t.Parallel()

	client := scripted.New(scripted.Options{})
	_, err := New(Options{Providers: map[string]model.Client{"fast": client}})
	require.Error(t, err)

	_, err = New(Options{Tiers: []Tier{{MaxScore: 1, Provider: "fast", Model: "m"}}})
	require.Error(t, err)

	_, err = New(Options{
		Tiers:     []Tier{{MaxScore: 1, Provider: "missing", Model: "m"}},
		Providers: map[string]model.Client{"fast": client},
	})
	require.ErrorIs(t, err, model.ErrUnknownProvider)

	_, err = New(Options{
		Tiers:     []Tier{{MaxScore: 1, Provider: "fast"}},
		Providers: map[string]model.Client{"fast": client},
	})
	require.Error(t, err)

	_, err = New(Options{
		Tiers:     []Tier{{MaxScore: 1, Provider: "fast", Model: "m"}},
		Reasoning: &Tier{Provider: "missing", Model: "m"},
		Providers: map[string]model.Client{"fast": client},
	})
	require.ErrorIs(t, err, model.ErrUnknownProvider)
}

func TestStreamDispatchesByProvider(t *testing.T) {
	t.Parallel()

	r, fast, deep := newTestRouter(t)
	ctx := context.Background()

	s, err := r.Stream(ctx, &model.Request{Provider: "deep", Model: "large"})
	require.NoError(t, err)
	chunk, err := s.Recv()
	require.NoError(t, err)
	require.Equal(t, "deep", chunk.Text)
	require.NoError(t, s.Close())
	require.Len(t, deep.Requests(), 1)
	require.Empty(t, fast.Requests())

	_, err = r.Stream(ctx, &model.Request{Provider: "nope"})
	require.True(t, errors.Is(err, model.ErrUnknownProvider))
}
