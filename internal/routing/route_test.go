package routing

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRouteClosedSet(t *testing.T) {
	for _, r := range Routes {
		got, ok := ParseRoute(string(r))
		assert.True(t, ok)
		assert.Equal(t, r, got)
	}
	_, ok := ParseRoute("gpt-5")
	assert.False(t, ok)

	got, ok := ParseRoute("  OPUS ")
	assert.True(t, ok, "parsing is case and whitespace insensitive")
	assert.Equal(t, RouteOpus, got)
}

func TestValidateUnknownRouteCollapsesToSafeDefault(t *testing.T) {
	d := Validate(Decision{
		Route:      "gpt-5",
		Reason:     "model claimed something",
		Priority:   PriorityHigh,
		Confidence: ConfidenceHigh,
	}, "random question")

	assert.Equal(t, RouteSonnet, d.Route)
	assert.Equal(t, PriorityMedium, d.Priority)
	assert.Equal(t, ConfidenceLow, d.Confidence)
	assert.Contains(t, d.Reason, "model claimed something", "claimed reason survives for observability")
}

func TestValidateLowConfidenceHighStakes(t *testing.T) {
	d := Validate(Decision{
		Route:      RouteQwenLocal,
		Reason:     "simple chat",
		Priority:   PriorityLow,
		Confidence: ConfidenceLow,
	}, "can you review our production security setup")

	assert.Equal(t, RouteSonnet, d.Route, "low confidence on a high-stakes query is not trusted")
}

func TestValidateKeepsConfidentDecision(t *testing.T) {
	d := Validate(Decision{
		Route:      RouteHaiku,
		Reason:     "single fact",
		Priority:   PriorityLow,
		Confidence: ConfidenceHigh,
	}, "what year did unix time start")

	assert.Equal(t, RouteHaiku, d.Route)
	assert.Equal(t, FallbackChain(RouteHaiku), d.FallbackChain)
}

func TestFallbackChainsNeverContainSelf(t *testing.T) {
	for _, r := range Routes {
		chain := FallbackChain(r)
		assert.NotEmpty(t, chain, "route %s", r)
		for _, fb := range chain {
			assert.NotEqual(t, r, fb)
		}
	}
}

func TestTrimRuleForWeakRoutes(t *testing.T) {
	rule := TrimRuleFor(RouteQwenLocal)
	assert.Equal(t, []string{"memory"}, rule.Sources)
	assert.Equal(t, 3, rule.TopK)
	assert.Greater(t, rule.MinScoreBoost, 0.0)

	full := TrimRuleFor(RouteOpus)
	assert.Len(t, full.Sources, 3)

	// Unknown routes fall back to the safe default's rule.
	assert.Equal(t, TrimRuleFor(RouteSonnet), TrimRuleFor(Route("mystery")))
}

func TestParseDecisionPlainObject(t *testing.T) {
	d, err := ParseDecision(`{"route": "haiku", "reason": "quick fact", "priority": "low", "confidence": "high"}`)
	require.NoError(t, err)
	assert.Equal(t, RouteHaiku, d.Route)
	assert.Equal(t, "quick fact", d.Reason)
	assert.Equal(t, PriorityLow, d.Priority)
	assert.Equal(t, ConfidenceHigh, d.Confidence)
}

func TestParseDecisionWithCommentaryPrefix(t *testing.T) {
	d, err := ParseDecision("Sure! Here's my routing decision:\n" +
		`{"route": "sonnet", "reason": "focused coding task", "priority": "medium", "confidence": "high"}` +
		"\nLet me know if you need anything else.")
	require.NoError(t, err)
	assert.Equal(t, RouteSonnet, d.Route)
}

func TestParseDecisionBracesInsideStrings(t *testing.T) {
	d, err := ParseDecision(`{"route": "opus", "reason": "uses {braces} and \"quotes\"", "priority": "high", "confidence": "medium"}`)
	require.NoError(t, err)
	assert.Equal(t, RouteOpus, d.Route)
	assert.Equal(t, `uses {braces} and "quotes"`, d.Reason)
}

func TestParseDecisionMissingFieldsGetDefaults(t *testing.T) {
	d, err := ParseDecision(`{"route": "haiku"}`)
	require.NoError(t, err)
	assert.Equal(t, PriorityMedium, d.Priority)
	assert.Equal(t, ConfidenceLow, d.Confidence)
}

func TestParseDecisionNoObject(t *testing.T) {
	_, err := ParseDecision("I think sonnet would be best here.")
	require.ErrorIs(t, err, ErrClassifierMalformed)
}

func TestParseDecisionTruncatedObject(t *testing.T) {
	_, err := ParseDecision(`{"route": "sonnet", "reason": "cut off`)
	require.ErrorIs(t, err, ErrClassifierMalformed)
}

func TestHighStakesKeywords(t *testing.T) {
	assert.True(t, HighStakes("please fix the Production outage"))
	assert.True(t, HighStakes("plan the database MIGRATION"))
	assert.False(t, HighStakes("what's a good pasta recipe"))
}

func TestSkipDefaultShape(t *testing.T) {
	d := SkipDefault()
	assert.Equal(t, RouteHaiku, d.Route)
	assert.Equal(t, PriorityLow, d.Priority)
	assert.NotEmpty(t, d.FallbackChain)
}
