package routing

import "strings"

// Route selects which downstream language-model tier handles a request.
// The vocabulary is closed; anything else collapses to SafeDefault.
type Route string

const (
	RouteOpus           Route = "opus"
	RouteSonnet         Route = "sonnet"
	RouteHaiku          Route = "haiku"
	RouteQwenLocal      Route = "qwen_local"
	RouteReasoningLocal Route = "reasoning_local"
)

// Routes lists the closed vocabulary in preference order, strongest first.
var Routes = []Route{RouteOpus, RouteSonnet, RouteHaiku, RouteQwenLocal, RouteReasoningLocal}

// ParseRoute maps a label to a Route. Unknown labels return false.
func ParseRoute(s string) (Route, bool) {
	switch Route(strings.ToLower(strings.TrimSpace(s))) {
	case RouteOpus:
		return RouteOpus, true
	case RouteSonnet:
		return RouteSonnet, true
	case RouteHaiku:
		return RouteHaiku, true
	case RouteQwenLocal:
		return RouteQwenLocal, true
	case RouteReasoningLocal:
		return RouteReasoningLocal, true
	}
	return "", false
}

// Priority of a routed request.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
)

// ParsePriority normalizes a label, defaulting to medium.
func ParsePriority(s string) Priority {
	switch Priority(strings.ToLower(strings.TrimSpace(s))) {
	case PriorityLow:
		return PriorityLow
	case PriorityHigh:
		return PriorityHigh
	default:
		return PriorityMedium
	}
}

// Confidence of a classification.
type Confidence string

const (
	ConfidenceLow    Confidence = "low"
	ConfidenceMedium Confidence = "medium"
	ConfidenceHigh   Confidence = "high"
)

// ParseConfidence normalizes a label, defaulting to low.
func ParseConfidence(s string) Confidence {
	switch Confidence(strings.ToLower(strings.TrimSpace(s))) {
	case ConfidenceMedium:
		return ConfidenceMedium
	case ConfidenceHigh:
		return ConfidenceHigh
	default:
		return ConfidenceLow
	}
}

// Decision is a resolved routing decision.
type Decision struct {
	Route         Route      `json:"route"`
	Reason        string     `json:"reason"`
	Priority      Priority   `json:"priority"`
	Confidence    Confidence `json:"confidence"`
	FallbackChain []Route    `json:"fallbackChain"`
}

// SafeDefault is used when classification is unavailable or untrusted.
func SafeDefault(reason string) Decision {
	return Decision{
		Route:         RouteSonnet,
		Reason:        reason,
		Priority:      PriorityMedium,
		Confidence:    ConfidenceLow,
		FallbackChain: FallbackChain(RouteSonnet),
	}
}

// SkipDefault is the route attached to skipped (trivial) messages.
func SkipDefault() Decision {
	return Decision{
		Route:         RouteHaiku,
		Reason:        "trivial message, enrichment skipped",
		Priority:      PriorityLow,
		Confidence:    ConfidenceHigh,
		FallbackChain: FallbackChain(RouteHaiku),
	}
}

// fallbackChains maps each route to the tiers tried when it is unavailable.
var fallbackChains = map[Route][]Route{
	RouteOpus:           {RouteSonnet, RouteHaiku},
	RouteSonnet:         {RouteHaiku, RouteQwenLocal},
	RouteHaiku:          {RouteQwenLocal},
	RouteQwenLocal:      {RouteHaiku},
	RouteReasoningLocal: {RouteQwenLocal, RouteHaiku},
}

// FallbackChain returns the fallback tiers for a route.
func FallbackChain(r Route) []Route {
	chain := fallbackChains[r]
	out := make([]Route, len(chain))
	copy(out, chain)
	return out
}

// TrimRule controls how much retrieved context a route receives. Strong
// routes get the full corpus; weak local routes get a narrow, stricter cut.
type TrimRule struct {
	Sources       []string
	TopK          int
	MinScoreBoost float64 // added to the per-source minimum score
}

// trimRules is the route-aware context table. Values follow the tiering of
// the route set: hosted tiers see every source, local tiers only memory.
var trimRules = map[Route]TrimRule{
	RouteOpus:           {Sources: []string{"memory", "chat", "chat_export"}, TopK: 10},
	RouteSonnet:         {Sources: []string{"memory", "chat", "chat_export"}, TopK: 8},
	RouteHaiku:          {Sources: []string{"memory", "chat"}, TopK: 5, MinScoreBoost: 0.05},
	RouteQwenLocal:      {Sources: []string{"memory"}, TopK: 3, MinScoreBoost: 0.1},
	RouteReasoningLocal: {Sources: []string{"memory", "chat"}, TopK: 5, MinScoreBoost: 0.05},
}

// TrimRuleFor returns the trim rule for a route, falling back to the
// SafeDefault route's rule for anything unknown.
func TrimRuleFor(r Route) TrimRule {
	if rule, ok := trimRules[r]; ok {
		return rule
	}
	return trimRules[RouteSonnet]
}

// highStakesKeywords flag queries where a low-confidence classification is
// not acceptable.
var highStakesKeywords = []string{"security", "production", "architect", "migration", "delete", "outage"}

// HighStakes reports whether the message mentions a high-stakes topic.
func HighStakes(message string) bool {
	m := strings.ToLower(message)
	for _, kw := range highStakesKeywords {
		if strings.Contains(m, kw) {
			return true
		}
	}
	return false
}

// Validate applies the closed-vocabulary rule: unknown routes, and
// low-confidence classifications of high-stakes queries, collapse to the
// safe default while keeping the claimed reason for observability.
func Validate(d Decision, message string) Decision {
	if _, ok := ParseRoute(string(d.Route)); !ok {
		safe := SafeDefault("unknown route '" + string(d.Route) + "' from classifier")
		if d.Reason != "" {
			safe.Reason = d.Reason + " (route replaced: outside closed set)"
		}
		return safe
	}
	if d.Confidence == ConfidenceLow && HighStakes(message) {
		safe := SafeDefault(d.Reason + " (low confidence on high-stakes query)")
		return safe
	}
	d.FallbackChain = FallbackChain(d.Route)
	return d
}
