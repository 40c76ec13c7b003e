package provider

import "strings"

const (
	ModelClassFast  = "fast"
	ModelClassAgent = "agent"

	RouteIDPrimary   = "primary"
	RouteIDSecondary = "secondary"
)

var fastModelMarkers = []string{"mini", "flash", "haiku", "kimi"}

// InferModelClass classifies a requested model id as fast or agent; an
// empty id falls back to the configured default class.
func InferModelClass(requestedModelID, defaultClass string) string {
	if requestedModelID == "" {
		return defaultClass
	}
	lower := strings.ToLower(requestedModelID)
	for _, marker := range fastModelMarkers {
		if strings.Contains(lower, marker) {
			return ModelClassFast
		}
	}
	return ModelClassAgent
}

// ModelConfig names the configured fallback models per class.
type ModelConfig struct {
	FastPrimary    string
	FastSecondary  string
	AgentPrimary   string
	AgentSecondary string
	DefaultClass   string
}

// Route is a single candidate route (primary or secondary) with its
// ordered candidate model list.
type Route struct {
	ID               string
	Models           []string
	TimeoutMs        int
	Retries          int
}

// BuildRoutes constructs the primary route, and a secondary route when
// failoverEnabled, following the explicit-model/class-default candidate
// list rules.
func BuildRoutes(requestedModelID string, models ModelConfig, primaryTimeoutMs, primaryRetries, secondaryTimeoutMs, secondaryRetries int, failoverEnabled bool) []Route {
	class := InferModelClass(requestedModelID, models.DefaultClass)

	var primaryModels, fallbackModels []string
	switch class {
	case ModelClassFast:
		fallbackModels = []string{models.FastPrimary, models.FastSecondary}
	default:
		fallbackModels = []string{models.AgentPrimary, models.AgentSecondary}
	}

	if requestedModelID != "" {
		primaryModels = []string{requestedModelID}
	} else {
		primaryModels = dedupe(fallbackModels)
	}

	routes := []Route{
		{ID: RouteIDPrimary, Models: primaryModels, TimeoutMs: primaryTimeoutMs, Retries: primaryRetries},
	}

	if failoverEnabled {
		var secondaryModels []string
		if requestedModelID != "" {
			secondaryModels = dedupe(fallbackModels)
		} else {
			secondaryModels = dedupe(fallbackModels)
		}
		routes = append(routes, Route{ID: RouteIDSecondary, Models: secondaryModels, TimeoutMs: secondaryTimeoutMs, Retries: secondaryRetries})
	}

	return routes
}

func dedupe(in []string) []string {
	seen := map[string]bool{}
	var out []string
	for _, v := range in {
		if v == "" || seen[v] {
			continue
		}
		seen[v] = true
		out = append(out, v)
	}
	return out
}
