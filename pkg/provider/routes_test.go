package provider

import "testing"

func TestInferModelClass(t *testing.T) {
	cases := map[string]string{
		"gpt-5-mini":     ModelClassFast,
		"claude-haiku-4": ModelClassFast,
		"gemini-flash":   ModelClassFast,
		"kimi-k2":        ModelClassFast,
		"GPT-5-MINI":     ModelClassFast,
		"claude-opus-4":  ModelClassAgent,
		"":               "default-class",
	}
	for model, want := range cases {
		if got := InferModelClass(model, "default-class"); got != want {
			t.Errorf("InferModelClass(%q) = %q, want %q", model, got, want)
		}
	}
}

func TestBuildRoutes_ExplicitModelUsesOnlyThatModelOnPrimary(t *testing.T) {
	models := ModelConfig{FastPrimary: "fast-1", FastSecondary: "fast-2", AgentPrimary: "agent-1", AgentSecondary: "agent-2", DefaultClass: ModelClassAgent}

	routes := BuildRoutes("custom-model", models, 45_000, 2, 35_000, 1, true)
	if len(routes) != 2 {
		t.Fatalf("routes = %+v, want 2 (primary+secondary, failover enabled)", routes)
	}
	if len(routes[0].Models) != 1 || routes[0].Models[0] != "custom-model" {
		t.Errorf("primary models = %v, want [custom-model]", routes[0].Models)
	}
	if len(routes[1].Models) == 0 {
		t.Error("secondary should fall back to configured class models")
	}
}

func TestBuildRoutes_NoFailoverIsSingleRoute(t *testing.T) {
	models := ModelConfig{AgentPrimary: "agent-1", AgentSecondary: "agent-2", DefaultClass: ModelClassAgent}
	routes := BuildRoutes("", models, 45_000, 2, 35_000, 1, false)
	if len(routes) != 1 {
		t.Fatalf("routes = %+v, want exactly primary when failover disabled", routes)
	}
}

func TestBuildRoutes_NoExplicitModelUsesClassDefaultsOnBothRoutes(t *testing.T) {
	models := ModelConfig{AgentPrimary: "agent-1", AgentSecondary: "agent-2", DefaultClass: ModelClassAgent}
	routes := BuildRoutes("", models, 45_000, 2, 35_000, 1, true)
	if len(routes[0].Models) != 2 || routes[0].Models[0] != "agent-1" {
		t.Errorf("primary models = %v, want [agent-1 agent-2]", routes[0].Models)
	}
}
