package provider

import (
	"context"
	"fmt"
)

// EchoCaller is the boundary stub standing in for the actual upstream LLM
// provider integration, same role as gateway.BearerPassthroughAuthenticator
// plays for session auth: replacing the upstream LLM or search providers is
// out of scope here, so Router is exercised against a deterministic,
// always-succeeding Caller rather than a real provider client. A real
// deployment wires a Caller that actually calls out to the configured
// model API.
type EchoCaller struct{}

func (EchoCaller) Call(_ context.Context, route Route, model string, _ string, payload []byte, _ map[string]string) (int, []byte, string, error) {
	body := fmt.Sprintf(`{"route":%q,"model":%q,"echo":%s}`, route.ID, model, payloadOrNull(payload))
	return 200, []byte(body), "", nil
}

func payloadOrNull(payload []byte) string {
	if len(payload) == 0 {
		return "null"
	}
	return string(payload)
}
