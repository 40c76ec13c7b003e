package toolqueue

import (
	"context"
	"fmt"
)

// EchoExecutor is the boundary stub standing in for the actual search
// provider a tool job would call out to -- replacing the upstream search
// providers is out of scope here, so Worker is exercised against a
// deterministic, always-succeeding ToolExecutor. A real deployment wires an
// executor per tool name that calls the actual search backend.
type EchoExecutor struct{}

func (EchoExecutor) Execute(_ context.Context, job Job) (string, error) {
	return fmt.Sprintf(`{"tool":%q,"echo":%s}`, job.ToolName, payloadOrNull(job.PayloadJSON)), nil
}

func payloadOrNull(payload string) string {
	if payload == "" {
		return "null"
	}
	return payload
}
