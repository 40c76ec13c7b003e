package provider

import (
	"context"
	"errors"
	"testing"
)

type fakeBulkhead struct{}

func (fakeBulkhead) AcquireSlot(context.Context, string, string, int, int, int) (bool, int) {
	return true, 0
}
func (fakeBulkhead) ReleaseSlot(context.Context, string, string) error { return nil }

type fakeCircuit struct {
	open map[string]bool
}

func (f *fakeCircuit) CheckGate(_ context.Context, route string) (bool, int, error) {
	if f.open != nil && f.open[route] {
		return false, 500, nil
	}
	return true, 0, nil
}
func (f *fakeCircuit) RecordSuccess(context.Context, string) error { return nil }
func (f *fakeCircuit) RecordFailure(context.Context, string, int, int, int) error { return nil }

// scriptedCaller returns one (status,err) result per call to a given
// route, in order, cycling the last entry once exhausted.
type scriptedCaller struct {
	byRoute map[string][]scriptedResult
	calls   map[string]int
}

type scriptedResult struct {
	status int
	err    error
	body   []byte
}

func (c *scriptedCaller) Call(_ context.Context, route Route, _ string, _ string, _ []byte, _ map[string]string) (int, []byte, string, error) {
	results := c.byRoute[route.ID]
	idx := c.calls[route.ID]
	if idx >= len(results) {
		idx = len(results) - 1
	}
	c.calls[route.ID]++
	r := results[idx]
	return r.status, r.body, "", r.err
}

func baseRequest() ExecuteRequest {
	return ExecuteRequest{
		Models:             ModelConfig{AgentPrimary: "agent-1", AgentSecondary: "agent-2", DefaultClass: ModelClassAgent},
		PrimaryTimeoutMs:   1000,
		PrimaryRetries:     0,
		SecondaryTimeoutMs: 1000,
		SecondaryRetries:   0,
		FailoverEnabled:    true,
		LeaseID:            "lease-1",
	}
}

func TestExecuteChatProviderRequest_SuccessOnPrimary(t *testing.T) {
	ctx := context.Background()
	caller := &scriptedCaller{byRoute: map[string][]scriptedResult{
		"primary": {{status: 200, body: []byte(`ok`)}},
	}, calls: map[string]int{}}
	router := NewRouter(caller, &fakeCircuit{}, fakeBulkhead{}, 3, 1000, 2000, 10, 60_000, 60_000)

	res, err := router.ExecuteChatProviderRequest(ctx, baseRequest())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.RouteID != RouteIDPrimary || string(res.Response) != "ok" {
		t.Errorf("result = %+v, want primary route with body 'ok'", res)
	}
}

// TestExecuteChatProviderRequest_FailoverToSecondary is the provider
// failover scenario: primary returns a failover-eligible error, the router
// advances to secondary and succeeds there.
func TestExecuteChatProviderRequest_FailoverToSecondary(t *testing.T) {
	ctx := context.Background()
	caller := &scriptedCaller{byRoute: map[string][]scriptedResult{
		"primary":   {{status: 503}},
		"secondary": {{status: 200, body: []byte(`from secondary`)}},
	}, calls: map[string]int{}}
	router := NewRouter(caller, &fakeCircuit{}, fakeBulkhead{}, 3, 1000, 2000, 10, 60_000, 60_000)

	res, err := router.ExecuteChatProviderRequest(ctx, baseRequest())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.RouteID != RouteIDSecondary || string(res.Response) != "from secondary" {
		t.Errorf("result = %+v, want secondary route after primary 503", res)
	}
}

func TestExecuteChatProviderRequest_NonFailoverErrorSurfacesImmediately(t *testing.T) {
	ctx := context.Background()
	caller := &scriptedCaller{byRoute: map[string][]scriptedResult{
		"primary": {{status: 401}},
	}, calls: map[string]int{}}
	router := NewRouter(caller, &fakeCircuit{}, fakeBulkhead{}, 3, 1000, 2000, 10, 60_000, 60_000)

	_, err := router.ExecuteChatProviderRequest(ctx, baseRequest())
	var ue *UpstreamError
	if !errors.As(err, &ue) || ue.Code != CodeAuth {
		t.Fatalf("err = %v, want classified upstream_auth error (non-retryable, no failover)", err)
	}
	if caller.calls["secondary"] != 0 {
		t.Error("auth errors must not trigger failover to secondary")
	}
}

func TestExecuteChatProviderRequest_CircuitOpenSkipsToFailover(t *testing.T) {
	ctx := context.Background()
	caller := &scriptedCaller{byRoute: map[string][]scriptedResult{
		"secondary": {{status: 200, body: []byte(`ok`)}},
	}, calls: map[string]int{}}
	circuit := &fakeCircuit{open: map[string]bool{"primary": true}}
	router := NewRouter(caller, circuit, fakeBulkhead{}, 3, 1000, 2000, 10, 60_000, 60_000)

	res, err := router.ExecuteChatProviderRequest(ctx, baseRequest())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.RouteID != RouteIDSecondary {
		t.Errorf("result = %+v, want secondary since primary circuit is open", res)
	}
}
