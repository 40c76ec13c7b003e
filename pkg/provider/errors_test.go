package provider

import "testing"

func TestClassifyHTTPStatus(t *testing.T) {
	cases := []struct {
		status    int
		wantCode  string
		retryable bool
	}{
		{402, CodeQuotaExceeded, true},
		{429, CodeRateLimited, true},
		{401, CodeAuth, false},
		{403, CodeAuth, false},
		{400, CodeBadRequest, false},
		{404, CodeBadRequest, false},
		{422, CodeBadRequest, false},
		{500, CodeUnavailable, true},
		{503, CodeUnavailable, true},
		{418, CodeError, true},
	}
	for _, c := range cases {
		got := ClassifyHTTPStatus(c.status, "", "openai", "primary", "x")
		if got.Code != c.wantCode || got.Retryable != c.retryable {
			t.Errorf("ClassifyHTTPStatus(%d) = {%q,%v}, want {%q,%v}", c.status, got.Code, got.Retryable, c.wantCode, c.retryable)
		}
	}
}

func TestClassifyHTTPStatus_ParsesRetryAfterHeader(t *testing.T) {
	got := ClassifyHTTPStatus(429, "30", "openai", "primary", "rate limited")
	if got.RetryAfterMs != 30_000 {
		t.Errorf("RetryAfterMs = %d, want 30000", got.RetryAfterMs)
	}
}

func TestShouldFailover(t *testing.T) {
	failover := []string{CodeQuotaExceeded, CodeUnavailable, CodeTimeout, CodeRateLimited, CodeError}
	for _, code := range failover {
		if !ShouldFailover(code) {
			t.Errorf("ShouldFailover(%q) = false, want true", code)
		}
	}
	if ShouldFailover(CodeAuth) || ShouldFailover(CodeBadRequest) {
		t.Error("auth/bad-request codes must not trigger failover")
	}
}
