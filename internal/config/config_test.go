package config

import "testing"

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	tests := []struct {
		name  string
		check func(*Config) bool
	}{
		{"default mode is api", func(c *Config) bool { return c.Mode == "api" }},
		{"default host is 0.0.0.0", func(c *Config) bool { return c.Host == "0.0.0.0" }},
		{"default port is 8080", func(c *Config) bool { return c.Port == 8080 }},
		{"default log level is info", func(c *Config) bool { return c.LogLevel == "info" }},
		{"default log format is json", func(c *Config) bool { return c.LogFormat == "json" }},
		{"listen addr format", func(c *Config) bool { return c.ListenAddr() == "0.0.0.0:8080" }},
		{"rate limit msg max default", func(c *Config) bool { return c.RateLimitMsgMax == 30 }},
		{"circuit threshold default", func(c *Config) bool { return c.CircuitThreshold == 5 }},
		{"bulkhead max concurrent default", func(c *Config) bool { return c.BulkheadMaxConcurrent == 50 }},
		{"admission user max inflight default", func(c *Config) bool { return c.AdmissionUserMaxInFlight == 2 }},
		{"tool job max attempts default", func(c *Config) bool { return c.ToolJobMaxAttempts == 3 }},
		{"default model class is agent", func(c *Config) bool { return c.ChatDefaultModelClass == "agent" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if !tt.check(cfg) {
				t.Errorf("unexpected config value for %s", tt.name)
			}
		})
	}
}

func TestBoundEnvInt(t *testing.T) {
	t.Setenv("TESTCFG_IN_RANGE", "42")
	if got := boundEnvInt("TESTCFG_IN_RANGE", 1, 100, 7); got != 42 {
		t.Errorf("in-range value: got %d, want 42", got)
	}

	t.Setenv("TESTCFG_OUT_OF_RANGE", "9999")
	if got := boundEnvInt("TESTCFG_OUT_OF_RANGE", 1, 100, 7); got != 7 {
		t.Errorf("out-of-range value should fall back to default: got %d, want 7", got)
	}

	t.Setenv("TESTCFG_GARBAGE", "not-a-number")
	if got := boundEnvInt("TESTCFG_GARBAGE", 1, 100, 7); got != 7 {
		t.Errorf("unparseable value should fall back to default: got %d, want 7", got)
	}

	if got := boundEnvInt("TESTCFG_UNSET_XYZ", 1, 100, 7); got != 7 {
		t.Errorf("unset value should fall back to default: got %d, want 7", got)
	}
}

func TestEnumOr(t *testing.T) {
	if got := enumOr("WARN", []string{"debug", "info", "warn", "error"}, "info"); got != "warn" {
		t.Errorf("case-insensitive match: got %q, want warn", got)
	}
	if got := enumOr("bogus", []string{"debug", "info"}, "info"); got != "info" {
		t.Errorf("invalid enum should fall back to default: got %q, want info", got)
	}
}

func TestIdentOr(t *testing.T) {
	t.Setenv("TESTCFG_IDENT_OK", "my-namespace_v2")
	if got := identOr("TESTCFG_IDENT_OK", "fallback"); got != "my-namespace_v2" {
		t.Errorf("valid identifier: got %q", got)
	}

	t.Setenv("TESTCFG_IDENT_BAD", "has spaces!")
	if got := identOr("TESTCFG_IDENT_BAD", "fallback"); got != "fallback" {
		t.Errorf("invalid identifier should fall back: got %q, want fallback", got)
	}
}
