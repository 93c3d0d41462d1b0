package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoad_MissingFileYieldsDefaults(t *testing.T) {
	t.Parallel()

	c, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if c.ListenAddr != "127.0.0.1:8787" {
		t.Fatalf("listen_addr=%q", c.ListenAddr)
	}
	if c.BackendBaseURL != "http://127.0.0.1:8000" {
		t.Fatalf("backend_base_url=%q", c.BackendBaseURL)
	}
	if c.LogFormat != "text" || c.LogLevel != "info" {
		t.Fatalf("log defaults=%q/%q", c.LogFormat, c.LogLevel)
	}
}

func TestLoad_ParsesOverrides(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "config.yaml")
	data := `
listen_addr: "0.0.0.0:9090"
data_dir: "/var/lib/chatsync"
backend_base_url: "http://agent.internal:8000"
log_format: json
log_level: debug
retry:
  max_attempts: 3
  base_delay_ms: 50
rate_limit:
  rps: 10
  burst: 20
`
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	c, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if c.ListenAddr != "0.0.0.0:9090" || c.LogFormat != "json" || c.LogLevel != "debug" {
		t.Fatalf("config=%+v", c)
	}
	if c.Retry.MaxAttempts != 3 || c.Retry.BaseDelay() != 50*time.Millisecond {
		t.Fatalf("retry=%+v", c.Retry)
	}
	if c.RateLimit.RPS != 10 || c.RateLimit.Burst != 20 {
		t.Fatalf("rate_limit=%+v", c.RateLimit)
	}
	if got := c.ThreadsDBPath(); got != filepath.Join("/var/lib/chatsync", "threads.sqlite") {
		t.Fatalf("threads db path=%q", got)
	}
}

func TestLoad_RejectsInvalid(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		yaml string
	}{
		{"bad backend url", "backend_base_url: \"not a url\"\n"},
		{"bad log format", "log_format: xml\n"},
		{"bad log level", "log_level: loud\n"},
		{"negative retry", "retry:\n  max_attempts: -1\n"},
		{"negative rate limit", "rate_limit:\n  rps: -2\n"},
		{"empty listen addr", "listen_addr: \"  \"\n"},
	}
	for _, tc := range cases {
		path := filepath.Join(t.TempDir(), "config.yaml")
		if err := os.WriteFile(path, []byte(tc.yaml), 0o600); err != nil {
			t.Fatalf("WriteFile: %v", err)
		}
		if _, err := Load(path); err == nil {
			t.Fatalf("%s: expected validation error", tc.name)
		}
	}
}

func TestLoad_ParseErrorNamesFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("listen_addr: [unclosed"), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	_, err := Load(path)
	if err == nil || !strings.Contains(err.Error(), "config.yaml") {
		t.Fatalf("err=%v, want parse error naming the file", err)
	}
}

func TestResolvedDataDir_ExplicitWins(t *testing.T) {
	t.Parallel()

	c := Default()
	c.DataDir = "/tmp/custom"
	if got := c.ResolvedDataDir(); got != "/tmp/custom" {
		t.Fatalf("data dir=%q", got)
	}
	if got := c.DraftsPath(); got != filepath.Join("/tmp/custom", "drafts.json") {
		t.Fatalf("drafts path=%q", got)
	}
	if got := c.MetricsPath(); got != filepath.Join("/tmp/custom", "metrics.json") {
		t.Fatalf("metrics path=%q", got)
	}
}
