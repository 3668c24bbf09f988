package session

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/harunnryd/duplex/pkg/errorsx"
	"github.com/harunnryd/duplex/pkg/frames"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, "agent:\n  id: agent-1\n"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.VADThreshold != 0.5 || cfg.QuietPeriod() != 700*time.Millisecond || !cfg.BargeInEnabled {
		t.Fatalf("unexpected barge-in defaults %+v", cfg)
	}
	if cfg.ReconnectDelay() != 5*time.Second {
		t.Fatalf("unexpected reconnect delay %v", cfg.ReconnectDelay())
	}
	if cfg.Tools.Concurrency != 1 || cfg.Tools.TimeoutMS != 8000 {
		t.Fatalf("unexpected tool defaults %+v", cfg.Tools)
	}
	if !cfg.Privacy.RedactPII {
		t.Fatalf("redaction should default on")
	}
	in, _ := cfg.InputFormat()
	out, _ := cfg.OutputFormat()
	if in != frames.PCM16(16000) || out != frames.PCM16(24000) {
		t.Fatalf("unexpected formats %v %v", in, out)
	}
}

func TestLoadConfigExpandsEnv(t *testing.T) {
	t.Setenv("DUPLEX_TEST_KEY", "secret")
	t.Setenv("DUPLEX_TEST_TOKEN", "token")
	cfg, err := LoadConfig(writeConfig(t, `
agent:
  id: agent-1
  api_key: ${DUPLEX_TEST_KEY}
tools:
  provider: spotify
  settings:
    refresh_token: ${DUPLEX_TEST_TOKEN}
`))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Agent.APIKey != "secret" {
		t.Fatalf("expected expanded api key, got %q", cfg.Agent.APIKey)
	}
	if cfg.Tools.Settings["refresh_token"] != "token" {
		t.Fatalf("expected expanded settings, got %v", cfg.Tools.Settings)
	}
}

func TestLoadConfigRejectsInvalid(t *testing.T) {
	cases := map[string]string{
		"missing agent":  "vad_threshold: 0.5\n",
		"bad threshold":  "agent:\n  id: a\nvad_threshold: 1.5\n",
		"bad encoding":   "agent:\n  id: a\naudio:\n  output_encoding: opus\n",
		"negative delay": "agent:\n  id: a\nreconnect_delay_s: -1\n",
	}
	for name, body := range cases {
		_, err := LoadConfig(writeConfig(t, body))
		if !errorsx.HasReason(err, errorsx.ReasonConfigInvalid) {
			t.Fatalf("%s: expected config_invalid, got %v", name, err)
		}
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	if !errorsx.HasReason(err, errorsx.ReasonConfigInvalid) {
		t.Fatalf("expected config_invalid, got %v", err)
	}
}

func TestConvaiConfigMapping(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Agent.ID = "agent-1"
	cfg.Transport.ConnectTimeoutS = 3
	c := cfg.ConvaiConfig(frames.ULaw(8000), frames.ULaw(8000), nil, nil)
	if c.AgentID != "agent-1" || c.ConnectTimeout != 3*time.Second || c.ReconnectDelay != 5*time.Second {
		t.Fatalf("unexpected transport config %+v", c)
	}
	if c.OutputFormat != frames.ULaw(8000) {
		t.Fatalf("expected backend format, got %v", c.OutputFormat)
	}
}
