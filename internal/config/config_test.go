package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("LOQA_REALTIME_API_KEY", "sk-test")
	t.Setenv("LOQA_ASSISTANT_INSTRUCTIONS", "You answer calls for a bakery.")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Realtime.Model != "gpt-4o-realtime-preview-2024-10-01" {
		t.Fatalf("expected default model, got %q", cfg.Realtime.Model)
	}
	if cfg.Telephony.StreamPath != "/ws/customer-service" {
		t.Fatalf("expected default stream path, got %q", cfg.Telephony.StreamPath)
	}
	if cfg.Call.StateTTLMinutes != 120 {
		t.Fatalf("expected 2h state ttl, got %d minutes", cfg.Call.StateTTLMinutes)
	}
	if cfg.Call.EndCallGraceMS != 10000 {
		t.Fatalf("expected 10s grace period, got %d", cfg.Call.EndCallGraceMS)
	}
}

func TestLoadRequiresAPIKey(t *testing.T) {
	t.Setenv("LOQA_ASSISTANT_INSTRUCTIONS", "hello")
	t.Setenv("OPENAI_API_KEY", "")
	t.Setenv("LOQA_REALTIME_API_KEY", "")

	_, err := Load("")
	if err == nil || !strings.Contains(err.Error(), "api_key") {
		t.Fatalf("expected api key error, got %v", err)
	}
}

func TestOpenAIKeyFallback(t *testing.T) {
	t.Setenv("LOQA_ASSISTANT_INSTRUCTIONS", "hello")
	t.Setenv("LOQA_REALTIME_API_KEY", "")
	t.Setenv("OPENAI_API_KEY", "sk-fallback")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Realtime.APIKey != "sk-fallback" {
		t.Fatalf("expected fallback key, got %q", cfg.Realtime.APIKey)
	}
}

func TestFunctionsRequirePath(t *testing.T) {
	t.Setenv("LOQA_REALTIME_API_KEY", "sk-test")
	t.Setenv("LOQA_ASSISTANT_INSTRUCTIONS", "hello")
	t.Setenv("LOQA_FUNCTIONS_ENABLED", "true")

	_, err := Load("")
	if err == nil || !strings.Contains(err.Error(), "functions.path") {
		t.Fatalf("expected functions.path error, got %v", err)
	}
}

func TestLoadFile(t *testing.T) {
	t.Setenv("LOQA_REALTIME_API_KEY", "sk-test")
	path := filepath.Join(t.TempDir(), "callbridge.yaml")
	data := `runtime_name: bakery-line
telephony:
  stream_path: /media
  public_host: calls.example.com
realtime:
  voice: alloy
assistant:
  instructions_path: ./prompt.txt
call:
  inactivity_timeout_seconds: 45
`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.RuntimeName != "bakery-line" || cfg.Realtime.Voice != "alloy" {
		t.Fatalf("expected file values, got %+v", cfg)
	}
	if cfg.Telephony.StreamPath != "/media" || cfg.Telephony.IncomingPath != "/api/phonecalls/incoming" {
		t.Fatalf("expected merged telephony paths, got %+v", cfg.Telephony)
	}
	if cfg.Call.InactivityTimeoutSeconds != 45 {
		t.Fatalf("expected inactivity override, got %d", cfg.Call.InactivityTimeoutSeconds)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("LOQA_REALTIME_API_KEY", "sk-test")
	t.Setenv("LOQA_ASSISTANT_INSTRUCTIONS", "hello")
	t.Setenv("LOQA_BUS_ENABLED", "true")
	t.Setenv("LOQA_BUS_EMBEDDED", "false")
	t.Setenv("LOQA_BUS_SERVERS", "nats://one:4222, nats://two:4222")
	t.Setenv("LOQA_BUS_USERNAME", "alice")
	t.Setenv("LOQA_BUS_PASSWORD", "secret")
	t.Setenv("LOQA_BUS_TLS_INSECURE", "true")
	t.Setenv("LOQA_BUS_CONNECT_TIMEOUT_MS", "5000")
	t.Setenv("LOQA_REALTIME_TEMPERATURE", "0.6")
	t.Setenv("LOQA_TELEPHONY_VALIDATE_SIGNATURE", "true")
	t.Setenv("TWILIO_AUTH_TOKEN", "tw-token")
	t.Setenv("LOQA_CALL_END_CALL_GRACE_MS", "2500")
	t.Setenv("LOQA_CALL_MARK_NAME", "chunk")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(cfg.Bus.Servers) != 2 {
		t.Fatalf("expected 2 servers, got %v", cfg.Bus.Servers)
	}
	if cfg.Bus.Username != "alice" || cfg.Bus.Password != "secret" {
		t.Fatalf("expected credentials override")
	}
	if !cfg.Bus.TLSInsecure {
		t.Fatal("expected tls insecure override true")
	}
	if cfg.Bus.ConnectTimeout != 5000 {
		t.Fatalf("expected timeout 5000, got %d", cfg.Bus.ConnectTimeout)
	}
	if cfg.Realtime.Temperature != 0.6 {
		t.Fatalf("expected temperature override, got %v", cfg.Realtime.Temperature)
	}
	if cfg.Telephony.AuthToken != "tw-token" || !cfg.Telephony.ValidateSignature {
		t.Fatalf("expected signature validation override, got %+v", cfg.Telephony)
	}
	if cfg.Call.EndCallGraceMS != 2500 {
		t.Fatalf("expected grace override, got %d", cfg.Call.EndCallGraceMS)
	}
	if cfg.Call.MarkName != "chunk" {
		t.Fatalf("expected mark name override")
	}
}

func TestValidateRejectsRelativePaths(t *testing.T) {
	cfg := Default()
	cfg.Realtime.APIKey = "sk-test"
	cfg.Assistant.Instructions = "hello"
	cfg.Telephony.StreamPath = "ws"
	if err := validate(cfg); err == nil {
		t.Fatal("expected stream path error")
	}
}
