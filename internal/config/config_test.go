package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestFindConfig_Explicit(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.yaml")
	os.WriteFile(path, []byte("transport:\n  kind: mqtt\n  broker: mqtts://hub:8883\n"), 0600)

	got, err := FindConfig(path)
	if err != nil {
		t.Fatalf("FindConfig(%q) error: %v", path, err)
	}
	if got != path {
		t.Errorf("FindConfig(%q) = %q, want %q", path, got, path)
	}
}

func TestFindConfig_ExplicitMissing(t *testing.T) {
	_, err := FindConfig("/nonexistent/config.yaml")
	if err == nil {
		t.Fatal("FindConfig with missing explicit path should error")
	}
}

func TestFindConfig_CWD(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	os.WriteFile(path, []byte("transport:\n  kind: mqtt\n  broker: mqtts://hub:8883\n"), 0600)

	orig, _ := os.Getwd()
	os.Chdir(dir)
	defer os.Chdir(orig)

	got, err := FindConfig("")
	if err != nil {
		t.Fatalf("FindConfig(\"\") error: %v", err)
	}
	if got != "config.yaml" {
		t.Errorf("FindConfig(\"\") = %q, want %q", got, "config.yaml")
	}
}

func TestLoad_ExpandsEnvVars(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	os.WriteFile(path, []byte("transport:\n  kind: mqtt\n  broker: mqtts://hub:8883\n  password: ${PROXYD_TEST_PASSWORD}\n"), 0600)
	os.Setenv("PROXYD_TEST_PASSWORD", "secret123")
	defer os.Unsetenv("PROXYD_TEST_PASSWORD")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.Transport.Password != "secret123" {
		t.Errorf("password = %q, want %q", cfg.Transport.Password, "secret123")
	}
}

func TestLoad_AppliesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	os.WriteFile(path, []byte("transport:\n  broker: mqtts://hub:8883\n"), 0600)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}

	if cfg.Transport.Kind != "mqtt" {
		t.Errorf("transport.kind = %q, want mqtt", cfg.Transport.Kind)
	}
	if cfg.Transport.HeartbeatIntervalSec != 10 {
		t.Errorf("heartbeat_interval_sec = %d, want 10", cfg.Transport.HeartbeatIntervalSec)
	}
	if cfg.Transport.TelemetryIntervalSec != 2 {
		t.Errorf("telemetry_interval_sec = %d, want 2", cfg.Transport.TelemetryIntervalSec)
	}
	if cfg.Wire.FactorySoftCap != 100 {
		t.Errorf("wire.factory_soft_cap = %d, want 100", cfg.Wire.FactorySoftCap)
	}
	if cfg.Browse.StreamTimeoutMS != 3000 {
		t.Errorf("browse.stream_timeout_ms = %d, want 3000", cfg.Browse.StreamTimeoutMS)
	}
}

func TestValidate_RejectsUnknownTransportKind(t *testing.T) {
	cfg := Default()
	cfg.Transport.Kind = "carrier-pigeon"

	if err := cfg.Validate(); err == nil {
		t.Fatal("expected validation error for unknown transport.kind")
	}
}

func TestValidate_RejectsEmptyBroker(t *testing.T) {
	cfg := Default()
	cfg.Transport.Broker = ""

	if err := cfg.Validate(); err == nil {
		t.Fatal("expected validation error for empty transport.broker")
	}
}

func TestValidate_RejectsSubOneFactoryCap(t *testing.T) {
	cfg := Default()
	cfg.Wire.FactorySoftCap = 0

	if err := cfg.Validate(); err == nil {
		t.Fatal("expected validation error for factory_soft_cap < 1")
	}
}

func TestValidate_DefaultConfigIsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Default() config should validate, got: %v", err)
	}
}

func TestHeartbeatInterval_ConvertsSecondsToDuration(t *testing.T) {
	cfg := Default()
	if got := cfg.Transport.HeartbeatInterval(); got.Seconds() != 10 {
		t.Errorf("HeartbeatInterval() = %v, want 10s", got)
	}
}

func TestStreamTimeout_ConvertsMillisToDuration(t *testing.T) {
	cfg := Default()
	if got := cfg.Browse.StreamTimeout(); got.Milliseconds() != 3000 {
		t.Errorf("StreamTimeout() = %v, want 3000ms", got)
	}
}
