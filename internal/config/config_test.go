package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func tempConfigPath(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	return filepath.Join(dir, "config.json")
}

func writeTestConfig(t *testing.T, path string, cfg *Config) {
	t.Helper()
	if err := Save(path, cfg); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
}

func TestSave_ReloadRoundTrip(t *testing.T) {
	path := tempConfigPath(t)

	original := &Config{
		DataDir:     "/tmp/test-data",
		LogLevel:    "debug",
		SelfID:      "u1",
		Backend:     "postgres",
		WatchOwners: []string{"u1", "u2"},
	}
	original.Postgres.DSN = "postgres://app:secret@db/interp"
	original.Realtime.URL = "wss://rt.example/realtime/v1/websocket"
	original.Realtime.APIKey = "anon-round-trip"
	original.Realtime.MaxRetries = 7
	original.Realtime.Multiplier = 1.5
	original.Status.CooldownMs = 1234
	original.Chat.PageSize = 25
	original.Telegram.Token = "bot-token-456"

	// Save
	if err := Save(path, original); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	// Verify file exists
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("config file does not exist after Save: %v", err)
	}

	// Reload
	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	// Compare key fields
	if loaded.DataDir != original.DataDir {
		t.Errorf("DataDir mismatch: %v != %v", loaded.DataDir, original.DataDir)
	}
	if loaded.LogLevel != original.LogLevel {
		t.Errorf("LogLevel mismatch: %v != %v", loaded.LogLevel, original.LogLevel)
	}
	if loaded.Backend != original.Backend {
		t.Errorf("Backend mismatch: %v != %v", loaded.Backend, original.Backend)
	}
	if len(loaded.WatchOwners) != 2 || loaded.WatchOwners[1] != "u2" {
		t.Errorf("WatchOwners mismatch: %v", loaded.WatchOwners)
	}
	if loaded.Realtime.URL != original.Realtime.URL {
		t.Errorf("Realtime.URL mismatch: %v != %v", loaded.Realtime.URL, original.Realtime.URL)
	}
	if loaded.Realtime.MaxRetries != original.Realtime.MaxRetries {
		t.Errorf("Realtime.MaxRetries mismatch: %v != %v", loaded.Realtime.MaxRetries, original.Realtime.MaxRetries)
	}
	if loaded.Realtime.Multiplier != original.Realtime.Multiplier {
		t.Errorf("Realtime.Multiplier mismatch: %v != %v", loaded.Realtime.Multiplier, original.Realtime.Multiplier)
	}
	if loaded.Status.CooldownMs != original.Status.CooldownMs {
		t.Errorf("Status.CooldownMs mismatch: %v != %v", loaded.Status.CooldownMs, original.Status.CooldownMs)
	}
	if loaded.Chat.PageSize != original.Chat.PageSize {
		t.Errorf("Chat.PageSize mismatch: %v != %v", loaded.Chat.PageSize, original.Chat.PageSize)
	}
}

func TestLoad_WritesDefaults(t *testing.T) {
	path := tempConfigPath(t)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected defaults written: %v", err)
	}
	if cfg.Health.HeartbeatIntervalMs != 30000 || cfg.Health.TimeoutMs != 45000 {
		t.Errorf("unexpected health defaults %+v", cfg.Health)
	}
	if cfg.Status.VerifyDelayMs != 1000 || cfg.Status.MaxFailedAttempts != 3 {
		t.Errorf("unexpected status defaults %+v", cfg.Status)
	}
	if cfg.Chat.MentionReadDelayMs != 10000 {
		t.Errorf("unexpected mention read delay %d", cfg.Chat.MentionReadDelayMs)
	}
	if cfg.Realtime.MaxRetries != 10 || cfg.Realtime.InitialDelayMs != 1000 {
		t.Errorf("unexpected realtime defaults %+v", cfg.Realtime)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	path := tempConfigPath(t)
	t.Setenv("INTERPSYNC_POSTGRES_DSN", "postgres://env")
	t.Setenv("INTERPSYNC_REALTIME_URL", "wss://env")
	t.Setenv("INTERPSYNC_SELF_ID", "env-user")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Postgres.DSN != "postgres://env" || cfg.Realtime.URL != "wss://env" || cfg.SelfID != "env-user" {
		t.Errorf("env overrides not applied: %+v", cfg)
	}
}

func TestLoad_DotEnvFile(t *testing.T) {
	path := tempConfigPath(t)
	envPath := filepath.Join(filepath.Dir(path), ".env")
	if err := os.WriteFile(envPath, []byte("INTERPSYNC_REALTIME_KEY=from-dotenv\n"), 0600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("INTERPSYNC_REALTIME_KEY", "")
	os.Unsetenv("INTERPSYNC_REALTIME_KEY")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Realtime.APIKey != "from-dotenv" {
		t.Errorf("expected key from .env, got %q", cfg.Realtime.APIKey)
	}
}

func TestConfig_Durations(t *testing.T) {
	cfg := Defaults()
	cfg.Status.RevertDelayMs = 250
	cfg.Health.ForceReconnectTimeoutMs = 8000

	if got := cfg.StatusConfig().RevertDelay; got != 250*time.Millisecond {
		t.Errorf("expected 250ms revert delay, got %v", got)
	}
	if got := cfg.HealthConfig().ForceReconnectTimeout; got != 8*time.Second {
		t.Errorf("expected 8s force reconnect timeout, got %v", got)
	}
	if got := cfg.ManagerConfig().MaxDelay; got != 30*time.Second {
		t.Errorf("expected 30s max delay, got %v", got)
	}
	cfg.SelfID = "me"
	if got := cfg.ChatConfig(); got.SelfID != "me" || got.MentionReadDelay != 10*time.Second {
		t.Errorf("unexpected chat config %+v", got)
	}
}

func TestSave_AtomicWrite(t *testing.T) {
	path := tempConfigPath(t)

	cfg := &Config{LogLevel: "info"}
	if err := Save(path, cfg); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	// Verify no temp file left behind
	tmpPath := path + ".tmp"
	if _, err := os.Stat(tmpPath); !os.IsNotExist(err) {
		t.Errorf("temp file should not exist after successful save")
	}

	// Verify the file is valid JSON
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read saved config: %v", err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		t.Errorf("saved file is not valid JSON: %v", err)
	}
}

func TestToMap(t *testing.T) {
	cfg := &Config{
		DataDir:  "/tmp/test",
		LogLevel: "debug",
	}
	cfg.Realtime.URL = "wss://rt.example"
	cfg.Realtime.MaxRetries = 10

	m, err := ToMap(cfg)
	if err != nil {
		t.Fatalf("ToMap failed: %v", err)
	}

	if m["data_dir"] != "/tmp/test" {
		t.Errorf("expected data_dir=/tmp/test, got %v", m["data_dir"])
	}
	if m["log_level"] != "debug" {
		t.Errorf("expected log_level=debug, got %v", m["log_level"])
	}

	rt, ok := m["realtime"].(map[string]any)
	if !ok {
		t.Fatalf("expected realtime to be map, got %T", m["realtime"])
	}
	if rt["url"] != "wss://rt.example" {
		t.Errorf("expected realtime.url=wss://rt.example, got %v", rt["url"])
	}
	// JSON numbers are float64
	if rt["max_retries"] != float64(10) {
		t.Errorf("expected realtime.max_retries=10, got %v", rt["max_retries"])
	}
}

func TestListValues_NoMask(t *testing.T) {
	cfg := &Config{
		LogLevel: "info",
	}
	cfg.Realtime.APIKey = "anon-secret-key-1234"
	cfg.Postgres.DSN = "postgres://app:5678"
	cfg.Telegram.Token = "bot-token-abcd"

	flat, err := ListValues(cfg, false)
	if err != nil {
		t.Fatalf("ListValues failed: %v", err)
	}

	// Secrets should be unmasked
	if flat["realtime.api_key"] != "anon-secret-key-1234" {
		t.Errorf("expected unmasked realtime.api_key, got %v", flat["realtime.api_key"])
	}
	if flat["postgres.dsn"] != "postgres://app:5678" {
		t.Errorf("expected unmasked postgres.dsn, got %v", flat["postgres.dsn"])
	}
	if flat["telegram.token"] != "bot-token-abcd" {
		t.Errorf("expected unmasked telegram.token, got %v", flat["telegram.token"])
	}
	if flat["log_level"] != "info" {
		t.Errorf("expected log_level=info, got %v", flat["log_level"])
	}
}

func TestListValues_WithMask(t *testing.T) {
	cfg := &Config{
		LogLevel: "info",
	}
	cfg.Realtime.APIKey = "anon-secret-key-1234"
	cfg.Postgres.DSN = "postgres://app:5678"
	cfg.Telegram.Token = "bot-token-abcd"

	flat, err := ListValues(cfg, true)
	if err != nil {
		t.Fatalf("ListValues failed: %v", err)
	}

	// Secrets should be masked
	if flat["realtime.api_key"] != "***1234" {
		t.Errorf("expected masked realtime.api_key=***1234, got %v", flat["realtime.api_key"])
	}
	if flat["postgres.dsn"] != "***5678" {
		t.Errorf("expected masked postgres.dsn=***5678, got %v", flat["postgres.dsn"])
	}
	if flat["telegram.token"] != "***abcd" {
		t.Errorf("expected masked telegram.token=***abcd, got %v", flat["telegram.token"])
	}

	// Non-secrets should be unchanged
	if flat["log_level"] != "info" {
		t.Errorf("expected log_level=info, got %v", flat["log_level"])
	}
}

func TestGetValue_ExistingKey(t *testing.T) {
	path := tempConfigPath(t)

	cfg := &Config{
		LogLevel: "debug",
	}
	cfg.Realtime.URL = "wss://rt.example"
	cfg.Chat.PageSize = 8
	writeTestConfig(t, path, cfg)

	v, err := GetValue(path, "log_level")
	if err != nil {
		t.Fatalf("GetValue failed: %v", err)
	}
	if v != "debug" {
		t.Errorf("expected log_level=debug, got %v", v)
	}

	v, err = GetValue(path, "realtime.url")
	if err != nil {
		t.Fatalf("GetValue failed: %v", err)
	}
	if v != "wss://rt.example" {
		t.Errorf("expected realtime.url=wss://rt.example, got %v", v)
	}

	v, err = GetValue(path, "chat.page_size")
	if err != nil {
		t.Fatalf("GetValue failed: %v", err)
	}
	// JSON numbers are float64
	if v != float64(8) {
		t.Errorf("expected chat.page_size=8, got %v (%T)", v, v)
	}
}

func TestGetValue_UnknownKey(t *testing.T) {
	path := tempConfigPath(t)

	cfg := &Config{LogLevel: "info"}
	writeTestConfig(t, path, cfg)

	_, err := GetValue(path, "nonexistent.key")
	if err == nil {
		t.Fatal("expected error for unknown key, got nil")
	}
	expected := "unknown config key: nonexistent.key"
	if err.Error() != expected {
		t.Errorf("expected error %q, got %q", expected, err.Error())
	}
}

func TestSetValue_String(t *testing.T) {
	path := tempConfigPath(t)

	cfg := &Config{LogLevel: "info"}
	cfg.Backend = "postgres"
	writeTestConfig(t, path, cfg)

	// Set a string value
	if err := SetValue(path, "log_level", "debug"); err != nil {
		t.Fatalf("SetValue failed: %v", err)
	}

	// Verify it was set
	v, err := GetValue(path, "log_level")
	if err != nil {
		t.Fatalf("GetValue failed: %v", err)
	}
	if v != "debug" {
		t.Errorf("expected log_level=debug after set, got %v", v)
	}

	// Verify other values are preserved
	v, err = GetValue(path, "backend")
	if err != nil {
		t.Fatalf("GetValue failed: %v", err)
	}
	if v != "postgres" {
		t.Errorf("expected backend=postgres (preserved), got %v", v)
	}
}

func TestSetValue_Numeric(t *testing.T) {
	path := tempConfigPath(t)

	cfg := &Config{}
	cfg.Status.MaxFailedAttempts = 3
	writeTestConfig(t, path, cfg)

	// Set a numeric value (JSON parseable)
	if err := SetValue(path, "status.max_failed_attempts", "5"); err != nil {
		t.Fatalf("SetValue failed: %v", err)
	}

	v, err := GetValue(path, "status.max_failed_attempts")
	if err != nil {
		t.Fatalf("GetValue failed: %v", err)
	}
	if v != float64(5) {
		t.Errorf("expected status.max_failed_attempts=5, got %v (%T)", v, v)
	}
}

func TestSetValue_Boolean(t *testing.T) {
	path := tempConfigPath(t)

	cfg := &Config{LogLevel: "info"}
	writeTestConfig(t, path, cfg)

	if err := SetValue(path, "postgres.install_triggers", "true"); err != nil {
		t.Fatalf("SetValue failed: %v", err)
	}

	v, err := GetValue(path, "postgres.install_triggers")
	if err != nil {
		t.Fatalf("GetValue failed: %v", err)
	}
	if v != true {
		t.Errorf("expected postgres.install_triggers=true, got %v (%T)", v, v)
	}
}

func TestSetValue_Float(t *testing.T) {
	path := tempConfigPath(t)

	cfg := &Config{}
	cfg.Realtime.Multiplier = 2
	writeTestConfig(t, path, cfg)

	if err := SetValue(path, "realtime.multiplier", "1.5"); err != nil {
		t.Fatalf("SetValue failed: %v", err)
	}

	v, err := GetValue(path, "realtime.multiplier")
	if err != nil {
		t.Fatalf("GetValue failed: %v", err)
	}
	if v != 1.5 {
		t.Errorf("expected realtime.multiplier=1.5, got %v (%T)", v, v)
	}
}

func TestSetValue_NestedKey(t *testing.T) {
	path := tempConfigPath(t)

	cfg := &Config{}
	cfg.HTTP.Addr = "127.0.0.1:8484"
	writeTestConfig(t, path, cfg)

	if err := SetValue(path, "http.addr", "0.0.0.0:9000"); err != nil {
		t.Fatalf("SetValue failed: %v", err)
	}

	v, err := GetValue(path, "http.addr")
	if err != nil {
		t.Fatalf("GetValue failed: %v", err)
	}
	if v != "0.0.0.0:9000" {
		t.Errorf("expected http.addr=0.0.0.0:9000, got %v", v)
	}
}

func TestSetValue_UnknownKeyRejected(t *testing.T) {
	path := tempConfigPath(t)

	cfg := &Config{LogLevel: "info"}
	writeTestConfig(t, path, cfg)
	before, _ := os.ReadFile(path)

	err := SetValue(path, "custom.setting", "value")
	if err == nil || err.Error() != "unknown config key: custom.setting" {
		t.Fatalf("expected unknown key error, got %v", err)
	}
	after, _ := os.ReadFile(path)
	if string(before) != string(after) {
		t.Error("rejected set must not touch the file")
	}
}

func TestSetValue_DurationForMillisKey(t *testing.T) {
	path := tempConfigPath(t)
	writeTestConfig(t, path, Defaults())

	if err := SetValue(path, "status.verify_delay_ms", "1.5s"); err != nil {
		t.Fatalf("SetValue failed: %v", err)
	}
	if err := SetValue(path, "health.timeout_ms", "2500"); err != nil {
		t.Fatalf("SetValue failed: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if got := cfg.StatusConfig().VerifyDelay; got != 1500*time.Millisecond {
		t.Errorf("expected verify delay 1.5s, got %v", got)
	}
	if got := cfg.HealthConfig().Timeout; got != 2500*time.Millisecond {
		t.Errorf("expected timeout 2.5s, got %v", got)
	}
}

func TestSetValue_InvalidValueRejected(t *testing.T) {
	path := tempConfigPath(t)
	writeTestConfig(t, path, Defaults())

	for _, tc := range []struct{ key, value string }{
		{"chat.page_size", "many"},
		{"chat.page_size", "-1"},
		{"status.cooldown_ms", "-5s"},
		{"realtime.multiplier", "fast"},
		{"postgres.install_triggers", "maybe"},
	} {
		if err := SetValue(path, tc.key, tc.value); err == nil {
			t.Errorf("expected %s=%q to be rejected", tc.key, tc.value)
		}
	}
}

func TestSetValue_ListValue(t *testing.T) {
	path := tempConfigPath(t)
	writeTestConfig(t, path, Defaults())

	if err := SetValue(path, "watch_owners", "u1, u2,,u3"); err != nil {
		t.Fatalf("SetValue failed: %v", err)
	}
	if err := SetValue(path, "channels", `["ch1","ch2"]`); err != nil {
		t.Fatalf("SetValue failed: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(cfg.WatchOwners) != 3 || cfg.WatchOwners[2] != "u3" {
		t.Errorf("unexpected watch owners %v", cfg.WatchOwners)
	}
	if len(cfg.Channels) != 2 || cfg.Channels[1] != "ch2" {
		t.Errorf("unexpected channels %v", cfg.Channels)
	}
}

func TestSetValue_NonexistentFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "does-not-exist", "config.json")
	err := SetValue(path, "log_level", "debug")
	if err == nil {
		t.Fatal("expected error for nonexistent file, got nil")
	}
}

func TestGetValue_NonexistentFile(t *testing.T) {
	// GetValue calls Load, which creates the file if it doesn't exist.
	// But if the directory doesn't exist, it should still work because
	// Load creates it. Let's test with a valid temp dir.
	path := tempConfigPath(t)

	// File doesn't exist yet; Load will create it with defaults
	v, err := GetValue(path, "log_level")
	if err != nil {
		t.Fatalf("GetValue on new config failed: %v", err)
	}
	// Default log_level is "info"
	if v != "info" {
		t.Errorf("expected default log_level=info, got %v", v)
	}
}

func TestSave_CreatesDirectory(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "subdir", "config.json")

	cfg := &Config{LogLevel: "warn"}
	if err := Save(path, cfg); err != nil {
		t.Fatalf("Save should create parent directory, got: %v", err)
	}

	if _, err := os.Stat(path); err != nil {
		t.Errorf("config file should exist: %v", err)
	}
}
