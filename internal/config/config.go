package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"

	"github.com/user/interpsync/internal/chat"
	"github.com/user/interpsync/internal/presence"
	"github.com/user/interpsync/internal/realtime"
	"github.com/user/interpsync/internal/types"
)

type Config struct {
	DataDir     string   `json:"data_dir"`
	LogLevel    string   `json:"log_level"`
	SelfID      string   `json:"self_id"`
	Backend     string   `json:"backend"`
	WatchOwners []string `json:"watch_owners"`
	Channels    []string `json:"channels"`
	HTTP        struct {
		Addr string `json:"addr"`
	} `json:"http"`
	Postgres struct {
		DSN             string `json:"dsn" secret:"true"`
		InstallTriggers bool   `json:"install_triggers"`
	} `json:"postgres"`
	Realtime struct {
		URL                string  `json:"url"`
		APIKey             string  `json:"api_key" secret:"true"`
		HandshakeTimeoutMs int     `json:"handshake_timeout_ms"`
		InitialDelayMs     int     `json:"initial_delay_ms"`
		MaxDelayMs         int     `json:"max_delay_ms"`
		Multiplier         float64 `json:"multiplier"`
		MaxRetries         int     `json:"max_retries"`
		DedupWindow        int     `json:"dedup_window"`
	} `json:"realtime"`
	Health struct {
		HeartbeatIntervalMs     int `json:"heartbeat_interval_ms"`
		CheckIntervalMs         int `json:"check_interval_ms"`
		TimeoutMs               int `json:"timeout_ms"`
		ForceReconnectTimeoutMs int `json:"force_reconnect_timeout_ms"`
	} `json:"health"`
	Status struct {
		VerifyDelayMs       int `json:"verify_delay_ms"`
		RevertDelayMs       int `json:"revert_delay_ms"`
		WriteTimeoutMs      int `json:"write_timeout_ms"`
		CooldownMs          int `json:"cooldown_ms"`
		MaxFailedAttempts   int `json:"max_failed_attempts"`
		MaxConcurrentWrites int `json:"max_concurrent_writes"`
	} `json:"status"`
	Chat struct {
		PageSize           int `json:"page_size"`
		SendAttempts       int `json:"send_attempts"`
		SendBackoffMs      int `json:"send_backoff_ms"`
		MentionReadDelayMs int `json:"mention_read_delay_ms"`
		PreviewLength      int `json:"preview_length"`
	} `json:"chat"`
	Notify struct {
		PushFunction   string `json:"push_function"`
		TelegramChatID string `json:"telegram_chat_id"`
	} `json:"notify"`
	Telegram struct {
		Token string `json:"token" secret:"true"`
	} `json:"telegram"`
}

// Defaults returns the configuration written on first load.
func Defaults() *Config {
	cfg := &Config{
		DataDir:  filepath.Join(os.Getenv("HOME"), ".interpsync"),
		LogLevel: "info",
		Backend:  "memory",
	}
	cfg.HTTP.Addr = "127.0.0.1:8484"

	rt := realtime.DefaultManagerConfig()
	cfg.Realtime.HandshakeTimeoutMs = 10000
	cfg.Realtime.InitialDelayMs = ms(rt.InitialDelay)
	cfg.Realtime.MaxDelayMs = ms(rt.MaxDelay)
	cfg.Realtime.Multiplier = rt.Multiplier
	cfg.Realtime.MaxRetries = rt.MaxRetries
	cfg.Realtime.DedupWindow = rt.DedupWindow

	h := realtime.DefaultHealthConfig()
	cfg.Health.HeartbeatIntervalMs = ms(h.HeartbeatInterval)
	cfg.Health.CheckIntervalMs = ms(h.CheckInterval)
	cfg.Health.TimeoutMs = ms(h.Timeout)
	cfg.Health.ForceReconnectTimeoutMs = ms(h.ForceReconnectTimeout)

	st := presence.DefaultStatusConfig()
	cfg.Status.VerifyDelayMs = ms(st.VerifyDelay)
	cfg.Status.RevertDelayMs = ms(st.RevertDelay)
	cfg.Status.WriteTimeoutMs = ms(st.WriteTimeout)
	cfg.Status.CooldownMs = ms(st.Cooldown)
	cfg.Status.MaxFailedAttempts = st.MaxFailedAttempts
	cfg.Status.MaxConcurrentWrites = int(st.MaxConcurrentWrites)

	ch := chat.DefaultChatConfig()
	cfg.Chat.PageSize = ch.PageSize
	cfg.Chat.SendAttempts = ch.SendAttempts
	cfg.Chat.SendBackoffMs = ms(ch.SendBackoff)
	cfg.Chat.MentionReadDelayMs = ms(ch.MentionReadDelay)
	cfg.Chat.PreviewLength = ch.PreviewLength

	cfg.Notify.PushFunction = "send-push-notification"
	return cfg
}

func Load(path string) (*Config, error) {
	cfg := Defaults()

	// Load from file if exists, otherwise write defaults
	if _, err := os.Stat(path); err == nil {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, err
		}
	} else if os.IsNotExist(err) {
		if err := writeDefaults(path, cfg); err != nil {
			return nil, err
		}
	}

	// .env next to the config file, then in the working directory. Neither
	// overrides variables already set.
	for _, envFile := range []string{filepath.Join(filepath.Dir(path), ".env"), ".env"} {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("load %s: %w", envFile, err)
		}
	}

	// Override from env (highest precedence)
	if dsn := os.Getenv("INTERPSYNC_POSTGRES_DSN"); dsn != "" {
		cfg.Postgres.DSN = dsn
	}
	if url := os.Getenv("INTERPSYNC_REALTIME_URL"); url != "" {
		cfg.Realtime.URL = url
	}
	if key := os.Getenv("INTERPSYNC_REALTIME_KEY"); key != "" {
		cfg.Realtime.APIKey = key
	}
	if tgToken := os.Getenv("TELEGRAM_BOT_TOKEN"); tgToken != "" {
		cfg.Telegram.Token = tgToken
	}
	if self := os.Getenv("INTERPSYNC_SELF_ID"); self != "" {
		cfg.SelfID = self
	}

	return cfg, nil
}

// Save writes cfg to path atomically, creating the directory if needed.
func Save(path string, cfg *Config) error {
	return writeDefaults(path, cfg)
}

func writeDefaults(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	return writeFile(path, append(data, '\n'))
}

func writeFile(path string, data []byte) error {
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename config: %w", err)
	}
	return nil
}

// ToMap converts cfg into its nested JSON form.
func ToMap(cfg *Config) (map[string]any, error) {
	data, err := json.Marshal(cfg)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return m, nil
}

// ListValues flattens cfg into dot keys, optionally masking secrets.
func ListValues(cfg *Config, mask bool) (map[string]any, error) {
	m, err := ToMap(cfg)
	if err != nil {
		return nil, err
	}
	flat := Flatten(m)
	if mask {
		flat = MaskSecrets(flat)
	}
	return flat, nil
}

// GetValue returns the value of a dot key in the file at path, writing
// defaults first if the file does not exist.
func GetValue(path, key string) (any, error) {
	if !IsKnownKey(key) {
		return nil, fmt.Errorf("unknown config key: %s", key)
	}
	if _, err := Load(path); err != nil {
		return nil, err
	}
	raw, err := readRaw(path)
	if err != nil {
		return nil, err
	}
	v, ok := Flatten(raw)[key]
	if !ok {
		return nil, fmt.Errorf("unknown config key: %s", key)
	}
	return v, nil
}

// SetValue sets a known dot key in the existing file at path, converting
// value to the field's type. Other keys in the file are left as they are.
func SetValue(path, key, value string) error {
	v, err := parseValue(key, value)
	if err != nil {
		return err
	}
	raw, err := readRaw(path)
	if err != nil {
		return err
	}
	flat := Flatten(raw)
	flat[key] = v
	data, err := json.MarshalIndent(Unflatten(flat), "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := json.Unmarshal(data, Defaults()); err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	return writeFile(path, append(data, '\n'))
}

func readRaw(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return m, nil
}

// ManagerConfig returns the subscription manager settings.
func (c *Config) ManagerConfig() realtime.ManagerConfig {
	return realtime.ManagerConfig{
		InitialDelay: dur(c.Realtime.InitialDelayMs),
		MaxDelay:     dur(c.Realtime.MaxDelayMs),
		Multiplier:   c.Realtime.Multiplier,
		MaxRetries:   c.Realtime.MaxRetries,
		DedupWindow:  c.Realtime.DedupWindow,
	}
}

func (c *Config) HealthConfig() realtime.HealthConfig {
	return realtime.HealthConfig{
		HeartbeatInterval:     dur(c.Health.HeartbeatIntervalMs),
		CheckInterval:         dur(c.Health.CheckIntervalMs),
		Timeout:               dur(c.Health.TimeoutMs),
		ForceReconnectTimeout: dur(c.Health.ForceReconnectTimeoutMs),
	}
}

func (c *Config) StatusConfig() presence.StatusConfig {
	return presence.StatusConfig{
		VerifyDelay:         dur(c.Status.VerifyDelayMs),
		RevertDelay:         dur(c.Status.RevertDelayMs),
		WriteTimeout:        dur(c.Status.WriteTimeoutMs),
		Cooldown:            dur(c.Status.CooldownMs),
		MaxFailedAttempts:   c.Status.MaxFailedAttempts,
		MaxConcurrentWrites: int64(c.Status.MaxConcurrentWrites),
	}
}

func (c *Config) ChatConfig() chat.ChatConfig {
	return chat.ChatConfig{
		SelfID:           types.OwnerID(c.SelfID),
		PageSize:         c.Chat.PageSize,
		SendAttempts:     c.Chat.SendAttempts,
		SendBackoff:      dur(c.Chat.SendBackoffMs),
		MentionReadDelay: dur(c.Chat.MentionReadDelayMs),
		PreviewLength:    c.Chat.PreviewLength,
	}
}

func ms(d time.Duration) int {
	return int(d / time.Millisecond)
}

func dur(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}
