// Package config loads the server configuration from a YAML file with
// environment variable overrides, and can watch the file for changes
// to the external-system credentials.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

type Server struct {
	Addr           string   `yaml:"addr"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

type Log struct {
	Level string `yaml:"level"`
	Sink  string `yaml:"sink"`
}

type Auth struct {
	TokenSecret string        `yaml:"token_secret"`
	TokenTTL    time.Duration `yaml:"token_ttl"`
}

type Database struct {
	// DSN empty selects the in-memory store.
	DSN string `yaml:"dsn"`
}

type DMS struct {
	BaseURL     string        `yaml:"base_url"`
	Login       string        `yaml:"login"`
	Password    string        `yaml:"password"`
	AuthScheme  string        `yaml:"auth_scheme"`
	UsersListID string        `yaml:"users_list_id"`
	FileListIDs []string      `yaml:"file_list_ids"`
	Timeout     time.Duration `yaml:"timeout"`
	MaxRetries  int           `yaml:"max_retries"`
}

type Sync struct {
	Cron      string        `yaml:"cron"`
	Staleness time.Duration `yaml:"staleness"`
	OnStart   bool          `yaml:"on_start"`
}

type Config struct {
	Server   Server   `yaml:"server"`
	Log      Log      `yaml:"log"`
	Auth     Auth     `yaml:"auth"`
	Database Database `yaml:"database"`
	DMS      DMS      `yaml:"dms"`
	Sync     Sync     `yaml:"sync"`
}

func defaults() Config {
	return Config{
		Server: Server{Addr: ":8080"},
		Log:    Log{Level: "info", Sink: "stdout"},
		Auth:   Auth{TokenTTL: 24 * time.Hour},
		DMS: DMS{
			AuthScheme: "plain-token",
			Timeout:    30 * time.Second,
			MaxRetries: 3,
		},
		Sync: Sync{
			Cron:      "*/15 * * * *",
			Staleness: time.Hour,
			OnStart:   true,
		},
	}
}

// Load reads the configuration file, if present, and applies
// environment overrides on top. A missing file is not an error; a
// malformed one is.
func Load(path string) (Config, error) {
	cfg := defaults()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil && !os.IsNotExist(err) {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err == nil {
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return Config{}, fmt.Errorf("parse config: %w", err)
			}
		}
	}
	applyEnv(&cfg)
	return cfg, cfg.validate()
}

func (c Config) validate() error {
	if strings.TrimSpace(c.Auth.TokenSecret) == "" {
		return fmt.Errorf("auth.token_secret is required")
	}
	if c.DMS.UsersListID != "" {
		if _, err := uuid.Parse(c.DMS.UsersListID); err != nil {
			return fmt.Errorf("dms.users_list_id: %w", err)
		}
	}
	for _, id := range c.DMS.FileListIDs {
		if _, err := uuid.Parse(id); err != nil {
			return fmt.Errorf("dms.file_list_ids: %w", err)
		}
	}
	return nil
}

// UsersListUUID returns the parsed users list id; validate has already
// checked the format.
func (d DMS) UsersListUUID() uuid.UUID {
	id, _ := uuid.Parse(d.UsersListID)
	return id
}

// FileListUUIDs returns the parsed file list ids.
func (d DMS) FileListUUIDs() []uuid.UUID {
	out := make([]uuid.UUID, 0, len(d.FileListIDs))
	for _, raw := range d.FileListIDs {
		if id, err := uuid.Parse(raw); err == nil {
			out = append(out, id)
		}
	}
	return out
}

func applyEnv(cfg *Config) {
	stringEnv("DOCUCHAT_ADDR", &cfg.Server.Addr)
	listEnv("DOCUCHAT_ALLOWED_ORIGINS", &cfg.Server.AllowedOrigins)
	stringEnv("DOCUCHAT_LOG_LEVEL", &cfg.Log.Level)
	stringEnv("DOCUCHAT_LOG_SINK", &cfg.Log.Sink)
	stringEnv("DOCUCHAT_TOKEN_SECRET", &cfg.Auth.TokenSecret)
	durationEnv("DOCUCHAT_TOKEN_TTL", &cfg.Auth.TokenTTL)
	stringEnv("DOCUCHAT_DATABASE_DSN", &cfg.Database.DSN)
	stringEnv("DOCUCHAT_DMS_BASE_URL", &cfg.DMS.BaseURL)
	stringEnv("DOCUCHAT_DMS_LOGIN", &cfg.DMS.Login)
	stringEnv("DOCUCHAT_DMS_PASSWORD", &cfg.DMS.Password)
	stringEnv("DOCUCHAT_DMS_AUTH_SCHEME", &cfg.DMS.AuthScheme)
	stringEnv("DOCUCHAT_DMS_USERS_LIST_ID", &cfg.DMS.UsersListID)
	listEnv("DOCUCHAT_DMS_FILE_LIST_IDS", &cfg.DMS.FileListIDs)
	durationEnv("DOCUCHAT_DMS_TIMEOUT", &cfg.DMS.Timeout)
	intEnv("DOCUCHAT_DMS_MAX_RETRIES", &cfg.DMS.MaxRetries)
	stringEnv("DOCUCHAT_SYNC_CRON", &cfg.Sync.Cron)
	durationEnv("DOCUCHAT_SYNC_STALENESS", &cfg.Sync.Staleness)
	boolEnv("DOCUCHAT_SYNC_ON_START", &cfg.Sync.OnStart)
}

func stringEnv(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func listEnv(key string, dst *[]string) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	*dst = out
}

func intEnv(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func boolEnv(key string, dst *bool) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func durationEnv(key string, dst *time.Duration) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}
