package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

type Config struct {
	GatewayToken  string  `json:"gateway_token" validate:"required"`
	AdminIDs      []int64 `json:"admin_ids"`
	GroupID       int64   `json:"group_id" validate:"required"`
	ContactHandle string  `json:"contact_handle"`
	WebBase       string  `json:"web_base" validate:"required_if=UseWebhook true,omitempty,url"`
	UseWebhook    bool    `json:"use_webhook"`
	DatabaseURL   string  `json:"database_url" validate:"required"`
	ListenAddr    string  `json:"listen_addr" validate:"required"`
	Env           string  `json:"env" validate:"oneof=production development"`
	LogLevel      string  `json:"log_level"`
	MetricsPrefix string  `json:"metrics_prefix"`
	SweepLimit    int     `json:"sweep_limit" validate:"gte=1,lte=5000"`
	SweepDelay    string  `json:"sweep_delay"`
	PreviewTTL    string  `json:"preview_ttl"`

	sweepDelay time.Duration
	previewTTL time.Duration
}

func defaultConfig() Config {
	return Config{
		UseWebhook:    true,
		DatabaseURL:   "sqlite:joinbot.db",
		ListenAddr:    ":8080",
		Env:           "production",
		LogLevel:      "info",
		MetricsPrefix: "joinbot",
		ContactHandle: "@support",
		SweepLimit:    500,
		SweepDelay:    "150ms",
		PreviewTTL:    "10s",
	}
}

func (c *Config) SweepInterval() time.Duration { return c.sweepDelay }
func (c *Config) PreviewLifetime() time.Duration { return c.previewTTL }

func (c *Config) IsAdmin(userID int64) bool {
	for _, id := range c.AdminIDs {
		if id == userID {
			return true
		}
	}
	return false
}

// validateConfigPath resolves filename inside configDir and rejects anything
// that is not a .json file below that directory.
func validateConfigPath(configDir, filename string) (string, error) {
	if filepath.Ext(filename) != ".json" {
		return "", fmt.Errorf("invalid file extension: %s", filename)
	}
	absDir, err := filepath.Abs(configDir)
	if err != nil {
		return "", fmt.Errorf("failed to resolve config directory: %w", err)
	}
	full := filename
	if !filepath.IsAbs(full) {
		full = filepath.Join(absDir, filename)
	}
	full = filepath.Clean(full)
	rel, err := filepath.Rel(absDir, full)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("config path escapes %s: %s", configDir, filename)
	}
	return full, nil
}

// loadConfig decodes a JSON config file over the defaults.
func loadConfig(filename string) (Config, error) {
	config := defaultConfig()
	file, err := os.Open(filename)
	if err != nil {
		return config, fmt.Errorf("failed to open config file: %w", err)
	}
	defer file.Close()

	if err := json.NewDecoder(file).Decode(&config); err != nil {
		return config, fmt.Errorf("failed to decode JSON: %w", err)
	}
	return config, nil
}

// loadAppConfig reads configDir/filename when present, applies environment
// overrides (including an optional .env file) and validates the result.
func loadAppConfig(configDir, filename string) (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("failed to load .env: %w", err)
	}

	path, err := validateConfigPath(configDir, filename)
	if err != nil {
		return Config{}, err
	}

	config := defaultConfig()
	if _, statErr := os.Stat(path); statErr == nil {
		config, err = loadConfig(path)
		if err != nil {
			return Config{}, err
		}
	}

	if err := applyEnv(&config, os.LookupEnv); err != nil {
		return Config{}, err
	}
	if err := validateConfig(&config); err != nil {
		return Config{}, err
	}
	return config, nil
}

func applyEnv(c *Config, lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	str("GATEWAY_BOT_TOKEN", &c.GatewayToken)
	str("WEB_BASE", &c.WebBase)
	str("DATABASE_URL", &c.DatabaseURL)
	str("LISTEN_ADDR", &c.ListenAddr)
	str("ENV", &c.Env)
	str("LOG_LEVEL", &c.LogLevel)
	str("CONTACT_HANDLE", &c.ContactHandle)

	if v, ok := lookup("GATEWAY_GROUP_ID"); ok && v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid GATEWAY_GROUP_ID: %w", err)
		}
		c.GroupID = id
	}
	if v, ok := lookup("GATEWAY_ADMIN_IDS"); ok && v != "" {
		ids, err := parseIDList(v)
		if err != nil {
			return fmt.Errorf("invalid GATEWAY_ADMIN_IDS: %w", err)
		}
		c.AdminIDs = ids
	}
	if v, ok := lookup("USE_WEBHOOK"); ok && v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid USE_WEBHOOK: %w", err)
		}
		c.UseWebhook = b
	}
	return nil
}

func parseIDList(s string) ([]int64, error) {
	var ids []int64
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := strconv.ParseInt(part, 10, 64)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

var configValidator = validator.New()

func validateConfig(c *Config) error {
	c.WebBase = strings.TrimRight(c.WebBase, "/")
	if err := configValidator.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	var err error
	if c.sweepDelay, err = time.ParseDuration(c.SweepDelay); err != nil {
		return fmt.Errorf("invalid sweep_delay: %w", err)
	}
	if c.sweepDelay <= 0 {
		return fmt.Errorf("invalid sweep_delay: %s must be positive", c.SweepDelay)
	}
	if c.previewTTL, err = time.ParseDuration(c.PreviewTTL); err != nil {
		return fmt.Errorf("invalid preview_ttl: %w", err)
	}
	if c.previewTTL <= 0 {
		return fmt.Errorf("invalid preview_ttl: %s must be positive", c.PreviewTTL)
	}
	return nil
}
