package main

import (
	"errors"
	"fmt"
	"net/url"
	"path/filepath"
	"sort"
	"strings"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configKeysCmd)
}

// configKey is one settable entry of config.toml.
type configKey struct {
	help   string
	choice []string
	get    func(*Config) string
	set    func(*Config, string)
	check  func(string) error
	secret bool
}

var configKeys = map[string]configKey{
	"default.base_url": {
		help:  "LMS server origin",
		get:   func(c *Config) string { return c.Default.BaseURL },
		set:   func(c *Config, v string) { c.Default.BaseURL = strings.TrimRight(v, "/") },
		check: checkBaseURL,
	},
	"default.token": {
		help:   "bearer access token",
		get:    func(c *Config) string { return c.Default.Token },
		set:    func(c *Config, v string) { c.Default.Token = v },
		secret: true,
	},
	"default.user_id": {
		help: "own user id, read from the token when empty",
		get:  func(c *Config) string { return c.Default.UserID },
		set:  func(c *Config, v string) { c.Default.UserID = v },
	},
	"cache.backend": {
		help:   "chat cache backend",
		choice: []string{"file", "sqlite", "redis", "memory"},
		get:    func(c *Config) string { return c.Cache.Backend },
		set:    func(c *Config, v string) { c.Cache.Backend = strings.ToLower(v) },
	},
	"cache.path": {
		help: "cache file or database for the file and sqlite backends",
		get:  func(c *Config) string { return c.Cache.Path },
		set:  func(c *Config, v string) { c.Cache.Path = v },
	},
	"cache.redis_url": {
		help:   "redis:// URL for the redis backend",
		get:    func(c *Config) string { return c.Cache.RedisURL },
		set:    func(c *Config, v string) { c.Cache.RedisURL = v },
		check:  checkRedisURL,
		secret: true,
	},
	"log.level": {
		help:   "diagnostic log level",
		choice: []string{"debug", "info", "warn", "error"},
		get:    func(c *Config) string { return c.Log.Level },
		set:    func(c *Config, v string) { c.Log.Level = strings.ToLower(v) },
	},
	"log.format": {
		help:   "diagnostic log encoding",
		choice: []string{"console", "json"},
		get:    func(c *Config) string { return c.Log.Format },
		set:    func(c *Config, v string) { c.Log.Format = strings.ToLower(v) },
	},
}

func sortedConfigKeys() []string {
	keys := make([]string, 0, len(configKeys))
	for k := range configKeys {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// setConfigValue sets a config field using dot notation (e.g. "default.token").
// An empty value resets the field to its default.
func setConfigValue(cfg *Config, key, value string) error {
	section, field, ok := strings.Cut(key, ".")
	if !ok {
		return fmt.Errorf("key must use dot notation: section.field (e.g. default.base_url)")
	}
	k, known := configKeys[key]
	if !known {
		switch section {
		case "default", "cache", "log":
			return fmt.Errorf("unknown field %q in section [%s]", field, section)
		}
		return fmt.Errorf("unknown config section %q (valid: default, cache, log)", section)
	}
	if value != "" {
		if len(k.choice) > 0 && !containsFold(k.choice, value) {
			return fmt.Errorf("invalid %s %q (valid: %s)", key, value, strings.Join(k.choice, ", "))
		}
		if k.check != nil {
			if err := k.check(value); err != nil {
				return fmt.Errorf("invalid %s: %w", key, err)
			}
		}
	}
	k.set(cfg, value)
	return nil
}

// checkConfig reports settings that are valid alone but unusable together.
func checkConfig(cfg *Config) []string {
	var problems []string
	if cfg.Default.Token == "" {
		problems = append(problems, "default.token is not set; run 'dmsync init <token>'")
	} else if cfg.Default.UserID == "" {
		if claims, err := parseTokenClaims(cfg.Default.Token); err != nil || claims.UserID() == "" {
			problems = append(problems, "default.user_id is not set and the token carries none")
		}
	}
	switch cfg.Cache.Backend {
	case "redis":
		if cfg.Cache.RedisURL == "" {
			problems = append(problems, "cache.backend is redis but cache.redis_url is not set")
		}
		if cfg.Cache.Path != "" {
			problems = append(problems, "cache.path is ignored by the redis backend")
		}
	case "memory":
		if cfg.Cache.Path != "" || cfg.Cache.RedisURL != "" {
			problems = append(problems, "the memory backend ignores cache.path and cache.redis_url")
		}
	default:
		if cfg.Cache.RedisURL != "" {
			problems = append(problems, "cache.redis_url is only used by the redis backend")
		}
	}
	return problems
}

// cacheLocation describes where the configured backend keeps the cache.
func cacheLocation(cfg ConfigCache) (string, error) {
	switch cfg.Backend {
	case "memory":
		return "(in memory)", nil
	case "redis":
		if cfg.RedisURL == "" {
			return "", errors.New("cache.redis_url is required for the redis backend")
		}
		u, err := url.Parse(cfg.RedisURL)
		if err != nil {
			return "", fmt.Errorf("parse cache.redis_url: %w", err)
		}
		return u.Redacted(), nil
	case "", "file", "sqlite":
		if cfg.Path != "" {
			return cfg.Path, nil
		}
		dir, err := configDir()
		if err != nil {
			return "", err
		}
		if cfg.Backend == "sqlite" {
			return filepath.Join(dir, "cache.db"), nil
		}
		return filepath.Join(dir, "cache"), nil
	}
	return "", fmt.Errorf("unknown cache backend %q", cfg.Backend)
}

func checkBaseURL(v string) error {
	u, err := url.Parse(v)
	if err != nil {
		return err
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return errors.New("want an http or https origin such as https://lms.example.com")
	}
	return nil
}

func checkRedisURL(v string) error {
	u, err := url.Parse(v)
	if err != nil {
		return err
	}
	if u.Scheme != "redis" && u.Scheme != "rediss" {
		return errors.New("want a redis:// or rediss:// URL")
	}
	return nil
}

func containsFold(list []string, v string) bool {
	for _, s := range list {
		if strings.EqualFold(s, v) {
			return true
		}
	}
	return false
}

// ============================================================================
// Commands
// ============================================================================

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage dmsync configuration",
	Long:  "View or modify the dmsync configuration stored in ~/.dmsync/config.toml.",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		for _, key := range sortedConfigKeys() {
			k := configKeys[key]
			v := k.get(cfg)
			switch {
			case v == "":
				v = "(default)"
			case key == "default.token":
				v = maskKey(v)
			case k.secret:
				if u, err := url.Parse(v); err == nil {
					v = u.Redacted()
				}
			}
			fmt.Printf("%-18s %s\n", key, v)
		}
		if loc, err := cacheLocation(cfg.Cache); err == nil {
			fmt.Printf("%-18s %s\n", "cache location", loc)
		}
		for _, p := range checkConfig(cfg) {
			fmt.Printf("warning: %s\n", p)
		}
		return nil
	},
}

var configKeysCmd = &cobra.Command{
	Use:   "keys",
	Short: "List the settable configuration keys",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		for _, key := range sortedConfigKeys() {
			k := configKeys[key]
			line := fmt.Sprintf("%-18s %s", key, k.help)
			if len(k.choice) > 0 {
				line += " (" + strings.Join(k.choice, "|") + ")"
			}
			fmt.Println(line)
		}
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long:  "Set a configuration value using dot notation. An empty value restores the default.\nExample: dmsync config set cache.backend sqlite\nRun 'dmsync config keys' for the full list.",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if err := setConfigValue(cfg, key, value); err != nil {
			return err
		}
		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		if configKeys[key].secret && value != "" {
			value = maskKey(value)
		}
		fmt.Printf("Set %s = %s\n", key, value)
		for _, p := range checkConfig(cfg) {
			fmt.Printf("warning: %s\n", p)
		}
		return nil
	},
}
