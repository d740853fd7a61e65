package main

import (
	"fmt"
	"os"
	"path/filepath"

	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
)

// ============================================================================
// Config types
// ============================================================================

// Config represents the CLI configuration stored in ~/.dmsync/config.toml.
type Config struct {
	Default ConfigDefault `toml:"default"`
	Cache   ConfigCache   `toml:"cache"`
	Log     ConfigLog     `toml:"log"`
}

// ConfigDefault holds the server and identity settings.
type ConfigDefault struct {
	BaseURL string `toml:"base_url"`
	Token   string `toml:"token"`
	UserID  string `toml:"user_id"`
}

// ConfigCache selects where the chat cache lives.
type ConfigCache struct {
	// Backend is one of file, sqlite, redis or memory. Empty means file.
	Backend  string `toml:"backend"`
	Path     string `toml:"path"`
	RedisURL string `toml:"redis_url"`
}

// ConfigLog controls diagnostic output on stderr.
type ConfigLog struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// ============================================================================
// Config helpers
// ============================================================================

// configDir returns the path to ~/.dmsync, creating it if needed.
func configDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	dir := filepath.Join(home, ".dmsync")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("cannot create config directory: %w", err)
	}
	return dir, nil
}

// configPath returns the full path to the config file.
func configPath() (string, error) {
	dir, err := configDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// loadConfig reads and parses the config file.
// If the file does not exist, it returns a zero-value Config.
func loadConfig() (*Config, error) {
	path, err := configPath()
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Config{}, nil
		}
		return nil, fmt.Errorf("cannot read config: %w", err)
	}
	return parseConfig(data)
}

func parseConfig(data []byte) (*Config, error) {
	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config: %w", err)
	}
	return &cfg, nil
}

// saveConfig writes the config struct back to disk as TOML.
func saveConfig(cfg *Config) error {
	path, err := configPath()
	if err != nil {
		return err
	}
	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("cannot write config: %w", err)
	}
	return nil
}

// ============================================================================
// Root command
// ============================================================================

var (
	flagLogLevel string
	flagJSON     bool
)

var rootCmd = &cobra.Command{
	Use:   "dmsync",
	Short: "LMS direct-message client",
	Long:  "Command-line client for LMS direct messages.\nList chats, read history, send messages and watch live traffic.",
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagLogLevel, "log-level", "", "override log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().BoolVar(&flagJSON, "json", false, "print raw JSON")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
