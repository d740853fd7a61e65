package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var (
	initUserID  string
	initBaseURL string
)

func init() {
	rootCmd.AddCommand(initCmd)
	initCmd.Flags().StringVar(&initUserID, "user-id", "", "LMS user ID (default: taken from the token)")
	initCmd.Flags().StringVar(&initBaseURL, "base-url", "", "LMS server URL")
}

var initCmd = &cobra.Command{
	Use:   "init <token>",
	Short: "Store the access token in ~/.dmsync/config.toml",
	Long:  "Initialize dmsync by storing your LMS access token in the local configuration file.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		token := args[0]

		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		cfg.Default.Token = token
		if initBaseURL != "" {
			cfg.Default.BaseURL = initBaseURL
		}
		switch {
		case initUserID != "":
			cfg.Default.UserID = initUserID
		case cfg.Default.UserID == "":
			if claims, err := parseTokenClaims(token); err == nil {
				cfg.Default.UserID = claims.UserID()
			}
		}
		if cfg.Cache.Backend == "" {
			cfg.Cache.Backend = "file"
		}

		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		path, _ := configPath()
		fmt.Printf("Token saved to %s\n", path)
		if cfg.Default.UserID == "" {
			fmt.Println("No user ID found in the token. Set one with 'dmsync config set default.user_id <id>'.")
		}
		return nil
	},
}
