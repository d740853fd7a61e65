package main

import (
	"context"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

// tokenClaims are the claims the LMS puts in its access tokens. The CLI
// never holds the signing key, so tokens are parsed without verification
// and only used for display and defaults.
type tokenClaims struct {
	jwt.RegisteredClaims
	UID  string `json:"userId"`
	Role string `json:"role"`
}

// UserID prefers the explicit userId claim over the subject.
func (c *tokenClaims) UserID() string {
	if c.UID != "" {
		return c.UID
	}
	return c.Subject
}

func parseTokenClaims(token string) (*tokenClaims, error) {
	claims := &tokenClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return nil, fmt.Errorf("parse token: %w", err)
	}
	return claims, nil
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show current configuration and connection status",
	Long:  "Display the current configuration, check whether the access token has expired, and test the realtime channel.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		fmt.Println("Configuration:")
		fmt.Printf("  Base URL:    %s\n", valueOrDefault(cfg.Default.BaseURL, "(default)"))
		fmt.Printf("  User ID:     %s\n", valueOrDefault(cfg.Default.UserID, "(not set)"))
		fmt.Printf("  Cache:       %s\n", valueOrDefault(cfg.Cache.Backend, "file"))
		if cfg.Default.Token != "" {
			fmt.Printf("  Token:       %s\n", maskKey(cfg.Default.Token))
		} else {
			fmt.Println("  Token:       (not set)")
		}

		tokenStatus := "none"
		if cfg.Default.Token != "" {
			claims, err := parseTokenClaims(cfg.Default.Token)
			switch {
			case err != nil:
				tokenStatus = "present (not a JWT)"
			case claims.ExpiresAt == nil:
				tokenStatus = "present (no expiry set)"
			case time.Now().Before(claims.ExpiresAt.Time):
				tokenStatus = fmt.Sprintf("valid (expires %s)", claims.ExpiresAt.Format(time.RFC3339))
			default:
				tokenStatus = fmt.Sprintf("EXPIRED (expired %s)", claims.ExpiresAt.Format(time.RFC3339))
			}
			if err == nil && claims.Role != "" {
				fmt.Printf("  Role:        %s\n", claims.Role)
			}
		}
		fmt.Printf("  Token state: %s\n", tokenStatus)

		if cfg.Default.Token == "" {
			return nil
		}

		fmt.Println()
		fmt.Println("Live status:")
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		s, err := openSession(ctx, cfg, nil)
		if err != nil {
			fmt.Printf("  Error: %v\n", err)
			return nil
		}
		defer s.Close()

		if err := s.engine.EnsureConnected(ctx); err != nil {
			fmt.Printf("  Realtime:    unreachable (%v)\n", err)
		} else {
			fmt.Println("  Realtime:    connected")
		}
		chats := s.engine.Chats()
		unread := 0
		for _, c := range chats {
			unread += c.UnreadCount
		}
		fmt.Printf("  Chats:       %d\n", len(chats))
		fmt.Printf("  Unread:      %d\n", unread)
		return nil
	},
}

// maskKey shows the first 8 and last 4 characters of a token.
func maskKey(key string) string {
	if len(key) <= 12 {
		return "****"
	}
	return key[:8] + "..." + key[len(key)-4:]
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}
