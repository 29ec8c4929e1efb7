package main

import (
	"context"
	"fmt"
	"time"

	massager "github.com/massager-chat/massager-go"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show current configuration and account status",
	Long:  "Display the current configuration, check if the stored token is expired, and fetch the live verification status.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		fmt.Println("Configuration:")
		fmt.Printf("  Server:        %s\n", baseURL(cfg))
		limit := cfg.Default.HistoryLimit
		if limit == 0 {
			limit = massager.DefaultHistoryLimit
		}
		fmt.Printf("  History limit: %d\n", limit)

		fmt.Println()
		fmt.Println("Auth:")
		fmt.Printf("  Username: %s\n", valueOrDefault(cfg.Auth.Username, "(not logged in)"))

		tokenStatus := "none"
		expired := false
		if cfg.Auth.Token != "" {
			if exp, ok := massager.TokenExpiry(cfg.Auth.Token); ok {
				if time.Now().Before(exp) {
					tokenStatus = fmt.Sprintf("valid (expires %s)", exp.Format(time.RFC3339))
				} else {
					tokenStatus = fmt.Sprintf("EXPIRED (expired %s)", exp.Format(time.RFC3339))
					expired = true
				}
			} else {
				tokenStatus = "present (no expiry)"
			}
		}
		fmt.Printf("  Token:    %s\n", tokenStatus)

		if cfg.Auth.Token == "" || expired {
			return nil
		}

		fmt.Println()
		fmt.Println("Live status:")
		client, _, err := getAuthedClient()
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		res := client.VerificationStatus(ctx)
		if err := res.Failure(); err != nil {
			fmt.Printf("  Error fetching status: %v\n", err)
			return nil
		}
		var vs massager.VerificationStatus
		if err := res.Decode(&vs); err != nil {
			fmt.Printf("  Error decoding response: %v\n", err)
			return nil
		}
		if vs.Verified {
			fmt.Println("  Email:    verified")
		} else {
			fmt.Println("  Email:    NOT verified (run 'massager resend-verification <email>')")
		}

		chats := client.ListChats(ctx)
		var list massager.ChatList
		if chats.OK && chats.Decode(&list) == nil {
			fmt.Printf("  Chats:    %d\n", len(list.Chats))
		}
		return nil
	},
}
