package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	massager "github.com/massager-chat/massager-go"
	"github.com/spf13/cobra"
)

var (
	loginPassword string

	registerEmail    string
	registerPassword string
)

func init() {
	loginCmd.Flags().StringVarP(&loginPassword, "password", "p", "", "Password (default: MASSAGER_PASSWORD or prompt)")
	registerCmd.Flags().StringVar(&registerEmail, "email", "", "Email address for verification")
	registerCmd.Flags().StringVarP(&registerPassword, "password", "p", "", "Password (default: MASSAGER_PASSWORD or prompt)")

	rootCmd.AddCommand(loginCmd)
	rootCmd.AddCommand(registerCmd)
	rootCmd.AddCommand(resendCmd)
	rootCmd.AddCommand(verifyCmd)
	rootCmd.AddCommand(logoutCmd)
}

// readPassword returns the flag value, then MASSAGER_PASSWORD, then a line
// read from stdin.
func readPassword(flag string) (string, error) {
	if flag != "" {
		return flag, nil
	}
	if env := os.Getenv("MASSAGER_PASSWORD"); env != "" {
		return env, nil
	}
	fmt.Fprint(os.Stderr, "Password: ")
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && line == "" {
		return "", fmt.Errorf("cannot read password: %w", err)
	}
	return strings.TrimRight(line, "\r\n"), nil
}

// ============================================================================
// login
// ============================================================================

var loginCmd = &cobra.Command{
	Use:   "login <username>",
	Short: "Log in and store the token locally",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		username := args[0]
		password, err := readPassword(loginPassword)
		if err != nil {
			return err
		}
		client, _, err := getClient()
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		res := client.Login(ctx, username, password)
		if err := res.Failure(); err != nil {
			if errors.Is(err, massager.ErrEmailNotVerified) {
				fmt.Fprintf(os.Stderr, "Your email address is not verified yet.\nCheck your inbox, or run 'massager resend-verification %s'.\n", username)
			}
			return apiError("login failed", res)
		}
		var data massager.LoginData
		if err := res.Decode(&data); err != nil {
			return fmt.Errorf("failed to decode login response: %w", err)
		}

		creds, err := getCredentials()
		if err != nil {
			return err
		}
		if err := creds.Save(massager.Identity{Username: username, Token: data.Token}); err != nil {
			return fmt.Errorf("failed to save credentials: %w", err)
		}
		fmt.Printf("Logged in as %s\n", username)
		if exp, ok := massager.TokenExpiry(data.Token); ok {
			fmt.Printf("  Token expires: %s\n", exp.Local().Format(time.RFC1123))
		}

		client.SetToken(data.Token)
		status := client.VerificationStatus(ctx)
		var vs massager.VerificationStatus
		if status.OK && status.Decode(&vs) == nil && !vs.Verified {
			fmt.Println("  Warning: your email address is not verified.")
		}
		return nil
	},
}

// ============================================================================
// register
// ============================================================================

var registerCmd = &cobra.Command{
	Use:   "register <username>",
	Short: "Create an account",
	Long:  "Create a new account. A verification link is sent to the email address.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		password, err := readPassword(registerPassword)
		if err != nil {
			return err
		}
		client, _, err := getClient()
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		res := client.Register(ctx, massager.RegisterRequest{
			Username: args[0],
			Email:    registerEmail,
			Password: password,
		})
		if res.Failure() != nil {
			return apiError("registration failed", res)
		}

		fmt.Println("Registration successful!")
		fmt.Printf("  Username: %s\n", args[0])
		fmt.Printf("  Email:    %s\n", registerEmail)
		fmt.Println("Verify your email address, then run 'massager login'.")
		return nil
	},
}

// ============================================================================
// resend-verification / verify
// ============================================================================

var resendCmd = &cobra.Command{
	Use:   "resend-verification <email-or-username>",
	Short: "Send the verification email again",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, _, err := getClient()
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if res := client.ResendVerification(ctx, args[0]); res.Failure() != nil {
			return apiError("resend failed", res)
		}
		fmt.Println("Verification email sent.")
		return nil
	},
}

var verifyCmd = &cobra.Command{
	Use:   "verify <token>",
	Short: "Verify an email address with the token from the verification link",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, _, err := getClient()
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if res := client.VerifyEmail(ctx, args[0]); res.Failure() != nil {
			return apiError("verification failed", res)
		}
		fmt.Println("Email verified. You can now log in.")
		return nil
	},
}

// ============================================================================
// logout
// ============================================================================

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Delete the stored token and preferences",
	RunE: func(cmd *cobra.Command, args []string) error {
		creds, err := getCredentials()
		if err != nil {
			return err
		}
		if err := creds.Clear(); err != nil {
			return fmt.Errorf("failed to clear credentials: %w", err)
		}
		fmt.Println("Logged out.")
		return nil
	},
}
