package cli

import (
	"errors"
	"fmt"
	"time"

	"github.com/pquerna/otp/totp"
	"github.com/spf13/cobra"
	"golang.org/x/crypto/bcrypt"

	"bridge-agent/internal/handlers"
	"bridge-agent/internal/utils"
)

// NewTokenCommand creates the token command, which signs a session token
// with the configured secret for scripted API access.
func NewTokenCommand(rootOpts *RootOptions) *cobra.Command {
	var (
		address string
		admin   string
		ttl     time.Duration
	)

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a wallet or admin API token",
		Example: `  bridge-agent token --address 0x742d35Cc6634C0532925a3b0F26750C66d78EB66
  bridge-agent token --admin ops --ttl 1h`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if (address == "") == (admin == "") {
				return errors.New("exactly one of --address or --admin is required")
			}
			cfg, _, err := rootOpts.load()
			if err != nil {
				return err
			}
			issuer := handlers.NewTokenIssuer(cfg.Auth.JWTSecret, ttl)

			var token string
			if address != "" {
				addr, err := utils.ParseAddress(address)
				if err != nil {
					return err
				}
				token, err = issuer.IssueUserToken(addr)
				if err != nil {
					return err
				}
			} else {
				token, err = issuer.IssueAdminToken(admin)
				if err != nil {
					return err
				}
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}

	cmd.Flags().StringVar(&address, "address", "", "wallet address the token acts for")
	cmd.Flags().StringVar(&admin, "admin", "", "admin username")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	return cmd
}

// NewTOTPCommand creates the totp command.
func NewTOTPCommand() *cobra.Command {
	var (
		secret   string
		generate bool
		issuer   string
		account  string
	)

	cmd := &cobra.Command{
		Use:   "totp",
		Short: "Print the current admin TOTP code, or generate a new secret",
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			if generate {
				key, err := totp.Generate(totp.GenerateOpts{Issuer: issuer, AccountName: account})
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "Secret: %s\nURL: %s\n", key.Secret(), key.URL())
				return nil
			}
			if secret == "" {
				return errors.New("--secret or --generate is required")
			}
			code, err := totp.GenerateCode(secret, time.Now())
			if err != nil {
				return fmt.Errorf("generate TOTP code: %w", err)
			}
			fmt.Fprintf(out, "Current TOTP Code: %s\nValid for: ~30 seconds\n", code)
			return nil
		},
	}

	cmd.Flags().StringVar(&secret, "secret", "", "base32 TOTP secret")
	cmd.Flags().BoolVar(&generate, "generate", false, "generate a new secret")
	cmd.Flags().StringVar(&issuer, "issuer", "bridge-agent", "issuer for generated secrets")
	cmd.Flags().StringVar(&account, "account", "admin", "account name for generated secrets")
	return cmd
}

// NewHashPasswordCommand creates the hash-password command.
func NewHashPasswordCommand() *cobra.Command {
	var cost int
	cmd := &cobra.Command{
		Use:   "hash-password <password>",
		Short: "Print the bcrypt hash for admin.passwordHash",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			hash, err := bcrypt.GenerateFromPassword([]byte(args[0]), cost)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(hash))
			return nil
		},
	}
	cmd.Flags().IntVar(&cost, "cost", bcrypt.DefaultCost, "bcrypt cost")
	return cmd
}
