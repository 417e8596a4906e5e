package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dukerupert/eagleeyes/internal/database"
	"github.com/dukerupert/eagleeyes/internal/licenseclient"
	"github.com/dukerupert/eagleeyes/internal/licensing"
	"github.com/dukerupert/eagleeyes/internal/logging"
	"github.com/dukerupert/eagleeyes/internal/model"
	"github.com/dukerupert/eagleeyes/internal/signer"
	"github.com/dukerupert/eagleeyes/internal/store"
	"github.com/spf13/cobra"
	"golang.org/x/crypto/bcrypt"
)

func main() {
	if err := newRootCmd(os.Stdout).Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd(out io.Writer) *cobra.Command {
	var logLevel string

	root := &cobra.Command{
		Use:          "licensectl",
		Short:        "Operator tooling for the Eagle Eyes licensing service",
		SilenceUsage: true,
	}
	root.SetOut(out)
	root.PersistentFlags().StringVar(&logLevel, "log-level", envOr("LICENSING_LOG_LEVEL", "warn"), "Log level: debug|info|warn|error")

	logger := func() *slog.Logger {
		return logging.New(os.Stderr, logLevel, "text")
	}

	root.AddCommand(
		keygenCmd(out),
		hashPasswordCmd(out),
		addLicenseCmd(out, logger),
		checkCmd(out),
		requestTokenCmd(out),
	)
	return root
}

func keygenCmd(out io.Writer) *cobra.Command {
	var dir, name string
	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate an Ed25519 key pair for signing token codes",
		RunE: func(cmd *cobra.Command, args []string) error {
			pub, priv, err := signer.Generate()
			if err != nil {
				return fmt.Errorf("generate key: %w", err)
			}
			privPEM, err := signer.EncodePrivateKeyPEM(priv)
			if err != nil {
				return err
			}
			pubPEM, err := signer.EncodePublicKeyPEM(pub)
			if err != nil {
				return err
			}

			privPath := filepath.Join(dir, name+".pem")
			pubPath := filepath.Join(dir, name+".pub.pem")
			if _, err := os.Stat(privPath); err == nil {
				return fmt.Errorf("%s already exists", privPath)
			}
			if err := os.WriteFile(privPath, privPEM, 0o600); err != nil {
				return fmt.Errorf("write private key: %w", err)
			}
			if err := os.WriteFile(pubPath, pubPEM, 0o644); err != nil {
				return fmt.Errorf("write public key: %w", err)
			}
			fmt.Fprintf(out, "kid=%s\nprivate=%s\npublic=%s\n", signer.KeyID(pub), privPath, pubPath)
			return nil
		},
	}
	cmd.Flags().StringVar(&dir, "dir", ".", "Directory to write the key files to")
	cmd.Flags().StringVar(&name, "name", "signing", "Base name of the key files")
	return cmd
}

func hashPasswordCmd(out io.Writer) *cobra.Command {
	var password string
	var cost int
	cmd := &cobra.Command{
		Use:   "hash-password",
		Short: "Hash the extra security password for LICENSING_ADMIN_PASSWORD_HASH",
		RunE: func(cmd *cobra.Command, args []string) error {
			if password == "" {
				b, err := io.ReadAll(io.LimitReader(cmd.InOrStdin(), 1024))
				if err != nil {
					return fmt.Errorf("read password: %w", err)
				}
				password = strings.TrimRight(string(b), "\r\n")
			}
			if password == "" {
				return fmt.Errorf("--password or stdin is required")
			}
			hash, err := bcrypt.GenerateFromPassword([]byte(password), cost)
			if err != nil {
				return fmt.Errorf("hash password: %w", err)
			}
			fmt.Fprintln(out, string(hash))
			return nil
		},
	}
	cmd.Flags().StringVar(&password, "password", "", "Password to hash (read from stdin when empty)")
	cmd.Flags().IntVar(&cost, "cost", bcrypt.DefaultCost, "bcrypt cost")
	return cmd
}

func addLicenseCmd(out io.Writer, logger func() *slog.Logger) *cobra.Command {
	var (
		dbPath    string
		req       licensing.AddLicenseRequest
		expiry    string
		separate  bool
		outFormat string
	)
	cmd := &cobra.Command{
		Use:   "add-license",
		Short: "Create or update a license directly in the database",
		RunE: func(cmd *cobra.Command, args []string) error {
			exp, err := model.ParseExpiry(expiry)
			if err != nil {
				return err
			}
			req.Expiry = exp
			req.SeparateLicenses = separate

			db, err := database.Open(dbPath)
			if err != nil {
				return fmt.Errorf("open database: %w", err)
			}
			defer db.Close()

			svc := licensing.NewService(store.NewLicenseStore(db), store.NewTokenStore(db), nil,
				licensing.Config{}, logger())
			results, err := svc.AddLicense(cmd.Context(), req)
			if err != nil {
				return err
			}

			if outFormat == "json" {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(results)
			}
			for id, res := range results {
				fmt.Fprintf(out, "%s\t%s\t%s\t%d\t%s\n", id, res.NewLicense.Name, res.NewLicense.Tier,
					res.NewLicense.NTokens, res.NewLicense.Expiry)
			}
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&dbPath, "db", envOr("LICENSING_DB_PATH", "licensing.db"), "SQLite database path")
	f.StringVar(&req.Name, "name", "", "License name")
	f.StringSliceVar(&req.Emails, "email", nil, "Licensed email (repeatable)")
	f.StringSliceVar(&req.Domains, "domain", nil, "Licensed email domain (repeatable)")
	f.StringVar(&req.Tier, "tier", "", "Tier: basic|pro|sar|enterprise")
	f.IntVar(&req.NTokens, "tokens", 1, "Number of machines that may hold a token at once")
	f.StringVar(&expiry, "expiry", "", "Expiry as YYYY-MM-DD, RFC 3339 or Unix seconds; empty never expires")
	f.StringVar(&req.LicenseID, "id", "", "License id to create or overwrite; generated when empty")
	f.BoolVar(&req.IsPublic, "public", false, "Do not record requesting emails on the license")
	f.BoolVar(&separate, "separate", false, "Issue one license per email")
	f.StringVar(&outFormat, "out", "text", "Output format: json|text")
	cmd.MarkFlagRequired("name")
	cmd.MarkFlagRequired("tier")
	return cmd
}

type clientFlags struct {
	baseURL   string
	idToken   string
	machineID string
	licenseID string
	timeout   time.Duration
}

func (f *clientFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.baseURL, "url", envOr("LICENSING_URL", "http://localhost:8080"), "Licensing service base URL")
	cmd.Flags().StringVar(&f.idToken, "id-token", os.Getenv("LICENSING_ID_TOKEN"), "Identity provider ID token")
	cmd.Flags().StringVar(&f.machineID, "machine-id", hostname(), "Machine id")
	cmd.Flags().StringVar(&f.licenseID, "license-id", "", "License id")
	cmd.Flags().DurationVar(&f.timeout, "timeout", 30*time.Second, "Request timeout")
}

func (f *clientFlags) client() *licenseclient.Client {
	return licenseclient.NewClient(licenseclient.Config{
		BaseURL:   f.baseURL,
		MachineID: f.machineID,
		IDToken:   f.idToken,
	})
}

func checkCmd(out io.Writer) *cobra.Command {
	var f clientFlags
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Show this machine's tokens and the licenses available to the user",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), f.timeout)
			defer cancel()
			result, err := f.client().Check(ctx, f.licenseID)
			if err != nil {
				return err
			}
			return printJSON(out, result)
		},
	}
	f.register(cmd)
	return cmd
}

func requestTokenCmd(out io.Writer) *cobra.Command {
	var f clientFlags
	cmd := &cobra.Command{
		Use:   "request-token",
		Short: "Request a token for this machine from a license",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), f.timeout)
			defer cancel()
			tc, err := f.client().RequestToken(ctx, f.licenseID)
			if err != nil {
				return err
			}
			return printJSON(out, tc)
		},
	}
	f.register(cmd)
	cmd.MarkFlagRequired("license-id")
	return cmd
}

func printJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func envOr(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func hostname() string {
	h, err := os.Hostname()
	if err != nil {
		return ""
	}
	return h
}
