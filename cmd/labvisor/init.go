package main

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/loykin/labvisor/internal/auth"
	"github.com/loykin/labvisor/pkg/template"
)

// InitFlags holds flags for the init command.
type InitFlags struct {
	Profile       string
	Output        string
	Force         bool
	Root          string
	Listen        string
	AdminUser     string
	AdminPassword string
	HistoryDSN    string
}

func createInitCommand() *cobra.Command {
	f := &InitFlags{}
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a starter labvisor.toml",
		Long: `Write a starter config file.

Profiles:
  dev      - local use, no auth (alias: local)
  shared   - auth, self-signed TLS and a daily trash purge (alias: team)
  history  - dev plus a sqlite history sink, metrics and JSON logs
  full     - shared plus history

Examples:
  labvisor init
  labvisor init --profile shared --admin-user ops
  labvisor init --profile history --history-dsn postgres://u:p@db/labvisor -o -`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return initConfig(cmd.InOrStdin(), cmd.OutOrStdout(), cmd.ErrOrStderr(), f)
		},
	}
	cmd.Flags().StringVar(&f.Profile, "profile", string(template.ProfileDev), "config profile: dev, shared, history, full")
	cmd.Flags().StringVarP(&f.Output, "output", "o", "labvisor.toml", "output file, - for stdout")
	cmd.Flags().BoolVar(&f.Force, "force", false, "overwrite an existing file")
	cmd.Flags().StringVar(&f.Root, "root", "", "active versions directory")
	cmd.Flags().StringVar(&f.Listen, "listen", "", "API listen address")
	cmd.Flags().StringVar(&f.AdminUser, "admin-user", "admin", "first admin user for profiles with auth")
	cmd.Flags().StringVar(&f.AdminPassword, "admin-password", "", "admin password (prompted when empty)")
	cmd.Flags().StringVar(&f.HistoryDSN, "history-dsn", "", "history sink DSN")
	return cmd
}

func initConfig(in io.Reader, out, prompt io.Writer, f *InitFlags) error {
	profile := template.Profile(f.Profile)
	opts := template.Options{
		Root:       f.Root,
		Listen:     f.Listen,
		AdminUser:  f.AdminUser,
		HistoryDSN: f.HistoryDSN,
	}
	if profile.NeedsAuth() {
		pw := f.AdminPassword
		if pw == "" {
			p, err := readPassword(in, prompt, fmt.Sprintf("Password for %s: ", f.AdminUser))
			if err != nil {
				return err
			}
			pw = p
		}
		hash, err := auth.HashPassword(pw, 0)
		if err != nil {
			return err
		}
		secret, err := randomSecret()
		if err != nil {
			return err
		}
		opts.AdminPasswordHash, opts.JWTSecret = hash, secret
	}

	body, err := template.NewGenerator().GenerateTOML(profile, opts)
	if err != nil {
		return err
	}
	if f.Output == "-" {
		_, err = out.Write(body)
		return err
	}
	if _, err := os.Stat(f.Output); err == nil && !f.Force {
		return fmt.Errorf("%s already exists (use --force to overwrite)", f.Output)
	} else if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	if dir := filepath.Dir(f.Output); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	// the file may carry a password hash and a signing secret
	if err := os.WriteFile(f.Output, body, 0o600); err != nil {
		return fmt.Errorf("write %s: %w", f.Output, err)
	}
	_, _ = fmt.Fprintf(out, "wrote %s (%s profile)\n", f.Output, profile)
	return nil
}

func randomSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate jwt secret: %w", err)
	}
	return hex.EncodeToString(b), nil
}
