package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"keyauthority/auth"
	"keyauthority/server"
)

func configCmd(flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Create or check the configuration file",
	}

	var interactive bool
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write a configuration file with a freshly generated app secret",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := flags.logger()
			if err != nil {
				return err
			}
			var in io.Reader
			if interactive {
				in = cmd.InOrStdin()
			}
			if err := runConfigInit(flags.configPath, in, cmd.OutOrStdout()); err != nil {
				return fmt.Errorf("config init failed: %w", err)
			}
			logger.Info("configuration initialized successfully", "path", flags.configPath)
			return nil
		},
	}
	initCmd.Flags().BoolVarP(&interactive, "interactive", "i", false, "Prompt for the main settings")

	var checkProvider bool
	validateCmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate the configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := flags.logger()
			if err != nil {
				return err
			}
			if err := runConfigValidate(cmd.Context(), flags.configPath, logger, checkProvider); err != nil {
				return fmt.Errorf("config validation failed: %w", err)
			}
			logger.Info("configuration is valid", "path", flags.configPath)
			return nil
		},
	}
	validateCmd.Flags().BoolVar(&checkProvider, "check-provider", true, "Run OIDC discovery against the configured issuer")

	cmd.AddCommand(initCmd, validateCmd)
	return cmd
}

// runConfigInit writes a default config. With a non-nil in it prompts for
// the main settings first.
func runConfigInit(path string, in io.Reader, out io.Writer) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file already exists at %s. Remove it first or use a different path", path)
	}

	cfg := server.DefaultConfig()
	secret, err := server.GenerateAppSecret()
	if err != nil {
		return err
	}
	cfg.Auth.AppSecret = secret

	if in != nil {
		runSetup(&cfg, bufio.NewReader(in), out)
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	return writeConfigFile(path, cfg)
}

func runSetup(cfg *server.Config, reader *bufio.Reader, out io.Writer) {
	fmt.Fprintln(out, "Starting guided setup. Press Enter to accept defaults.")

	devMode := askYesNo(reader, out, "Run in development mode?", true)
	cfg.Server.DevMode = devMode

	if devMode {
		cfg.Server.DevListenAddr = ask(reader, out, "Dev listen address", cfg.Server.DevListenAddr)
		cfg.Server.PublicURL = strings.TrimSuffix(ask(reader, out, "Public URL", cfg.Server.PublicURL), "/")
	} else {
		domain := askRequired(reader, out, "Public domain (e.g. keys.example.com)")
		cfg.Server.TLS.Domains = []string{domain}
		cfg.Server.PublicURL = "https://" + strings.TrimSuffix(domain, "/")
		cfg.Server.TLS.Email = ask(reader, out, "ACME contact email", cfg.Server.TLS.Email)
	}

	cfg.Auth.OAuth.IssuerURL = strings.TrimSuffix(ask(reader, out, "OIDC issuer URL", cfg.Auth.OAuth.IssuerURL), "/")
	cfg.Auth.OAuth.ClientID = ask(reader, out, "OAuth client ID", cfg.Auth.OAuth.ClientID)
	cfg.Auth.OAuth.ClientSecret = ask(reader, out, "OAuth client secret (empty for a public client)", "")
	cfg.Database.URL = ask(reader, out, "Database URL", cfg.Database.URL)
}

func runConfigValidate(ctx context.Context, path string, logger *slog.Logger, checkProvider bool) error {
	cfg, err := loadConfig(path, logger)
	if err != nil {
		return err
	}
	secrets, err := cfg.SecretMaterial()
	if err != nil {
		return err
	}
	if !checkProvider {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if _, err := auth.NewOIDCProvider(ctx, secrets, auth.NoRedirectClient(10*time.Second), logger); err != nil {
		return err
	}
	logger.Info("provider discovery succeeded", "issuer", secrets.IssuerURL)
	return nil
}

func ask(reader *bufio.Reader, out io.Writer, prompt, def string) string {
	if def != "" {
		fmt.Fprintf(out, "%s [%s]: ", prompt, def)
	} else {
		fmt.Fprintf(out, "%s: ", prompt)
	}
	input, _ := reader.ReadString('\n')
	input = strings.TrimSpace(input)
	if input == "" {
		return strings.TrimSpace(def)
	}
	return input
}

func askRequired(reader *bufio.Reader, out io.Writer, prompt string) string {
	for {
		fmt.Fprintf(out, "%s: ", prompt)
		input, err := reader.ReadString('\n')
		input = strings.TrimSpace(input)
		if input != "" {
			return input
		}
		if err != nil {
			return ""
		}
		fmt.Fprintln(out, "This value is required. Please enter a value.")
	}
}

func askYesNo(reader *bufio.Reader, out io.Writer, prompt string, def bool) bool {
	defLabel := "Y"
	if !def {
		defLabel = "N"
	}
	for {
		fmt.Fprintf(out, "%s [%s]: ", prompt, defLabel)
		input, err := reader.ReadString('\n')
		input = strings.TrimSpace(strings.ToLower(input))
		if input == "" {
			return def
		}
		switch input {
		case "y", "yes":
			return true
		case "n", "no":
			return false
		}
		if err != nil {
			return def
		}
		fmt.Fprintln(out, "Please enter 'y' or 'n'.")
	}
}

func writeConfigFile(path string, cfg server.Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config dir: %w", err)
		}
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}
