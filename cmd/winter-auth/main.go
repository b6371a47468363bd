package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/winter-ide/winter-auth/internal/config"
	"github.com/winter-ide/winter-auth/internal/daemon"
)

// Version information (set via ldflags at build time)
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

// Global flags
var (
	configFile string
	logLevel   string
	logFormat  string
)

// Exit codes
const (
	ExitSuccess  = 0
	ExitError    = 1
	ExitConfig   = 3
	ExitRejected = 4 // open-uri: daemon rejected the redirect
)

var rootCmd = &cobra.Command{
	Use:   "winter-auth",
	Short: "Winter account sign-in daemon and CLI",
	Long: `Signs in to Winter accounts with OAuth 2.0 authorization code + PKCE.

This binary operates in three roles:
  - serve:    Run the daemon that owns sign-ins and stored sessions
  - open-uri: Forward an authorization redirect to the daemon (URL handler)
  - client:   login, logout, sessions, whoami, credits, chat and friends

The daemon keeps one pending sign-in per state and completes it when the
matching redirect arrives, either through the registered URL handler or the
loopback HTTP callback.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the sign-in daemon",
	Long: `Start the daemon that handles Winter sign-ins.

The daemon:
  - Listens on a Unix socket for client and URL handler requests
  - Runs a loopback HTTP server for redirect callbacks
  - Opens the authorization URL in the browser for each sign-in
  - Exchanges codes for tokens and stores sessions in secret storage`,
	RunE: runServe,
}

// overrideExitCode is set by subcommands (open-uri, check-config) so main()
// can call os.Exit() after cobra finishes.  This avoids calling os.Exit()
// inside RunE which would bypass deferred functions.  -1 means "use default".
var overrideExitCode = -1

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Display version information",
	Long:  `Display version, commit hash, and build date.`,
	Run:   runVersion,
}

var checkConfigCmd = &cobra.Command{
	Use:   "check-config",
	Short: "Validate configuration file",
	Long: `Load and validate the configuration file without starting the daemon.

Checks for:
  - Valid YAML syntax
  - Required fields present
  - Valid URLs and storage settings
  - Environment overrides (WINTER_AUTH_*)

Exit codes:
  0 = Configuration is valid
  3 = Configuration error`,
	RunE: runCheckConfig,
}

func init() {
	// Global flags (available to all commands)
	rootCmd.PersistentFlags().StringVar(&configFile, "config", config.DefaultConfigPath(),
		"Path to configuration file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "",
		"Log level (debug, info, warn, error) - overrides config file")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "",
		"Log format (json, text) - overrides config file")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(checkConfigCmd)
	addClientCommands(rootCmd)
}

func main() {
	// Interrupting a client command hangs up on the daemon, which cancels
	// the request it was waiting for.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(ExitError)
	}

	// If a subcommand set a specific exit code, use it.
	// This is done outside RunE so deferred functions run properly.
	if overrideExitCode >= 0 {
		os.Exit(overrideExitCode)
	}
}

// loadConfig loads the configuration and applies the log flag overrides.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, err
	}

	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	if logFormat != "" {
		cfg.Log.Format = logFormat
	}

	config.SetupLogging(&cfg.Log)
	return cfg, nil
}

// runServe starts the daemon
func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	slog.Info("starting Winter auth daemon",
		"version", version,
		"commit", commit,
		"build_date", buildDate,
		"config", configFile,
	)

	d, err := daemon.New(cfg, version)
	if err != nil {
		slog.Error("failed to create daemon", "error", err)
		return fmt.Errorf("failed to create daemon: %w", err)
	}

	return d.Run(commandContext(cmd))
}

// runVersion displays version information
func runVersion(cmd *cobra.Command, args []string) {
	out := output(cmd)
	fmt.Fprintf(out, "winter-auth version %s\n", version)
	fmt.Fprintf(out, "  Commit:     %s\n", commit)
	fmt.Fprintf(out, "  Build date: %s\n", buildDate)
	fmt.Fprintf(out, "  Go version: %s\n", runtime.Version())
}

// runCheckConfig validates the configuration
func runCheckConfig(cmd *cobra.Command, args []string) error {
	out := output(cmd)
	fmt.Fprintf(out, "Checking configuration: %s\n\n", configFile)

	cfg, err := config.Load(configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "❌ Configuration validation failed:\n")
		fmt.Fprintf(os.Stderr, "   %v\n", err)
		overrideExitCode = ExitConfig
		return nil // exit code handled via overrideExitCode
	}

	// Print configuration summary (with secrets redacted)
	cfg = cfg.Redact()
	fmt.Fprintln(out, "✅ Configuration is valid")
	fmt.Fprintln(out)
	fmt.Fprintln(out, "Configuration summary:")
	if cfg.OAuth.Issuer != "" {
		fmt.Fprintf(out, "  OAuth Issuer:    %s\n", cfg.OAuth.Issuer)
	}
	fmt.Fprintf(out, "  Authorize URL:   %s\n", cfg.OAuth.AuthorizeURL)
	fmt.Fprintf(out, "  Token URL:       %s\n", cfg.OAuth.TokenURL)
	fmt.Fprintf(out, "  Userinfo URL:    %s\n", cfg.OAuth.UserInfoURL)
	fmt.Fprintf(out, "  Client ID:       %s\n", cfg.OAuth.ClientID)
	fmt.Fprintf(out, "  Redirect URI:    %s\n", cfg.OAuth.RedirectURI)
	fmt.Fprintf(out, "  Scopes:          %v\n", cfg.OAuth.Scopes)
	fmt.Fprintf(out, "  HTTP Listen:     %s\n", cfg.Listen.HTTP)
	fmt.Fprintf(out, "  Unix Socket:     %s\n", cfg.Listen.Socket)
	fmt.Fprintf(out, "  Sign-in Timeout: %d seconds\n", cfg.Auth.SignInTimeout)
	fmt.Fprintf(out, "  Account Policy:  %s\n", cfg.Auth.AccountPolicy)
	fmt.Fprintf(out, "  Storage:         %s\n", cfg.Storage.Backend)
	fmt.Fprintf(out, "  API Base URL:    %s\n", cfg.API.BaseURL)
	fmt.Fprintf(out, "  Log Level:       %s\n", cfg.Log.Level)
	fmt.Fprintf(out, "  Log Format:      %s\n", cfg.Log.Format)
	fmt.Fprintf(out, "  TLS Enabled:     %v\n", cfg.TLS.Enabled)

	fmt.Fprintln(out, "\n✅ Ready to start daemon")

	return nil
}
