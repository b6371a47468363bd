package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/winter-ide/winter-auth/internal/config"
	"github.com/winter-ide/winter-auth/internal/ipc"
	"github.com/winter-ide/winter-auth/internal/urihandler"
)

const (
	// loginMargin is added to the sign-in timeout so the daemon reports the
	// timeout before the client gives up.
	loginMargin = 15 * time.Second

	// chatTimeout covers a full streamed reply.
	chatTimeout = 90 * time.Second
)

// Client command flags
var (
	loginScopes    []string
	loginForce     bool
	sessionsScopes []string
	sessionID      string
)

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Sign in to a Winter account",
	Long: `Sign in through the daemon and wait for the browser flow to finish.

An existing session granting the requested scopes is reused unless --force
is given. The command waits up to the configured sign-in timeout.`,
	Args: cobra.NoArgs,
	RunE: runLogin,
}

var logoutCmd = &cobra.Command{
	Use:   "logout [session-id]",
	Short: "Remove a stored session",
	Long:  `Remove the given session, or the first stored session when no id is given.`,
	Args:  cobra.MaximumNArgs(1),
	RunE:  runLogout,
}

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "List stored sessions",
	Args:  cobra.NoArgs,
	RunE:  runSessions,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon status",
	Args:  cobra.NoArgs,
	RunE:  runStatus,
}

var pendingCmd = &cobra.Command{
	Use:   "pending",
	Short: "List sign-ins waiting for a redirect",
	Args:  cobra.NoArgs,
	RunE:  runPending,
}

var cancelCmd = &cobra.Command{
	Use:   "cancel <state>",
	Short: "Cancel a pending sign-in",
	Args:  cobra.ExactArgs(1),
	RunE:  runCancel,
}

var openURICmd = &cobra.Command{
	Use:   "open-uri <url>",
	Short: "Deliver an authorization redirect (URL handler mode)",
	Long: `URL handler mode - forwards one redirect to the daemon.

Register this command as the handler for the redirect URI scheme. The URL
must match the configured redirect URI.

Exit codes:
  0 = Redirect delivered to a waiting sign-in
  1 = Invalid URL or daemon unreachable
  4 = Daemon rejected the redirect (unknown, expired or malformed)`,
	Args: cobra.ExactArgs(1),
	RunE: runOpenURI,
}

var whoamiCmd = &cobra.Command{
	Use:   "whoami",
	Short: "Show the profile of a signed-in account",
	Args:  cobra.NoArgs,
	RunE:  runWhoami,
}

var creditsCmd = &cobra.Command{
	Use:   "credits",
	Short: "Show the credit balance of a signed-in account",
	Args:  cobra.NoArgs,
	RunE:  runCredits,
}

var chatCmd = &cobra.Command{
	Use:   "chat <message>",
	Short: "Send a chat message as a signed-in account",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runChat,
}

func addClientCommands(root *cobra.Command) {
	loginCmd.Flags().StringSliceVar(&loginScopes, "scope", nil,
		"Scope to request (repeatable); defaults to oauth.scopes")
	loginCmd.Flags().BoolVar(&loginForce, "force", false,
		"Start a new sign-in even if a matching session exists")

	sessionsCmd.Flags().StringSliceVar(&sessionsScopes, "scope", nil,
		"Only list sessions granting this scope (repeatable)")

	for _, c := range []*cobra.Command{whoamiCmd, creditsCmd, chatCmd} {
		c.Flags().StringVar(&sessionID, "session", "",
			"Session id to use; defaults to the first stored session")
	}

	root.AddCommand(loginCmd, logoutCmd, sessionsCmd, statusCmd, pendingCmd,
		cancelCmd, openURICmd, whoamiCmd, creditsCmd, chatCmd)
}

func output(cmd *cobra.Command) io.Writer {
	if cmd == nil {
		return os.Stdout
	}
	return cmd.OutOrStdout()
}

func commandContext(cmd *cobra.Command) context.Context {
	if cmd == nil || cmd.Context() == nil {
		return context.Background()
	}
	return cmd.Context()
}

// clientConfig loads the configuration for client commands. If the config
// cannot be loaded the defaults are used, so the default socket is still tried.
func clientConfig() *config.Config {
	cfg, err := loadConfig()
	if err != nil {
		slog.Warn("failed to load configuration, using defaults", "error", err)
		return config.DefaultConfig()
	}
	return cfg
}

func call(ctx context.Context, cfg *config.Config, req *ipc.Request) (*ipc.Response, error) {
	return ipc.NewClient(cfg.Listen.Socket).Call(ctx, req)
}

func runLogin(cmd *cobra.Command, args []string) error {
	cfg := clientConfig()

	ctx, cancel := context.WithTimeout(commandContext(cmd), cfg.Auth.SignInTimeoutDuration()+loginMargin)
	defer cancel()

	req := &ipc.Request{Command: ipc.CommandSession, Scopes: loginScopes, CreateIfNone: true}
	if loginForce {
		req = &ipc.Request{Command: ipc.CommandSignIn, Scopes: loginScopes}
	}

	fmt.Fprintln(os.Stderr, "Waiting for sign-in to complete in the browser...")

	resp, err := call(ctx, cfg, req)
	if err != nil {
		return fmt.Errorf("sign-in failed: %w", err)
	}

	s := resp.Session
	fmt.Fprintf(output(cmd), "Signed in as %s (account %s, session %s)\n", s.AccountLabel, s.AccountID, s.ID)
	return nil
}

func runLogout(cmd *cobra.Command, args []string) error {
	cfg := clientConfig()

	req := &ipc.Request{Command: ipc.CommandRemoveSession}
	if len(args) == 1 {
		req.SessionID = args[0]
	}

	if _, err := call(commandContext(cmd), cfg, req); err != nil {
		return fmt.Errorf("sign-out failed: %w", err)
	}

	fmt.Fprintln(output(cmd), "Signed out")
	return nil
}

func runSessions(cmd *cobra.Command, args []string) error {
	cfg := clientConfig()

	resp, err := call(commandContext(cmd), cfg, &ipc.Request{Command: ipc.CommandSessions, Scopes: sessionsScopes})
	if err != nil {
		return err
	}

	out := output(cmd)
	if len(resp.Sessions) == 0 {
		fmt.Fprintln(out, "No sessions")
		return nil
	}

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SESSION\tACCOUNT\tLABEL\tSCOPES")
	for _, s := range resp.Sessions {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", s.ID, s.AccountID, s.AccountLabel, strings.Join(s.Scopes, " "))
	}
	return tw.Flush()
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg := clientConfig()

	resp, err := call(commandContext(cmd), cfg, &ipc.Request{Command: ipc.CommandStatus})
	if err != nil {
		return fmt.Errorf("daemon not reachable at %s: %w", cfg.Listen.Socket, err)
	}

	st := resp.Daemon
	out := output(cmd)
	fmt.Fprintf(out, "Daemon version:   %s\n", st.Version)
	fmt.Fprintf(out, "Stored sessions:  %d\n", st.Sessions)
	fmt.Fprintf(out, "Pending sign-ins: %d\n", st.Pending)
	fmt.Fprintf(out, "Account policy:   %s\n", st.AccountPolicy)
	fmt.Fprintf(out, "Storage:          %s\n", st.Storage)
	return nil
}

func runPending(cmd *cobra.Command, args []string) error {
	cfg := clientConfig()

	resp, err := call(commandContext(cmd), cfg, &ipc.Request{Command: ipc.CommandPending})
	if err != nil {
		return err
	}

	out := output(cmd)
	if len(resp.Pending) == 0 {
		fmt.Fprintln(out, "No pending sign-ins")
		return nil
	}

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "STATE\tSTARTED\tEXPIRES")
	for _, p := range resp.Pending {
		fmt.Fprintf(tw, "%s\t%s\t%s\n", p.State, p.CreatedAt.Format(time.RFC3339), p.ExpiresAt.Format(time.RFC3339))
	}
	return tw.Flush()
}

func runCancel(cmd *cobra.Command, args []string) error {
	cfg := clientConfig()

	if _, err := call(commandContext(cmd), cfg, &ipc.Request{Command: ipc.CommandCancel, State: args[0]}); err != nil {
		return fmt.Errorf("cancel failed: %w", err)
	}

	fmt.Fprintln(output(cmd), "Sign-in cancelled")
	return nil
}

// runOpenURI handles a single redirect URL -- exit code is applied in main()
// after cobra finishes.
func runOpenURI(cmd *cobra.Command, args []string) error {
	cfg := clientConfig()

	handler := urihandler.NewHandler(cfg.Listen.Socket, cfg.OAuth.RedirectURI)
	handler.SetOutput(output(cmd))

	overrideExitCode = handler.Run(commandContext(cmd), args[0])
	return nil
}

func runWhoami(cmd *cobra.Command, args []string) error {
	cfg := clientConfig()

	resp, err := call(commandContext(cmd), cfg, &ipc.Request{Command: ipc.CommandProfile, SessionID: sessionID})
	if err != nil {
		return err
	}

	p := resp.Profile
	out := output(cmd)
	fmt.Fprintf(out, "Name:  %s\n", p.Name)
	fmt.Fprintf(out, "ID:    %s\n", p.ID)
	if p.Email != "" {
		fmt.Fprintf(out, "Email: %s\n", p.Email)
	}
	return nil
}

func runCredits(cmd *cobra.Command, args []string) error {
	cfg := clientConfig()

	resp, err := call(commandContext(cmd), cfg, &ipc.Request{Command: ipc.CommandCredits, SessionID: sessionID})
	if err != nil {
		return err
	}

	enc := json.NewEncoder(output(cmd))
	enc.SetIndent("", "  ")
	return enc.Encode(resp.Credits)
}

func runChat(cmd *cobra.Command, args []string) error {
	cfg := clientConfig()

	ctx, cancel := context.WithTimeout(commandContext(cmd), chatTimeout)
	defer cancel()

	resp, err := call(ctx, cfg, &ipc.Request{
		Command:   ipc.CommandChat,
		SessionID: sessionID,
		Message:   strings.Join(args, " "),
	})
	if err != nil {
		return err
	}

	fmt.Fprintln(output(cmd), resp.Reply)
	return nil
}
