package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/phishpond/phishpond/internal/api"
	"github.com/phishpond/phishpond/internal/config"
	"github.com/phishpond/phishpond/internal/dispatch"
	"github.com/phishpond/phishpond/internal/mailbox"
	"github.com/phishpond/phishpond/internal/session"
	"github.com/phishpond/phishpond/internal/store"
	"github.com/phishpond/phishpond/internal/web"
)

var cfgFile string

func resolveConfigPath() string {
	if cfgFile != "" {
		return cfgFile
	}
	return config.DefaultConfigPath()
}

func defaultDBPath() string {
	return filepath.Join(config.DataDir(), "phishpond.db")
}

func main() {
	rootCmd := &cobra.Command{
		Use:   "phishpond",
		Short: "PhishPond - Community phishing reporting from your own mailbox",
		Long: `PhishPond reads suspicious emails from your mailbox, strips personal
information locally, and shares the redacted result with a community
server where members vote on whether it is phishing.

Nothing leaves your machine until you have reviewed the redacted
preview and confirmed.`,
	}

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.phishpond/config.yaml)")

	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(registerCmd())
	rootCmd.AddCommand(loginCmd())
	rootCmd.AddCommand(logoutCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(messagesCmd())
	rootCmd.AddCommand(analyzeCmd())
	rootCmd.AddCommand(submitCmd())
	rootCmd.AddCommand(votesCmd())
	rootCmd.AddCommand(voteCmd())
	rootCmd.AddCommand(patternsCmd())
	rootCmd.AddCommand(historyCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadConfig loads the config file, failing with a setup hint when it
// does not exist yet.
func loadConfig() (*config.Config, error) {
	path := resolveConfigPath()
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, fmt.Errorf("no configuration found at %s; run 'phishpond init' first", path)
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

// newClient builds the backend client, restoring any credential saved
// by a previous login.
func newClient(cfg *config.Config, st *store.Store) *api.Client {
	token, _, err := st.Credential()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to read stored credential: %v\n", err)
	}
	return api.NewClient(cfg.API.BaseURL, api.NewAuthSession(token))
}

func defaultToggles(cfg *config.Config) session.Toggles {
	return session.Toggles{
		Emails: !cfg.Redaction.DisableEmails,
		Phones: !cfg.Redaction.DisablePhones,
		SSNs:   !cfg.Redaction.DisableSSNs,
	}
}

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Initialize configuration interactively",
		Long:  "Create a new configuration file with your server and mailbox settings.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInit()
		},
	}
}

func runInit() error {
	reader := bufio.NewReader(os.Stdin)

	fmt.Println("🎣 PhishPond Configuration Setup")
	fmt.Println("================================")
	fmt.Println()

	cfg := &config.Config{}

	fmt.Println("🌐 Community Server")
	fmt.Println()
	cfg.API.BaseURL = prompt(reader, "Server URL [http://localhost:8000]: ")
	if cfg.API.BaseURL == "" {
		cfg.API.BaseURL = "http://localhost:8000"
	}

	fmt.Println()
	fmt.Println("📧 Mailbox (read-only IMAP access)")
	fmt.Println()

	provider := prompt(reader, "Provider (gmail/outlook/imap) [gmail]: ")
	if provider == "" {
		provider = "gmail"
	}
	cfg.Mailbox.Provider = provider

	switch provider {
	case "gmail":
		cfg.Mailbox.Server = "imap.gmail.com"
		cfg.Mailbox.Port = 993
		fmt.Println("  (See https://support.google.com/accounts/answer/185833 for app password setup)")
	case "outlook":
		cfg.Mailbox.Server = "outlook.office365.com"
		cfg.Mailbox.Port = 993
	default:
		cfg.Mailbox.Server = prompt(reader, "  IMAP server: ")
		portStr := prompt(reader, "  IMAP port [993]: ")
		cfg.Mailbox.Port = 993
		if portStr != "" {
			if port, err := strconv.Atoi(portStr); err == nil {
				cfg.Mailbox.Port = port
			}
		}
	}

	cfg.Mailbox.Email = prompt(reader, "  Mailbox address: ")
	cfg.Mailbox.Password = prompt(reader, "  App password: ")
	cfg.Mailbox.Folder = "INBOX"

	configPath := resolveConfigPath()
	if err := config.Save(configPath, cfg); err != nil {
		return fmt.Errorf("failed to save config: %w", err)
	}

	fmt.Println()
	fmt.Printf("✅ Configuration saved to: %s\n", configPath)
	fmt.Println()
	fmt.Println("Next steps:")
	fmt.Println("  1. Run 'phishpond login' to sign in to the community server")
	fmt.Println("  2. Run 'phishpond messages' to list recent mail")
	fmt.Println("  3. Run 'phishpond serve' for the browser interface")

	return nil
}

func registerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "register",
		Short: "Create an account on the community server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRegister()
		},
	}
}

func runRegister() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	reader := bufio.NewReader(os.Stdin)
	username := prompt(reader, "Username: ")
	email := prompt(reader, "Email: ")
	password := prompt(reader, "Password: ")
	passwordConfirm := prompt(reader, "Confirm password: ")
	if password != passwordConfirm {
		return fmt.Errorf("password fields didn't match")
	}

	client := api.NewClient(cfg.API.BaseURL, api.NewAuthSession(""))
	if err := client.Register(context.Background(), username, email, password, passwordConfirm); err != nil {
		return fmt.Errorf("registration failed: %w", err)
	}

	fmt.Printf("✅ Account %s created\n", username)
	fmt.Println("Run 'phishpond login' to sign in.")
	return nil
}

func loginCmd() *cobra.Command {
	var username string

	cmd := &cobra.Command{
		Use:   "login",
		Short: "Sign in to the community server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLogin(username)
		},
	}

	cmd.Flags().StringVar(&username, "username", "", "Account username (prompted if omitted)")

	return cmd
}

func runLogin(username string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	st, err := store.Open(defaultDBPath())
	if err != nil {
		return fmt.Errorf("failed to open local store: %w", err)
	}
	defer st.Close()

	reader := bufio.NewReader(os.Stdin)
	if username == "" {
		username = prompt(reader, "Username: ")
	}
	password := prompt(reader, "Password: ")

	client := newClient(cfg, st)

	resp, err := client.Login(context.Background(), username, password)
	if err != nil {
		return fmt.Errorf("login failed: %w", err)
	}

	if err := st.SaveCredential(resp.Token, resp.Username); err != nil {
		return fmt.Errorf("failed to store credential: %w", err)
	}

	fmt.Printf("✅ Signed in as %s\n", resp.Username)
	return nil
}

func logoutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Sign out and discard the stored credential",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			st, err := store.Open(defaultDBPath())
			if err != nil {
				return fmt.Errorf("failed to open local store: %w", err)
			}
			defer st.Close()

			client := newClient(cfg, st)
			if err := client.Logout(context.Background()); err != nil {
				fmt.Fprintf(os.Stderr, "Warning: server logout failed: %v\n", err)
			}
			if err := st.ClearCredential(); err != nil {
				return fmt.Errorf("failed to clear credential: %w", err)
			}

			fmt.Println("✅ Signed out")
			return nil
		},
	}
}

func serveCmd() *cobra.Command {
	var port int

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the local web interface",
		Long: `Start a local web server providing a browser-based interface for PhishPond.

From the browser you can:
- Browse recent mailbox messages
- Review and adjust redaction before reporting
- Vote on community submissions

The server listens on localhost only; redaction happens on your machine.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(port)
		},
	}

	cmd.Flags().IntVar(&port, "port", 0, "Port to listen on (default from config)")

	return cmd
}

func runServe(port int) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if port == 0 {
		port = cfg.Web.Port
	}

	st, err := store.Open(defaultDBPath())
	if err != nil {
		return fmt.Errorf("failed to open local store: %w", err)
	}
	defer st.Close()

	client := newClient(cfg, st)

	// Verify the stored token before serving so the UI starts with the
	// real auth state rather than assuming a saved token still works.
	if client.Auth().Valid() {
		if client.CheckAuth(context.Background()) {
			fmt.Println("🔑 Signed in to the community server")
		} else if !client.Auth().Valid() {
			fmt.Println("⚠️  Stored credential is no longer valid; sign in from the web UI")
		}
	}

	controller := dispatch.New(client, st, defaultToggles(cfg))

	server, err := web.NewServer(port, cfg, st, client, controller)
	if err != nil {
		return fmt.Errorf("failed to create web server: %w", err)
	}

	// Handle graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigChan
		fmt.Println("\nShutting down...")
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(ctx)
	}()

	return server.Start()
}

func messagesCmd() *cobra.Command {
	var days int

	cmd := &cobra.Command{
		Use:   "messages",
		Short: "List recent mailbox messages",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMessages(days)
		},
	}

	cmd.Flags().IntVar(&days, "days", 7, "Number of days to look back")

	return cmd
}

func runMessages(days int) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := cfg.ValidateMailbox(); err != nil {
		return fmt.Errorf("mailbox not configured: %w", err)
	}

	mb := mailbox.New(cfg.Mailbox)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := mb.Connect(ctx); err != nil {
		return err
	}
	defer mb.Disconnect()

	summaries, err := mb.ListRecent(ctx, days)
	if err != nil {
		return err
	}

	if len(summaries) == 0 {
		fmt.Printf("No messages in the last %d days.\n", days)
		return nil
	}

	fmt.Printf("📬 Messages (last %d days)\n", days)
	fmt.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")

	for i := len(summaries) - 1; i >= 0; i-- {
		m := summaries[i]
		fmt.Printf("\n[%d] %s\n", m.UID, m.Subject)
		fmt.Printf("    From: %s\n", m.From)
		fmt.Printf("    Date: %s\n", m.Date.Format("2006-01-02 15:04"))
	}

	fmt.Println()
	fmt.Println("Use 'phishpond analyze <uid>' or 'phishpond submit <uid>' on a message.")
	return nil
}

// runReport drives the full report path for one message without the
// web UI: fetch, normalize, redact with defaults plus saved patterns,
// then predict or submit.
func runReport(uidArg string, action session.Action, skipConfirm bool) error {
	uid64, err := strconv.ParseUint(uidArg, 10, 32)
	if err != nil {
		return fmt.Errorf("invalid message UID %q", uidArg)
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := cfg.ValidateMailbox(); err != nil {
		return fmt.Errorf("mailbox not configured: %w", err)
	}

	st, err := store.Open(defaultDBPath())
	if err != nil {
		return fmt.Errorf("failed to open local store: %w", err)
	}
	defer st.Close()

	client := newClient(cfg, st)
	if !client.Auth().Valid() {
		return fmt.Errorf("not signed in; run 'phishpond login' first")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	mb := mailbox.New(cfg.Mailbox)
	if err := mb.Connect(ctx); err != nil {
		return err
	}
	defer mb.Disconnect()

	msg, err := mb.Fetch(ctx, uint32(uid64))
	if err != nil {
		return err
	}

	controller := dispatch.New(client, st, defaultToggles(cfg))
	query := controller.Stage(msg, action)

	sess, domains, err := controller.Open(query)
	if err != nil {
		return fmt.Errorf("failed to prepare message: %w", err)
	}

	result, err := sess.Preview()
	if err != nil {
		return err
	}

	fmt.Println("🔒 Redacted preview")
	fmt.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	fmt.Printf("Subject: %s\n", result.Subject)
	fmt.Printf("Sender domain: %s\n", msg.FromDomain)
	if len(domains) > 0 {
		fmt.Printf("Link domains: %s\n", strings.Join(domains, ", "))
	}
	fmt.Println()
	fmt.Println(result.Content)
	fmt.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")

	if !skipConfirm {
		reader := bufio.NewReader(os.Stdin)
		verb := "Submit this to the community"
		if action == session.ActionPredict {
			verb = "Send this for prediction"
		}
		answer := prompt(reader, fmt.Sprintf("%s? [y/N]: ", verb))
		if !strings.EqualFold(answer, "y") && !strings.EqualFold(answer, "yes") {
			controller.Cancel(sess)
			fmt.Println("Cancelled. Nothing was sent.")
			return nil
		}
	}

	outcome, err := controller.Complete(ctx, sess)
	if err != nil {
		if errors.Is(err, api.ErrAuthRequired) {
			return fmt.Errorf("session expired; run 'phishpond login' again")
		}
		return err
	}

	if outcome.Action == session.ActionPredict {
		if outcome.Verdict == "phishy" {
			fmt.Println("⚠️  Potential phishing email")
		} else {
			fmt.Println("✅ Likely safe email")
		}
	} else {
		fmt.Println("✅ Report submitted for community voting")
	}

	return nil
}

func analyzeCmd() *cobra.Command {
	var yes bool

	cmd := &cobra.Command{
		Use:   "analyze <uid>",
		Short: "Ask the community model whether a message is phishing",
		Long: `Fetch one message, redact it locally, and ask the community model for
a prediction. The redacted preview is shown before anything is sent.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReport(args[0], session.ActionPredict, yes)
		},
	}

	cmd.Flags().BoolVar(&yes, "yes", false, "Skip the confirmation prompt")

	return cmd
}

func submitCmd() *cobra.Command {
	var yes bool

	cmd := &cobra.Command{
		Use:   "submit <uid>",
		Short: "Submit a message to the community for voting",
		Long: `Fetch one message, redact it locally, and submit the redacted result
to the community server. The redacted preview is shown before anything
is sent.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReport(args[0], session.ActionSubmit, yes)
		},
	}

	cmd.Flags().BoolVar(&yes, "yes", false, "Skip the confirmation prompt")

	return cmd
}

func votesCmd() *cobra.Command {
	var mine, unvoted bool

	cmd := &cobra.Command{
		Use:   "votes",
		Short: "List community submissions and their vote counts",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runVotes(mine, unvoted)
		},
	}

	cmd.Flags().BoolVar(&mine, "mine", false, "Only my submissions")
	cmd.Flags().BoolVar(&unvoted, "unvoted", false, "Only submissions I have not voted on")

	return cmd
}

func runVotes(mine, unvoted bool) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	st, err := store.Open(defaultDBPath())
	if err != nil {
		return fmt.Errorf("failed to open local store: %w", err)
	}
	defer st.Close()

	client := newClient(cfg, st)
	if !client.Auth().Valid() {
		return fmt.Errorf("not signed in; run 'phishpond login' first")
	}

	emails, err := client.GetEmails(context.Background(), api.EmailFilter{
		ShowMine:    mine,
		ShowUnvoted: unvoted,
	})
	if err != nil {
		if errors.Is(err, api.ErrAuthRequired) {
			return fmt.Errorf("session expired; run 'phishpond login' again")
		}
		return err
	}

	if len(emails) == 0 {
		fmt.Println("No submissions match the current filters.")
		return nil
	}

	fmt.Printf("🗳️  Community submissions (%d)\n", len(emails))
	fmt.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")

	for _, e := range emails {
		fmt.Printf("\n[%d] %s\n", e.ID, e.Subject)
		fmt.Printf("    From: %s\n", e.SenderDomain)
		fmt.Printf("    Phishing: %d  Legitimate: %d\n", e.VotesPhishing, e.VotesLegitimate)
		if e.UserVote {
			fmt.Printf("    Your vote: %s\n", e.UserVoteType)
		}
		if e.IsMine {
			fmt.Printf("    (submitted by you)\n")
		}
	}

	fmt.Println()
	fmt.Println("Use 'phishpond vote <id> phishing|legitimate' to cast a vote.")
	return nil
}

func voteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "vote <id> <phishing|legitimate>",
		Short: "Vote on a community submission",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runVote(args[0], args[1])
		},
	}
}

func runVote(idArg, verdict string) error {
	emailID, err := strconv.ParseInt(idArg, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid submission ID %q", idArg)
	}

	var isPhishing bool
	switch verdict {
	case "phishing":
		isPhishing = true
	case "legitimate":
		isPhishing = false
	default:
		return fmt.Errorf("verdict must be 'phishing' or 'legitimate', got %q", verdict)
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	st, err := store.Open(defaultDBPath())
	if err != nil {
		return fmt.Errorf("failed to open local store: %w", err)
	}
	defer st.Close()

	client := newClient(cfg, st)
	if !client.Auth().Valid() {
		return fmt.Errorf("not signed in; run 'phishpond login' first")
	}

	err = client.Vote(context.Background(), emailID, isPhishing)
	if errors.Is(err, api.ErrDuplicateVote) {
		fmt.Println("⚠️  You already voted on that submission.")
		return nil
	}
	if err != nil {
		if errors.Is(err, api.ErrAuthRequired) {
			return fmt.Errorf("session expired; run 'phishpond login' again")
		}
		return err
	}

	fmt.Printf("✅ Voted %s on submission %d\n", verdict, emailID)
	return nil
}

func patternsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "patterns",
		Short: "Manage saved redaction patterns",
		Long: `Saved patterns are applied automatically every time a message is
opened for redaction. Plain text matches literally; anything that
compiles as a regular expression is treated as one.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPatternsList()
		},
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List saved patterns",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPatternsList()
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "add <pattern>",
		Short: "Add a saved pattern",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := store.Open(defaultDBPath())
			if err != nil {
				return fmt.Errorf("failed to open local store: %w", err)
			}
			defer st.Close()

			if err := st.AddPattern(args[0]); err != nil {
				return err
			}
			fmt.Printf("✅ Saved pattern %q\n", args[0])
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "remove <pattern>",
		Short: "Remove a saved pattern",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := store.Open(defaultDBPath())
			if err != nil {
				return fmt.Errorf("failed to open local store: %w", err)
			}
			defer st.Close()

			if err := st.RemovePattern(args[0]); err != nil {
				return err
			}
			fmt.Printf("✅ Removed pattern %q\n", args[0])
			return nil
		},
	})

	return cmd
}

func runPatternsList() error {
	st, err := store.Open(defaultDBPath())
	if err != nil {
		return fmt.Errorf("failed to open local store: %w", err)
	}
	defer st.Close()

	patterns, err := st.Patterns()
	if err != nil {
		return err
	}

	if len(patterns) == 0 {
		fmt.Println("No saved patterns.")
		return nil
	}

	fmt.Printf("🔒 Saved patterns (%d)\n", len(patterns))
	for _, p := range patterns {
		fmt.Printf("  • %s\n", p)
	}
	return nil
}

func historyCmd() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show reports sent from this machine",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runHistory(limit)
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 20, "Number of recent reports to show")

	return cmd
}

func runHistory(limit int) error {
	st, err := store.Open(defaultDBPath())
	if err != nil {
		return fmt.Errorf("failed to open local store: %w", err)
	}
	defer st.Close()

	reports, err := st.RecentReports(limit)
	if err != nil {
		return err
	}

	if len(reports) == 0 {
		fmt.Println("Nothing reported from this machine yet.")
		return nil
	}

	fmt.Printf("📜 Recent reports (last %d)\n", limit)
	fmt.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")

	for _, r := range reports {
		icon := "📤"
		if r.Action == store.ActionPredict {
			icon = "🔍"
		}
		fmt.Printf("%s %s - %s (%s)\n", icon, r.CreatedAt.Format("2006-01-02 15:04"), r.Subject, r.SenderDomain)
		if r.Verdict != "" {
			fmt.Printf("   Verdict: %s\n", r.Verdict)
		}
	}

	return nil
}

func prompt(reader *bufio.Reader, message string) string {
	fmt.Print(message)
	input, err := reader.ReadString('\n')
	if err != nil {
		return ""
	}
	return strings.TrimSpace(input)
}
