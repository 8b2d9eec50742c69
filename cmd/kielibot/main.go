package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/crypto/bcrypt"

	"github.com/ykiprep/kielibot/internal/bot"
	"github.com/ykiprep/kielibot/internal/engine"
	"github.com/ykiprep/kielibot/internal/handler"
	appI18n "github.com/ykiprep/kielibot/internal/i18n"
	"github.com/ykiprep/kielibot/internal/llm"
	"github.com/ykiprep/kielibot/internal/store"
	"github.com/ykiprep/kielibot/internal/telegram"
)

func main() {
	// A .env file is optional; real environments set variables directly.
	_ = godotenv.Load()

	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "kielibot",
		Short: "Telegram bot for timed YKI writing practice",
	}

	serve := serveCmd()
	root.AddCommand(serve, inviteCmd(), exportCmd())

	// Make "serve" the default when no subcommand is given.
	root.RunE = serve.RunE

	// Register serve flags on root so bare `kielibot --addr ...` still works.
	root.Flags().AddFlagSet(serve.Flags())

	return root
}

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the bot webhook server",
		RunE:  runServe,
	}
	f := cmd.Flags()
	f.StringP("addr", "a", ":8080", "HTTP listen address")
	f.String("db", "kielibot.db", "SQLite database path")
	f.String("telegram-token", "", "Telegram bot token (or set KIELIBOT_TELEGRAM_TOKEN)")
	f.String("webhook-url", "", "Public HTTPS base URL to register as webhook (empty = skip registration)")
	f.String("webhook-secret", "", "Secret token echoed by Telegram on webhook deliveries")
	f.String("llm-url", "http://localhost:11434/v1", "OpenAI-compatible API base URL")
	f.String("llm-key", "ollama", "API key for LLM")
	f.String("llm-model", "llama3.2", "LLM model name")
	f.StringP("lang", "l", "en", "Default interface language (en, ru, fi)")
	f.Int64Slice("admin-ids", nil, "Telegram user IDs allowed to mint invites with /code")
	f.Int("invite-uses", 1, "Default number of uses per invite code")
	f.String("admin-password", "", "Admin API password; replaces the stored hash when set")
	f.String("log-level", "info", "Log level (debug, info, warn, error)")
	f.String("log-format", "text", "Log format (text, json)")
	return cmd
}

func inviteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "invite",
		Short: "Mint an invite code",
		RunE:  runInvite,
	}
	f := cmd.Flags()
	f.String("db", "kielibot.db", "SQLite database path")
	f.IntP("uses", "u", 1, "Number of uses for the code")
	f.String("log-level", "info", "Log level (debug, info, warn, error)")
	f.String("log-format", "text", "Log format (text, json)")
	return cmd
}

func exportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export test results as JSON",
		RunE:  runExport,
	}
	f := cmd.Flags()
	f.String("db", "kielibot.db", "SQLite database path")
	f.StringP("output", "o", "-", "Output file path (- for stdout)")
	f.String("log-level", "info", "Log level (debug, info, warn, error)")
	f.String("log-format", "text", "Log format (text, json)")
	return cmd
}

func setupLogging(cmd *cobra.Command) {
	v := viperForCmd(cmd)

	var logLevel slog.Level
	switch strings.ToLower(v.GetString("log-level")) {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}
	handlerOpts := &slog.HandlerOptions{Level: logLevel}
	var logHandler slog.Handler
	switch strings.ToLower(v.GetString("log-format")) {
	case "json":
		logHandler = slog.NewJSONHandler(os.Stderr, handlerOpts)
	default:
		logHandler = slog.NewTextHandler(os.Stderr, handlerOpts)
	}
	slog.SetDefault(slog.New(logHandler))
}

// viperForCmd binds a command's flags and environment to a fresh viper instance.
func viperForCmd(cmd *cobra.Command) *viper.Viper {
	v := viper.New()
	_ = v.BindPFlags(cmd.Flags())

	v.SetEnvPrefix("KIELIBOT")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	v.SetConfigName("kielibot")
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.config/kielibot")
	v.AddConfigPath("/etc/kielibot")
	v.AddConfigPath("/data")
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			slog.Warn("error reading config file", "error", err)
		}
	} else {
		slog.Info("loaded config file", "path", v.ConfigFileUsed())
	}

	return v
}

func runServe(cmd *cobra.Command, _ []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)

	token := v.GetString("telegram-token")
	if token == "" {
		return fmt.Errorf("telegram token is required: set --telegram-token flag or KIELIBOT_TELEGRAM_TOKEN env var")
	}

	db, err := store.New(v.GetString("db"))
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	if err := seedAdminPassword(db, v.GetString("admin-password")); err != nil {
		return fmt.Errorf("seed admin password: %w", err)
	}

	if err := appI18n.Init(v.GetString("lang")); err != nil {
		return fmt.Errorf("init i18n: %w", err)
	}

	llmClient, err := llm.New(
		v.GetString("llm-url"),
		v.GetString("llm-key"),
		v.GetString("llm-model"),
	)
	if err != nil {
		return fmt.Errorf("create LLM client: %w", err)
	}
	if err := llmClient.Ping(context.Background()); err != nil {
		return fmt.Errorf("LLM health check: %w", err)
	}
	slog.Info("LLM endpoint OK", "url", v.GetString("llm-url"), "model", v.GetString("llm-model"))

	tg := telegram.NewClient(token)
	me, err := tg.GetMe(context.Background())
	if err != nil {
		return fmt.Errorf("telegram health check: %w", err)
	}
	slog.Info("telegram token OK", "bot", me.Username)

	var adminIDs []int64
	for _, id := range v.GetIntSlice("admin-ids") {
		adminIDs = append(adminIDs, int64(id))
	}

	b := bot.New(db, tg, bot.Config{
		DefaultLanguage: v.GetString("lang"),
		AdminIDs:        adminIDs,
		InviteUses:      v.GetInt("invite-uses"),
	})

	sched := engine.NewScheduler()
	eng := engine.New(db, llmClient, b, sched)
	b.SetEngine(eng)

	// Re-arm timers for sessions that were active when the process last
	// stopped and close out the ones whose deadline already passed.
	if err := eng.Recover(context.Background()); err != nil {
		return fmt.Errorf("recover sessions: %w", err)
	}

	secret := v.GetString("webhook-secret")
	if url := v.GetString("webhook-url"); url != "" {
		webhookURL := strings.TrimRight(url, "/") + "/webhook"
		if err := tg.SetWebhook(context.Background(), webhookURL, secret); err != nil {
			return fmt.Errorf("register webhook: %w", err)
		}
		slog.Info("webhook registered", "url", webhookURL)
	}

	h := handler.New(db, b, secret)

	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	h.Routes(r)

	addr := v.GetString("addr")
	slog.Info("starting server",
		"addr", addr,
		"model", v.GetString("llm-model"),
		"llm_url", v.GetString("llm-url"),
		"lang", v.GetString("lang"),
		"admins", len(adminIDs),
	)

	srv := &http.Server{Addr: addr, Handler: r}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		sched.Stop()
		return err
	case <-ctx.Done():
	}

	slog.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("server shutdown", "error", err)
	}
	sched.Stop()
	return nil
}

func runInvite(cmd *cobra.Command, _ []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)

	db, err := store.New(v.GetString("db"))
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	uses := v.GetInt("uses")
	if uses < 1 {
		return fmt.Errorf("uses must be at least 1")
	}

	code, err := db.CreateInvite(0, uses)
	if err != nil {
		return fmt.Errorf("create invite: %w", err)
	}

	fmt.Println(code)
	return nil
}

func runExport(cmd *cobra.Command, _ []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)

	db, err := store.New(v.GetString("db"))
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	export, err := db.ExportResults()
	if err != nil {
		return fmt.Errorf("export results: %w", err)
	}

	data, err := json.MarshalIndent(export, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal JSON: %w", err)
	}

	outPath := v.GetString("output")
	var w io.Writer
	if outPath == "" || outPath == "-" {
		w = os.Stdout
	} else {
		f, err := os.Create(outPath)
		if err != nil {
			return fmt.Errorf("create output file: %w", err)
		}
		defer f.Close()
		w = f
	}

	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("write output: %w", err)
	}
	// Ensure trailing newline.
	_, _ = fmt.Fprintln(w)

	return nil
}

// seedAdminPassword stores the bcrypt hash for the admin HTTP API. An
// explicit password always replaces the stored hash; without one the
// existing hash, if any, stays in effect.
func seedAdminPassword(db *store.Store, password string) error {
	if password == "" {
		hash, err := db.AdminPasswordHash()
		if err != nil {
			return err
		}
		if hash == "" {
			slog.Warn("no admin password set, admin API is disabled")
		}
		return nil
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash admin password: %w", err)
	}
	if err := db.SetAdminPasswordHash(string(hash)); err != nil {
		return fmt.Errorf("store admin password hash: %w", err)
	}
	slog.Info("admin password updated")
	return nil
}
