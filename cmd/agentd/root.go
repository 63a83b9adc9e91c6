package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/martinemde/agentd/agentloop"
	"github.com/martinemde/agentd/eventbus"
	"github.com/martinemde/agentd/gateway"
	"github.com/martinemde/agentd/server"
	"github.com/martinemde/agentd/store"
)

var rootCmd = &cobra.Command{
	Use:   "agentd",
	Short: "Durable agent runtime daemon",
	Long: `agentd runs autonomous agent sessions against an LLM provider.

Sessions are persisted to SQLite and survive restarts. Clients submit
turns over HTTP and follow progress on a server-sent event stream.

Press Ctrl+C to gracefully shutdown.`,
	RunE: runDaemon,
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.String("addr", ":8787", "HTTP listen address")
	flags.String("db", "agentd.db", "SQLite database path")
	flags.String("provider", "openai", "LLM provider (openai, anthropic, groq, ollama, mistral)")
	flags.String("model", "", "model identifier (provider default when empty)")
	flags.String("workdir", "", "agent working directory (default: process working directory)")
	flags.String("system-prompt", "", "override the generated system prompt")
	flags.Int("max-iterations", 0, "model round-trip cap per turn (0 = unlimited)")
	flags.Int("doom-loop-threshold", agentloop.DefaultDoomLoopThreshold, "identical tool calls before rejection")
	flags.String("log-level", "info", "log level (debug, info, warn, error)")

	viper.SetEnvPrefix("AGENTD")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
	_ = viper.BindPFlags(flags)
}

func runDaemon(cmd *cobra.Command, args []string) error {
	// Local development keys live in .env; absence is not an error.
	_ = godotenv.Load()

	viper.SetConfigName("agentd")
	viper.AddConfigPath(".")
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return fmt.Errorf("read config: %w", err)
		}
	}

	logger := newLogger(viper.GetString("log-level"))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := store.New(ctx, viper.GetString("db"))
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()
	logger.Info("session store ready", slog.String("db", viper.GetString("db")))

	provider := viper.GetString("provider")
	adapter, err := buildAdapter(provider)
	if err != nil {
		return fmt.Errorf("configure provider %s: %w", provider, err)
	}
	gw := gateway.NewClient(gateway.WithAdapter(adapter))
	defer gw.Close()

	bus := eventbus.New()

	registry := agentloop.NewToolRegistry()
	agentloop.RegisterBuiltinTools(registry)

	env := agentloop.NewLocalEnvironment(viper.GetString("workdir"))
	logger.Info("execution environment ready",
		slog.String("workdir", env.WorkingDirectory()),
		slog.String("platform", env.Platform()),
		slog.Int("tools", registry.Count()))

	systemPrompt := viper.GetString("system-prompt")
	if systemPrompt == "" {
		systemPrompt = agentloop.BuildSystemPrompt(env, registry)
	}

	loop := agentloop.New(gw, st, bus, registry, env, agentloop.Config{
		Model:             viper.GetString("model"),
		Provider:          provider,
		SystemPrompt:      systemPrompt,
		MaxIterations:     viper.GetInt("max-iterations"),
		DoomLoopThreshold: viper.GetInt("doom-loop-threshold"),
	}, logger)

	srv := server.New(st, bus, loop, logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Start(viper.GetString("addr"))
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && err != context.Canceled {
		return err
	}
	return nil
}

// buildAdapter constructs the provider adapter from environment
// credentials. The gollm layer resolves the provider's default API key
// variable; AGENTD_API_KEY overrides it.
func buildAdapter(provider string) (*gateway.GollmAdapter, error) {
	var opts []gateway.GollmOption
	if key := viper.GetString("api-key"); key != "" {
		opts = append(opts, gateway.WithAPIKey(key))
	}
	if model := viper.GetString("model"); model != "" {
		opts = append(opts, gateway.WithModel(model))
	}
	return gateway.NewGollmAdapter(provider, opts...)
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
