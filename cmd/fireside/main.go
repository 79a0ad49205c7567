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

	"fireside/internal/backend"
	"fireside/internal/chat"
	"fireside/internal/chatstore"
	"fireside/internal/cli"
	"fireside/internal/config"
	"fireside/internal/db"
	"fireside/internal/domain"
	"fireside/internal/metrics"
	"fireside/internal/prune"
	"fireside/internal/tokenizer"
)

// version is injectable via ldflags.
var version = "dev"

// backendCounter prunes against the backend's own token counts, so the
// budget math matches what the model will actually see.
type backendCounter struct {
	backend domain.ModelBackend
}

func (c backendCounter) CountMessages(messages []domain.Message) (int, error) {
	return c.backend.CountTokens(messages)
}

func newRootCommand() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:   "fireside",
		Short: "Local AI chat",
		Long:  "Fireside is a local-first streaming chat frontend for language models.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if showVersion, _ := cmd.Flags().GetBool("version"); showVersion {
				fmt.Fprintf(cmd.OutOrStdout(), "fireside %s %s/%s\n", version, runtime.GOOS, runtime.GOARCH)
				return nil
			}
			return runChat(cmd, configPath)
		},
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "fireside.json", "path to the configuration file")
	root.Flags().BoolP("version", "V", false, "print version and build metadata")

	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default configuration and preset library",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := os.Stat(configPath); err == nil {
				return fmt.Errorf("%s already exists", configPath)
			}
			if err := config.WriteDefault(configPath); err != nil {
				return err
			}
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if err := config.WriteDefaultPresets(cfg.PresetsPath); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s and %s\n", configPath, cfg.PresetsPath)
			return nil
		},
	}
	root.AddCommand(initCmd)

	checkCmd := &cobra.Command{
		Use:   "check",
		Short: "Validate the configuration and preset library",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: ok (backend %s, model %s)\n",
				configPath, cfg.Settings.Backend, cfg.Settings.Model)
			if cfg.PresetsPath != "" {
				presets, err := config.LoadPresets(cfg.PresetsPath)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s: ok (%d presets)\n", cfg.PresetsPath, len(presets))
			}
			return nil
		},
	}
	root.AddCommand(checkCmd)

	modelsCmd := &cobra.Command{
		Use:   "models",
		Short: "List models advertised by the remote server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			remote := backend.NewRemote()
			settings := cfg.Settings
			settings.Backend = domain.BackendRemote
			if err := remote.Load(cmd.Context(), settings); err != nil {
				return err
			}
			names, err := remote.ListModels(cmd.Context())
			if err != nil {
				return err
			}
			for _, name := range names {
				fmt.Fprintln(cmd.OutOrStdout(), name)
			}
			return nil
		},
	}
	root.AddCommand(modelsCmd)

	statsCmd := &cobra.Command{
		Use:   "stats",
		Short: "Show recorded generation statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if cfg.MetricsDB == "" {
				return fmt.Errorf("metrics are disabled in %s", configPath)
			}
			conn, err := db.Connect("file:" + cfg.MetricsDB)
			if err != nil {
				return err
			}
			defer conn.Close()
			store, err := metrics.NewStore(conn, nil)
			if err != nil {
				return err
			}
			summaries, err := store.Summarize()
			if err != nil {
				return err
			}
			for _, s := range summaries {
				fmt.Fprintf(cmd.OutOrStdout(), "%s: %d generations, %d tokens, avg %.1f tok/s, peak %.1f tok/s\n",
					s.Model, s.Generations, s.TotalTokens, s.AvgRate, s.PeakRate)
			}
			return nil
		},
	}
	root.AddCommand(statsCmd)

	return root
}

func newLogger(cfg config.LogConfig) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

func runChat(cmd *cobra.Command, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("run 'fireside init' first: %w", err)
	}
	logger := newLogger(cfg.Log)
	slog.SetDefault(logger)

	b, err := backend.New(cfg.Settings.Backend, logger)
	if err != nil {
		return err
	}
	defer b.Unload()

	// Prune against the backend's own counts; the remote server offers no
	// tokenize endpoint, so a real tokenizer beats its chars/4 fallback.
	var counter domain.MessageCounter = backendCounter{backend: b}
	if cfg.Settings.Backend == domain.BackendRemote {
		if tk, err := tokenizer.NewTikToken("cl100k_base"); err == nil {
			counter = tokenizer.NewMessageCounter(tk)
		} else {
			logger.Warn("tokenizer unavailable, pruning on heuristic counts", "error", err)
		}
	}
	pruner := prune.NewManager(counter, cfg.Pruning)

	display := cli.NewConsoleDisplay(cmd.OutOrStdout(), true)
	opts := []chat.ControllerOption{chat.WithLogger(logger)}

	var stats *metrics.Store
	if cfg.MetricsDB != "" {
		conn, err := db.Connect("file:" + cfg.MetricsDB)
		if err != nil {
			return err
		}
		defer conn.Close()
		stats, err = metrics.NewStore(conn, logger)
		if err != nil {
			return err
		}
		opts = append(opts, chat.WithMetrics(stats))
	}

	ctrl := chat.NewController(b, pruner, display, opts...)
	ctx := cmd.Context()
	if err := ctrl.Load(ctx, cfg.Settings); err != nil {
		return err
	}

	// Reload sampling and pruning knobs when the config file is edited; a
	// backend or model change still needs a restart.
	watcher := config.NewWatcher(configPath, logger)
	if err := watcher.Start(func(updated *config.Config) {
		if err := ctrl.SetSampling(updated.Settings.Sampling); err != nil {
			logger.Warn("config reload: sampling not applied", "error", err)
		}
	}); err != nil {
		logger.Warn("config watcher unavailable", "error", err)
	} else {
		defer watcher.Stop()
	}

	// Ctrl-C stops the in-flight generation instead of killing the program.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)
	defer signal.Stop(sigCh)
	go func() {
		for range sigCh {
			ctrl.Stop()
		}
	}()

	var presets []config.Preset
	if cfg.PresetsPath != "" {
		if presets, err = config.LoadPresets(cfg.PresetsPath); err != nil {
			logger.Warn("presets unavailable", "error", err)
		}
	}

	var store *chatstore.Store
	if cfg.ChatsDir != "" {
		store = chatstore.NewStore(cfg.ChatsDir)
	}

	repl := cli.NewREPL(ctrl, store, stats, presets, cmd.OutOrStdout())
	return repl.Run(ctx, cmd.InOrStdin())
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM)
	defer stop()
	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
