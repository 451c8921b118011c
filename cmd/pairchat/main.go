package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"pairchat/internal/blob"
	"pairchat/internal/bus"
	"pairchat/internal/chat"
	"pairchat/internal/config"
	"pairchat/internal/domain"
	"pairchat/internal/env"
	"pairchat/internal/metrics"
	"pairchat/internal/schedule"
	"pairchat/internal/store"

	"github.com/spf13/cobra"
)

var (
	version    = "0.1.0"
	logger     *slog.Logger
	configPath string // overridable via --config flag
)

func main() {
	logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	root := &cobra.Command{
		Use:     "pairchat",
		Short:   "pairchat: two-party chat with offline-tolerant sync",
		Long:    "pairchat keeps a two-party conversation in sync with a shared document store: live updates, presence, read receipts, history paging and scheduled messages.",
		Version: version,
	}

	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config.json (default: ~/.pairchat/config.json)")

	root.AddCommand(initCmd())
	root.AddCommand(chatCmd())
	root.AddCommand(statusCmd())
	root.AddCommand(schedulesCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init [self] [peer]",
		Short: "Initialize config and data directory",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgDir := config.DefaultConfigDir()
			cfgPath := config.DefaultConfigPath()
			if err := os.MkdirAll(cfgDir, 0o755); err != nil {
				return err
			}
			cfg := config.Defaults()
			cfg.Participants.Self = args[0]
			cfg.Participants.Peer = args[1]
			if err := config.Save(cfgPath, cfg); err != nil {
				return err
			}
			if err := os.MkdirAll(cfg.Blob.Dir, 0o755); err != nil {
				return err
			}
			logger.Info("initialized", "config", cfgPath, "dataDir", cfg.General.DataDir)
			return nil
		},
	}
}

func chatCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "chat",
		Short: "Start interactive chat",
		RunE:  runChat,
	}
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show configuration and store health",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			cfg, err := config.Load(cfgPath)
			if err != nil {
				logger.Info("config", "path", cfgPath, "loaded", false)
				cfg = config.Defaults()
			} else {
				logger.Info("config", "path", cfgPath, "loaded", true)
			}
			logger.Info("participants", "self", cfg.Participants.Self, "peer", cfg.Participants.Peer)
			logger.Info("store", "backend", cfg.Store.Backend)

			ctx := context.Background()
			st, closeStore, err := openStore(ctx, cfg)
			if err != nil {
				logger.Warn("store", "reachable", false, "err", err)
				return nil
			}
			defer closeStore()
			msgs, err := st.QueryNewest(ctx, 1)
			if err != nil {
				logger.Warn("store", "reachable", false, "err", err)
				return nil
			}
			logger.Info("store", "reachable", true, "hasMessages", len(msgs) > 0)
			return nil
		},
	}
}

func schedulesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "schedules",
		Short: "Manage scheduled messages",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List scheduled messages",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(func(ctx context.Context, cfg *config.Config, st domain.DocumentStore) error {
				scheds, err := st.ListSchedules(ctx)
				if err != nil {
					return err
				}
				if len(scheds) == 0 {
					fmt.Println("no schedules")
					return nil
				}
				for _, s := range scheds {
					state := "enabled"
					if !s.Enabled {
						state = "disabled"
					}
					if s.Sent {
						state = "sent"
					}
					fmt.Printf("%s  %-8s  %s  %s  %q\n", s.ID, s.Recurrence, s.FireAt.Format("2006-01-02 15:04"), state, s.Text)
				}
				return nil
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "import [file]",
		Short: "Import schedules from a YAML file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(func(ctx context.Context, cfg *config.Config, st domain.DocumentStore) error {
				defs, err := schedule.LoadFile(args[0])
				if err != nil {
					return err
				}
				self := domain.Participant(cfg.Participants.Self)
				n, err := schedule.Import(ctx, st, self, defs, time.Now(), logger)
				if err != nil {
					return fmt.Errorf("imported %d before failing: %w", n, err)
				}
				logger.Info("schedules imported", "count", n, "file", args[0])
				return nil
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "export [file]",
		Short: "Export schedules to a YAML file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(func(ctx context.Context, cfg *config.Config, st domain.DocumentStore) error {
				n, err := schedule.SaveFile(ctx, st, args[0])
				if err != nil {
					return err
				}
				logger.Info("schedules exported", "count", n, "file", args[0])
				return nil
			})
		},
	})

	return cmd
}

// resolveConfigPath returns the config path from --config flag or default.
func resolveConfigPath() string {
	if configPath != "" {
		return configPath
	}
	return config.DefaultConfigPath()
}

func loadConfig() (*config.Config, error) {
	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		logger.Warn("config not found, using defaults", "path", cfgPath, "err", err)
		cfg = config.Defaults()
	}
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// openStore builds the configured document store backend.
func openStore(ctx context.Context, cfg *config.Config) (domain.DocumentStore, func(), error) {
	switch cfg.Store.Backend {
	case "sqlite":
		s, err := store.NewSQLiteStore(cfg.Store.DBPath, logger)
		if err != nil {
			return nil, nil, err
		}
		return s, func() { _ = s.Close() }, nil
	case "remote":
		s, err := store.DialRemote(ctx, cfg.Store.URL, logger)
		if err != nil {
			return nil, nil, err
		}
		return s, func() { _ = s.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
	}
}

// withStore runs fn against the configured store with config loaded and the
// store closed afterwards.
func withStore(fn func(ctx context.Context, cfg *config.Config, st domain.DocumentStore) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ctx := context.Background()
	st, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore()
	return fn(ctx, cfg, st)
}

func runChat(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.Participants.Self == "" || cfg.Participants.Peer == "" {
		return fmt.Errorf("participants not configured, run: pairchat init <self> <peer>")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	blobs, err := blob.NewFileStore(cfg.Blob.Dir)
	if err != nil {
		return err
	}

	signals := env.NewSignals(logger)
	events := bus.New(logger)

	core := chat.New(chat.Deps{
		Config: cfg,
		Store:  st,
		Blobs:  blobs,
		Env:    signals,
		Bus:    events,
		Logger: logger,
	})
	if err := core.Start(ctx); err != nil {
		return err
	}
	defer core.Close()

	if cfg.Metrics.Enabled {
		go func() {
			if err := metrics.Serve(cfg.Metrics.Addr); err != nil {
				logger.Warn("metrics endpoint failed", "addr", cfg.Metrics.Addr, "err", err)
			}
		}()
	}

	repl := newREPL(core, events, cfg, signals)
	return repl.run(ctx)
}
