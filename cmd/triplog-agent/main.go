// Package main is the entrypoint for the Triplog device agent CLI.
package main

import (
	"bufio"
	"context"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/triplog-app/triplog/internal/agent"
	"github.com/triplog-app/triplog/internal/config"
)

// Build-time variables set via ldflags.
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildDate = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "triplog-agent",
		Short: "Triplog device agent - offline-first trip sync",
		Long: `Triplog Agent keeps a local queue of trip, vehicle and expense changes
and syncs them with a Triplog server whenever it is reachable.

Run 'triplog-agent register' to connect to a server.`,
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		newVersionCmd(),
		newRegisterCmd(),
		newConfigCmd(),
		newStatusCmd(),
		newSyncCmd(),
		newFailedCmd(),
		newResetCursorCmd(),
		newStartCmd(),
	)

	return rootCmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("Triplog Agent %s\n", Version)
			fmt.Printf("  Commit:     %s\n", Commit)
			fmt.Printf("  Built:      %s\n", BuildDate)
			fmt.Printf("  Go version: %s\n", runtime.Version())
			fmt.Printf("  OS/Arch:    %s/%s\n", runtime.GOOS, runtime.GOARCH)
		},
	}
}

func newRegisterCmd() *cobra.Command {
	var serverURL string

	cmd := &cobra.Command{
		Use:   "register",
		Short: "Register this device with a Triplog server",
		Long: `Register this device with a Triplog server.

You will be prompted for your account email and password. The server
issues a device token which is stored in ~/.triplog/config.yml.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRegister(serverURL)
		},
	}

	cmd.Flags().StringVar(&serverURL, "server", "", "Triplog server URL (required)")
	_ = cmd.MarkFlagRequired("server")

	return cmd
}

func runRegister(serverURL string) error {
	parsed, err := url.Parse(serverURL)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return fmt.Errorf("invalid server URL %q (expected e.g. https://triplog.example.com)", serverURL)
	}

	reader := bufio.NewReader(os.Stdin)

	fmt.Print("Email: ")
	email, err := reader.ReadString('\n')
	if err != nil {
		return fmt.Errorf("read email: %w", err)
	}
	email = strings.TrimSpace(email)

	fmt.Print("Password: ")
	password, err := reader.ReadString('\n')
	if err != nil {
		return fmt.Errorf("read password: %w", err)
	}
	password = strings.TrimSpace(password)

	deviceName, err := os.Hostname()
	if err != nil || deviceName == "" {
		deviceName = "triplog-device"
	}

	client := agent.NewClient(serverURL, "")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	deviceID, token, err := client.RegisterDevice(ctx, email, password, deviceName)
	if err != nil {
		return fmt.Errorf("register device: %w", err)
	}

	cfg, err := config.LoadDefault()
	if err != nil {
		cfg = &config.AgentConfig{}
	}
	cfg.ServerURL = serverURL
	cfg.DeviceToken = token
	cfg.DeviceID = deviceID

	if err := cfg.SaveDefault(); err != nil {
		return fmt.Errorf("save config: %w", err)
	}

	fmt.Printf("Registered device %q (%s) with %s\n", deviceName, deviceID, serverURL)
	return nil
}

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage agent configuration",
	}
	cmd.AddCommand(newConfigShowCmd(), newConfigSetServerCmd())
	return cmd
}

func newConfigShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show current configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadDefault()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			fmt.Printf("Server URL:    %s\n", valueOr(cfg.ServerURL, "(not set)"))
			fmt.Printf("Device ID:     %s\n", valueOr(cfg.DeviceID, "(not registered)"))
			if cfg.DeviceToken != "" {
				fmt.Println("Device token:  (set)")
			} else {
				fmt.Println("Device token:  (not set)")
			}
			fmt.Printf("Queue path:    %s\n", valueOr(cfg.QueuePath, defaultQueuePathOrEmpty()))
			if cfg.SyncInterval > 0 {
				fmt.Printf("Sync interval: %s\n", cfg.SyncInterval)
			} else {
				fmt.Printf("Sync interval: %s (default)\n", agent.DefaultSessionConfig().SyncInterval)
			}
			fmt.Printf("Listen:        %t\n", cfg.Listen)
			return nil
		},
	}
}

func newConfigSetServerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set-server <url>",
		Short: "Set the server URL",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			parsed, err := url.Parse(args[0])
			if err != nil || parsed.Scheme == "" || parsed.Host == "" {
				return fmt.Errorf("invalid server URL %q", args[0])
			}

			cfg, err := config.LoadDefault()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			cfg.ServerURL = args[0]
			if err := cfg.SaveDefault(); err != nil {
				return fmt.Errorf("save config: %w", err)
			}

			fmt.Printf("Server URL set to %s\n", args[0])
			return nil
		},
	}
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show queue status and server connection",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, session, cleanup, err := openSession()
			if err != nil {
				return err
			}
			defer cleanup()

			ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()

			reachable := agent.NewClient(cfg.ServerURL, cfg.DeviceToken).CheckHealth(ctx) == nil

			status, err := session.Status(ctx)
			if err != nil {
				return fmt.Errorf("read queue status: %w", err)
			}

			fmt.Printf("Server:          %s\n", cfg.ServerURL)
			if reachable {
				fmt.Println("Connection:      reachable")
			} else {
				fmt.Println("Connection:      unreachable")
			}
			fmt.Printf("Queued:          %d (%d pending, %d failed)\n",
				status.TotalQueued, status.PendingCount, status.FailedCount)
			if status.OldestPendingAt != nil {
				fmt.Printf("Oldest pending:  %s\n", status.OldestPendingAt.Local().Format(time.RFC1123))
			}
			if status.LastSuccessSync != nil {
				fmt.Printf("Last sync:       %s\n", status.LastSuccessSync.Local().Format(time.RFC1123))
			} else {
				fmt.Println("Last sync:       never")
			}
			if !status.Cursor.IsZero() {
				fmt.Printf("Cursor:          %s\n", status.Cursor.UTC().Format(time.RFC3339))
			} else {
				fmt.Println("Cursor:          (initial full pull)")
			}
			return nil
		},
	}
}

func newSyncCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Drain the queue and pull changes once",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, session, cleanup, err := openSession()
			if err != nil {
				return err
			}
			defer cleanup()

			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
			defer cancel()

			if err := session.SyncNow(ctx); err != nil {
				return fmt.Errorf("sync: %w", err)
			}

			status, err := session.Status(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("Sync complete. %d pending, %d failed.\n", status.PendingCount, status.FailedCount)
			return nil
		},
	}
}

func newFailedCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "failed",
		Short: "List operations that were permanently rejected",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, session, cleanup, err := openSession()
			if err != nil {
				return err
			}
			defer cleanup()

			ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()

			failed, err := session.FailedOperations(ctx)
			if err != nil {
				return fmt.Errorf("list failed operations: %w", err)
			}
			if len(failed) == 0 {
				fmt.Println("No failed operations.")
				return nil
			}

			for _, op := range failed {
				fmt.Printf("%s  %s %s %s\n    %s\n",
					op.Operation.IdempotencyKey,
					op.Operation.Action,
					op.Operation.EntityType,
					op.Operation.EntityID,
					op.LastError)
			}
			return nil
		},
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "discard <idempotency-key>",
		Short: "Drop a permanently failed operation from the queue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, session, cleanup, err := openSession()
			if err != nil {
				return err
			}
			defer cleanup()

			ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()

			if err := session.DiscardFailed(ctx, args[0]); err != nil {
				return fmt.Errorf("discard: %w", err)
			}
			fmt.Println("Operation discarded.")
			return nil
		},
	})

	return cmd
}

func newResetCursorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reset-cursor",
		Short: "Clear the pull cursor, forcing a full re-pull on next sync",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, session, cleanup, err := openSession()
			if err != nil {
				return err
			}
			defer cleanup()

			ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()

			if err := session.ResetCursor(ctx); err != nil {
				return fmt.Errorf("reset cursor: %w", err)
			}
			fmt.Println("Cursor reset. Next sync pulls the full dataset.")
			return nil
		},
	}
}

func newStartCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start the agent daemon",
		Long: `Start the Triplog agent as a long-running daemon process.

The daemon will:
  - Drain the local queue whenever the server is reachable
  - Back off failed operations exponentially
  - Listen for change pings over a websocket when enabled`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon()
		},
	}
	return cmd
}

func runDaemon() error {
	logger := zerolog.New(os.Stderr).With().Timestamp().Logger()

	cfg, session, cleanup, err := openSession()
	if err != nil {
		return err
	}
	defer cleanup()

	fmt.Printf("Triplog Agent %s starting...\n", Version)
	fmt.Printf("Server: %s\n", cfg.ServerURL)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := session.Start(ctx); err != nil {
		return fmt.Errorf("start session: %w", err)
	}
	defer session.Stop()

	// Websocket listener: a change ping from another device triggers an
	// immediate sync instead of waiting for the next interval.
	if cfg.Listen {
		client := agent.NewClient(cfg.ServerURL, cfg.DeviceToken)
		go func() {
			for ctx.Err() == nil {
				err := client.Listen(ctx, func() {
					logger.Debug().Msg("change ping received, syncing")
					syncCtx, syncCancel := context.WithTimeout(ctx, 2*time.Minute)
					if err := session.SyncNow(syncCtx); err != nil {
						logger.Warn().Err(err).Msg("ping-triggered sync failed")
					}
					syncCancel()
				})
				if ctx.Err() != nil {
					return
				}
				logger.Warn().Err(err).Msg("listen connection dropped, reconnecting")
				select {
				case <-time.After(10 * time.Second):
				case <-ctx.Done():
					return
				}
			}
		}()
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	fmt.Println("Agent daemon running. Press Ctrl+C to stop.")
	sig := <-sigChan
	fmt.Printf("\nReceived %s, shutting down...\n", sig)
	return nil
}

// openSession loads the config, opens the queue store and builds a session.
// The returned cleanup closes the store.
func openSession() (*config.AgentConfig, *agent.Session, func(), error) {
	cfg, err := config.LoadDefault()
	if err != nil {
		return nil, nil, nil, fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, nil, fmt.Errorf("agent not configured (run 'triplog-agent register'): %w", err)
	}

	queuePath := cfg.QueuePath
	if queuePath == "" {
		dir, err := config.DefaultConfigDir()
		if err != nil {
			return nil, nil, nil, err
		}
		queuePath = filepath.Join(dir, "queue.db")
	}

	logger := zerolog.New(os.Stderr).With().Timestamp().Logger()
	store, err := agent.NewSQLiteStore(queuePath, logger)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("open queue: %w", err)
	}

	sessionCfg := agent.DefaultSessionConfig()
	if cfg.SyncInterval > 0 {
		sessionCfg.SyncInterval = cfg.SyncInterval
	}

	client := agent.NewClient(cfg.ServerURL, cfg.DeviceToken)
	session := agent.NewSession(store, client, nil, sessionCfg, logger)

	cleanup := func() {
		if err := store.Close(); err != nil {
			logger.Warn().Err(err).Msg("failed to close queue store")
		}
	}
	return cfg, session, cleanup, nil
}

func valueOr(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}

func defaultQueuePathOrEmpty() string {
	dir, err := config.DefaultConfigDir()
	if err != nil {
		return "(default)"
	}
	return filepath.Join(dir, "queue.db") + " (default)"
}
