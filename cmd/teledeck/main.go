package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/teledeck/teledeck/pkg/auth"
	"github.com/teledeck/teledeck/pkg/bus"
	"github.com/teledeck/teledeck/pkg/channels"
	"github.com/teledeck/teledeck/pkg/config"
	"github.com/teledeck/teledeck/pkg/dispatch"
	"github.com/teledeck/teledeck/pkg/logger"
	"github.com/teledeck/teledeck/pkg/menu"
	"github.com/teledeck/teledeck/pkg/session"
	"github.com/teledeck/teledeck/pkg/sshexec"
)

var (
	version   = "dev"
	gitCommit string
)

func main() {
	var configPath string
	var debug bool

	root := &cobra.Command{
		Use:   "teledeck",
		Short: "Telegram button deck for remote commands over SSH",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), configPath, debug)
		},
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "./teledeck.json", "Path to process config")
	root.PersistentFlags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")

	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(_ *cobra.Command, _ []string) {
			v := version
			if gitCommit != "" {
				v += fmt.Sprintf(" (git: %s)", gitCommit)
			}
			fmt.Printf("teledeck %s (%s)\n", v, runtime.Version())
		},
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, configPath string, debug bool) error {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	if debug {
		logger.SetLevel(logger.DEBUG)
	} else {
		logger.SetLevel(logger.ParseLevel(cfg.LogLevel))
	}
	if cfg.LogFile != "" {
		if err := logger.EnableFileLogging(cfg.LogFile); err != nil {
			return err
		}
	}

	// An invalid menu at startup is fatal; only reload falls back to the
	// previous snapshot.
	store, err := menu.NewStore(cfg.MenuPath)
	if err != nil {
		return fmt.Errorf("load menu: %w", err)
	}

	runtimeDir, err := cfg.RuntimePath()
	if err != nil {
		return err
	}

	runner, err := sshexec.FromConfig(cfg.SSH, runtimeDir)
	if err != nil {
		return fmt.Errorf("ssh setup: %w", err)
	}
	defer runner.Close()

	gate := auth.NewAllowlist(cfg.Telegram.AllowFrom)
	if gate.Size() == 0 {
		logger.WarnC("main", "Allowlist is empty, nobody can use the bot")
	}

	eb := bus.NewEventBus()
	sessions := session.NewTracker()
	dispatcher := dispatch.NewDispatcher(eb, store, gate, sessions, runner)

	channel, err := channels.NewTelegramChannel(cfg.Telegram, eb)
	if err != nil {
		return err
	}
	if err := channel.Start(ctx); err != nil {
		return err
	}
	defer channel.Stop(context.Background())

	go dispatcher.Run(ctx)

	// Outbound pump: deliver dispatcher replies back to Telegram.
	go func() {
		for {
			msg, ok := eb.ConsumeOutbound(ctx)
			if !ok {
				return
			}
			if err := channel.Send(ctx, msg); err != nil {
				logger.ErrorCF("main", "Failed to deliver reply", map[string]any{
					"chat_id": msg.ChatID,
					"error":   err.Error(),
				})
			}
		}
	}()

	logger.InfoCF("main", "teledeck started", map[string]any{
		"version":  version,
		"ssh_host": cfg.SSH.Host,
		"commands": len(store.Active().Commands),
	})

	<-ctx.Done()
	logger.InfoC("main", "Shutting down...")
	eb.Close()
	return nil
}
