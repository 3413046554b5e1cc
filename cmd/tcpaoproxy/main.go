// tcpaoproxy is the sidecar TCP-AO proxy daemon: it runs as either an
// Initiator or a Terminator, retrofitting RFC 5925 TCP-AO onto a plain
// TCP session between two sidecars.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/asadarafat/tcpao-proxy/internal/config"
	"github.com/asadarafat/tcpao-proxy/internal/metrics"
	"github.com/asadarafat/tcpao-proxy/internal/mode"
	"github.com/asadarafat/tcpao-proxy/internal/tcpao"
	appversion "github.com/asadarafat/tcpao-proxy/internal/version"
)

func main() {
	os.Exit(run())
}

func run() int {
	var (
		modeFlag   string
		configPath string
		logFormat  string
		dryRun     bool
	)

	root := &cobra.Command{
		Use:           "tcpaoproxy",
		Short:         "RFC 5925 TCP-AO sidecar proxy",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(_ *cobra.Command, _ []string) error {
			return runProxy(modeFlag, configPath, logFormat, dryRun)
		},
	}

	root.PersistentFlags().StringVar(&modeFlag, "mode", "", "deployment mode: initiator or terminator")
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to TOML configuration file")
	root.PersistentFlags().StringVar(&logFormat, "log-format", "", "override global.log_format: text or json")
	root.PersistentFlags().BoolVar(&dryRun, "dry-run", false, "load and validate config, print a summary, exit without binding sockets")
	_ = root.MarkPersistentFlagRequired("mode")
	_ = root.MarkPersistentFlagRequired("config")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		return 1
	}
	return 0
}

func runProxy(modeFlag, configPath, logFormatOverride string, dryRun bool) error {
	var m config.Mode
	switch modeFlag {
	case string(config.ModeInitiator):
		m = config.ModeInitiator
	case string(config.ModeTerminator):
		m = config.ModeTerminator
	default:
		return fmt.Errorf("--mode must be %q or %q", config.ModeInitiator, config.ModeTerminator)
	}

	cfg, err := config.Load(configPath, m)
	if err != nil {
		slog.New(slog.NewTextHandler(os.Stderr, nil)).Error("failed to load configuration", "error", err)
		return err
	}
	if logFormatOverride != "" {
		cfg.Global.LogFormat = logFormatOverride
	}

	logger := newLogger(cfg.Global.LogFormat)
	logger.Info("tcpaoproxy starting", "version", appversion.Version, "mode", m)
	logger.Info(cfg.RedactedSummary(m))

	if dryRun {
		logger.Info("dry-run: configuration valid, exiting without binding sockets")
		return nil
	}

	binder := tcpao.NewBinder(logger)
	store, err := config.BuildStore(cfg.AoPolicy)
	if err != nil {
		return fmt.Errorf("build policy store: %w", err)
	}

	deps := mode.Deps{
		Global:  cfg.Global,
		Store:   store,
		Binder:  binder,
		Metrics: metrics.New(),
		Logger:  logger,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		switch m {
		case config.ModeInitiator:
			return mode.RunInitiator(gCtx, *cfg.Initiator, deps)
		default:
			return mode.RunTerminator(gCtx, *cfg.Terminator, deps)
		}
	})

	g.Go(func() error {
		return runWatchdog(gCtx, logger)
	})

	notifyReady(logger)
	defer notifyStopping(logger)

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("run: %w", err)
	}

	logger.Info("tcpaoproxy stopped")
	return nil
}

func newLogger(format string) *slog.Logger {
	if format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stdout, nil))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, nil))
}

// notifyReady sends READY=1 to systemd, following cmd/gobfd/main.go's
// SdNotify pattern.
func notifyReady(logger *slog.Logger) {
	sent, err := daemon.SdNotify(false, daemon.SdNotifyReady)
	if err != nil {
		logger.Warn("failed to notify systemd readiness", "error", err)
		return
	}
	if sent {
		logger.Info("notified systemd: READY")
	}
}

func notifyStopping(logger *slog.Logger) {
	sent, err := daemon.SdNotify(false, daemon.SdNotifyStopping)
	if err != nil {
		logger.Warn("failed to notify systemd stopping", "error", err)
		return
	}
	if sent {
		logger.Info("notified systemd: STOPPING")
	}
}

func runWatchdog(ctx context.Context, logger *slog.Logger) error {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil {
		logger.Warn("failed to check systemd watchdog", "error", err)
		return nil
	}
	if interval == 0 {
		return nil
	}

	ticker := time.NewTicker(interval / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, wdErr := daemon.SdNotify(false, daemon.SdNotifyWatchdog); wdErr != nil {
				logger.Warn("failed to send watchdog keepalive", "error", wdErr)
			}
		}
	}
}
