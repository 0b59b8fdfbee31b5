package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"

	"github.com/user/aegis/internal/config"
	"github.com/user/aegis/internal/core"
	"github.com/user/aegis/internal/executor"
	"github.com/user/aegis/internal/notify"
	"github.com/user/aegis/internal/scanner"
	"github.com/user/aegis/internal/server"
	"github.com/user/aegis/internal/store"
)

func init() {
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the relay daemon",
	RunE:  runServe,
}

func writePIDFile(dataDir string) (string, error) {
	pidPath := filepath.Join(dataDir, "aegis.pid")
	pid := os.Getpid()
	if err := os.WriteFile(pidPath, []byte(strconv.Itoa(pid)+"\n"), 0644); err != nil {
		return "", fmt.Errorf("write PID file: %w", err)
	}
	return pidPath, nil
}

// newExecutor wires the action executor with the telegram delivery channel
// when a bot token is configured.
func newExecutor(cfg *config.Config, st *store.Store) (*executor.Executor, error) {
	opts := []executor.Option{
		executor.WithTrackingBaseURL(cfg.TrackingBaseURL),
	}
	if cfg.Telegram.Token != "" {
		tg, err := notify.NewTelegram(cfg.Telegram.Token)
		if err != nil {
			return nil, fmt.Errorf("create telegram sender: %w", err)
		}
		registry := notify.NewRegistry()
		registry.Register("telegram:", tg.Send)
		opts = append(opts, executor.WithNotifier(notify.NewCircleNotifier(registry)))
	} else {
		slog.Warn("telegram delivery disabled (no token); circle alerts persist to store only")
	}
	return executor.New(st, opts...), nil
}

func newCoreClient(cfg *config.Config) *core.Client {
	return core.New(&core.Config{
		BaseURL:      cfg.Core.BaseURL,
		AppID:        cfg.Core.AppID,
		WorkspaceID:  cfg.Core.WorkspaceID,
		ServiceToken: cfg.Core.ServiceToken,
		Timeout:      time.Duration(cfg.Core.TimeoutSeconds) * time.Second,
	})
}

func scanConfig(cfg *config.Config) scanner.Config {
	return scanner.Config{
		T1:       time.Duration(cfg.Scan.T1Minutes) * time.Minute,
		T2:       time.Duration(cfg.Scan.T2Minutes) * time.Minute,
		T3:       time.Duration(cfg.Scan.T3Minutes) * time.Minute,
		Cooldown: time.Duration(cfg.Scan.CooldownMinutes) * time.Minute,
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg := loadConfig()
	setupLogging(cfg)

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	pidPath, err := writePIDFile(cfg.DataDir)
	if err != nil {
		return err
	}
	defer os.Remove(pidPath)

	st, err := store.Open(dsn(cfg))
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}

	coreClient := newCoreClient(cfg)

	exec, err := newExecutor(cfg, st)
	if err != nil {
		return err
	}

	scn := scanner.New(st, coreClient, exec, scanConfig(cfg))

	srv := server.New(st, st, coreClient)
	httpServer := &http.Server{
		Addr:    cfg.Addr,
		Handler: srv,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Local queue processor: retries any events queued while the relay
	// endpoint was unreachable.
	o, err := openOutbox(cfg)
	if err != nil {
		return fmt.Errorf("open outbox: %w", err)
	}
	go o.Run(ctx)

	// Inactivity scan on a fixed schedule, panics contained per run.
	c := cron.New(cron.WithChain(cron.Recover(cron.DefaultLogger)))
	if _, err := c.AddFunc(cfg.Scan.Schedule, func() { scn.Scan(ctx) }); err != nil {
		return fmt.Errorf("schedule inactivity scan: %w", err)
	}
	c.Start()
	defer func() {
		stopCtx := c.Stop()
		<-stopCtx.Done()
	}()

	errCh := make(chan error, 1)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	slog.Info("aegis started",
		"addr", cfg.Addr,
		"data_dir", cfg.DataDir,
		"log_level", cfg.LogLevel,
		"scan_schedule", cfg.Scan.Schedule,
		"core_url", cfg.Core.BaseURL,
		"pid_file", pidPath,
	)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-sigChan:
	}

	slog.Info("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	return httpServer.Shutdown(shutdownCtx)
}
