package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/tetherd-dev/tetherd/internal/config"
	"github.com/tetherd-dev/tetherd/internal/cron"
	"github.com/tetherd-dev/tetherd/internal/eventbus"
	"github.com/tetherd-dev/tetherd/internal/remote"
	"github.com/tetherd-dev/tetherd/internal/session"
	tetherdversion "github.com/tetherd-dev/tetherd/internal/version"
	"github.com/tetherd-dev/tetherd/internal/workflow"
)

var dataDir string

func main() {
	rootCmd := &cobra.Command{
		Use:           "tetherd",
		Short:         "Tetherd daemon - remote access for the local agent",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          runDaemon,
	}
	rootCmd.Version = tetherdversion.String()
	rootCmd.SetVersionTemplate("{{printf \"%s\\n\" .Version}}")
	rootCmd.PersistentFlags().StringVar(&dataDir, "data-dir", "", "data directory (default ~/.tetherd)")

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runDaemon(cmd *cobra.Command, args []string) error {
	paths, err := config.EnsureDataDirs(dataDir)
	if err != nil {
		return fmt.Errorf("failed to prepare data directories: %w", err)
	}

	if err := setupLogging(paths); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialise logging: %v\n", err)
	}

	bus := eventbus.New()

	store, err := session.OpenStore(paths.SessionsDB)
	if err != nil {
		return fmt.Errorf("failed to open session store: %w", err)
	}
	defer store.Close()

	sessions := session.NewRuntime(store, bus, nil)

	crons := cron.NewEngine(bus, nil)
	crons.Start()
	defer crons.Stop()

	workflows := workflow.NewEngine(crons, bus, nil)

	svc := remote.NewService(remote.Deps{
		Bus:       bus,
		Sessions:  sessions,
		Crons:     crons,
		Workflows: workflows,
	})
	if err := svc.Initialize(paths.Home); err != nil {
		return fmt.Errorf("failed to initialize remote service: %w", err)
	}

	admin := remote.NewAdminServer(svc)
	if err := admin.Start(paths.AdminSocket); err != nil {
		return fmt.Errorf("failed to start admin API: %w", err)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	status := svc.Status()
	log.Printf("Tetherd daemon started (PID: %d)", os.Getpid())
	log.Printf("Remote access enabled: %t, gateway running: %t (port %d)",
		status.Enabled, status.GatewayRunning, status.GatewayPort)

	sig := <-sigChan
	log.Printf("Received signal %s, shutting down...", sig)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := admin.Stop(ctx); err != nil {
		log.Printf("Error stopping admin API: %v", err)
	}
	svc.Shutdown(ctx)
	bus.Shutdown()

	log.Println("Daemon stopped")
	return nil
}

func setupLogging(paths config.DataPaths) error {
	logPath := filepath.Join(paths.Logs, "daemon.log")
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}

	multi := io.MultiWriter(os.Stdout, logFile)
	log.SetOutput(multi)
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	log.Printf("=== Tetherd Daemon Starting (PID: %d) ===", os.Getpid())
	log.Printf("Log file: %s", logPath)
	return nil
}
