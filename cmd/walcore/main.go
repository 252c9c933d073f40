package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/mchavezi/smartcdc-backend/internal/archive"
	"github.com/mchavezi/smartcdc-backend/internal/config"
	"github.com/mchavezi/smartcdc-backend/internal/controlplane"
	"github.com/mchavezi/smartcdc-backend/internal/events"
	"github.com/mchavezi/smartcdc-backend/internal/httpapi"
	"github.com/mchavezi/smartcdc-backend/internal/leaderelect"
	"github.com/mchavezi/smartcdc-backend/internal/log"
	"github.com/mchavezi/smartcdc-backend/internal/replstream"
	"github.com/mchavezi/smartcdc-backend/internal/storage/checkpoint"
	"github.com/mchavezi/smartcdc-backend/internal/supervisor"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "walcore",
	Short:   "walcore - Postgres WAL change-data-capture listener",
	Long:    `walcore streams logical replication changes out of Postgres and archives them as structured change events.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"walcore version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))
	rootCmd.AddCommand(runCmd)
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the WAL listener core: supervisor, stream workers, and the control HTTP surface",
	RunE:  runWalcore,
}

func runWalcore(cmd *cobra.Command, args []string) error {
	cfg := config.Load()

	log.Init(log.Config{
		Level:      log.Level(cfg.LogLevel),
		JSONOutput: cfg.LogJSON,
	})
	logger := log.WithComponent("main")

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	controlStore, err := controlplane.Open(ctx, controlplane.Config{
		Host:     cfg.ControlStore.Host,
		Port:     cfg.ControlStore.Port,
		Database: cfg.ControlStore.Database,
		User:     cfg.ControlStore.User,
		Password: cfg.ControlStore.Password,
	})
	if err != nil {
		return fmt.Errorf("open control-plane store: %w", err)
	}
	defer controlStore.Close()

	archiveStore, err := archive.Open(ctx, archive.Config{
		Host:     cfg.ArchiveStore.Host,
		Port:     cfg.ArchiveStore.Port,
		Database: cfg.ArchiveStore.Database,
		User:     cfg.ArchiveStore.User,
		Password: cfg.ArchiveStore.Password,
	})
	if err != nil {
		return fmt.Errorf("open archive store: %w", err)
	}
	defer archiveStore.Close()

	checkpoints, err := checkpoint.Open(filepath.Dir(cfg.CheckpointDBPath))
	if err != nil {
		return fmt.Errorf("open checkpoint cache: %w", err)
	}
	defer checkpoints.Close()

	election, err := leaderelect.Bootstrap(leaderelect.Config{
		NodeID:   cfg.RaftNodeID,
		BindAddr: cfg.RaftBindAddr,
		DataDir:  cfg.RaftDataDir,
	})
	if err != nil {
		return fmt.Errorf("bootstrap leader election: %w", err)
	}
	defer election.Shutdown() //nolint:errcheck

	leaderStopCh := make(chan struct{})
	go election.Watch(leaderStopCh)
	defer close(leaderStopCh)

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	sup := supervisor.New(supervisor.Config{
		ControlPlane:  controlStore,
		ArchiveStore:  archiveStore,
		Checkpoints:   checkpoints,
		Leader:        election,
		CheckInterval: cfg.CheckInterval,
		WorkerTiming: replstream.Timing{
			FeedbackInterval: cfg.FeedbackInterval,
			ReconnectBackoff: cfg.ReconnectBackoff,
			ReadTimeout:      cfg.ReadTimeout,
		},
		EventBroker: broker,
	})
	sup.Start(ctx)
	defer sup.Stop()

	server := httpapi.New(cfg.HTTPAddr, sup)
	go func() {
		if err := server.ListenAndServe(); err != nil {
			logger.Error().Err(err).Msg("control surface exited")
		}
	}()

	logger.Info().Str("http_addr", cfg.HTTPAddr).Msg("walcore started")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info().Msg("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("control surface shutdown error")
	}

	return nil
}
