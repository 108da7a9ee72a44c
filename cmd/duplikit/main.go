package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/duplikit/duplikit/pkg/api"
	"github.com/duplikit/duplikit/pkg/approval"
	"github.com/duplikit/duplikit/pkg/config"
	"github.com/duplikit/duplikit/pkg/coordinator"
	"github.com/duplikit/duplikit/pkg/events"
	"github.com/duplikit/duplikit/pkg/log"
	"github.com/duplikit/duplikit/pkg/registry"
	"github.com/duplikit/duplikit/pkg/service"
	"github.com/duplikit/duplikit/pkg/staging"
	"github.com/duplikit/duplikit/pkg/storage"
	"github.com/duplikit/duplikit/pkg/sweeper"
	"github.com/spf13/cobra"
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
	Use:   "duplikit",
	Short: "Duplikit - block-device clone orchestration",
	Long: `Duplikit is the control plane for cloning block devices between
machines. Node agents stream devices directly or through a staging
backend; duplikit tracks sessions, plans partition resizing, and
serves progress to operators.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Duplikit version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.AddCommand(serverCmd)
	rootCmd.AddCommand(sessionCmd)
	rootCmd.AddCommand(planCmd)
	rootCmd.AddCommand(eventsCmd)
}

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Run the duplikit control plane",
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath, _ := cmd.Flags().GetString("config")
		apiAddr, _ := cmd.Flags().GetString("api-addr")
		dataDir, _ := cmd.Flags().GetString("data-dir")

		cfg := config.Default()
		if configPath != "" {
			loaded, err := config.Load(configPath)
			if err != nil {
				return err
			}
			cfg = loaded
		}
		if apiAddr != "" {
			cfg.APIAddr = apiAddr
		}
		if dataDir != "" {
			cfg.DataDir = dataDir
		}

		return runServer(cfg)
	},
}

func init() {
	serverCmd.Flags().String("config", "", "Path to YAML config file")
	serverCmd.Flags().String("api-addr", "", "HTTP API listen address (overrides config)")
	serverCmd.Flags().String("data-dir", "", "Data directory (overrides config)")
}

func runServer(cfg *config.Config) error {
	log.Init(log.Config{
		Level:      log.Level(cfg.Log.Level),
		JSONOutput: cfg.Log.JSON,
	})
	logger := log.WithComponent("server")

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return fmt.Errorf("failed to create data dir: %w", err)
	}

	store, err := storage.NewBoltStore(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer store.Close()

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	backends := staging.NewSet()
	for _, sc := range cfg.Staging {
		backend, err := staging.NewFilesystemBackend(sc.ID, sc.Root)
		if err != nil {
			return fmt.Errorf("staging backend %s: %w", sc.ID, err)
		}
		backends.Add(backend)
		logger.Info().Str("backend_id", sc.ID).Str("root", sc.Root).Msg("staging backend registered")
	}

	var resolver registry.Resolver = registry.PermissiveResolver{}
	if cfg.RegistryAddr != "" {
		resolver = registry.NewHTTPResolver(cfg.RegistryAddr)
		logger.Info().Str("registry", cfg.RegistryAddr).Msg("node registry configured")
	}

	coord := coordinator.New(store, broker, backends, coordinator.Config{
		ProgressWindow:    cfg.Progress.Window,
		ProgressStaleness: cfg.Progress.Staleness,
	})
	svc := service.New(store, coord, broker, resolver, backends, approval.OpenGate{})

	sweep := sweeper.New(store, coord, sweeper.Config{
		Interval:     cfg.Sweep.Interval,
		WaitDeadline: cfg.Sweep.WaitDeadline,
	})
	sweep.Start()
	defer sweep.Stop()

	apiServer := api.NewServer(svc, broker, store)
	errCh := make(chan error, 1)
	go func() {
		if err := apiServer.Start(cfg.APIAddr); err != nil {
			errCh <- err
		}
	}()

	logger.Info().
		Str("api_addr", cfg.APIAddr).
		Str("data_dir", cfg.DataDir).
		Str("version", Version).
		Msg("duplikit started")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigCh:
		logger.Info().Msg("shutting down")
	case err := <-errCh:
		logger.Error().Err(err).Msg("API server error")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shut down API server: %w", err)
	}
	return nil
}
