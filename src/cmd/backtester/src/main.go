package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/jiaming2012/hydra-backtester/src/cmd/backtester/src/run"
	"github.com/jiaming2012/hydra-backtester/src/config"
	"github.com/jiaming2012/hydra-backtester/src/logger"
	"github.com/jiaming2012/hydra-backtester/src/telemetry"
	"github.com/jiaming2012/hydra-backtester/src/utils"
)

// setup loads the environment and config, then configures logging and telemetry. The returned shutdown must
// be called before exit.
func setup(ctx context.Context, cmd *cobra.Command) (*config.SimulationConfig, func(context.Context) error, error) {
	configPath, err := cmd.Flags().GetString("config")
	if err != nil {
		return nil, nil, fmt.Errorf("error getting config: %w", err)
	}

	goEnv, err := cmd.Flags().GetString("env")
	if err != nil {
		return nil, nil, fmt.Errorf("error getting env: %w", err)
	}

	if goEnv != "" {
		if err := utils.InitEnvironmentVariables(filepath.Dir(configPath), goEnv); err != nil {
			return nil, nil, fmt.Errorf("failed to init environment variables: %w", err)
		}
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, err
	}

	if err := logger.Setup(cfg.Logging.Level, cfg.Logging.JSON, cfg.Telemetry.Enabled); err != nil {
		return nil, nil, err
	}

	shutdown := func(context.Context) error { return nil }
	if cfg.Telemetry.Enabled {
		shutdown, err = telemetry.Setup(ctx, cfg.Telemetry.ServiceName)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to set up telemetry: %w", err)
		}
	}

	return cfg, shutdown, nil
}

func execute(cmd *cobra.Command, fn func(ctx context.Context, cfg *config.SimulationConfig) (string, error)) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, shutdown, err := setup(ctx, cmd)
	if err != nil {
		log.Fatalf("Error: %v", err)
	}

	out, err := fn(ctx, cfg)

	if shutdownErr := shutdown(context.Background()); shutdownErr != nil {
		log.Errorf("failed to shut down telemetry: %v", shutdownErr)
	}

	if err != nil {
		log.Fatalf("Error: %v", err)
	}

	fmt.Print(out)
	log.Info("Done")
}

var rootCmd = &cobra.Command{
	Use:   "backtester",
	Short: "Event driven multi asset backtester",
}

var runCmd = &cobra.Command{
	Use:   "run --config sim.yaml",
	Short: "Run a simulation and print its report",
	Run: func(cmd *cobra.Command, args []string) {
		replay, err := cmd.Flags().GetBool("replay")
		if err != nil {
			log.Fatalf("error getting replay: %v", err)
		}

		execute(cmd, func(ctx context.Context, cfg *config.SimulationConfig) (string, error) {
			return run.Exec(ctx, cfg, replay)
		})
	},
}

var sweepCmd = &cobra.Command{
	Use:   "sweep --config sim.yaml",
	Short: "Run the parameter grid of a simulation concurrently",
	Run: func(cmd *cobra.Command, args []string) {
		execute(cmd, run.Sweep)
	},
}

func main() {
	rootCmd.PersistentFlags().String("config", "", "The simulation config file.")
	rootCmd.PersistentFlags().String("env", "", "Load .env.<env> next to the config file before reading it.")
	rootCmd.MarkPersistentFlagRequired("config")

	runCmd.Flags().Bool("replay", false, "Replay the run from its order history after it finishes.")

	rootCmd.AddCommand(runCmd, sweepCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
