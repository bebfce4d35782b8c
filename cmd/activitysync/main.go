package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/elderdiet/activitysync/internal/config"
	"github.com/elderdiet/activitysync/internal/device"
	"github.com/elderdiet/activitysync/internal/eventqueue"
	"github.com/elderdiet/activitysync/internal/logging"
	"github.com/elderdiet/activitysync/internal/recordstore"
	"github.com/elderdiet/activitysync/internal/tracking"
)

var (
	configPath        string
	metricsAddr       string
	heartbeatInterval time.Duration
	heartbeatJitter   float64
	drainTimeout      time.Duration
)

var rootCmd = &cobra.Command{
	Use:           "activitysync",
	Short:         "Offline-first activity tracking and push registration client",
	SilenceUsage:  true,
	SilenceErrors: true,
	Run: func(cmd *cobra.Command, args []string) {
		_ = cmd.Help()
	},
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the client and drive it with commands read from stdin",
	Long: `The run command starts the sync worker, push registration and push stream,
then reads one lifecycle or tracking command per line from stdin. Type "help"
for the command list.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		logger := logging.New(cfg.Log.Level, cfg.Log.Format)
		for _, warning := range cfg.Warnings {
			logger.Warn().Msg(warning)
		}
		a, err := newApp(cfg, logger, cmd.OutOrStdout())
		if err != nil {
			return err
		}
		defer a.Close()

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		a.start(ctx, runOptions{
			MetricsAddr:       metricsAddr,
			HeartbeatInterval: heartbeatInterval,
			HeartbeatJitter:   clampJitterRatio(heartbeatJitter),
		})
		return a.console(ctx, cmd.InOrStdin())
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print the persisted session, device registration and outbox depth",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		report, err := loadStatus(cfg)
		if err != nil {
			return err
		}
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	},
}

var drainCmd = &cobra.Command{
	Use:   "drain",
	Short: "Send everything in the outbox once and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		logger := logging.New(cfg.Log.Level, cfg.Log.Format)
		a, err := newApp(cfg, logger, cmd.OutOrStdout())
		if err != nil {
			return err
		}
		defer a.Close()

		ctx, cancel := context.WithTimeout(cmd.Context(), drainTimeout)
		defer cancel()
		drainErr := a.worker.DrainOnce(ctx)
		fmt.Fprintf(cmd.OutOrStdout(), "outbox depth: %d\n", a.queue.Depth())
		if drainErr != nil {
			return fmt.Errorf("drain stopped: %w", drainErr)
		}
		return nil
	},
}

type statusReport struct {
	Session       *tracking.Session    `json:"session,omitempty"`
	Registration  *device.Registration `json:"registration,omitempty"`
	OutboxDepth   int                  `json:"outboxDepth"`
	OutboxEvicted uint64               `json:"outboxEvicted"`
}

func loadStatus(cfg config.Config) (statusReport, error) {
	var report statusReport

	sessions, err := recordstore.BuildFromDSN(cfg.StateDSN, sessionRecordKey)
	if err != nil {
		return report, err
	}
	defer sessions.Close()
	var session tracking.Session
	if found, err := sessions.Load(&session); err != nil {
		return report, err
	} else if found {
		report.Session = &session
	}

	devices, err := recordstore.BuildFromDSN(cfg.StateDSN, deviceRecordKey)
	if err != nil {
		return report, err
	}
	defer devices.Close()
	var reg device.Registration
	if found, err := devices.Load(&reg); err != nil {
		return report, err
	} else if found {
		report.Registration = &reg
	}

	queue, err := eventqueue.BuildFromDSN(cfg.QueueDSN, cfg.QueueCapacity)
	if err != nil {
		return report, err
	}
	defer queue.Close()
	report.OutboxDepth = queue.Depth()
	report.OutboxEvicted = queue.Evicted()
	return report, nil
}

func main() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "YAML config file (defaults to $ACTIVITYSYNC_CONFIG)")
	runCmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "serve sync metrics on this address")
	runCmd.Flags().DurationVar(&heartbeatInterval, "heartbeat-interval", 6*time.Hour, "device heartbeat interval")
	runCmd.Flags().Float64Var(&heartbeatJitter, "heartbeat-jitter", 0.2, "heartbeat interval jitter ratio (0.0-1.0)")
	drainCmd.Flags().DurationVar(&drainTimeout, "timeout", time.Minute, "give up after this long")
	rootCmd.AddCommand(runCmd, statusCmd, drainCmd)

	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
