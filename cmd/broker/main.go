// Command broker runs one replica of the dispatch broker, or drives a
// running deployment from the command line (submit a task, print status).
// Command structure, config-flag handling and graceful-shutdown pattern
// are adapted from the teacher's internal/cli/cli.go, with the gRPC
// remote-submission path removed (see DESIGN.md, dropped dependencies):
// run and submit talk to an in-process Broker they construct themselves,
// and status only reads the config file and the snapshot directory; there
// is no client/server split.
package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/arcaio/dispatch-broker/internal/broker"
	"github.com/arcaio/dispatch-broker/internal/config"
	"github.com/arcaio/dispatch-broker/internal/groupmapper"
	"github.com/arcaio/dispatch-broker/internal/metrics"
	"github.com/arcaio/dispatch-broker/internal/snapshot"
	"github.com/arcaio/dispatch-broker/internal/statuslog/memlog"
	"github.com/arcaio/dispatch-broker/internal/statuslog/replicated"
)

var configFile string

func main() {
	if err := buildRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func buildRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:     "broker",
		Short:   "Replicated task-dispatch broker",
		Version: "1.0.0",
	}
	root.PersistentFlags().StringVarP(&configFile, "config", "c", "configs/default.yaml", "config file path")

	root.AddCommand(buildRunCommand())
	root.AddCommand(buildSubmitCommand())
	root.AddCommand(buildStatusCommand())
	return root
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return config.Default(), nil
		}
		return nil, err
	}
	return cfg, nil
}

// newBroker wires together Config -> TasksHeap -> StatusChangesLog -> Broker
// exactly as internal/broker.New/AttachLog expects, choosing the log
// backend by cfg.Mode.
func newBroker(cfg *config.Config) (*broker.Broker, error) {
	mapper, err := groupmapper.Resolve(cfg.Tasks.GroupMapper)
	if err != nil {
		return nil, fmt.Errorf("broker: %w", err)
	}

	brokerConfig := broker.Config{
		TasksHeapSize:                     cfg.Broker.TasksHeap.Size,
		MaxFragmentation:                  cfg.Broker.MaxFragmentation,
		CheckpointInterval:                cfg.CheckpointTime,
		FinishedTasksRetention:            cfg.FinishedTasksRetention,
		FinishedTasksPurgeSchedulerPeriod: cfg.FinishedTasksPurgeSchedulerPeriod,
		MaxExpiredTasksPerCycle:           cfg.MaxExpiredTasksPerCycle,
		WorkerTimeoutGracePeriod:          cfg.WorkerTimeoutGracePeriod,
		WorkerTimeoutSweepPeriod:          cfg.WorkerTimeoutSweepPeriod,
	}

	b := broker.New(brokerConfig, mapper, broker.NoopTransport{})

	switch cfg.Mode {
	case "", "memory":
		b.AttachLog(memlog.NewEmpty(b))
	case "replicated":
		if err := os.MkdirAll(cfg.Snapshot.Dir, 0755); err != nil {
			return nil, fmt.Errorf("broker: create snapshot dir: %w", err)
		}
		rl, err := replicated.New(replicated.Config{
			EtcdEndpoints:    cfg.Coordination.EtcdEndpoints,
			EtcdBasePath:     cfg.Coordination.BasePath,
			LocalData:        replicated.NewReplicaID(),
			KafkaBrokers:     cfg.SharedLog.KafkaBrokers,
			KafkaTopicPrefix: cfg.SharedLog.TopicPrefix,
			SnapshotDir:      cfg.Snapshot.Dir,
		}, b)
		if err != nil {
			return nil, fmt.Errorf("broker: construct replicated log: %w", err)
		}
		b.AttachLog(rl)
	default:
		return nil, fmt.Errorf("broker: unknown mode %q", cfg.Mode)
	}

	return b, nil
}

func buildRunCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start this replica and block until terminated",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runNode()
		},
	}
}

func runNode() error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	b, err := newBroker(cfg)
	if err != nil {
		return err
	}

	if cfg.Metrics.Enabled {
		b.AttachMetrics(metrics.NewCollector())
		go func() {
			if err := metrics.StartServer(cfg.Metrics.Port); err != nil {
				slog.Error("metrics server stopped", "error", err)
			}
		}()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := b.Start(ctx); err != nil {
		return fmt.Errorf("failed to start broker: %w", err)
	}
	defer b.Stop()

	slog.Info("broker running", "mode", cfg.Mode, "metricsPort", cfg.Metrics.Port)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	slog.Info("shutdown signal received, stopping broker")
	return nil
}

func buildSubmitCommand() *cobra.Command {
	var taskType int32
	var userID string

	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Start a throwaway broker and submit one task to it",
		Long: "Since this build has no wire protocol, submit starts an " +
			"in-process broker with the configured log backend, appends the task, then exits. " +
			"Useful to verify a config file and task type end to end.",
		RunE: func(cmd *cobra.Command, args []string) error {
			var payload []byte
			if len(args) > 0 {
				payload = []byte(args[0])
			}
			return submitTask(taskType, userID, payload)
		},
	}
	cmd.Flags().Int32Var(&taskType, "type", 0, "task type")
	cmd.Flags().StringVar(&userID, "user", "default", "submitting user id")
	return cmd
}

func submitTask(taskType int32, userID string, payload []byte) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	b, err := newBroker(cfg)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := b.Start(ctx); err != nil {
		return fmt.Errorf("failed to start broker: %w", err)
	}
	defer b.Stop()

	taskID, err := b.SubmitTask(ctx, taskType, userID, payload)
	if err != nil {
		return fmt.Errorf("failed to submit task: %w", err)
	}

	fmt.Printf("submitted task %d\n", taskID)
	return nil
}

func buildStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the configuration this replica would run with",
		RunE: func(cmd *cobra.Command, args []string) error {
			return showStatus()
		},
	}
}

func showStatus() error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	fmt.Println()
	fmt.Println("Dispatch Broker Configuration")
	fmt.Println("=============================")
	fmt.Printf("Config file:          %s\n", configFile)
	fmt.Printf("Mode:                 %s\n", cfg.Mode)
	fmt.Printf("Tasks heap size:      %d\n", cfg.Broker.TasksHeap.Size)
	fmt.Printf("Group mapper:         %s\n", cfg.Tasks.GroupMapper)
	fmt.Printf("Checkpoint interval:  %s\n", cfg.CheckpointTime)
	fmt.Printf("Finished retention:   %s\n", cfg.FinishedTasksRetention)
	fmt.Printf("Purge sweep period:   %s\n", cfg.FinishedTasksPurgeSchedulerPeriod)
	fmt.Printf("Max purged per cycle: %d\n", cfg.MaxExpiredTasksPerCycle)
	if cfg.Mode == "replicated" {
		fmt.Printf("Etcd endpoints:       %v\n", cfg.Coordination.EtcdEndpoints)
		fmt.Printf("Kafka brokers:        %v\n", cfg.SharedLog.KafkaBrokers)
	}
	if cfg.Metrics.Enabled {
		fmt.Printf("Metrics:              http://localhost:%d/metrics\n", cfg.Metrics.Port)
	} else {
		fmt.Println("Metrics:              disabled")
	}

	store := snapshot.NewStore(cfg.Snapshot.Dir)
	files, err := store.ListSnapshotFiles()
	if err != nil {
		fmt.Printf("Snapshots:            error listing %s: %v\n", cfg.Snapshot.Dir, err)
	} else if len(files) == 0 {
		fmt.Printf("Snapshots:            none yet in %s\n", cfg.Snapshot.Dir)
	} else {
		fmt.Printf("Snapshots:            %d in %s, latest %s\n", len(files), cfg.Snapshot.Dir, files[len(files)-1])
	}
	fmt.Println()
	return nil
}
