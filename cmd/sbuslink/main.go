// SBus-Link CLI
//
// A client for SAIA S-Bus controllers over Ether-S-Bus, Serial-S-Bus and
// Profi-S-Bus. Reads and writes registers, flags, timers, counters and
// data blocks, and runs cyclic acquisition with recording and MQTT
// publishing.
package main

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/commatea/SBus-Link/pkg/config"
	"github.com/commatea/SBus-Link/pkg/core"
	"github.com/commatea/SBus-Link/pkg/logger"
	"github.com/commatea/SBus-Link/pkg/publish"
	"github.com/commatea/SBus-Link/pkg/recorder"
	"github.com/commatea/SBus-Link/pkg/recorder/sqlite"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
)

var (
	version   = "1.0.0"
	buildTime = "dev"
	gitCommit = "unknown"
)

var (
	cfgFile    string
	connName   string
	verbose    bool
	jsonOutput bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "sbuslink",
		Short: "SBus-Link - SAIA S-Bus client",
		Long: `SBus-Link talks to SAIA PCD controllers over Ether-S-Bus (UDP/TCP),
Serial-S-Bus (local port or TCP serial bridge) and Profi-S-Bus
(Profibus gateway).`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, gitCommit, buildTime),
	}

	// Global flags
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file (default: ./config.yaml)")
	rootCmd.PersistentFlags().StringVar(&connName, "connection", "", "connection name (default: first configured)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	// Add commands
	rootCmd.AddCommand(
		newReadCmd(),
		newWriteCmd(),
		newBlockCmd(),
		newInfoCmd(),
		newMonitorCmd(),
		newVersionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// withClient loads the configuration, connects the selected client and
// hands it to fn.
func withClient(fn func(ctx context.Context, client *core.Client) error) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	setupLogging(cfg)

	manager, err := core.NewManager(cfg.Connections)
	if err != nil {
		return err
	}
	client, err := manager.Get(connName)
	if err != nil {
		return err
	}

	ctx := context.Background()
	if err := client.Connect(ctx); err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer client.Close()

	return fn(ctx, client)
}

func setupLogging(cfg *core.Config) {
	if verbose {
		cfg.Logging.Level = "debug"
	}
	if jsonOutput {
		cfg.Logging.Format = "json"
	}
	logger.SetGlobal(logger.New(cfg.Logging))
}

func printResult(v any) {
	if jsonOutput {
		data, _ := json.MarshalIndent(v, "", "  ")
		fmt.Println(string(data))
		return
	}
	fmt.Println(v)
}

// newReadCmd creates the read command.
func newReadCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "read <register|flag|timer|counter> <address> [count]",
		Short: "Read data points from the controller",
		Args:  cobra.RangeArgs(2, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind := args[0]
			address, err := strconv.ParseUint(args[1], 10, 16)
			if err != nil {
				return fmt.Errorf("invalid address %q", args[1])
			}
			count := 1
			if len(args) == 3 {
				if count, err = strconv.Atoi(args[2]); err != nil {
					return fmt.Errorf("invalid count %q", args[2])
				}
			}

			return withClient(func(ctx context.Context, client *core.Client) error {
				values, err := client.ReadPoint(ctx, core.PointConfig{
					Name:    kind,
					Kind:    kind,
					Address: int(address),
					Count:   count,
				})
				if err != nil {
					return err
				}
				printResult(values)
				return nil
			})
		},
	}
}

// newWriteCmd creates the write command.
func newWriteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "write <register|flag|timer|counter> <address> <value>",
		Short: "Write one data point",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind := args[0]
			address, err := strconv.ParseUint(args[1], 10, 16)
			if err != nil {
				return fmt.Errorf("invalid address %q", args[1])
			}
			value, err := strconv.ParseUint(args[2], 0, 32)
			if err != nil {
				return fmt.Errorf("invalid value %q", args[2])
			}

			return withClient(func(ctx context.Context, client *core.Client) error {
				addr := uint16(address)
				switch kind {
				case "register":
					err = client.WriteRegister(ctx, addr, uint32(value))
				case "timer":
					err = client.WriteTimer(ctx, addr, uint32(value))
				case "counter":
					err = client.WriteCounter(ctx, addr, uint32(value))
				case "flag":
					err = client.WriteFlag(ctx, addr, value != 0)
				default:
					return fmt.Errorf("unknown kind %q", kind)
				}
				if err != nil {
					return err
				}
				fmt.Printf("wrote %s %d = %d\n", kind, addr, value)
				return nil
			})
		},
	}
}

// newBlockCmd creates the block command.
func newBlockCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "block",
		Short: "Read and write data blocks",
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "read <block> <start> <count>",
			Short: "Read bytes from a data block",
			Args:  cobra.ExactArgs(3),
			RunE: func(cmd *cobra.Command, args []string) error {
				block, start, err := parseBlockArgs(args[0], args[1])
				if err != nil {
					return err
				}
				count, err := strconv.Atoi(args[2])
				if err != nil {
					return fmt.Errorf("invalid count %q", args[2])
				}

				return withClient(func(ctx context.Context, client *core.Client) error {
					data, err := client.ReadBlock(ctx, block, start, count)
					if err != nil {
						return err
					}
					printResult(hex.EncodeToString(data))
					return nil
				})
			},
		},
		&cobra.Command{
			Use:   "write <block> <start> <hexdata>",
			Short: "Write hex-encoded bytes into a data block",
			Args:  cobra.ExactArgs(3),
			RunE: func(cmd *cobra.Command, args []string) error {
				block, start, err := parseBlockArgs(args[0], args[1])
				if err != nil {
					return err
				}
				data, err := hex.DecodeString(args[2])
				if err != nil {
					return fmt.Errorf("invalid hex data: %w", err)
				}

				return withClient(func(ctx context.Context, client *core.Client) error {
					if err := client.WriteBlock(ctx, block, start, data); err != nil {
						return err
					}
					fmt.Printf("wrote %d bytes to block %d at %d\n", len(data), block, start)
					return nil
				})
			},
		},
	)

	return cmd
}

func parseBlockArgs(blockArg, startArg string) (uint16, uint16, error) {
	block, err := strconv.ParseUint(blockArg, 10, 16)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid block %q", blockArg)
	}
	start, err := strconv.ParseUint(startArg, 10, 16)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid start %q", startArg)
	}
	return uint16(block), uint16(start), nil
}

// newInfoCmd creates the info command.
func newInfoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "info",
		Short: "Show controller identification",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(func(ctx context.Context, client *core.Client) error {
				info, err := client.DeviceInfo(ctx)
				if err != nil {
					return err
				}
				if jsonOutput {
					printResult(info)
					return nil
				}
				fmt.Printf("Serial number:    %s\n", info.SerialNumber)
				fmt.Printf("Product type:     %s\n", info.ProductType)
				fmt.Printf("Hardware version: %s\n", info.HardwareVersion)
				fmt.Printf("Firmware version: %s\n", info.FirmwareVersion)
				fmt.Printf("Protocol version: %d\n", info.ProtocolVersion)
				return nil
			})
		},
	}
}

// newMonitorCmd creates the monitor command.
func newMonitorCmd() *cobra.Command {
	var record, publishReadings bool

	cmd := &cobra.Command{
		Use:   "monitor",
		Short: "Run cyclic acquisition over the configured points",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMonitor(record, publishReadings)
		},
	}
	cmd.Flags().BoolVar(&record, "record", false, "persist readings to the configured store")
	cmd.Flags().BoolVar(&publishReadings, "publish", false, "publish readings to the configured MQTT broker")
	return cmd
}

// runMonitor runs the poller until interrupted.
func runMonitor(record, publishReadings bool) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	setupLogging(cfg)
	log := logger.Global().Component("monitor")

	manager, err := core.NewManager(cfg.Connections)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := manager.ConnectAll(ctx); err != nil {
		return err
	}
	defer manager.CloseAll()

	// Optional sinks
	var store recorder.Store
	if record || cfg.Recorder.Enabled {
		store, err = sqlite.NewStore(cfg.Recorder.Path)
		if err != nil {
			return fmt.Errorf("open recorder store: %w", err)
		}
		defer store.Close()
	}

	var publisher *publish.Publisher
	if publishReadings || cfg.Publish.Enabled {
		publisher = publish.New(cfg.Publish)
		if err := publisher.Connect(); err != nil {
			return err
		}
		defer publisher.Close()
	}

	if cfg.Metrics.Enabled {
		go serveMetrics(cfg.Metrics, log)
	}

	poller := core.NewPoller(cfg.Poller, manager)
	readings := poller.Subscribe()
	go func() {
		for r := range readings {
			if store != nil {
				if err := store.Save(r); err != nil {
					log.Warn("save reading", "point", r.Point, "error", err)
				}
			}
			if publisher != nil {
				if err := publisher.Publish(r); err != nil {
					log.Warn("publish reading", "point", r.Point, "error", err)
				}
			}
			if !jsonOutput {
				fmt.Printf("%s %s/%s = %v\n", r.Timestamp.Format(time.RFC3339), r.Connection, r.Point, r.Values)
			} else {
				data, _ := json.Marshal(r)
				fmt.Println(string(data))
			}
		}
	}()

	poller.Start(ctx)
	fmt.Println("Monitoring. Press Ctrl+C to stop.")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	fmt.Println("\nShutting down...")

	poller.Stop()
	return nil
}

func serveMetrics(cfg core.MetricsConfig, log *logger.Logger) {
	mux := http.NewServeMux()
	mux.Handle(cfg.Endpoint, promhttp.Handler())
	if err := http.ListenAndServe(cfg.Listen, mux); err != nil {
		log.Error("metrics server", "error", err)
	}
}

// newVersionCmd creates the version command.
func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("sbuslink %s\n", version)
			fmt.Printf("  commit: %s\n", gitCommit)
			fmt.Printf("  built:  %s\n", buildTime)
		},
	}
}
