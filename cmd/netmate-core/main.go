// Command netmate-core runs the netmate flow accounting meter: it loads a
// YAML config, acquires the process pid lock, wires classifier, processor,
// capture, export and control-channel components, and runs them until an
// interrupt or fatal error (spec §6).
//
// Grounded on _examples/sakateka-yanet2/coordinator/cmd/coordinator/main.go:
// the same cobra rootCmd / run(cmd) / Interrupted / WaitInterrupted split.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/netmate-project/meter-core/internal/capture"
	"github.com/netmate-project/meter-core/internal/runtime"
)

// version is overridden at build time via -ldflags.
var version = "dev"

var cmd Cmd

// Cmd holds the parsed command line flags for the run subcommand.
type Cmd struct {
	ConfigPath string
	TracePath  string
}

var rootCmd = &cobra.Command{
	Use:   "netmate-core",
	Short: "netmate-core flow accounting meter",
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the meter process",
	Run: func(_ *cobra.Command, _ []string) {
		if err := run(cmd); err != nil {
			if errors.As(err, new(Interrupted)) {
				return
			}
			if errors.Is(err, runtime.ErrAlreadyRunning) {
				fmt.Fprintf(os.Stderr, "ERROR: %v\n", err)
				os.Exit(2)
			}
			fmt.Fprintf(os.Stderr, "ERROR: %v\n", err)
			os.Exit(1)
		}
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the binary version",
	Run: func(_ *cobra.Command, _ []string) {
		fmt.Println(version)
	},
}

func init() {
	runCmd.Flags().StringVarP(&cmd.ConfigPath, "config", "c", "", "Path to the configuration file (required)")
	runCmd.MarkFlagRequired("config")
	runCmd.Flags().StringVar(&cmd.TracePath, "trace", "", "Replay a pcap/pcapng trace file instead of a live interface")

	rootCmd.AddCommand(runCmd, versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: %v\n", err)
		os.Exit(1)
	}
}

func run(cmd Cmd) error {
	cfg, err := runtime.LoadConfig(cmd.ConfigPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	log, lvl, err := runtime.InitLogging(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer log.Sync()

	lock, err := runtime.AcquireLock(cfg.StateDir)
	if err != nil {
		return err
	}

	var offlineStart time.Time
	if cmd.TracePath != "" {
		offlineStart = time.Unix(0, 0)
	}

	rt, err := runtime.New(cfg, log, lvl, nil, offlineStart)
	if err != nil {
		lock.Release()
		return fmt.Errorf("failed to initialize runtime: %w", err)
	}
	rt.SetLock(lock)
	defer rt.Close()

	if cmd.TracePath != "" {
		src, err := capture.NewPcapFileSource(cmd.TracePath)
		if err != nil {
			return fmt.Errorf("failed to open trace: %w", err)
		}
		rt.AddSource(src)
	}

	ctx := context.Background()
	wg, ctx := errgroup.WithContext(ctx)
	wg.Go(func() error {
		return rt.Run(ctx)
	})
	wg.Go(func() error {
		err := WaitInterrupted(ctx)
		log.Sugar().Infof("caught signal: %v", err)
		return err
	})

	return wg.Wait()
}

// Interrupted wraps the os.Signal that stopped the process, so run's
// caller can distinguish a clean shutdown from a genuine failure.
type Interrupted struct {
	os.Signal
}

func (m Interrupted) Error() string {
	return m.String()
}

// WaitInterrupted blocks until SIGINT/SIGTERM arrives or ctx is cancelled.
func WaitInterrupted(ctx context.Context) error {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	select {
	case v := <-ch:
		return Interrupted{Signal: v}
	case <-ctx.Done():
		return ctx.Err()
	}
}
