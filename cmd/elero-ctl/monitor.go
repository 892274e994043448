package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"elero-go-home/internal/stick"
)

var (
	monitorChannels string
	monitorInterval time.Duration
)

var monitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "Poll channels and print every status change",
	Long: `monitor runs the full engine: it discovers the learned channels, polls them
periodically and follows moving blinds closely until they stop. Press Ctrl+C
to exit.`,
	Args: cobra.NoArgs,
	RunE: runMonitor,
}

func init() {
	monitorCmd.Flags().StringVarP(&monitorChannels, "channels", "c", "", "Channels to watch (default: all learned)")
	monitorCmd.Flags().DurationVarP(&monitorInterval, "interval", "i", time.Minute, "Routine poll interval")
	rootCmd.AddCommand(monitorCmd)
}

func runMonitor(cmd *cobra.Command, args []string) error {
	if portName == "" {
		return errNoPort
	}
	var watch []int
	if monitorChannels != "" {
		ids, err := channelArg(monitorChannels)
		if err != nil {
			return err
		}
		watch = ids
	}

	engine := stick.New(stick.Config{
		Port:           portName,
		Baud:           baudRate,
		UpdateInterval: monitorInterval,
	}, newCtlLogger())

	out := cmd.OutOrStdout()
	listener := stick.ListenerFunc(func(channel int, status stick.ResponseStatus) {
		fmt.Fprintf(out, "%s  %2d  %s\n", time.Now().Format("15:04:05"), channel, status)
	})

	attached := false
	engine.OnConnectionEstablished(func() {
		fmt.Fprintln(out, "connected")
		if attached {
			return
		}
		attached = true
		ids := watch
		if ids == nil {
			ids, _ = engine.KnownChannelIDs()
		}
		for _, id := range ids {
			if err := engine.AddStatusListener(id, listener); err != nil {
				fmt.Fprintf(out, "channel %d: %v\n", id, err)
			}
		}
	})
	engine.OnConnectionDropped(func(err error) {
		fmt.Fprintf(out, "disconnected: %v\n", err)
	})

	if err := engine.Start(); err != nil {
		return err
	}
	defer engine.Stop()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case <-sigCh:
	case <-cmd.Context().Done():
	}
	return nil
}
