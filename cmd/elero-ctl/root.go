package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"elero-go-home/internal/stick"
)

// version is set at build time via -ldflags "-X main.version=..."
var version = "dev"

var (
	portName string
	baudRate int
	verbose  bool
)

var errNoPort = errors.New("--port is required")

var rootCmd = &cobra.Command{
	Use:   "elero-ctl",
	Short: "Talk to an Elero transmitter stick",
	Long: `elero-ctl sends single requests to an Elero transmitter stick and prints
the replies. It is meant for commissioning and debugging; run elero-home for
day to day control.

The stick must not be opened by another process at the same time.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&portName, "port", "p", "", "Serial port device or tcp://host:port")
	rootCmd.PersistentFlags().IntVarP(&baudRate, "baud", "b", stick.DefaultBaud, "Baud rate")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Log every packet")
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

func newCtlLogger() *slog.Logger {
	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// openConn opens the stick named by --port.
func openConn() (*stick.Conn, error) {
	if portName == "" {
		return nil, errNoPort
	}
	conn := stick.NewConn(portName, baudRate, newCtlLogger())
	if err := conn.Open(); err != nil {
		return nil, err
	}
	return conn, nil
}

// channelArg parses the channel list argument, e.g. "1,3-5".
func channelArg(s string) ([]int, error) {
	ids, err := stick.ParseChannelIDs(s)
	if err != nil {
		return nil, fmt.Errorf("channels: %w", err)
	}
	return ids, nil
}
