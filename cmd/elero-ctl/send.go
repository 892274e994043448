package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"elero-go-home/internal/stick"
)

var sendCmd = &cobra.Command{
	Use:   "send <command> <channels>",
	Short: "Send a motion command",
	Long: `Send UP, DOWN, STOP, INTERMEDIATE or VENTILATION to one or more channels
and print the stick's acknowledgement for each.`,
	Example: `  elero-ctl -p /dev/ttyUSB0 send down 1,2
  elero-ctl -p /dev/ttyUSB0 send stop 1-4`,
	Args: cobra.ExactArgs(2),
	RunE: runSend,
}

func init() {
	rootCmd.AddCommand(sendCmd)
}

func runSend(cmd *cobra.Command, args []string) error {
	typ, ids, err := parseSendArgs(args)
	if err != nil {
		return err
	}
	conn, err := openConn()
	if err != nil {
		return err
	}
	defer conn.Close()
	return sendEach(cmd, conn, typ, ids)
}

func parseSendArgs(args []string) (stick.CommandType, []int, error) {
	typ, err := stick.ParseCommandType(args[0])
	if err != nil {
		return stick.CommandNone, nil, err
	}
	if !typ.IsMotion() {
		return stick.CommandNone, nil, fmt.Errorf("%w: %s is not a motion command", stick.ErrInvalidCommand, typ)
	}
	ids, err := channelArg(args[1])
	if err != nil {
		return stick.CommandNone, nil, err
	}
	return typ, ids, nil
}
