package main

import (
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"elero-go-home/internal/stick"
)

var infoCmd = &cobra.Command{
	Use:   "info <channels>",
	Short: "Print the status of each channel",
	Example: `  elero-ctl -p /dev/ttyUSB0 info 1
  elero-ctl -p /dev/ttyUSB0 info 1,3-5`,
	Args: cobra.ExactArgs(1),
	RunE: runInfo,
}

func init() {
	rootCmd.AddCommand(infoCmd)
}

func runInfo(cmd *cobra.Command, args []string) error {
	ids, err := channelArg(args[0])
	if err != nil {
		return err
	}
	conn, err := openConn()
	if err != nil {
		return err
	}
	defer conn.Close()
	return sendEach(cmd, conn, stick.CommandInfo, ids)
}

// sendEach sends cmd to one channel at a time, the same way the engine does,
// and prints one line per reply. A channel that does not answer is reported
// and skipped.
func sendEach(cmd *cobra.Command, conn *stick.Conn, typ stick.CommandType, ids []int) error {
	out := cmd.OutOrStdout()
	for _, id := range ids {
		cs, err := stick.NewChannelSet(id)
		if err != nil {
			return err
		}
		resp, err := conn.Send(cmd.Context(), stick.EncodePacket(typ, cs))
		if errors.Is(err, stick.ErrNoResponse) {
			fmt.Fprintf(out, "%2d  no response\n", id)
			continue
		}
		if err != nil {
			return fmt.Errorf("%s channel %d: %w", typ, id, err)
		}
		printReply(out, id, resp)
	}
	return nil
}

func printReply(w io.Writer, id int, resp *stick.Response) {
	if !resp.HasStatus() {
		fmt.Fprintf(w, "%2d  %s\n", id, resp)
		return
	}
	fmt.Fprintf(w, "%2d  %-22s %3d%%\n", id, resp.Status, resp.Status.Percentage())
}
