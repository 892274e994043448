package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"elero-go-home/internal/stick"
)

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Ask the stick which channels it has learned",
	Args:  cobra.NoArgs,
	RunE:  runCheck,
}

func init() {
	rootCmd.AddCommand(checkCmd)
}

func runCheck(cmd *cobra.Command, args []string) error {
	conn, err := openConn()
	if err != nil {
		return err
	}
	defer conn.Close()

	resp, err := conn.Send(cmd.Context(), stick.EncodePacket(stick.CommandCheck, 0))
	if err != nil {
		return fmt.Errorf("check: %w", err)
	}
	if resp.Kind != stick.ResponseConfirm {
		return fmt.Errorf("check: unexpected reply %s", resp)
	}
	ids := resp.ChannelIDs()
	if len(ids) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "no channels learned")
		return nil
	}
	fmt.Fprintf(cmd.OutOrStdout(), "learned channels: %s\n", resp.Channels)
	return nil
}
