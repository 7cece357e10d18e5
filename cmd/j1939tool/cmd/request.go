package cmd

import (
	"fmt"
	"strconv"
	"time"

	"github.com/samsamfire/goj1939/pkg/node"
	"github.com/samsamfire/goj1939/pkg/pdu"
	"github.com/spf13/cobra"
)

var requestCmd = &cobra.Command{
	Use:   "request <destination> <pgn>",
	Short: "Request a parameter group and print the responses",
	Args:  cobra.ExactArgs(2),
	RunE:  runRequest,
}

var requestTimeout time.Duration

func init() {
	requestCmd.Flags().DurationVarP(&requestTimeout, "timeout", "t", 3*time.Second, "how long to wait for responses")
	rootCmd.AddCommand(requestCmd)
}

func runRequest(cmd *cobra.Command, args []string) error {
	destination, err := strconv.ParseUint(args[0], 16, 8)
	if err != nil {
		return fmt.Errorf("invalid destination : %v", args[0])
	}
	pgn, err := strconv.ParseUint(args[1], 16, 32)
	if err != nil || pgn > uint64(pdu.MaxPgn) {
		return fmt.Errorf("invalid pgn : %v", args[1])
	}

	net, err := connect(cmd)
	if err != nil {
		return err
	}
	defer net.Disconnect()

	cfg, err := profile(cmd)
	if err != nil {
		return err
	}
	local, err := net.CreateLocalNode(cfg)
	if err != nil {
		return err
	}
	_, err = net.WaitForClaim(cmd.Context(), local)
	if err != nil {
		return err
	}
	local.OnMessage(func(msg node.Message) {
		if msg.PGN != uint32(pgn) {
			return
		}
		fmt.Println(green("%05X", msg.PGN) + yellow(" %02X", msg.Source) + fmt.Sprintf(" || % X", msg.Data))
	})
	err = local.Request(uint8(destination), uint32(pgn))
	if err != nil {
		return err
	}
	select {
	case <-time.After(requestTimeout):
	case <-cmd.Context().Done():
	}
	return nil
}
