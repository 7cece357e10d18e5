package cmd

import (
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"github.com/samsamfire/goj1939/pkg/pdu"
	"github.com/spf13/cobra"
)

var sendCmd = &cobra.Command{
	Use:   "send <destination> <pgn> <data>",
	Short: "Send a payload, through the transport protocol if needed",
	Long: `Claims an address, then sends the hex encoded payload to the
given destination (FF broadcasts). Payloads larger than 8 bytes go
through the transport protocol.`,
	Args: cobra.ExactArgs(3),
	RunE: runSend,
}

func init() {
	rootCmd.AddCommand(sendCmd)
}

func runSend(cmd *cobra.Command, args []string) error {
	destination, err := strconv.ParseUint(args[0], 16, 8)
	if err != nil {
		return fmt.Errorf("invalid destination : %v", args[0])
	}
	pgn, err := strconv.ParseUint(args[1], 16, 32)
	if err != nil || pgn > uint64(pdu.MaxPgn) {
		return fmt.Errorf("invalid pgn : %v", args[1])
	}
	data, err := hex.DecodeString(strings.ReplaceAll(args[2], " ", ""))
	if err != nil {
		return fmt.Errorf("invalid data : %v", args[2])
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
	address, err := net.WaitForClaim(cmd.Context(), local)
	if err != nil {
		return err
	}
	fmt.Println(green("claimed address %02X", address))

	err = local.SendMessage(cmd.Context(), uint8(destination), uint32(pgn), data)
	if err != nil {
		return fmt.Errorf("send failed : %v", err)
	}
	fmt.Println(green("sent %d bytes of pgn %05X to %02X", len(data), pgn, destination))
	return nil
}
