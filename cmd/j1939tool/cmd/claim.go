package cmd

import (
	"fmt"

	"github.com/samsamfire/goj1939/pkg/claim"
	"github.com/spf13/cobra"
)

var claimCmd = &cobra.Command{
	Use:   "claim",
	Short: "Claim an address and hold it until interrupted",
	RunE:  runClaim,
}

func init() {
	rootCmd.AddCommand(claimCmd)
}

func runClaim(cmd *cobra.Command, args []string) error {
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
	local.Claim.OnStateChange(func(state claim.State, address uint8) {
		switch state {
		case claim.StateClaimed:
			fmt.Println(green("claimed address %02X", address))
		case claim.StateCannotClaim:
			fmt.Println(red("cannot claim an address"))
		default:
			fmt.Println(yellow("%v at address %02X", state, address))
		}
	})
	fmt.Println(yellow("claiming with name %v", local.Claim.Name()))
	<-cmd.Context().Done()
	return nil
}
