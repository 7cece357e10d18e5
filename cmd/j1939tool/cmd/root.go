package cmd

import (
	"context"

	"github.com/samsamfire/goj1939/pkg/config"
	"github.com/samsamfire/goj1939/pkg/network"
	"github.com/samsamfire/goj1939/pkg/node"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:          "j1939tool",
	Short:        "J1939 swiss army tool",
	Long:         `Monitor, send and claim on a J1939 CAN bus`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute(ctx context.Context) {
	rootCmd.ExecuteContext(ctx)
}

const (
	flagInterface = "interface"
	flagChannel   = "channel"
	flagProfile   = "profile"
	flagDebug     = "debug"
)

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringP(flagInterface, "i", "socketcan", "CAN interface type, socketcan or virtual")
	pf.StringP(flagChannel, "c", "can0", "CAN channel e.g. can0, vcan0")
	pf.StringP(flagProfile, "p", "", "node profile file, embedded default if empty")
	pf.BoolP(flagDebug, "d", false, "debug mode")
}

// connect creates a network on the flagged CAN bus
func connect(cmd *cobra.Command) (*network.Network, error) {
	debug, _ := cmd.Flags().GetBool(flagDebug)
	if debug {
		log.SetLevel(log.DebugLevel)
	}
	canInterface, _ := cmd.Flags().GetString(flagInterface)
	channel, _ := cmd.Flags().GetString(flagChannel)
	net := network.NewNetwork(nil)
	err := net.Connect(canInterface, channel, 250_000)
	if err != nil {
		return nil, err
	}
	return &net, nil
}

// profile loads the node configuration from the flagged profile file
func profile(cmd *cobra.Command) (node.Config, error) {
	path, _ := cmd.Flags().GetString(flagProfile)
	if path == "" {
		return config.Default(), nil
	}
	return config.Parse(path)
}
