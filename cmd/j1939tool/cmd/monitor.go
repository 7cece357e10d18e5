package cmd

import (
	"fmt"
	"strings"

	"github.com/fatih/color"
	j1939 "github.com/samsamfire/goj1939"
	"github.com/samsamfire/goj1939/pkg/name"
	"github.com/samsamfire/goj1939/pkg/pdu"
	"github.com/spf13/cobra"
)

var monitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "Print decoded traffic from the bus",
	RunE:  runMonitor,
}

func init() {
	rootCmd.AddCommand(monitorCmd)
}

var (
	green  = color.New(color.FgGreen).SprintfFunc()
	yellow = color.New(color.FgYellow).SprintfFunc()
	red    = color.New(color.FgRed).SprintfFunc()
)

type framePrinter struct{}

func (framePrinter) Handle(frame j1939.Frame) {
	p := pdu.Decode(frame)

	var hexView strings.Builder
	for i, b := range p.Data {
		hexView.WriteString(fmt.Sprintf("%02X", b))
		if i != len(p.Data)-1 {
			hexView.WriteString(" ")
		}
	}

	var out strings.Builder
	out.WriteString(green("%05X", p.PGN))
	out.WriteString(fmt.Sprintf(" %-12s", describePgn(p.PGN)))
	out.WriteString(yellow(" %02X", p.Source))
	if p.Destination != pdu.AddressGlobal {
		out.WriteString(yellow("->%02X", p.Destination))
	}
	out.WriteString(fmt.Sprintf(" [%d] || %-23s", p.Priority, hexView.String()))
	if p.PGN == pdu.PgnAddressClaimed {
		if n, ok := name.FromBytes(p.Data); ok {
			if p.Source == pdu.AddressNull {
				out.WriteString(red(" cannot claim %v", n))
			} else {
				out.WriteString(fmt.Sprintf(" name %v", n))
			}
		}
	}
	fmt.Println(out.String())
}

func describePgn(pgn uint32) string {
	switch pgn {
	case pdu.PgnAddressClaimed:
		return "ADDR-CLAIMED"
	case pdu.PgnRequest:
		return "REQUEST"
	case pdu.PgnTpConnMgmt:
		return "TP.CM"
	case pdu.PgnTpDataTransfer:
		return "TP.DT"
	case pdu.PgnAcknowledgement:
		return "ACK"
	default:
		return "-"
	}
}

func runMonitor(cmd *cobra.Command, args []string) error {
	net, err := connect(cmd)
	if err != nil {
		return err
	}
	defer net.Disconnect()
	err = net.Subscribe(0, 0, framePrinter{})
	if err != nil {
		return err
	}
	<-cmd.Context().Done()
	return nil
}
