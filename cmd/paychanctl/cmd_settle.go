package main

import (
	"os"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/urfave/cli"
)

var settleCommand = cli.Command{
	Name:      "settle",
	Category:  "Channels",
	Usage:     "Force-settle a channel on demand, ahead of its scheduled deadline.",
	ArgsUsage: "channel-id",
	Action:    settleChannel,
}

func settleChannel(ctx *cli.Context) error {
	if ctx.NArg() != 1 {
		return cli.ShowCommandHelp(ctx, "settle")
	}

	client, err := newAdminClient(ctx)
	if err != nil {
		return err
	}

	req := map[string]string{"channelId": ctx.Args().Get(0)}

	var res struct {
		ChannelID  string
		SettleHash string
		SellerPaid int64
		BuyerPaid  int64
	}
	if err := client.post("/v1/channels/settle", req, &res); err != nil {
		return err
	}

	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.AppendHeader(table.Row{"Channel ID", "Settle Tx", "Seller Paid", "Buyer Paid"})
	t.AppendRow(table.Row{res.ChannelID, res.SettleHash, res.SellerPaid, res.BuyerPaid})
	t.Render()
	return nil
}
