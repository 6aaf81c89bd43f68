package main

import (
	"encoding/hex"
	"fmt"
	"os"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/urfave/cli"
)

var openChannelCommand = cli.Command{
	Name:     "openchannel",
	Category: "Channels",
	Usage:    "Open a new payment channel offer for a user.",
	Flags: []cli.Flag{
		cli.Int64Flag{Name: "user_id", Usage: "buyer's user id"},
		cli.Int64Flag{Name: "amount", Usage: "channel amount in base units"},
		cli.Int64Flag{Name: "duration", Usage: "channel duration in seconds"},
		cli.StringFlag{Name: "code_hash", Usage: "hex-encoded 32-byte lock script code hash"},
		cli.IntFlag{Name: "hash_type", Usage: "lock script hash type byte"},
		cli.StringFlag{Name: "buyer_pubkey_hash", Usage: "hex-encoded 20-byte buyer public-key hash"},
		cli.StringFlag{Name: "seller_pubkey_hash", Usage: "hex-encoded 20-byte seller public-key hash"},
		cli.StringFlag{Name: "refund_tx_hash", Usage: "hex-encoded 32-byte refund transaction hash"},
		cli.StringFlag{Name: "refund_since", Usage: "hex-encoded 8-byte refund since field"},
	},
	Action: openChannel,
}

func openChannel(ctx *cli.Context) error {
	client, err := newAdminClient(ctx)
	if err != nil {
		return err
	}

	req := map[string]interface{}{
		"userId":           ctx.Int64("user_id"),
		"amountBaseUnits":  ctx.Int64("amount"),
		"durationSeconds":  ctx.Int64("duration"),
		"codeHash":         ctx.String("code_hash"),
		"hashType":         byte(ctx.Int("hash_type")),
		"buyerPubKeyHash":  ctx.String("buyer_pubkey_hash"),
		"sellerPubKeyHash": ctx.String("seller_pubkey_hash"),
		"refundTxHash":     ctx.String("refund_tx_hash"),
		"refundSince":      ctx.String("refund_since"),
	}

	var offer struct {
		ChannelID       string
		RefundSince     []byte
		SellerSignature []byte
		RefundTxHash    []byte
	}
	if err := client.post("/v1/channels/open", req, &offer); err != nil {
		return err
	}

	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.AppendHeader(table.Row{"Channel ID", "Seller Signature"})
	t.AppendRow(table.Row{offer.ChannelID, hex.EncodeToString(offer.SellerSignature)})
	t.Render()
	return nil
}

var confirmFundingCommand = cli.Command{
	Name:      "confirmfunding",
	Category:  "Channels",
	Usage:     "Confirm a channel's funding transaction and activate it.",
	ArgsUsage: "channel-id funding-tx-hash",
	Action:    confirmFunding,
}

func confirmFunding(ctx *cli.Context) error {
	if ctx.NArg() != 2 {
		return cli.ShowCommandHelp(ctx, "confirmfunding")
	}

	client, err := newAdminClient(ctx)
	if err != nil {
		return err
	}

	req := map[string]string{
		"channelId":     ctx.Args().Get(0),
		"fundingTxHash": ctx.Args().Get(1),
	}
	if err := client.post("/v1/channels/confirm", req, nil); err != nil {
		return err
	}

	fmt.Printf("channel %s activated\n", req["channelId"])
	return nil
}
