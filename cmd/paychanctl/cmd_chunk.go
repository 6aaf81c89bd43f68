package main

import (
	"os"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/urfave/cli"
)

var streamChunkCommand = cli.Command{
	Name:     "createchunk",
	Category: "Chunks",
	Usage:    "Reserve a chunk payment for the next tokens of a streaming session.",
	Flags: []cli.Flag{
		cli.Int64Flag{Name: "user_id"},
		cli.StringFlag{Name: "session_id"},
		cli.Int64Flag{Name: "tokens"},
	},
	Action: createChunk,
}

func createChunk(ctx *cli.Context) error {
	client, err := newAdminClient(ctx)
	if err != nil {
		return err
	}

	req := map[string]interface{}{
		"userId":      ctx.Int64("user_id"),
		"sessionId":   ctx.String("session_id"),
		"tokensCount": ctx.Int64("tokens"),
	}

	var ev struct {
		ChunkID            string
		Tokens             int64
		CumulativePayment  int64
		RemainingBalance   int64
		ChannelTotalAmount int64
	}
	if err := client.post("/v1/chunks/create", req, &ev); err != nil {
		return err
	}

	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.AppendHeader(table.Row{"Chunk ID", "Tokens", "Cumulative", "Remaining"})
	t.AppendRow(table.Row{ev.ChunkID, ev.Tokens, ev.CumulativePayment, ev.RemainingBalance})
	t.Render()
	return nil
}

var payChunkCommand = cli.Command{
	Name:     "paychunk",
	Category: "Chunks",
	Usage:    "Submit a buyer signature to mark a chunk paid.",
	Flags: []cli.Flag{
		cli.StringFlag{Name: "session_id"},
		cli.StringFlag{Name: "chunk_id"},
		cli.StringFlag{Name: "signature", Usage: "hex-encoded 65-byte recoverable signature"},
		cli.StringFlag{Name: "buyer_pubkey_hash", Usage: "hex-encoded 20-byte buyer public-key hash"},
	},
	Action: payChunk,
}

func payChunk(ctx *cli.Context) error {
	client, err := newAdminClient(ctx)
	if err != nil {
		return err
	}

	req := map[string]string{
		"sessionId":       ctx.String("session_id"),
		"chunkId":         ctx.String("chunk_id"),
		"signature":       ctx.String("signature"),
		"buyerPubKeyHash": ctx.String("buyer_pubkey_hash"),
	}

	var state struct {
		ChunkID           string
		CumulativePayment int64
		RemainingBalance  int64
	}
	if err := client.post("/v1/chunks/pay", req, &state); err != nil {
		return err
	}

	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.AppendHeader(table.Row{"Chunk ID", "Cumulative", "Remaining"})
	t.AppendRow(table.Row{state.ChunkID, state.CumulativePayment, state.RemainingBalance})
	t.Render()
	return nil
}
