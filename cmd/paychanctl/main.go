package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/urfave/cli"
)

var (
	paychandHomeDir   = btcutil.AppDataDir("paychand", false)
	defaultTLSCertPath = filepath.Join(paychandHomeDir, "tls.cert")
)

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "[paychanctl] %v\n", err)
	os.Exit(1)
}

func main() {
	app := cli.NewApp()
	app.Name = "paychanctl"
	app.Version = "0.1"
	app.Usage = "control plane for paychand, the metered-stream payment-channel daemon"
	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:  "rpcserver",
			Value: "localhost:8443",
			Usage: "host:port of paychand's admin HTTP server",
		},
		cli.StringFlag{
			Name:  "tlscertpath",
			Value: defaultTLSCertPath,
			Usage: "path to paychand's TLS certificate",
		},
		cli.BoolFlag{
			Name:  "insecure",
			Usage: "skip TLS certificate verification",
		},
	}
	app.Commands = []cli.Command{
		loginCommand,
		openChannelCommand,
		confirmFundingCommand,
		streamChunkCommand,
		payChunkCommand,
		settleCommand,
	}

	if err := app.Run(os.Args); err != nil {
		fatal(err)
	}
}
