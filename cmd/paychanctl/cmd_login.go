package main

import (
	"os"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/urfave/cli"
)

var loginCommand = cli.Command{
	Name:      "login",
	Category:  "Accounts",
	Usage:     "Register or fetch a user by public key.",
	ArgsUsage: "public-key-hex",
	Flags: []cli.Flag{
		cli.StringFlag{Name: "username", Usage: "display name for a first-time login"},
	},
	Action: loginUser,
}

func loginUser(ctx *cli.Context) error {
	if ctx.NArg() != 1 {
		return cli.ShowCommandHelp(ctx, "login")
	}

	client, err := newAdminClient(ctx)
	if err != nil {
		return err
	}

	req := map[string]string{
		"publicKey": ctx.Args().Get(0),
		"username":  ctx.String("username"),
	}
	var user struct {
		ID        int64  `json:"ID"`
		Username  string `json:"Username"`
		PublicKey []byte `json:"PublicKey"`
	}
	if err := client.post("/v1/login", req, &user); err != nil {
		return err
	}

	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.AppendHeader(table.Row{"User ID", "Username"})
	t.AppendRow(table.Row{user.ID, user.Username})
	t.Render()
	return nil
}
