package main

import (
	"context"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/urfave/cli/v3"

	"github.com/canopy-network/chainfeed/app/relay"
	"github.com/canopy-network/chainfeed/pkg/config"
	"github.com/canopy-network/chainfeed/pkg/session"
)

type LoginCmd struct {
	flags     *Flags
	address   string
	signature string
	nonceOnly bool
}

// NewLoginCmd creates the login command
func NewLoginCmd(flags *Flags) *LoginCmd {
	return &LoginCmd{flags: flags}
}

// Register adds the login command to the application
func (cmd *LoginCmd) Register(app *cli.Command) *cli.Command {
	app.Commands = append(app.Commands, &cli.Command{
		Name:      "login",
		Usage:     "Sign in with a wallet signature",
		UsageText: "feedwatch login --address 0x... [--nonce-only | --signature 0x...]",
		Description: `Signing in takes two steps because the wallet signs outside feedwatch:

  feedwatch login --address 0xABC... --nonce-only   # prints the message to sign
  feedwatch login --address 0xABC... --signature 0x...

With the redis session backend the credential is stored for later commands.
Otherwise it is printed so it can be exported as FEED_TOKEN.`,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "address",
				Aliases:     []string{"a"},
				Usage:       "wallet address",
				Required:    true,
				Destination: &cmd.address,
			},
			&cli.StringFlag{
				Name:        "signature",
				Aliases:     []string{"s"},
				Usage:       "signature over the challenge message",
				Destination: &cmd.signature,
			},
			&cli.BoolFlag{
				Name:        "nonce-only",
				Usage:       "print the challenge and exit",
				Destination: &cmd.nonceOnly,
			},
		},
		Action: cmd.run,
	})

	return app
}

func (cmd *LoginCmd) run(ctx context.Context, c *cli.Command) error {
	cfg := cmd.flags.Config
	logger := cmd.flags.Logger
	out := c.Root().Writer

	sess, redisClient, err := relay.OpenSession(ctx, cfg, logger)
	if redisClient != nil {
		defer redisClient.Close()
	}
	if err != nil {
		return err
	}
	defer sess.Close()

	client, err := relay.NewAPIClient(cfg, sess, logger)
	if err != nil {
		return err
	}

	if cmd.nonceOnly || cmd.signature == "" {
		challenge, err := client.Nonce(ctx, cmd.address)
		if err != nil {
			return err
		}
		_, _ = fmt.Fprintln(out, challenge.Message)
		if !cmd.nonceOnly {
			_, _ = fmt.Fprintln(out, "\nSign the message above, then run login again with --signature.")
		}
		return nil
	}

	token, user, err := client.Verify(ctx, cmd.address, cmd.signature)
	if err != nil {
		return err
	}
	if err := sess.Set(ctx, token); err != nil {
		return err
	}

	_, _ = fmt.Fprintf(out, "Signed in as %s\n", user.WalletAddress)
	if exp, ok := session.Expiry(token); ok {
		_, _ = fmt.Fprintf(out, "Credential expires %s (%s)\n", humanize.Time(exp), exp.Local().Format(time.RFC1123))
	}
	if cfg.SessionBackend == config.SessionMemory {
		_, _ = fmt.Fprintf(out, "\nexport FEED_TOKEN=%s\n", token)
	}
	return nil
}
