package main

import (
	"context"
	"fmt"

	"github.com/urfave/cli/v3"

	"github.com/canopy-network/chainfeed/app/relay"
)

type ServeCmd struct {
	flags *Flags
	addr  string
}

// NewServeCmd creates the serve command
func NewServeCmd(flags *Flags) *ServeCmd {
	return &ServeCmd{flags: flags}
}

// Register adds the serve command to the application
func (cmd *ServeCmd) Register(app *cli.Command) *cli.Command {
	app.Commands = append(app.Commands, &cli.Command{
		Name:      "serve",
		Usage:     "Run the local feed relay",
		UsageText: "feedwatch serve [--addr :3002]",
		Description: `Keeps the feed connection open and serves it locally:

  GET  /feed          retained events, newest first
  GET  /status        connection state and counters
  POST /feed/refresh  re-read the first page now
  GET  /ws            snapshot on connect, then every change`,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "addr",
				Usage:       "listen address, overrides ADDR",
				Destination: &cmd.addr,
			},
		},
		Action: cmd.run,
	})

	return app
}

func (cmd *ServeCmd) run(ctx context.Context, c *cli.Command) error {
	cfg := cmd.flags.Config
	if cmd.addr != "" {
		cfg.Addr = cmd.addr
	}

	app, err := relay.Initialize(ctx, cfg, cmd.flags.Logger)
	if err != nil {
		return fmt.Errorf("initialize relay: %w", err)
	}
	if err := relay.NewServer(app); err != nil {
		return fmt.Errorf("initialize server: %w", err)
	}
	return app.Start(ctx)
}
