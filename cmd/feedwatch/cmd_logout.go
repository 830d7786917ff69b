package main

import (
	"context"
	"fmt"

	"github.com/urfave/cli/v3"

	"github.com/canopy-network/chainfeed/app/relay"
)

type LogoutCmd struct {
	flags *Flags
}

// NewLogoutCmd creates the logout command
func NewLogoutCmd(flags *Flags) *LogoutCmd {
	return &LogoutCmd{flags: flags}
}

// Register adds the logout command to the application
func (cmd *LogoutCmd) Register(app *cli.Command) *cli.Command {
	app.Commands = append(app.Commands, &cli.Command{
		Name:      "logout",
		Usage:     "Forget the stored credential",
		UsageText: "feedwatch logout",
		Action:    cmd.run,
	})

	return app
}

func (cmd *LogoutCmd) run(ctx context.Context, c *cli.Command) error {
	sess, redisClient, err := relay.OpenSession(ctx, cmd.flags.Config, cmd.flags.Logger)
	if redisClient != nil {
		defer redisClient.Close()
	}
	if err != nil {
		return err
	}
	defer sess.Close()

	if err := sess.Clear(ctx); err != nil {
		return err
	}
	_, _ = fmt.Fprintln(c.Root().Writer, "Signed out")
	return nil
}
