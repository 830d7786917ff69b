package main

import (
	"context"
	"fmt"
	"strconv"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/urfave/cli/v3"

	"github.com/canopy-network/chainfeed/app/relay"
	"github.com/canopy-network/chainfeed/pkg/api"
)

type AddressesCmd struct {
	flags *Flags
	label string
}

// NewAddressesCmd creates the addresses command
func NewAddressesCmd(flags *Flags) *AddressesCmd {
	return &AddressesCmd{flags: flags}
}

// Register adds the addresses command to the application
func (cmd *AddressesCmd) Register(app *cli.Command) *cli.Command {
	app.Commands = append(app.Commands, &cli.Command{
		Name:    "addresses",
		Aliases: []string{"addr"},
		Usage:   "Manage watched addresses",
		Commands: []*cli.Command{
			{
				Name:      "ls",
				Usage:     "List watched addresses",
				UsageText: "feedwatch addresses ls",
				Action:    cmd.runList,
			},
			{
				Name:      "add",
				Usage:     "Watch an address or ENS name",
				UsageText: "feedwatch addresses add <0x... | name.eth> [--label cold]",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:        "label",
						Aliases:     []string{"l"},
						Usage:       "short name shown in the feed",
						Destination: &cmd.label,
					},
				},
				Action: cmd.runAdd,
			},
			{
				Name:      "rm",
				Usage:     "Stop watching an address",
				UsageText: "feedwatch addresses rm <id>",
				Action:    cmd.runRemove,
			},
		},
	})

	return app
}

// client opens the session and returns an authenticated API client. The
// returned func releases what was opened.
func (cmd *AddressesCmd) client(ctx context.Context) (*api.Client, func(), error) {
	sess, redisClient, err := relay.OpenSession(ctx, cmd.flags.Config, cmd.flags.Logger)
	release := func() {
		if sess != nil {
			sess.Close()
		}
		if redisClient != nil {
			_ = redisClient.Close()
		}
	}
	if err != nil {
		release()
		return nil, nil, err
	}
	if sess.Token() == "" {
		release()
		return nil, nil, fmt.Errorf("not signed in: run 'feedwatch login' or set FEED_TOKEN")
	}
	client, err := relay.NewAPIClient(cmd.flags.Config, sess, cmd.flags.Logger)
	if err != nil {
		release()
		return nil, nil, err
	}
	return client, release, nil
}

func (cmd *AddressesCmd) runList(ctx context.Context, c *cli.Command) error {
	client, release, err := cmd.client(ctx)
	if err != nil {
		return err
	}
	defer release()

	addresses, err := client.Addresses(ctx)
	if err != nil {
		return err
	}
	out := c.Root().Writer
	if len(addresses) == 0 {
		_, _ = fmt.Fprintln(out, "No watched addresses")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tADDRESS\tLABEL\tADDED")
	for _, a := range addresses {
		added := "-"
		if !a.CreatedAt.IsZero() {
			added = humanize.Time(a.CreatedAt)
		}
		address := a.Address
		if a.ENSName != "" && a.ENSName != a.Address {
			address += " (" + a.ENSName + ")"
		}
		_, _ = fmt.Fprintf(w, "%d\t%s\t%s\t%s\n", a.ID, address, a.Label, added)
	}
	return w.Flush()
}

func (cmd *AddressesCmd) runAdd(ctx context.Context, c *cli.Command) error {
	if c.Args().Len() != 1 {
		return fmt.Errorf("exactly one address required\n\nUsage: feedwatch addresses add <0x... | name.eth>")
	}
	address := c.Args().First()
	if err := api.ValidateAddress(address); err != nil {
		return err
	}

	client, release, err := cmd.client(ctx)
	if err != nil {
		return err
	}
	defer release()

	added, err := client.AddAddress(ctx, address, cmd.label)
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintf(c.Root().Writer, "Watching %s (id %d)\n", added.Address, added.ID)
	return nil
}

func (cmd *AddressesCmd) runRemove(ctx context.Context, c *cli.Command) error {
	if c.Args().Len() != 1 {
		return fmt.Errorf("exactly one id required\n\nUsage: feedwatch addresses rm <id>")
	}
	id, err := strconv.ParseInt(c.Args().First(), 10, 64)
	if err != nil || id <= 0 {
		return fmt.Errorf("invalid id %q", c.Args().First())
	}

	client, release, err := cmd.client(ctx)
	if err != nil {
		return err
	}
	defer release()

	if err := client.RemoveAddress(ctx, id); err != nil {
		return err
	}
	_, _ = fmt.Fprintf(c.Root().Writer, "Stopped watching %d\n", id)
	return nil
}
