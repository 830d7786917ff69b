package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"slices"

	"github.com/dustin/go-humanize"
	"github.com/urfave/cli/v3"

	"github.com/canopy-network/chainfeed/app/relay"
	"github.com/canopy-network/chainfeed/pkg/channel"
	"github.com/canopy-network/chainfeed/pkg/feed"
	"github.com/canopy-network/chainfeed/pkg/redis"
)

type TailCmd struct {
	flags     *Flags
	last      int
	fromRedis bool
	replay    bool
}

// NewTailCmd creates the tail command
func NewTailCmd(flags *Flags) *TailCmd {
	return &TailCmd{flags: flags}
}

// Register adds the tail command to the application
func (cmd *TailCmd) Register(app *cli.Command) *cli.Command {
	app.Commands = append(app.Commands, &cli.Command{
		Name:      "tail",
		Usage:     "Print feed events as they arrive",
		UsageText: "feedwatch tail [--last 10] [--from-redis [--replay]]",
		Description: `Opens its own feed connection, prints the most recent events and then
every new one. With --from-redis it instead follows the stream a running
'feedwatch serve' writes to Redis, so no second upstream connection is made.`,
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:        "last",
				Aliases:     []string{"n"},
				Usage:       "how many backfilled events to print first",
				Value:       10,
				Destination: &cmd.last,
			},
			&cli.BoolFlag{
				Name:        "from-redis",
				Usage:       "follow a running relay through Redis",
				Destination: &cmd.fromRedis,
			},
			&cli.BoolFlag{
				Name:        "replay",
				Usage:       "with --from-redis, start from the oldest retained entry",
				Destination: &cmd.replay,
			},
		},
		Action: cmd.run,
	})

	return app
}

func (cmd *TailCmd) run(ctx context.Context, c *cli.Command) error {
	if cmd.fromRedis {
		return cmd.runFromRedis(ctx, c)
	}

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
	if sess.Token() == "" {
		return fmt.Errorf("not signed in: run 'feedwatch login' or set FEED_TOKEN")
	}

	client, err := relay.NewAPIClient(cfg, sess, logger)
	if err != nil {
		return err
	}
	// Only serve publishes to Redis.
	w, err := relay.NewWatcher(cfg, client, sess, nil, logger)
	if err != nil {
		return err
	}

	printer := &tailPrinter{out: out, state: channel.Disconnected}
	updates := make(chan channel.Update, 64)
	w.Subscribe(func(u channel.Update) {
		select {
		case updates <- u:
		case <-ctx.Done():
		}
	})

	if err := w.Start(ctx); err != nil {
		return err
	}
	defer w.Stop()

	backlog := w.Manager().Snapshot()
	if len(backlog) > cmd.last {
		backlog = backlog[:max(cmd.last, 0)]
	}
	slices.Reverse(backlog)
	for _, e := range backlog {
		printer.event(e)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case u := <-updates:
			printer.update(u)
			if sess.Token() == "" {
				return fmt.Errorf("signed out: the server rejected the credential")
			}
		}
	}
}

func (cmd *TailCmd) runFromRedis(ctx context.Context, c *cli.Command) error {
	logger := cmd.flags.Logger
	client, err := redis.NewClient(ctx, logger)
	if err != nil {
		return err
	}
	defer client.Close()

	lastID := "$"
	if cmd.replay {
		lastID = "0"
	}
	consumer, err := redis.NewStreamConsumer(client, redis.StreamConsumerConfig{
		LastID: lastID,
		Logger: logger,
	})
	if err != nil {
		return err
	}

	printer := &tailPrinter{out: c.Root().Writer}
	err = consumer.Run(ctx, func(_ context.Context, msg redis.Message) error {
		e, err := feed.ParseEvent(msg.GetData())
		if err != nil {
			return err
		}
		printer.event(e)
		return nil
	})
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// tailPrinter writes one line per event and a marker on state changes.
type tailPrinter struct {
	out   io.Writer
	state channel.State
}

func (p *tailPrinter) update(u channel.Update) {
	if u.State != p.state {
		p.state = u.State
		_, _ = fmt.Fprintf(p.out, "%s %s\n", indicator(u.State), u.State)
	}
	for _, e := range u.Accepted {
		p.event(e)
	}
}

func (p *tailPrinter) event(e feed.Event) {
	age := "unknown time"
	if !e.OccurredAt.IsZero() {
		age = humanize.Time(e.OccurredAt)
	}

	var tx struct {
		Hash  string `json:"hash"`
		From  string `json:"from_address"`
		To    string `json:"to_address"`
		Value string `json:"value"`
	}
	var watched struct {
		Label   string `json:"label"`
		Address string `json:"address"`
	}
	e.Field("transaction", &tx)
	e.Field("watched_address", &watched)

	id := "-"
	if e.HasID {
		id = humanize.Comma(e.ID)
	}
	line := fmt.Sprintf("#%-8s %-16s", id, age)
	if watched.Label != "" {
		line += " [" + watched.Label + "]"
	} else if watched.Address != "" {
		line += " [" + shorten(watched.Address) + "]"
	}
	if tx.Hash != "" {
		line += " " + shorten(tx.Hash)
	}
	if tx.From != "" || tx.To != "" {
		line += fmt.Sprintf(" %s → %s", shorten(tx.From), shorten(tx.To))
	}
	if tx.Value != "" {
		line += " " + tx.Value
	}
	_, _ = fmt.Fprintln(p.out, line)
}

func indicator(s channel.State) string {
	switch s {
	case channel.Connected:
		return "●"
	case channel.Connecting:
		return "◌"
	default:
		return "○"
	}
}

func shorten(hex string) string {
	if len(hex) <= 14 {
		return hex
	}
	return hex[:8] + "…" + hex[len(hex)-4:]
}
