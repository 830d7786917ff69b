package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v3"
	"go.uber.org/zap"

	"github.com/canopy-network/chainfeed/pkg/config"
	"github.com/canopy-network/chainfeed/pkg/logging"
)

var (
	// Build information. Populated at build-time via -ldflags flag.
	version = "dev"
	commit  = "HEAD"
)

// Flags carries global options and what Before builds from them.
type Flags struct {
	ConfigPath  string
	LogLevel    string
	LogEncoding string

	Config config.Config
	Logger *zap.Logger
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	flags := &Flags{}

	app := &cli.Command{
		Name:      "feedwatch",
		Usage:     "Follow the live activity feed of your watched addresses",
		UsageText: "feedwatch [global options] command [command options]",
		Version:   fmt.Sprintf("%s (%s)", version, commit),
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "config",
				Aliases:     []string{"c"},
				Usage:       "path to a YAML config file",
				Sources:     cli.EnvVars("FEED_CONFIG"),
				Destination: &flags.ConfigPath,
			},
			&cli.StringFlag{
				Name:        "log-level",
				Usage:       "log level (debug, info, warn, error)",
				Sources:     cli.EnvVars("LOG_LEVEL"),
				Value:       "warn",
				Destination: &flags.LogLevel,
			},
			&cli.StringFlag{
				Name:        "log-encoding",
				Usage:       "log encoding (json, console)",
				Sources:     cli.EnvVars("LOG_ENCODING"),
				Value:       "console",
				Destination: &flags.LogEncoding,
			},
		},
		Before: func(ctx context.Context, c *cli.Command) (context.Context, error) {
			logger, err := logging.NewWithOptions(logging.Options{
				Level:    flags.LogLevel,
				Encoding: flags.LogEncoding,
				Stderr:   true,
			})
			if err != nil {
				return ctx, fmt.Errorf("setup logger: %w", err)
			}
			flags.Logger = logger

			cfg, err := config.Load(flags.ConfigPath)
			if err != nil {
				return ctx, fmt.Errorf("load config: %w", err)
			}
			flags.Config = cfg
			return ctx, nil
		},
		After: func(ctx context.Context, c *cli.Command) error {
			if flags.Logger != nil {
				_ = flags.Logger.Sync()
			}
			return nil
		},
	}

	app = NewServeCmd(flags).Register(app)
	app = NewTailCmd(flags).Register(app)
	app = NewLoginCmd(flags).Register(app)
	app = NewLogoutCmd(flags).Register(app)
	app = NewAddressesCmd(flags).Register(app)

	if err := app.Run(ctx, os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "feedwatch: %v\n", err)
		cancel()
		os.Exit(1)
	}
}
