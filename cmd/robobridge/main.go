package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v3"

	"github.com/illmade-knight/go-robobridge/pkg/config"
)

var (
	// Build information. Populated at build-time via -ldflags flag.
	version = "dev"
	commit  = "HEAD"
)

// Flags holds the global command line options.
type Flags struct {
	ConfigPath string
	LogLevel   string
	LogFile    string
	HTTPAddr   string

	Config *config.Config
}

func main() {
	if err := setupLogger("info", ""); err != nil {
		panic(err)
	}

	flags := &Flags{}
	app := &cli.Command{
		Name:      "robobridge",
		Usage:     "Bridge a robot pub/sub bus to WebSocket clients",
		UsageText: "robobridge [global options] [command]",
		Description: `robobridge subscribes to bus topics on behalf of browser clients, encodes
each message once and fans it out over a single WebSocket per client.

Run 'robobridge' or 'robobridge serve' to start the bridge.
Run 'robobridge sim' to start it against a simulated robot.`,
		Version: fmt.Sprintf("%s (%s)", version, commit),
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "config",
				Aliases:     []string{"c"},
				Usage:       "path to config file (optional)",
				Sources:     cli.EnvVars("ROBOBRIDGE_CONFIG"),
				Destination: &flags.ConfigPath,
			},
			&cli.StringFlag{
				Name:        "log-level",
				Usage:       "log level (debug, info, warn, error, fatal, panic)",
				Sources:     cli.EnvVars(config.EnvLogLevel),
				Destination: &flags.LogLevel,
			},
			&cli.StringFlag{
				Name:        "log-file",
				Usage:       "path to log file (optional)",
				Sources:     cli.EnvVars("ROBOBRIDGE_LOG_FILE"),
				Destination: &flags.LogFile,
			},
			&cli.StringFlag{
				Name:        "http-addr",
				Usage:       "address for the HTTP and WebSocket listener",
				Sources:     cli.EnvVars(config.EnvHTTPAddr),
				Destination: &flags.HTTPAddr,
			},
		},
		Before: func(ctx context.Context, c *cli.Command) (context.Context, error) {
			cfg, err := config.Load(flags.ConfigPath)
			if err != nil {
				return ctx, fmt.Errorf("load config: %w", err)
			}
			if flags.LogLevel != "" {
				cfg.LogLevel = flags.LogLevel
			}
			if flags.HTTPAddr != "" {
				cfg.HTTPAddr = flags.HTTPAddr
			}
			if err := setupLogger(cfg.LogLevel, flags.LogFile); err != nil {
				return ctx, err
			}
			flags.Config = cfg
			return ctx, nil
		},
		Commands: []*cli.Command{
			{
				Name:   "serve",
				Usage:  "Run the bridge against the configured bus",
				Action: func(ctx context.Context, _ *cli.Command) error { return serve(ctx, flags.Config, nil) },
			},
			{
				Name:  "sim",
				Usage: "Run the bridge against an in-memory bus with simulated nodes",
				Action: func(ctx context.Context, _ *cli.Command) error {
					return simulate(ctx, flags.Config)
				},
			},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			if c.Args().Len() > 0 {
				return fmt.Errorf("unknown command %q. Run 'robobridge --help' for usage", c.Args().First())
			}
			return serve(ctx, flags.Config, nil)
		},
	}

	if err := app.Run(context.Background(), os.Args); err != nil {
		log.Error().Err(err).Msg("robobridge exited with error.")
		os.Exit(1)
	}
}

func setupLogger(level string, logFile string) error {
	parsedLevel, err := zerolog.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("failed to parse log level: %w", err)
	}

	var output io.Writer = zerolog.ConsoleWriter{Out: os.Stderr}
	if logFile != "" {
		if err := os.MkdirAll(filepath.Dir(logFile), 0o755); err != nil {
			return fmt.Errorf("failed to create log directory: %w", err)
		}
		file, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("failed to open log file: %w", err)
		}
		output = io.MultiWriter(zerolog.ConsoleWriter{Out: os.Stderr}, file)
	}

	log.Logger = log.Output(output).Level(parsedLevel).With().Timestamp().Logger()
	return nil
}
