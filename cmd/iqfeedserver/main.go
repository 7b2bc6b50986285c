package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/moznion/go-optional"
	"github.com/urfave/cli/v3"
	"go.uber.org/zap"

	"github.com/rxtech-lab/iqfeed/internal/config"
	"github.com/rxtech-lab/iqfeed/internal/logger"
	"github.com/rxtech-lab/iqfeed/internal/relay"
)

// serveAction loads the configuration, starts the relay server and blocks
// until the process is signalled to stop.
func serveAction(ctx context.Context, cmd *cli.Command) error {
	var configPath optional.Option[string]
	if path := cmd.String("config"); path != "" {
		configPath = optional.Some(path)
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	// CLI flags win over the file and the environment.
	if host := cmd.String("iqfeed-host"); host != "" {
		cfg.Feed.Host = host
	}

	if port := cmd.Int("lookup-port"); port != 0 {
		cfg.Feed.LookupPort = int(port)
	}

	if listen := cmd.String("listen"); listen != "" {
		cfg.Relay.ListenAddr = listen
	}

	if err := cfg.Validate(); err != nil {
		return err
	}

	l, err := logger.NewLogger()
	if err != nil {
		return err
	}
	defer func() { _ = l.Sync() }()

	worker := relay.NewWorker(l, cfg.Feed.Host, cfg.Feed.LookupPort)
	server := relay.NewServer(l, worker, relay.ServerConfig{})

	if err := server.Start(cfg.Relay.ListenAddr); err != nil {
		return err
	}

	l.Info("relay running",
		zap.String("listen", server.Addr()),
		zap.String("feed", cfg.Feed.Host),
		zap.Int("lookupPort", cfg.Feed.LookupPort),
	)

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	<-ctx.Done()

	l.Info("shutting down")
	server.Stop()

	return nil
}

func main() {
	cmd := &cli.Command{
		Name:  "iqfeedserver",
		Usage: "Relay bar requests from clients to an IQFeed lookup socket",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to the YAML config file",
			},
			&cli.StringFlag{
				Name:    "listen",
				Aliases: []string{"l"},
				Usage:   "Address to listen on, e.g. 0.0.0.0:9999",
			},
			&cli.StringFlag{
				Name:  "iqfeed-host",
				Usage: "Host running the feed",
			},
			&cli.IntFlag{
				Name:  "lookup-port",
				Usage: "Feed lookup socket port",
			},
		},
		Action: serveAction,
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		log.Fatal(err)
	}
}
