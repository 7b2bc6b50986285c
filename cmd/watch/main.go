package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v3"
	"go.uber.org/zap"

	"github.com/rxtech-lab/iqfeed/internal/config"
	"github.com/rxtech-lab/iqfeed/internal/logger"
	"github.com/rxtech-lab/iqfeed/pkg/iqfeed"
)

// watchAction subscribes to live bars for one ticker and prints them until
// interrupted.
func watchAction(ctx context.Context, cmd *cli.Command) error {
	ticker := cmd.String("ticker")
	host := cmd.String("host")
	port := int(cmd.Int("port"))
	interval := int(cmd.Int("interval"))

	l, err := logger.NewLogger()
	if err != nil {
		return err
	}
	defer func() { _ = l.Sync() }()

	conn := iqfeed.NewBarConn(l)

	conn.RegisterLiveBarCallback(func(bar iqfeed.Bar) error {
		l.Info("live bar",
			zap.String("ticker", bar.Ticker),
			zap.Time("timestamp", bar.Timestamp),
			zap.Float64("open", bar.Open),
			zap.Float64("high", bar.High),
			zap.Float64("low", bar.Low),
			zap.Float64("close", bar.Close),
			zap.Int64("totalVolume", bar.TotalVolume),
			zap.Int64("periodVolume", bar.PeriodVolume),
			zap.Int64("numTrades", bar.NumTrades),
		)

		return nil
	})

	if err := conn.Connect(host, port, iqfeed.RunForever); err != nil {
		return err
	}

	// Start the subscription from midnight so the feed backfills today's
	// bars before switching to live updates.
	start := time.Now().UTC().Truncate(24 * time.Hour)

	if err := conn.Watch(ticker, start, interval, iqfeed.IntervalSeconds); err != nil {
		_ = conn.Disconnect()

		return err
	}

	l.Info("watching", zap.String("ticker", ticker), zap.Int("interval", interval))

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	<-ctx.Done()

	if err := conn.Unwatch(ticker); err != nil {
		l.Warn("error unwatching", zap.String("ticker", ticker), zap.Error(err))
	}

	return conn.Disconnect()
}

func main() {
	cmd := &cli.Command{
		Name:  "watch",
		Usage: "Stream live bars for a ticker from the feed's derivative socket",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "ticker",
				Aliases:  []string{"t"},
				Usage:    "Stock ticker symbol",
				Required: true,
			},
			&cli.StringFlag{
				Name:  "host",
				Usage: "Host running the feed",
				Value: "127.0.0.1",
			},
			&cli.IntFlag{
				Name:  "port",
				Usage: "Feed derivative socket port",
				Value: config.DefaultBarPort,
			},
			&cli.IntFlag{
				Name:  "interval",
				Usage: "Bar length in seconds",
				Value: 60,
			},
		},
		Action: watchAction,
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		log.Fatal(err)
	}
}
