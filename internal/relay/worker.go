// Package relay implements the thin front-end that accepts client sockets
// and answers bar requests by querying the upstream feed.
package relay

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/rxtech-lab/iqfeed/internal/logger"
	"github.com/rxtech-lab/iqfeed/pkg/iqfeed"
)

// Regular trading hours bound every bar request.
const (
	marketOpenHour    = 9
	marketOpenMinute  = 30
	marketCloseHour   = 16
	marketCloseMinute = 0
)

// barInterval is the bar length requested from the feed, in seconds.
const barInterval = 60

const requestDateLayout = "20060102"

// historyClient is the slice of HistoryConn the worker needs; tests
// substitute a fake.
type historyClient interface {
	Connect(host string, port int, style iqfeed.TerminationStyle) error
	Disconnect() error
	RequestBarsInPeriod(ticker string, start time.Time, end time.Time, intervalLen int, intervalType iqfeed.IntervalType, timeout time.Duration) ([]iqfeed.Bar, error)
}

// Worker pulls one day of bars for a ticker from the feed and renders them as
// relay reply lines. Each job dials its own connection, so concurrent jobs
// never share feed state.
type Worker struct {
	log  *logger.Logger
	host string
	port int

	// newClient is swapped in tests.
	newClient func() historyClient
}

// NewWorker creates a Worker that queries the feed's lookup socket at
// host:port.
func NewWorker(log *logger.Logger, host string, port int) *Worker {
	if log == nil {
		log = logger.NewNopLogger()
	}

	return &Worker{
		log:  log,
		host: host,
		port: port,
		newClient: func() historyClient {
			return iqfeed.NewHistoryConn(log)
		},
	}
}

// ProcessJob retrieves the bars for ticker on the YYYYMMDD date and returns
// the reply lines for the client. Any failure collapses to the single
// no-data line `n,<ticker>`; the relay never surfaces feed errors verbatim.
func (w *Worker) ProcessJob(ticker string, date string) []string {
	day, err := time.ParseInLocation(requestDateLayout, date, time.UTC)
	if err != nil {
		w.log.Error("invalid request date", zap.String("ticker", ticker), zap.String("date", date), zap.Error(err))

		return []string{"n," + ticker}
	}

	marketOpen := time.Date(day.Year(), day.Month(), day.Day(), marketOpenHour, marketOpenMinute, 0, 0, time.UTC)
	marketClose := time.Date(day.Year(), day.Month(), day.Day(), marketCloseHour, marketCloseMinute, 0, 0, time.UTC)

	w.log.Info("getting bars", zap.String("ticker", ticker), zap.String("date", date))

	client := w.newClient()
	if err := client.Connect(w.host, w.port, iqfeed.RunForever); err != nil {
		w.log.Error("error connecting to the feed", zap.String("ticker", ticker), zap.Error(err))

		return []string{"n," + ticker}
	}

	defer func() {
		if err := client.Disconnect(); err != nil {
			w.log.Warn("error disconnecting from the feed", zap.Error(err))
		}
	}()

	bars, err := client.RequestBarsInPeriod(ticker, marketOpen, marketClose, barInterval, iqfeed.IntervalSeconds, 0)
	if err != nil {
		w.log.Error("error retrieving bars", zap.String("ticker", ticker), zap.Error(err))

		return []string{"n," + ticker}
	}

	w.log.Info("got bars", zap.String("ticker", ticker), zap.Int("count", len(bars)))

	lines := make([]string, 0, len(bars))
	for _, bar := range bars {
		lines = append(lines, formatBarLine(bar))
	}

	return lines
}

// formatBarLine renders one bar in the feed's live-bar line shape so clients
// can reuse their push-message parser for relayed history.
func formatBarLine(bar iqfeed.Bar) string {
	return fmt.Sprintf("B-%s-0060-s,BC,%s,%s,%v,%v,%v,%v,%d,%d,%d",
		bar.Ticker,
		bar.Ticker,
		bar.Timestamp.Format("2006-01-02 15:04:05"),
		bar.Open,
		bar.High,
		bar.Low,
		bar.Close,
		bar.TotalVolume,
		bar.PeriodVolume,
		bar.NumTrades,
	)
}
