package iqfeed

import (
	"fmt"
	"time"

	"github.com/rxtech-lab/iqfeed/internal/logger"
	"github.com/rxtech-lab/iqfeed/pkg/errors"
)

// DefaultRequestTimeout bounds a historical lookup when the caller passes a
// non-positive timeout.
const DefaultRequestTimeout = 30 * time.Second

const (
	historyBarPrefix = "H_"
	dailyBarPrefix   = "D_"
)

const (
	historyBarLineFieldCount = 9
	dailyBarLineFieldCount   = 8
)

// HistoryConn retrieves historical data from the feed's lookup socket using
// the request/response primitive of Conn.
type HistoryConn struct {
	*Conn
}

// NewHistoryConn creates a disconnected HistoryConn.
func NewHistoryConn(log *logger.Logger) *HistoryConn {
	return &HistoryConn{Conn: NewConn(log)}
}

// RequestBarsInPeriod retrieves the bars for the ticker between start and
// end. It returns the bars in the order the feed delivered them; the list may
// be empty. A non-positive timeout falls back to DefaultRequestTimeout.
func (h *HistoryConn) RequestBarsInPeriod(ticker string, start time.Time, end time.Time, intervalLen int, intervalType IntervalType, timeout time.Duration) ([]Bar, error) {
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}

	reqID := h.NextRequestID(historyBarPrefix, ticker)

	command := fmt.Sprintf("HIT,%s,%d,%s,%s,,,,1,%s,,%s,",
		ticker, intervalLen, FormatDateTime(start), FormatDateTime(end), reqID, intervalType,
	)

	results, err := h.WaitForCommand(command, ticker, reqID, parseHistoricalBarLine, timeout)
	if err != nil {
		return nil, err
	}

	bars := make([]Bar, 0, len(results))

	for _, result := range results {
		bar, ok := result.(Bar)
		if !ok {
			return nil, errors.Newf(errors.ErrCodeInvalidType, "got bad result of type %T", result)
		}

		bars = append(bars, bar)
	}

	return bars, nil
}

// RequestDailyBarForDate retrieves the daily bar for the ticker on the given
// day. The feed may emit more than one line for a single-day query; only the
// last bar is returned. A non-positive timeout falls back to
// DefaultRequestTimeout.
func (h *HistoryConn) RequestDailyBarForDate(ticker string, day time.Time, timeout time.Duration) (DailyBar, error) {
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}

	reqID := h.NextRequestID(dailyBarPrefix, ticker)

	command := fmt.Sprintf("HDT,%s,%s,%s,,1,%s,,",
		ticker, FormatDate(day), FormatDate(day), reqID,
	)

	results, err := h.WaitForCommand(command, ticker, reqID, parseDailyBarLine, timeout)
	if err != nil {
		return DailyBar{}, err
	}

	if len(results) == 0 {
		return DailyBar{}, errors.Newf(errors.ErrCodeNoData, "didn't get valid data for %s", ticker)
	}

	bar, ok := results[len(results)-1].(DailyBar)
	if !ok {
		return DailyBar{}, errors.Newf(errors.ErrCodeNoData, "didn't get valid data for %s", ticker)
	}

	return bar, nil
}

// parseHistoricalBarLine extracts a Bar from a lookup result line:
// ticker,timestamp,high,low,open,close,total,period,trades.
func parseHistoricalBarLine(fields []string) (any, error) {
	if len(fields) != historyBarLineFieldCount {
		return nil, errors.Newf(errors.ErrCodeMalformedField, "expected %d fields, got %d", historyBarLineFieldCount, len(fields))
	}

	s := fieldScanner{fields: fields, err: nil}
	bar := Bar{
		Ticker:       s.str(0),
		Timestamp:    s.timestamp(1),
		High:         s.float(2),
		Low:          s.float(3),
		Open:         s.float(4),
		Close:        s.float(5),
		TotalVolume:  s.int(6),
		PeriodVolume: s.int(7),
		NumTrades:    s.int(8),
	}

	if s.err != nil {
		return nil, s.err
	}

	return bar, nil
}

// parseDailyBarLine extracts a DailyBar from a lookup result line:
// ticker,date,high,low,open,close,period,openinterest.
func parseDailyBarLine(fields []string) (any, error) {
	if len(fields) != dailyBarLineFieldCount {
		return nil, errors.Newf(errors.ErrCodeMalformedField, "expected %d fields, got %d", dailyBarLineFieldCount, len(fields))
	}

	s := fieldScanner{fields: fields, err: nil}
	bar := DailyBar{
		Ticker:       s.str(0),
		Date:         s.date(1),
		High:         s.float(2),
		Low:          s.float(3),
		Open:         s.float(4),
		Close:        s.float(5),
		PeriodVolume: s.int(6),
		OpenInterest: s.int(7),
	}

	if s.err != nil {
		return nil, s.err
	}

	return bar, nil
}
