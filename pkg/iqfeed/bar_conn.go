package iqfeed

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/rxtech-lab/iqfeed/internal/logger"
	"github.com/rxtech-lab/iqfeed/pkg/errors"
)

// Bar-type tags pushed by the feed outside the request/response pattern.
const (
	historyBarTag = "BH"
	liveBarTag    = "BC"
	noDataTag     = "n"
)

const barFieldCount = 11

// BarCallback receives one parsed bar. A returned error is logged and does
// not affect other callbacks or subsequent bars.
type BarCallback func(bar Bar) error

// BarConn streams live interval bars. Watch subscribes a ticker; the feed
// then pushes backfill bars tagged BH and live bars tagged BC, which are
// fanned out to the registered callbacks. Identical consecutive live bars for
// a ticker are delivered once.
type BarConn struct {
	*Conn

	cbMu             sync.RWMutex
	historyCallbacks []BarCallback
	liveCallbacks    []BarCallback

	// lastBar is only touched on the read-loop goroutine.
	lastBar map[string]Bar
}

// NewBarConn creates a disconnected BarConn.
func NewBarConn(log *logger.Logger) *BarConn {
	b := &BarConn{
		Conn:             NewConn(log),
		cbMu:             sync.RWMutex{},
		historyCallbacks: nil,
		liveCallbacks:    nil,
		lastBar:          make(map[string]Bar),
	}
	b.Conn.SetMessageHandler(b)

	return b
}

// RegisterHistoryBarCallback registers a callback for backfill bars. History
// bars are delivered unconditionally, with no deduplication.
func (b *BarConn) RegisterHistoryBarCallback(callback BarCallback) {
	b.cbMu.Lock()
	defer b.cbMu.Unlock()

	b.historyCallbacks = append(b.historyCallbacks, callback)
}

// RegisterLiveBarCallback registers a callback for live bars.
func (b *BarConn) RegisterLiveBarCallback(callback BarCallback) {
	b.cbMu.Lock()
	defer b.cbMu.Unlock()

	b.liveCallbacks = append(b.liveCallbacks, callback)
}

// Watch subscribes the ticker for interval bars, backfilling from start. The
// blank fields are mandated by the protocol.
func (b *BarConn) Watch(ticker string, start time.Time, intervalLen int, intervalType IntervalType) error {
	return b.SendCommand(fmt.Sprintf("BW,%s,%d,%s,,,,,,%s,,",
		ticker, intervalLen, FormatDateTime(start), intervalType,
	))
}

// Unwatch unsubscribes the ticker.
func (b *BarConn) Unwatch(ticker string) error {
	return b.SendCommand("BR," + ticker)
}

// Disconnect disconnects the underlying Conn and drops the registered
// callbacks and the dedup cache; neither survives a reconnect.
func (b *BarConn) Disconnect() error {
	if err := b.Conn.Disconnect(); err != nil {
		return err
	}

	b.cbMu.Lock()
	b.historyCallbacks = nil
	b.liveCallbacks = nil
	b.cbMu.Unlock()

	// The read loop has exited; safe to reset from here.
	b.lastBar = make(map[string]Bar)

	return nil
}

// HandleMessage classifies an inbound line as a bar push. A malformed bar is
// logged with the offending line and still reported handled so one bad line
// never interrupts the stream.
func (b *BarConn) HandleMessage(fields []string) HandlerResult {
	if GetField(fields, 0) == noDataTag {
		b.log.Error("no data for watched ticker", zap.String("ticker", GetField(fields, 1)))

		return Handled
	}

	barType := GetField(fields, 1)
	if barType != historyBarTag && barType != liveBarTag {
		return UnknownMessage
	}

	bar, err := parseBar(fields)
	if err != nil {
		b.log.Error("error processing bar",
			zap.String("message", strings.Join(fields, ",")),
			zap.Error(err),
		)

		return Handled
	}

	switch barType {
	case historyBarTag:
		b.dispatch(bar, b.snapshotCallbacks(&b.historyCallbacks))
	case liveBarTag:
		b.handleLiveBar(bar)
	}

	return Handled
}

// handleLiveBar suppresses a live bar identical to the last one delivered for
// its ticker. Runs only on the read-loop goroutine.
func (b *BarConn) handleLiveBar(bar Bar) {
	if last, ok := b.lastBar[bar.Ticker]; ok && last == bar {
		return
	}

	b.lastBar[bar.Ticker] = bar
	b.dispatch(bar, b.snapshotCallbacks(&b.liveCallbacks))
}

func (b *BarConn) snapshotCallbacks(list *[]BarCallback) []BarCallback {
	b.cbMu.RLock()
	defer b.cbMu.RUnlock()

	out := make([]BarCallback, len(*list))
	copy(out, *list)

	return out
}

// dispatch fans a bar out to every callback, isolating failures so one
// callback cannot block delivery to the rest.
func (b *BarConn) dispatch(bar Bar, callbacks []BarCallback) {
	for _, callback := range callbacks {
		if err := callback(bar); err != nil {
			b.log.Error("error handling bar", zap.String("ticker", bar.Ticker), zap.Error(err))
		}
	}
}

// parseBar extracts a Bar from a push line:
// reqid,tag,ticker,timestamp,open,high,low,close,total,period,trades.
func parseBar(fields []string) (Bar, error) {
	if len(fields) != barFieldCount {
		return Bar{}, errors.Newf(errors.ErrCodeMalformedField, "expected %d bar fields, got %d", barFieldCount, len(fields))
	}

	s := fieldScanner{fields: fields, err: nil}
	bar := Bar{
		Ticker:       s.str(2),
		Timestamp:    s.timestamp(3),
		Open:         s.float(4),
		High:         s.float(5),
		Low:          s.float(6),
		Close:        s.float(7),
		TotalVolume:  s.int(8),
		PeriodVolume: s.int(9),
		NumTrades:    s.int(10),
	}

	if s.err != nil {
		return Bar{}, s.err
	}

	return bar, nil
}
