package iqfeed

import "time"

// IntervalType selects how a bar's interval length is measured.
type IntervalType string

const (
	IntervalSeconds IntervalType = "s"
	IntervalVolume  IntervalType = "v"
	IntervalTicks   IntervalType = "t"
)

// Bar is one OHLCV record for a ticker over a fixed interval. Bars are plain
// value types: two bars are equal iff every field matches, which is what the
// live-bar deduplication relies on.
type Bar struct {
	Ticker       string
	Timestamp    time.Time
	Open         float64
	High         float64
	Low          float64
	Close        float64
	TotalVolume  int64 // cumulative volume for the session
	PeriodVolume int64 // volume within this interval
	NumTrades    int64
}

// DailyBar is one end-of-day OHLCV record with open interest. Unlike Bar it
// carries a bare date and no trade count.
type DailyBar struct {
	Ticker       string
	Date         time.Time
	High         float64
	Low          float64
	Open         float64
	Close        float64
	PeriodVolume int64
	OpenInterest int64
}
