package models

import (
	"fmt"
	"time"
)

// Timeframe identifies a candle interval duration.
type Timeframe string

const (
	TF1m  Timeframe = "1m"
	TF5m  Timeframe = "5m"
	TF15m Timeframe = "15m"
	TF30m Timeframe = "30m"
	TF1h  Timeframe = "1h"
	TF4h  Timeframe = "4h"
	TF1d  Timeframe = "1d"
	TF1w  Timeframe = "1w"
)

type timeframeSpec struct {
	apiCode string // upstream code; differs in case for daily/weekly
	delta   time.Duration
}

var timeframes = map[Timeframe]timeframeSpec{
	TF1m:  {"1m", time.Minute},
	TF5m:  {"5m", 5 * time.Minute},
	TF15m: {"15m", 15 * time.Minute},
	TF30m: {"30m", 30 * time.Minute},
	TF1h:  {"1h", time.Hour},
	TF4h:  {"4h", 4 * time.Hour},
	TF1d:  {"1D", 24 * time.Hour},
	TF1w:  {"1W", 7 * 24 * time.Hour},
}

// ParseTimeframe validates a timeframe string from config or query params.
func ParseTimeframe(s string) (Timeframe, error) {
	tf := Timeframe(s)
	if _, ok := timeframes[tf]; !ok {
		return "", fmt.Errorf("unknown timeframe %q", s)
	}
	return tf, nil
}

func (tf Timeframe) Valid() bool {
	_, ok := timeframes[tf]
	return ok
}

// APICode returns the upstream identifier for the timeframe (e.g. "1D" for "1d").
// Unknown timeframes pass through unchanged.
func (tf Timeframe) APICode() string {
	if spec, ok := timeframes[tf]; ok {
		return spec.apiCode
	}
	return string(tf)
}

// Delta returns the duration of one candle at this timeframe.
// Unknown timeframes default to one hour.
func (tf Timeframe) Delta() time.Duration {
	if spec, ok := timeframes[tf]; ok {
		return spec.delta
	}
	return time.Hour
}
