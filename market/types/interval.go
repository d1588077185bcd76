package types

import (
	"fmt"
	"time"
)

// Interval is a kline bar duration in its wire form ("1m", "4h", ...).
type Interval string

const (
	Interval1s  Interval = "1s"
	Interval5s  Interval = "5s"
	Interval15s Interval = "15s"
	Interval1m  Interval = "1m"
	Interval5m  Interval = "5m"
	Interval15m Interval = "15m"
	Interval30m Interval = "30m"
	Interval1h  Interval = "1h"
	Interval4h  Interval = "4h"
	Interval1d  Interval = "1d"
)

var intervalDurations = map[Interval]time.Duration{
	Interval1s:  time.Second,
	Interval5s:  5 * time.Second,
	Interval15s: 15 * time.Second,
	Interval1m:  time.Minute,
	Interval5m:  5 * time.Minute,
	Interval15m: 15 * time.Minute,
	Interval30m: 30 * time.Minute,
	Interval1h:  time.Hour,
	Interval4h:  4 * time.Hour,
	Interval1d:  24 * time.Hour,
}

// String cast Interval to string.
func (i Interval) String() string {
	return string(i)
}

// Duration returns the bar length of the interval.
func (i Interval) Duration() time.Duration {
	return intervalDurations[i]
}

// SubMinute reports whether the interval is finer than any venue streams
// natively and must be synthesized from 1m bars.
func (i Interval) SubMinute() bool {
	return i.Duration() < time.Minute
}

// BarsPerMinute returns how many bars of this interval fit in one minute.
// Only meaningful for sub-minute intervals.
func (i Interval) BarsPerMinute() int {
	return int(time.Minute / i.Duration())
}

// ParseInterval validates a raw interval string against the supported set.
func ParseInterval(raw string) (Interval, error) {
	interval := Interval(raw)
	if _, ok := intervalDurations[interval]; !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownInterval, raw)
	}
	return interval, nil
}
