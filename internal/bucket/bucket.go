// Package bucket provides the pure time-bucket arithmetic shared by the
// aggregator and the read API: epoch-aligned bucket boundaries and the
// p95 latency percentile.
package bucket

import (
	"fmt"
	"slices"
	"time"
)

// Width is a rollup bucket width. Valid widths are Minute, FiveMinutes
// and Hour.
type Width time.Duration

const (
	Minute      Width = Width(time.Minute)
	FiveMinutes Width = Width(5 * time.Minute)
	Hour        Width = Width(time.Hour)
)

// Widths lists every width a rollup is produced at, narrowest first.
var Widths = []Width{Minute, FiveMinutes, Hour}

// Duration returns the width as a time.Duration.
func (w Width) Duration() time.Duration {
	return time.Duration(w)
}

// Seconds returns the width in whole seconds.
func (w Width) Seconds() int64 {
	return int64(time.Duration(w) / time.Second)
}

// Label returns the short form used in storage and the API: "1m", "5m", "1h".
func (w Width) Label() string {
	switch w {
	case Minute:
		return "1m"
	case FiveMinutes:
		return "5m"
	case Hour:
		return "1h"
	}
	return fmt.Sprintf("%ds", w.Seconds())
}

// ParseWidth converts a label back into a Width.
func ParseWidth(label string) (Width, error) {
	switch label {
	case "1m":
		return Minute, nil
	case "5m":
		return FiveMinutes, nil
	case "1h":
		return Hour, nil
	}
	return 0, fmt.Errorf("unknown bucket width %q", label)
}

// Align returns the start of the bucket containing ts. Buckets are aligned
// to the Unix epoch in UTC seconds; no local time, no DST.
func Align(ts time.Time, w Width) time.Time {
	sec := w.Seconds()
	n := ts.Unix() / sec
	if ts.Unix() < 0 && ts.Unix()%sec != 0 {
		n--
	}
	return time.Unix(n*sec, 0).UTC()
}

// P95 computes the 95th-percentile latency using the nearest-rank variant
// index = max(0, floor(n*0.95)-1). An empty input yields 0. The slice is
// sorted in place.
func P95(latencies []int64) int64 {
	if len(latencies) == 0 {
		return 0
	}
	slices.Sort(latencies)
	i := int(float64(len(latencies))*0.95) - 1
	if i < 0 {
		i = 0
	}
	return latencies[i]
}
