package swarm

import (
	"math"
	"time"
)

// TimeFormat is the timestamp layout used by the JSON snapshot files
const TimeFormat = "2006-01-02 15:04:05"

// round2 rounds to two decimal places. Kudos are stored with this
// precision everywhere so snapshots stay byte-stable across runs.
func round2(x float64) float64 {
	return math.Round(x*100) / 100
}

// round1 rounds to one decimal place (throughput samples)
func round1(x float64) float64 {
	return math.Round(x*10) / 10
}

// roundToInt rounds to the nearest whole number
func roundToInt(x float64) int {
	return int(math.Round(x))
}

// elapsedSeconds returns whole seconds between two instants, never negative
func elapsedSeconds(from, to time.Time) int {
	d := to.Sub(from)
	if d < 0 {
		return 0
	}
	return int(d.Seconds())
}

// formatTime renders a timestamp in the snapshot layout
func formatTime(t time.Time) string {
	return t.Format(TimeFormat)
}

// parseTime reads a timestamp in the snapshot layout
func parseTime(s string) (time.Time, error) {
	return time.Parse(TimeFormat, s)
}
