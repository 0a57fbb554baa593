package reconnect

import "time"

// Bounds of the probe backoff. The delay starts at Initial and doubles per
// failed attempt until it reaches Max.
var (
	Initial = 500 * time.Millisecond
	Max     = 30 * time.Second
)

// Delay returns the wait before retrying after the given number of failed
// attempts (0 for the first failure).
func Delay(attempt int) time.Duration {
	if attempt < 0 {
		return Max
	}
	d := Initial
	for i := 0; i < attempt && d < Max; i++ {
		d *= 2
	}
	return min(d, Max)
}
