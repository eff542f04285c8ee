package transport

import "time"

// testTime returns a deterministic, monotonically increasing time for test
// fixtures so tests never depend on the wall clock.
func testTime(offsetSeconds int) time.Time {
	return time.Date(2021, time.March, 1, 0, 0, 0, 0, time.UTC).Add(time.Duration(offsetSeconds) * time.Second)
}
