package utils

import (
	"fmt"
	"time"

	"github.com/beevik/ntp"
)

func MsToDuration(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}

// DurationMs reports d in whole milliseconds, rounding toward zero.
func DurationMs(d time.Duration) int64 {
	return d.Milliseconds()
}

// ClockOffset asks an NTP server how far the local clock is off. Image and
// sensor timestamps come from the local clock, so a large offset is worth a
// warning at startup.
func ClockOffset(server string) (time.Duration, error) {
	resp, err := ntp.Query(server)
	if err != nil {
		return 0, fmt.Errorf("query ntp server %s: %w", server, err)
	}
	if err = resp.Validate(); err != nil {
		return 0, fmt.Errorf("invalid ntp response from %s: %w", server, err)
	}

	return resp.ClockOffset, nil
}
