package scheduler

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

var (
	reSeconds = regexp.MustCompile(`^\d+$`)
	reHHMM    = regexp.MustCompile(`^(\d{1,3}):(\d{2})$`)
)

// ParseDelay parses a submission delay.
//
// Supported forms:
//   - Plain seconds: "53", "0"
//   - Go duration: "90s", "1m30s", "250ms"
//   - HH:MM: "01:30" (1 hour 30 minutes)
func ParseDelay(raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, fmt.Errorf("delay required")
	}
	if reSeconds.MatchString(s) {
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil || n > int64(maxDelay/time.Second) {
			return 0, fmt.Errorf("delay %q out of range", raw)
		}
		return time.Duration(n) * time.Second, nil
	}
	if m := reHHMM.FindStringSubmatch(s); m != nil {
		hh, _ := strconv.Atoi(m[1])
		mm, _ := strconv.Atoi(m[2])
		if mm > 59 {
			return 0, fmt.Errorf("invalid minutes in %q", raw)
		}
		return time.Duration(hh)*time.Hour + time.Duration(mm)*time.Minute, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid delay %q (use seconds like '53', duration like '90s', or HH:MM like '01:30')", raw)
	}
	if d < 0 {
		return 0, fmt.Errorf("delay must be >= 0")
	}
	return d, nil
}

// Roughly a year; long enough for any delayed job.
const maxDelay = 366 * 24 * time.Hour
