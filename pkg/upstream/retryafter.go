package upstream

import (
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"
)

var retryAfterBodyRe = regexp.MustCompile(`(?i)try again in (\d+(?:\.\d+)?)\s*(milliseconds?|ms|seconds?|s|minutes?|m)`)

// parseRetryAfter extracts the upstream's retry hint from the Retry-After
// header (seconds or HTTP date) or, failing that, from a "try again in N
// seconds" phrase in the error message. Zero means no hint.
func parseRetryAfter(h http.Header, message string) time.Duration {
	raw := h.Get("Retry-After")
	if raw != "" {
		if secs, err := strconv.Atoi(raw); err == nil && secs >= 0 {
			return time.Duration(secs) * time.Second
		}
		if at, err := http.ParseTime(raw); err == nil {
			if d := time.Until(at); d > 0 {
				return d
			}
			return 0
		}
	}

	if m := retryAfterBodyRe.FindStringSubmatch(message); m != nil {
		n, err := strconv.ParseFloat(m[1], 64)
		if err != nil {
			return 0
		}
		switch unit := strings.ToLower(m[2]); {
		case strings.HasPrefix(unit, "milli") || unit == "ms":
			return time.Duration(n * float64(time.Millisecond))
		case strings.HasPrefix(unit, "s"):
			return time.Duration(n * float64(time.Second))
		default:
			return time.Duration(n * float64(time.Minute))
		}
	}
	return 0
}
