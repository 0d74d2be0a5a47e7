package claude

import (
	"context"
	"regexp"
	"strconv"
	"time"
)

// RateLimit describes a usage limit reported by the CLI.
type RateLimit struct {
	ResetAt    time.Time
	RawMessage string
}

// Wait returns how long until the limit resets, never negative.
func (r *RateLimit) Wait(now time.Time) time.Duration {
	if d := r.ResetAt.Sub(now); d > 0 {
		return d
	}
	return 0
}

var (
	// Claude AI usage limit reached|1700000000
	unixResetPattern = regexp.MustCompile(`usage limit reached\|(\d+)`)
	// resets 1am (Europe/Dublin), limit will reset at 2pm (America/New_York)
	clockResetPattern = regexp.MustCompile(`(?:resets|reset at)\s+(\d{1,2})(am|pm)\s*\(([^)]+)\)`)
	// retry in 300 seconds, retry after 30s
	retryAfterPattern = regexp.MustCompile(`retry (?:in|after)\s+(\d+)\s*(?:seconds?|s)\b`)

	rateLimitIndicator = regexp.MustCompile(`(?i)(out of.*usage|rate.?limit|usage.?limit|\b429\b|too.?many.?requests)`)
)

// ParseRateLimit recognizes a rate-limit message and works out when the
// limit resets. It returns nil when msg is not a rate-limit message.
func ParseRateLimit(msg string, now time.Time) *RateLimit {
	if msg == "" || !rateLimitIndicator.MatchString(msg) {
		return nil
	}
	info := &RateLimit{RawMessage: msg}

	if m := unixResetPattern.FindStringSubmatch(msg); m != nil {
		if ts, err := strconv.ParseInt(m[1], 10, 64); err == nil {
			info.ResetAt = time.Unix(ts, 0)
			return info
		}
	}

	if m := clockResetPattern.FindStringSubmatch(msg); m != nil {
		hour, _ := strconv.Atoi(m[1])
		if m[2] == "pm" && hour != 12 {
			hour += 12
		} else if m[2] == "am" && hour == 12 {
			hour = 0
		}
		loc, err := time.LoadLocation(m[3])
		if err != nil {
			loc = time.UTC
		}
		local := now.In(loc)
		reset := time.Date(local.Year(), local.Month(), local.Day(), hour, 0, 0, 0, loc)
		if !reset.After(local) {
			reset = reset.Add(24 * time.Hour)
		}
		info.ResetAt = reset
		return info
	}

	if m := retryAfterPattern.FindStringSubmatch(msg); m != nil {
		if secs, err := strconv.Atoi(m[1]); err == nil {
			info.ResetAt = now.Add(time.Duration(secs) * time.Second)
			return info
		}
	}

	info.ResetAt = inferResetTime(now)
	return info
}

// inferResetTime returns the next five-hour billing window boundary.
func inferResetTime(now time.Time) time.Time {
	floored := now.Truncate(time.Hour)
	next := (floored.Hour()/5 + 1) * 5
	day := time.Date(floored.Year(), floored.Month(), floored.Day(), 0, 0, 0, 0, floored.Location())
	if next >= 24 {
		return day.Add(24 * time.Hour)
	}
	return day.Add(time.Duration(next) * time.Hour)
}

// WaitLogger receives countdown updates while waiting out a rate limit.
type WaitLogger interface {
	LogRateLimitWait(remaining, total time.Duration)
}

// waitForReset blocks until info resets plus buffer, reporting progress
// every interval. It returns ctx.Err() if the context ends first.
func waitForReset(ctx context.Context, info *RateLimit, buffer, interval time.Duration, now func() time.Time, logger WaitLogger) error {
	total := info.Wait(now()) + buffer
	if total <= 0 {
		return nil
	}
	deadline := time.NewTimer(total)
	defer deadline.Stop()
	if interval <= 0 {
		interval = total
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	start := now()
	if logger != nil {
		logger.LogRateLimitWait(total, total)
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			return nil
		case t := <-ticker.C:
			if logger != nil {
				logger.LogRateLimitWait(total-t.Sub(start), total)
			}
		}
	}
}
