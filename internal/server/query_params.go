package server

import (
	"errors"
	"strconv"
	"strings"
	"time"
)

const dateOnlyLayout = "2006-01-02"

func parseOptionalInt(value string) (*int, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil, nil
	}
	parsed, err := strconv.Atoi(trimmed)
	if err != nil {
		return nil, err
	}
	return &parsed, nil
}

func parseOptionalTime(value string, endOfDay bool) (*time.Time, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil, nil
	}
	if parsed, err := time.Parse(time.RFC3339, trimmed); err == nil {
		return &parsed, nil
	}
	if parsed, err := time.Parse(dateOnlyLayout, trimmed); err == nil {
		if endOfDay {
			parsed = time.Date(parsed.Year(), parsed.Month(), parsed.Day(), 23, 59, 59, int(time.Second-time.Nanosecond), time.UTC)
		} else {
			parsed = time.Date(parsed.Year(), parsed.Month(), parsed.Day(), 0, 0, 0, 0, time.UTC)
		}
		return &parsed, nil
	}
	return nil, errors.New("invalid_time")
}

// parseTimeRange reads start/end query values. A missing end is now and a
// missing start is defaultDays before the end.
func parseTimeRange(startRaw, endRaw string, now time.Time, defaultDays int) (time.Time, time.Time, error) {
	end := now.UTC()
	if parsed, err := parseOptionalTime(endRaw, true); err != nil {
		return time.Time{}, time.Time{}, newValidationError("end", "invalid_time", "end must be RFC3339 or yyyy-mm-dd")
	} else if parsed != nil {
		end = *parsed
	}

	start := end.AddDate(0, 0, -defaultDays)
	if parsed, err := parseOptionalTime(startRaw, false); err != nil {
		return time.Time{}, time.Time{}, newValidationError("start", "invalid_time", "start must be RFC3339 or yyyy-mm-dd")
	} else if parsed != nil {
		start = *parsed
	}

	if start.After(end) {
		return time.Time{}, time.Time{}, newValidationError("start", "invalid_range", "start must not be after end")
	}
	return start, end, nil
}

func parseLimit(value string) (int, error) {
	limit, err := parseOptionalInt(value)
	if err != nil || (limit != nil && *limit < 0) {
		return 0, newValidationError("limit", "invalid_limit", "limit must be a non-negative integer")
	}
	if limit == nil {
		return 0, nil
	}
	return *limit, nil
}

func parseDays(value string) (int, error) {
	days, err := parseOptionalInt(value)
	if err != nil || (days != nil && *days < 0) {
		return 0, newValidationError("days", "invalid_days", "days must be a non-negative integer")
	}
	if days == nil {
		return 0, nil
	}
	return *days, nil
}
