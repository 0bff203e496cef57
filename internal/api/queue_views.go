package api

import "time"

// ParseQueueTime parses an API timestamp. Unparseable or empty values yield
// the zero time.
func ParseQueueTime(value string) time.Time {
	if value == "" {
		return time.Time{}
	}
	if t, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return t
	}
	if t, err := time.Parse(dateTimeFormat, value); err == nil {
		return t
	}
	return time.Time{}
}
