package api

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/Spatial-NVR/channeltrack/internal/events"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

// ValidationError represents a validation error with field information
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationErrors holds multiple validation errors
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	var msgs []string
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// HasErrors returns true if there are validation errors
func (e ValidationErrors) HasErrors() bool {
	return len(e) > 0
}

func (e *ValidationErrors) add(field, format string, args ...interface{}) {
	*e = append(*e, ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
}

// parseEventQuery validates the filters of an event listing:
// status, class, since (RFC 3339 or unix milliseconds), limit and offset.
func parseEventQuery(q url.Values) (events.ListOptions, ValidationErrors) {
	opts := events.ListOptions{Limit: defaultListLimit}
	var errs ValidationErrors

	switch s := events.Status(q.Get("status")); s {
	case "", events.StatusActive, events.StatusCompleted:
		opts.Status = s
	default:
		errs.add("status", "must be %q or %q", events.StatusActive, events.StatusCompleted)
	}

	opts.Class = q.Get("class")

	if v := q.Get("since"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			opts.Since = t
		} else if ms, err := strconv.ParseInt(v, 10, 64); err == nil && ms >= 0 {
			opts.Since = time.UnixMilli(ms)
		} else {
			errs.add("since", "must be an RFC 3339 time or unix milliseconds")
		}
	}

	if v := q.Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit <= 0 || limit > maxListLimit {
			errs.add("limit", "must be between 1 and %d", maxListLimit)
		} else {
			opts.Limit = limit
		}
	}

	if v := q.Get("offset"); v != "" {
		offset, err := strconv.Atoi(v)
		if err != nil || offset < 0 {
			errs.add("offset", "must be a non-negative integer")
		} else {
			opts.Offset = offset
		}
	}

	return opts, errs
}

// parseTrackID validates a local track id path parameter
func parseTrackID(v string) (int64, ValidationErrors) {
	id, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		var errs ValidationErrors
		errs.add("track", "must be an integer")
		return 0, errs
	}
	return id, nil
}
