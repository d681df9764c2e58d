package api

import (
	"net/url"
	"testing"
	"time"

	"github.com/Spatial-NVR/channeltrack/internal/events"
)

func TestParseEventQuery(t *testing.T) {
	opts, errs := parseEventQuery(url.Values{})
	if errs.HasErrors() {
		t.Fatalf("unexpected errors: %v", errs)
	}
	if opts.Limit != defaultListLimit || opts.Offset != 0 || opts.Status != "" {
		t.Errorf("unexpected defaults %+v", opts)
	}

	q := url.Values{
		"status": {"completed"},
		"class":  {"vessel"},
		"since":  {"2026-03-01T08:00:00Z"},
		"limit":  {"20"},
		"offset": {"40"},
	}
	opts, errs = parseEventQuery(q)
	if errs.HasErrors() {
		t.Fatalf("unexpected errors: %v", errs)
	}
	want := events.ListOptions{
		Status: events.StatusCompleted,
		Class:  "vessel",
		Since:  time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC),
		Limit:  20,
		Offset: 40,
	}
	if !opts.Since.Equal(want.Since) || opts.Status != want.Status || opts.Class != want.Class ||
		opts.Limit != want.Limit || opts.Offset != want.Offset {
		t.Errorf("got %+v, want %+v", opts, want)
	}

	opts, _ = parseEventQuery(url.Values{"since": {"1772352000000"}})
	if opts.Since.UnixMilli() != 1772352000000 {
		t.Errorf("unix millisecond since parsed as %v", opts.Since)
	}
}

func TestParseEventQueryErrors(t *testing.T) {
	tests := []struct {
		name  string
		q     url.Values
		field string
	}{
		{"unknown status", url.Values{"status": {"sunk"}}, "status"},
		{"bad since", url.Values{"since": {"yesterday"}}, "since"},
		{"zero limit", url.Values{"limit": {"0"}}, "limit"},
		{"huge limit", url.Values{"limit": {"100000"}}, "limit"},
		{"negative offset", url.Values{"offset": {"-1"}}, "offset"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, errs := parseEventQuery(tt.q)
			if len(errs) != 1 || errs[0].Field != tt.field {
				t.Errorf("expected one %s error, got %v", tt.field, errs)
			}
		})
	}

	_, errs := parseEventQuery(url.Values{"status": {"x"}, "limit": {"x"}})
	if len(errs) != 2 {
		t.Errorf("expected errors to accumulate, got %v", errs)
	}
}

func TestParseTrackID(t *testing.T) {
	if id, errs := parseTrackID("42"); errs.HasErrors() || id != 42 {
		t.Errorf("parseTrackID(42) = %d, %v", id, errs)
	}
	if _, errs := parseTrackID("abc"); !errs.HasErrors() {
		t.Error("expected error for non-integer track")
	}
}

func TestValidationErrors(t *testing.T) {
	errs := ValidationErrors{
		{Field: "limit", Message: "too large"},
		{Field: "status", Message: "unknown"},
	}
	if errs.Error() != "limit: too large; status: unknown" {
		t.Errorf("unexpected message %q", errs.Error())
	}

	var empty ValidationErrors
	if empty.HasErrors() {
		t.Error("empty errors should report none")
	}
}
