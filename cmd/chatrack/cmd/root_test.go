package cmd

import (
	"testing"
	"time"
)

func TestParseDay(t *testing.T) {
	got, err := parseDay("2024-06-01")
	if err != nil {
		t.Fatal(err)
	}
	want := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Errorf("parseDay = %v, want %v", got, want)
	}

	got, err = parseDay("2024-06-01T12:30:00Z")
	if err != nil {
		t.Fatal(err)
	}
	if got.Hour() != 12 || got.Minute() != 30 {
		t.Errorf("RFC 3339 parse = %v", got)
	}

	if _, err := parseDay("June 1st"); err == nil {
		t.Error("malformed time accepted")
	}
}

func TestParseRangeFlags(t *testing.T) {
	start, end, err := parseRangeFlags("", "")
	if err != nil {
		t.Fatal(err)
	}
	if !start.Equal(time.Unix(0, 0)) {
		t.Errorf("default start = %v", start)
	}
	if !end.After(time.Now()) {
		t.Errorf("default end = %v, want future", end)
	}

	start, end, err = parseRangeFlags("2024-01-01", "2024-02-01")
	if err != nil {
		t.Fatal(err)
	}
	if !end.After(start) {
		t.Errorf("range [%v, %v) inverted", start, end)
	}

	if _, _, err := parseRangeFlags("2024-02-01", "2024-01-01"); err == nil {
		t.Error("inverted range accepted")
	}
}

func TestCLIProgressOnProgressBeforeOnStart(t *testing.T) {
	p := &CLIProgress{}
	// Must not panic or divide by a zero start time.
	p.OnProgress(5, 10)
	p.OnComplete(nil)
}
