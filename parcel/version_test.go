package parcel

import (
	"testing"
	"time"
)

func TestFormatVersion(t *testing.T) {
	ts := time.Date(2024, 3, 9, 7, 5, 3, 42_500_000, time.FixedZone("CET", 3600))
	got := FormatVersion(ts)
	if want := "2024-03-09T06.05.03.042Z"; got != want {
		t.Errorf("FormatVersion = %q, want %q", got, want)
	}
}

func TestFormatVersion_ParseRoundTrip(t *testing.T) {
	ts := time.Date(2023, 12, 31, 23, 59, 59, 999_000_000, time.UTC)
	parsed, err := ParseVersionTime(FormatVersion(ts))
	if err != nil {
		t.Fatalf("ParseVersionTime failed: %v", err)
	}
	if !parsed.Equal(ts) {
		t.Errorf("parsed %v, want %v", parsed, ts)
	}
}

func TestParseVersionTime_Invalid(t *testing.T) {
	if _, err := ParseVersionTime("v1"); err == nil {
		t.Error("expected error for non-timestamp version")
	}
}

func TestFormatVersion_LexicalOrderMatchesTime(t *testing.T) {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	prev := FormatVersion(base)
	for _, d := range []time.Duration{time.Millisecond, time.Second, time.Hour, 24 * time.Hour, 400 * 24 * time.Hour} {
		next := FormatVersion(base.Add(d))
		if next <= prev {
			t.Errorf("version %q should sort after %q", next, prev)
		}
		prev = next
	}
}

func TestVersion_String(t *testing.T) {
	tests := []struct {
		v    *Version
		want string
	}{
		{nil, "unversioned"},
		{&Version{}, "load=latest save=generated"},
		{&Version{Load: "a", Save: "b"}, "load=a save=b"},
	}
	for _, tt := range tests {
		if got := tt.v.String(); got != tt.want {
			t.Errorf("String() = %q, want %q", got, tt.want)
		}
	}
}

func TestValidVersionID(t *testing.T) {
	valid := []string{"2024-01-01T00.00.00.000Z", "v1", "release-7"}
	invalid := []string{"", ".", "..", "a/b", `a\b`, "*", "v?", "[x]"}

	for _, id := range valid {
		if !validVersionID(id) {
			t.Errorf("validVersionID(%q) = false, want true", id)
		}
	}
	for _, id := range invalid {
		if validVersionID(id) {
			t.Errorf("validVersionID(%q) = true, want false", id)
		}
	}
}
