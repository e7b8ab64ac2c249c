package ledger

import (
	"errors"
	"testing"
	"time"
)

func TestCandidatesTokenRoundTrip(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   Candidates
	}{
		{name: "single", in: Candidates{"0xaa"}},
		{name: "several", in: Candidates{"0xaa", "0xbb", "0xcc"}},
		{name: "duplicates survive", in: Candidates{"0xaa", "0xaa"}},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseToken(tt.in.Token())
			if err != nil {
				t.Fatalf("ParseToken: %v", err)
			}
			if len(got) != len(tt.in) {
				t.Fatalf("round trip = %v, want %v", got, tt.in)
			}
			for i := range tt.in {
				if got[i] != tt.in[i] {
					t.Fatalf("round trip = %v, want %v", got, tt.in)
				}
			}
		})
	}
}

func TestParseTokenRejectsGarbage(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		token string
	}{
		{name: "empty", token: ""},
		{name: "whitespace", token: "   "},
		{name: "not base64", token: "!!not-base64!!"},
		{name: "base64 but not json", token: "bm90LWpzb24"},
		{name: "json but wrong shape", token: "eyJhIjoxfQ"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParseToken(tt.token); !errors.Is(err, ErrInvalidToken) {
				t.Fatalf("ParseToken(%q) error = %v, want ErrInvalidToken", tt.token, err)
			}
		})
	}
}

func TestScheduleDueAt(t *testing.T) {
	t.Parallel()

	base := time.Unix(1_700_000_000, 0)
	tests := []struct {
		name string
		s    Schedule
		at   time.Time
		want bool
	}{
		{name: "inactive schedule never due", s: Schedule{}, at: base.Add(time.Hour), want: false},
		{name: "zero interval never due", s: Schedule{Amount: 1, LastPaid: base}, at: base.Add(time.Hour), want: false},
		{name: "before interval", s: Schedule{Amount: 1, Interval: 30 * time.Second, LastPaid: base}, at: base.Add(29 * time.Second), want: false},
		{name: "exactly at interval", s: Schedule{Amount: 1, Interval: 30 * time.Second, LastPaid: base}, at: base.Add(30 * time.Second), want: false},
		{name: "just past interval", s: Schedule{Amount: 1, Interval: 30 * time.Second, LastPaid: base}, at: base.Add(30*time.Second + time.Nanosecond), want: true},
		{name: "long past interval", s: Schedule{Amount: 1, Interval: 30 * time.Second, LastPaid: base}, at: base.Add(time.Hour), want: true},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.s.DueAt(tt.at); got != tt.want {
				t.Fatalf("DueAt = %v, want %v", got, tt.want)
			}
		})
	}
}
