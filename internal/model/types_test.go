package model

import (
	"testing"
	"time"
)

func TestParsePortConfig(t *testing.T) {
	tests := []struct {
		raw     string
		want    PortConfig
		wantErr bool
	}{
		{raw: "", want: PortConfig{}},
		{raw: "8081", want: PortConfig{Start: 8081, End: 8081}},
		{raw: " 9000-9002 ", want: PortConfig{Start: 9000, End: 9002}},
		{raw: "9002-9000", wantErr: true},
		{raw: "abc", wantErr: true},
		{raw: "70000", wantErr: true},
		{raw: "9000-", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			got, err := ParsePortConfig(tt.raw)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error for %q, got %+v", tt.raw, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Fatalf("got %+v, want %+v", got, tt.want)
			}
			if got.String() != trimmed(tt.raw) {
				t.Fatalf("round trip string mismatch: %q vs %q", got.String(), tt.raw)
			}
		})
	}
}

func trimmed(s string) string {
	out := []rune{}
	for _, r := range s {
		if r != ' ' {
			out = append(out, r)
		}
	}
	return string(out)
}

func TestKeyCapacity(t *testing.T) {
	tests := []struct {
		name string
		key  Key
		want int
	}{
		{name: "explicit", key: Key{MaxConns: 5, Port: PortConfig{Start: 9000, End: 9001}}, want: 5},
		{name: "range width", key: Key{Port: PortConfig{Start: 9000, End: 9002}}, want: 3},
		{name: "static", key: Key{Port: StaticPort(8081)}, want: 1},
		{name: "no ports", key: Key{}, want: 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.key.Capacity(); got != tt.want {
				t.Fatalf("got %d, want %d", got, tt.want)
			}
		})
	}
}

func TestParseExpiry(t *testing.T) {
	if _, ok, err := ParseExpiry(NeverExpires); ok || err != nil {
		t.Fatalf("PERMANENT should not expire, ok=%v err=%v", ok, err)
	}
	if _, ok, err := ParseExpiry(""); ok || err != nil {
		t.Fatalf("empty should not expire, ok=%v err=%v", ok, err)
	}
	at, ok, err := ParseExpiry("2026-03-01 12:00:00")
	if !ok || err != nil {
		t.Fatalf("expected parsed expiry, ok=%v err=%v", ok, err)
	}
	if !at.Equal(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)) {
		t.Fatalf("unexpected expiry: %s", at)
	}
	if _, ok, err := ParseExpiry("2026-03-01T12:00:00+02:00"); !ok || err != nil {
		t.Fatalf("expected RFC3339 expiry, ok=%v err=%v", ok, err)
	}
	if _, ok, err := ParseExpiry("someday"); !ok || err == nil {
		t.Fatalf("expected error for garbage expiry, ok=%v err=%v", ok, err)
	}
}
