package model

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

type KeyStatus string

const (
	KeyEnabled  KeyStatus = "ENABLED"
	KeyPaused   KeyStatus = "PAUSED"
	KeyDisabled KeyStatus = "DISABLED"
)

func (s KeyStatus) Valid() bool {
	switch s {
	case KeyEnabled, KeyPaused, KeyDisabled:
		return true
	default:
		return false
	}
}

// NeverExpires is the expireTime sentinel for keys without an expiry.
const NeverExpires = "PERMANENT"

type Key struct {
	Name            string
	Balance         float64
	Rate            float64
	ExpireTime      string
	Port            PortConfig
	MaxConns        int
	Status          KeyStatus
	EnableWeb       bool
	IsSingle        bool
	BlockingMessage string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Capacity is the number of concurrent ports the key may hold. An explicit
// MaxConns wins; otherwise it is the width of the port range.
func (k Key) Capacity() int {
	if k.MaxConns > 0 {
		return k.MaxConns
	}
	if w := k.Port.Width(); w > 0 {
		return w
	}
	return 1
}

type Alias struct {
	Name     string
	Target   string
	IsSingle bool
}

type NodePortMapping struct {
	Key  string
	Node string
	Port int
}

// KeyPatch is a partial update; nil fields are left untouched.
type KeyPatch struct {
	Balance         *float64
	Rate            *float64
	ExpireTime      *string
	Port            *PortConfig
	MaxConns        *int
	Status          *KeyStatus
	EnableWeb       *bool
	IsSingle        *bool
	BlockingMessage *string
}

func (p KeyPatch) Empty() bool {
	return p.Balance == nil && p.Rate == nil && p.ExpireTime == nil && p.Port == nil &&
		p.MaxConns == nil && p.Status == nil && p.EnableWeb == nil && p.IsSingle == nil &&
		p.BlockingMessage == nil
}

// PortConfig is either a single static port (Start == End) or an inclusive
// dynamic range. The zero value means no port is configured.
type PortConfig struct {
	Start int
	End   int
}

func StaticPort(p int) PortConfig {
	return PortConfig{Start: p, End: p}
}

func (p PortConfig) IsZero() bool {
	return p.Start == 0 && p.End == 0
}

func (p PortConfig) IsRange() bool {
	return p.End > p.Start
}

func (p PortConfig) Width() int {
	if p.IsZero() {
		return 0
	}
	return p.End - p.Start + 1
}

func (p PortConfig) Contains(port int) bool {
	return port >= p.Start && port <= p.End
}

func (p PortConfig) String() string {
	switch {
	case p.IsZero():
		return ""
	case p.IsRange():
		return fmt.Sprintf("%d-%d", p.Start, p.End)
	default:
		return strconv.Itoa(p.Start)
	}
}

// ParsePortConfig accepts "", "8081" or "9000-9002".
func ParsePortConfig(raw string) (PortConfig, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return PortConfig{}, nil
	}
	startRaw, endRaw, isRange := strings.Cut(raw, "-")
	start, err := parsePort(startRaw)
	if err != nil {
		return PortConfig{}, err
	}
	if !isRange {
		return StaticPort(start), nil
	}
	end, err := parsePort(endRaw)
	if err != nil {
		return PortConfig{}, err
	}
	if end < start {
		return PortConfig{}, fmt.Errorf("invalid port range %q: end before start", raw)
	}
	return PortConfig{Start: start, End: end}, nil
}

func parsePort(raw string) (int, error) {
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid port %q", raw)
	}
	if n <= 0 || n > 65535 {
		return 0, fmt.Errorf("port %d out of range", n)
	}
	return n, nil
}

var expiryLayouts = []string{
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"2006-01-02",
}

// ParseExpiry returns the absolute expiry instant. ok is false when the key
// has no expiry (empty or NeverExpires).
func ParseExpiry(raw string) (at time.Time, ok bool, err error) {
	raw = strings.TrimSpace(raw)
	if raw == "" || strings.EqualFold(raw, NeverExpires) {
		return time.Time{}, false, nil
	}
	for _, layout := range expiryLayouts {
		if t, perr := time.ParseInLocation(layout, raw, time.UTC); perr == nil {
			return t.UTC(), true, nil
		}
	}
	return time.Time{}, true, fmt.Errorf("unrecognized expire time %q", raw)
}
