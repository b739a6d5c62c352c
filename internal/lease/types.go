package lease

import (
	"strconv"
	"time"

	"github.com/telemyapp/aegis-broker/internal/model"
)

type Port int

// InitPort reserves a capacity slot before the client has named a real port.
const InitPort Port = 0

func (p Port) String() string {
	if p == InitPort {
		return "INIT"
	}
	return strconv.Itoa(int(p))
}

type Outcome int

const (
	OutcomeAccepted Outcome = iota
	OutcomeUnauthorizedNode
	OutcomeSingleSession
	OutcomeNoCapacity
	OutcomePortInUse
)

func (o Outcome) Accepted() bool {
	return o == OutcomeAccepted
}

func (o Outcome) String() string {
	switch o {
	case OutcomeAccepted:
		return "accepted"
	case OutcomeUnauthorizedNode:
		return "unauthorized_node"
	case OutcomeSingleSession:
		return "single_session"
	case OutcomeNoCapacity:
		return "no_capacity"
	case OutcomePortInUse:
		return "port_in_use"
	default:
		return "unknown"
	}
}

// NodeAuthorizer answers whether a relay node is on the allow-list.
type NodeAuthorizer interface {
	Authorize(node string) (alias string, ok bool)
}

// Claim is one registration or heartbeat against a key's lease table.
// Display is the name the caller used, which may be an alias of Key.
type Claim struct {
	Key         string
	Display     string
	Node        string
	Port        Port
	Ports       model.PortConfig
	MaxConns    int
	AliasSingle bool
	KeySingle   bool
	Detail      string
}

type PortInfo struct {
	Port     Port      `json:"port"`
	LastSeen time.Time `json:"last_seen"`
	Detail   string    `json:"detail,omitempty"`
}

type SessionInfo struct {
	ID        string     `json:"id"`
	Node      string     `json:"node"`
	Display   string     `json:"display"`
	CreatedAt time.Time  `json:"created_at"`
	Ports     []PortInfo `json:"ports"`
}

type Stats struct {
	Keys     int `json:"keys"`
	Sessions int `json:"sessions"`
	Ports    int `json:"ports"`
}

type ReapResult struct {
	Ports    int
	Sessions int
	Keys     int
	Live     int
}
