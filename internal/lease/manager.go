// Package lease owns every session and port lease granted to keys on relay
// nodes.
//
// Each key has its own table guarded by its own mutex, so registrations for
// different keys never contend. After every mutation a table publishes an
// immutable view of its live port claims; cross-key port collision checks read
// those views without taking any other key's lock.
package lease

import (
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/telemyapp/aegis-broker/internal/metrics"
	"github.com/telemyapp/aegis-broker/internal/model"
)

type Options struct {
	ZombieTimeout time.Duration
	Now           func() time.Time
	Logger        *slog.Logger
}

type Manager struct {
	auth    NodeAuthorizer
	timeout time.Duration
	now     func() time.Time
	log     *slog.Logger

	tables sync.Map // key name -> *keyTable
}

func NewManager(auth NodeAuthorizer, opts Options) *Manager {
	if opts.ZombieTimeout <= 0 {
		opts.ZombieTimeout = 10 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Manager{
		auth:    auth,
		timeout: opts.ZombieTimeout,
		now:     opts.Now,
		log:     opts.Logger.With("component", "lease"),
	}
}

type sessionKey struct {
	node    string
	display string
}

type portLease struct {
	lastSeen time.Time
	detail   string
}

type session struct {
	id      string
	created time.Time
	ports   map[Port]*portLease
}

type claim struct {
	node     string
	port     Port
	lastSeen time.Time
}

type keyTable struct {
	key      string
	mu       sync.Mutex
	sessions map[sessionKey]*session
	dead     bool
	view     atomic.Pointer[[]claim]
}

func newKeyTable(key string) *keyTable {
	t := &keyTable{key: key, sessions: make(map[sessionKey]*session)}
	t.view.Store(&[]claim{})
	return t
}

// lock returns the key's table with its mutex held. Tables retired by the
// reaper are skipped and a fresh one is created.
func (m *Manager) lock(key string) *keyTable {
	for {
		v, ok := m.tables.Load(key)
		if !ok {
			v, _ = m.tables.LoadOrStore(key, newKeyTable(key))
		}
		t := v.(*keyTable)
		t.mu.Lock()
		if !t.dead {
			return t
		}
		t.mu.Unlock()
	}
}

// lockExisting is lock without creation.
func (m *Manager) lockExisting(key string) *keyTable {
	for {
		v, ok := m.tables.Load(key)
		if !ok {
			return nil
		}
		t := v.(*keyTable)
		t.mu.Lock()
		if !t.dead {
			return t
		}
		t.mu.Unlock()
	}
}

func (m *Manager) expired(lastSeen, now time.Time) bool {
	return now.Sub(lastSeen) > m.timeout
}

// purgeLocked drops expired ports and empty sessions. It returns how many of
// each were removed.
func (t *keyTable) purgeLocked(m *Manager, now time.Time) (ports, sessions int) {
	for sk, s := range t.sessions {
		for p, pl := range s.ports {
			if m.expired(pl.lastSeen, now) {
				delete(s.ports, p)
				ports++
			}
		}
		if len(s.ports) == 0 {
			delete(t.sessions, sk)
			sessions++
		}
	}
	return ports, sessions
}

func (t *keyTable) liveLocked() int {
	n := 0
	for _, s := range t.sessions {
		n += len(s.ports)
	}
	return n
}

func (t *keyTable) publishLocked() {
	view := make([]claim, 0, len(t.sessions))
	for sk, s := range t.sessions {
		for p, pl := range s.ports {
			if p == InitPort {
				continue
			}
			view = append(view, claim{node: sk.node, port: p, lastSeen: pl.lastSeen})
		}
	}
	t.view.Store(&view)
}

// retireLocked removes an empty table from the manager.
func (m *Manager) retireLocked(t *keyTable) bool {
	if len(t.sessions) > 0 {
		return false
	}
	t.dead = true
	m.tables.CompareAndDelete(t.key, t)
	return true
}

// heldByOthers reports whether any key other than key holds a live claim on
// port at node. It only reads published views.
func (m *Manager) heldByOthers(key, node string, port Port, now time.Time) bool {
	held := false
	m.tables.Range(func(k, v any) bool {
		if k.(string) == key {
			return true
		}
		for _, c := range *v.(*keyTable).view.Load() {
			if c.node == node && c.port == port && !m.expired(c.lastSeen, now) {
				held = true
				return false
			}
		}
		return true
	})
	return held
}

func (m *Manager) occupiedOn(node string, now time.Time) map[Port]struct{} {
	out := make(map[Port]struct{})
	m.tables.Range(func(_, v any) bool {
		for _, c := range *v.(*keyTable).view.Load() {
			if c.node == node && !m.expired(c.lastSeen, now) {
				out[c.port] = struct{}{}
			}
		}
		return true
	})
	return out
}

// FindFreePort picks the port a new connection for key should use on node.
// A static port is free unless another key holds it live; the key's own
// reconnect is always allowed. A range yields its lowest port with no live
// claim at all on node, including the key's own claims. An empty config
// yields InitPort.
func (m *Manager) FindFreePort(key string, cfg model.PortConfig, node string) (Port, bool) {
	now := m.now()
	switch {
	case cfg.IsZero():
		return InitPort, true
	case !cfg.IsRange():
		p := Port(cfg.Start)
		if m.heldByOthers(key, node, p, now) {
			return 0, false
		}
		return p, true
	default:
		occupied := m.occupiedOn(node, now)
		for p := cfg.Start; p <= cfg.End; p++ {
			if _, taken := occupied[Port(p)]; !taken {
				return Port(p), true
			}
		}
		return 0, false
	}
}

// TryRegister records c.Port for the (node, display) session of c.Key,
// creating the session when needed, subject to node authorization,
// single-session rules, port collisions and capacity.
func (m *Manager) TryRegister(c Claim) Outcome {
	if _, ok := m.auth.Authorize(c.Node); !ok {
		return m.reject(c, OutcomeUnauthorizedNode)
	}
	t := m.lock(c.Key)
	defer t.mu.Unlock()
	return m.registerLocked(t, c, m.now())
}

// KeepAlive renews an existing port lease, refreshing its timestamp and
// connection detail. Unknown leases fall through to TryRegister so a lost
// registration is recreated by the next heartbeat.
func (m *Manager) KeepAlive(c Claim) Outcome {
	if _, ok := m.auth.Authorize(c.Node); !ok {
		return m.reject(c, OutcomeUnauthorizedNode)
	}
	t := m.lock(c.Key)
	defer t.mu.Unlock()

	now := m.now()
	if s, ok := t.sessions[sessionKey{node: c.Node, display: c.Display}]; ok {
		if pl, ok := s.ports[c.Port]; ok && !m.expired(pl.lastSeen, now) {
			pl.lastSeen = now
			if c.Detail != "" {
				pl.detail = c.Detail
			}
			t.publishLocked()
			return OutcomeAccepted
		}
	}
	return m.registerLocked(t, c, now)
}

func (m *Manager) registerLocked(t *keyTable, c Claim, now time.Time) Outcome {
	if purged, _ := t.purgeLocked(m, now); purged > 0 {
		t.publishLocked()
	}
	sk := sessionKey{node: c.Node, display: c.Display}
	s := t.sessions[sk]

	for other, o := range t.sessions {
		if other == sk || len(o.ports) == 0 {
			continue
		}
		if c.KeySingle {
			return m.reject(c, OutcomeSingleSession)
		}
		if c.AliasSingle && other.display == c.Display {
			return m.reject(c, OutcomeSingleSession)
		}
	}

	if c.Port != InitPort && m.portCollides(t, c, sk, now) {
		return m.reject(c, OutcomePortInUse)
	}

	maxConns := c.MaxConns
	if maxConns <= 0 {
		maxConns = 1
	}

	if s != nil {
		if pl, ok := s.ports[c.Port]; ok {
			m.stampLocked(t, pl, c, now)
			return OutcomeAccepted
		}
		if c.Port != InitPort {
			if _, hasInit := s.ports[InitPort]; hasInit {
				delete(s.ports, InitPort)
				s.ports[c.Port] = &portLease{}
				m.stampLocked(t, s.ports[c.Port], c, now)
				return OutcomeAccepted
			}
		}
		if t.liveLocked() >= maxConns {
			return m.reject(c, OutcomeNoCapacity)
		}
		s.ports[c.Port] = &portLease{}
		m.stampLocked(t, s.ports[c.Port], c, now)
		return OutcomeAccepted
	}

	if t.liveLocked() >= maxConns {
		return m.reject(c, OutcomeNoCapacity)
	}
	s = &session{
		id:      "ses_" + uuid.NewString(),
		created: now,
		ports:   map[Port]*portLease{c.Port: {}},
	}
	t.sessions[sk] = s
	m.stampLocked(t, s.ports[c.Port], c, now)
	m.log.Debug("lease session opened", "key", c.Key, "display", c.Display, "node", c.Node, "port", c.Port.String(), "session_id", s.id)
	return OutcomeAccepted
}

// portCollides re-validates the requested port inside the key's critical
// section. Other keys are checked through their published views. Within the
// key, a range port must not be held by any other session on the node while
// a static port may be reused.
func (m *Manager) portCollides(t *keyTable, c Claim, sk sessionKey, now time.Time) bool {
	if m.heldByOthers(c.Key, c.Node, c.Port, now) {
		return true
	}
	if !c.Ports.IsRange() || !c.Ports.Contains(int(c.Port)) {
		return false
	}
	for other, s := range t.sessions {
		if other == sk || other.node != c.Node {
			continue
		}
		if _, ok := s.ports[c.Port]; ok {
			return true
		}
	}
	return false
}

func (m *Manager) stampLocked(t *keyTable, pl *portLease, c Claim, now time.Time) {
	pl.lastSeen = now
	if c.Detail != "" {
		pl.detail = c.Detail
	}
	t.publishLocked()
}

func (m *Manager) reject(c Claim, o Outcome) Outcome {
	metrics.Default().IncCounter("aegis_lease_rejections_total", map[string]string{"reason": o.String()})
	m.log.Debug("lease rejected", "key", c.Key, "display", c.Display, "node", c.Node, "port", c.Port.String(), "reason", o.String())
	return o
}

// Release drops the session for (node, display) under key, or every session
// of key on node when display is empty. It returns the number of ports freed.
func (m *Manager) Release(key, node, display string) int {
	t := m.lockExisting(key)
	if t == nil {
		return 0
	}
	defer t.mu.Unlock()

	freed := 0
	for sk, s := range t.sessions {
		if sk.node != node || (display != "" && sk.display != display) {
			continue
		}
		freed += len(s.ports)
		delete(t.sessions, sk)
	}
	if freed > 0 {
		t.publishLocked()
		m.retireLocked(t)
		m.log.Info("lease released", "key", key, "node", node, "display", display, "ports", freed)
	}
	return freed
}

// ReleaseKey force-drops every session held by key.
func (m *Manager) ReleaseKey(key string) int {
	t := m.lockExisting(key)
	if t == nil {
		return 0
	}
	defer t.mu.Unlock()

	freed := t.liveLocked()
	t.sessions = make(map[sessionKey]*session)
	t.publishLocked()
	m.retireLocked(t)
	if freed > 0 {
		m.log.Info("lease released for key", "key", key, "ports", freed)
	}
	return freed
}

// Reap drops ports silent for longer than the zombie timeout, then empty
// sessions, then empty key tables.
func (m *Manager) Reap() ReapResult {
	now := m.now()
	var res ReapResult
	m.tables.Range(func(_, v any) bool {
		t := v.(*keyTable)
		t.mu.Lock()
		defer t.mu.Unlock()
		if t.dead {
			return true
		}
		ports, sessions := t.purgeLocked(m, now)
		if ports > 0 {
			t.publishLocked()
		}
		res.Ports += ports
		res.Sessions += sessions
		if m.retireLocked(t) {
			res.Keys++
			return true
		}
		res.Live += t.liveLocked()
		return true
	})
	metrics.Default().AddCounter("aegis_lease_reaped_ports_total", float64(res.Ports), nil)
	metrics.Default().SetGauge("aegis_lease_live_ports", float64(res.Live), nil)
	if res.Ports > 0 {
		m.log.Info("zombie leases reaped", "ports", res.Ports, "sessions", res.Sessions, "keys", res.Keys, "live", res.Live)
	}
	return res
}

// Sessions lists the live sessions of key ordered by node then display name.
func (m *Manager) Sessions(key string) []SessionInfo {
	v, ok := m.tables.Load(key)
	if !ok {
		return []SessionInfo{}
	}
	t := v.(*keyTable)
	t.mu.Lock()
	defer t.mu.Unlock()

	now := m.now()
	out := make([]SessionInfo, 0, len(t.sessions))
	for sk, s := range t.sessions {
		info := SessionInfo{ID: s.id, Node: sk.node, Display: sk.display, CreatedAt: s.created}
		for p, pl := range s.ports {
			if m.expired(pl.lastSeen, now) {
				continue
			}
			info.Ports = append(info.Ports, PortInfo{Port: p, LastSeen: pl.lastSeen, Detail: pl.detail})
		}
		if len(info.Ports) == 0 {
			continue
		}
		sort.Slice(info.Ports, func(i, j int) bool { return info.Ports[i].Port < info.Ports[j].Port })
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Node != out[j].Node {
			return out[i].Node < out[j].Node
		}
		return out[i].Display < out[j].Display
	})
	return out
}

// LivePorts counts the unexpired ports key holds across all its sessions.
func (m *Manager) LivePorts(key string) int {
	n := 0
	for _, s := range m.Sessions(key) {
		n += len(s.Ports)
	}
	return n
}

func (m *Manager) Stats() Stats {
	var st Stats
	m.tables.Range(func(_, v any) bool {
		t := v.(*keyTable)
		t.mu.Lock()
		if !t.dead && len(t.sessions) > 0 {
			st.Keys++
			st.Sessions += len(t.sessions)
			st.Ports += t.liveLocked()
		}
		t.mu.Unlock()
		return true
	})
	return st
}
