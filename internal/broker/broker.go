// Package broker is the service facade relay nodes and operators talk to. It
// combines the key-state engine, the lease manager and the relay allow-list
// into fetch, heartbeat, traffic and release operations.
package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/telemyapp/aegis-broker/internal/keystate"
	"github.com/telemyapp/aegis-broker/internal/lease"
	"github.com/telemyapp/aegis-broker/internal/metrics"
	"github.com/telemyapp/aegis-broker/internal/model"
	"github.com/telemyapp/aegis-broker/internal/store"
)

const (
	reasonUnauthorizedNode = "Unauthorized node"
	reasonKeyNotFound      = "Key not found"
	reasonNoFreePort       = "No free port"
	reasonPortInUse        = "Port in use"
	reasonSingleSession    = "Single session in use"
	reasonMaxConns         = "Max connections reached"
	reasonInvalidAmount    = "Invalid amount"
	reasonStoreUnavailable = "Store unavailable"
)

// Store is everything the broker needs from the durable key store.
type Store interface {
	keystate.Store
	ListKeys(ctx context.Context) ([]model.Key, error)
	CreateKey(ctx context.Context, k model.Key) error
	DeleteKey(ctx context.Context, name string) error
	RenameKey(ctx context.Context, oldName, newName string) error
	ListAliases(ctx context.Context, keyName string) ([]model.Alias, error)
	UpsertAlias(ctx context.Context, a model.Alias) error
	DeleteAlias(ctx context.Context, name string) error
	GetNodePort(ctx context.Context, keyName, node string) (int, error)
	SetNodePort(ctx context.Context, m model.NodePortMapping) error
	DeleteNodePort(ctx context.Context, keyName, node string) error
}

// Nodes is the relay allow-list.
type Nodes interface {
	lease.NodeAuthorizer
	Reload(ctx context.Context) (int, error)
	Len() int
	Snapshot() map[string]string
}

type Options struct {
	StoreTimeout time.Duration
	Logger       *slog.Logger
}

type Broker struct {
	store        Store
	engine       *keystate.Engine
	leases       *lease.Manager
	nodes        Nodes
	storeTimeout time.Duration
	log          *slog.Logger
}

func New(s Store, engine *keystate.Engine, leases *lease.Manager, nodes Nodes, opts Options) *Broker {
	if opts.StoreTimeout <= 0 {
		opts.StoreTimeout = 2 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Broker{
		store:        s,
		engine:       engine,
		leases:       leases,
		nodes:        nodes,
		storeTimeout: opts.StoreTimeout,
		log:          opts.Logger.With("component", "broker"),
	}
}

// Lease is the result of a successful fetch.
type Lease struct {
	Key        string          `json:"key"`
	Display    string          `json:"display"`
	Node       string          `json:"node"`
	NodeAlias  string          `json:"node_alias"`
	Status     model.KeyStatus `json:"status"`
	Reason     string          `json:"reason"`
	Port       int             `json:"port"`
	MaxConns   int             `json:"max_conns"`
	Balance    float64         `json:"balance"`
	Rate       float64         `json:"rate"`
	ExpireTime string          `json:"expire_time"`
	EnableWeb  bool            `json:"enable_web"`
}

// ResolveAndLease checks that name is usable and leases it a port on node.
// A port 0 lease is an INIT reservation for keys without a port config.
func (b *Broker) ResolveAndLease(ctx context.Context, name, node string) (Lease, error) {
	out, err := b.resolveAndLease(ctx, name, node)
	recordRequest("fetch", err)
	return out, err
}

func (b *Broker) resolveAndLease(ctx context.Context, name, node string) (Lease, error) {
	nodeAlias, ok := b.nodes.Authorize(node)
	if !ok {
		return Lease{}, &LeaseError{Key: name, Op: "fetch", Reason: reasonUnauthorizedNode, Err: ErrDenied}
	}
	res, err := b.engine.Lookup(ctx, name)
	if err != nil {
		return Lease{}, b.lookupError("fetch", name, err)
	}
	if err := usableError("fetch", res); err != nil {
		return Lease{}, err
	}

	key := res.Key
	cfg, err := b.portConfig(ctx, "fetch", key, node)
	if err != nil {
		return Lease{}, err
	}
	port, ok := b.leases.FindFreePort(key.Name, cfg, node)
	if !ok {
		return Lease{}, &LeaseError{Key: key.Name, Op: "fetch", Reason: reasonNoFreePort, Err: ErrNoCapacity}
	}
	outcome := b.leases.TryRegister(lease.Claim{
		Key:         key.Name,
		Display:     name,
		Node:        node,
		Port:        port,
		Ports:       cfg,
		MaxConns:    key.Capacity(),
		AliasSingle: res.AliasSingle(),
		KeySingle:   key.IsSingle,
	})
	if err := outcomeError("fetch", key.Name, outcome); err != nil {
		return Lease{}, err
	}
	return Lease{
		Key:        key.Name,
		Display:    name,
		Node:       node,
		NodeAlias:  nodeAlias,
		Status:     res.Status,
		Reason:     res.Reason,
		Port:       int(port),
		MaxConns:   key.Capacity(),
		Balance:    b.engine.Balance(key),
		Rate:       key.Rate,
		ExpireTime: key.ExpireTime,
		EnableWeb:  key.EnableWeb,
	}, nil
}

// portConfig applies a per-node port override, which is always static.
func (b *Broker) portConfig(ctx context.Context, op string, key model.Key, node string) (model.PortConfig, error) {
	ctx, cancel := context.WithTimeout(ctx, b.storeTimeout)
	defer cancel()
	port, err := b.store.GetNodePort(ctx, key.Name, node)
	switch {
	case err == nil:
		return model.StaticPort(port), nil
	case errors.Is(err, store.ErrNotFound):
		return key.Port, nil
	default:
		b.log.Error("node port lookup failed", "op", "get_node_port", "key", key.Name, "node", node, "err", err)
		return model.PortConfig{}, &LeaseError{Key: key.Name, Op: op, Reason: reasonStoreUnavailable, Err: ErrStoreUnavailable}
	}
}

type HeartbeatRequest struct {
	Name   string
	Node   string
	Port   int
	Detail string
}

type HeartbeatResult struct {
	OK      bool   `json:"ok"`
	Kill    bool   `json:"kill,omitempty"`
	Reason  string `json:"reason,omitempty"`
	Message string `json:"message,omitempty"`
}

// Heartbeat renews the lease for req.Port. Business-rule failures come back
// as a kill result; a kill for an unusable key also drops that session. Only
// store unavailability is returned as an error so relays do not cut live
// clients during an outage.
func (b *Broker) Heartbeat(ctx context.Context, req HeartbeatRequest) (HeartbeatResult, error) {
	out, err := b.heartbeat(ctx, req)
	switch {
	case err != nil:
		recordRequest("heartbeat", err)
	case out.Kill:
		metrics.Default().IncCounter("aegis_relay_requests_total", map[string]string{"op": "heartbeat", "result": "kill"})
	default:
		recordRequest("heartbeat", nil)
	}
	return out, err
}

func (b *Broker) heartbeat(ctx context.Context, req HeartbeatRequest) (HeartbeatResult, error) {
	if req.Port < 0 || req.Port > math.MaxUint16 {
		return HeartbeatResult{}, fmt.Errorf("%w: port %d out of range", ErrInvalid, req.Port)
	}
	res, err := b.engine.Lookup(ctx, req.Name)
	if err != nil {
		if errors.Is(err, keystate.ErrNotFound) {
			return kill(reasonKeyNotFound, ""), nil
		}
		return HeartbeatResult{}, b.lookupError("heartbeat", req.Name, err)
	}
	if !res.Usable() {
		b.leases.Release(res.Key.Name, req.Node, req.Name)
		return kill(res.Reason, res.Key.BlockingMessage), nil
	}
	// Same port set fetch allocated from, node override included.
	cfg, err := b.portConfig(ctx, "heartbeat", res.Key, req.Node)
	if err != nil {
		return HeartbeatResult{}, err
	}
	outcome := b.leases.KeepAlive(lease.Claim{
		Key:         res.Key.Name,
		Display:     req.Name,
		Node:        req.Node,
		Port:        lease.Port(req.Port),
		Ports:       cfg,
		MaxConns:    res.Key.Capacity(),
		AliasSingle: res.AliasSingle(),
		KeySingle:   res.Key.IsSingle,
		Detail:      req.Detail,
	})
	if !outcome.Accepted() {
		return kill(outcomeReason(outcome), ""), nil
	}
	return HeartbeatResult{OK: true}, nil
}

func kill(reason, message string) HeartbeatResult {
	return HeartbeatResult{Kill: true, Reason: reason, Message: message}
}

// KeyMeta is the refreshed per-name view returned from a traffic sync.
type KeyMeta struct {
	Valid      bool            `json:"valid"`
	Status     model.KeyStatus `json:"status,omitempty"`
	Reason     string          `json:"reason"`
	Message    string          `json:"message,omitempty"`
	Balance    float64         `json:"balance"`
	Rate       float64         `json:"rate"`
	ExpireTime string          `json:"expire_time,omitempty"`
	EnableWeb  bool            `json:"enable_web"`
}

// ReportTraffic buffers usage reported per key or alias name and returns
// refreshed metadata for every name. Names that cannot be resolved, and
// negative or non-finite amounts, are not buffered and come back invalid.
func (b *Broker) ReportTraffic(ctx context.Context, usage map[string]float64) map[string]KeyMeta {
	out := make(map[string]KeyMeta, len(usage))
	resolved := make(map[string]keystate.Resolved, len(usage))
	byKey := make(map[string]float64, len(usage))
	for name, amount := range usage {
		if math.IsNaN(amount) || math.IsInf(amount, 0) || amount < 0 {
			out[name] = KeyMeta{Reason: reasonInvalidAmount}
			continue
		}
		res, err := b.engine.Lookup(ctx, name)
		if err != nil {
			reason := reasonStoreUnavailable
			if errors.Is(err, keystate.ErrNotFound) {
				reason = reasonKeyNotFound
			}
			out[name] = KeyMeta{Reason: reason}
			continue
		}
		resolved[name] = res
		if amount > 0 {
			byKey[res.Key.Name] += amount
		}
	}
	b.engine.BufferDeduction(byKey)

	for name, res := range resolved {
		out[name] = b.meta(res)
	}
	metrics.Default().IncCounter("aegis_relay_requests_total", map[string]string{"op": "sync", "result": "ok"})
	return out
}

// meta reports the pending-aware balance; a key whose buffered usage already
// exhausts it is reported depleted ahead of the next flush.
func (b *Broker) meta(res keystate.Resolved) KeyMeta {
	balance := b.engine.Balance(res.Key)
	m := KeyMeta{
		Valid:      res.Usable(),
		Status:     res.Status,
		Reason:     res.Reason,
		Balance:    balance,
		Rate:       res.Key.Rate,
		ExpireTime: res.Key.ExpireTime,
		EnableWeb:  res.Key.EnableWeb,
	}
	if m.Valid && balance <= 0 {
		m.Valid = false
		m.Status = model.KeyPaused
		m.Reason = keystate.ReasonDepleted
	}
	if !m.Valid {
		m.Message = res.Key.BlockingMessage
	}
	return m
}

// ReleaseSession drops the lease for (node, display) under name's key, or
// every lease of that key on node when display is empty.
func (b *Broker) ReleaseSession(ctx context.Context, name, node, display string) (int, error) {
	res, err := b.engine.Lookup(ctx, name)
	if err != nil {
		recordRequest("release", err)
		return 0, b.lookupError("release", name, err)
	}
	freed := b.leases.Release(res.Key.Name, node, display)
	recordRequest("release", nil)
	return freed, nil
}

// FlushTraffic, ReapSessions and ReloadNodes are the periodic jobs.
func (b *Broker) FlushTraffic(ctx context.Context) error {
	_, err := b.engine.Flush(ctx)
	return err
}

func (b *Broker) ReapSessions(_ context.Context) error {
	b.leases.Reap()
	return nil
}

func (b *Broker) ReloadNodes(ctx context.Context) error {
	_, err := b.nodes.Reload(ctx)
	return err
}

// Drain flushes remaining traffic at shutdown.
func (b *Broker) Drain(ctx context.Context) error {
	return b.engine.Drain(ctx)
}

func (b *Broker) lookupError(op, name string, err error) error {
	switch {
	case errors.Is(err, keystate.ErrNotFound):
		return &LeaseError{Key: name, Op: op, Reason: reasonKeyNotFound, Err: ErrNotFound}
	default:
		return &LeaseError{Key: name, Op: op, Reason: reasonStoreUnavailable, Err: fmt.Errorf("%w: %v", ErrStoreUnavailable, err)}
	}
}

func usableError(op string, res keystate.Resolved) error {
	switch res.Status {
	case model.KeyEnabled:
		return nil
	case model.KeyDisabled:
		return &LeaseError{Key: res.Key.Name, Op: op, Reason: res.Reason, Message: res.Key.BlockingMessage, Err: ErrDisabled}
	default:
		return &LeaseError{Key: res.Key.Name, Op: op, Reason: res.Reason, Message: res.Key.BlockingMessage, Err: ErrPaused}
	}
}

func outcomeReason(o lease.Outcome) string {
	switch o {
	case lease.OutcomeUnauthorizedNode:
		return reasonUnauthorizedNode
	case lease.OutcomeSingleSession:
		return reasonSingleSession
	case lease.OutcomePortInUse:
		return reasonPortInUse
	default:
		return reasonMaxConns
	}
}

func outcomeError(op, key string, o lease.Outcome) error {
	switch o {
	case lease.OutcomeAccepted:
		return nil
	case lease.OutcomeUnauthorizedNode:
		return &LeaseError{Key: key, Op: op, Reason: outcomeReason(o), Err: ErrDenied}
	default:
		return &LeaseError{Key: key, Op: op, Reason: outcomeReason(o), Err: ErrNoCapacity}
	}
}

func recordRequest(op string, err error) {
	metrics.Default().IncCounter("aegis_relay_requests_total", map[string]string{"op": op, "result": resultLabel(err)})
}

func resultLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrDenied):
		return "denied"
	case errors.Is(err, ErrPaused):
		return "paused"
	case errors.Is(err, ErrDisabled):
		return "disabled"
	case errors.Is(err, ErrNoCapacity):
		return "no_capacity"
	case errors.Is(err, ErrStoreUnavailable):
		return "store_unavailable"
	default:
		return "error"
	}
}
