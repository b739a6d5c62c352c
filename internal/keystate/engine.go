// Package keystate decides whether a key is usable right now and accounts
// reported traffic against key balances.
//
// Status reads are memoized for a short TTL and traffic is accumulated in
// memory, so neither the status path nor the traffic path performs store I/O
// per request. A periodic Flush applies the accumulated usage in one batch.
package keystate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/telemyapp/aegis-broker/internal/metrics"
	"github.com/telemyapp/aegis-broker/internal/model"
	"github.com/telemyapp/aegis-broker/internal/store"
)

const (
	ReasonDisabled = "Disabled by admin"
	ReasonDepleted = "Balance Depleted"
	ReasonExpired  = "Expired"
	ReasonOK       = "OK"
)

var (
	ErrNotFound       = errors.New("key not found")
	ErrUnavailable    = errors.New("key store unavailable")
	ErrEnableRejected = errors.New("enable rejected")
)

// Store is the slice of the durable key store the engine reads and writes.
type Store interface {
	GetKey(ctx context.Context, name string) (*model.Key, error)
	GetAlias(ctx context.Context, name string) (*model.Alias, error)
	UpdateKeyFields(ctx context.Context, name string, patch model.KeyPatch) error
	TransitionStatus(ctx context.Context, name string, from, to model.KeyStatus) (bool, error)
	DeductBalances(ctx context.Context, amounts map[string]float64) ([]string, error)
}

type State struct {
	Status model.KeyStatus
	Reason string
}

func (s State) Usable() bool {
	return s.Status == model.KeyEnabled
}

// Resolved is a status decision for a requested name together with the key
// snapshot and alias used to reach it.
type Resolved struct {
	Name  string
	Key   model.Key
	Alias *model.Alias
	State
}

// AliasSingle reports whether the requested name is an alias in single mode.
func (r Resolved) AliasSingle() bool {
	return r.Alias != nil && r.Alias.IsSingle
}

type Options struct {
	TTL          time.Duration
	StoreTimeout time.Duration
	Now          func() time.Time
	Logger       *slog.Logger
}

type Engine struct {
	store        Store
	storeTimeout time.Duration
	now          func() time.Time
	log          *slog.Logger

	cache   *statusCache
	buffer  *trafficBuffer
	flights singleflight.Group
}

func New(s Store, opts Options) *Engine {
	if opts.TTL <= 0 {
		opts.TTL = 3 * time.Second
	}
	if opts.StoreTimeout <= 0 {
		opts.StoreTimeout = 2 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Engine{
		store:        s,
		storeTimeout: opts.StoreTimeout,
		now:          opts.Now,
		log:          opts.Logger.With("component", "keystate"),
		cache:        newStatusCache(opts.TTL),
		buffer:       newTrafficBuffer(),
	}
}

// Evaluate computes the status a key should have at now. DISABLED is terminal;
// otherwise depletion is checked before expiry.
func Evaluate(k model.Key, now time.Time) State {
	if k.Status == model.KeyDisabled {
		return State{Status: model.KeyDisabled, Reason: ReasonDisabled}
	}
	if k.Balance <= 0 {
		return State{Status: model.KeyPaused, Reason: ReasonDepleted}
	}
	at, ok, err := model.ParseExpiry(k.ExpireTime)
	if err != nil || (ok && now.After(at)) {
		return State{Status: model.KeyPaused, Reason: ReasonExpired}
	}
	return State{Status: model.KeyEnabled, Reason: ReasonOK}
}

// Lookup resolves a key or alias name to its current status. Results are
// cached for the configured TTL; concurrent misses share one store read.
func (e *Engine) Lookup(ctx context.Context, name string) (Resolved, error) {
	if res, ok := e.cache.get(name, e.now()); ok {
		metrics.Default().IncCounter("aegis_status_cache_lookups_total", map[string]string{"result": "hit"})
		return res, nil
	}
	metrics.Default().IncCounter("aegis_status_cache_lookups_total", map[string]string{"result": "miss"})

	epoch := e.cache.currentEpoch()
	// The load is shared by every waiter; load bounds it with the store
	// timeout instead of the first caller's context.
	loadCtx := context.WithoutCancel(ctx)
	ch := e.flights.DoChan(name+"#"+strconv.FormatUint(epoch, 10), func() (any, error) {
		return e.load(loadCtx, name, epoch)
	})
	select {
	case <-ctx.Done():
		return Resolved{}, fmt.Errorf("%w: lookup %s: %v", ErrUnavailable, name, ctx.Err())
	case r := <-ch:
		if r.Err != nil {
			return Resolved{}, r.Err
		}
		return r.Val.(Resolved), nil
	}
}

// Resolve returns only the status decision for a name.
func (e *Engine) Resolve(ctx context.Context, name string) (State, error) {
	res, err := e.Lookup(ctx, name)
	if err != nil {
		return State{}, err
	}
	return res.State, nil
}

func (e *Engine) load(ctx context.Context, name string, epoch uint64) (Resolved, error) {
	ctx, cancel := context.WithTimeout(ctx, e.storeTimeout)
	defer cancel()

	res := Resolved{Name: name}
	k, err := e.store.GetKey(ctx, name)
	if errors.Is(err, store.ErrNotFound) {
		alias, aerr := e.store.GetAlias(ctx, name)
		if aerr != nil {
			return Resolved{}, e.readError("get_alias", name, aerr)
		}
		res.Alias = alias
		k, err = e.store.GetKey(ctx, alias.Target)
	}
	if err != nil {
		return Resolved{}, e.readError("get_key", name, err)
	}

	now := e.now()
	state := Evaluate(*k, now)
	if _, _, perr := model.ParseExpiry(k.ExpireTime); perr != nil {
		e.log.Warn("unparseable expire time treated as expired", "key", k.Name, "expire_time", k.ExpireTime)
	}
	cacheable := true
	if k.Status != model.KeyDisabled && state.Status != k.Status && !e.persistTransition(ctx, k, state) {
		// The stored status moved since the read, typically an admin
		// disable. Report what is stored now and leave it untouched.
		fresh, err := e.store.GetKey(ctx, k.Name)
		if err != nil {
			return Resolved{}, e.readError("get_key", name, err)
		}
		k = fresh
		state = Evaluate(*k, now)
		cacheable = false
	}
	res.Key = *k
	res.State = state
	if cacheable {
		e.cache.put(res, now, epoch)
	}
	return res, nil
}

func (e *Engine) readError(op, name string, err error) error {
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	e.log.Error("key store read failed", "op", op, "key", name, "err", err)
	return fmt.Errorf("%w: %s %s: %v", ErrUnavailable, op, name, err)
}

// persistTransition writes an automatic status change only if the stored
// status is still the one that was read. It returns false when another writer
// got there first; a store failure is logged and the transition retried on
// the next load.
func (e *Engine) persistTransition(ctx context.Context, k *model.Key, state State) bool {
	status := state.Status
	ok, err := e.store.TransitionStatus(ctx, k.Name, k.Status, status)
	if err != nil {
		e.log.Warn("persist status transition failed", "op", "transition_status", "key", k.Name, "from", k.Status, "to", status, "err", err)
		return true
	}
	if !ok {
		e.log.Info("status transition lost to concurrent update", "key", k.Name, "from", k.Status, "to", status)
		return false
	}
	e.log.Info("key status transition", "key", k.Name, "from", k.Status, "to", status, "reason", state.Reason)
	metrics.Default().IncCounter("aegis_status_transitions_total", map[string]string{"status": string(status)})
	k.Status = status
	return true
}

// SetEnabled is the administrative enable/disable path. name must be a real
// key. Disabling always succeeds for an existing key. Enabling re-evaluates
// balance and expiry first and leaves the key PAUSED with ErrEnableRejected
// when either still fails.
func (e *Engine) SetEnabled(ctx context.Context, name string, enable bool) (State, error) {
	ctx, cancel := context.WithTimeout(ctx, e.storeTimeout)
	defer cancel()
	defer e.Invalidate(name)

	k, err := e.store.GetKey(ctx, name)
	if err != nil {
		return State{}, e.readError("get_key", name, err)
	}

	var state State
	if enable {
		candidate := *k
		candidate.Status = model.KeyEnabled
		state = Evaluate(candidate, e.now())
	} else {
		state = State{Status: model.KeyDisabled, Reason: ReasonDisabled}
	}
	status := state.Status
	if err := e.store.UpdateKeyFields(ctx, name, model.KeyPatch{Status: &status}); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return State{}, fmt.Errorf("%w: %s", ErrNotFound, name)
		}
		e.log.Error("set key status failed", "op", "update_status", "key", name, "status", status, "err", err)
		return State{}, fmt.Errorf("%w: update_status %s: %v", ErrUnavailable, name, err)
	}
	e.log.Info("key status set by admin", "key", name, "status", status, "reason", state.Reason)
	if enable && !state.Usable() {
		return state, fmt.Errorf("%w: %s: %s", ErrEnableRejected, name, state.Reason)
	}
	return state, nil
}

// Invalidate drops every cached entry that resolved to the real key.
func (e *Engine) Invalidate(key string) {
	e.cache.invalidateKey(key)
}

// InvalidateName drops one cached name, typically an alias that was relinked.
func (e *Engine) InvalidateName(name string) {
	e.cache.invalidateName(name)
}

// Renamed moves cached and pending state from oldName to newName.
func (e *Engine) Renamed(oldName, newName string) {
	e.buffer.move(oldName, newName)
	e.cache.invalidateKey(oldName)
	e.cache.invalidateKey(newName)
}

// BufferDeduction merges usage per real key into the in-memory buffer. It
// never touches the store. Invalid amounts are skipped and the number of
// accepted entries is returned.
func (e *Engine) BufferDeduction(amounts map[string]float64) int {
	accepted := 0
	for key, amount := range amounts {
		if e.buffer.add(key, amount) {
			accepted++
		}
	}
	metrics.Default().SetGauge("aegis_traffic_pending_keys", float64(e.buffer.size()), nil)
	return accepted
}

// Pending is usage recorded for key that has not yet been committed.
func (e *Engine) Pending(key string) float64 {
	return e.buffer.amount(key)
}

// Balance is the stored balance minus pending usage.
func (e *Engine) Balance(k model.Key) float64 {
	return k.Balance - e.Pending(k.Name)
}

type FlushResult struct {
	Keys   int
	Paused []string
}

// Flush applies all buffered usage in one store transaction. On failure the
// drained snapshot is merged back and retried on the next call; a partially
// applied failure may therefore be counted twice.
func (e *Engine) Flush(ctx context.Context) (FlushResult, error) {
	e.cache.prune(e.now())
	snap := e.buffer.drain()
	if len(snap) == 0 {
		return FlushResult{}, nil
	}
	ctx, cancel := context.WithTimeout(ctx, e.storeTimeout)
	defer cancel()

	paused, err := e.store.DeductBalances(ctx, snap)
	if err != nil {
		e.buffer.requeue()
		metrics.Default().AddCounter("aegis_traffic_flush_keys_total", float64(len(snap)), map[string]string{"status": "requeued"})
		metrics.Default().SetGauge("aegis_traffic_pending_keys", float64(e.buffer.size()), nil)
		e.log.Error("traffic flush failed, usage requeued", "op", "deduct_balances", "keys", len(snap), "err", err)
		return FlushResult{}, fmt.Errorf("%w: deduct_balances: %v", ErrUnavailable, err)
	}
	// A reload must not see the deducted balance while the usage is
	// still pending.
	e.buffer.settle()
	for key := range snap {
		e.cache.invalidateKey(key)
	}
	for _, key := range paused {
		e.log.Info("key status transition", "key", key, "from", model.KeyEnabled, "to", model.KeyPaused, "reason", ReasonDepleted)
		metrics.Default().IncCounter("aegis_status_transitions_total", map[string]string{"status": string(model.KeyPaused)})
	}
	metrics.Default().AddCounter("aegis_traffic_flush_keys_total", float64(len(snap)), map[string]string{"status": "ok"})
	metrics.Default().SetGauge("aegis_traffic_pending_keys", float64(e.buffer.size()), nil)
	return FlushResult{Keys: len(snap), Paused: paused}, nil
}

// Drain performs a final flush at shutdown. If it fails the unflushed usage is
// logged per key so it can be replayed by an operator.
func (e *Engine) Drain(ctx context.Context) error {
	_, err := e.Flush(ctx)
	if err == nil {
		return nil
	}
	pending := e.buffer.snapshot()
	names := make([]string, 0, len(pending))
	for k := range pending {
		names = append(names, k)
	}
	sort.Strings(names)
	for _, k := range names {
		e.log.Error("unflushed traffic at shutdown", "key", k, "amount", pending[k])
	}
	return err
}
