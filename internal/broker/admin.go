package broker

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/telemyapp/aegis-broker/internal/keystate"
	"github.com/telemyapp/aegis-broker/internal/lease"
	"github.com/telemyapp/aegis-broker/internal/model"
	"github.com/telemyapp/aegis-broker/internal/store"
)

// KeyView is a key as operators see it: the stored record plus live state.
type KeyView struct {
	model.Key
	Aliases   []model.Alias `json:"aliases,omitempty"`
	Pending   float64       `json:"pending"`
	LivePorts int           `json:"live_ports"`
}

func (b *Broker) view(k model.Key) KeyView {
	return KeyView{Key: k, Pending: b.engine.Pending(k.Name), LivePorts: b.leases.LivePorts(k.Name)}
}

func (b *Broker) ListKeys(ctx context.Context) ([]KeyView, error) {
	ctx, cancel := context.WithTimeout(ctx, b.storeTimeout)
	defer cancel()
	keys, err := b.store.ListKeys(ctx)
	if err != nil {
		return nil, b.storeError("list_keys", "", err)
	}
	out := make([]KeyView, 0, len(keys))
	for _, k := range keys {
		out = append(out, b.view(k))
	}
	return out, nil
}

func (b *Broker) GetKey(ctx context.Context, name string) (KeyView, error) {
	ctx, cancel := context.WithTimeout(ctx, b.storeTimeout)
	defer cancel()
	k, err := b.store.GetKey(ctx, name)
	if err != nil {
		return KeyView{}, b.storeError("get_key", name, err)
	}
	aliases, err := b.store.ListAliases(ctx, name)
	if err != nil {
		return KeyView{}, b.storeError("list_aliases", name, err)
	}
	v := b.view(*k)
	v.Aliases = aliases
	return v, nil
}

func (b *Broker) CreateKey(ctx context.Context, k model.Key) error {
	k.Name = strings.TrimSpace(k.Name)
	if k.Name == "" {
		return fmt.Errorf("%w: key name is required", ErrInvalid)
	}
	if k.Status == "" {
		k.Status = model.KeyEnabled
	}
	if !k.Status.Valid() {
		return fmt.Errorf("%w: unknown status %q", ErrInvalid, k.Status)
	}
	if err := validateExpiry(k.ExpireTime); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, b.storeTimeout)
	defer cancel()
	if err := b.store.CreateKey(ctx, k); err != nil {
		return b.storeError("create_key", k.Name, err)
	}
	b.engine.Invalidate(k.Name)
	b.log.Info("key created", "key", k.Name, "balance", k.Balance, "ports", k.Port.String())
	return nil
}

// UpdateKey applies a partial update. Status changes go through SetEnabled.
// Changes that alter who may hold which port force-release the key's leases.
func (b *Broker) UpdateKey(ctx context.Context, name string, patch model.KeyPatch) error {
	if patch.Empty() {
		return fmt.Errorf("%w: empty update", ErrInvalid)
	}
	if patch.Status != nil {
		return fmt.Errorf("%w: status is changed through enable/disable", ErrInvalid)
	}
	if patch.ExpireTime != nil {
		if err := validateExpiry(*patch.ExpireTime); err != nil {
			return err
		}
	}
	ctx, cancel := context.WithTimeout(ctx, b.storeTimeout)
	defer cancel()
	if err := b.store.UpdateKeyFields(ctx, name, patch); err != nil {
		return b.storeError("update_key", name, err)
	}
	b.engine.Invalidate(name)
	if patch.Port != nil || patch.MaxConns != nil || patch.IsSingle != nil {
		freed := b.leases.ReleaseKey(name)
		b.log.Info("key leases released after update", "key", name, "ports", freed)
	}
	return nil
}

func (b *Broker) DeleteKey(ctx context.Context, name string) error {
	ctx, cancel := context.WithTimeout(ctx, b.storeTimeout)
	defer cancel()
	if err := b.store.DeleteKey(ctx, name); err != nil {
		return b.storeError("delete_key", name, err)
	}
	b.engine.Invalidate(name)
	b.leases.ReleaseKey(name)
	b.log.Info("key deleted", "key", name)
	return nil
}

func (b *Broker) RenameKey(ctx context.Context, oldName, newName string) error {
	newName = strings.TrimSpace(newName)
	if newName == "" || newName == oldName {
		return fmt.Errorf("%w: new name must differ and be non-empty", ErrInvalid)
	}
	ctx, cancel := context.WithTimeout(ctx, b.storeTimeout)
	defer cancel()
	if err := b.store.RenameKey(ctx, oldName, newName); err != nil {
		return b.storeError("rename_key", oldName, err)
	}
	b.engine.Renamed(oldName, newName)
	b.leases.ReleaseKey(oldName)
	b.log.Info("key renamed", "key", oldName, "new_name", newName)
	return nil
}

// SetEnabled disables a key, which also drops its leases, or re-enables it
// after checking balance and expiry.
func (b *Broker) SetEnabled(ctx context.Context, name string, enable bool) (keystate.State, error) {
	state, err := b.engine.SetEnabled(ctx, name, enable)
	switch {
	case err == nil:
	case errors.Is(err, keystate.ErrEnableRejected):
		return state, &LeaseError{Key: name, Op: "enable", Reason: state.Reason, Err: ErrPaused}
	case errors.Is(err, keystate.ErrNotFound):
		return state, &LeaseError{Key: name, Op: "set_enabled", Reason: reasonKeyNotFound, Err: ErrNotFound}
	default:
		return state, &LeaseError{Key: name, Op: "set_enabled", Reason: reasonStoreUnavailable, Err: fmt.Errorf("%w: %v", ErrStoreUnavailable, err)}
	}
	if !enable {
		freed := b.leases.ReleaseKey(name)
		b.log.Info("key leases released after disable", "key", name, "ports", freed)
	}
	return state, nil
}

func (b *Broker) LinkAlias(ctx context.Context, a model.Alias) error {
	a.Name = strings.TrimSpace(a.Name)
	if a.Name == "" || a.Target == "" {
		return fmt.Errorf("%w: alias name and target are required", ErrInvalid)
	}
	ctx, cancel := context.WithTimeout(ctx, b.storeTimeout)
	defer cancel()
	if err := b.store.UpsertAlias(ctx, a); err != nil {
		return b.storeError("link_alias", a.Name, err)
	}
	b.engine.InvalidateName(a.Name)
	b.log.Info("alias linked", "alias", a.Name, "key", a.Target, "single", a.IsSingle)
	return nil
}

func (b *Broker) UnlinkAlias(ctx context.Context, name string) error {
	ctx, cancel := context.WithTimeout(ctx, b.storeTimeout)
	defer cancel()
	if err := b.store.DeleteAlias(ctx, name); err != nil {
		return b.storeError("unlink_alias", name, err)
	}
	b.engine.InvalidateName(name)
	b.log.Info("alias unlinked", "alias", name)
	return nil
}

// MapNodePort sets a per-node static port override and drops the key's
// leases on that node so clients reconnect on the new port.
func (b *Broker) MapNodePort(ctx context.Context, m model.NodePortMapping) error {
	if m.Key == "" || m.Node == "" || m.Port <= 0 || m.Port > 65535 {
		return fmt.Errorf("%w: key, node and a valid port are required", ErrInvalid)
	}
	ctx, cancel := context.WithTimeout(ctx, b.storeTimeout)
	defer cancel()
	if err := b.store.SetNodePort(ctx, m); err != nil {
		return b.storeError("map_node_port", m.Key, err)
	}
	b.leases.Release(m.Key, m.Node, "")
	b.log.Info("node port mapped", "key", m.Key, "node", m.Node, "port", m.Port)
	return nil
}

func (b *Broker) UnmapNodePort(ctx context.Context, key, node string) error {
	ctx, cancel := context.WithTimeout(ctx, b.storeTimeout)
	defer cancel()
	if err := b.store.DeleteNodePort(ctx, key, node); err != nil {
		return b.storeError("unmap_node_port", key, err)
	}
	b.leases.Release(key, node, "")
	b.log.Info("node port unmapped", "key", key, "node", node)
	return nil
}

func (b *Broker) Sessions(ctx context.Context, name string) ([]lease.SessionInfo, error) {
	res, err := b.engine.Lookup(ctx, name)
	if err != nil {
		return nil, b.lookupError("sessions", name, err)
	}
	return b.leases.Sessions(res.Key.Name), nil
}

func (b *Broker) ReleaseKeySessions(_ context.Context, name string) int {
	freed := b.leases.ReleaseKey(name)
	b.log.Info("key leases force-released", "key", name, "ports", freed)
	return freed
}

func (b *Broker) LeaseStats() lease.Stats {
	return b.leases.Stats()
}

func (b *Broker) AuthorizedNodes() int {
	return b.nodes.Len()
}

// NodeList returns the current allow-list as node id -> display alias.
func (b *Broker) NodeList() map[string]string {
	return b.nodes.Snapshot()
}

func validateExpiry(raw string) error {
	if _, _, err := model.ParseExpiry(raw); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return nil
}

func (b *Broker) storeError(op, name string, err error) error {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return fmt.Errorf("%s %s: %w", op, name, ErrNotFound)
	case errors.Is(err, store.ErrConflict):
		return fmt.Errorf("%s %s: %w", op, name, ErrConflict)
	default:
		b.log.Error("key store write failed", "op", op, "key", name, "err", err)
		return fmt.Errorf("%s %s: %w: %v", op, name, ErrStoreUnavailable, err)
	}
}
