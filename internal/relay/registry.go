package relay

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/telemyapp/aegis-broker/internal/metrics"
)

// Registry is the hot-reloadable relay allow-list. Lookups read an immutable
// snapshot; Reload swaps in a new one and keeps the previous snapshot when the
// source fails.
type Registry struct {
	source Source
	log    *slog.Logger
	nodes  atomic.Pointer[map[string]string]
}

func NewRegistry(source Source, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{source: source, log: logger.With("component", "relay_registry", "source", source.Name())}
	empty := map[string]string{}
	r.nodes.Store(&empty)
	return r
}

// Authorize returns the display alias of an allow-listed node.
func (r *Registry) Authorize(node string) (string, bool) {
	alias, ok := (*r.nodes.Load())[node]
	return alias, ok
}

func (r *Registry) Reload(ctx context.Context) (int, error) {
	nodes, err := r.source.Nodes(ctx)
	if err != nil {
		r.log.Warn("relay allow-list reload failed, keeping previous list", "nodes", r.Len(), "err", err)
		return r.Len(), fmt.Errorf("reload %s allow-list: %w", r.source.Name(), err)
	}
	next, err := normalizeNodes(nodes)
	if err != nil {
		r.log.Warn("relay allow-list rejected, keeping previous list", "nodes", r.Len(), "err", err)
		return r.Len(), fmt.Errorf("reload %s allow-list: %w", r.source.Name(), err)
	}
	prev := r.Len()
	r.nodes.Store(&next)
	metrics.Default().SetGauge("aegis_relay_nodes_authorized", float64(len(next)), nil)
	if prev != len(next) {
		r.log.Info("relay allow-list reloaded", "nodes", len(next), "previous", prev)
	}
	return len(next), nil
}

func (r *Registry) Len() int {
	return len(*r.nodes.Load())
}

// Snapshot copies the current node->alias map.
func (r *Registry) Snapshot() map[string]string {
	cur := *r.nodes.Load()
	out := make(map[string]string, len(cur))
	for id, alias := range cur {
		out[id] = alias
	}
	return out
}
