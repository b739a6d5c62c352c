package relay

import (
	"context"
	"fmt"
	"sort"
	"strings"
)

// Node is one relay node allowed to talk to the broker. Alias is the display
// name operators see for it.
type Node struct {
	ID    string `yaml:"id"`
	Alias string `yaml:"alias"`
}

// Source produces the current allow-list.
type Source interface {
	Name() string
	Nodes(ctx context.Context) ([]Node, error)
}

// StaticSource serves a fixed node->alias map, typically from AEGIS_STATIC_NODES.
type StaticSource struct {
	nodes map[string]string
}

func NewStaticSource(nodes map[string]string) *StaticSource {
	cp := make(map[string]string, len(nodes))
	for id, alias := range nodes {
		cp[id] = alias
	}
	return &StaticSource{nodes: cp}
}

func (s *StaticSource) Name() string {
	return "static"
}

func (s *StaticSource) Nodes(_ context.Context) ([]Node, error) {
	out := make([]Node, 0, len(s.nodes))
	for id, alias := range s.nodes {
		out = append(out, Node{ID: id, Alias: alias})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func normalizeNodes(nodes []Node) (map[string]string, error) {
	out := make(map[string]string, len(nodes))
	for _, n := range nodes {
		id := strings.TrimSpace(n.ID)
		if id == "" {
			return nil, fmt.Errorf("node entry with empty id")
		}
		alias := strings.TrimSpace(n.Alias)
		if alias == "" {
			alias = id
		}
		out[id] = alias
	}
	return out, nil
}
