package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"sort"
	"testing"

	"github.com/telemyapp/aegis-broker/internal/model"
	"github.com/telemyapp/aegis-broker/internal/store"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "broker.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func seedKey(t *testing.T, s *Store, k model.Key) {
	t.Helper()
	if k.Status == "" {
		k.Status = model.KeyEnabled
	}
	if err := s.CreateKey(context.Background(), k); err != nil {
		t.Fatalf("CreateKey(%s): %v", k.Name, err)
	}
}

func TestCreateAndGetKey(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	seedKey(t, s, model.Key{
		Name: "alpha", Balance: 100, Rate: 2, ExpireTime: model.NeverExpires,
		Port: model.PortConfig{Start: 9000, End: 9002}, EnableWeb: true,
	})

	k, err := s.GetKey(ctx, "alpha")
	if err != nil {
		t.Fatal(err)
	}
	if k.Balance != 100 || k.Rate != 2 || !k.EnableWeb || k.IsSingle {
		t.Fatalf("unexpected key: %+v", k)
	}
	if k.Port.Start != 9000 || k.Port.End != 9002 {
		t.Fatalf("unexpected port config: %+v", k.Port)
	}
	if k.CreatedAt.IsZero() {
		t.Fatal("expected created_at to be set")
	}
	if _, err := s.GetKey(ctx, "ghost"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := s.CreateKey(ctx, model.Key{Name: "alpha", Status: model.KeyEnabled}); !errors.Is(err, store.ErrConflict) {
		t.Fatalf("expected ErrConflict on duplicate key, got %v", err)
	}
}

func TestUpdateKeyFields(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	seedKey(t, s, model.Key{Name: "alpha", Balance: 10})

	status := model.KeyDisabled
	single := true
	msg := "maintenance"
	if err := s.UpdateKeyFields(ctx, "alpha", model.KeyPatch{Status: &status, IsSingle: &single, BlockingMessage: &msg}); err != nil {
		t.Fatal(err)
	}
	k, err := s.GetKey(ctx, "alpha")
	if err != nil {
		t.Fatal(err)
	}
	if k.Status != model.KeyDisabled || !k.IsSingle || k.BlockingMessage != "maintenance" || k.Balance != 10 {
		t.Fatalf("unexpected key after patch: %+v", k)
	}
	if err := s.UpdateKeyFields(ctx, "ghost", model.KeyPatch{Status: &status}); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestTransitionStatusLosesToAdminDisable(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	seedKey(t, s, model.Key{Name: "alpha", Balance: 0})

	disabled := model.KeyDisabled
	if err := s.UpdateKeyFields(ctx, "alpha", model.KeyPatch{Status: &disabled}); err != nil {
		t.Fatal(err)
	}
	ok, err := s.TransitionStatus(ctx, "alpha", model.KeyEnabled, model.KeyPaused)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("expected transition from a stale status to be refused")
	}
	k, err := s.GetKey(ctx, "alpha")
	if err != nil {
		t.Fatal(err)
	}
	if k.Status != model.KeyDisabled {
		t.Fatalf("expected DISABLED to survive, got %s", k.Status)
	}

	ok, err = s.TransitionStatus(ctx, "alpha", model.KeyDisabled, model.KeyEnabled)
	if err != nil || !ok {
		t.Fatalf("expected matching transition to apply, got ok=%v err=%v", ok, err)
	}
	if ok, _ := s.TransitionStatus(ctx, "ghost", model.KeyEnabled, model.KeyPaused); ok {
		t.Fatal("expected no transition for a missing key")
	}
}

func TestDeductBalancesPausesDepletedKeys(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	seedKey(t, s, model.Key{Name: "alpha", Balance: 100})
	seedKey(t, s, model.Key{Name: "beta", Balance: 15})
	seedKey(t, s, model.Key{Name: "gamma", Balance: 5, Status: model.KeyDisabled})

	paused, err := s.DeductBalances(ctx, map[string]float64{"alpha": 20, "beta": 15, "gamma": 10, "ghost": 1})
	if err != nil {
		t.Fatal(err)
	}
	if len(paused) != 1 || paused[0] != "beta" {
		t.Fatalf("expected only beta to be paused, got %v", paused)
	}

	alpha, _ := s.GetKey(ctx, "alpha")
	if alpha.Balance != 80 || alpha.Status != model.KeyEnabled {
		t.Fatalf("unexpected alpha: %+v", alpha)
	}
	gamma, _ := s.GetKey(ctx, "gamma")
	if gamma.Balance != -5 || gamma.Status != model.KeyDisabled {
		t.Fatalf("disabled key must keep its status, got %+v", gamma)
	}

	paused, err = s.DeductBalances(ctx, map[string]float64{"beta": 1})
	if err != nil {
		t.Fatal(err)
	}
	if len(paused) != 0 {
		t.Fatalf("already paused key must not be reported again, got %v", paused)
	}
}

func TestAliasesAndNameConflicts(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	seedKey(t, s, model.Key{Name: "alpha", Balance: 1})
	seedKey(t, s, model.Key{Name: "beta", Balance: 1})

	if err := s.UpsertAlias(ctx, model.Alias{Name: "a1", Target: "alpha"}); err != nil {
		t.Fatal(err)
	}
	if err := s.UpsertAlias(ctx, model.Alias{Name: "a2", Target: "alpha", IsSingle: true}); err != nil {
		t.Fatal(err)
	}
	if err := s.UpsertAlias(ctx, model.Alias{Name: "beta", Target: "alpha"}); !errors.Is(err, store.ErrConflict) {
		t.Fatalf("alias shadowing a key must conflict, got %v", err)
	}
	if err := s.UpsertAlias(ctx, model.Alias{Name: "a3", Target: "ghost"}); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("alias to missing key must fail, got %v", err)
	}
	if err := s.CreateKey(ctx, model.Key{Name: "a1", Status: model.KeyEnabled}); !errors.Is(err, store.ErrConflict) {
		t.Fatalf("key named like an alias must conflict, got %v", err)
	}

	a, err := s.GetAlias(ctx, "a2")
	if err != nil {
		t.Fatal(err)
	}
	if a.Target != "alpha" || !a.IsSingle {
		t.Fatalf("unexpected alias: %+v", a)
	}

	if err := s.RenameKey(ctx, "alpha", "omega"); err != nil {
		t.Fatal(err)
	}
	aliases, err := s.ListAliases(ctx, "omega")
	if err != nil {
		t.Fatal(err)
	}
	names := []string{}
	for _, a := range aliases {
		names = append(names, a.Name)
	}
	sort.Strings(names)
	if len(names) != 2 || names[0] != "a1" || names[1] != "a2" {
		t.Fatalf("aliases should follow the renamed key, got %v", names)
	}

	if err := s.DeleteKey(ctx, "omega"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.GetAlias(ctx, "a1"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("aliases should be removed with the key, got %v", err)
	}
}

func TestNodePorts(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	seedKey(t, s, model.Key{Name: "alpha", Balance: 1, Port: model.PortConfig{Start: 9000, End: 9010}})

	if err := s.SetNodePort(ctx, model.NodePortMapping{Key: "alpha", Node: "node-1", Port: 8443}); err != nil {
		t.Fatal(err)
	}
	if err := s.SetNodePort(ctx, model.NodePortMapping{Key: "alpha", Node: "node-1", Port: 8444}); err != nil {
		t.Fatal(err)
	}
	port, err := s.GetNodePort(ctx, "alpha", "node-1")
	if err != nil || port != 8444 {
		t.Fatalf("expected overwritten port 8444, got %d err=%v", port, err)
	}
	if _, err := s.GetNodePort(ctx, "alpha", "node-2"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := s.DeleteNodePort(ctx, "alpha", "node-1"); err != nil {
		t.Fatal(err)
	}
	if err := s.DeleteNodePort(ctx, "alpha", "node-1"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound on second delete, got %v", err)
	}
}
