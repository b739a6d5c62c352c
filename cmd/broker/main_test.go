package main

import (
	"context"
	"errors"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/telemyapp/aegis-broker/internal/auth"
	"github.com/telemyapp/aegis-broker/internal/config"
	"github.com/telemyapp/aegis-broker/internal/jobs"
	"github.com/telemyapp/aegis-broker/internal/logging"
	"github.com/telemyapp/aegis-broker/internal/model"
)

func TestBuildNodeSource(t *testing.T) {
	tests := []struct {
		source string
		want   string
	}{
		{"static", "static"},
		{"file", "file"},
		{"ec2", "ec2"},
	}
	for _, tt := range tests {
		cfg := config.Config{
			NodeSource:  tt.source,
			NodesFile:   "./nodes.yaml",
			StaticNodes: map[string]string{"N1": "Frankfurt"},
			EC2Regions:  []string{"us-east-1"},
		}
		src, err := buildNodeSource(cfg, logging.Discard())
		if err != nil {
			t.Fatalf("%s: buildNodeSource returned err: %v", tt.source, err)
		}
		if src.Name() != tt.want {
			t.Fatalf("expected %s source, got %s", tt.want, src.Name())
		}
	}
	if _, err := buildNodeSource(config.Config{NodeSource: "consul"}, logging.Discard()); err == nil {
		t.Fatal("expected unknown source to fail")
	}
}

func TestOpenStore_SQLite(t *testing.T) {
	cfg := config.Config{StoreDriver: "sqlite", SQLitePath: filepath.Join(t.TempDir(), "data", "broker.db")}
	st, closeStore, err := openStore(context.Background(), cfg)
	if err != nil {
		t.Fatalf("openStore returned err: %v", err)
	}
	defer closeStore()

	ctx := context.Background()
	if err := st.CreateKey(ctx, model.Key{Name: "key-a", Balance: 10, Status: model.KeyEnabled}); err != nil {
		t.Fatalf("CreateKey returned err: %v", err)
	}
	k, err := st.GetKey(ctx, "key-a")
	if err != nil || k.Balance != 10 {
		t.Fatalf("unexpected key %+v err=%v", k, err)
	}
}

func TestOpenStore_UnknownDriver(t *testing.T) {
	if _, _, err := openStore(context.Background(), config.Config{StoreDriver: "mysql"}); err == nil {
		t.Fatal("expected unknown driver to fail")
	}
}

func TestMintToken(t *testing.T) {
	cfg := config.Config{JWTSecret: "secret"}
	tok, err := mintToken(cfg, []string{"ops@example.com", "1h"})
	if err != nil {
		t.Fatalf("mintToken returned err: %v", err)
	}
	claims := &auth.Claims{}
	if _, err := jwt.ParseWithClaims(tok, claims, func(*jwt.Token) (any, error) { return []byte("secret"), nil }); err != nil {
		t.Fatalf("parse token: %v", err)
	}
	if claims.Operator != "ops@example.com" || claims.Role != auth.RoleAdmin {
		t.Fatalf("unexpected claims: %+v", claims)
	}
	if _, err := mintToken(cfg, nil); err == nil {
		t.Fatal("expected missing operator to fail")
	}
	if _, err := mintToken(cfg, []string{"ops", "forever"}); err == nil {
		t.Fatal("expected bad ttl to fail")
	}
}

type drainFunc func(context.Context) error

func (f drainFunc) Drain(ctx context.Context) error { return f(ctx) }

type idleBroker struct{}

func (idleBroker) FlushTraffic(context.Context) error { return nil }
func (idleBroker) ReapSessions(context.Context) error { return nil }
func (idleBroker) ReloadNodes(context.Context) error  { return nil }

func TestShutdownDrainsAfterJobsStop(t *testing.T) {
	runner := jobs.NewRunner(idleBroker{}, jobs.Intervals{Flush: time.Hour, Reap: time.Hour, NodeReload: time.Hour}, logging.Discard())
	jobsCtx, cancelJobs := context.WithCancel(context.Background())
	runner.Start(jobsCtx)

	var order []string
	cancel := func() {
		order = append(order, "jobs")
		cancelJobs()
	}
	drained := drainFunc(func(ctx context.Context) error {
		if _, ok := ctx.Deadline(); !ok {
			t.Fatal("drain must run with a bounded context")
		}
		order = append(order, "drain")
		return errors.New("store down")
	})

	shutdown(&http.Server{}, cancel, runner, drained, logging.Discard())
	if len(order) != 2 || order[0] != "jobs" || order[1] != "drain" {
		t.Fatalf("unexpected shutdown order: %v", order)
	}
}
