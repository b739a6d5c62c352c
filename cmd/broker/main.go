package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/telemyapp/aegis-broker/internal/api"
	"github.com/telemyapp/aegis-broker/internal/auth"
	"github.com/telemyapp/aegis-broker/internal/broker"
	"github.com/telemyapp/aegis-broker/internal/config"
	"github.com/telemyapp/aegis-broker/internal/jobs"
	"github.com/telemyapp/aegis-broker/internal/keystate"
	"github.com/telemyapp/aegis-broker/internal/lease"
	"github.com/telemyapp/aegis-broker/internal/logging"
	"github.com/telemyapp/aegis-broker/internal/relay"
	"github.com/telemyapp/aegis-broker/internal/store"
	"github.com/telemyapp/aegis-broker/internal/store/sqlite"
)

func main() {
	cfg, err := config.LoadFromEnv()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	// broker token <operator> [ttl] prints an admin bearer token and exits.
	if len(os.Args) > 1 && os.Args[1] == "token" {
		tok, err := mintToken(cfg, os.Args[2:])
		if err != nil {
			log.Fatalf("mint token: %v", err)
		}
		fmt.Println(tok)
		return
	}

	logger := logging.New(cfg.LogLevel)
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		log.Fatalf("open store: %v", err)
	}
	defer closeStore()

	source, err := buildNodeSource(cfg, logger)
	if err != nil {
		log.Fatalf("node source: %v", err)
	}
	nodes := relay.NewRegistry(source, logger)
	if n, err := nodes.Reload(ctx); err != nil {
		logger.Warn("initial node allow-list load failed, all nodes rejected until reload", "source", source.Name(), "err", err)
	} else {
		logger.Info("node allow-list loaded", "source", source.Name(), "nodes", n)
	}

	engine := keystate.New(st, keystate.Options{
		TTL:          cfg.StatusCacheTTL,
		StoreTimeout: cfg.StoreTimeout,
		Logger:       logger,
	})
	leases := lease.NewManager(nodes, lease.Options{
		ZombieTimeout: cfg.ZombieTimeout,
		Logger:        logger,
	})
	svc := broker.New(st, engine, leases, nodes, broker.Options{
		StoreTimeout: cfg.StoreTimeout,
		Logger:       logger,
	})

	jobsCtx, cancelJobs := context.WithCancel(context.Background())
	runner := jobs.NewRunner(svc, jobs.Intervals{
		Flush:      cfg.FlushInterval,
		Reap:       cfg.ReapInterval,
		NodeReload: cfg.NodeReloadInterval,
	}, logger)
	runner.Start(jobsCtx)

	srv := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      api.NewRouter(cfg, svc, logger),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 20 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		<-ctx.Done()
		shutdown(srv, cancelJobs, runner, svc, logger)
	}()

	logger.Info("aegis-broker listening", "addr", cfg.ListenAddr, "store", cfg.StoreDriver, "zombie_timeout", cfg.ZombieTimeout)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatalf("http server: %v", err)
	}
	<-done
}

type drainer interface {
	Drain(ctx context.Context) error
}

// shutdown stops intake first, then the periodic jobs, then commits whatever
// traffic is still buffered.
func shutdown(srv *http.Server, cancelJobs context.CancelFunc, runner *jobs.Runner, d drainer, logger *slog.Logger) {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown", "err", err)
	}
	cancelJobs()
	runner.Wait()

	drainCtx, cancelDrain := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelDrain()
	if err := d.Drain(drainCtx); err != nil {
		logger.Error("final traffic flush failed", "err", err)
		return
	}
	logger.Info("aegis-broker stopped")
}

func openStore(ctx context.Context, cfg config.Config) (broker.Store, func(), error) {
	switch cfg.StoreDriver {
	case "postgres":
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("connect db: %w", err)
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("ping db: %w", err)
		}
		st := store.New(pool)
		if err := st.Migrate(ctx); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("migrate: %w", err)
		}
		return st, pool.Close, nil
	case "sqlite":
		st, err := sqlite.Open(cfg.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		if err := st.Migrate(ctx); err != nil {
			_ = st.Close()
			return nil, nil, fmt.Errorf("migrate: %w", err)
		}
		return st, func() { _ = st.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
	}
}

func buildNodeSource(cfg config.Config, logger *slog.Logger) (relay.Source, error) {
	switch cfg.NodeSource {
	case "static":
		return relay.NewStaticSource(cfg.StaticNodes), nil
	case "file":
		return relay.NewFileSource(cfg.NodesFile), nil
	case "ec2":
		return relay.NewEC2Source(relay.EC2SourceOptions{
			Regions:  cfg.EC2Regions,
			TagKey:   cfg.EC2TagKey,
			TagValue: cfg.EC2TagValue,
			Logger:   logger,
		})
	default:
		return nil, fmt.Errorf("unknown node source %q", cfg.NodeSource)
	}
}

func mintToken(cfg config.Config, args []string) (string, error) {
	if len(args) == 0 {
		return "", errors.New("usage: broker token <operator> [ttl]")
	}
	ttl := 24 * time.Hour
	if len(args) > 1 {
		d, err := time.ParseDuration(args[1])
		if err != nil || d <= 0 {
			return "", fmt.Errorf("invalid ttl %q", args[1])
		}
		ttl = d
	}
	return auth.IssueToken(cfg.JWTSecret, args[0], ttl)
}
