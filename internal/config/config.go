package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	ListenAddr         string
	StoreDriver        string
	SQLitePath         string
	DatabaseURL        string
	JWTSecret          string
	RelaySharedKey     string
	NodeSource         string
	NodesFile          string
	StaticNodes        map[string]string
	EC2Regions         []string
	EC2TagKey          string
	EC2TagValue        string
	StatusCacheTTL     time.Duration
	FlushInterval      time.Duration
	ReapInterval       time.Duration
	ZombieTimeout      time.Duration
	NodeReloadInterval time.Duration
	StoreTimeout       time.Duration
	LogLevel           string
}

func LoadFromEnv() (Config, error) {
	cfg := Config{
		ListenAddr:         envOrDefault("AEGIS_LISTEN_ADDR", ":8080"),
		StoreDriver:        strings.ToLower(envOrDefault("AEGIS_STORE_DRIVER", "sqlite")),
		SQLitePath:         envOrDefault("AEGIS_SQLITE_PATH", "./data/broker.db"),
		DatabaseURL:        os.Getenv("AEGIS_DATABASE_URL"),
		JWTSecret:          os.Getenv("AEGIS_JWT_SECRET"),
		RelaySharedKey:     os.Getenv("AEGIS_RELAY_SHARED_KEY"),
		NodeSource:         strings.ToLower(envOrDefault("AEGIS_NODE_SOURCE", "file")),
		NodesFile:          envOrDefault("AEGIS_NODES_FILE", "./nodes.yaml"),
		StaticNodes:        parseKVMap(os.Getenv("AEGIS_STATIC_NODES")),
		EC2Regions:         splitCSV(envOrDefault("AEGIS_EC2_REGIONS", "us-east-1")),
		EC2TagKey:          envOrDefault("AEGIS_EC2_TAG_KEY", "ManagedBy"),
		EC2TagValue:        envOrDefault("AEGIS_EC2_TAG_VALUE", "aegis-relay"),
		StatusCacheTTL:     envDurationOrDefault("AEGIS_STATUS_CACHE_TTL", 3*time.Second),
		FlushInterval:      envDurationOrDefault("AEGIS_FLUSH_INTERVAL", 5*time.Second),
		ReapInterval:       envDurationOrDefault("AEGIS_REAP_INTERVAL", 3*time.Second),
		ZombieTimeout:      envDurationOrDefault("AEGIS_ZOMBIE_TIMEOUT", 10*time.Second),
		NodeReloadInterval: envDurationOrDefault("AEGIS_NODE_RELOAD_INTERVAL", 30*time.Second),
		StoreTimeout:       envDurationOrDefault("AEGIS_STORE_TIMEOUT", 2*time.Second),
		LogLevel:           strings.ToLower(envOrDefault("AEGIS_LOG_LEVEL", "info")),
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (cfg Config) Validate() error {
	switch cfg.StoreDriver {
	case "sqlite":
		if cfg.SQLitePath == "" {
			return fmt.Errorf("AEGIS_SQLITE_PATH is required for sqlite store")
		}
	case "postgres":
		if cfg.DatabaseURL == "" {
			return fmt.Errorf("AEGIS_DATABASE_URL is required for postgres store")
		}
	default:
		return fmt.Errorf("AEGIS_STORE_DRIVER must be one of sqlite|postgres")
	}
	if cfg.JWTSecret == "" {
		return fmt.Errorf("AEGIS_JWT_SECRET is required")
	}
	if cfg.RelaySharedKey == "" {
		return fmt.Errorf("AEGIS_RELAY_SHARED_KEY is required")
	}
	switch cfg.NodeSource {
	case "file":
		if cfg.NodesFile == "" {
			return fmt.Errorf("AEGIS_NODES_FILE is required for file node source")
		}
	case "static":
		if len(cfg.StaticNodes) == 0 {
			return fmt.Errorf("AEGIS_STATIC_NODES is required for static node source")
		}
	case "ec2":
		if len(cfg.EC2Regions) == 0 {
			return fmt.Errorf("AEGIS_EC2_REGIONS is required for ec2 node source")
		}
	default:
		return fmt.Errorf("AEGIS_NODE_SOURCE must be one of file|static|ec2")
	}
	if cfg.ZombieTimeout <= cfg.ReapInterval {
		return fmt.Errorf("AEGIS_ZOMBIE_TIMEOUT (%s) must exceed AEGIS_REAP_INTERVAL (%s)", cfg.ZombieTimeout, cfg.ReapInterval)
	}
	return nil
}

func envOrDefault(k, v string) string {
	if raw := os.Getenv(k); raw != "" {
		return raw
	}
	return v
}

// envDurationOrDefault accepts Go durations ("3s") or bare seconds ("3").
func envDurationOrDefault(k string, d time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(k))
	if raw == "" {
		return d
	}
	if v, err := time.ParseDuration(raw); err == nil && v > 0 {
		return v
	}
	if n, err := strconv.Atoi(raw); err == nil && n > 0 {
		return time.Duration(n) * time.Second
	}
	return d
}

func splitCSV(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		s := strings.TrimSpace(p)
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}

func parseKVMap(v string) map[string]string {
	out := make(map[string]string)
	if strings.TrimSpace(v) == "" {
		return out
	}
	pairs := strings.Split(v, ",")
	for _, p := range pairs {
		parts := strings.SplitN(strings.TrimSpace(p), "=", 2)
		if len(parts) != 2 {
			continue
		}
		k := strings.TrimSpace(parts[0])
		val := strings.TrimSpace(parts[1])
		if k != "" && val != "" {
			out[k] = val
		}
	}
	return out
}
