// Package cluster resolves a logical collection into its partitions and the
// replica addresses serving each of them.
package cluster

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"sort"
	"time"

	"github.com/go-kit/log"
	"github.com/grafana/dskit/instrument"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var ErrCollectionNotFound = errors.New("collection not found")

// Partition is one disjoint slice of a collection. Replicas are
// interchangeable addresses serving the same data.
type Partition struct {
	Name     string   `yaml:"name" json:"name"`
	Replicas []string `yaml:"replicas" json:"replicas"`
}

// Directory looks up the current partitions of a collection.
type Directory interface {
	Partitions(ctx context.Context, collection string) ([]Partition, error)
}

const (
	BackendStatic = "static"
	BackendConsul = "consul"
	BackendRedis  = "redis"
)

type Config struct {
	Backend   string        `yaml:"backend"`
	Static    StaticConfig  `yaml:"static"`
	Consul    ConsulConfig  `yaml:"consul"`
	Redis     RedisConfig   `yaml:"redis"`
	CacheSize int           `yaml:"cache_size"`
	CacheTTL  time.Duration `yaml:"cache_ttl"`
}

func (cfg *Config) RegisterFlagsWithPrefix(prefix string, f *flag.FlagSet) {
	f.StringVar(&cfg.Backend, prefix+".backend", BackendStatic, "Directory backend to resolve collections with. Supported values: static, consul, redis.")
	f.IntVar(&cfg.CacheSize, prefix+".cache-size", 0, "Number of collections to cache lookups for. 0 disables the cache.")
	f.DurationVar(&cfg.CacheTTL, prefix+".cache-ttl", 30*time.Second, "How long a cached collection lookup stays valid.")
	cfg.Static.RegisterFlagsWithPrefix(prefix+".static", f)
	cfg.Consul.RegisterFlagsWithPrefix(prefix+".consul", f)
	cfg.Redis.RegisterFlagsWithPrefix(prefix+".redis", f)
}

func (cfg *Config) Validate() error {
	switch cfg.Backend {
	case BackendStatic, BackendConsul, BackendRedis:
	default:
		return fmt.Errorf("unsupported directory backend %q", cfg.Backend)
	}
	if cfg.CacheSize < 0 {
		return errors.New("directory cache size must not be negative")
	}
	if cfg.CacheSize > 0 && cfg.CacheTTL <= 0 {
		return errors.New("directory cache ttl must be positive when the cache is enabled")
	}
	return nil
}

// New builds the configured directory, wrapped in a cache when enabled.
func New(cfg Config, reg prometheus.Registerer, logger log.Logger) (Directory, error) {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	metrics := newMetrics(reg)

	var (
		dir Directory
		err error
	)
	switch cfg.Backend {
	case BackendStatic:
		dir, err = LoadStatic(cfg.Static.File)
	case BackendConsul:
		dir, err = NewConsulDirectory(cfg.Consul, metrics, logger)
	case BackendRedis:
		dir = NewRedisDirectory(cfg.Redis, metrics, logger)
	default:
		err = fmt.Errorf("unsupported directory backend %q", cfg.Backend)
	}
	if err != nil {
		return nil, err
	}

	if cfg.CacheSize > 0 {
		dir = NewCachingDirectory(dir, cfg.CacheSize, cfg.CacheTTL, metrics)
	}
	return dir, nil
}

type metrics struct {
	requestDuration *instrument.HistogramCollector
	cacheHits       prometheus.Counter
	cacheMisses     prometheus.Counter
}

func newMetrics(reg prometheus.Registerer) *metrics {
	return &metrics{
		requestDuration: instrument.NewHistogramCollector(promauto.With(reg).NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "tuplestream",
			Name:      "directory_request_duration_seconds",
			Help:      "Time spent resolving collections against a remote directory.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation", "status_code"})),
		cacheHits: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace: "tuplestream",
			Name:      "directory_cache_hits_total",
			Help:      "Collection lookups served from the directory cache.",
		}),
		cacheMisses: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace: "tuplestream",
			Name:      "directory_cache_misses_total",
			Help:      "Collection lookups that missed the directory cache.",
		}),
	}
}

// normalize sorts partitions by name and drops duplicate replicas so every
// backend returns the same shape.
func normalize(parts []Partition) []Partition {
	out := make([]Partition, 0, len(parts))
	for _, p := range parts {
		seen := make(map[string]struct{}, len(p.Replicas))
		replicas := make([]string, 0, len(p.Replicas))
		for _, r := range p.Replicas {
			if r == "" {
				continue
			}
			if _, ok := seen[r]; ok {
				continue
			}
			seen[r] = struct{}{}
			replicas = append(replicas, r)
		}
		out = append(out, Partition{Name: p.Name, Replicas: replicas})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
