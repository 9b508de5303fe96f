package cluster

import (
	"context"
	"flag"
	"fmt"
	"strings"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/instrument"
	"github.com/redis/go-redis/v9"
)

type RedisConfig struct {
	Address  string        `yaml:"address"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	Prefix   string        `yaml:"prefix"`
	Timeout  time.Duration `yaml:"timeout"`
}

func (cfg *RedisConfig) RegisterFlagsWithPrefix(prefix string, f *flag.FlagSet) {
	f.StringVar(&cfg.Address, prefix+".address", "localhost:6379", "Redis address.")
	f.StringVar(&cfg.Password, prefix+".password", "", "Redis password.")
	f.IntVar(&cfg.DB, prefix+".db", 0, "Redis database index.")
	f.StringVar(&cfg.Prefix, prefix+".prefix", "tuplestream:collection:", "Prefix of the hash key holding a collection's partitions.")
	f.DurationVar(&cfg.Timeout, prefix+".timeout", 5*time.Second, "Read timeout for Redis commands.")
}

// RedisDirectory reads a collection from the hash <prefix><collection>. Each
// hash field is a partition name and its value a comma separated list of
// replica addresses.
type RedisDirectory struct {
	cfg     RedisConfig
	client  *redis.Client
	metrics *metrics
	logger  log.Logger
}

func NewRedisDirectory(cfg RedisConfig, m *metrics, logger log.Logger) *RedisDirectory {
	if m == nil {
		m = newMetrics(nil)
	}
	return &RedisDirectory{
		cfg: cfg,
		client: redis.NewClient(&redis.Options{
			Addr:        cfg.Address,
			Password:    cfg.Password,
			DB:          cfg.DB,
			ReadTimeout: cfg.Timeout,
		}),
		metrics: m,
		logger:  log.With(logger, "directory", "redis"),
	}
}

func (d *RedisDirectory) Partitions(ctx context.Context, collection string) ([]Partition, error) {
	key := d.cfg.Prefix + collection

	var fields map[string]string
	err := instrument.CollectedRequest(ctx, "redis.HGetAll", d.metrics.requestDuration, instrument.ErrorCode, func(ctx context.Context) error {
		var err error
		fields, err = d.client.HGetAll(ctx, key).Result()
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("read redis hash %s: %w", key, err)
	}
	if len(fields) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrCollectionNotFound, collection)
	}

	parts := make([]Partition, 0, len(fields))
	for name, replicas := range fields {
		p := Partition{Name: name}
		for _, r := range strings.Split(replicas, ",") {
			p.Replicas = append(p.Replicas, strings.TrimSpace(r))
		}
		parts = append(parts, p)
	}
	level.Debug(d.logger).Log("msg", "resolved collection", "collection", collection, "partitions", len(parts))
	return normalize(parts), nil
}

func (d *RedisDirectory) Close() error {
	return d.client.Close()
}
