package cluster

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"path"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/instrument"
	"github.com/hashicorp/consul/api"
	jsoniter "github.com/json-iterator/go"
)

type ConsulConfig struct {
	Address         string        `yaml:"address"`
	ACLToken        string        `yaml:"acl_token"`
	Prefix          string        `yaml:"prefix"`
	Timeout         time.Duration `yaml:"timeout"`
	ConsistentReads bool          `yaml:"consistent_reads"`
}

func (cfg *ConsulConfig) RegisterFlagsWithPrefix(prefix string, f *flag.FlagSet) {
	f.StringVar(&cfg.Address, prefix+".address", "localhost:8500", "Hostname and port of Consul.")
	f.StringVar(&cfg.ACLToken, prefix+".acl-token", "", "ACL token used to read collection keys.")
	f.StringVar(&cfg.Prefix, prefix+".prefix", "tuplestream/collections", "Key prefix under which each collection's partitions are stored as JSON.")
	f.DurationVar(&cfg.Timeout, prefix+".timeout", 10*time.Second, "HTTP timeout when talking to Consul.")
	f.BoolVar(&cfg.ConsistentReads, prefix+".consistent-reads", false, "Require consistent reads instead of allowing stale ones.")
}

// ConsulDirectory reads a collection's partitions from the Consul KV key
// <prefix>/<collection>, whose value is a JSON array of partitions.
type ConsulDirectory struct {
	cfg     ConsulConfig
	kv      *api.KV
	metrics *metrics
	logger  log.Logger
}

func NewConsulDirectory(cfg ConsulConfig, m *metrics, logger log.Logger) (*ConsulDirectory, error) {
	client, err := api.NewClient(&api.Config{
		Address: cfg.Address,
		Token:   cfg.ACLToken,
		HttpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("create consul client: %w", err)
	}
	if m == nil {
		m = newMetrics(nil)
	}
	return &ConsulDirectory{
		cfg:     cfg,
		kv:      client.KV(),
		metrics: m,
		logger:  log.With(logger, "directory", "consul"),
	}, nil
}

func (d *ConsulDirectory) Partitions(ctx context.Context, collection string) ([]Partition, error) {
	key := path.Join(d.cfg.Prefix, collection)
	options := &api.QueryOptions{
		AllowStale:        !d.cfg.ConsistentReads,
		RequireConsistent: d.cfg.ConsistentReads,
	}

	var pair *api.KVPair
	err := instrument.CollectedRequest(ctx, "consul.Get", d.metrics.requestDuration, instrument.ErrorCode, func(ctx context.Context) error {
		var err error
		pair, _, err = d.kv.Get(key, options.WithContext(ctx))
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("read consul key %s: %w", key, err)
	}
	if pair == nil {
		return nil, fmt.Errorf("%w: %s", ErrCollectionNotFound, collection)
	}

	var parts []Partition
	if err := jsoniter.ConfigCompatibleWithStandardLibrary.Unmarshal(pair.Value, &parts); err != nil {
		return nil, fmt.Errorf("decode consul key %s: %w", key, err)
	}
	level.Debug(d.logger).Log("msg", "resolved collection", "collection", collection, "partitions", len(parts))
	return normalize(parts), nil
}
