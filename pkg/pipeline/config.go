package pipeline

import (
	"errors"
	"flag"
	"fmt"
	"time"

	"github.com/grafana/dskit/flagext"

	"github.com/grafana/tuplestream/pkg/cfg"
	"github.com/grafana/tuplestream/pkg/cluster"
	"github.com/grafana/tuplestream/pkg/index"
	"github.com/grafana/tuplestream/pkg/metric"
	"github.com/grafana/tuplestream/pkg/source"
	"github.com/grafana/tuplestream/pkg/tuple"
	util_flagext "github.com/grafana/tuplestream/pkg/util/flagext"
	util_log "github.com/grafana/tuplestream/pkg/util/log"
)

// Config is the root configuration of the tuplestream binary.
type Config struct {
	ConfigFile  util_flagext.ConfigFiles `yaml:"-"`
	ExpandEnv   bool                     `yaml:"-"`
	PrintConfig bool                     `yaml:"-"`

	Log       util_log.Config `yaml:"log"`
	Directory cluster.Config  `yaml:"directory"`
	Source    source.Config   `yaml:"source"`
	Index     index.Config    `yaml:"index"`
	Query     QueryConfig     `yaml:"query"`
}

func (c *Config) RegisterFlags(f *flag.FlagSet) {
	f.Var(&c.ConfigFile, cfg.ConfigFileFlag, "YAML files to load, applied in order. May be repeated or comma separated.")
	f.BoolVar(&c.ExpandEnv, cfg.ExpandEnvFlag, false, "Expands ${var} or $var in config files according to the values of the environment variables.")
	f.BoolVar(&c.PrintConfig, "print-config-stderr", false, "Print the effective config to stderr before running.")

	c.Log.RegisterFlags(f)
	c.Directory.RegisterFlagsWithPrefix("directory", f)
	c.Source.RegisterFlagsWithPrefix("source", f)
	c.Index.RegisterFlagsWithPrefix("index", f)
	c.Query.RegisterFlagsWithPrefix("query", f)
}

// Validate checks the parts of the configuration that are used. The index
// is only checked when the query writes documents back.
func (c *Config) Validate() error {
	if err := c.Log.Validate(); err != nil {
		return fmt.Errorf("invalid log config: %w", err)
	}
	if err := c.Directory.Validate(); err != nil {
		return fmt.Errorf("invalid directory config: %w", err)
	}
	if err := c.Source.Validate(); err != nil {
		return fmt.Errorf("invalid source config: %w", err)
	}
	if c.Query.BatchSize > 0 {
		if err := c.Index.Validate(); err != nil {
			return fmt.Errorf("invalid index config: %w", err)
		}
	}
	if err := c.Query.Validate(); err != nil {
		return fmt.Errorf("invalid query config: %w", err)
	}
	return nil
}

// QueryConfig describes one pipeline: which rows to read and in which order,
// how to split the work, what to aggregate and where to write.
type QueryConfig struct {
	Collection string                 `yaml:"collection"`
	Query      string                 `yaml:"q"`
	Filters    flagext.StringSliceCSV `yaml:"fq"`
	Fields     string                 `yaml:"fl"`
	Sort       string                 `yaml:"sort"`

	OpenConcurrency int           `yaml:"open_concurrency"`
	Timeout         time.Duration `yaml:"timeout"`

	Workers       int                    `yaml:"workers"`
	PartitionKeys flagext.StringSliceCSV `yaml:"partition_keys"`

	Buckets     flagext.StringSliceCSV `yaml:"buckets"`
	Metrics     util_flagext.CallList  `yaml:"metrics"`
	OutputField string                 `yaml:"output_field"`
	Summary     bool                   `yaml:"summary"`

	BatchSize int `yaml:"batch_size"`
	QueueSize int `yaml:"queue_size"`
}

func (cfg *QueryConfig) RegisterFlagsWithPrefix(prefix string, f *flag.FlagSet) {
	f.StringVar(&cfg.Collection, prefix+".collection", "", "Collection to read.")
	f.StringVar(&cfg.Query, prefix+".q", "*:*", "Query sent to every replica.")
	f.Var(&cfg.Filters, prefix+".fq", "Comma separated filter queries sent to every replica.")
	f.StringVar(&cfg.Fields, prefix+".fl", "", "Comma separated fields returned by every replica. Empty returns all fields.")
	f.StringVar(&cfg.Sort, prefix+".sort", "", `Order of the merged rows, e.g. "ts desc,id asc". Replicas are asked to sort the same way.`)
	f.IntVar(&cfg.OpenConcurrency, prefix+".open-concurrency", 0, "Maximum number of replicas opened at once. 0 opens all partitions at once.")
	f.DurationVar(&cfg.Timeout, prefix+".timeout", 0, "Upper bound for the whole pipeline run. 0 disables the timeout.")
	f.IntVar(&cfg.Workers, prefix+".workers", 0, "Number of workers the rows are hash partitioned across. 0 disables partitioning.")
	f.Var(&cfg.PartitionKeys, prefix+".partition-keys", "Comma separated fields whose values pick a row's worker.")
	f.Var(&cfg.Buckets, prefix+".buckets", "Comma separated fields to group rows by. Empty aggregates all rows into one bucket.")
	f.Var(&cfg.Metrics, prefix+".metrics", "Comma separated metrics to compute per bucket, e.g. count,sum(bytes,int),mean(latency).")
	f.StringVar(&cfg.OutputField, prefix+".output-field", "buckets", "Field of the end tuple that receives the aggregated buckets.")
	f.BoolVar(&cfg.Summary, prefix+".summary", false, "Only emit the aggregate as a single row instead of every input row.")
	f.IntVar(&cfg.BatchSize, prefix+".batch-size", 0, "Write rows back to the index in batches of this size. 0 disables writing.")
	f.IntVar(&cfg.QueueSize, prefix+".queue-size", 0, "Batches that may wait for the index writer before reading blocks. 0 uses the default.")
}

func (cfg *QueryConfig) Validate() error {
	if cfg.Collection == "" {
		return errors.New("collection is required")
	}
	if _, err := tuple.ParseComparator(cfg.Sort); cfg.Sort != "" && err != nil {
		return fmt.Errorf("invalid sort: %w", err)
	}
	if cfg.Workers < 0 {
		return errors.New("workers must not be negative")
	}
	if cfg.Workers > 0 && len(cfg.PartitionKeys) == 0 {
		return errors.New("partition keys are required when workers are set")
	}
	if _, err := metric.ParseAll(cfg.Metrics); err != nil {
		return fmt.Errorf("invalid metrics: %w", err)
	}
	if len(cfg.Metrics) > 0 && cfg.OutputField == "" {
		return errors.New("output field is required when metrics are set")
	}
	if cfg.Summary && len(cfg.Metrics) == 0 {
		return errors.New("summary requires at least one metric")
	}
	if len(cfg.Buckets) > 0 && len(cfg.Metrics) == 0 {
		return errors.New("buckets require at least one metric")
	}
	if cfg.BatchSize < 0 || cfg.QueueSize < 0 {
		return errors.New("batch and queue size must not be negative")
	}
	return nil
}
