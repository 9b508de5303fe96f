package cluster

import (
	"context"
	"flag"
	"fmt"
	"os"

	"gopkg.in/yaml.v2"
)

type StaticConfig struct {
	File string `yaml:"file"`
}

func (cfg *StaticConfig) RegisterFlagsWithPrefix(prefix string, f *flag.FlagSet) {
	f.StringVar(&cfg.File, prefix+".file", "", "YAML file listing the partitions and replicas of each collection.")
}

// Static is a fixed directory, typically loaded from YAML:
//
//	collections:
//	  logs:
//	    - name: shard1
//	      replicas: [http://a:8983/logs, http://b:8983/logs]
type Static struct {
	Collections map[string][]Partition `yaml:"collections"`
}

// LoadStatic reads a static directory from path.
func LoadStatic(path string) (*Static, error) {
	if path == "" {
		return nil, fmt.Errorf("static directory requires a file")
	}
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read static directory: %w", err)
	}
	return ParseStatic(buf)
}

func ParseStatic(buf []byte) (*Static, error) {
	var s Static
	if err := yaml.UnmarshalStrict(buf, &s); err != nil {
		return nil, fmt.Errorf("parse static directory: %w", err)
	}
	return &s, nil
}

func (s *Static) Partitions(_ context.Context, collection string) ([]Partition, error) {
	parts, ok := s.Collections[collection]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrCollectionNotFound, collection)
	}
	return normalize(parts), nil
}
