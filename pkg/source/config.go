package source

import (
	"errors"
	"flag"
	"fmt"

	"github.com/go-kit/log"
)

const (
	BackendHTTP   = "http"
	BackendMemory = "memory"
)

type Config struct {
	Backend string     `yaml:"backend"`
	HTTP    HTTPConfig `yaml:"http"`
	// Fixtures seeds the memory backend from a JSON file mapping replica
	// addresses to rows.
	Fixtures string `yaml:"fixtures"`
}

func (cfg *Config) RegisterFlagsWithPrefix(prefix string, f *flag.FlagSet) {
	f.StringVar(&cfg.Backend, prefix+".backend", BackendHTTP, "How replicas are queried. Supported values: http, memory.")
	f.StringVar(&cfg.Fixtures, prefix+".fixtures", "", "JSON file with the rows served by the memory backend.")
	cfg.HTTP.RegisterFlagsWithPrefix(prefix+".http", f)
}

func (cfg *Config) Validate() error {
	switch cfg.Backend {
	case BackendHTTP:
	case BackendMemory:
		if cfg.Fixtures == "" {
			return errors.New("memory source requires a fixtures file")
		}
	default:
		return fmt.Errorf("unsupported source backend %q", cfg.Backend)
	}
	return nil
}

// New builds the configured client.
func New(cfg Config, logger log.Logger) (Client, error) {
	switch cfg.Backend {
	case BackendHTTP:
		return NewHTTPClient(cfg.HTTP, logger), nil
	case BackendMemory:
		m := NewMemory()
		if err := m.LoadFixtures(cfg.Fixtures); err != nil {
			return nil, err
		}
		return m, nil
	default:
		return nil, fmt.Errorf("unsupported source backend %q", cfg.Backend)
	}
}
