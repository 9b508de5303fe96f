// Package flagext holds flag.Value implementations not covered by dskit.
package flagext

import (
	"strings"
)

// ConfigFiles collects the values of a repeatable -config.file flag. Each
// value may itself be a comma separated list; files are applied in order.
type ConfigFiles []string

func (c *ConfigFiles) String() string {
	if c == nil {
		return ""
	}
	return strings.Join(*c, ",")
}

func (c *ConfigFiles) Set(value string) error {
	for _, p := range strings.Split(value, ",") {
		if p = strings.TrimSpace(p); p != "" {
			*c = append(*c, p)
		}
	}
	return nil
}
