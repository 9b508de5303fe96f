// Package cfg fills a configuration struct from flag defaults, YAML files and
// command line flags, in that order.
package cfg

import (
	"flag"

	"github.com/grafana/dskit/flagext"
	"github.com/pkg/errors"
)

// Source is a generic configuration source. This function may do whatever is
// required to obtain the configuration. It is passed a pointer to the
// destination, which will be something compatible to `yaml.Unmarshal`. The
// obtained configuration may be written to this object, it may also contain
// data from previous sources.
type Source func(interface{}) error

// Unmarshal merges the values of the various configuration sources and sets them on
// `dst`. The object must be compatible with `yaml.Unmarshal`.
func Unmarshal(dst interface{}, sources ...Source) error {
	if len(sources) == 0 {
		panic("No sources supplied to cfg.Unmarshal(). This is most likely a programming issue and should never happen. Check the code!")
	}
	for _, source := range sources {
		if err := source(dst); err != nil {
			return errors.Wrap(err, "sourcing")
		}
	}
	return nil
}

// ConfigFileFlag names the flag listing the YAML files to load.
const ConfigFileFlag = "config.file"

// Parse registers the flags of dst on fs, overlays the YAML files named by
// -config.file in args and finally applies the flags given in args, so a flag
// on the command line always wins over the file.
func Parse(dst flagext.Registerer, args []string, fs *flag.FlagSet) error {
	return Unmarshal(dst,
		Defaults(fs),
		ConfigFileLoader(args, ConfigFileFlag),
		Flags(args, fs),
	)
}
