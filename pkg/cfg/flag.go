package cfg

import (
	"flag"

	"github.com/grafana/dskit/flagext"
	"github.com/pkg/errors"
)

// Defaults registers the flags of dst on fs. Registering a flag stores its
// default in the bound field, so afterwards dst holds every default.
func Defaults(fs *flag.FlagSet) Source {
	return func(dst interface{}) error {
		r, ok := dst.(flagext.Registerer)
		if !ok {
			return errors.New("dst does not satisfy flagext.Registerer")
		}
		r.RegisterFlags(fs)
		return nil
	}
}

// Flags parses args with fs. Only flags present in args change dst, so values
// loaded by earlier sources survive unless overridden explicitly.
func Flags(args []string, fs *flag.FlagSet) Source {
	return func(interface{}) error {
		return fs.Parse(args)
	}
}
