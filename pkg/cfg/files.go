package cfg

import (
	"flag"
	"io"
	"os"
	"reflect"
	"strings"

	"github.com/drone/envsubst"
	"github.com/grafana/dskit/flagext"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v2"
)

// ExpandEnvFlag turns on ${VAR} and ${VAR:-default} expansion in config files when the
// configuration registers it.
const ExpandEnvFlag = "config.expand-env"

// YAML overlays the file at path onto dst. Unknown keys are rejected.
func YAML(path string, expandEnv bool) Source {
	return func(dst interface{}) error {
		buf, err := os.ReadFile(path)
		if err != nil {
			return errors.Wrap(err, "Error reading config file")
		}
		if expandEnv {
			s, err := envsubst.EvalEnv(string(buf))
			if err != nil {
				return errors.Wrapf(err, "expanding env in %s", path)
			}
			buf = []byte(s)
		}
		return dYAML(buf)(dst)
	}
}

// dYAML returns a YAML source and allows dependency injection
func dYAML(y []byte) Source {
	return func(dst interface{}) error {
		return yaml.UnmarshalStrict(y, dst)
	}
}

// ConfigFileLoader looks up the files listed by the flag name in args and
// applies them in order. The flags are parsed on a fresh instance of dst's
// type so the values in dst are left alone.
func ConfigFileLoader(args []string, name string) Source {
	return func(dst interface{}) error {
		v := reflect.ValueOf(dst)
		if v.Kind() != reflect.Ptr {
			return errors.New("dst not a pointer")
		}
		fresh, ok := reflect.New(v.Elem().Type()).Interface().(flagext.Registerer)
		if !ok {
			return errors.New("dst does not satisfy flagext.Registerer")
		}

		fs := flag.NewFlagSet("config-file-loader", flag.ContinueOnError)
		fs.SetOutput(io.Discard)
		fs.Usage = func() {}
		fresh.RegisterFlags(fs)
		if err := fs.Parse(args); err != nil {
			return err
		}

		f := fs.Lookup(name)
		if f == nil || f.Value.String() == "" {
			return nil
		}
		expand := false
		if e := fs.Lookup(ExpandEnvFlag); e != nil {
			expand = e.Value.String() == "true"
		}
		for _, path := range strings.Split(f.Value.String(), ",") {
			if err := YAML(path, expand)(dst); err != nil {
				return errors.Wrapf(err, "loading %s", path)
			}
		}
		return nil
	}
}
