package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/version"
	"gopkg.in/yaml.v2"

	"github.com/grafana/tuplestream/pkg/cfg"
	"github.com/grafana/tuplestream/pkg/pipeline"
	"github.com/grafana/tuplestream/pkg/tuple"
	util_log "github.com/grafana/tuplestream/pkg/util/log"
)

type config struct {
	pipeline.Config `yaml:",inline"`

	PrintVersion bool `yaml:"-"`
}

func (c *config) RegisterFlags(f *flag.FlagSet) {
	f.BoolVar(&c.PrintVersion, "version", false, "Print this build's version information.")
	c.Config.RegisterFlags(f)
}

func main() {
	var c config
	if err := cfg.Parse(&c, os.Args[1:], flag.CommandLine); err != nil {
		fmt.Fprintf(os.Stderr, "failed parsing config: %v\n", err)
		os.Exit(1)
	}
	if c.PrintVersion {
		fmt.Println(version.Print("tuplestream"))
		os.Exit(0)
	}

	logger := util_log.InitLogger(c.Log, prometheus.DefaultRegisterer)

	if err := c.Validate(); err != nil {
		level.Error(logger).Log("msg", "validating config", "err", err.Error())
		os.Exit(1)
	}

	if c.PrintConfig {
		out, err := yaml.Marshal(&c.Config)
		if err != nil {
			level.Error(logger).Log("msg", "failed to print config to stderr", "err", err.Error())
		} else {
			fmt.Fprintf(os.Stderr, "---\n# tuplestream config\n%s\n", out)
		}
	}

	p, err := pipeline.New(c.Config, prometheus.DefaultRegisterer, logger)
	util_log.CheckFatal("initialising pipeline", err)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	level.Info(logger).Log("msg", "starting pipeline", "collection", c.Query.Collection, "version", version.Info())

	w := bufio.NewWriter(os.Stdout)
	write := func(t *tuple.Tuple) error {
		b, err := t.MarshalJSON()
		if err != nil {
			return err
		}
		if _, err := w.Write(b); err != nil {
			return err
		}
		return w.WriteByte('\n')
	}

	eof, err := p.Run(ctx, write)
	if err == nil {
		err = write(eof)
	}
	if err == nil {
		err = w.Flush()
	}
	if cerr := p.Close(); err == nil {
		err = cerr
	}
	stop()
	util_log.CheckFatal("running pipeline", err)
}
