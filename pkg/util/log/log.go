// Package log owns the process wide logger.
package log

import (
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	dslog "github.com/grafana/dskit/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Logger is a shared go-kit logger. It discards everything until InitLogger
// is called.
var Logger = log.NewNopLogger()

const (
	FormatLogfmt = "logfmt"
	FormatJSON   = "json"
)

type Config struct {
	Level  dslog.Level `yaml:"level"`
	Format string      `yaml:"format"`
}

func (cfg *Config) RegisterFlags(f *flag.FlagSet) {
	cfg.Level.RegisterFlags(f)
	f.StringVar(&cfg.Format, "log.format", FormatLogfmt, "Output log messages in the given format. Valid formats: [logfmt, json]")
}

func (cfg *Config) Validate() error {
	switch cfg.Format {
	case FormatLogfmt, FormatJSON:
		return nil
	default:
		return fmt.Errorf("unsupported log format %q", cfg.Format)
	}
}

// InitLogger builds the process logger writing to stderr and stores it in
// Logger.
func InitLogger(cfg Config, reg prometheus.Registerer) log.Logger {
	Logger = NewLogger(os.Stderr, cfg, reg)
	return Logger
}

// NewLogger returns a logger writing to w that drops messages below the
// configured level and counts the rest by level.
func NewLogger(w io.Writer, cfg Config, reg prometheus.Registerer) log.Logger {
	var logger log.Logger
	if cfg.Format == FormatJSON {
		logger = log.NewJSONLogger(log.NewSyncWriter(w))
	} else {
		logger = log.NewLogfmtLogger(log.NewSyncWriter(w))
	}

	logger = &countingLogger{
		next: logger,
		lines: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Namespace: "tuplestream",
			Name:      "log_messages_total",
			Help:      "Total number of log messages by level.",
		}, []string{"level"}),
	}
	if cfg.Level.Option != nil {
		logger = level.NewFilter(logger, cfg.Level.Option)
	}
	return log.With(logger, "ts", log.DefaultTimestampUTC, "caller", log.Caller(3))
}

// countingLogger increments a counter for the level of every line it
// forwards.
type countingLogger struct {
	next  log.Logger
	lines *prometheus.CounterVec
}

func (l *countingLogger) Log(kv ...interface{}) error {
	lvl := "unknown"
	for i := 0; i+1 < len(kv); i += 2 {
		if kv[i] == level.Key() {
			if v, ok := kv[i+1].(level.Value); ok {
				lvl = v.String()
			}
			break
		}
	}
	l.lines.WithLabelValues(lvl).Inc()
	return l.next.Log(kv...)
}

// CheckFatal prints an error and exits with error code 1 if err is non-nil.
func CheckFatal(location string, err error) {
	if err == nil {
		return
	}
	level.Error(Logger).Log("msg", "error "+location, "err", err)
	os.Exit(1)
}
