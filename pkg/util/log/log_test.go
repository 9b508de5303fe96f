package log

import (
	"bytes"
	"flag"
	"strings"
	"testing"

	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func config(t *testing.T, lvl, format string) Config {
	t.Helper()
	var cfg Config
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	cfg.RegisterFlags(fs)
	require.NoError(t, fs.Parse([]string{"-log.level=" + lvl, "-log.format=" + format}))
	require.NoError(t, cfg.Validate())
	return cfg
}

func TestNewLoggerFiltersByLevel(t *testing.T) {
	testCases := []struct {
		testName      string
		level         string
		expectedLines int
	}{
		{"Debug", "debug", 4},
		{"Info", "info", 3},
		{"Warn", "warn", 2},
		{"Error", "error", 1},
	}

	for _, testCase := range testCases {
		t.Run(testCase.testName, func(t *testing.T) {
			var buf bytes.Buffer
			reg := prometheus.NewRegistry()
			logger := NewLogger(&buf, config(t, testCase.level, FormatLogfmt), reg)

			level.Debug(logger).Log("msg", "debug")
			level.Info(logger).Log("msg", "info")
			level.Warn(logger).Log("msg", "warn")
			level.Error(logger).Log("msg", "error")

			lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
			assert.Len(t, lines, testCase.expectedLines)
			assert.Contains(t, lines[len(lines)-1], "level=error")
			assert.Contains(t, lines[len(lines)-1], "caller=")
		})
	}
}

func TestNewLoggerCountsLevels(t *testing.T) {
	var buf bytes.Buffer
	reg := prometheus.NewRegistry()
	logger := NewLogger(&buf, config(t, "info", FormatJSON), reg)

	level.Info(logger).Log("msg", "one")
	level.Info(logger).Log("msg", "two")
	level.Error(logger).Log("msg", "three")
	level.Debug(logger).Log("msg", "dropped")

	require.Equal(t, 3, strings.Count(buf.String(), "\n"))
	require.Contains(t, buf.String(), `"msg":"one"`)
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(`
# HELP tuplestream_log_messages_total Total number of log messages by level.
# TYPE tuplestream_log_messages_total counter
tuplestream_log_messages_total{level="error"} 1
tuplestream_log_messages_total{level="info"} 2
`), "tuplestream_log_messages_total"))
}

func TestConfigValidate(t *testing.T) {
	cfg := Config{Format: "xml"}
	require.Error(t, cfg.Validate())

	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	cfg.RegisterFlags(fs)
	require.Error(t, fs.Parse([]string{"-log.level=loud"}))
}
