package index

import (
	"bytes"
	"context"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	jsoniter "github.com/json-iterator/go"
)

type HTTPConfig struct {
	URL          string        `yaml:"url"`
	Handler      string        `yaml:"handler"`
	CommitWithin time.Duration `yaml:"commit_within"`
	Timeout      time.Duration `yaml:"timeout"`
}

func (cfg *HTTPConfig) RegisterFlagsWithPrefix(prefix string, f *flag.FlagSet) {
	f.StringVar(&cfg.URL, prefix+".url", "", "Base URL of the collection receiving documents.")
	f.StringVar(&cfg.Handler, prefix+".handler", "/update", "Update handler path appended to the URL.")
	f.DurationVar(&cfg.CommitWithin, prefix+".commit-within", 0, "Ask the store to commit each batch within this duration. 0 leaves commits to the store.")
	f.DurationVar(&cfg.Timeout, prefix+".timeout", 30*time.Second, "Timeout of one batch request.")
}

// HTTPClient posts each batch as a JSON array.
type HTTPClient struct {
	endpoint string
	client   *http.Client
	logger   log.Logger
}

func NewHTTPClient(cfg HTTPConfig, logger log.Logger) (*HTTPClient, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("index url is required")
	}
	if cfg.Handler == "" {
		cfg.Handler = "/update"
	}
	if logger == nil {
		logger = log.NewNopLogger()
	}

	q := url.Values{}
	q.Set("wt", "json")
	if cfg.CommitWithin > 0 {
		q.Set("commitWithin", strconv.FormatInt(cfg.CommitWithin.Milliseconds(), 10))
	}
	return &HTTPClient{
		endpoint: strings.TrimSuffix(cfg.URL, "/") + cfg.Handler + "?" + q.Encode(),
		client:   &http.Client{Timeout: cfg.Timeout},
		logger:   logger,
	}, nil
}

func (c *HTTPClient) Write(ctx context.Context, docs []Document) error {
	if len(docs) == 0 {
		return nil
	}
	body, err := jsoniter.ConfigCompatibleWithStandardLibrary.Marshal(docs)
	if err != nil {
		return fmt.Errorf("encode batch: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("post batch: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return fmt.Errorf("post batch: status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	level.Debug(c.logger).Log("msg", "wrote batch", "docs", len(docs), "size", humanize.Bytes(uint64(len(body))))
	return nil
}
