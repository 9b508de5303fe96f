package source

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	jsoniter "github.com/json-iterator/go"

	"github.com/grafana/tuplestream/pkg/tuple"
)

// decodeAPI keeps integers exact by decoding numbers as json.Number.
var decodeAPI = jsoniter.Config{UseNumber: true}.Froze()

type HTTPConfig struct {
	Handler               string        `yaml:"handler"`
	ResponseHeaderTimeout time.Duration `yaml:"response_header_timeout"`
	BufferSize            int           `yaml:"buffer_size"`
}

func (cfg *HTTPConfig) RegisterFlagsWithPrefix(prefix string, f *flag.FlagSet) {
	f.StringVar(&cfg.Handler, prefix+".handler", "/select", "Request handler path appended to each replica address.")
	f.DurationVar(&cfg.ResponseHeaderTimeout, prefix+".response-header-timeout", 30*time.Second, "How long to wait for a replica to start responding.")
	f.IntVar(&cfg.BufferSize, prefix+".buffer-size", 4096, "Read buffer size used while decoding streamed rows.")
}

// HTTPClient queries replicas over HTTP. Responses are expected in the form
// {"response":{"docs":[...]}} and are decoded one row at a time, so a large
// result never has to fit in memory.
type HTTPClient struct {
	cfg    HTTPConfig
	client *http.Client
	logger log.Logger
}

func NewHTTPClient(cfg HTTPConfig, logger log.Logger) *HTTPClient {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	if cfg.Handler == "" {
		cfg.Handler = "/select"
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 4096
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.ResponseHeaderTimeout = cfg.ResponseHeaderTimeout
	return &HTTPClient{
		cfg:    cfg,
		client: &http.Client{Transport: transport},
		logger: logger,
	}
}

func (c *HTTPClient) Query(ctx context.Context, addr string, params url.Values) (Rows, error) {
	q := CloneParams(params)
	q.Set(ParamFormat, "json")
	target := strings.TrimSuffix(addr, "/") + c.cfg.Handler + "?" + q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("build request for %s: %w", addr, err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", addr, err)
	}
	if resp.StatusCode/100 != 2 {
		defer resp.Body.Close()
		return nil, readRemoteError(addr, resp)
	}

	level.Debug(c.logger).Log("msg", "opened replica", "addr", addr, "params", q.Encode())

	rows := &httpRows{
		addr: addr,
		body: resp.Body,
		it:   jsoniter.Parse(decodeAPI, resp.Body, c.cfg.BufferSize),
	}
	found, err := rows.seekDocs()
	if err != nil {
		_ = resp.Body.Close()
		return nil, err
	}
	rows.done = !found
	return rows, nil
}

func readRemoteError(addr string, resp *http.Response) error {
	buf, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	var payload struct {
		Error struct {
			Msg  string `json:"msg"`
			Code int    `json:"code"`
		} `json:"error"`
	}
	msg := strings.TrimSpace(string(buf))
	if err := decodeAPI.Unmarshal(buf, &payload); err == nil && payload.Error.Msg != "" {
		msg = payload.Error.Msg
	}
	if msg == "" {
		msg = http.StatusText(resp.StatusCode)
	}
	return &RemoteError{Addr: addr, Code: resp.StatusCode, Msg: msg}
}

type httpRows struct {
	addr string
	body io.ReadCloser
	it   *jsoniter.Iterator

	cur  *tuple.Tuple
	err  error
	done bool
}

// seekDocs positions the iterator at the docs array. It reports false when
// the body ends without one.
func (r *httpRows) seekDocs() (bool, error) {
	for field := r.it.ReadObject(); field != ""; field = r.it.ReadObject() {
		switch field {
		case "error":
			return false, r.decodeError()
		case "response":
			for inner := r.it.ReadObject(); inner != ""; inner = r.it.ReadObject() {
				if inner == "docs" {
					return true, nil
				}
				r.it.Skip()
			}
		default:
			r.it.Skip()
		}
	}
	if r.it.Error != nil && r.it.Error != io.EOF {
		return false, fmt.Errorf("decode response from %s: %w", r.addr, r.it.Error)
	}
	return false, nil
}

func (r *httpRows) decodeError() error {
	var e struct {
		Msg  string `json:"msg"`
		Code int    `json:"code"`
	}
	r.it.ReadVal(&e)
	if r.it.Error != nil && r.it.Error != io.EOF {
		return fmt.Errorf("decode error payload from %s: %w", r.addr, r.it.Error)
	}
	return &RemoteError{Addr: r.addr, Code: e.Code, Msg: e.Msg}
}

func (r *httpRows) Next() bool {
	if r.done {
		return false
	}
	if !r.it.ReadArray() {
		r.done = true
		if r.it.Error != nil {
			r.err = fmt.Errorf("read rows from %s: %w", r.addr, r.it.Error)
		}
		return false
	}

	var doc map[string]any
	r.it.ReadVal(&doc)
	if r.it.Error != nil {
		r.done = true
		r.err = fmt.Errorf("read rows from %s: %w", r.addr, r.it.Error)
		return false
	}
	t, err := tuple.FromMap(doc)
	if err != nil {
		r.done = true
		r.err = fmt.Errorf("decode row from %s: %w", r.addr, err)
		return false
	}
	if t.EOF {
		r.done = true
		return false
	}
	r.cur = t
	return true
}

func (r *httpRows) At() *tuple.Tuple { return r.cur }
func (r *httpRows) Err() error       { return r.err }

func (r *httpRows) Close() error {
	r.done = true
	return r.body.Close()
}
