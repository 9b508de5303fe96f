// Package source queries one replica of a partition and returns its rows as a
// lazily decoded iterator of tuples.
package source

import (
	"context"
	"fmt"
	"net/url"

	iter "github.com/grafana/tuplestream/pkg/iter/v2"
	"github.com/grafana/tuplestream/pkg/tuple"
)

// Query parameters understood by every client.
const (
	ParamQuery   = "q"
	ParamFields  = "fl"
	ParamSort    = "sort"
	ParamFilter  = "fq"
	ParamDistrib = "distrib"
	ParamFormat  = "wt"
)

// Rows yields decoded rows until the remote result is exhausted. Err reports a
// failure that terminated iteration early. Close must always be called.
type Rows = iter.CloseableIterator[*tuple.Tuple]

// Client opens a query against a single replica address.
type Client interface {
	Query(ctx context.Context, addr string, params url.Values) (Rows, error)
}

// RemoteError is a failure reported by the remote side, either as a non-2xx
// status or as an error payload in the response body.
type RemoteError struct {
	Addr string
	Code int
	Msg  string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote %s returned %d: %s", e.Addr, e.Code, e.Msg)
}

// CloneParams deep copies params so callers can add to them safely.
func CloneParams(params url.Values) url.Values {
	out := make(url.Values, len(params))
	for k, vs := range params {
		out[k] = append([]string(nil), vs...)
	}
	return out
}
