package index

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/go-kit/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sony/gobreaker/v2"
	"github.com/stretchr/testify/require"
)

func docs(ids ...int) []Document {
	out := make([]Document, len(ids))
	for i, id := range ids {
		out[i] = Document{"id": id}
	}
	return out
}

func TestSQLClientWrite(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	c, err := NewSQLClient(db, "documents", "body", log.NewNopLogger())
	require.NoError(t, err)

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO `documents` (`body`) VALUES (?),(?)")).
		WithArgs(`{"id":1,"tags":["a","b"]}`, `{"id":2}`).
		WillReturnResult(sqlmock.NewResult(0, 2))
	require.NoError(t, c.Write(context.Background(), []Document{
		{"id": 1, "tags": []any{"a", "b"}},
		{"id": 2},
	}))

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO `documents` (`body`) VALUES (?)")).
		WithArgs(`{"id":3}`).
		WillReturnError(errors.New("table is full"))
	err = c.Write(context.Background(), docs(3))
	require.ErrorContains(t, err, "table is full")

	require.NoError(t, c.Write(context.Background(), nil))
	require.NoError(t, mock.ExpectationsWereMet())

	_, err = NewSQLClient(db, "documents; DROP TABLE x", "body", nil)
	require.Error(t, err)
}

func TestHTTPClientWrite(t *testing.T) {
	var (
		bodies []string
		query  string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		bodies = append(bodies, string(b))
		query = r.URL.RawQuery
		if len(bodies) > 1 {
			http.Error(w, "no space left", http.StatusInternalServerError)
			return
		}
		w.Write([]byte(`{"responseHeader":{"status":0}}`))
	}))
	defer srv.Close()

	c, err := NewHTTPClient(HTTPConfig{URL: srv.URL, CommitWithin: time.Second, Timeout: time.Second}, nil)
	require.NoError(t, err)

	require.NoError(t, c.Write(context.Background(), docs(1, 2)))
	require.JSONEq(t, `[{"id":1},{"id":2}]`, bodies[0])
	require.Equal(t, "commitWithin=1000&wt=json", query)

	err = c.Write(context.Background(), docs(3))
	require.ErrorContains(t, err, "status 500")
	require.ErrorContains(t, err, "no space left")

	_, err = NewHTTPClient(HTTPConfig{}, nil)
	require.Error(t, err)
}

func TestRetryingClient(t *testing.T) {
	inner := NewMemoryClient()
	inner.FailOn(0, errors.New("flaky"))
	inner.FailOn(1, errors.New("flaky"))

	c := NewRetryingClient(inner, time.Millisecond, 2*time.Millisecond, 5, log.NewNopLogger())
	require.NoError(t, c.Write(context.Background(), docs(1, 2, 3)))
	require.Equal(t, []int{3}, inner.Batches())

	always := NewMemoryClient()
	for i := 0; i < 3; i++ {
		always.FailOn(i, errors.New("down"))
	}
	c = NewRetryingClient(always, time.Millisecond, time.Millisecond, 3, nil)
	err := c.Write(context.Background(), docs(1))
	require.ErrorContains(t, err, "down")
	require.Empty(t, always.Batches())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.True(t, errors.Is(c.Write(ctx, docs(1)), context.Canceled))
}

func TestCircuitBreakerClient(t *testing.T) {
	inner := NewMemoryClient()
	inner.FailOn(0, errors.New("down"))
	inner.FailOn(1, errors.New("down"))

	c := NewCircuitBreakerClient(inner, 2, time.Minute, nil)
	require.ErrorContains(t, c.Write(context.Background(), docs(1)), "down")
	require.ErrorContains(t, c.Write(context.Background(), docs(2)), "down")

	// Open: the next batch never reaches the index.
	require.ErrorIs(t, c.Write(context.Background(), docs(3)), gobreaker.ErrOpenState)
	require.Empty(t, inner.Batches())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	healthy := NewMemoryClient()
	c = NewCircuitBreakerClient(healthy, 1, time.Minute, log.NewNopLogger())
	require.ErrorIs(t, c.Write(ctx, docs(1)), context.Canceled)
	require.NoError(t, c.Write(context.Background(), docs(2)), "cancellation must not open the breaker")
	require.Equal(t, []int{1}, healthy.Batches())
}

func TestRateLimitedClientChunksLargeBatches(t *testing.T) {
	inner := NewMemoryClient()
	c := NewRateLimitedClient(inner, 10000, 2)

	require.NoError(t, c.Write(context.Background(), docs(1, 2, 3, 4, 5)))
	require.Equal(t, []int{5}, inner.Batches())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.Error(t, c.Write(ctx, docs(1, 2, 3)))
}

func TestInstrumentedClient(t *testing.T) {
	reg := prometheus.NewPedanticRegistry()
	inner := NewMemoryClient()
	inner.FailOn(1, errors.New("boom"))
	c := NewInstrumentedClient(inner, BackendMemory, reg)

	require.NoError(t, c.Write(context.Background(), docs(1, 2)))
	require.Error(t, c.Write(context.Background(), docs(3)))

	require.Equal(t, 2.0, testutil.ToFloat64(c.docs))
	require.Equal(t, 1.0, testutil.ToFloat64(c.failed))
}

func TestNewWrapsBackend(t *testing.T) {
	c, err := New(Config{
		Backend:        BackendMemory,
		MaxRetries:     2,
		MinBackoff:     time.Millisecond,
		MaxBackoff:     time.Millisecond,
		DocsPerSecond:  100,
		RateLimitBurst: 10,

		BreakerFailures:    3,
		BreakerOpenTimeout: time.Second,
	}, prometheus.NewRegistry(), nil)
	require.NoError(t, err)
	require.NoError(t, c.Write(context.Background(), docs(1)))

	require.Error(t, (&Config{Backend: "kafka"}).Validate())
	require.Error(t, (&Config{Backend: BackendHTTP, DocsPerSecond: 1}).Validate())
	require.Error(t, (&Config{Backend: BackendHTTP, BreakerFailures: -1}).Validate())
	require.NoError(t, (&Config{Backend: BackendSQL}).Validate())
}
