package source

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/thistle/pkg/appctx"
	"github.com/Ramsey-B/thistle/pkg/checkerrors"
	"github.com/Ramsey-B/thistle/pkg/models"
	"github.com/Ramsey-B/thistle/pkg/retry"
)

func testLogger() ectologger.Logger {
	return ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})
}

func fastPolicy() retry.Policy {
	return retry.Policy{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond}
}

func newFetcher(t *testing.T, url string, mutate func(*Config)) *HTTPFetcher {
	t.Helper()
	cfg := Config{
		BaseURL:        url,
		Token:          "secret",
		RecordsPath:    "data",
		NextCursorPath: "next_cursor",
		PageSize:       2,
		RequestTimeout: time.Second,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	f, err := NewHTTPFetcher(cfg, fastPolicy(), testLogger())
	require.NoError(t, err)
	return f
}

func TestFetch_Pages(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/tables/student/records", r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		assert.Equal(t, "2", r.URL.Query().Get("limit"))
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Query().Get("cursor") {
		case "":
			fmt.Fprint(w, `{"data":[
				{"id":"s1","fields":{"first_name":"Ana"},"links":{"parents":["p1","p2"]},"last_modified":"2026-03-01T10:00:00Z"},
				{"id":"s2","first_name":"Ben","parents":"p3"}],
				"next_cursor":"page2"}`)
		case "page2":
			fmt.Fprint(w, `{"data":[{"id":"s3"},{"first_name":"no id"}],"next_cursor":null}`)
		default:
			t.Errorf("unexpected cursor %q", r.URL.Query().Get("cursor"))
		}
	}))
	defer srv.Close()

	records, err := newFetcher(t, srv.URL, nil).Fetch(context.Background(), "student", models.RunModeFull, nil)
	require.NoError(t, err)
	require.Len(t, records, 3)

	assert.Equal(t, "s1", records[0].ID)
	assert.Equal(t, "student", records[0].EntityType)
	assert.Equal(t, "Ana", records[0].Text("first_name"))
	assert.Equal(t, []string{"p1", "p2"}, records[0].LinkIDs("parents"))
	assert.Equal(t, time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC), records[0].LastModified)

	assert.Equal(t, "Ben", records[1].Text("first_name"))
	assert.Equal(t, []string{"p3"}, records[1].LinkIDs("parents"))
	assert.Equal(t, "s3", records[2].ID)
}

func TestFetch_TagsRequestsWithRunID(t *testing.T) {
	var got atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got.Store(r.Header.Get(HeaderRunID))
		fmt.Fprint(w, `{"data":[]}`)
	}))
	defer srv.Close()

	ctx := appctx.SetRunID(context.Background(), "run-42")
	_, err := newFetcher(t, srv.URL, nil).Fetch(ctx, "class", models.RunModeFull, nil)
	require.NoError(t, err)
	assert.Equal(t, "run-42", got.Load())
}

func TestFetch_IncrementalSendsSince(t *testing.T) {
	since := time.Date(2026, 3, 1, 2, 0, 0, 0, time.UTC)
	var got atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got.Store(r.URL.Query().Get("modified_since"))
		fmt.Fprint(w, `{"data":[]}`)
	}))
	defer srv.Close()

	f := newFetcher(t, srv.URL, nil)
	_, err := f.Fetch(context.Background(), "parent", models.RunModeIncremental, &since)
	require.NoError(t, err)
	assert.Equal(t, "2026-03-01T02:00:00Z", got.Load())

	_, err = f.Fetch(context.Background(), "parent", models.RunModeFull, &since)
	require.NoError(t, err)
	assert.Equal(t, "", got.Load())
}

func TestFetch_RetriesTransientFailures(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch calls.Add(1) {
		case 1:
			w.WriteHeader(http.StatusServiceUnavailable)
		case 2:
			fmt.Fprint(w, `{"data": [`)
		default:
			fmt.Fprint(w, `{"data":[{"id":"s1"}]}`)
		}
	}))
	defer srv.Close()

	records, err := newFetcher(t, srv.URL, nil).Fetch(context.Background(), "student", models.RunModeFull, nil)
	require.NoError(t, err)
	assert.Len(t, records, 1)
	assert.Equal(t, int32(3), calls.Load())
}

func TestFetch_ClientErrorIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprint(w, `{"error":"no such table"}`)
	}))
	defer srv.Close()

	_, err := newFetcher(t, srv.URL, nil).Fetch(context.Background(), "ghost", models.RunModeFull, nil)
	var fetchErr *checkerrors.FetchError
	require.ErrorAs(t, err, &fetchErr)
	assert.Equal(t, "ghost", fetchErr.Entity)
	assert.Equal(t, 1, fetchErr.Attempts)

	var statusErr *checkerrors.StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusNotFound, statusErr.StatusCode)
	assert.Equal(t, int32(1), calls.Load())
}

func TestFetch_BudgetExhausted(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := newFetcher(t, srv.URL, nil).Fetch(context.Background(), "student", models.RunModeFull, nil)
	var fetchErr *checkerrors.FetchError
	require.ErrorAs(t, err, &fetchErr)
	assert.Equal(t, 3, fetchErr.Attempts)
}

func TestFetch_SocketTimeoutIsRetryable(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			time.Sleep(200 * time.Millisecond)
		}
		fmt.Fprint(w, `{"data":[{"id":"s1"}]}`)
	}))
	defer srv.Close()

	f := newFetcher(t, srv.URL, func(c *Config) { c.RequestTimeout = 50 * time.Millisecond })
	records, err := f.Fetch(context.Background(), "student", models.RunModeFull, nil)
	require.NoError(t, err)
	assert.Len(t, records, 1)
}

func TestFetch_StopsBetweenPagesOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancelCause(context.Background())
	defer cancel(nil)

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		cancel(checkerrors.ErrRunTimeout)
		fmt.Fprintf(w, `{"data":[{"id":"s%d"}],"next_cursor":"c%d"}`, calls.Load(), calls.Load())
	}))
	defer srv.Close()

	_, err := newFetcher(t, srv.URL, nil).Fetch(ctx, "student", models.RunModeFull, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, checkerrors.ErrRunTimeout))
	assert.Equal(t, int32(1), calls.Load())
}

func TestFetch_CustomPaths(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"result":{"rows":[{"id":7}]},"meta":{"next":""}}`)
	}))
	defer srv.Close()

	f := newFetcher(t, srv.URL, func(c *Config) {
		c.RecordsPath = "result.rows"
		c.NextCursorPath = "meta.next"
	})
	records, err := f.Fetch(context.Background(), "class", models.RunModeFull, nil)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "7", records[0].ID)
}

func TestNewHTTPFetcher_InvalidPath(t *testing.T) {
	_, err := NewHTTPFetcher(Config{RecordsPath: "data[", BaseURL: "http://x"}, fastPolicy(), testLogger())
	assert.Error(t, err)
}
