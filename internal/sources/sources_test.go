package sources

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stashd/internal/domain"
	logx "stashd/pkg/logx"
)

func testClient() *Client {
	return NewClient(ClientConfig{Retries: 2, RetryInitial: time.Millisecond}, logx.Nop())
}

func TestHackerNewsFind(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "https://example.com/post", r.URL.Query().Get("query"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"hits":[
			{"objectID":"1","title":"Post","url":"https://example.com/post","num_comments":12,"points":40,"created_at_i":1700000000},
			{"objectID":"2","title":"Other","url":"https://example.com/other","num_comments":1,"points":2,"created_at_i":1700000001}
		]}`))
	}))
	defer srv.Close()

	hn := &HackerNews{Client: testClient(), BaseURL: srv.URL}
	ds, err := hn.Find(context.Background(), "https://example.com/post")
	require.NoError(t, err)
	require.Len(t, ds, 1)
	assert.Equal(t, "https://news.ycombinator.com/item?id=1", ds[0].URL)
	assert.Equal(t, 12, ds[0].Comments)
	assert.Equal(t, "hackernews", ds[0].Source)
}

func TestRedditRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"data":{"children":[{"data":{"title":"t","permalink":"/r/go/comments/x","num_comments":5,"score":9,"created_utc":1700000000.0}}]}}`))
	}))
	defer srv.Close()

	rd := &Reddit{Client: testClient(), BaseURL: srv.URL}
	ds, err := rd.Find(context.Background(), "https://example.com")
	require.NoError(t, err)
	require.Len(t, ds, 1)
	assert.Equal(t, "https://www.reddit.com/r/go/comments/x", ds[0].URL)
	assert.EqualValues(t, 2, calls.Load())
}

func TestClientErrorsAreNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	rd := &Reddit{Client: testClient(), BaseURL: srv.URL}
	_, err := rd.Find(context.Background(), "https://example.com")
	var se *Error
	require.True(t, errors.As(err, &se))
	assert.Equal(t, http.StatusForbidden, se.Status)
	assert.Equal(t, "reddit", se.Source)
	assert.EqualValues(t, 1, calls.Load())
}

func TestSortNewestThenComments(t *testing.T) {
	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	ds := []domain.Discussion{
		{URL: "old", CreatedAt: t0},
		{URL: "new-few", CreatedAt: t0.Add(time.Hour), Comments: 1},
		{URL: "new-many", CreatedAt: t0.Add(time.Hour), Comments: 9},
	}
	Sort(ds)
	assert.Equal(t, []string{"new-many", "new-few", "old"}, []string{ds[0].URL, ds[1].URL, ds[2].URL})
}
