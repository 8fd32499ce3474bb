package client

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	v1 "expflow/pkg/api/v1"
	"expflow/pkg/logger"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	logger.InitLogger("test")
}

func writeEvent(w http.ResponseWriter, rev int64, slug string) {
	fmt.Fprintf(w, "event:message\ndata:{\"type\":\"change\",\"revision\":%d,\"slug\":%q,\"application\":\"fenix\"}\n\n", rev, slug)
}

func TestWatcher_ResumesFromLastRevision(t *testing.T) {
	var mu sync.Mutex
	var queries []string
	var auth string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		queries = append(queries, r.URL.RawQuery)
		auth = r.Header.Get("Authorization")
		n := len(queries)
		mu.Unlock()

		w.Header().Set("Content-Type", "text/event-stream")
		switch n {
		case 1:
			writeEvent(w, 1, "first")
			fmt.Fprint(w, "event:ping\ndata:pong\n\n")
			writeEvent(w, 2, "second")
			// replayed duplicate is ignored
			writeEvent(w, 2, "second")
		default:
			writeEvent(w, 3, "third")
			w.(http.Flusher).Flush()
			<-r.Context().Done()
		}
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var got []string
	w := NewWatcher(srv.URL, "tok", WithApplications("fenix", "ios"), WithRetryInterval(10*time.Millisecond, 50*time.Millisecond), OnEvent(func(ev v1.ChangeEvent) {
		got = append(got, ev.Slug)
		if ev.Revision == 3 {
			cancel()
		}
	}))

	err := w.Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, []string{"first", "second", "third"}, got)
	assert.Equal(t, int64(3), w.LastRevision())

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, queries, 2)
	assert.Equal(t, "application=fenix%2Cios", queries[0])
	assert.Equal(t, "application=fenix%2Cios&last_rev=2", queries[1])
	assert.Equal(t, "Bearer tok", auth)
}

func TestWatcher_ResetStartsOver(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		writeEvent(w, 7, "before")
		fmt.Fprint(w, "event:reset\ndata:revision_unknown\n\n")
		writeEvent(w, 1, "after-restart")
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	resets := 0
	var got []string
	w := NewWatcher(srv.URL, "tok",
		OnReset(func() { resets++ }),
		OnEvent(func(ev v1.ChangeEvent) {
			got = append(got, ev.Slug)
			if ev.Slug == "after-restart" {
				cancel()
			}
		}))

	_ = w.Run(ctx)
	assert.Equal(t, 1, resets)
	assert.Equal(t, []string{"before", "after-restart"}, got)
	assert.Equal(t, int64(1), w.LastRevision())
}

func TestWatcher_RejectedToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusUnauthorized)
	}))
	defer srv.Close()

	w := NewWatcher(srv.URL, "bad")
	delivered, err := w.stream(context.Background())
	assert.False(t, delivered)
	assert.ErrorContains(t, err, "401")
}
