package client

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	v1 "expflow/pkg/api/v1"
	"expflow/pkg/logger"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"
)

const streamPath = "/v1/admin/stream"

type Option func(*Watcher)

// WithApplications limits the stream to the given applications.
func WithApplications(apps ...string) Option {
	return func(w *Watcher) { w.applications = apps }
}

func WithHTTPClient(c *http.Client) Option {
	return func(w *Watcher) { w.httpClient = c }
}

// WithHeartbeatTimeout sets how long the stream may stay silent before the
// watcher reconnects. The server pings on every heartbeat interval.
func WithHeartbeatTimeout(d time.Duration) Option {
	return func(w *Watcher) { w.heartbeatTimeout = d }
}

// WithRetryInterval bounds the reconnect backoff.
func WithRetryInterval(initial, maxInterval time.Duration) Option {
	return func(w *Watcher) {
		w.retryInitial = initial
		w.retryMax = maxInterval
	}
}

// OnEvent is called for every change, in revision order.
func OnEvent(fn func(v1.ChangeEvent)) Option {
	return func(w *Watcher) { w.onEvent = fn }
}

// OnReset is called when the server can no longer replay from the last
// seen revision. Callers should reload their experiment listing.
func OnReset(fn func()) Option {
	return func(w *Watcher) { w.onReset = fn }
}

// Watcher follows the control plane's change stream and resumes from the
// last delivered revision after a disconnect.
type Watcher struct {
	addr             string
	token            string
	applications     []string
	httpClient       *http.Client
	heartbeatTimeout time.Duration
	retryInitial     time.Duration
	retryMax         time.Duration
	onEvent          func(v1.ChangeEvent)
	onReset          func()

	mu      sync.Mutex
	lastRev int64
}

func NewWatcher(addr, token string, opts ...Option) *Watcher {
	w := &Watcher{
		addr:             strings.TrimRight(addr, "/"),
		token:            token,
		httpClient:       &http.Client{Timeout: 0},
		heartbeatTimeout: 45 * time.Second,
		retryInitial:     time.Second,
		retryMax:         30 * time.Second,
		onEvent:          func(v1.ChangeEvent) {},
		onReset:          func() {},
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

func (w *Watcher) LastRevision() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastRev
}

// Run keeps a stream open until ctx is done.
func (w *Watcher) Run(ctx context.Context) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = w.retryInitial
	b.MaxInterval = w.retryMax

	for {
		delivered, err := w.stream(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if delivered {
			b.Reset()
		}
		wait := b.NextBackOff()
		logger.Warn("change stream disconnected", zap.Error(err), zap.Duration("retry_in", wait), zap.Int64("last_rev", w.LastRevision()))

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

func (w *Watcher) url() string {
	q := url.Values{}
	if rev := w.LastRevision(); rev > 0 {
		q.Set("last_rev", strconv.FormatInt(rev, 10))
	}
	if len(w.applications) > 0 {
		q.Set("application", strings.Join(w.applications, ","))
	}
	u := w.addr + streamPath
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	return u
}

// stream reads one connection to its end. It reports whether anything was
// received so that Run can reset its backoff.
func (w *Watcher) stream(ctx context.Context) (bool, error) {
	reqCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, w.url(), nil)
	if err != nil {
		return false, err
	}
	req.Header.Set("Authorization", "Bearer "+w.token)
	req.Header.Set("Accept", "text/event-stream")

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("stream returned %s", resp.Status)
	}

	// Watchdog for heartbeats
	var lastActivity atomic.Int64
	lastActivity.Store(time.Now().UnixNano())
	go func() {
		ticker := time.NewTicker(w.heartbeatTimeout / 4)
		defer ticker.Stop()
		for {
			select {
			case <-reqCtx.Done():
				return
			case <-ticker.C:
				if time.Since(time.Unix(0, lastActivity.Load())) > w.heartbeatTimeout {
					logger.Warn("change stream heartbeat timeout, reconnecting")
					cancel()
					return
				}
			}
		}
	}()

	delivered := false
	scanner := bufio.NewScanner(resp.Body)
	var eventType string
	var data bytes.Buffer

	for scanner.Scan() {
		lastActivity.Store(time.Now().UnixNano())
		line := scanner.Text()
		if line != "" {
			switch {
			case strings.HasPrefix(line, "event:"):
				eventType = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
			case strings.HasPrefix(line, "data:"):
				if data.Len() > 0 {
					data.WriteByte('\n')
				}
				data.WriteString(strings.TrimSpace(strings.TrimPrefix(line, "data:")))
			}
			continue
		}

		switch eventType {
		case "reset":
			logger.Warn("change stream reset, revisions were missed", zap.Int64("last_rev", w.LastRevision()), zap.String("reason", data.String()))
			w.mu.Lock()
			w.lastRev = 0
			w.mu.Unlock()
			w.onReset()
		case "message":
			var ev v1.ChangeEvent
			if err := json.Unmarshal(data.Bytes(), &ev); err != nil {
				logger.Error("failed to decode change event", zap.Error(err))
				break
			}
			if w.deliver(ev) {
				delivered = true
			}
		}
		eventType = ""
		data.Reset()
	}
	if err := scanner.Err(); err != nil {
		return delivered, err
	}
	return delivered, fmt.Errorf("stream closed by server")
}

func (w *Watcher) deliver(ev v1.ChangeEvent) bool {
	w.mu.Lock()
	if ev.Revision <= w.lastRev {
		w.mu.Unlock()
		logger.Debug("stale revision received", zap.Int64("rev", ev.Revision))
		return false
	}
	w.lastRev = ev.Revision
	w.mu.Unlock()

	w.onEvent(ev)
	return true
}
