// Package realtime implements remote.PushFeed over a websocket change
// stream. Each subscription owns one connection and redials with backoff
// until its context ends.
package realtime

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	apperrors "github.com/dogtale/companion-core/internal/errors"
	"github.com/dogtale/companion-core/internal/logging"
	"github.com/dogtale/companion-core/internal/remote"
)

const (
	defaultMinBackoff = 500 * time.Millisecond
	defaultMaxBackoff = 30 * time.Second
	writeWait         = 10 * time.Second
	bufferSize        = 64
)

// subscribeFrame is the first message sent on every connection.
type subscribeFrame struct {
	Type   string        `json:"type"`
	Table  string        `json:"table"`
	Filter remote.Filter `json:"filter,omitempty"`
}

// Option configures a Feed.
type Option func(*Feed)

// WithHeader sets request headers sent on dial, such as authorization.
func WithHeader(h http.Header) Option {
	return func(f *Feed) { f.header = h }
}

// WithBackoff sets the redial backoff bounds.
func WithBackoff(min, max time.Duration) Option {
	return func(f *Feed) {
		f.minBackoff = min
		f.maxBackoff = max
	}
}

// Feed is a websocket remote.PushFeed.
type Feed struct {
	url        string
	header     http.Header
	dialer     *websocket.Dialer
	minBackoff time.Duration
	maxBackoff time.Duration
}

// New creates a Feed for the stream at url ("ws://" or "wss://").
func New(url string, opts ...Option) *Feed {
	f := &Feed{
		url:        url,
		dialer:     websocket.DefaultDialer,
		minBackoff: defaultMinBackoff,
		maxBackoff: defaultMaxBackoff,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Subscribe implements remote.PushFeed. The first dial is synchronous so a
// bad URL is reported to the caller; later drops are redialed silently.
func (f *Feed) Subscribe(ctx context.Context, table string, filter remote.Filter) (<-chan remote.Event, error) {
	conn, err := f.dial(ctx, table, filter)
	if err != nil {
		return nil, err
	}

	out := make(chan remote.Event, bufferSize)
	go f.run(ctx, conn, table, filter, out)
	return out, nil
}

func (f *Feed) dial(ctx context.Context, table string, filter remote.Filter) (*websocket.Conn, error) {
	conn, _, err := f.dialer.DialContext(ctx, f.url, f.header)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrConnectivity, "dial change stream", err)
	}

	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(subscribeFrame{Type: "subscribe", Table: table, Filter: filter}); err != nil {
		conn.Close()
		return nil, apperrors.Wrap(apperrors.ErrConnectivity, "send subscribe frame", err)
	}
	conn.SetWriteDeadline(time.Time{})
	return conn, nil
}

func (f *Feed) run(ctx context.Context, conn *websocket.Conn, table string, filter remote.Filter, out chan<- remote.Event) {
	defer close(out)

	backoff := f.minBackoff
	for {
		if conn != nil {
			f.read(ctx, conn, table, filter, out)
			backoff = f.minBackoff
		}
		if ctx.Err() != nil {
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}

		var err error
		conn, err = f.dial(ctx, table, filter)
		if err != nil {
			logging.Debug("Change stream redial failed", map[string]interface{}{
				"table":   table,
				"backoff": backoff.String(),
				"error":   err.Error(),
			})
			conn = nil
			backoff *= 2
			if backoff > f.maxBackoff {
				backoff = f.maxBackoff
			}
			continue
		}
		logging.Info("Change stream reconnected", map[string]interface{}{"table": table})
	}
}

// read pumps events from conn until it fails or ctx ends.
func (f *Feed) read(ctx context.Context, conn *websocket.Conn, table string, filter remote.Filter, out chan<- remote.Event) {
	var once sync.Once
	closeConn := func() { once.Do(func() { conn.Close() }) }
	defer closeConn()

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			closeConn()
		case <-done:
		}
	}()

	for {
		var ev remote.Event
		if err := conn.ReadJSON(&ev); err != nil {
			if ctx.Err() == nil && websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logging.Warn("Change stream dropped", map[string]interface{}{"table": table, "error": err.Error()})
			}
			return
		}
		if ev.Table == "" {
			ev.Table = table
		}
		if ev.Table != table || !filter.Matches(ev.Row()) {
			continue
		}
		select {
		case out <- ev:
		case <-ctx.Done():
			return
		}
	}
}
