// Package natsfeed implements remote.PushFeed over NATS. Change events are
// JSON-encoded remote.Event values published on "changes.<table>".
package natsfeed

import (
	"context"
	"encoding/json"
	"time"

	"github.com/nats-io/nats.go"

	apperrors "github.com/dogtale/companion-core/internal/errors"
	"github.com/dogtale/companion-core/internal/logging"
	"github.com/dogtale/companion-core/internal/remote"
)

// SubjectPrefix prefixes every change subject.
const SubjectPrefix = "changes."

const bufferSize = 64

// Subject returns the subject carrying changes for table.
func Subject(table string) string {
	return SubjectPrefix + table
}

// Connect dials url with reconnect handling that logs through the logging
// package.
func Connect(url string) (*nats.Conn, error) {
	opts := []nats.Option{
		nats.Name("companion-core"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				logging.Warn("Disconnected from NATS", map[string]interface{}{"error": err.Error()})
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logging.Info("Reconnected to NATS", map[string]interface{}{"url": nc.ConnectedUrl()})
		}),
		nats.Timeout(10 * time.Second),
	}
	conn, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrConnectivity, "connect to NATS", err)
	}
	return conn, nil
}

// Feed is a NATS remote.PushFeed.
type Feed struct {
	nc *nats.Conn
}

// New creates a Feed over an established connection.
func New(nc *nats.Conn) *Feed {
	return &Feed{nc: nc}
}

// Subscribe implements remote.PushFeed.
func (f *Feed) Subscribe(ctx context.Context, table string, filter remote.Filter) (<-chan remote.Event, error) {
	msgs := make(chan *nats.Msg, bufferSize)
	sub, err := f.nc.ChanSubscribe(Subject(table), msgs)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrConnectivity, "subscribe "+Subject(table), err)
	}

	out := make(chan remote.Event, bufferSize)
	go func() {
		defer close(out)
		defer sub.Unsubscribe()
		for {
			select {
			case <-ctx.Done():
				return
			case msg := <-msgs:
				var ev remote.Event
				if err := json.Unmarshal(msg.Data, &ev); err != nil {
					logging.Warn("Dropping malformed change event", map[string]interface{}{
						"subject": msg.Subject,
						"error":   err.Error(),
					})
					continue
				}
				if ev.Table == "" {
					ev.Table = table
				}
				if !filter.Matches(ev.Row()) {
					continue
				}
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

// Publish sends ev on its table's subject.
func (f *Feed) Publish(ev remote.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrInternal, "encode change event", err)
	}
	if err := f.nc.Publish(Subject(ev.Table), data); err != nil {
		return apperrors.Wrap(apperrors.ErrConnectivity, "publish change event", err)
	}
	return nil
}
