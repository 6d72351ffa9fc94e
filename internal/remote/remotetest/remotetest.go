// Package remotetest provides an in-memory remote data service and push feed
// for tests.
package remotetest

import (
	"context"
	"sync"

	apperrors "github.com/dogtale/companion-core/internal/errors"
	"github.com/dogtale/companion-core/internal/remote"
	"github.com/dogtale/companion-core/internal/uuid"
)

// Call records one request made against the Service.
type Call struct {
	Op    string
	Table string
	Rows  []remote.Row
}

// Service is an in-memory remote.DataService. Upserts honour the conflict
// target the way the hosted service does, so replays with the same key are
// no-ops.
type Service struct {
	mu       sync.Mutex
	tables   map[string][]remote.Row
	calls    []Call
	offline  bool
	failNext []error
	reject   map[string]error

	// Echo publishes every applied write to Feed when both are set.
	Echo bool
	Feed *Feed
}

// NewService creates an empty Service.
func NewService() *Service {
	return &Service{
		tables: make(map[string][]remote.Row),
		reject: make(map[string]error),
	}
}

// SetOffline makes every call fail with a connectivity error.
func (s *Service) SetOffline(offline bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.offline = offline
}

// FailNext queues an error returned by the next call.
func (s *Service) FailNext(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failNext = append(s.failNext, err)
}

// Reject makes every write to table fail with err. A nil err clears it.
func (s *Service) Reject(table string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.reject, table)
		return
	}
	s.reject[table] = err
}

// Seed stores rows as if the server already held them.
func (s *Service) Seed(table string, rows ...remote.Row) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range rows {
		s.tables[table] = append(s.tables[table], copyRow(r))
	}
}

// Rows returns a copy of every record in table.
func (s *Service) Rows(table string) []remote.Row {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]remote.Row, 0, len(s.tables[table]))
	for _, r := range s.tables[table] {
		out = append(out, copyRow(r))
	}
	return out
}

// Calls returns the recorded requests.
func (s *Service) Calls() []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Call(nil), s.calls...)
}

// CallCount returns how many requests of op were made. An empty op counts all.
func (s *Service) CallCount(op string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.calls {
		if op == "" || c.Op == op {
			n++
		}
	}
	return n
}

func (s *Service) begin(op, table string, rows []remote.Row) error {
	copied := make([]remote.Row, len(rows))
	for i, r := range rows {
		copied[i] = copyRow(r)
	}
	s.calls = append(s.calls, Call{Op: op, Table: table, Rows: copied})

	if s.offline {
		return apperrors.New(apperrors.ErrConnectivity, "remote unreachable")
	}
	if len(s.failNext) > 0 {
		err := s.failNext[0]
		s.failNext = s.failNext[1:]
		return err
	}
	if op != "select" {
		if err, ok := s.reject[table]; ok {
			return err
		}
	}
	return nil
}

// Upsert implements remote.DataService.
func (s *Service) Upsert(ctx context.Context, table string, rows []remote.Row, conflict remote.ConflictSpec) ([]remote.Row, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	if err := s.begin("upsert", table, rows); err != nil {
		s.mu.Unlock()
		return nil, err
	}

	var out []remote.Row
	var events []remote.Event
	for _, r := range rows {
		row := copyRow(r)
		idx := s.find(table, row, conflict.Columns)
		switch {
		case idx < 0:
			if _, ok := row["id"]; !ok {
				row["id"] = uuid.New()
			}
			s.tables[table] = append(s.tables[table], row)
			out = append(out, copyRow(row))
			events = append(events, remote.Event{Type: remote.EventInsert, Table: table, Record: copyRow(row)})
		case conflict.IgnoreDuplicates:
			// Duplicate: the hosted service returns nothing for it.
		default:
			existing := s.tables[table][idx]
			old := copyRow(existing)
			for k, v := range row {
				existing[k] = v
			}
			out = append(out, copyRow(existing))
			events = append(events, remote.Event{Type: remote.EventUpdate, Table: table, Record: copyRow(existing), OldRecord: old})
		}
	}
	echo, feed := s.Echo, s.Feed
	s.mu.Unlock()

	if echo && feed != nil {
		for _, ev := range events {
			feed.Publish(ev)
		}
	}
	return out, nil
}

// Delete implements remote.DataService.
func (s *Service) Delete(ctx context.Context, table string, keys []remote.Row) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	if err := s.begin("delete", table, keys); err != nil {
		s.mu.Unlock()
		return err
	}

	var events []remote.Event
	for _, key := range keys {
		f := remote.Filter(key)
		kept := s.tables[table][:0]
		for _, row := range s.tables[table] {
			if f.Matches(row) {
				events = append(events, remote.Event{Type: remote.EventDelete, Table: table, OldRecord: copyRow(row)})
				continue
			}
			kept = append(kept, row)
		}
		s.tables[table] = kept
	}
	echo, feed := s.Echo, s.Feed
	s.mu.Unlock()

	if echo && feed != nil {
		for _, ev := range events {
			feed.Publish(ev)
		}
	}
	return nil
}

// Select implements remote.DataService.
func (s *Service) Select(ctx context.Context, table string, filter remote.Filter) ([]remote.Row, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.begin("select", table, nil); err != nil {
		return nil, err
	}

	var out []remote.Row
	for _, row := range s.tables[table] {
		if filter.Matches(row) {
			out = append(out, copyRow(row))
		}
	}
	return out, nil
}

func (s *Service) find(table string, row remote.Row, cols []string) int {
	if len(cols) == 0 {
		return -1
	}
	for i, existing := range s.tables[table] {
		if remote.SameKey(existing, row, cols) {
			return i
		}
	}
	return -1
}

func copyRow(r remote.Row) remote.Row {
	if r == nil {
		return nil
	}
	out := make(remote.Row, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

type subscription struct {
	ctx    context.Context
	table  string
	filter remote.Filter
	ch     chan remote.Event
}

// Feed is an in-memory remote.PushFeed.
type Feed struct {
	mu   sync.Mutex
	subs map[*subscription]struct{}
}

// NewFeed creates a Feed with no subscribers.
func NewFeed() *Feed {
	return &Feed{subs: make(map[*subscription]struct{})}
}

// Subscribe implements remote.PushFeed.
func (f *Feed) Subscribe(ctx context.Context, table string, filter remote.Filter) (<-chan remote.Event, error) {
	sub := &subscription{ctx: ctx, table: table, filter: filter, ch: make(chan remote.Event, 64)}
	f.mu.Lock()
	f.subs[sub] = struct{}{}
	f.mu.Unlock()

	go func() {
		<-ctx.Done()
		f.mu.Lock()
		delete(f.subs, sub)
		close(sub.ch)
		f.mu.Unlock()
	}()
	return sub.ch, nil
}

// Publish delivers ev to every matching subscriber. It blocks until each
// subscriber has buffer room or has gone away.
func (f *Feed) Publish(ev remote.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for sub := range f.subs {
		if sub.table != ev.Table || !sub.filter.Matches(ev.Row()) {
			continue
		}
		select {
		case sub.ch <- ev:
		case <-sub.ctx.Done():
		}
	}
}

// Subscribers returns the number of live subscriptions.
func (f *Feed) Subscribers() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs)
}
