package google

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"
)

// ClientStub is an in-memory Client for tests. It keeps a per-calendar
// change log so incremental cursors behave like the real provider:
// an empty cursor returns a full snapshot, a stored cursor returns only
// what changed since, and ExpireCursor forces the next incremental
// listing to fail with ErrCursorExpired.
type ClientStub struct {
	mu             sync.Mutex
	now            func() time.Time
	seq            int
	events         map[string]map[string]RemoteEvent
	changeLog      map[string][]string
	failures       map[string][]error
	Calls          map[string]int
	expiredCursors bool
}

func NewStubClient() *ClientStub {
	return &ClientStub{
		now:       time.Now,
		events:    map[string]map[string]RemoteEvent{},
		changeLog: map[string][]string{},
		failures:  map[string][]error{},
		Calls:     map[string]int{},
	}
}

// SetNowFunc replaces the clock used for remote modification times.
func (s *ClientStub) SetNowFunc(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// FailNextWith queues err to be returned by the next call of the given
// operation ("changes", "get", "insert", "update" or "delete").
func (s *ClientStub) FailNextWith(op string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[op] = append(s.failures[op], err)
}

// ExpireCursor makes the next incremental Changes call report an expired
// sync token.
func (s *ClientStub) ExpireCursor() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.expiredCursors = true
}

// Put stores an event directly on the fake provider side, recording it in
// the change log. A zero Version gets the next generated etag.
func (s *ClientStub) Put(calendarId string, event RemoteEvent) RemoteEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	if event.Version == "" {
		event.Version = s.nextEtag()
	}
	if event.Updated.IsZero() {
		event.Updated = s.now()
	}
	s.putLocked(calendarId, event)
	return event
}

// CallCount reports how many times the given operation was invoked.
func (s *ClientStub) CallCount(op string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Calls[op]
}

// Event returns the current provider-side state of an event.
func (s *ClientStub) Event(calendarId, eventId string) (RemoteEvent, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	event, ok := s.events[calendarId][eventId]
	return event, ok
}

func (s *ClientStub) Changes(ctx context.Context, calendarId string, cursor string) (*ChangeSet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Calls["changes"]++
	if err := s.takeFailure("changes"); err != nil {
		return nil, err
	}

	log := s.changeLog[calendarId]
	from := 0
	if cursor != "" {
		if s.expiredCursors {
			s.expiredCursors = false
			return nil, ErrCursorExpired
		}
		idx, err := strconv.Atoi(cursor)
		if err != nil || idx > len(log) {
			return nil, ErrCursorExpired
		}
		from = idx
	}

	changeSet := &ChangeSet{NextCursor: strconv.Itoa(len(log))}
	seen := map[string]bool{}
	for _, id := range log[from:] {
		if seen[id] {
			continue
		}
		seen[id] = true
		changeSet.Events = append(changeSet.Events, s.events[calendarId][id])
	}
	return changeSet, nil
}

func (s *ClientStub) GetEvent(ctx context.Context, calendarId string, eventId string) (*RemoteEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Calls["get"]++
	if err := s.takeFailure("get"); err != nil {
		return nil, err
	}
	event, ok := s.events[calendarId][eventId]
	if !ok || event.Deleted {
		return nil, ErrNotFound
	}
	return &event, nil
}

func (s *ClientStub) InsertEvent(ctx context.Context, calendarId string, event RemoteEvent) (*RemoteEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Calls["insert"]++
	if err := s.takeFailure("insert"); err != nil {
		return nil, err
	}
	s.seq++
	event.Id = fmt.Sprintf("remote-%d", s.seq)
	event.Version = s.nextEtag()
	event.Updated = s.now()
	event.Deleted = false
	s.putLocked(calendarId, event)
	return &event, nil
}

func (s *ClientStub) UpdateEvent(ctx context.Context, calendarId string, event RemoteEvent) (*RemoteEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Calls["update"]++
	if err := s.takeFailure("update"); err != nil {
		return nil, err
	}
	stored, ok := s.events[calendarId][event.Id]
	if !ok || stored.Deleted {
		return nil, ErrNotFound
	}
	if event.Version != "" && stored.Version != event.Version {
		return nil, ErrVersionConflict
	}
	event.Version = s.nextEtag()
	event.Updated = s.now()
	event.Deleted = false
	s.putLocked(calendarId, event)
	return &event, nil
}

func (s *ClientStub) DeleteEvent(ctx context.Context, calendarId string, eventId string, version string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Calls["delete"]++
	if err := s.takeFailure("delete"); err != nil {
		return err
	}
	stored, ok := s.events[calendarId][eventId]
	if !ok || stored.Deleted {
		return ErrNotFound
	}
	if version != "" && stored.Version != version {
		return ErrVersionConflict
	}
	stored.Deleted = true
	stored.Version = s.nextEtag()
	stored.Updated = s.now()
	s.putLocked(calendarId, stored)
	return nil
}

func (s *ClientStub) putLocked(calendarId string, event RemoteEvent) {
	if s.events[calendarId] == nil {
		s.events[calendarId] = map[string]RemoteEvent{}
	}
	s.events[calendarId][event.Id] = event
	s.changeLog[calendarId] = append(s.changeLog[calendarId], event.Id)
}

func (s *ClientStub) nextEtag() string {
	s.seq++
	return fmt.Sprintf("etag-%d", s.seq)
}

func (s *ClientStub) takeFailure(op string) error {
	queued := s.failures[op]
	if len(queued) == 0 {
		return nil
	}
	err := queued[0]
	s.failures[op] = queued[1:]
	return err
}
