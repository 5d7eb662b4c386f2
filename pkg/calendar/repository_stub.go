package calendar

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
)

// RepositoryStub is an in-memory Repository for tests.
type RepositoryStub struct {
	records   map[uuid.UUID]EventRecord
	calendars map[string]SyncedCalendar
	mutations []PendingMutation
	nextMutId int64
	failNext  error
}

func NewStubRepository() *RepositoryStub {
	return &RepositoryStub{
		records:   map[uuid.UUID]EventRecord{},
		calendars: map[string]SyncedCalendar{},
	}
}

// FailNextWith makes the next repository call return err once.
func (s *RepositoryStub) FailNextWith(err error) {
	s.failNext = err
}

func (s *RepositoryStub) takeFailure() error {
	err := s.failNext
	s.failNext = nil
	return err
}

func (s *RepositoryStub) WithTransaction(ctx context.Context, fn func(repo Repository) error) error {
	return fn(s)
}

func (s *RepositoryStub) CreateRecord(ctx context.Context, userId int, rec EventRecord) error {
	if err := s.takeFailure(); err != nil {
		return err
	}
	if _, exists := s.records[rec.LocalId]; exists {
		return fmt.Errorf("record %s already exists", rec.LocalId)
	}
	s.records[rec.LocalId] = rec
	return nil
}

func (s *RepositoryStub) UpdateRecord(ctx context.Context, userId int, rec EventRecord) error {
	if err := s.takeFailure(); err != nil {
		return err
	}
	if _, exists := s.records[rec.LocalId]; !exists {
		return ErrRecordNotFound
	}
	s.records[rec.LocalId] = rec
	return nil
}

func (s *RepositoryStub) GetRecord(ctx context.Context, userId int, localId uuid.UUID) (EventRecord, error) {
	if rec, exists := s.records[localId]; exists {
		return rec, nil
	}
	return EventRecord{}, ErrRecordNotFound
}

func (s *RepositoryStub) FindByRemoteId(ctx context.Context, userId int, calendarId, remoteId string) (EventRecord, error) {
	for _, rec := range s.records {
		if rec.CalendarId == calendarId && rec.RemoteId == remoteId && remoteId != "" {
			return rec, nil
		}
	}
	return EventRecord{}, ErrRecordNotFound
}

func (s *RepositoryStub) ListRecords(ctx context.Context, userId int, calendarId string, from, to time.Time) ([]EventRecord, error) {
	var records []EventRecord
	for _, rec := range s.records {
		if rec.CalendarId != calendarId || rec.Deleted {
			continue
		}
		if rec.StartTime.After(to) || rec.EndTime.Before(from) {
			continue
		}
		records = append(records, rec)
	}
	sort.Slice(records, func(i, j int) bool { return records[i].StartTime.Before(records[j].StartTime) })
	return records, nil
}

func (s *RepositoryStub) ListDirty(ctx context.Context, userId int, calendarId string) ([]EventRecord, error) {
	var records []EventRecord
	for _, rec := range s.records {
		if rec.CalendarId == calendarId && rec.Dirty {
			records = append(records, rec)
		}
	}
	sort.Slice(records, func(i, j int) bool { return records[i].LocalModifiedAt.Before(records[j].LocalModifiedAt) })
	return records, nil
}

func (s *RepositoryStub) ClearDirty(ctx context.Context, userId int, localId uuid.UUID, remoteId, remoteVersion string, localVersion int64, syncedAt time.Time) error {
	rec, exists := s.records[localId]
	if !exists {
		return ErrRecordNotFound
	}
	rec.RemoteId = remoteId
	rec.RemoteVersion = remoteVersion
	rec.LastSyncedAt = syncedAt
	if rec.LocalVersion == localVersion {
		rec.Dirty = false
		rec.SyncFailed = false
	}
	s.records[localId] = rec
	return nil
}

func (s *RepositoryStub) MarkSyncFailed(ctx context.Context, userId int, localId uuid.UUID, failed bool) error {
	rec, exists := s.records[localId]
	if !exists {
		return ErrRecordNotFound
	}
	rec.SyncFailed = failed
	s.records[localId] = rec
	return nil
}

func (s *RepositoryStub) Tombstone(ctx context.Context, userId int, localId uuid.UUID) error {
	rec, exists := s.records[localId]
	if !exists {
		return ErrRecordNotFound
	}
	rec.Deleted = true
	rec.Dirty = false
	s.records[localId] = rec
	return nil
}

func (s *RepositoryStub) PurgeRecord(ctx context.Context, userId int, localId uuid.UUID) error {
	if _, exists := s.records[localId]; !exists {
		return ErrRecordNotFound
	}
	delete(s.records, localId)
	return nil
}

func (s *RepositoryStub) calKey(userId int, calendarId string) string {
	return fmt.Sprintf("%d/%s", userId, calendarId)
}

func (s *RepositoryStub) GetCursor(ctx context.Context, userId int, calendarId string) (string, error) {
	return s.calendars[s.calKey(userId, calendarId)].Cursor, nil
}

func (s *RepositoryStub) SetCursor(ctx context.Context, userId int, calendarId, cursor string) error {
	if err := s.takeFailure(); err != nil {
		return err
	}
	cal, ok := s.calendars[s.calKey(userId, calendarId)]
	if !ok {
		return ErrCalendarNotSynced
	}
	cal.Cursor = cursor
	s.calendars[s.calKey(userId, calendarId)] = cal
	return nil
}

func (s *RepositoryStub) EnableCalendar(ctx context.Context, userId int, cal SyncedCalendar) error {
	cal.UserId = userId
	cal.Enabled = true
	existing, ok := s.calendars[s.calKey(userId, cal.CalendarId)]
	if ok {
		cal.Cursor = existing.Cursor
	}
	s.calendars[s.calKey(userId, cal.CalendarId)] = cal
	return nil
}

func (s *RepositoryStub) DisableCalendar(ctx context.Context, userId int, calendarId string) error {
	cal, ok := s.calendars[s.calKey(userId, calendarId)]
	if ok {
		cal.Enabled = false
		s.calendars[s.calKey(userId, calendarId)] = cal
	}
	return nil
}

func (s *RepositoryStub) ListSyncedCalendars(ctx context.Context, userId int) ([]SyncedCalendar, error) {
	var cals []SyncedCalendar
	for _, cal := range s.calendars {
		if cal.UserId == userId && cal.Enabled {
			cals = append(cals, cal)
		}
	}
	return cals, nil
}

func (s *RepositoryStub) ListAllSyncedCalendars(ctx context.Context) ([]SyncedCalendar, error) {
	var cals []SyncedCalendar
	for _, cal := range s.calendars {
		if cal.Enabled {
			cals = append(cals, cal)
		}
	}
	return cals, nil
}

func (s *RepositoryStub) EnqueueMutation(ctx context.Context, userId int, m PendingMutation) (int64, error) {
	s.nextMutId++
	m.Id = s.nextMutId
	s.mutations = append(s.mutations, m)
	return m.Id, nil
}

func (s *RepositoryStub) DueMutations(ctx context.Context, userId int, calendarId string, now time.Time) ([]PendingMutation, error) {
	blocked := map[uuid.UUID]bool{}
	var muts []PendingMutation
	sorted := append([]PendingMutation{}, s.mutations...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Id < sorted[j].Id })
	for _, m := range sorted {
		rec, exists := s.records[m.LocalId]
		if !exists || rec.CalendarId != calendarId {
			continue
		}
		if m.Failed || m.NextAttemptAt.After(now) || blocked[m.LocalId] {
			blocked[m.LocalId] = true
			continue
		}
		muts = append(muts, m)
	}
	return muts, nil
}

func (s *RepositoryStub) CompleteMutation(ctx context.Context, userId int, id int64) error {
	for i, m := range s.mutations {
		if m.Id == id {
			s.mutations = append(s.mutations[:i], s.mutations[i+1:]...)
			return nil
		}
	}
	return ErrMutationNotFound
}

func (s *RepositoryStub) RescheduleMutation(ctx context.Context, userId int, id int64, attempts int, nextAttemptAt time.Time, lastError string) error {
	for i, m := range s.mutations {
		if m.Id == id {
			m.Attempts = attempts
			m.NextAttemptAt = nextAttemptAt
			m.LastError = lastError
			s.mutations[i] = m
			return nil
		}
	}
	return ErrMutationNotFound
}

func (s *RepositoryStub) FailMutation(ctx context.Context, userId int, id int64, lastError string) error {
	for i, m := range s.mutations {
		if m.Id == id {
			m.Failed = true
			m.LastError = lastError
			s.mutations[i] = m
			return nil
		}
	}
	return ErrMutationNotFound
}

func (s *RepositoryStub) DiscardMutationsForRecord(ctx context.Context, userId int, localId uuid.UUID) error {
	kept := s.mutations[:0]
	for _, m := range s.mutations {
		if m.LocalId != localId {
			kept = append(kept, m)
		}
	}
	s.mutations = kept
	return nil
}

func (s *RepositoryStub) HasPendingMutations(ctx context.Context, userId int, localId uuid.UUID) (bool, error) {
	for _, m := range s.mutations {
		if m.LocalId == localId && !m.Failed {
			return true, nil
		}
	}
	return false, nil
}

// Mutations exposes the queue for test assertions.
func (s *RepositoryStub) Mutations() []PendingMutation {
	out := make([]PendingMutation, len(s.mutations))
	copy(out, s.mutations)
	return out
}

// Record exposes a stored record for test assertions.
func (s *RepositoryStub) Record(localId uuid.UUID) (EventRecord, bool) {
	rec, ok := s.records[localId]
	return rec, ok
}
