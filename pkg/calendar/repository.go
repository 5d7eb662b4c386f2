package calendar

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

var ErrRecordNotFound = errors.New("event record not found")
var ErrMutationNotFound = errors.New("pending mutation not found")
var ErrCalendarNotSynced = errors.New("calendar is not enrolled for synchronization")

type Repository interface {
	WithTransaction(ctx context.Context, fn func(repo Repository) error) error

	CreateRecord(ctx context.Context, userId int, rec EventRecord) error
	UpdateRecord(ctx context.Context, userId int, rec EventRecord) error
	GetRecord(ctx context.Context, userId int, localId uuid.UUID) (EventRecord, error)
	FindByRemoteId(ctx context.Context, userId int, calendarId, remoteId string) (EventRecord, error)
	ListRecords(ctx context.Context, userId int, calendarId string, from, to time.Time) ([]EventRecord, error)
	ListDirty(ctx context.Context, userId int, calendarId string) ([]EventRecord, error)
	ClearDirty(ctx context.Context, userId int, localId uuid.UUID, remoteId, remoteVersion string, localVersion int64, syncedAt time.Time) error
	MarkSyncFailed(ctx context.Context, userId int, localId uuid.UUID, failed bool) error
	Tombstone(ctx context.Context, userId int, localId uuid.UUID) error
	PurgeRecord(ctx context.Context, userId int, localId uuid.UUID) error

	GetCursor(ctx context.Context, userId int, calendarId string) (string, error)
	SetCursor(ctx context.Context, userId int, calendarId, cursor string) error
	EnableCalendar(ctx context.Context, userId int, cal SyncedCalendar) error
	DisableCalendar(ctx context.Context, userId int, calendarId string) error
	ListSyncedCalendars(ctx context.Context, userId int) ([]SyncedCalendar, error)
	ListAllSyncedCalendars(ctx context.Context) ([]SyncedCalendar, error)

	EnqueueMutation(ctx context.Context, userId int, m PendingMutation) (int64, error)
	DueMutations(ctx context.Context, userId int, calendarId string, now time.Time) ([]PendingMutation, error)
	CompleteMutation(ctx context.Context, userId int, id int64) error
	RescheduleMutation(ctx context.Context, userId int, id int64, attempts int, nextAttemptAt time.Time, lastError string) error
	FailMutation(ctx context.Context, userId int, id int64, lastError string) error
	DiscardMutationsForRecord(ctx context.Context, userId int, localId uuid.UUID) error
	HasPendingMutations(ctx context.Context, userId int, localId uuid.UUID) (bool, error)
}

type RepositoryImpl struct {
	db *sql.DB
	tx *sql.Tx
}

func NewRepository(db *sql.DB) *RepositoryImpl {
	return &RepositoryImpl{db: db, tx: nil}
}

// getQueryer returns the appropriate database interface for queries (either tx or db)
func (r *RepositoryImpl) getQueryer() interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
} {
	if r.tx != nil {
		return r.tx
	}
	return r.db
}

func (r *RepositoryImpl) WithTransaction(ctx context.Context, fn func(repo Repository) error) error {
	if r.tx != nil {
		// Already inside a transaction, reuse it.
		return fn(r)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		// The Rollback will be a no-op if the transaction was already committed
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			log.Errorf("rollback error: %v", rbErr)
		}
	}()

	txRepo := &RepositoryImpl{db: r.db, tx: tx}
	if err := fn(txRepo); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

const recordColumns = `local_id, calendar_id, remote_id, title, start_time, end_time, timezone, attendees,
	remote_version, local_version, dirty, deleted, sync_failed, local_modified_at, last_synced_at`

func (r *RepositoryImpl) CreateRecord(ctx context.Context, userId int, rec EventRecord) error {
	attendees, err := json.Marshal(rec.Attendees)
	if err != nil {
		return fmt.Errorf("could not marshal attendees: %w", err)
	}

	query := `INSERT INTO event_records (local_id, user_id, calendar_id, remote_id, title, start_time, end_time,
				timezone, attendees, remote_version, local_version, dirty, deleted, sync_failed,
				local_modified_at, last_synced_at)
			  VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err = r.getQueryer().ExecContext(ctx, query,
		rec.LocalId.String(), userId, rec.CalendarId, rec.RemoteId, rec.Title,
		rec.StartTime.UnixMilli(), rec.EndTime.UnixMilli(), rec.Timezone, string(attendees),
		rec.RemoteVersion, rec.LocalVersion, rec.Dirty, rec.Deleted, rec.SyncFailed,
		rec.LocalModifiedAt.UnixMilli(), rec.LastSyncedAt.UnixMilli(),
	)
	if err != nil {
		err := fmt.Errorf("could not execute query: %w", err)
		log.Error(err)
		return err
	}
	return nil
}

// UpdateRecord replaces the full row in a single statement, so a concurrent
// reader never observes a record mid-update.
func (r *RepositoryImpl) UpdateRecord(ctx context.Context, userId int, rec EventRecord) error {
	attendees, err := json.Marshal(rec.Attendees)
	if err != nil {
		return fmt.Errorf("could not marshal attendees: %w", err)
	}

	query := `UPDATE event_records
			  SET calendar_id = ?, remote_id = ?, title = ?, start_time = ?, end_time = ?, timezone = ?,
				  attendees = ?, remote_version = ?, local_version = ?, dirty = ?, deleted = ?, sync_failed = ?,
				  local_modified_at = ?, last_synced_at = ?
			  WHERE local_id = ? AND user_id = ?`
	res, err := r.getQueryer().ExecContext(ctx, query,
		rec.CalendarId, rec.RemoteId, rec.Title, rec.StartTime.UnixMilli(), rec.EndTime.UnixMilli(),
		rec.Timezone, string(attendees), rec.RemoteVersion, rec.LocalVersion, rec.Dirty, rec.Deleted,
		rec.SyncFailed, rec.LocalModifiedAt.UnixMilli(), rec.LastSyncedAt.UnixMilli(),
		rec.LocalId.String(), userId,
	)
	if err != nil {
		err := fmt.Errorf("could not execute query: %w", err)
		log.Error(err)
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrRecordNotFound
	}
	return nil
}

func (r *RepositoryImpl) GetRecord(ctx context.Context, userId int, localId uuid.UUID) (EventRecord, error) {
	query := `SELECT ` + recordColumns + ` FROM event_records WHERE user_id = ? AND local_id = ?`
	return scanRecord(r.getQueryer().QueryRowContext(ctx, query, userId, localId.String()))
}

func (r *RepositoryImpl) FindByRemoteId(ctx context.Context, userId int, calendarId, remoteId string) (EventRecord, error) {
	query := `SELECT ` + recordColumns + ` FROM event_records WHERE user_id = ? AND calendar_id = ? AND remote_id = ?`
	return scanRecord(r.getQueryer().QueryRowContext(ctx, query, userId, calendarId, remoteId))
}

// ListRecords returns all live (non-tombstoned) records overlapping [from, to].
func (r *RepositoryImpl) ListRecords(ctx context.Context, userId int, calendarId string, from, to time.Time) ([]EventRecord, error) {
	query := `SELECT ` + recordColumns + `
			  FROM event_records
			  WHERE user_id = ? AND calendar_id = ? AND deleted = 0
				AND start_time <= ? AND end_time >= ?
			  ORDER BY start_time`
	return r.queryRecords(ctx, query, userId, calendarId, to.UnixMilli(), from.UnixMilli())
}

func (r *RepositoryImpl) ListDirty(ctx context.Context, userId int, calendarId string) ([]EventRecord, error) {
	query := `SELECT ` + recordColumns + `
			  FROM event_records
			  WHERE user_id = ? AND calendar_id = ? AND dirty = 1
			  ORDER BY local_modified_at`
	return r.queryRecords(ctx, query, userId, calendarId)
}

func (r *RepositoryImpl) queryRecords(ctx context.Context, query string, args ...interface{}) ([]EventRecord, error) {
	rows, err := r.getQueryer().QueryContext(ctx, query, args...)
	if err != nil {
		err := fmt.Errorf("could not query event records: %w", err)
		log.Error(err)
		return nil, err
	}
	defer rows.Close()

	records := make([]EventRecord, 0, 10)
	for rows.Next() {
		rec, err := scanRecordRow(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		err := fmt.Errorf("error iterating over rows: %w", err)
		log.Error(err)
		return nil, err
	}
	return records, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(row *sql.Row) (EventRecord, error) {
	rec, err := scanRecordRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return EventRecord{}, ErrRecordNotFound
	}
	return rec, err
}

func scanRecordRow(row rowScanner) (EventRecord, error) {
	var (
		rec             EventRecord
		localId         string
		attendees       string
		startMillis     int64
		endMillis       int64
		modifiedMillis  int64
		lastSyncedMilli int64
	)
	err := row.Scan(&localId, &rec.CalendarId, &rec.RemoteId, &rec.Title, &startMillis, &endMillis,
		&rec.Timezone, &attendees, &rec.RemoteVersion, &rec.LocalVersion, &rec.Dirty, &rec.Deleted,
		&rec.SyncFailed, &modifiedMillis, &lastSyncedMilli)
	if errors.Is(err, sql.ErrNoRows) {
		return EventRecord{}, err
	} else if err != nil {
		err := fmt.Errorf("could not scan row: %w", err)
		log.Error(err)
		return EventRecord{}, err
	}

	rec.LocalId, err = uuid.Parse(localId)
	if err != nil {
		return EventRecord{}, fmt.Errorf("invalid local id %q: %w", localId, err)
	}
	if err := json.Unmarshal([]byte(attendees), &rec.Attendees); err != nil {
		return EventRecord{}, fmt.Errorf("could not unmarshal attendees: %w", err)
	}
	rec.StartTime = time.UnixMilli(startMillis)
	rec.EndTime = time.UnixMilli(endMillis)
	rec.LocalModifiedAt = time.UnixMilli(modifiedMillis)
	rec.LastSyncedAt = time.UnixMilli(lastSyncedMilli)
	return rec, nil
}

// ClearDirty confirms a pushed record: stores the provider identity and
// version, and drops the dirty flag only while the record still matches the
// pushed snapshot. An edit committed after the snapshot was read bumps
// local_version, so the record stays dirty and its newer mutation pushes on
// a later pass.
func (r *RepositoryImpl) ClearDirty(ctx context.Context, userId int, localId uuid.UUID, remoteId, remoteVersion string, localVersion int64, syncedAt time.Time) error {
	query := `UPDATE event_records
			  SET remote_id = ?, remote_version = ?, last_synced_at = ?,
				  dirty = CASE WHEN local_version = ? THEN 0 ELSE dirty END,
				  sync_failed = CASE WHEN local_version = ? THEN 0 ELSE sync_failed END
			  WHERE local_id = ? AND user_id = ?`
	return r.execOnRecord(ctx, query, remoteId, remoteVersion, syncedAt.UnixMilli(),
		localVersion, localVersion, localId.String(), userId)
}

func (r *RepositoryImpl) MarkSyncFailed(ctx context.Context, userId int, localId uuid.UUID, failed bool) error {
	query := `UPDATE event_records SET sync_failed = ? WHERE local_id = ? AND user_id = ?`
	return r.execOnRecord(ctx, query, failed, localId.String(), userId)
}

func (r *RepositoryImpl) Tombstone(ctx context.Context, userId int, localId uuid.UUID) error {
	query := `UPDATE event_records SET deleted = 1, dirty = 0 WHERE local_id = ? AND user_id = ?`
	return r.execOnRecord(ctx, query, localId.String(), userId)
}

func (r *RepositoryImpl) PurgeRecord(ctx context.Context, userId int, localId uuid.UUID) error {
	query := `DELETE FROM event_records WHERE local_id = ? AND user_id = ?`
	return r.execOnRecord(ctx, query, localId.String(), userId)
}

func (r *RepositoryImpl) execOnRecord(ctx context.Context, query string, args ...interface{}) error {
	res, err := r.getQueryer().ExecContext(ctx, query, args...)
	if err != nil {
		err := fmt.Errorf("could not execute query: %w", err)
		log.Error(err)
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrRecordNotFound
	}
	return nil
}

func (r *RepositoryImpl) GetCursor(ctx context.Context, userId int, calendarId string) (string, error) {
	query := `SELECT cursor FROM synced_calendars WHERE user_id = ? AND calendar_id = ?`
	var cursor string
	err := r.getQueryer().QueryRowContext(ctx, query, userId, calendarId).Scan(&cursor)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	} else if err != nil {
		err := fmt.Errorf("could not query cursor: %w", err)
		log.Error(err)
		return "", err
	}
	return cursor, nil
}

// SetCursor stores the incremental-sync position. Writing a cursor for a
// calendar that was never enrolled is an error, never a silent no-op.
func (r *RepositoryImpl) SetCursor(ctx context.Context, userId int, calendarId, cursor string) error {
	query := `UPDATE synced_calendars SET cursor = ? WHERE user_id = ? AND calendar_id = ?`
	res, err := r.getQueryer().ExecContext(ctx, query, cursor, userId, calendarId)
	if err != nil {
		err := fmt.Errorf("could not store cursor: %w", err)
		log.Error(err)
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrCalendarNotSynced
	}
	return nil
}

func (r *RepositoryImpl) EnableCalendar(ctx context.Context, userId int, cal SyncedCalendar) error {
	query := `INSERT INTO synced_calendars (user_id, calendar_id, summary, cursor, enabled)
			  VALUES (?, ?, ?, '', 1)
			  ON CONFLICT (user_id, calendar_id) DO UPDATE SET summary = excluded.summary, enabled = 1`
	_, err := r.getQueryer().ExecContext(ctx, query, userId, cal.CalendarId, cal.Summary)
	if err != nil {
		err := fmt.Errorf("could not enable calendar: %w", err)
		log.Error(err)
		return err
	}
	return nil
}

func (r *RepositoryImpl) DisableCalendar(ctx context.Context, userId int, calendarId string) error {
	query := `UPDATE synced_calendars SET enabled = 0 WHERE user_id = ? AND calendar_id = ?`
	_, err := r.getQueryer().ExecContext(ctx, query, userId, calendarId)
	if err != nil {
		err := fmt.Errorf("could not disable calendar: %w", err)
		log.Error(err)
		return err
	}
	return nil
}

func (r *RepositoryImpl) ListSyncedCalendars(ctx context.Context, userId int) ([]SyncedCalendar, error) {
	query := `SELECT user_id, calendar_id, summary, cursor, enabled FROM synced_calendars WHERE user_id = ? AND enabled = 1`
	return r.queryCalendars(ctx, query, userId)
}

func (r *RepositoryImpl) ListAllSyncedCalendars(ctx context.Context) ([]SyncedCalendar, error) {
	query := `SELECT user_id, calendar_id, summary, cursor, enabled FROM synced_calendars WHERE enabled = 1`
	return r.queryCalendars(ctx, query)
}

func (r *RepositoryImpl) queryCalendars(ctx context.Context, query string, args ...interface{}) ([]SyncedCalendar, error) {
	rows, err := r.getQueryer().QueryContext(ctx, query, args...)
	if err != nil {
		err := fmt.Errorf("could not query synced calendars: %w", err)
		log.Error(err)
		return nil, err
	}
	defer rows.Close()

	var cals []SyncedCalendar
	for rows.Next() {
		var cal SyncedCalendar
		if err := rows.Scan(&cal.UserId, &cal.CalendarId, &cal.Summary, &cal.Cursor, &cal.Enabled); err != nil {
			err := fmt.Errorf("could not scan row: %w", err)
			log.Error(err)
			return nil, err
		}
		cals = append(cals, cal)
	}
	return cals, rows.Err()
}

func (r *RepositoryImpl) EnqueueMutation(ctx context.Context, userId int, m PendingMutation) (int64, error) {
	query := `INSERT INTO pending_mutations (user_id, local_id, op, created_at, attempts, next_attempt_at, last_error, failed)
			  VALUES (?, ?, ?, ?, 0, 0, '', 0) RETURNING id`
	var id int64
	err := r.getQueryer().QueryRowContext(ctx, query, userId, m.LocalId.String(), string(m.Op), m.CreatedAt.UnixMilli()).Scan(&id)
	if err != nil {
		err := fmt.Errorf("could not enqueue mutation: %w", err)
		log.Error(err)
		return 0, err
	}
	return id, nil
}

// DueMutations returns unfailed mutations for the calendar whose backoff has
// elapsed, in creation (id) order so per-record FIFO is preserved.
func (r *RepositoryImpl) DueMutations(ctx context.Context, userId int, calendarId string, now time.Time) ([]PendingMutation, error) {
	// A mutation is only due when every earlier mutation of the same record
	// has been applied: a backed-off or failed predecessor blocks its
	// successors so operations are never reordered per record.
	query := `SELECT m.id, m.local_id, m.op, m.created_at, m.attempts, m.next_attempt_at, m.last_error, m.failed
			  FROM pending_mutations m
			  INNER JOIN event_records r ON r.local_id = m.local_id AND r.user_id = m.user_id
			  WHERE m.user_id = ? AND r.calendar_id = ? AND m.failed = 0 AND m.next_attempt_at <= ?
			  AND NOT EXISTS (
			      SELECT 1 FROM pending_mutations e
			      WHERE e.user_id = m.user_id AND e.local_id = m.local_id AND e.id < m.id
			        AND (e.failed = 1 OR e.next_attempt_at > ?)
			  )
			  ORDER BY m.id`
	rows, err := r.getQueryer().QueryContext(ctx, query, userId, calendarId, now.UnixMilli(), now.UnixMilli())
	if err != nil {
		err := fmt.Errorf("could not query pending mutations: %w", err)
		log.Error(err)
		return nil, err
	}
	defer rows.Close()

	var muts []PendingMutation
	for rows.Next() {
		var (
			m             PendingMutation
			localId       string
			op            string
			createdMillis int64
			nextMillis    int64
		)
		if err := rows.Scan(&m.Id, &localId, &op, &createdMillis, &m.Attempts, &nextMillis, &m.LastError, &m.Failed); err != nil {
			err := fmt.Errorf("could not scan row: %w", err)
			log.Error(err)
			return nil, err
		}
		m.LocalId, err = uuid.Parse(localId)
		if err != nil {
			return nil, fmt.Errorf("invalid local id %q: %w", localId, err)
		}
		m.Op = MutationOp(op)
		m.CreatedAt = time.UnixMilli(createdMillis)
		m.NextAttemptAt = time.UnixMilli(nextMillis)
		muts = append(muts, m)
	}
	return muts, rows.Err()
}

func (r *RepositoryImpl) CompleteMutation(ctx context.Context, userId int, id int64) error {
	query := `DELETE FROM pending_mutations WHERE id = ? AND user_id = ?`
	return r.execOnMutation(ctx, query, id, userId)
}

func (r *RepositoryImpl) RescheduleMutation(ctx context.Context, userId int, id int64, attempts int, nextAttemptAt time.Time, lastError string) error {
	query := `UPDATE pending_mutations SET attempts = ?, next_attempt_at = ?, last_error = ? WHERE id = ? AND user_id = ?`
	return r.execOnMutation(ctx, query, attempts, nextAttemptAt.UnixMilli(), lastError, id, userId)
}

// FailMutation keeps the mutation row for a manual retry but takes it out of
// the push set.
func (r *RepositoryImpl) FailMutation(ctx context.Context, userId int, id int64, lastError string) error {
	query := `UPDATE pending_mutations SET failed = 1, last_error = ? WHERE id = ? AND user_id = ?`
	return r.execOnMutation(ctx, query, lastError, id, userId)
}

func (r *RepositoryImpl) execOnMutation(ctx context.Context, query string, args ...interface{}) error {
	res, err := r.getQueryer().ExecContext(ctx, query, args...)
	if err != nil {
		err := fmt.Errorf("could not execute query: %w", err)
		log.Error(err)
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrMutationNotFound
	}
	return nil
}

func (r *RepositoryImpl) DiscardMutationsForRecord(ctx context.Context, userId int, localId uuid.UUID) error {
	query := `DELETE FROM pending_mutations WHERE user_id = ? AND local_id = ?`
	_, err := r.getQueryer().ExecContext(ctx, query, userId, localId.String())
	if err != nil {
		err := fmt.Errorf("could not discard mutations: %w", err)
		log.Error(err)
		return err
	}
	return nil
}

func (r *RepositoryImpl) HasPendingMutations(ctx context.Context, userId int, localId uuid.UUID) (bool, error) {
	query := `SELECT COUNT(1) FROM pending_mutations WHERE user_id = ? AND local_id = ? AND failed = 0`
	var count int
	if err := r.getQueryer().QueryRowContext(ctx, query, userId, localId.String()).Scan(&count); err != nil {
		err := fmt.Errorf("could not count mutations: %w", err)
		log.Error(err)
		return false, err
	}
	return count > 0, nil
}
