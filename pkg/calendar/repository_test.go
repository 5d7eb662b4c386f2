package calendar

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/meetsync/meetsync/internal/test_utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func insertTestUser(t *testing.T, db *sql.DB) int {
	t.Helper()
	res, err := db.Exec(
		"INSERT INTO users (uid, display_name, email, timezone) VALUES (?, ?, ?, ?)",
		"test-user", "Test User", "test@example.com", "Europe/Warsaw",
	)
	require.NoError(t, err)
	id, err := res.LastInsertId()
	require.NoError(t, err)
	return int(id)
}

func testRecord(calendarId string) EventRecord {
	start := time.Date(2025, time.March, 10, 9, 0, 0, 0, time.UTC)
	return EventRecord{
		LocalId:         uuid.New(),
		CalendarId:      calendarId,
		Title:           "Weekly planning",
		StartTime:       start,
		EndTime:         start.Add(time.Hour),
		Timezone:        "Europe/Warsaw",
		Attendees:       []string{"alice@example.com", "bob@example.com"},
		LocalVersion:    1,
		Dirty:           true,
		LocalModifiedAt: start.Add(-time.Minute),
	}
}

func TestRecordLifecycle(t *testing.T) {
	ctx := context.Background()
	db := test_utils.SetupTestDB(t)
	userId := insertTestUser(t, db)
	repo := NewRepository(db)

	t.Run("create and read back a record", func(t *testing.T) {
		rec := testRecord("primary")
		require.NoError(t, repo.CreateRecord(ctx, userId, rec))

		stored, err := repo.GetRecord(ctx, userId, rec.LocalId)
		require.NoError(t, err)
		assert.Equal(t, rec.Title, stored.Title)
		assert.Equal(t, rec.StartTime.UnixMilli(), stored.StartTime.UnixMilli())
		assert.Equal(t, rec.EndTime.UnixMilli(), stored.EndTime.UnixMilli())
		assert.Equal(t, rec.Attendees, stored.Attendees)
		assert.True(t, stored.Dirty)
	})

	t.Run("unknown record returns ErrRecordNotFound", func(t *testing.T) {
		_, err := repo.GetRecord(ctx, userId, uuid.New())
		assert.ErrorIs(t, err, ErrRecordNotFound)
	})

	t.Run("update replaces the whole row", func(t *testing.T) {
		rec := testRecord("primary")
		require.NoError(t, repo.CreateRecord(ctx, userId, rec))

		rec.Title = "Weekly planning (moved)"
		rec.StartTime = rec.StartTime.Add(30 * time.Minute)
		rec.LocalVersion = 2
		require.NoError(t, repo.UpdateRecord(ctx, userId, rec))

		stored, err := repo.GetRecord(ctx, userId, rec.LocalId)
		require.NoError(t, err)
		assert.Equal(t, "Weekly planning (moved)", stored.Title)
		assert.Equal(t, int64(2), stored.LocalVersion)
		assert.Equal(t, rec.StartTime.UnixMilli(), stored.StartTime.UnixMilli())
	})

	t.Run("clear dirty records remote identity and sync time", func(t *testing.T) {
		rec := testRecord("primary")
		require.NoError(t, repo.CreateRecord(ctx, userId, rec))

		syncedAt := time.Date(2025, time.March, 10, 10, 0, 0, 0, time.UTC)
		require.NoError(t, repo.ClearDirty(ctx, userId, rec.LocalId, "remote-1", "etag-1", rec.LocalVersion, syncedAt))

		stored, err := repo.GetRecord(ctx, userId, rec.LocalId)
		require.NoError(t, err)
		assert.False(t, stored.Dirty)
		assert.Equal(t, "remote-1", stored.RemoteId)
		assert.Equal(t, "etag-1", stored.RemoteVersion)
		assert.Equal(t, syncedAt.UnixMilli(), stored.LastSyncedAt.UnixMilli())
	})

	t.Run("clear dirty against a stale snapshot keeps the record dirty", func(t *testing.T) {
		rec := testRecord("primary")
		rec.SyncFailed = true
		require.NoError(t, repo.CreateRecord(ctx, userId, rec))

		// An edit lands after the push read its snapshot.
		edited := rec
		edited.Title = "Weekly planning (edited mid-push)"
		edited.LocalVersion = rec.LocalVersion + 1
		require.NoError(t, repo.UpdateRecord(ctx, userId, edited))

		syncedAt := time.Date(2025, time.March, 10, 10, 0, 0, 0, time.UTC)
		require.NoError(t, repo.ClearDirty(ctx, userId, rec.LocalId, "remote-1", "etag-1", rec.LocalVersion, syncedAt))

		stored, err := repo.GetRecord(ctx, userId, rec.LocalId)
		require.NoError(t, err)
		assert.True(t, stored.Dirty)
		assert.True(t, stored.SyncFailed)
		assert.Equal(t, "remote-1", stored.RemoteId)
		assert.Equal(t, "etag-1", stored.RemoteVersion)
		assert.Equal(t, syncedAt.UnixMilli(), stored.LastSyncedAt.UnixMilli())
	})

	t.Run("tombstone hides record from listing but keeps the row", func(t *testing.T) {
		rec := testRecord("primary")
		require.NoError(t, repo.CreateRecord(ctx, userId, rec))
		require.NoError(t, repo.Tombstone(ctx, userId, rec.LocalId))

		stored, err := repo.GetRecord(ctx, userId, rec.LocalId)
		require.NoError(t, err)
		assert.True(t, stored.Deleted)
		assert.False(t, stored.Dirty)

		listed, err := repo.ListRecords(ctx, userId, "primary",
			rec.StartTime.Add(-time.Hour), rec.EndTime.Add(time.Hour))
		require.NoError(t, err)
		for _, l := range listed {
			assert.NotEqual(t, rec.LocalId, l.LocalId)
		}
	})

	t.Run("purge removes the row entirely", func(t *testing.T) {
		rec := testRecord("primary")
		require.NoError(t, repo.CreateRecord(ctx, userId, rec))
		require.NoError(t, repo.PurgeRecord(ctx, userId, rec.LocalId))

		_, err := repo.GetRecord(ctx, userId, rec.LocalId)
		assert.ErrorIs(t, err, ErrRecordNotFound)
	})

	t.Run("find by remote id", func(t *testing.T) {
		rec := testRecord("work")
		rec.RemoteId = "remote-find-me"
		require.NoError(t, repo.CreateRecord(ctx, userId, rec))

		found, err := repo.FindByRemoteId(ctx, userId, "work", "remote-find-me")
		require.NoError(t, err)
		assert.Equal(t, rec.LocalId, found.LocalId)

		_, err = repo.FindByRemoteId(ctx, userId, "work", "no-such-remote")
		assert.ErrorIs(t, err, ErrRecordNotFound)
	})
}

func TestListRecords(t *testing.T) {
	ctx := context.Background()
	db := test_utils.SetupTestDB(t)
	userId := insertTestUser(t, db)
	repo := NewRepository(db)

	base := time.Date(2025, time.March, 10, 9, 0, 0, 0, time.UTC)
	for i, title := range []string{"first", "second", "third"} {
		rec := testRecord("primary")
		rec.Title = title
		rec.StartTime = base.Add(time.Duration(i) * 24 * time.Hour)
		rec.EndTime = rec.StartTime.Add(time.Hour)
		require.NoError(t, repo.CreateRecord(ctx, userId, rec))
	}

	t.Run("returns only records overlapping the range, ordered by start", func(t *testing.T) {
		listed, err := repo.ListRecords(ctx, userId, "primary", base.Add(-time.Hour), base.Add(36*time.Hour))
		require.NoError(t, err)
		require.Len(t, listed, 2)
		assert.Equal(t, "first", listed[0].Title)
		assert.Equal(t, "second", listed[1].Title)
	})

	t.Run("other calendars are not included", func(t *testing.T) {
		listed, err := repo.ListRecords(ctx, userId, "work", base.Add(-time.Hour), base.Add(72*time.Hour))
		require.NoError(t, err)
		assert.Empty(t, listed)
	})
}

func TestDirtyIndex(t *testing.T) {
	ctx := context.Background()
	db := test_utils.SetupTestDB(t)
	userId := insertTestUser(t, db)
	repo := NewRepository(db)

	dirty := testRecord("primary")
	require.NoError(t, repo.CreateRecord(ctx, userId, dirty))

	clean := testRecord("primary")
	clean.Dirty = false
	require.NoError(t, repo.CreateRecord(ctx, userId, clean))

	listed, err := repo.ListDirty(ctx, userId, "primary")
	require.NoError(t, err)
	require.Len(t, listed, 1)
	assert.Equal(t, dirty.LocalId, listed[0].LocalId)

	require.NoError(t, repo.MarkSyncFailed(ctx, userId, dirty.LocalId, true))
	stored, err := repo.GetRecord(ctx, userId, dirty.LocalId)
	require.NoError(t, err)
	assert.True(t, stored.SyncFailed)
}

func TestCursorPersistence(t *testing.T) {
	ctx := context.Background()
	db := test_utils.SetupTestDB(t)
	userId := insertTestUser(t, db)
	repo := NewRepository(db)

	require.NoError(t, repo.EnableCalendar(ctx, userId, SyncedCalendar{CalendarId: "primary", Summary: "Primary"}))

	t.Run("cursor starts empty", func(t *testing.T) {
		cursor, err := repo.GetCursor(ctx, userId, "primary")
		require.NoError(t, err)
		assert.Empty(t, cursor)
	})

	t.Run("set and read back", func(t *testing.T) {
		require.NoError(t, repo.SetCursor(ctx, userId, "primary", "token-1"))
		cursor, err := repo.GetCursor(ctx, userId, "primary")
		require.NoError(t, err)
		assert.Equal(t, "token-1", cursor)
	})

	t.Run("storing a cursor for an unknown calendar fails", func(t *testing.T) {
		err := repo.SetCursor(ctx, userId, "never-enrolled", "token-x")
		assert.ErrorIs(t, err, ErrCalendarNotSynced)
	})

	t.Run("clearing resets to full listing", func(t *testing.T) {
		require.NoError(t, repo.SetCursor(ctx, userId, "primary", ""))
		cursor, err := repo.GetCursor(ctx, userId, "primary")
		require.NoError(t, err)
		assert.Empty(t, cursor)
	})

	t.Run("re-enabling keeps the stored cursor", func(t *testing.T) {
		require.NoError(t, repo.SetCursor(ctx, userId, "primary", "token-2"))
		require.NoError(t, repo.EnableCalendar(ctx, userId, SyncedCalendar{CalendarId: "primary", Summary: "Primary (renamed)"}))

		cursor, err := repo.GetCursor(ctx, userId, "primary")
		require.NoError(t, err)
		assert.Equal(t, "token-2", cursor)

		cals, err := repo.ListSyncedCalendars(ctx, userId)
		require.NoError(t, err)
		require.Len(t, cals, 1)
		assert.Equal(t, "Primary (renamed)", cals[0].Summary)
		assert.True(t, cals[0].Enabled)
	})

	t.Run("disabled calendars drop out of the active listing", func(t *testing.T) {
		require.NoError(t, repo.DisableCalendar(ctx, userId, "primary"))
		cals, err := repo.ListAllSyncedCalendars(ctx)
		require.NoError(t, err)
		assert.Empty(t, cals)
	})
}

func TestMutationQueue(t *testing.T) {
	ctx := context.Background()
	db := test_utils.SetupTestDB(t)
	userId := insertTestUser(t, db)
	repo := NewRepository(db)

	now := time.Date(2025, time.March, 10, 12, 0, 0, 0, time.UTC)
	rec := testRecord("primary")
	require.NoError(t, repo.CreateRecord(ctx, userId, rec))

	enqueue := func(t *testing.T, op MutationOp) int64 {
		t.Helper()
		id, err := repo.EnqueueMutation(ctx, userId, PendingMutation{LocalId: rec.LocalId, Op: op, CreatedAt: now})
		require.NoError(t, err)
		return id
	}

	t.Run("due mutations come back in enqueue order", func(t *testing.T) {
		enqueue(t, OpCreate)
		enqueue(t, OpUpdate)
		enqueue(t, OpDelete)

		due, err := repo.DueMutations(ctx, userId, "primary", now)
		require.NoError(t, err)
		require.Len(t, due, 3)
		assert.Equal(t, OpCreate, due[0].Op)
		assert.Equal(t, OpUpdate, due[1].Op)
		assert.Equal(t, OpDelete, due[2].Op)
	})

	t.Run("rescheduled mutation is not due until its backoff expires", func(t *testing.T) {
		due, err := repo.DueMutations(ctx, userId, "primary", now)
		require.NoError(t, err)
		first := due[0]

		require.NoError(t, repo.RescheduleMutation(ctx, userId, first.Id, 1, now.Add(2*time.Second), "rate limited"))

		due, err = repo.DueMutations(ctx, userId, "primary", now)
		require.NoError(t, err)
		for _, m := range due {
			assert.NotEqual(t, first.Id, m.Id)
		}

		due, err = repo.DueMutations(ctx, userId, "primary", now.Add(3*time.Second))
		require.NoError(t, err)
		require.NotEmpty(t, due)
		assert.Equal(t, first.Id, due[0].Id)
		assert.Equal(t, 1, due[0].Attempts)
		assert.Equal(t, "rate limited", due[0].LastError)
	})

	t.Run("completing removes the mutation", func(t *testing.T) {
		due, err := repo.DueMutations(ctx, userId, "primary", now.Add(time.Minute))
		require.NoError(t, err)
		before := len(due)
		require.NotZero(t, before)

		require.NoError(t, repo.CompleteMutation(ctx, userId, due[0].Id))

		due, err = repo.DueMutations(ctx, userId, "primary", now.Add(time.Minute))
		require.NoError(t, err)
		assert.Len(t, due, before-1)
	})

	t.Run("failed mutation is kept but never due again", func(t *testing.T) {
		id := enqueue(t, OpUpdate)
		require.NoError(t, repo.FailMutation(ctx, userId, id, "retry budget exhausted"))

		due, err := repo.DueMutations(ctx, userId, "primary", now.Add(time.Hour))
		require.NoError(t, err)
		for _, m := range due {
			assert.NotEqual(t, id, m.Id)
		}

		var failed int
		var lastError string
		err = db.QueryRow("SELECT failed, last_error FROM pending_mutations WHERE id = ?", id).Scan(&failed, &lastError)
		require.NoError(t, err)
		assert.Equal(t, 1, failed)
		assert.Equal(t, "retry budget exhausted", lastError)
	})

	t.Run("discarding clears all mutations for a record", func(t *testing.T) {
		require.NoError(t, repo.DiscardMutationsForRecord(ctx, userId, rec.LocalId))
		pending, err := repo.HasPendingMutations(ctx, userId, rec.LocalId)
		require.NoError(t, err)
		assert.False(t, pending)

		var count int
		err = db.QueryRow("SELECT COUNT(1) FROM pending_mutations WHERE local_id = ?", rec.LocalId.String()).Scan(&count)
		require.NoError(t, err)
		assert.Zero(t, count)
	})
}

func TestWithTransactionRollsBackOnError(t *testing.T) {
	ctx := context.Background()
	db := test_utils.SetupTestDB(t)
	userId := insertTestUser(t, db)
	repo := NewRepository(db)

	rec := testRecord("primary")
	err := repo.WithTransaction(ctx, func(txRepo Repository) error {
		if err := txRepo.CreateRecord(ctx, userId, rec); err != nil {
			return err
		}
		return assert.AnError
	})
	assert.ErrorIs(t, err, assert.AnError)

	_, err = repo.GetRecord(ctx, userId, rec.LocalId)
	assert.ErrorIs(t, err, ErrRecordNotFound)
}
