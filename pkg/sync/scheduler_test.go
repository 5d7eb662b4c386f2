package sync

import (
	"context"
	"testing"
	"time"

	"github.com/meetsync/meetsync/internal/event_bus"
	"github.com/meetsync/meetsync/internal/utils"
	"github.com/meetsync/meetsync/pkg/calendar"
	"github.com/meetsync/meetsync/pkg/google"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func schedulerForTest(t *testing.T) (*Scheduler, *calendar.RepositoryStub, *google.ClientStub, *event_bus.EventBus) {
	t.Helper()
	engine, repo, client, _, bus := engineForTest(t)
	scheduler := NewScheduler(engine, bus, testConfig())
	t.Cleanup(scheduler.Stop)
	return scheduler, repo, client, bus
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	require.Fail(t, "condition not met in time")
}

func TestSchedulerTriggerNow(t *testing.T) {
	t.Run("an explicit trigger drives a pass over the enabled calendars", func(t *testing.T) {
		scheduler, repo, client, _ := schedulerForTest(t)
		require.NoError(t, repo.EnableCalendar(context.Background(), 1, calendar.SyncedCalendar{CalendarId: "primary"}))
		require.NoError(t, scheduler.Start())

		scheduler.TriggerNow()

		waitFor(t, func() bool { return client.CallCount("changes") >= 1 })
	})

	t.Run("triggers during a pass coalesce into one follow-up", func(t *testing.T) {
		scheduler, repo, client, _ := schedulerForTest(t)
		require.NoError(t, repo.EnableCalendar(context.Background(), 1, calendar.SyncedCalendar{CalendarId: "primary"}))

		// The run loop is not started yet, so every trigger lands in the
		// buffered channel: all but the first are dropped.
		for i := 0; i < 5; i++ {
			scheduler.TriggerNow()
		}
		require.NoError(t, scheduler.Start())

		waitFor(t, func() bool { return client.CallCount("changes") >= 1 })
		time.Sleep(50 * time.Millisecond)
		assert.Equal(t, 1, client.CallCount("changes"))
	})
}

// blockingClient parks its change listing until the pass context ends and
// reports the error the listing observed.
type blockingClient struct {
	started chan struct{}
	result  chan error
}

func newBlockingClient() *blockingClient {
	return &blockingClient{started: make(chan struct{}, 1), result: make(chan error, 1)}
}

func (c *blockingClient) Changes(ctx context.Context, calendarId string, cursor string) (*google.ChangeSet, error) {
	select {
	case c.started <- struct{}{}:
	default:
	}
	<-ctx.Done()
	c.result <- ctx.Err()
	return nil, ctx.Err()
}

func (c *blockingClient) GetEvent(ctx context.Context, calendarId string, eventId string) (*google.RemoteEvent, error) {
	return nil, google.ErrNotFound
}

func (c *blockingClient) InsertEvent(ctx context.Context, calendarId string, event google.RemoteEvent) (*google.RemoteEvent, error) {
	return nil, google.ErrTransient
}

func (c *blockingClient) UpdateEvent(ctx context.Context, calendarId string, event google.RemoteEvent) (*google.RemoteEvent, error) {
	return nil, google.ErrTransient
}

func (c *blockingClient) DeleteEvent(ctx context.Context, calendarId string, eventId string, version string) error {
	return google.ErrTransient
}

func TestSchedulerStopCancelsRunningPass(t *testing.T) {
	repo := calendar.NewStubRepository()
	require.NoError(t, repo.EnableCalendar(context.Background(), 1, calendar.SyncedCalendar{CalendarId: "primary"}))
	blocking := newBlockingClient()
	bus := event_bus.NewEventBus()
	engine := NewEngine(repo, &stubRemote{client: blocking}, bus, testConfig(), &utils.MockClock{FixedNow: time.Now()})
	scheduler := NewScheduler(engine, bus, testConfig())
	require.NoError(t, scheduler.Start())

	scheduler.TriggerNow()
	select {
	case <-blocking.started:
	case <-time.After(2 * time.Second):
		require.Fail(t, "the pass never reached the remote listing")
	}

	scheduler.Stop()

	select {
	case err := <-blocking.result:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		require.Fail(t, "stop did not cancel the in-flight pass")
	}
}

func TestSchedulerDebounce(t *testing.T) {
	t.Run("a burst of record modifications causes a single pass", func(t *testing.T) {
		scheduler, repo, client, bus := schedulerForTest(t)
		require.NoError(t, repo.EnableCalendar(context.Background(), 1, calendar.SyncedCalendar{CalendarId: "primary"}))
		require.NoError(t, scheduler.Start())

		for i := 0; i < 5; i++ {
			err := bus.Publish(event_bus.NewEvent(context.Background(), event_bus.EventRecordModified, event_bus.RecordModified{UserId: 1, CalendarId: "primary"}))
			require.NoError(t, err)
		}

		waitFor(t, func() bool { return client.CallCount("changes") >= 1 })
		time.Sleep(50 * time.Millisecond)
		assert.Equal(t, 1, client.CallCount("changes"))
	})

	t.Run("stop cancels a pending debounce", func(t *testing.T) {
		scheduler, repo, client, _ := schedulerForTest(t)
		require.NoError(t, repo.EnableCalendar(context.Background(), 1, calendar.SyncedCalendar{CalendarId: "primary"}))
		require.NoError(t, scheduler.Start())

		scheduler.TriggerDebounced()
		scheduler.Stop()

		time.Sleep(50 * time.Millisecond)
		assert.Zero(t, client.CallCount("changes"))
	})
}
