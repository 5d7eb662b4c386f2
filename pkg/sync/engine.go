package sync

import (
	"context"
	"errors"
	"fmt"
	gosync "sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/meetsync/meetsync/internal/config"
	"github.com/meetsync/meetsync/internal/event_bus"
	"github.com/meetsync/meetsync/internal/utils"
	"github.com/meetsync/meetsync/pkg/calendar"
	"github.com/meetsync/meetsync/pkg/google"
	log "github.com/sirupsen/logrus"
)

// errStore marks a local persistence failure, which is always fatal to the
// pass: the cursor and dirty set stay as they were so the next pass resumes
// from durable state.
var errStore = errors.New("event store failure")

type passKey struct {
	userId     int
	calendarId string
}

type PassResult struct {
	Pulled    int
	Pushed    int
	Conflicts int
}

// Engine reconciles one calendar at a time: pull remote deltas, merge them
// with dirty local records, then push pending mutations. Passes for the same
// (user, calendar) pair are serialized; different pairs may run concurrently.
// The engine keeps no durable state of its own, every write goes through the
// repository.
type Engine struct {
	repo   calendar.Repository
	remote google.Service
	bus    *event_bus.EventBus
	clock  utils.Clock
	cfg    config.Sync
	jitter float64

	mu     gosync.Mutex
	passes map[passKey]*gosync.Mutex
	status map[passKey]Status
}

func NewEngine(repo calendar.Repository, remote google.Service, bus *event_bus.EventBus, cfg config.Sync, clock utils.Clock) *Engine {
	return &Engine{
		repo:   repo,
		remote: remote,
		bus:    bus,
		clock:  clock,
		cfg:    cfg,
		jitter: 0.5,
		passes: map[passKey]*gosync.Mutex{},
		status: map[passKey]Status{},
	}
}

func (e *Engine) Status(userId int, calendarId string) Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	if s, ok := e.status[passKey{userId, calendarId}]; ok {
		return s
	}
	return Status{State: StateIdle}
}

// RunAll runs one pass for every enabled (user, calendar) pair. A failing
// pair does not stop the others.
func (e *Engine) RunAll(ctx context.Context) error {
	cals, err := e.repo.ListAllSyncedCalendars(ctx)
	if err != nil {
		return fmt.Errorf("could not list synced calendars: %w", err)
	}
	for _, cal := range cals {
		if _, err := e.RunPass(ctx, cal.UserId, cal.CalendarId); err != nil {
			if ctx.Err() != nil {
				return err
			}
			log.Errorf("sync pass failed for user %d calendar %s: %v", cal.UserId, cal.CalendarId, err)
		}
	}
	return nil
}

func (e *Engine) RunPass(ctx context.Context, userId int, calendarId string) (PassResult, error) {
	key := passKey{userId, calendarId}
	lock := e.passLock(key)
	lock.Lock()
	defer lock.Unlock()

	e.setStatus(key, Status{State: StateSyncing})
	e.publish(ctx, event_bus.SyncStarted, event_bus.SyncResult{UserId: userId, CalendarId: calendarId})

	result, err := e.runPass(ctx, userId, calendarId)
	if err != nil {
		if ctx.Err() != nil {
			// Cancelled at a phase boundary: nothing was left half-applied.
			e.setStatus(key, Status{State: StateIdle})
			return result, err
		}
		reason := reasonFor(err)
		log.Errorf("sync pass for user %d calendar %s failed (%s): %v", userId, calendarId, reason, err)
		e.setStatus(key, Status{State: StateError, Reason: reason})
		e.publish(ctx, event_bus.SyncFailed, event_bus.SyncResult{
			UserId: userId, CalendarId: calendarId, Reason: reason,
		})
		return result, err
	}

	e.setStatus(key, Status{State: StateIdle})
	e.publish(ctx, event_bus.SyncFinished, event_bus.SyncResult{
		UserId: userId, CalendarId: calendarId,
		Pulled: result.Pulled, Pushed: result.Pushed, Conflicts: result.Conflicts,
	})
	return result, nil
}

func (e *Engine) runPass(ctx context.Context, userId int, calendarId string) (PassResult, error) {
	var result PassResult

	client, err := e.remote.ClientFor(ctx, userId)
	if err != nil {
		return result, err
	}

	// Pulling
	cursor, err := e.repo.GetCursor(ctx, userId, calendarId)
	if err != nil {
		return result, fmt.Errorf("%w: %v", errStore, err)
	}
	changes, err := e.listChanges(ctx, client, calendarId, cursor)
	if errors.Is(err, google.ErrCursorExpired) && cursor != "" {
		log.Warnf("sync cursor for user %d calendar %s expired, falling back to a full listing", userId, calendarId)
		cursor = ""
		changes, err = e.listChanges(ctx, client, calendarId, "")
	}
	if err != nil {
		return result, err
	}
	result.Pulled = len(changes.Events)

	if err := ctx.Err(); err != nil {
		return result, err
	}

	// Merging. One transaction: the cursor only advances once every pulled
	// delta is durably merged.
	err = e.repo.WithTransaction(ctx, func(repo calendar.Repository) error {
		for _, remote := range changes.Events {
			conflict, err := e.mergeRemote(ctx, repo, userId, calendarId, remote)
			if err != nil {
				return err
			}
			if conflict {
				result.Conflicts++
			}
		}
		if changes.NextCursor != "" && changes.NextCursor != cursor {
			return repo.SetCursor(ctx, userId, calendarId, changes.NextCursor)
		}
		return nil
	})
	if err != nil {
		return result, fmt.Errorf("%w: %v", errStore, err)
	}

	if err := ctx.Err(); err != nil {
		return result, err
	}

	// Pushing
	pushed, conflicts, err := e.push(ctx, client, userId, calendarId)
	result.Pushed = pushed
	result.Conflicts += conflicts
	return result, err
}

func (e *Engine) listChanges(ctx context.Context, client google.Client, calendarId, cursor string) (*google.ChangeSet, error) {
	callCtx, cancel := e.requestCtx(ctx)
	defer cancel()
	return client.Changes(callCtx, calendarId, cursor)
}

// requestCtx bounds a single remote call. A timeout comes back from the
// client as a transient error.
func (e *Engine) requestCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if e.cfg.RequestTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, e.cfg.RequestTimeout)
}

// mergeRemote folds one remote delta into the local store. Reports whether
// it collided with a dirty local record.
func (e *Engine) mergeRemote(ctx context.Context, repo calendar.Repository, userId int, calendarId string, remote google.RemoteEvent) (bool, error) {
	now := e.clock.Now()

	local, err := repo.FindByRemoteId(ctx, userId, calendarId, remote.Id)
	if errors.Is(err, calendar.ErrRecordNotFound) {
		if remote.Deleted {
			return false, nil
		}
		rec := calendar.EventRecord{
			LocalId:         uuid.New(),
			CalendarId:      calendarId,
			RemoteId:        remote.Id,
			LastSyncedAt:    now,
			LocalModifiedAt: remote.Updated,
		}
		applyRemote(&rec, remote)
		return false, repo.CreateRecord(ctx, userId, rec)
	} else if err != nil {
		return false, err
	}

	if !local.Dirty {
		if remote.Deleted {
			return false, repo.Tombstone(ctx, userId, local.LocalId)
		}
		applyRemote(&local, remote)
		local.LastSyncedAt = now
		return false, repo.UpdateRecord(ctx, userId, local)
	}

	// Dirty local record vs remote delta: conflict.
	if remote.Deleted {
		// Deletions always win over edits.
		if err := repo.DiscardMutationsForRecord(ctx, userId, local.LocalId); err != nil {
			return true, err
		}
		return true, repo.Tombstone(ctx, userId, local.LocalId)
	}
	if local.Deleted {
		// The local deletion wins; retarget it at the just-pulled version.
		local.RemoteVersion = remote.Version
		return true, repo.UpdateRecord(ctx, userId, local)
	}
	if remote.Updated.After(local.LocalModifiedAt) {
		// Remote wins: the local edit is discarded, whole record adopted.
		if err := repo.DiscardMutationsForRecord(ctx, userId, local.LocalId); err != nil {
			return true, err
		}
		applyRemote(&local, remote)
		local.Dirty = false
		local.SyncFailed = false
		local.LastSyncedAt = now
		return true, repo.UpdateRecord(ctx, userId, local)
	}
	// Local wins: the edit stays queued, but the conditional push must
	// target the remote state that was just observed.
	local.RemoteVersion = remote.Version
	return true, repo.UpdateRecord(ctx, userId, local)
}

func (e *Engine) push(ctx context.Context, client google.Client, userId int, calendarId string) (int, int, error) {
	pushed, conflicts := 0, 0

	muts, err := e.repo.DueMutations(ctx, userId, calendarId, e.clock.Now())
	if err != nil {
		return pushed, conflicts, fmt.Errorf("%w: %v", errStore, err)
	}

	for _, m := range muts {
		rec, err := e.repo.GetRecord(ctx, userId, m.LocalId)
		if errors.Is(err, calendar.ErrRecordNotFound) {
			if err := e.repo.CompleteMutation(ctx, userId, m.Id); err != nil {
				return pushed, conflicts, fmt.Errorf("%w: %v", errStore, err)
			}
			continue
		} else if err != nil {
			return pushed, conflicts, fmt.Errorf("%w: %v", errStore, err)
		}

		if m.Op != calendar.OpDelete && (!rec.Dirty || rec.Deleted) {
			// Stale entry: either the record was already reconciled (an
			// earlier push confirmed the snapshot, or the remote side won a
			// merge), or a pending delete supersedes this edit. The eventual
			// delete push carries the final word.
			if err := e.repo.CompleteMutation(ctx, userId, m.Id); err != nil && !errors.Is(err, calendar.ErrMutationNotFound) {
				return pushed, conflicts, fmt.Errorf("%w: %v", errStore, err)
			}
			continue
		}

		err = e.writeRemote(ctx, client, userId, calendarId, m, rec)
		if err == nil {
			pushed++
			continue
		}

		switch {
		case errors.Is(err, errStore), errors.Is(err, google.ErrReauthRequired):
			return pushed, conflicts, err

		case errors.Is(err, google.ErrVersionConflict):
			conflicts++
			retry, cerr := e.resolveConflict(ctx, client, calendarId, userId, m, rec)
			if cerr != nil {
				return pushed, conflicts, cerr
			}
			if !retry {
				continue
			}
			rec, err = e.repo.GetRecord(ctx, userId, m.LocalId)
			if err != nil {
				return pushed, conflicts, fmt.Errorf("%w: %v", errStore, err)
			}
			err = e.writeRemote(ctx, client, userId, calendarId, m, rec)
			if err == nil {
				pushed++
				continue
			}
			if errors.Is(err, errStore) || errors.Is(err, google.ErrReauthRequired) {
				return pushed, conflicts, err
			}
			if errors.Is(err, google.ErrTransient) {
				if ferr := e.rescheduleOrFail(ctx, userId, m, rec, err); ferr != nil {
					return pushed, conflicts, ferr
				}
				continue
			}
			// A second conflict (or any other rejection) after re-resolving
			// is permanent and surfaced.
			if ferr := e.surfaceRejection(ctx, userId, m, rec, err); ferr != nil {
				return pushed, conflicts, ferr
			}

		case errors.Is(err, google.ErrTransient):
			if ferr := e.rescheduleOrFail(ctx, userId, m, rec, err); ferr != nil {
				return pushed, conflicts, ferr
			}

		case errors.Is(err, google.ErrNotFound):
			// The event no longer exists remotely: the remote deletion wins
			// over whatever this mutation wanted to do.
			if ferr := e.adoptRemoteDeletion(ctx, userId, m, rec); ferr != nil {
				return pushed, conflicts, ferr
			}

		default:
			if ferr := e.surfaceRejection(ctx, userId, m, rec, err); ferr != nil {
				return pushed, conflicts, ferr
			}
		}
	}
	return pushed, conflicts, nil
}

// writeRemote performs the conditional remote write for one mutation and, on
// success, records the confirmation locally. Store failures come back
// wrapped in errStore.
func (e *Engine) writeRemote(ctx context.Context, client google.Client, userId int, calendarId string, m calendar.PendingMutation, rec calendar.EventRecord) error {
	now := e.clock.Now()

	callCtx, cancel := e.requestCtx(ctx)
	defer cancel()

	switch m.Op {
	case calendar.OpCreate:
		inserted, err := client.InsertEvent(callCtx, calendarId, remoteFromRecord(rec))
		if err != nil {
			return err
		}
		if err := e.repo.ClearDirty(ctx, userId, rec.LocalId, inserted.Id, inserted.Version, rec.LocalVersion, now); err != nil {
			return fmt.Errorf("%w: %v", errStore, err)
		}

	case calendar.OpUpdate:
		if rec.RemoteId == "" {
			// The create this update depends on never succeeded; the record
			// snapshot is covered by that create (or its failure).
			break
		}
		event := remoteFromRecord(rec)
		event.Id = rec.RemoteId
		event.Version = rec.RemoteVersion
		updated, err := client.UpdateEvent(callCtx, calendarId, event)
		if err != nil {
			return err
		}
		if err := e.repo.ClearDirty(ctx, userId, rec.LocalId, rec.RemoteId, updated.Version, rec.LocalVersion, now); err != nil {
			return fmt.Errorf("%w: %v", errStore, err)
		}

	case calendar.OpDelete:
		if rec.RemoteId != "" {
			if err := client.DeleteEvent(callCtx, calendarId, rec.RemoteId, rec.RemoteVersion); err != nil {
				return err
			}
		}
		// The queue references the record, so it has to be emptied before
		// the row can go.
		if err := e.repo.DiscardMutationsForRecord(ctx, userId, rec.LocalId); err != nil {
			return fmt.Errorf("%w: %v", errStore, err)
		}
		if err := e.repo.PurgeRecord(ctx, userId, rec.LocalId); err != nil {
			return fmt.Errorf("%w: %v", errStore, err)
		}
		return nil

	default:
		return fmt.Errorf("unknown mutation op %q", m.Op)
	}

	if err := e.repo.CompleteMutation(ctx, userId, m.Id); err != nil && !errors.Is(err, calendar.ErrMutationNotFound) {
		return fmt.Errorf("%w: %v", errStore, err)
	}
	return nil
}

// resolveConflict re-runs the merge policy against the now-current remote
// state after a conditional write was rejected. Returns true when the local
// edit won and the write should be retried once.
func (e *Engine) resolveConflict(ctx context.Context, client google.Client, calendarId string, userId int, m calendar.PendingMutation, rec calendar.EventRecord) (bool, error) {
	callCtx, cancel := e.requestCtx(ctx)
	fresh, err := client.GetEvent(callCtx, calendarId, rec.RemoteId)
	cancel()
	if errors.Is(err, google.ErrNotFound) {
		return false, e.adoptRemoteDeletion(ctx, userId, m, rec)
	}
	if errors.Is(err, google.ErrReauthRequired) {
		return false, err
	}
	if err != nil {
		return false, e.rescheduleOrFail(ctx, userId, m, rec, err)
	}

	if !rec.Deleted && fresh.Updated.After(rec.LocalModifiedAt) {
		// Remote wins: drop the local edit and everything queued for it.
		if err := e.repo.DiscardMutationsForRecord(ctx, userId, rec.LocalId); err != nil {
			return false, fmt.Errorf("%w: %v", errStore, err)
		}
		applyRemote(&rec, *fresh)
		rec.Dirty = false
		rec.SyncFailed = false
		rec.LastSyncedAt = e.clock.Now()
		if err := e.repo.UpdateRecord(ctx, userId, rec); err != nil {
			return false, fmt.Errorf("%w: %v", errStore, err)
		}
		return false, nil
	}

	// Local wins (deletions always do): retarget at the current version.
	rec.RemoteVersion = fresh.Version
	if err := e.repo.UpdateRecord(ctx, userId, rec); err != nil {
		return false, fmt.Errorf("%w: %v", errStore, err)
	}
	return true, nil
}

// adoptRemoteDeletion applies deletion precedence when the remote side no
// longer has the event.
func (e *Engine) adoptRemoteDeletion(ctx context.Context, userId int, m calendar.PendingMutation, rec calendar.EventRecord) error {
	if err := e.repo.DiscardMutationsForRecord(ctx, userId, rec.LocalId); err != nil {
		return fmt.Errorf("%w: %v", errStore, err)
	}
	if m.Op == calendar.OpDelete || rec.Deleted {
		if err := e.repo.PurgeRecord(ctx, userId, rec.LocalId); err != nil {
			return fmt.Errorf("%w: %v", errStore, err)
		}
		return nil
	}
	log.Warnf("event %s was deleted remotely, discarding the local edit", rec.LocalId)
	if err := e.repo.Tombstone(ctx, userId, rec.LocalId); err != nil {
		return fmt.Errorf("%w: %v", errStore, err)
	}
	return nil
}

func (e *Engine) rescheduleOrFail(ctx context.Context, userId int, m calendar.PendingMutation, rec calendar.EventRecord, cause error) error {
	attempts := m.Attempts + 1
	if attempts > e.cfg.RetryBudget {
		log.Errorf("mutation %d for event %s exhausted its retry budget: %v", m.Id, rec.LocalId, cause)
		if err := e.repo.FailMutation(ctx, userId, m.Id, cause.Error()); err != nil {
			return fmt.Errorf("%w: %v", errStore, err)
		}
		if err := e.repo.MarkSyncFailed(ctx, userId, rec.LocalId, true); err != nil {
			return fmt.Errorf("%w: %v", errStore, err)
		}
		return nil
	}

	delay := e.retryDelay(m.Attempts)
	// The provider's Retry-After request takes precedence when it is longer
	// than the computed backoff.
	if hint, ok := google.RetryAfter(cause); ok && hint > delay {
		delay = hint
	}
	log.Debugf("rescheduling mutation %d for event %s in %s (attempt %d): %v", m.Id, rec.LocalId, delay, attempts, cause)
	if err := e.repo.RescheduleMutation(ctx, userId, m.Id, attempts, e.clock.Now().Add(delay), cause.Error()); err != nil {
		return fmt.Errorf("%w: %v", errStore, err)
	}
	return nil
}

func (e *Engine) surfaceRejection(ctx context.Context, userId int, m calendar.PendingMutation, rec calendar.EventRecord, cause error) error {
	log.Errorf("mutation %d for event %s was rejected permanently: %v", m.Id, rec.LocalId, cause)
	if err := e.repo.CompleteMutation(ctx, userId, m.Id); err != nil && !errors.Is(err, calendar.ErrMutationNotFound) {
		return fmt.Errorf("%w: %v", errStore, err)
	}
	if err := e.repo.MarkSyncFailed(ctx, userId, rec.LocalId, true); err != nil {
		return fmt.Errorf("%w: %v", errStore, err)
	}
	return nil
}

// retryDelay grows exponentially from the configured base, doubling per
// attempt up to the cap, with jitter.
func (e *Engine) retryDelay(attempts int) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = e.cfg.BackoffBase
	b.RandomizationFactor = e.jitter
	b.Multiplier = 2
	b.MaxInterval = e.cfg.BackoffCap
	b.MaxElapsedTime = 0
	b.Reset()

	delay := b.NextBackOff()
	for i := 0; i < attempts; i++ {
		delay = b.NextBackOff()
	}
	return delay
}

func (e *Engine) passLock(key passKey) *gosync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.passes[key]; !ok {
		e.passes[key] = &gosync.Mutex{}
	}
	return e.passes[key]
}

func (e *Engine) setStatus(key passKey, s Status) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.status[key] = s
}

func (e *Engine) publish(ctx context.Context, eventType event_bus.EventType, result event_bus.SyncResult) {
	if err := e.bus.Publish(event_bus.NewEvent(ctx, eventType, result)); err != nil {
		log.Errorf("failed to publish %s: %v", eventType, err)
	}
}

func reasonFor(err error) string {
	switch {
	case errors.Is(err, google.ErrReauthRequired):
		return ReasonReauthRequired
	case errors.Is(err, google.ErrTransient), errors.Is(err, google.ErrCursorExpired):
		return ReasonRemote
	default:
		return ReasonStore
	}
}

func applyRemote(rec *calendar.EventRecord, remote google.RemoteEvent) {
	rec.Title = remote.Title
	rec.StartTime = remote.StartTime
	rec.EndTime = remote.EndTime
	if remote.Timezone != "" {
		rec.Timezone = remote.Timezone
	}
	rec.Attendees = remote.Attendees
	rec.RemoteVersion = remote.Version
	rec.LocalModifiedAt = remote.Updated
}

func remoteFromRecord(rec calendar.EventRecord) google.RemoteEvent {
	return google.RemoteEvent{
		Title:     rec.Title,
		StartTime: rec.StartTime,
		EndTime:   rec.EndTime,
		Timezone:  rec.Timezone,
		Attendees: rec.Attendees,
	}
}
