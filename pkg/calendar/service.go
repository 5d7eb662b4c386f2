package calendar

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/meetsync/meetsync/internal/event_bus"
	"github.com/meetsync/meetsync/internal/utils"
	"github.com/meetsync/meetsync/pkg/user"
	log "github.com/sirupsen/logrus"
)

// Service is the only surface the presentation layer touches: read-only
// snapshots of the merged records plus local writes that mark records dirty
// and enqueue pending mutations for the sync engine.
type Service struct {
	repo  Repository
	bus   *event_bus.EventBus
	clock utils.Clock
}

func NewService(repo Repository, bus *event_bus.EventBus, clock utils.Clock) *Service {
	return &Service{repo: repo, bus: bus, clock: clock}
}

func (s *Service) Events(ctx context.Context, calendarId string, from, to time.Time) ([]EventRecord, error) {
	userId, err := user.CurrentId(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get current user: %w", err)
	}
	return s.repo.ListRecords(ctx, userId, calendarId, from, to)
}

func (s *Service) CreateLocal(ctx context.Context, rec EventRecord) (EventRecord, error) {
	userId, err := user.CurrentId(ctx)
	if err != nil {
		return EventRecord{}, fmt.Errorf("failed to get current user: %w", err)
	}

	now := s.clock.Now()
	rec.LocalId = uuid.New()
	rec.RemoteId = ""
	rec.RemoteVersion = ""
	rec.LocalVersion = 1
	rec.Dirty = true
	rec.Deleted = false
	rec.SyncFailed = false
	rec.LocalModifiedAt = now

	err = s.repo.WithTransaction(ctx, func(repo Repository) error {
		if err := repo.CreateRecord(ctx, userId, rec); err != nil {
			return err
		}
		_, err := repo.EnqueueMutation(ctx, userId, PendingMutation{
			LocalId:   rec.LocalId,
			Op:        OpCreate,
			CreatedAt: now,
		})
		return err
	})
	if err != nil {
		return EventRecord{}, fmt.Errorf("failed to create local event: %w", err)
	}

	s.notifyModified(ctx, userId, rec.CalendarId)
	return rec, nil
}

func (s *Service) UpdateLocal(ctx context.Context, rec EventRecord) (EventRecord, error) {
	userId, err := user.CurrentId(ctx)
	if err != nil {
		return EventRecord{}, fmt.Errorf("failed to get current user: %w", err)
	}

	existing, err := s.repo.GetRecord(ctx, userId, rec.LocalId)
	if err != nil {
		return EventRecord{}, err
	}
	if existing.Deleted {
		return EventRecord{}, ErrRecordNotFound
	}

	now := s.clock.Now()
	existing.Title = rec.Title
	existing.StartTime = rec.StartTime
	existing.EndTime = rec.EndTime
	existing.Timezone = rec.Timezone
	existing.Attendees = rec.Attendees
	existing.LocalVersion++
	existing.Dirty = true
	existing.SyncFailed = false
	existing.LocalModifiedAt = now

	err = s.repo.WithTransaction(ctx, func(repo Repository) error {
		if err := repo.UpdateRecord(ctx, userId, existing); err != nil {
			return err
		}
		// A record that never reached the provider is fully covered by its
		// still-queued create; the create push sends the latest snapshot.
		if existing.RemoteId == "" {
			pending, err := repo.HasPendingMutations(ctx, userId, existing.LocalId)
			if err != nil {
				return err
			}
			if pending {
				return nil
			}
		}
		_, err := repo.EnqueueMutation(ctx, userId, PendingMutation{
			LocalId:   existing.LocalId,
			Op:        OpUpdate,
			CreatedAt: now,
		})
		return err
	})
	if err != nil {
		return EventRecord{}, fmt.Errorf("failed to update local event: %w", err)
	}

	s.notifyModified(ctx, userId, existing.CalendarId)
	return existing, nil
}

func (s *Service) DeleteLocal(ctx context.Context, localId uuid.UUID) error {
	userId, err := user.CurrentId(ctx)
	if err != nil {
		return fmt.Errorf("failed to get current user: %w", err)
	}

	existing, err := s.repo.GetRecord(ctx, userId, localId)
	if err != nil {
		return err
	}

	now := s.clock.Now()
	err = s.repo.WithTransaction(ctx, func(repo Repository) error {
		// Never pushed: nothing exists remotely, so the record and its
		// queued mutations simply disappear.
		if existing.RemoteId == "" {
			if err := repo.DiscardMutationsForRecord(ctx, userId, localId); err != nil {
				return err
			}
			return repo.PurgeRecord(ctx, userId, localId)
		}

		existing.Deleted = true
		existing.Dirty = true
		existing.LocalVersion++
		existing.LocalModifiedAt = now
		if err := repo.UpdateRecord(ctx, userId, existing); err != nil {
			return err
		}
		_, err := repo.EnqueueMutation(ctx, userId, PendingMutation{
			LocalId:   localId,
			Op:        OpDelete,
			CreatedAt: now,
		})
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to delete local event: %w", err)
	}

	s.notifyModified(ctx, userId, existing.CalendarId)
	return nil
}

func (s *Service) SyncedCalendars(ctx context.Context) ([]SyncedCalendar, error) {
	userId, err := user.CurrentId(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get current user: %w", err)
	}
	return s.repo.ListSyncedCalendars(ctx, userId)
}

func (s *Service) EnableCalendar(ctx context.Context, cal SyncedCalendar) error {
	userId, err := user.CurrentId(ctx)
	if err != nil {
		return fmt.Errorf("failed to get current user: %w", err)
	}
	return s.repo.EnableCalendar(ctx, userId, cal)
}

func (s *Service) DisableCalendar(ctx context.Context, calendarId string) error {
	userId, err := user.CurrentId(ctx)
	if err != nil {
		return fmt.Errorf("failed to get current user: %w", err)
	}
	return s.repo.DisableCalendar(ctx, userId, calendarId)
}

func (s *Service) notifyModified(ctx context.Context, userId int, calendarId string) {
	err := s.bus.Publish(event_bus.NewEvent(ctx, event_bus.EventRecordModified, event_bus.RecordModified{
		UserId:     userId,
		CalendarId: calendarId,
	}))
	if err != nil {
		log.Errorf("failed to publish record modification: %v", err)
	}
}
