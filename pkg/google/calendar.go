package google

import (
	"context"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
	gcal "google.golang.org/api/calendar/v3"
)

// RemoteEvent is a provider-side calendar event. Version carries the etag
// used for conditional writes, Updated the provider's wall-clock
// modification time.
type RemoteEvent struct {
	Id        string
	Version   string
	Title     string
	StartTime time.Time
	EndTime   time.Time
	Timezone  string
	Attendees []string
	Updated   time.Time
	Deleted   bool
}

// ChangeSet is one complete round of incremental changes. NextCursor is
// only usable once every change in Events has been applied.
type ChangeSet struct {
	Events     []RemoteEvent
	NextCursor string
}

// Client is the remote side of the synchronization: incremental change
// listing plus conditional event writes against a single calendar account.
type Client interface {
	Changes(ctx context.Context, calendarId string, cursor string) (*ChangeSet, error)
	GetEvent(ctx context.Context, calendarId string, eventId string) (*RemoteEvent, error)
	InsertEvent(ctx context.Context, calendarId string, event RemoteEvent) (*RemoteEvent, error)
	UpdateEvent(ctx context.Context, calendarId string, event RemoteEvent) (*RemoteEvent, error)
	DeleteEvent(ctx context.Context, calendarId string, eventId string, version string) error
}

type Calendar struct {
	service *gcal.Service
}

func newGoogleCalendar(service *gcal.Service) *Calendar {
	return &Calendar{service: service}
}

// Changes lists everything that changed since cursor. An empty cursor
// requests a full listing; the returned NextCursor resumes from the end of
// this round. An expired cursor surfaces as ErrCursorExpired.
func (c *Calendar) Changes(ctx context.Context, calendarId string, cursor string) (*ChangeSet, error) {
	changeSet := &ChangeSet{}
	pageToken := ""
	for {
		call := c.service.Events.List(calendarId).
			Context(ctx).
			SingleEvents(true).
			ShowDeleted(true).
			MaxResults(250)
		if cursor != "" {
			call = call.SyncToken(cursor)
		}
		if pageToken != "" {
			call = call.PageToken(pageToken)
		}

		page, err := call.Do()
		if err != nil {
			return nil, classifyError(fmt.Errorf("unable to list changes from Google Calendar: %w", err), true)
		}

		for _, item := range page.Items {
			changeSet.Events = append(changeSet.Events, googleEventToRemote(item))
		}

		if page.NextPageToken == "" {
			changeSet.NextCursor = page.NextSyncToken
			return changeSet, nil
		}
		pageToken = page.NextPageToken
	}
}

func (c *Calendar) GetEvent(ctx context.Context, calendarId string, eventId string) (*RemoteEvent, error) {
	item, err := c.service.Events.Get(calendarId, eventId).Context(ctx).Do()
	if err != nil {
		return nil, classifyError(fmt.Errorf("unable to get event from Google Calendar: %w", err), false)
	}
	event := googleEventToRemote(item)
	return &event, nil
}

func (c *Calendar) InsertEvent(ctx context.Context, calendarId string, event RemoteEvent) (*RemoteEvent, error) {
	log.Debugf("inserting event %q into calendar %s", event.Title, calendarId)
	item, err := c.service.Events.Insert(calendarId, remoteToGoogleEvent(event)).Context(ctx).Do()
	if err != nil {
		return nil, classifyError(fmt.Errorf("unable to insert event in Google Calendar: %w", err), false)
	}
	inserted := googleEventToRemote(item)
	return &inserted, nil
}

// UpdateEvent writes the event conditionally: the update is rejected with
// ErrVersionConflict when the remote version no longer matches event.Version.
func (c *Calendar) UpdateEvent(ctx context.Context, calendarId string, event RemoteEvent) (*RemoteEvent, error) {
	log.Debugf("updating event %s in calendar %s", event.Id, calendarId)
	call := c.service.Events.Update(calendarId, event.Id, remoteToGoogleEvent(event)).Context(ctx)
	if event.Version != "" {
		call.Header().Set("If-Match", event.Version)
	}
	item, err := call.Do()
	if err != nil {
		return nil, classifyError(fmt.Errorf("unable to update event in Google Calendar: %w", err), false)
	}
	updated := googleEventToRemote(item)
	return &updated, nil
}

func (c *Calendar) DeleteEvent(ctx context.Context, calendarId string, eventId string, version string) error {
	log.Debugf("deleting event %s from calendar %s", eventId, calendarId)
	call := c.service.Events.Delete(calendarId, eventId).Context(ctx)
	if version != "" {
		call.Header().Set("If-Match", version)
	}
	if err := call.Do(); err != nil {
		return classifyError(fmt.Errorf("unable to delete event from Google Calendar: %w", err), false)
	}
	return nil
}

func googleEventToRemote(item *gcal.Event) RemoteEvent {
	event := RemoteEvent{
		Id:      item.Id,
		Version: item.Etag,
		Title:   item.Summary,
		Deleted: item.Status == "cancelled",
	}
	if item.Updated != "" {
		event.Updated, _ = time.Parse(time.RFC3339, item.Updated)
	}
	if item.Start != nil {
		event.StartTime, _ = time.Parse(time.RFC3339, item.Start.DateTime)
		event.Timezone = item.Start.TimeZone
	}
	if item.End != nil {
		event.EndTime, _ = time.Parse(time.RFC3339, item.End.DateTime)
	}
	for _, attendee := range item.Attendees {
		event.Attendees = append(event.Attendees, attendee.Email)
	}
	return event
}

func remoteToGoogleEvent(event RemoteEvent) *gcal.Event {
	item := &gcal.Event{
		Summary: event.Title,
		Start: &gcal.EventDateTime{
			DateTime: event.StartTime.Format(time.RFC3339),
			TimeZone: event.Timezone,
		},
		End: &gcal.EventDateTime{
			DateTime: event.EndTime.Format(time.RFC3339),
			TimeZone: event.Timezone,
		},
	}
	for _, email := range event.Attendees {
		item.Attendees = append(item.Attendees, &gcal.EventAttendee{Email: email})
	}
	return item
}
