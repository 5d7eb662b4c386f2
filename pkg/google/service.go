package google

import (
	"context"
	"fmt"

	"github.com/meetsync/meetsync/pkg/user"
	log "github.com/sirupsen/logrus"
	"golang.org/x/oauth2"
	"google.golang.org/api/calendar/v3"
	"google.golang.org/api/option"
)

type CalendarItem struct {
	ID      string
	Summary string
}

type Service interface {
	// ClientFor builds a remote client bound to the given user's Google
	// account. Sync passes run outside a request, so the user id is explicit.
	ClientFor(ctx context.Context, userId int) (Client, error)
	ListCalendars(ctx context.Context) ([]CalendarItem, error)
}

type ServiceImpl struct {
	credentials *Credentials
}

func NewService(credentials *Credentials) *ServiceImpl {
	return &ServiceImpl{credentials: credentials}
}

func (s *ServiceImpl) ClientFor(ctx context.Context, userId int) (Client, error) {
	service, err := s.prepareGoogleService(ctx, userId)
	if err != nil {
		return nil, err
	}
	return newGoogleCalendar(service), nil
}

func (s *ServiceImpl) ListCalendars(ctx context.Context) ([]CalendarItem, error) {
	userId, err := user.CurrentId(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get current user: %w", err)
	}

	googleService, err := s.prepareGoogleService(ctx, userId)
	if err != nil {
		return nil, err
	}
	calendars, err := googleService.CalendarList.List().Do()
	if err != nil {
		err := classifyError(fmt.Errorf("unable to retrieve calendars from Google Calendar: %w", err), false)
		log.Error(err)
		return nil, err
	}
	var googleCalendars []CalendarItem
	for _, cal := range calendars.Items {
		googleCalendars = append(googleCalendars, CalendarItem{
			ID:      cal.Id,
			Summary: cal.Summary,
		})
	}
	return googleCalendars, nil
}

func (s *ServiceImpl) prepareGoogleService(ctx context.Context, userId int) (*calendar.Service, error) {
	source := &userTokenSource{ctx: ctx, userId: userId, credentials: s.credentials}
	service, err := calendar.NewService(ctx, option.WithTokenSource(source))
	if err != nil {
		err := fmt.Errorf("unable to build Calendar client: %w", err)
		log.Error(err)
		return nil, err
	}
	return service, nil
}

// userTokenSource lets the Google client pull tokens through Credentials,
// so every request gets the skew and single-flight refresh behavior.
type userTokenSource struct {
	ctx         context.Context
	userId      int
	credentials *Credentials
}

func (s *userTokenSource) Token() (*oauth2.Token, error) {
	return s.credentials.Token(s.ctx, s.userId)
}
