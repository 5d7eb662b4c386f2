package app

import (
	"database/sql"

	"github.com/meetsync/meetsync/internal/config"
	"github.com/meetsync/meetsync/internal/event_bus"
	"github.com/meetsync/meetsync/internal/utils"
	"github.com/meetsync/meetsync/pkg/calendar"
	"github.com/meetsync/meetsync/pkg/google"
	"github.com/meetsync/meetsync/pkg/profile"
	"github.com/meetsync/meetsync/pkg/sync"
	"github.com/meetsync/meetsync/pkg/user"
)

// Dependencies holds all services and handlers for the application.
type Dependencies struct {
	Clock utils.Clock
	Bus   *event_bus.EventBus

	UserService user.Service
	UserHandler *user.Handler

	GoogleCredentials *google.Credentials
	GoogleAuth        *google.GoogleAuth
	GoogleService     google.Service
	GoogleHandler     *google.Handler

	CalendarRepository *calendar.RepositoryImpl
	CalendarService    *calendar.Service
	CalendarHandler    *calendar.Handler

	ProfileClient  profile.Client
	ProfileService profile.Service
	ProfileHandler *profile.Handler

	SyncEngine    *sync.Engine
	SyncScheduler *sync.Scheduler
	SyncHandler   *sync.Handler
}

// BuildDependencies initializes and wires all application services and handlers.
func BuildDependencies(db *sql.DB, cfg config.Application) *Dependencies {
	deps := &Dependencies{}

	deps.Clock = &utils.SystemClock{}
	deps.Bus = event_bus.NewEventBus()

	deps.UserService = user.NewUserService(user.NewUserRepo(db))
	deps.UserHandler = user.NewHandler(deps.UserService)

	deps.GoogleCredentials = google.NewCredentials(db, cfg, deps.Clock)
	deps.GoogleAuth = google.NewGoogleAuth(db, deps.UserService, deps.GoogleCredentials)
	deps.GoogleService = google.NewService(deps.GoogleCredentials)
	deps.GoogleHandler = google.NewHandler(deps.GoogleService)

	deps.CalendarRepository = calendar.NewRepository(db)
	deps.CalendarService = calendar.NewService(deps.CalendarRepository, deps.Bus, deps.Clock)
	deps.CalendarHandler = calendar.NewHandler(deps.CalendarService)

	deps.ProfileClient = profile.NewClient(cfg.RecordStore, deps.GoogleCredentials)
	deps.ProfileService = profile.NewService(deps.ProfileClient, deps.UserService)
	deps.ProfileHandler = profile.NewHandler(deps.ProfileService)

	deps.SyncEngine = sync.NewEngine(deps.CalendarRepository, deps.GoogleService, deps.Bus, cfg.Sync, deps.Clock)
	deps.SyncScheduler = sync.NewScheduler(deps.SyncEngine, deps.Bus, cfg.Sync)
	deps.SyncHandler = sync.NewHandler(deps.SyncScheduler, deps.SyncEngine)

	return deps
}
