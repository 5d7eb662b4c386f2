package app

import (
	"github.com/gorilla/mux"
	"github.com/meetsync/meetsync/internal/config"
)

// RegisterRoutes registers all API endpoints.
func RegisterRoutes(r *mux.Router, deps *Dependencies, cfg config.Application) {

	// User management
	r.HandleFunc("/api/user/current", deps.UserHandler.CurrentUser).Methods("GET")
	r.HandleFunc("/api/user/current", deps.UserHandler.UpdateUser).Methods("PUT")
	r.HandleFunc("/api/user", deps.UserHandler.CreateUser).Methods("POST")

	// Profile
	r.HandleFunc("/api/profile", deps.ProfileHandler.GetProfile).Methods("GET")
	r.HandleFunc("/api/profile", deps.ProfileHandler.UpdateProfile).Methods("PUT")

	// Calendar events
	r.HandleFunc("/api/calendar/{calendarId}/event", deps.CalendarHandler.GetEvents).Queries("from", "{from}", "to", "{to}").Methods("GET")
	r.HandleFunc("/api/calendar/{calendarId}/event", deps.CalendarHandler.CreateEvent).Methods("POST")
	r.HandleFunc("/api/calendar/event/{localId}", deps.CalendarHandler.UpdateEvent).Methods("PUT")
	r.HandleFunc("/api/calendar/event/{localId}", deps.CalendarHandler.DeleteEvent).Methods("DELETE")

	// Calendar enrollment
	r.HandleFunc("/api/calendar/synced", deps.CalendarHandler.ListSyncedCalendars).Methods("GET")
	r.HandleFunc("/api/calendar/synced", deps.CalendarHandler.EnableCalendar).Methods("POST")
	r.HandleFunc("/api/calendar/synced/{calendarId}", deps.CalendarHandler.DisableCalendar).Methods("DELETE")

	// Synchronization
	r.HandleFunc("/api/sync/run", deps.SyncHandler.RunSync).Methods("POST")
	r.HandleFunc("/api/sync/status", deps.SyncHandler.GetStatus).Queries("calendarId", "{calendarId}").Methods("GET")

	// Google integration
	r.HandleFunc("/api/integrations/google/auth/login", deps.GoogleAuth.OAuthLogin).Methods("GET")
	r.HandleFunc("/api/integrations/google/auth/logout", deps.GoogleAuth.OAuthLogout).Methods("DELETE")
	r.HandleFunc("/api/integrations/google/auth/callback", deps.GoogleAuth.OAuthCallback).Methods("GET")
	r.HandleFunc("/api/integrations/google/calendars", deps.GoogleHandler.ListCalendars).Methods("GET")
}
