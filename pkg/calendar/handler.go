package calendar

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/meetsync/meetsync/internal/rest"
	log "github.com/sirupsen/logrus"
)

type Handler struct {
	service *Service
}

func NewHandler(s *Service) *Handler {
	return &Handler{s}
}

type EventDTO struct {
	LocalId    string    `json:"localId"`
	CalendarId string    `json:"calendarId"`
	RemoteId   string    `json:"remoteId,omitempty"`
	Title      string    `json:"title"`
	StartTime  time.Time `json:"start"`
	EndTime    time.Time `json:"end"`
	Timezone   string    `json:"timezone"`
	Attendees  []string  `json:"attendees"`
	Dirty      bool      `json:"dirty"`
	SyncFailed bool      `json:"syncFailed"`
}

type SyncedCalendarDTO struct {
	CalendarId string `json:"calendarId"`
	Summary    string `json:"summary"`
	Enabled    bool   `json:"enabled"`
}

func (h *Handler) GetEvents(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	calendarId := mux.Vars(r)["calendarId"]

	from, err := time.Parse(time.RFC3339, r.URL.Query().Get("from"))
	if err != nil {
		writeBadRequest(w, "Invalid from (date) format", "'from' must be in RFC3339 format")
		return
	}
	to, err := time.Parse(time.RFC3339, r.URL.Query().Get("to"))
	if err != nil {
		writeBadRequest(w, "Invalid to (date) format", "'to' must be in RFC3339 format")
		return
	}

	events, err := h.service.Events(r.Context(), calendarId, from, to)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	dtos := make([]EventDTO, 0, len(events))
	for _, e := range events {
		dtos = append(dtos, eventToDTO(e))
	}
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(dtos); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func (h *Handler) CreateEvent(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	var dto EventDTO
	if err := json.NewDecoder(r.Body).Decode(&dto); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	dto.CalendarId = mux.Vars(r)["calendarId"]

	created, err := h.service.CreateLocal(r.Context(), dtoToEvent(dto))
	if err != nil {
		log.Errorf("failed to create event: %v", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusCreated)
	if err := json.NewEncoder(w).Encode(eventToDTO(created)); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func (h *Handler) UpdateEvent(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	localId, err := uuid.Parse(mux.Vars(r)["localId"])
	if err != nil {
		writeBadRequest(w, "Invalid event id", "event id must be a UUID")
		return
	}

	var dto EventDTO
	if err := json.NewDecoder(r.Body).Decode(&dto); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	event := dtoToEvent(dto)
	event.LocalId = localId

	updated, err := h.service.UpdateLocal(r.Context(), event)
	if err != nil {
		if errors.Is(err, ErrRecordNotFound) {
			http.Error(w, "event not found", http.StatusNotFound)
			return
		}
		log.Errorf("failed to update event: %v", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(eventToDTO(updated)); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func (h *Handler) DeleteEvent(w http.ResponseWriter, r *http.Request) {
	localId, err := uuid.Parse(mux.Vars(r)["localId"])
	if err != nil {
		writeBadRequest(w, "Invalid event id", "event id must be a UUID")
		return
	}

	if err := h.service.DeleteLocal(r.Context(), localId); err != nil {
		if errors.Is(err, ErrRecordNotFound) {
			http.Error(w, "event not found", http.StatusNotFound)
			return
		}
		log.Errorf("failed to delete event: %v", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) ListSyncedCalendars(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	cals, err := h.service.SyncedCalendars(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	dtos := make([]SyncedCalendarDTO, 0, len(cals))
	for _, c := range cals {
		dtos = append(dtos, SyncedCalendarDTO{CalendarId: c.CalendarId, Summary: c.Summary, Enabled: c.Enabled})
	}
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(dtos); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func (h *Handler) EnableCalendar(w http.ResponseWriter, r *http.Request) {
	var dto SyncedCalendarDTO
	if err := json.NewDecoder(r.Body).Decode(&dto); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if dto.CalendarId == "" {
		writeBadRequest(w, "calendarId is required", "")
		return
	}
	err := h.service.EnableCalendar(r.Context(), SyncedCalendar{CalendarId: dto.CalendarId, Summary: dto.Summary})
	if err != nil {
		log.Errorf("failed to enable calendar: %v", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) DisableCalendar(w http.ResponseWriter, r *http.Request) {
	calendarId := mux.Vars(r)["calendarId"]
	if err := h.service.DisableCalendar(r.Context(), calendarId); err != nil {
		log.Errorf("failed to disable calendar: %v", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func writeBadRequest(w http.ResponseWriter, msg, details string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusBadRequest)
	encodeErr := json.NewEncoder(w).Encode(rest.ErrorResponse{Error: msg, Details: details})
	if encodeErr != nil {
		http.Error(w, encodeErr.Error(), http.StatusInternalServerError)
	}
}

func eventToDTO(e EventRecord) EventDTO {
	return EventDTO{
		LocalId:    e.LocalId.String(),
		CalendarId: e.CalendarId,
		RemoteId:   e.RemoteId,
		Title:      e.Title,
		StartTime:  e.StartTime,
		EndTime:    e.EndTime,
		Timezone:   e.Timezone,
		Attendees:  e.Attendees,
		Dirty:      e.Dirty,
		SyncFailed: e.SyncFailed,
	}
}

func dtoToEvent(dto EventDTO) EventRecord {
	return EventRecord{
		CalendarId: dto.CalendarId,
		Title:      dto.Title,
		StartTime:  dto.StartTime,
		EndTime:    dto.EndTime,
		Timezone:   dto.Timezone,
		Attendees:  dto.Attendees,
	}
}
