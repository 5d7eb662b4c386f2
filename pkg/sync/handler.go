package sync

import (
	"encoding/json"
	"net/http"

	"github.com/meetsync/meetsync/pkg/user"
	log "github.com/sirupsen/logrus"
)

type StatusDTO struct {
	CalendarId string `json:"calendarId"`
	Status     string `json:"status"`
}

type Handler struct {
	scheduler *Scheduler
	engine    *Engine
}

func NewHandler(scheduler *Scheduler, engine *Engine) *Handler {
	return &Handler{scheduler: scheduler, engine: engine}
}

// RunSync is the manual refresh: it schedules a pass right away and returns
// without waiting for it.
func (h *Handler) RunSync(w http.ResponseWriter, r *http.Request) {
	h.scheduler.TriggerNow()
	w.WriteHeader(http.StatusAccepted)
}

func (h *Handler) GetStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	userId, err := user.CurrentId(r.Context())
	if err != nil {
		log.Error("unable to retrieve current user: ", err)
		http.Error(w, "unable to retrieve current user", http.StatusInternalServerError)
		return
	}

	calendarId := r.URL.Query().Get("calendarId")
	if calendarId == "" {
		http.Error(w, "calendarId is required", http.StatusBadRequest)
		return
	}

	status := h.engine.Status(userId, calendarId)
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(StatusDTO{CalendarId: calendarId, Status: status.String()}); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
