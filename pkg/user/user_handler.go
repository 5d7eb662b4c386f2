package user

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/meetsync/meetsync/internal/rest"
	log "github.com/sirupsen/logrus"
)

type UserDTO struct {
	Uid               string `json:"uid"`
	DisplayName       string `json:"displayName"`
	Email             string `json:"email"`
	Timezone          string `json:"timezone"`
	DefaultCalendarId string `json:"defaultCalendarId"`
}

type Handler struct {
	service Service
}

func NewHandler(service Service) *Handler {
	return &Handler{service}
}

func (h *Handler) CurrentUser(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	u, err := h.service.GetCurrentUser(r.Context())
	if err != nil {
		if errors.Is(err, ErrNoUser) || errors.Is(err, ErrUserNotFound) {
			http.Error(w, "user not found", http.StatusNotFound)
			return
		}
		log.Errorf("failed to get current user: %v", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(toDTO(u)); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func (h *Handler) CreateUser(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	var dto UserDTO
	if err := json.NewDecoder(r.Body).Decode(&dto); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if dto.Uid == "" {
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(rest.ErrorResponse{Error: "uid is required"})
		return
	}

	created, err := h.service.CreateUser(r.Context(), fromDTO(dto))
	if err != nil {
		log.Errorf("failed to create user: %v", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusCreated)
	if err := json.NewEncoder(w).Encode(toDTO(created)); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func (h *Handler) UpdateUser(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	var dto UserDTO
	if err := json.NewDecoder(r.Body).Decode(&dto); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	updated, err := h.service.UpdateUser(r.Context(), fromDTO(dto))
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			http.Error(w, "user not found", http.StatusNotFound)
			return
		}
		log.Errorf("failed to update user: %v", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(toDTO(updated)); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func toDTO(u User) UserDTO {
	return UserDTO{
		Uid:               u.Uid,
		DisplayName:       u.DisplayName,
		Email:             u.Email,
		Timezone:          u.Settings.Timezone,
		DefaultCalendarId: u.Settings.DefaultCalendarId,
	}
}

func fromDTO(dto UserDTO) User {
	return User{
		Uid:         dto.Uid,
		DisplayName: dto.DisplayName,
		Email:       dto.Email,
		Settings: Settings{
			Timezone:          dto.Timezone,
			DefaultCalendarId: dto.DefaultCalendarId,
		},
	}
}
