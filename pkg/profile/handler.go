package profile

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/meetsync/meetsync/pkg/google"
	log "github.com/sirupsen/logrus"
)

type ProfileDTO struct {
	DisplayName string `json:"displayName"`
	Email       string `json:"email"`
	PhotoUrl    string `json:"photoUrl"`
	Timezone    string `json:"timezone"`
}

type Handler struct {
	service Service
}

func NewHandler(s Service) *Handler {
	return &Handler{s}
}

func (h *Handler) GetProfile(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	profile, err := h.service.CurrentProfile(r.Context())
	if err != nil {
		if errors.Is(err, ErrProfileNotFound) {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		if errors.Is(err, google.ErrReauthRequired) {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		log.Errorf("failed to get profile: %v", err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(toProfileDTO(*profile)); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func (h *Handler) UpdateProfile(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	var dto ProfileDTO
	if err := json.NewDecoder(r.Body).Decode(&dto); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	updated, err := h.service.UpdateProfile(r.Context(), Profile{
		DisplayName: dto.DisplayName,
		Email:       dto.Email,
		PhotoUrl:    dto.PhotoUrl,
		Timezone:    dto.Timezone,
	})
	if err != nil {
		if errors.Is(err, google.ErrReauthRequired) {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		log.Errorf("failed to update profile: %v", err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(toProfileDTO(*updated)); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func toProfileDTO(p Profile) ProfileDTO {
	return ProfileDTO{
		DisplayName: p.DisplayName,
		Email:       p.Email,
		PhotoUrl:    p.PhotoUrl,
		Timezone:    p.Timezone,
	}
}
