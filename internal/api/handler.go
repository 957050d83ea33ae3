// Package api provides HTTP handlers for the questionnaire API.
//
//nolint:revive // "api" package name is intentionally concise for this layer.
package api

import (
	"encoding/json"
	"math/rand/v2"
	"net/http"

	"github.com/ashureev/stepflow/internal/config"
	"github.com/ashureev/stepflow/internal/store"
)

// Handler provides the questionnaire endpoints.
type Handler struct {
	repo store.Repository
	cfg  *config.Config
	coin func() bool
}

// NewHandler creates a new Handler with common dependencies.
func NewHandler(repo store.Repository, cfg *config.Config) *Handler {
	return &Handler{
		repo: repo,
		cfg:  cfg,
		coin: func() bool { return rand.IntN(2) == 1 },
	}
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}
