package prefs

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/corvidlabs/beacon/internal/notify"
)

// RegisterRoutes mounts preference endpoints under /api/users.
func RegisterRoutes(r chi.Router, store *Store) {
	r.Route("/api/users/{userID}/preferences", func(r chi.Router) {
		r.Get("/", handleGet(store))
		r.Put("/", handleSet(store))
	})
}

func handleGet(store *Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID := chi.URLParam(r, "userID")

		prefs, err := store.GetAll(r.Context(), userID)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		writeJSON(w, http.StatusOK, prefs)
	}
}

func handleSet(store *Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID := chi.URLParam(r, "userID")

		var req struct {
			Category string `json:"category"`
			Enabled  bool   `json:"enabled"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
			return
		}

		category := notify.Category(req.Category)
		if !category.Valid() {
			http.Error(w, "unknown category", http.StatusBadRequest)
			return
		}
		if category == notify.CategoryModeration {
			http.Error(w, "moderation notices cannot be disabled", http.StatusBadRequest)
			return
		}

		if err := store.Set(r.Context(), userID, category, req.Enabled); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		writeJSON(w, http.StatusOK, map[string]any{
			"user_id":  userID,
			"category": category,
			"enabled":  req.Enabled,
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
