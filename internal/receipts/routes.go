package receipts

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/corvidlabs/beacon/internal/audit"
)

// RegisterRoutes mounts receipt endpoints under /api/receipts.
func RegisterRoutes(r chi.Router, store *Store, recorder *audit.Recorder) {
	r.Route("/api/receipts/{requestID}", func(r chi.Router) {
		r.Get("/", handleGet(store))
		r.Post("/delivered", handleAck(store, recorder, audit.EventReceiptDelivered))
		r.Post("/read", handleAck(store, recorder, audit.EventReceiptRead))
	})
}

func handleGet(store *Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		requestID := chi.URLParam(r, "requestID")

		receipt, err := store.Get(r.Context(), requestID)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				http.Error(w, "not found", http.StatusNotFound)
				return
			}
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		writeJSON(w, http.StatusOK, receipt)
	}
}

func handleAck(store *Store, recorder *audit.Recorder, event audit.EventType) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		requestID := chi.URLParam(r, "requestID")

		var req struct {
			UserID string `json:"user_id"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
			return
		}
		if req.UserID == "" {
			http.Error(w, "user_id is required", http.StatusBadRequest)
			return
		}

		var err error
		if event == audit.EventReceiptRead {
			err = store.MarkRead(r.Context(), requestID, req.UserID)
		} else {
			err = store.MarkDelivered(r.Context(), requestID, req.UserID)
		}
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		recorder.RecordAsync(audit.Entry{
			RequestID: requestID,
			EventType: event,
			UserID:    req.UserID,
		})

		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
