package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/pysugar/exchange-sync/internal/syncer"
)

// TriggerSyncHandler starts a background run and answers 202 with its log
// entry. A concurrent run answers 409.
func TriggerSyncHandler(svc SyncService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req syncer.Request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			writeError(w, http.StatusBadRequest, "Invalid request body")
			return
		}
		if req.TriggeredBy == "" {
			req.TriggeredBy = "api"
		}

		entry, err := svc.TriggerSync(r.Context(), req)
		switch {
		case errors.Is(err, syncer.ErrSyncInProgress):
			writeError(w, http.StatusConflict, err.Error())
			return
		case errors.Is(err, syncer.ErrUnknownResource):
			writeJSON(w, http.StatusBadRequest, map[string]interface{}{
				"error":     map[string]string{"message": err.Error()},
				"resources": svc.Resources(),
			})
			return
		case err != nil:
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]interface{}{
			"status": "accepted",
			"run":    entry,
		})
	}
}

// SyncStatusHandler reports the sync diagnostic.
func SyncStatusHandler(svc SyncService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status, err := svc.Status(r.Context())
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, status)
	}
}

// SyncHistoryHandler returns recent runs, newest first.
func SyncHistoryHandler(svc SyncService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := 0
		if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
			l, err := strconv.Atoi(limitStr)
			if err != nil || l < 0 {
				writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
				return
			}
			limit = l
		}

		runs, err := svc.History(r.Context(), limit)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"runs":  runs,
			"count": len(runs),
		})
	}
}
