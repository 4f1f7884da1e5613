package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/pysugar/exchange-sync/internal/scheduler"
)

// ScheduleHandler lists the named jobs.
func ScheduleHandler(svc ScheduleService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]interface{}{"jobs": svc.Jobs()})
	}
}

// RescheduleHandler changes a job's cadence.
func RescheduleHandler(svc ScheduleService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Cadence string `json:"cadence"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "Invalid request body")
			return
		}
		if err := svc.Reschedule(chi.URLParam(r, "job"), req.Cadence); err != nil {
			writeScheduleError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"jobs": svc.Jobs()})
	}
}

// StartJobHandler schedules a stopped job.
func StartJobHandler(svc ScheduleService) http.HandlerFunc {
	return jobAction(svc, svc.StartJob)
}

// StopJobHandler unschedules a job.
func StopJobHandler(svc ScheduleService) http.HandlerFunc {
	return jobAction(svc, svc.StopJob)
}

func jobAction(svc ScheduleService, action func(string) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := action(chi.URLParam(r, "job")); err != nil {
			writeScheduleError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"jobs": svc.Jobs()})
	}
}

// StopAllJobsHandler unschedules every job. An in-flight run is not aborted.
func StopAllJobsHandler(svc ScheduleService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		svc.StopAll()
		writeJSON(w, http.StatusOK, map[string]interface{}{"jobs": svc.Jobs()})
	}
}

// RestartJobsHandler restarts every job.
func RestartJobsHandler(svc ScheduleService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		svc.Restart()
		writeJSON(w, http.StatusOK, map[string]interface{}{"jobs": svc.Jobs()})
	}
}

func writeScheduleError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, scheduler.ErrUnknownJob):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, scheduler.ErrInvalidCadence):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}
