package web

import (
	"net/http"
	"strconv"

	"github.com/gabriel-zp/zaifinancialctrl/internal/core"
	"github.com/gabriel-zp/zaifinancialctrl/internal/logging"
)

// syncResponse is the JSON body of the sync endpoint. The field set is
// shared with the dashboard client, so names are load-bearing.
type syncResponse struct {
	OK              bool    `json:"ok"`
	Status          string  `json:"status"`
	RunID           *string `json:"run_id"`
	MonthsPublished *int    `json:"months_published,omitempty"`
	RowsWritten     *int    `json:"rows_written,omitempty"`
	Message         string  `json:"message,omitempty"`
}

// handleSync runs the publish pipeline once.
//
// Headers: X-Trigger selects manual or cron (default manual);
// X-Force-Error injects a failure for testing the compensation path.
// Status codes: 200 success (including the zero-row case), 409 lock
// contention, 500 anything else.
func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	trigger := core.ParseTrigger(r.Header.Get("X-Trigger"))
	failPoint := r.Header.Get("X-Force-Error")

	result, err := s.runner.Execute(r.Context(), trigger, failPoint)
	if err != nil {
		logging.FromContext(r.Context()).Error("sync run failed",
			"run_id", result.RunID,
			"trigger", string(trigger),
			"error", err,
		)
		writeJSON(w, http.StatusInternalServerError, toSyncResponse(result))
		return
	}

	status := http.StatusOK
	if result.Status == core.StatusSkipped {
		status = http.StatusConflict
	}
	writeJSON(w, status, toSyncResponse(result))
}

func toSyncResponse(result core.Result) syncResponse {
	resp := syncResponse{
		OK:      result.OK,
		Status:  string(result.Status),
		Message: result.Message,
	}
	if result.RunID != "" {
		id := result.RunID
		resp.RunID = &id
	}
	if result.OK {
		months := result.MonthsPublished
		rows := result.RowsWritten
		resp.MonthsPublished = &months
		resp.RowsWritten = &rows
	}
	return resp
}

// handleListRuns returns recent ledger entries, newest first. The limit
// query parameter is optional and capped server-side.
func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "limit must be a positive integer"})
			return
		}
		limit = n
	}

	runs, err := s.history.ListRuns(r.Context(), limit)
	if err != nil {
		logging.FromContext(r.Context()).Error("list runs failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to load run history"})
		return
	}
	writeJSON(w, http.StatusOK, runs)
}

// handleLastRun returns the most recent ledger entry, or 404 when the
// ledger is empty.
func (s *Server) handleLastRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.history.LastRun(r.Context())
	if err != nil {
		logging.FromContext(r.Context()).Error("last run lookup failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to load last run"})
		return
	}
	if run == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "no sync runs recorded"})
		return
	}
	writeJSON(w, http.StatusOK, run)
}
