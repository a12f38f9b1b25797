package routes

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"fileforge/job"
	"fileforge/logger"
	"fileforge/models"
)

const wsWriteTimeout = 10 * time.Second

func (s *Server) listTools(w http.ResponseWriter, r *http.Request) {
	tools := s.opts.Tools.List()
	writeJSON(w, http.StatusOK, map[string]any{"tools": tools, "count": len(tools)})
}

// jobStatus handles GET /api/jobs/{id}.
func (s *Server) jobStatus(w http.ResponseWriter, r *http.Request) {
	j, err := s.opts.Pipeline.Status(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, jobResponse(j))
}

// jobResult handles GET /api/jobs/{id}/result. A job that is still running
// answers 202 with its status so clients can keep polling.
func (s *Server) jobResult(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	d, err := s.opts.Pipeline.Fetch(r.Context(), id)
	if errors.Is(err, job.ErrNotReady) {
		j, serr := s.opts.Pipeline.Status(id)
		if serr != nil {
			writeError(w, serr)
			return
		}
		w.Header().Set("Retry-After", "1")
		writeJSON(w, http.StatusAccepted, jobResponse(j))
		return
	}
	if err != nil {
		writeError(w, err)
		return
	}
	logger.Infof("Serving result of job %s (%s)", id, d.Name)
	serveDownload(w, d)
}

func progressEvent(j job.Job) models.ProgressEvent {
	evt := models.ProgressEvent{
		ID:       j.ID,
		Status:   string(j.Status),
		Progress: j.Progress,
		Message:  j.Message,
		Error:    j.ErrorDetail,
	}
	if j.Status == job.StatusCompleted {
		evt.ResultURL = resultURL(j.ID)
	}
	return evt
}

func sameProgress(a, b job.Job) bool {
	return a.Status == b.Status && a.Progress == b.Progress && a.Message == b.Message
}

// jobWS streams a progress event on every change of the job until it
// finishes, expires or the client goes away.
func (s *Server) jobWS(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	last, err := s.opts.Pipeline.Status(id)
	if err != nil {
		writeError(w, err)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warnf("websocket upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	// reading is only needed to notice the client closing
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	send := func(evt models.ProgressEvent) bool {
		conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		return conn.WriteJSON(evt) == nil
	}
	if !send(progressEvent(last)) {
		return
	}

	ticker := time.NewTicker(s.opts.ProgressPoll)
	defer ticker.Stop()

	for !last.Status.Terminal() {
		select {
		case <-gone:
			return
		case <-r.Context().Done():
			return
		case <-ticker.C:
		}

		j, err := s.opts.Pipeline.Status(id)
		if err != nil {
			send(models.ProgressEvent{ID: id, Status: "expired", Error: "job not found or expired"})
			break
		}
		if !sameProgress(j, last) && !send(progressEvent(j)) {
			return
		}
		last = j
	}

	conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "done"))
}

func (s *Server) listHistory(w http.ResponseWriter, r *http.Request) {
	if s.opts.History == nil {
		writeJSON(w, http.StatusNotFound, errorBody("history is disabled", "history_disabled", ""))
		return
	}
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeJSON(w, http.StatusBadRequest, errorBody("limit must be a non-negative integer", "bad_request", ""))
			return
		}
		limit = n
	}

	entries, err := s.opts.History.List(limit)
	if err != nil {
		logger.Errorf("Failed to list history: %v", err)
		writeJSON(w, http.StatusInternalServerError, errorBody("internal server error", "internal", ""))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries, "count": len(entries)})
}

func (s *Server) getHistory(w http.ResponseWriter, r *http.Request) {
	if s.opts.History == nil {
		writeJSON(w, http.StatusNotFound, errorBody("history is disabled", "history_disabled", ""))
		return
	}
	id := chi.URLParam(r, "id")
	entry, err := s.opts.History.Get(id)
	if err != nil {
		logger.Errorf("Failed to query history for %s: %v", id, err)
		writeJSON(w, http.StatusInternalServerError, errorBody("internal server error", "internal", ""))
		return
	}
	if entry == nil {
		writeJSON(w, http.StatusNotFound, errorBody("no history for job", "not_found", ""))
		return
	}
	writeJSON(w, http.StatusOK, entry)
}
