package routes

import (
	"encoding/json"
	"errors"
	"net/http"

	"fileforge/converter"
	"fileforge/job"
	"fileforge/logger"
	"fileforge/models"
	"fileforge/validate"
)

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		logger.Errorf("Failed to encode response: %v", err)
	}
}

func errorBody(msg, code, detail string) models.ErrorResponse {
	return models.ErrorResponse{Error: msg, Code: code, Detail: detail}
}

// writeError maps pipeline and registry errors onto HTTP statuses.
func writeError(w http.ResponseWriter, err error) {
	var verr *validate.Error
	var cerr *job.ConversionError

	switch {
	case errors.As(err, &verr):
		code := http.StatusBadRequest
		if verr.Oversized {
			code = http.StatusRequestEntityTooLarge
		}
		writeJSON(w, code, errorBody("invalid upload", "validation_error", verr.Reason))
	case errors.Is(err, converter.ErrUnknownTool):
		writeJSON(w, http.StatusNotFound, errorBody("unknown tool", "unknown_tool", err.Error()))
	case errors.Is(err, converter.ErrUnavailable):
		writeJSON(w, http.StatusServiceUnavailable, errorBody("tool is not available on this server", "tool_unavailable", err.Error()))
	case errors.Is(err, job.ErrBusy):
		w.Header().Set("Retry-After", "5")
		writeJSON(w, http.StatusServiceUnavailable, errorBody("server is busy, retry shortly", "busy", ""))
	case errors.Is(err, job.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorBody("job not found or expired", "not_found", ""))
	case errors.As(err, &cerr):
		writeJSON(w, http.StatusUnprocessableEntity, errorBody("conversion failed", "conversion_failed", cerr.Error()))
	default:
		logger.Errorf("Unhandled request error: %v", err)
		writeJSON(w, http.StatusInternalServerError, errorBody("internal server error", "internal", ""))
	}
}

func resultURL(id string) string {
	return "/api/jobs/" + id + "/result"
}

func jobResponse(j job.Job) models.JobResponse {
	resp := models.JobResponse{
		ID:          j.ID,
		Tool:        j.Tool,
		Status:      string(j.Status),
		Progress:    j.Progress,
		Message:     j.Message,
		HasResult:   len(j.ResultArtifacts) > 0,
		ResultCount: len(j.ResultArtifacts),
		Error:       j.ErrorDetail,
		CreatedAt:   j.CreatedAt,
		UpdatedAt:   j.UpdatedAt,
		ExpiresAt:   j.ExpiresAt,
	}
	if resp.HasResult {
		resp.ResultURL = resultURL(j.ID)
	}
	return resp
}
