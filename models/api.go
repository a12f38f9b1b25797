package models

import "time"

// JobResponse is the public view of an asynchronous conversion.
type JobResponse struct {
	ID          string    `json:"id"`
	Tool        string    `json:"tool"`
	Status      string    `json:"status"`
	Progress    int       `json:"progress"`
	Message     string    `json:"message,omitempty"`
	HasResult   bool      `json:"hasResult"`
	ResultCount int       `json:"resultCount"`
	Error       string    `json:"error,omitempty"`
	ResultURL   string    `json:"resultUrl,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
	ExpiresAt   time.Time `json:"expiresAt"`
}

// ErrorResponse is the body of every failed API call.
type ErrorResponse struct {
	Error  string `json:"error"`
	Code   string `json:"code"`
	Detail string `json:"detail,omitempty"`
}

// ProgressEvent is pushed over the job websocket on every change.
type ProgressEvent struct {
	ID        string `json:"id"`
	Status    string `json:"status"`
	Progress  int    `json:"progress"`
	Message   string `json:"message,omitempty"`
	Error     string `json:"error,omitempty"`
	ResultURL string `json:"resultUrl,omitempty"`
}
