package store

import "fmt"

// APIError is the error payload returned by the store's REST and realtime
// endpoints. Fields mirror the JSON body; Status is the HTTP status code or,
// for realtime failures, the websocket close code.
type APIError struct {
	Status  int    `json:"-"`
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
	Hint    string `json:"hint,omitempty"`
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("store: status %d: %s", e.Status, e.Message)
	}
	return fmt.Sprintf("store: status %d (%s): %s", e.Status, e.Code, e.Message)
}
