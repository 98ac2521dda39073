package rpc

import (
	"encoding/json"
	"net/http"
)

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	TraceID string `json:"trace_id,omitempty"`
}

// Error codes reported in ErrorResponse.
const (
	CodeBadRequest  = "BAD_REQUEST"
	CodeMalformed   = "MALFORMED_TRANSACTION"
	CodeRejected    = "REJECTED"
	CodeDuplicate   = "DUPLICATE"
	CodeMempoolFull = "MEMPOOL_FULL"
	CodeNotFound    = "NOT_FOUND"
	CodeRateLimited = "RATE_LIMITED"
	CodeInternal    = "INTERNAL"
)

// writeError writes a standardized JSON error response
func writeError(w http.ResponseWriter, r *http.Request, statusCode int,
	code, message string) {

	writeJSON(w, statusCode, ErrorResponse{
		Code:    code,
		Message: message,
		TraceID: requestID(r),
	})
}

// writeJSON writes data as a JSON response
func writeJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if data == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Debugf("Unable to write response: %v", err)
	}
}
