package api

import "net/http"

// ErrorCodeBase offsets envelope error codes: every error carries
// ErrorCodeBase + its HTTP status.
const ErrorCodeBase = 9000

func writeError(w http.ResponseWriter, status int, msg string) {
	WriteJSON(w, status, ErrorResponse(ErrorCodeBase+status, msg))
}

// BadRequest writes a 400 error response.
func BadRequest(w http.ResponseWriter, msg string) {
	writeError(w, http.StatusBadRequest, msg)
}

// Unauthorized writes a 401 error response.
func Unauthorized(w http.ResponseWriter) {
	writeError(w, http.StatusUnauthorized, "Authentication required")
}

// NotFound writes a 404 error response.
func NotFound(w http.ResponseWriter, msg string) {
	writeError(w, http.StatusNotFound, msg)
}

// Gone writes a 410 error response for expired schematics.
func Gone(w http.ResponseWriter, msg string) {
	writeError(w, http.StatusGone, msg)
}

// TooLarge writes a 413 error response.
func TooLarge(w http.ResponseWriter, msg string) {
	writeError(w, http.StatusRequestEntityTooLarge, msg)
}

// InternalError writes a 500 error response. Details stay in the logs.
func InternalError(w http.ResponseWriter) {
	writeError(w, http.StatusInternalServerError, "Internal server error")
}

// Unavailable writes a 503 error response.
func Unavailable(w http.ResponseWriter, msg string) {
	writeError(w, http.StatusServiceUnavailable, msg)
}
