package util

import (
	"context"
	"encoding/json"
	"net/http"

	log "github.com/sirupsen/logrus"

	"github.com/keybunker/keybunker/signer/status"
)

// EmptyObject is an empty struct used to return empty JSON object
type EmptyObject struct {
}

type ErrorResponse struct {
	Message string `json:"message"`
	Code    int    `json:"code"`
}

// WriteJSONObject writes an object to the HTTP response in JSON format
func WriteJSONObject(ctx context.Context, w http.ResponseWriter, obj interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=UTF-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(obj); err != nil {
		log.WithContext(ctx).Errorf("failed to encode response: %v", err)
	}
}

// WriteErrorResponse prepares and writes an error response in JSON format
func WriteErrorResponse(errMsg string, httpStatus int, w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json; charset=UTF-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(httpStatus)
	err := json.NewEncoder(w).Encode(&ErrorResponse{
		Message: errMsg,
		Code:    httpStatus,
	})
	if err != nil {
		http.Error(w, "failed handling request", http.StatusInternalServerError)
	}
}

// WriteError converts an error to a JSON error response.
// Errors of type status.Error keep their message; anything else becomes a generic internal error.
func WriteError(ctx context.Context, err error, w http.ResponseWriter) {
	log.WithContext(ctx).Debugf("got a handler error: %s", err.Error())

	errStatus, ok := status.FromError(err)
	httpStatus := http.StatusInternalServerError
	msg := "internal server error"

	if ok {
		msg = errStatus.Message
		switch errStatus.Type() {
		case status.AlreadyExists:
			httpStatus = http.StatusConflict
		case status.PreconditionFailed:
			httpStatus = http.StatusPreconditionFailed
		case status.PermissionDenied:
			httpStatus = http.StatusForbidden
		case status.NotFound:
			httpStatus = http.StatusNotFound
		case status.InvalidArgument:
			httpStatus = http.StatusUnprocessableEntity
		case status.Unauthenticated:
			httpStatus = http.StatusUnauthorized
		case status.TooManyRequests:
			httpStatus = http.StatusTooManyRequests
		case status.Locked:
			httpStatus = http.StatusLocked
		default:
			httpStatus = http.StatusInternalServerError
			msg = "internal server error"
		}
	} else {
		log.WithContext(ctx).Errorf("got unhandled error: %v", err)
	}

	WriteErrorResponse(msg, httpStatus, w)
}

// DecodeJSON reads the request body into v. An empty body leaves v untouched.
func DecodeJSON(r *http.Request, v interface{}) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return status.Errorf(status.InvalidArgument, "couldn't parse JSON request: %v", err)
	}
	return nil
}
