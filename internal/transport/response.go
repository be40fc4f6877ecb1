// Package transport contains the local agent's HTTP router, middleware
// chain and request handlers.
package transport

import (
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strconv"

	"github.com/pitabwire/surveysync/model"
)

// httpStatus maps an envelope code to the agent's response status. Failures
// of the survey service surface as gateway errors; local connectivity
// problems as 503. A write parked in the offline queue was accepted.
func httpStatus(code string) int {
	switch code {
	case model.ErrBadRequest:
		return http.StatusBadRequest
	case model.ErrUnauthorized:
		return http.StatusUnauthorized
	case model.ErrForbidden:
		return http.StatusForbidden
	case model.ErrNotFound:
		return http.StatusNotFound
	case model.ErrMethodNotAllowed:
		return http.StatusMethodNotAllowed
	case model.ErrConflict, model.ErrUnresolvedConflict:
		return http.StatusConflict
	case model.ErrValidationError, model.ErrInvalidTransition:
		return http.StatusUnprocessableEntity
	case model.ErrRateLimited:
		return http.StatusTooManyRequests
	case model.ErrServerError, model.ErrBackendUnavailable:
		return http.StatusBadGateway
	case model.ErrTimeout:
		return http.StatusGatewayTimeout
	case model.ErrConnectivity, model.ErrAborted:
		return http.StatusServiceUnavailable
	case model.ErrQueuedOffline:
		return http.StatusAccepted
	}
	return http.StatusInternalServerError
}

// WriteJSON writes body as JSON with the given status. A nil body writes
// headers only.
func WriteJSON(w http.ResponseWriter, status int, body any) {
	h := w.Header()
	h.Set("Content-Type", "application/json; charset=utf-8")
	h.Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	if body == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(body)
}

// WriteError writes err as {"error": envelope}. Anything that is not an
// *model.ErrorEnvelope is reported as INTERNAL_ERROR without its message.
// A rate-limit hint from the survey service is passed on as Retry-After.
func WriteError(w http.ResponseWriter, err error) {
	var ee *model.ErrorEnvelope
	if !errors.As(err, &ee) {
		ee = model.NewInternalError()
	}
	if ee.RetryAfter > 0 {
		secs := int(math.Ceil(ee.RetryAfter.Seconds()))
		w.Header().Set("Retry-After", strconv.Itoa(secs))
	}
	WriteJSON(w, httpStatus(ee.Code), struct {
		Error *model.ErrorEnvelope `json:"error"`
	}{ee})
}

// writeRequestError is WriteError with the request's correlation ID filled
// in when the envelope has no request ID of its own.
func writeRequestError(w http.ResponseWriter, r *http.Request, err error) {
	var ee *model.ErrorEnvelope
	if errors.As(err, &ee) && ee.RequestID == "" {
		cp := *ee
		cp.RequestID = CorrelationIDFrom(r.Context())
		err = &cp
	}
	WriteError(w, err)
}

func routeNotFound(w http.ResponseWriter, r *http.Request) {
	writeRequestError(w, r, model.NewNotFoundError("no agent route for "+r.URL.Path))
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request) {
	writeRequestError(w, r, &model.ErrorEnvelope{
		Code:    model.ErrMethodNotAllowed,
		Message: r.Method + " is not supported on " + r.URL.Path,
	})
}
