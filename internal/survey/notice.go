package survey

import (
	"errors"

	"github.com/pitabwire/surveysync/model"
)

// OfflineNotice is shown while writes wait in the offline queue.
const OfflineNotice = "offline: changes will sync when online"

// OfflineSubmitNotice is shown when a submit could only be queued.
const OfflineSubmitNotice = "offline: your submission is saved and will complete when back online"

// noticeFor maps an error to the message shown to the user.
func noticeFor(err error) string {
	switch model.CodeOf(err) {
	case model.ErrQueuedOffline, model.ErrConnectivity:
		return OfflineNotice
	case model.ErrTimeout:
		return "The survey service did not respond in time. Please try again."
	case model.ErrUnauthorized:
		return "Your session has expired. Please sign in again."
	case model.ErrForbidden:
		return "You do not have permission to change this survey."
	case model.ErrRateLimited:
		return "Too many requests. Please wait a moment and try again."
	case model.ErrServerError, model.ErrBackendUnavailable:
		return "The survey service is temporarily unavailable. Your answers are kept on this device."
	case model.ErrNotFound:
		return "This survey could not be found."
	case model.ErrValidationError:
		return "Some answers need attention."
	case "":
		return "Something went wrong. Please try again."
	}
	var env *model.ErrorEnvelope
	if errors.As(err, &env) && env.Message != "" {
		return env.Message
	}
	return "Something went wrong. Please try again."
}
