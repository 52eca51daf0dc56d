// Package apierr maps the admission/viewer error taxonomy of spec §7 onto
// HTTP status codes, so handlers return a sentinel error and the HTTP
// layer does the translation in one place.
package apierr

import "errors"

var (
	// ErrDeviceNotBound: edge device has no id_aula binding (policy refusal).
	ErrDeviceNotBound = errors.New("apierr: device not bound to an aula")
	// ErrNoActiveClass: no class is scheduled right now for the resolved aula.
	ErrNoActiveClass = errors.New("apierr: no active class for aula")
	// ErrDeviceMismatch: the bearer token's device id differs from the id_raspberry_pi in the request body.
	ErrDeviceMismatch = errors.New("apierr: session already running for a different device")
	// ErrTokenInvalid: bearer token missing, malformed, or signature mismatch.
	ErrTokenInvalid = errors.New("apierr: invalid or missing bearer token")
	// ErrNotFound: no such resource (unknown device id, unknown clase, no active aula for clase).
	ErrNotFound = errors.New("apierr: resource not found")
	// ErrNoActiveSession: the resolved aula/clase has no running session.
	ErrNoActiveSession = errors.New("apierr: no active session")
	// ErrInvalidField: a semantically invalid field value (e.g. tiempo_maximo <= 0).
	ErrInvalidField = errors.New("apierr: invalid field value")
	// ErrMalformedBody: the request body could not be parsed.
	ErrMalformedBody = errors.New("apierr: malformed request body")
)

// StatusFor maps a sentinel error from this package to the HTTP status
// code spec §7 prescribes. Unrecognized errors map to 500.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, ErrMalformedBody):
		return 400
	case errors.Is(err, ErrTokenInvalid):
		return 401
	case errors.Is(err, ErrDeviceMismatch), errors.Is(err, ErrDeviceNotBound), errors.Is(err, ErrNoActiveClass):
		return 403
	case errors.Is(err, ErrNotFound):
		return 404
	case errors.Is(err, ErrInvalidField):
		return 422
	case errors.Is(err, ErrNoActiveSession):
		return 503
	default:
		return 500
	}
}
