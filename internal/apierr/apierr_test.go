package apierr

import (
	"fmt"
	"testing"
)

func TestStatusForKnownErrors(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{ErrMalformedBody, 400},
		{ErrTokenInvalid, 401},
		{ErrDeviceMismatch, 403},
		{ErrNotFound, 404},
		{ErrInvalidField, 422},
		{ErrNoActiveSession, 503},
	}
	for _, c := range cases {
		if got := StatusFor(c.err); got != c.want {
			t.Errorf("StatusFor(%v) = %d, want %d", c.err, got, c.want)
		}
	}
}

func TestStatusForWrappedError(t *testing.T) {
	wrapped := fmt.Errorf("admission: %w", ErrNotFound)
	if got := StatusFor(wrapped); got != 404 {
		t.Errorf("StatusFor(wrapped) = %d, want 404", got)
	}
}

func TestStatusForUnknownErrorDefaultsTo500(t *testing.T) {
	if got := StatusFor(fmt.Errorf("something else")); got != 500 {
		t.Errorf("StatusFor(unknown) = %d, want 500", got)
	}
}
