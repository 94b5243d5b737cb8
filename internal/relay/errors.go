package relay

import (
	"errors"
	"net/http"

	"tutorgo/internal/worker"
)

// Kind classifies relay failures so the HTTP layer can map them to a
// status without inspecting error strings.
type Kind int

const (
	// KindValidation covers missing or malformed input.
	KindValidation Kind = iota
	// KindAuth covers missing or invalid credentials.
	KindAuth
	// KindNotFound covers references to rows that do not exist, including
	// an unprovisioned profile.
	KindNotFound
	// KindUpstream covers database and blob-store failures.
	KindUpstream
	// KindDispatch covers webhook transport failures and non-2xx replies.
	KindDispatch
	// KindBusy covers dispatch-slot exhaustion.
	KindBusy
)

// Error is a kinded relay failure.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Msg + ": " + e.Err.Error()
	}
	return e.Msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

func newError(kind Kind, msg string, err error) *Error {
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// HTTPStatus maps a relay error to the response status.
func HTTPStatus(err error) int {
	if errors.Is(err, worker.ErrDispatcherBusy) {
		return http.StatusTooManyRequests
	}
	var e *Error
	if !errors.As(err, &e) {
		return http.StatusInternalServerError
	}
	switch e.Kind {
	case KindValidation:
		return http.StatusBadRequest
	case KindAuth:
		return http.StatusUnauthorized
	case KindNotFound:
		return http.StatusNotFound
	case KindBusy:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// PublicMessage returns the error text safe to show a caller: the kinded
// message for client errors, a generic marker otherwise.
func PublicMessage(err error) string {
	var e *Error
	if errors.As(err, &e) {
		switch e.Kind {
		case KindValidation, KindAuth, KindNotFound, KindBusy:
			return e.Msg
		}
	}
	return "Internal server error"
}
