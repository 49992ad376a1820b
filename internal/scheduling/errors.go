package scheduling

import (
	"errors"
	"fmt"
)

// Error kinds. Every error returned by the service that is not an
// infrastructure failure matches exactly one of these with errors.Is.
var (
	ErrValidation        = errors.New("validation failed")
	ErrConflict          = errors.New("conflict")
	ErrForbidden         = errors.New("forbidden")
	ErrNotFound          = errors.New("not found")
	ErrInvalidTransition = errors.New("invalid status transition")
)

var (
	ErrProviderNotFound    = kindError(ErrNotFound, "provider not found")
	ErrPatientNotFound     = kindError(ErrNotFound, "patient not found")
	ErrSlotNotFound        = kindError(ErrNotFound, "slot not found")
	ErrAppointmentNotFound = kindError(ErrNotFound, "appointment not found")

	ErrSlotOverlap         = kindError(ErrConflict, "slot overlaps an existing slot")
	ErrSlotBooked          = kindError(ErrConflict, "slot is booked")
	ErrSlotAlreadyBooked   = kindError(ErrConflict, "slot no longer available")
	ErrSlotBusy            = kindError(ErrConflict, "slot is currently being booked, please retry")
	ErrSlotStarted         = kindError(ErrConflict, "slot has already started")
	ErrProviderExists      = kindError(ErrConflict, "provider already onboarded")
	ErrPatientExists       = kindError(ErrConflict, "patient already onboarded")
	ErrProviderNotVerified = kindError(ErrForbidden, "provider is not verified")
	ErrNotParticipant      = kindError(ErrForbidden, "actor is not a participant of this appointment")
	ErrNotSlotOwner        = kindError(ErrForbidden, "actor does not own this slot")
	ErrCancellationClosed  = kindError(ErrInvalidTransition, "cancellation window has closed")
	ErrAppointmentExpired  = kindError(ErrInvalidTransition, "appointment reservation has expired")
)

type kindErr struct {
	kind error
	msg  string
}

func kindError(kind error, msg string) error {
	return &kindErr{kind: kind, msg: msg}
}

func (e *kindErr) Error() string { return e.msg }
func (e *kindErr) Unwrap() error { return e.kind }

// ValidationError identifies the submission entry that failed validation.
// Entry and Range are zero-based; -1 means the whole submission or entry.
type ValidationError struct {
	Entry  int
	Range  int
	Reason string
}

func (e *ValidationError) Error() string {
	switch {
	case e.Entry < 0:
		return fmt.Sprintf("invalid availability: %s", e.Reason)
	case e.Range < 0:
		return fmt.Sprintf("invalid availability entry %d: %s", e.Entry, e.Reason)
	default:
		return fmt.Sprintf("invalid availability entry %d range %d: %s", e.Entry, e.Range, e.Reason)
	}
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// TransitionError describes a rejected status change.
type TransitionError struct {
	From  AppointmentStatus
	To    AppointmentStatus
	Actor Role
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("cannot move appointment from %s to %s as %s", e.From, e.To, e.Actor)
}

func (e *TransitionError) Unwrap() error { return ErrInvalidTransition }

func invalidf(format string, args ...any) error {
	return &ValidationError{Entry: -1, Range: -1, Reason: fmt.Sprintf(format, args...)}
}

// Kind names the error kind of err for logs, metrics and API payloads.
func Kind(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrValidation):
		return "validation"
	case errors.Is(err, ErrConflict):
		return "conflict"
	case errors.Is(err, ErrForbidden):
		return "forbidden"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrInvalidTransition):
		return "invalid_transition"
	default:
		return "error"
	}
}
