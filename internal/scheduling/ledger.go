package scheduling

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

type transitionRule struct {
	from   AppointmentStatus
	to     AppointmentStatus
	actors []Role
}

// Completed and Cancelled are terminal and have no outgoing rules.
var transitionRules = []transitionRule{
	{from: StatusConfirmed, to: StatusCompleted, actors: []Role{RoleProvider}},
	{from: StatusConfirmed, to: StatusCancelled, actors: []Role{RoleProvider, RolePatient}},
	{from: StatusPending, to: StatusConfirmed, actors: []Role{RoleProvider}},
	{from: StatusPending, to: StatusCancelled, actors: []Role{RoleProvider, RolePatient, RoleSystem}},
}

// CanTransition reports whether role may move an appointment from one status to another.
func CanTransition(from, to AppointmentStatus, role Role) bool {
	for _, r := range transitionRules {
		if r.from != from || r.to != to {
			continue
		}
		for _, a := range r.actors {
			if a == role {
				return true
			}
		}
	}
	return false
}

// BookingLedger owns appointment records and their status lifecycle.
type BookingLedger struct{}

// CreateAppointment books slot for patientID. It fails with
// ErrSlotAlreadyBooked while another active appointment references the slot.
func (BookingLedger) CreateAppointment(ctx context.Context, q Queries, patientID uuid.UUID, slot *Slot, status AppointmentStatus, expiresAt *time.Time) (*Appointment, error) {
	if !status.Active() {
		return nil, invalidf("appointments cannot be created as %s", status)
	}

	existing, err := q.ActiveAppointmentForSlot(ctx, slot.ID)
	if err != nil && !errors.Is(err, ErrAppointmentNotFound) {
		return nil, fmt.Errorf("check active appointment: %w", err)
	}
	if existing != nil {
		return nil, ErrSlotAlreadyBooked
	}

	appt, err := q.InsertAppointment(ctx, Appointment{
		ID:              uuid.New(),
		Status:          status,
		PatientID:       patientID,
		ProviderID:      slot.ProviderID,
		SlotID:          slot.ID,
		AppointmentDate: slot.Date,
		StartTime:       slot.StartTime,
		EndTime:         slot.EndTime,
		ExpiresAt:       expiresAt,
	})
	if err != nil {
		if errors.Is(err, ErrConflict) {
			return nil, err
		}
		return nil, fmt.Errorf("insert appointment: %w", err)
	}
	return appt, nil
}

// Transition applies one state machine step on behalf of role.
func (BookingLedger) Transition(ctx context.Context, q Queries, id uuid.UUID, target AppointmentStatus, role Role) (*Appointment, error) {
	appt, err := q.LockAppointment(ctx, id)
	if err != nil {
		return nil, err
	}
	return BookingLedger{}.transitionLoaded(ctx, q, appt, target, role)
}

func (BookingLedger) transitionLoaded(ctx context.Context, q Queries, appt *Appointment, target AppointmentStatus, role Role) (*Appointment, error) {
	if !CanTransition(appt.Status, target, role) {
		return nil, &TransitionError{From: appt.Status, To: target, Actor: role}
	}

	updated, err := q.UpdateAppointmentStatus(ctx, appt.ID, appt.Status, target)
	if errors.Is(err, ErrAppointmentNotFound) {
		// Someone moved it first.
		return nil, &TransitionError{From: appt.Status, To: target, Actor: role}
	}
	if err != nil {
		return nil, fmt.Errorf("update appointment status: %w", err)
	}
	return updated, nil
}

func (BookingLedger) ListForPatient(ctx context.Context, q Queries, patientID uuid.UUID, status AppointmentStatus, limit, offset int) ([]Appointment, error) {
	limit, offset = normalizePage(limit, offset)
	return q.ListAppointments(ctx, AppointmentFilter{PatientID: &patientID, Status: status, Limit: limit, Offset: offset})
}

func (BookingLedger) ListForProvider(ctx context.Context, q Queries, providerID uuid.UUID, status AppointmentStatus, limit, offset int) ([]Appointment, error) {
	limit, offset = normalizePage(limit, offset)
	return q.ListAppointments(ctx, AppointmentFilter{ProviderID: &providerID, Status: status, Limit: limit, Offset: offset})
}

func normalizePage(limit, offset int) (int, int) {
	if limit <= 0 {
		limit = defaultPageSize
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}
