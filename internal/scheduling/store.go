package scheduling

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Queries is every read and write the scheduling core performs. Implementations
// run them either inside a transaction (Store.WithTx) or directly (Store.View).
type Queries interface {
	GetProvider(ctx context.Context, id uuid.UUID) (*Provider, error)
	// LockProvider loads the provider and serializes concurrent slot writes for it.
	LockProvider(ctx context.Context, id uuid.UUID) (*Provider, error)
	InsertProvider(ctx context.Context, p Provider) (*Provider, error)
	SetProviderVerified(ctx context.Context, id uuid.UUID, verified bool) (*Provider, error)
	// UpdateProvider rewrites the editable profile columns. Verification is
	// left untouched.
	UpdateProvider(ctx context.Context, p Provider) (*Provider, error)
	ListProviders(ctx context.Context, filter ProviderFilter) ([]Provider, error)

	GetPatient(ctx context.Context, id uuid.UUID) (*Patient, error)
	LockPatient(ctx context.Context, id uuid.UUID) (*Patient, error)
	InsertPatient(ctx context.Context, p Patient) (*Patient, error)
	UpdatePatient(ctx context.Context, p Patient) (*Patient, error)

	InsertSlots(ctx context.Context, slots []Slot) ([]Slot, error)
	ListSlots(ctx context.Context, providerID uuid.UUID, filter SlotFilter) ([]Slot, error)
	GetSlot(ctx context.Context, id uuid.UUID) (*Slot, error)
	// LockSlot loads the slot and holds it until the transaction ends.
	LockSlot(ctx context.Context, id uuid.UUID) (*Slot, error)
	// SetSlotBooked flips the booked flag only if it currently equals from.
	// It returns ErrSlotNotFound when the slot is gone or the flag differs.
	SetSlotBooked(ctx context.Context, id uuid.UUID, from, to bool) (*Slot, error)
	DeleteSlot(ctx context.Context, id uuid.UUID) error
	DeleteUnbookedSlotsBefore(ctx context.Context, before time.Time) (int64, error)

	InsertAppointment(ctx context.Context, a Appointment) (*Appointment, error)
	GetAppointment(ctx context.Context, id uuid.UUID) (*Appointment, error)
	LockAppointment(ctx context.Context, id uuid.UUID) (*Appointment, error)
	ActiveAppointmentForSlot(ctx context.Context, slotID uuid.UUID) (*Appointment, error)
	// UpdateAppointmentStatus moves the appointment only if its status is from.
	UpdateAppointmentStatus(ctx context.Context, id uuid.UUID, from, to AppointmentStatus) (*Appointment, error)
	ListAppointments(ctx context.Context, filter AppointmentFilter) ([]Appointment, error)
	FindExpiredPending(ctx context.Context, now time.Time) ([]Appointment, error)

	InsertEvent(ctx context.Context, ev EventLog) error
}

// Store hands out Queries. WithTx commits when fn returns nil and rolls
// everything back otherwise.
type Store interface {
	WithTx(ctx context.Context, fn func(q Queries) error) error
	View(ctx context.Context, fn func(q Queries) error) error
}
