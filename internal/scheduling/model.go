package scheduling

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type AppointmentStatus string

const (
	StatusPending   AppointmentStatus = "pending"
	StatusConfirmed AppointmentStatus = "confirmed"
	StatusCompleted AppointmentStatus = "completed"
	StatusCancelled AppointmentStatus = "cancelled"
)

// Active reports whether the appointment still holds its slot.
func (s AppointmentStatus) Active() bool {
	return s == StatusPending || s == StatusConfirmed
}

func (s AppointmentStatus) Valid() bool {
	switch s {
	case StatusPending, StatusConfirmed, StatusCompleted, StatusCancelled:
		return true
	}
	return false
}

type Role string

const (
	RoleAdmin    Role = "admin"
	RoleProvider Role = "provider"
	RolePatient  Role = "patient"
	// RoleSystem is used by background maintenance, never by callers.
	RoleSystem Role = "system"
)

// Actor is the already-authenticated caller of a service operation.
type Actor struct {
	ID   uuid.UUID
	Role Role
}

// DateLayout is the calendar date format used for slot dates.
const DateLayout = "2006-01-02"

type Provider struct {
	ID                 uuid.UUID
	Name               string
	Specialty          string
	Verified           bool
	ConsultationFee    decimal.Decimal
	Timezone           string
	CancellationCutoff time.Duration
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// Location resolves the provider's declared timezone, falling back to def.
func (p *Provider) Location(def *time.Location) (*time.Location, error) {
	if p.Timezone == "" {
		return def, nil
	}
	return time.LoadLocation(p.Timezone)
}

type Patient struct {
	ID          uuid.UUID
	Name        string
	Email       *string
	Gender      string
	DateOfBirth *time.Time
	Phone       string
	Address     string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

type Slot struct {
	ID         uuid.UUID
	ProviderID uuid.UUID
	Date       string
	StartTime  time.Time
	EndTime    time.Time
	Booked     bool
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Overlaps reports whether the half-open intervals [start, end) intersect.
func (s Slot) Overlaps(start, end time.Time) bool {
	return s.StartTime.Before(end) && start.Before(s.EndTime)
}

type Appointment struct {
	ID              uuid.UUID
	Status          AppointmentStatus
	PatientID       uuid.UUID
	ProviderID      uuid.UUID
	SlotID          uuid.UUID
	AppointmentDate string
	StartTime       time.Time
	EndTime         time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
	ExpiresAt       *time.Time
}

type EventLog struct {
	ID            int64
	EventType     string
	AppointmentID *uuid.UUID
	SlotID        *uuid.UUID
	Payload       json.RawMessage
	CreatedAt     time.Time
}

type SlotFilter struct {
	OnlyUnbooked bool
	// From drops slots that start before it when non-zero.
	From time.Time
}

type AppointmentFilter struct {
	PatientID  *uuid.UUID
	ProviderID *uuid.UUID
	Status     AppointmentStatus
	Limit      int
	Offset     int
}

type ProviderFilter struct {
	Verified *bool
	Search   string
}
