package api

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/hackgods/clinic-scheduling/internal/scheduling"
)

type TimeRangeRequest struct {
	StartTime string `json:"startTime" validate:"required"`
	EndTime   string `json:"endTime" validate:"required"`
}

type DateRangesRequest struct {
	Date       string             `json:"date" validate:"required"`
	TimeRanges []TimeRangeRequest `json:"timeRanges" validate:"required,min=1,dive"`
}

type AddSlotsRequest struct {
	Slots []DateRangesRequest `json:"slots" validate:"required,min=1,dive"`
}

type OnboardProviderRequest struct {
	Name                      string              `json:"name" validate:"required,max=200"`
	Specialty                 string              `json:"specialty" validate:"max=200"`
	ConsultationFee           decimal.Decimal     `json:"consultation_fee"`
	Timezone                  string              `json:"timezone"`
	CancellationCutoffMinutes int                 `json:"cancellation_cutoff_minutes" validate:"gte=0"`
	TimeSlots                 []DateRangesRequest `json:"time_slots" validate:"dive"`
}

type OnboardPatientRequest struct {
	Name        string `json:"name" validate:"required,max=200"`
	Email       string `json:"email" validate:"omitempty,email"`
	Gender      string `json:"gender" validate:"omitempty,oneof=male female other"`
	DateOfBirth string `json:"date_of_birth" validate:"omitempty,datetime=2006-01-02"`
	Phone       string `json:"phone" validate:"max=50"`
	Address     string `json:"address" validate:"max=500"`
}

// UpdateProviderRequest is a partial profile edit; absent fields stay as they are.
type UpdateProviderRequest struct {
	Name                      *string          `json:"name" validate:"omitempty,max=200"`
	Specialty                 *string          `json:"specialty" validate:"omitempty,max=200"`
	ConsultationFee           *decimal.Decimal `json:"consultation_fee"`
	Timezone                  *string          `json:"timezone"`
	CancellationCutoffMinutes *int             `json:"cancellation_cutoff_minutes" validate:"omitempty,gte=0"`
}

type UpdatePatientRequest struct {
	Name        *string `json:"name" validate:"omitempty,max=200"`
	Email       *string `json:"email" validate:"omitempty,email"`
	Gender      *string `json:"gender" validate:"omitempty,oneof=male female other"`
	DateOfBirth *string `json:"date_of_birth" validate:"omitempty,datetime=2006-01-02"`
	Phone       *string `json:"phone" validate:"omitempty,max=50"`
	Address     *string `json:"address" validate:"omitempty,max=500"`
}

type BookAppointmentRequest struct {
	DoctorID string `json:"doctor_id" validate:"required,uuid"`
	SlotID   string `json:"slot_id" validate:"required,uuid"`
}

type ProviderResponse struct {
	ID                        uuid.UUID       `json:"id"`
	Name                      string          `json:"name"`
	Specialty                 string          `json:"specialty,omitempty"`
	Verified                  bool            `json:"verified"`
	ConsultationFee           decimal.Decimal `json:"consultation_fee"`
	Timezone                  string          `json:"timezone,omitempty"`
	CancellationCutoffMinutes int             `json:"cancellation_cutoff_minutes"`
	CreatedAt                 time.Time       `json:"created_at"`
}

type OnboardProviderResponse struct {
	Provider ProviderResponse `json:"provider"`
	Slots    []SlotResponse   `json:"slots"`
}

type PatientResponse struct {
	ID          uuid.UUID `json:"id"`
	Name        string    `json:"name"`
	Email       *string   `json:"email,omitempty"`
	Gender      string    `json:"gender,omitempty"`
	DateOfBirth string    `json:"date_of_birth,omitempty"`
	Phone       string    `json:"phone,omitempty"`
	Address     string    `json:"address,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

type SlotResponse struct {
	ID        uuid.UUID `json:"id"`
	DoctorID  uuid.UUID `json:"doctor_id"`
	Date      string    `json:"date"`
	StartTime time.Time `json:"start_time"`
	EndTime   time.Time `json:"end_time"`
	Booked    bool      `json:"booked"`
}

type AppointmentResponse struct {
	ID              uuid.UUID  `json:"id"`
	Status          string     `json:"status"`
	PatientID       uuid.UUID  `json:"patient_id"`
	DoctorID        uuid.UUID  `json:"doctor_id"`
	SlotID          uuid.UUID  `json:"slot_id"`
	AppointmentDate string     `json:"appointment_date"`
	StartTime       time.Time  `json:"start_time"`
	EndTime         time.Time  `json:"end_time"`
	ExpiresAt       *time.Time `json:"expires_at,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

func toDateRanges(in []DateRangesRequest) []scheduling.DateRanges {
	out := make([]scheduling.DateRanges, 0, len(in))
	for _, d := range in {
		ranges := make([]scheduling.TimeRange, 0, len(d.TimeRanges))
		for _, tr := range d.TimeRanges {
			ranges = append(ranges, scheduling.TimeRange{Start: tr.StartTime, End: tr.EndTime})
		}
		out = append(out, scheduling.DateRanges{Date: d.Date, TimeRanges: ranges})
	}
	return out
}

func toProviderResponse(p *scheduling.Provider) ProviderResponse {
	return ProviderResponse{
		ID:                        p.ID,
		Name:                      p.Name,
		Specialty:                 p.Specialty,
		Verified:                  p.Verified,
		ConsultationFee:           p.ConsultationFee,
		Timezone:                  p.Timezone,
		CancellationCutoffMinutes: int(p.CancellationCutoff / time.Minute),
		CreatedAt:                 p.CreatedAt,
	}
}

func toPatientResponse(p *scheduling.Patient) PatientResponse {
	resp := PatientResponse{
		ID:        p.ID,
		Name:      p.Name,
		Email:     p.Email,
		Gender:    p.Gender,
		Phone:     p.Phone,
		Address:   p.Address,
		CreatedAt: p.CreatedAt,
	}
	if p.DateOfBirth != nil {
		resp.DateOfBirth = p.DateOfBirth.Format(scheduling.DateLayout)
	}
	return resp
}

func toSlotResponses(slots []scheduling.Slot) []SlotResponse {
	out := make([]SlotResponse, 0, len(slots))
	for _, s := range slots {
		out = append(out, SlotResponse{
			ID:        s.ID,
			DoctorID:  s.ProviderID,
			Date:      s.Date,
			StartTime: s.StartTime,
			EndTime:   s.EndTime,
			Booked:    s.Booked,
		})
	}
	return out
}

func toAppointmentResponse(a *scheduling.Appointment) AppointmentResponse {
	return AppointmentResponse{
		ID:              a.ID,
		Status:          string(a.Status),
		PatientID:       a.PatientID,
		DoctorID:        a.ProviderID,
		SlotID:          a.SlotID,
		AppointmentDate: a.AppointmentDate,
		StartTime:       a.StartTime,
		EndTime:         a.EndTime,
		ExpiresAt:       a.ExpiresAt,
		CreatedAt:       a.CreatedAt,
		UpdatedAt:       a.UpdatedAt,
	}
}

func toAppointmentResponses(appts []scheduling.Appointment) []AppointmentResponse {
	out := make([]AppointmentResponse, 0, len(appts))
	for i := range appts {
		out = append(out, toAppointmentResponse(&appts[i]))
	}
	return out
}
