package scheduling

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
)

// maxConsultationFee is the first value that no longer fits NUMERIC(10,2).
var maxConsultationFee = decimal.New(1, 8)

// ProviderUpdate carries the profile fields a provider may change. Nil
// fields are left as they are.
type ProviderUpdate struct {
	Name               *string
	Specialty          *string
	ConsultationFee    *decimal.Decimal
	Timezone           *string
	CancellationCutoff *time.Duration
}

type PatientUpdate struct {
	Name        *string
	Email       *string
	Gender      *string
	DateOfBirth *time.Time
	Phone       *string
	Address     *string
}

func validateProvider(p Provider) error {
	if strings.TrimSpace(p.Name) == "" {
		return invalidf("provider name is required")
	}
	switch fee := p.ConsultationFee; {
	case fee.IsNegative():
		return invalidf("consultation fee must not be negative")
	case !fee.Equal(fee.Round(2)):
		return invalidf("consultation fee has more than two decimal places")
	case fee.GreaterThanOrEqual(maxConsultationFee):
		return invalidf("consultation fee must be below %s", maxConsultationFee)
	}
	if p.CancellationCutoff < 0 {
		return invalidf("cancellation cutoff must not be negative")
	}
	if p.CancellationCutoff%time.Minute != 0 {
		return invalidf("cancellation cutoff must be whole minutes")
	}
	if p.Timezone != "" {
		if _, err := time.LoadLocation(p.Timezone); err != nil {
			return invalidf("unknown timezone %q", p.Timezone)
		}
	}
	return nil
}

func (s *Service) validatePatient(p Patient) error {
	if strings.TrimSpace(p.Name) == "" {
		return invalidf("patient name is required")
	}
	if p.DateOfBirth != nil && p.DateOfBirth.After(s.now()) {
		return invalidf("date of birth is in the future")
	}
	return nil
}

// OnboardProvider registers an unverified provider together with its initial
// availability. The availability goes through the same planner as later
// submissions, in the provider's own timezone.
func (s *Service) OnboardProvider(ctx context.Context, p Provider, availability []DateRanges) (provider *Provider, slots []Slot, err error) {
	ctx, done := s.begin(ctx, "onboard_provider", attribute.String("provider_id", p.ID.String()))
	defer done(&err)

	if p.ID == uuid.Nil {
		return nil, nil, invalidf("provider id is required")
	}
	if err := validateProvider(p); err != nil {
		return nil, nil, err
	}
	p.Verified = false

	err = s.store.WithTx(ctx, func(q Queries) error {
		provider, err = q.InsertProvider(ctx, p)
		if err != nil {
			return err
		}
		if err := s.logEvent(ctx, q, EventProviderOnboarded, nil, nil, map[string]any{
			"provider_id": provider.ID.String(),
		}); err != nil {
			return err
		}
		if len(availability) == 0 {
			return nil
		}
		slots, err = s.planAndCreate(ctx, q, provider, availability)
		return err
	})
	if err != nil {
		return nil, nil, err
	}

	s.metrics.AddSlotsCreated(len(slots))
	return provider, slots, nil
}

// VerifyProvider lets an admin make a provider bookable.
func (s *Service) VerifyProvider(ctx context.Context, providerID uuid.UUID, actor Actor) (provider *Provider, err error) {
	ctx, done := s.begin(ctx, "verify_provider", attribute.String("provider_id", providerID.String()))
	defer done(&err)

	if actor.Role != RoleAdmin {
		return nil, ErrForbidden
	}

	err = s.store.WithTx(ctx, func(q Queries) error {
		if _, err := q.LockProvider(ctx, providerID); err != nil {
			return err
		}
		provider, err = q.SetProviderVerified(ctx, providerID, true)
		if err != nil {
			return err
		}
		return s.logEvent(ctx, q, EventProviderVerified, nil, nil, map[string]any{
			"provider_id": providerID.String(),
			"admin_id":    actor.ID.String(),
		})
	})
	if err != nil {
		return nil, err
	}
	return provider, nil
}

// UpdateProviderProfile applies a provider's own profile edits. Slots
// already created keep their instants when the timezone changes; only later
// availability submissions use the new zone.
func (s *Service) UpdateProviderProfile(ctx context.Context, providerID uuid.UUID, upd ProviderUpdate) (provider *Provider, err error) {
	ctx, done := s.begin(ctx, "update_provider_profile", attribute.String("provider_id", providerID.String()))
	defer done(&err)

	err = s.store.WithTx(ctx, func(q Queries) error {
		current, err := q.LockProvider(ctx, providerID)
		if err != nil {
			return err
		}

		var changed []string
		if upd.Name != nil {
			current.Name = strings.TrimSpace(*upd.Name)
			changed = append(changed, "name")
		}
		if upd.Specialty != nil {
			current.Specialty = strings.TrimSpace(*upd.Specialty)
			changed = append(changed, "specialty")
		}
		if upd.ConsultationFee != nil {
			current.ConsultationFee = *upd.ConsultationFee
			changed = append(changed, "consultation_fee")
		}
		if upd.Timezone != nil {
			current.Timezone = *upd.Timezone
			changed = append(changed, "timezone")
		}
		if upd.CancellationCutoff != nil {
			current.CancellationCutoff = *upd.CancellationCutoff
			changed = append(changed, "cancellation_cutoff")
		}
		if len(changed) == 0 {
			provider = current
			return nil
		}
		if err := validateProvider(*current); err != nil {
			return err
		}

		provider, err = q.UpdateProvider(ctx, *current)
		if err != nil {
			return err
		}
		return s.logEvent(ctx, q, EventProviderProfileUpdated, nil, nil, map[string]any{
			"provider_id": providerID.String(),
			"fields":      changed,
		})
	})
	if err != nil {
		return nil, err
	}
	return provider, nil
}

// GetProvider hides unverified providers from everyone but admins and the
// provider itself.
func (s *Service) GetProvider(ctx context.Context, providerID uuid.UUID, actor Actor) (provider *Provider, err error) {
	err = s.store.View(ctx, func(q Queries) error {
		provider, err = q.GetProvider(ctx, providerID)
		return err
	})
	if err != nil {
		return nil, err
	}
	if !provider.Verified && actor.Role != RoleAdmin && actor.ID != providerID {
		return nil, ErrProviderNotFound
	}
	return provider, nil
}

// ListProviders returns providers matching filter. Non-admins only ever see
// verified providers.
func (s *Service) ListProviders(ctx context.Context, filter ProviderFilter, actor Actor) (providers []Provider, err error) {
	if actor.Role != RoleAdmin {
		verified := true
		filter.Verified = &verified
	}
	filter.Search = strings.TrimSpace(filter.Search)

	err = s.store.View(ctx, func(q Queries) error {
		providers, err = q.ListProviders(ctx, filter)
		return err
	})
	return providers, err
}

func (s *Service) OnboardPatient(ctx context.Context, p Patient) (patient *Patient, err error) {
	ctx, done := s.begin(ctx, "onboard_patient")
	defer done(&err)

	if p.ID == uuid.Nil {
		return nil, invalidf("patient id is required")
	}
	if err := s.validatePatient(p); err != nil {
		return nil, err
	}

	err = s.store.WithTx(ctx, func(q Queries) error {
		patient, err = q.InsertPatient(ctx, p)
		return err
	})
	if err != nil {
		return nil, err
	}
	return patient, nil
}

func (s *Service) GetPatient(ctx context.Context, patientID uuid.UUID) (patient *Patient, err error) {
	err = s.store.View(ctx, func(q Queries) error {
		patient, err = q.GetPatient(ctx, patientID)
		return err
	})
	return patient, err
}

// UpdatePatientProfile applies a patient's own profile edits. An empty email
// clears it.
func (s *Service) UpdatePatientProfile(ctx context.Context, patientID uuid.UUID, upd PatientUpdate) (patient *Patient, err error) {
	ctx, done := s.begin(ctx, "update_patient_profile", attribute.String("patient_id", patientID.String()))
	defer done(&err)

	err = s.store.WithTx(ctx, func(q Queries) error {
		current, err := q.LockPatient(ctx, patientID)
		if err != nil {
			return err
		}

		var changed []string
		if upd.Name != nil {
			current.Name = strings.TrimSpace(*upd.Name)
			changed = append(changed, "name")
		}
		if upd.Email != nil {
			current.Email = nil
			if email := strings.TrimSpace(*upd.Email); email != "" {
				current.Email = &email
			}
			changed = append(changed, "email")
		}
		if upd.Gender != nil {
			current.Gender = *upd.Gender
			changed = append(changed, "gender")
		}
		if upd.DateOfBirth != nil {
			dob := *upd.DateOfBirth
			current.DateOfBirth = &dob
			changed = append(changed, "date_of_birth")
		}
		if upd.Phone != nil {
			current.Phone = *upd.Phone
			changed = append(changed, "phone")
		}
		if upd.Address != nil {
			current.Address = *upd.Address
			changed = append(changed, "address")
		}
		if len(changed) == 0 {
			patient = current
			return nil
		}
		if err := s.validatePatient(*current); err != nil {
			return err
		}

		patient, err = q.UpdatePatient(ctx, *current)
		if err != nil {
			return err
		}
		return s.logEvent(ctx, q, EventPatientProfileUpdated, nil, nil, map[string]any{
			"patient_id": patientID.String(),
			"fields":     changed,
		})
	})
	if err != nil {
		return nil, err
	}
	return patient, nil
}
