package scheduling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/hackgods/clinic-scheduling/internal/config"
	"github.com/hackgods/clinic-scheduling/internal/logger"
	"github.com/hackgods/clinic-scheduling/internal/metrics"
	redisclient "github.com/hackgods/clinic-scheduling/internal/redis"
)

var tracer = otel.Tracer("clinic/scheduling")

const (
	EventSlotsCreated         = "SLOTS_CREATED"
	EventSlotDeleted          = "SLOT_DELETED"
	EventAppointmentCreated   = "APPOINTMENT_CREATED"
	EventAppointmentConfirmed = "APPOINTMENT_CONFIRMED"
	EventAppointmentCancelled = "APPOINTMENT_CANCELLED"
	EventAppointmentCompleted = "APPOINTMENT_COMPLETED"
	EventAppointmentExpired   = "APPOINTMENT_EXPIRED"
	EventProviderOnboarded    = "PROVIDER_ONBOARDED"
	EventProviderVerified     = "PROVIDER_VERIFIED"

	EventProviderProfileUpdated = "PROVIDER_PROFILE_UPDATED"
	EventPatientProfileUpdated  = "PATIENT_PROFILE_UPDATED"
)

// Service is the only entry point that mutates slots and appointments.
type Service struct {
	store   Store
	locker  redisclient.Locker
	catalog SlotCatalog
	ledger  BookingLedger
	metrics *metrics.SchedulingMetrics
	log     *logrus.Entry

	defaultLoc          *time.Location
	slotLength          time.Duration
	requireConfirmation bool
	pendingTTL          time.Duration
	now                 func() time.Time
}

func NewService(store Store, locker redisclient.Locker, cfg config.Config, m *metrics.SchedulingMetrics, log *logger.Logger) *Service {
	if locker == nil {
		locker = redisclient.NewLocalLocker()
	}
	if log == nil {
		log = logger.Default()
	}
	loc, err := time.LoadLocation(cfg.DefaultTimezone)
	if err != nil {
		loc = time.UTC
	}
	return &Service{
		store:               store,
		locker:              locker,
		metrics:             m,
		log:                 log.WithComponent("scheduling"),
		defaultLoc:          loc,
		slotLength:          cfg.SlotLength,
		requireConfirmation: cfg.BookingRequiresConfirmation,
		pendingTTL:          cfg.AppointmentTTL,
		now:                 time.Now,
	}
}

// WithClock replaces the wall clock, for tests and simulations.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

func (s *Service) begin(ctx context.Context, op string, attrs ...attribute.KeyValue) (context.Context, func(*error)) {
	ctx, span := tracer.Start(ctx, "scheduling."+op, trace.WithAttributes(attrs...))
	start := time.Now()
	return ctx, func(errp *error) {
		err := *errp
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, Kind(err))
		}
		span.End()
		s.metrics.ObserveOperation(op, Kind(err), time.Since(start).Seconds())
	}
}

// AddAvailability plans the submission in the provider's timezone and stores
// the resulting slots. Nothing is stored unless every slot is accepted.
func (s *Service) AddAvailability(ctx context.Context, providerID uuid.UUID, submission []DateRanges) (created []Slot, err error) {
	ctx, done := s.begin(ctx, "add_availability", attribute.String("provider_id", providerID.String()))
	defer done(&err)

	err = s.store.WithTx(ctx, func(q Queries) error {
		provider, err := q.LockProvider(ctx, providerID)
		if err != nil {
			return err
		}
		created, err = s.planAndCreate(ctx, q, provider, submission)
		return err
	})
	if err != nil {
		return nil, err
	}

	s.metrics.AddSlotsCreated(len(created))
	return created, nil
}

func (s *Service) planAndCreate(ctx context.Context, q Queries, provider *Provider, submission []DateRanges) ([]Slot, error) {
	loc, err := provider.Location(s.defaultLoc)
	if err != nil {
		return nil, fmt.Errorf("provider timezone: %w", err)
	}

	candidates, err := Plan(provider.ID, loc, submission, PlanOptions{
		SlotLength: s.slotLength,
		NotBefore:  s.now(),
	})
	if err != nil {
		return nil, err
	}

	created, err := s.catalog.CreateSlots(ctx, q, provider.ID, candidates)
	if err != nil {
		return nil, err
	}

	if err := s.logEvent(ctx, q, EventSlotsCreated, nil, nil, map[string]any{
		"provider_id": provider.ID.String(),
		"count":       len(created),
	}); err != nil {
		return nil, err
	}
	return created, nil
}

// BookAppointment reserves slotID for patientID. The slot lock and the
// transaction together guarantee that of many concurrent callers exactly one
// wins and the rest get a conflict; a failure after the slot is marked leaves
// it unbooked.
func (s *Service) BookAppointment(ctx context.Context, patientID, providerID, slotID uuid.UUID) (appt *Appointment, err error) {
	ctx, done := s.begin(ctx, "book",
		attribute.String("slot_id", slotID.String()),
		attribute.String("provider_id", providerID.String()),
	)
	defer done(&err)

	err = s.locker.WithSlotLock(ctx, slotID, func(lockCtx context.Context) error {
		return s.store.WithTx(lockCtx, func(q Queries) error {
			if _, err := q.GetPatient(lockCtx, patientID); err != nil {
				return err
			}

			slot, err := q.LockSlot(lockCtx, slotID)
			if err != nil {
				return err
			}
			if slot.ProviderID != providerID {
				return ErrSlotNotFound
			}

			provider, err := q.GetProvider(lockCtx, providerID)
			if err != nil {
				return err
			}
			if !provider.Verified {
				return ErrProviderNotVerified
			}

			if slot.Booked {
				return ErrSlotAlreadyBooked
			}
			now := s.now()
			if !slot.StartTime.After(now) {
				return ErrSlotStarted
			}

			if _, err := s.catalog.markBooked(lockCtx, q, slot.ID); err != nil {
				return err
			}

			status := StatusConfirmed
			var expiresAt *time.Time
			if s.requireConfirmation {
				status = StatusPending
				exp := now.Add(s.pendingTTL)
				expiresAt = &exp
			}

			appt, err = s.ledger.CreateAppointment(lockCtx, q, patientID, slot, status, expiresAt)
			if err != nil {
				return err
			}

			return s.logEvent(lockCtx, q, EventAppointmentCreated, &appt.ID, &slot.ID, map[string]any{
				"patient_id":  patientID.String(),
				"provider_id": providerID.String(),
				"status":      string(status),
			})
		})
	})
	if err != nil {
		if errors.Is(err, redisclient.ErrLockNotAcquired) {
			return nil, ErrSlotBusy
		}
		return nil, err
	}

	s.metrics.ObserveTransition("none", string(appt.Status))
	return appt, nil
}

// CancelAppointment cancels on behalf of the booking patient or the owning
// provider and releases the slot in the same transaction.
func (s *Service) CancelAppointment(ctx context.Context, appointmentID uuid.UUID, actor Actor) (appt *Appointment, err error) {
	ctx, done := s.begin(ctx, "cancel",
		attribute.String("appointment_id", appointmentID.String()),
		attribute.String("actor_role", string(actor.Role)),
	)
	defer done(&err)

	var from AppointmentStatus
	err = s.store.WithTx(ctx, func(q Queries) error {
		current, err := q.GetAppointment(ctx, appointmentID)
		if err != nil {
			return err
		}
		if err := s.authorizeParticipant(ctx, current, actor); err != nil {
			return err
		}
		// A finished appointment may point at a slot that has since been
		// deleted, so reject it before touching the slot.
		if !CanTransition(current.Status, StatusCancelled, actor.Role) {
			return &TransitionError{From: current.Status, To: StatusCancelled, Actor: actor.Role}
		}

		// Slot before appointment, the same order booking takes.
		if _, err := q.LockSlot(ctx, current.SlotID); err != nil {
			return err
		}
		current, err = q.LockAppointment(ctx, appointmentID)
		if err != nil {
			return err
		}
		from = current.Status

		if !CanTransition(current.Status, StatusCancelled, actor.Role) {
			return &TransitionError{From: current.Status, To: StatusCancelled, Actor: actor.Role}
		}
		if actor.Role == RolePatient {
			provider, err := q.GetProvider(ctx, current.ProviderID)
			if err != nil {
				return err
			}
			if provider.CancellationCutoff > 0 && !s.now().Before(current.StartTime.Add(-provider.CancellationCutoff)) {
				return ErrCancellationClosed
			}
		}

		appt, err = s.ledger.transitionLoaded(ctx, q, current, StatusCancelled, actor.Role)
		if err != nil {
			return err
		}
		if _, err := s.catalog.markUnbooked(ctx, q, current.SlotID); err != nil {
			return err
		}

		return s.logEvent(ctx, q, EventAppointmentCancelled, &appt.ID, &appt.SlotID, map[string]any{
			"actor_id":   actor.ID.String(),
			"actor_role": string(actor.Role),
		})
	})
	if err != nil {
		return nil, err
	}

	s.metrics.ObserveTransition(string(from), string(StatusCancelled))
	return appt, nil
}

// CompleteAppointment marks a confirmed appointment done. The slot stays booked.
func (s *Service) CompleteAppointment(ctx context.Context, appointmentID, providerID uuid.UUID) (appt *Appointment, err error) {
	ctx, done := s.begin(ctx, "complete", attribute.String("appointment_id", appointmentID.String()))
	defer done(&err)

	appt, err = s.providerTransition(ctx, appointmentID, providerID, StatusCompleted, EventAppointmentCompleted)
	if err != nil {
		return nil, err
	}
	s.metrics.ObserveTransition(string(StatusConfirmed), string(StatusCompleted))
	return appt, nil
}

// ConfirmAppointment accepts a pending booking before its reservation expires.
func (s *Service) ConfirmAppointment(ctx context.Context, appointmentID, providerID uuid.UUID) (appt *Appointment, err error) {
	ctx, done := s.begin(ctx, "confirm", attribute.String("appointment_id", appointmentID.String()))
	defer done(&err)

	appt, err = s.providerTransition(ctx, appointmentID, providerID, StatusConfirmed, EventAppointmentConfirmed)
	if err != nil {
		return nil, err
	}
	s.metrics.ObserveTransition(string(StatusPending), string(StatusConfirmed))
	return appt, nil
}

func (s *Service) providerTransition(ctx context.Context, appointmentID, providerID uuid.UUID, target AppointmentStatus, event string) (*Appointment, error) {
	actor := Actor{ID: providerID, Role: RoleProvider}

	var updated *Appointment
	err := s.store.WithTx(ctx, func(q Queries) error {
		current, err := q.LockAppointment(ctx, appointmentID)
		if err != nil {
			return err
		}
		if current.ProviderID != providerID {
			return s.forbidden(ctx, actor, current)
		}
		if target == StatusConfirmed && current.Status == StatusPending &&
			current.ExpiresAt != nil && !s.now().Before(*current.ExpiresAt) {
			return ErrAppointmentExpired
		}

		updated, err = s.ledger.transitionLoaded(ctx, q, current, target, RoleProvider)
		if err != nil {
			return err
		}
		return s.logEvent(ctx, q, event, &updated.ID, &updated.SlotID, map[string]any{
			"provider_id": providerID.String(),
		})
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// DeleteSlot removes one of the provider's unbooked slots.
func (s *Service) DeleteSlot(ctx context.Context, providerID, slotID uuid.UUID) (err error) {
	ctx, done := s.begin(ctx, "delete_slot", attribute.String("slot_id", slotID.String()))
	defer done(&err)

	err = s.locker.WithSlotLock(ctx, slotID, func(lockCtx context.Context) error {
		return s.store.WithTx(lockCtx, func(q Queries) error {
			if err := s.catalog.DeleteSlot(lockCtx, q, slotID, providerID); err != nil {
				return err
			}
			return s.logEvent(lockCtx, q, EventSlotDeleted, nil, &slotID, map[string]any{
				"provider_id": providerID.String(),
			})
		})
	})
	if errors.Is(err, redisclient.ErrLockNotAcquired) {
		return ErrSlotBusy
	}
	return err
}

// ListSlots is the provider's own view of their catalog.
func (s *Service) ListSlots(ctx context.Context, providerID uuid.UUID, filter SlotFilter) (slots []Slot, err error) {
	err = s.store.View(ctx, func(q Queries) error {
		slots, err = s.catalog.ListSlots(ctx, q, providerID, filter)
		return err
	})
	return slots, err
}

// ListBookableSlots is the patient view: future unbooked slots of a verified provider.
func (s *Service) ListBookableSlots(ctx context.Context, providerID uuid.UUID) (slots []Slot, err error) {
	err = s.store.View(ctx, func(q Queries) error {
		provider, err := q.GetProvider(ctx, providerID)
		if err != nil {
			return err
		}
		if !provider.Verified {
			return ErrProviderNotFound
		}
		slots, err = s.catalog.ListSlots(ctx, q, providerID, SlotFilter{OnlyUnbooked: true, From: s.now()})
		return err
	})
	return slots, err
}

func (s *Service) ListPatientAppointments(ctx context.Context, patientID uuid.UUID, status AppointmentStatus, limit, offset int) (appts []Appointment, err error) {
	err = s.store.View(ctx, func(q Queries) error {
		appts, err = s.ledger.ListForPatient(ctx, q, patientID, status, limit, offset)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("list appointments by patient: %w", err)
	}
	return appts, nil
}

func (s *Service) ListProviderAppointments(ctx context.Context, providerID uuid.UUID, status AppointmentStatus, limit, offset int) (appts []Appointment, err error) {
	err = s.store.View(ctx, func(q Queries) error {
		appts, err = s.ledger.ListForProvider(ctx, q, providerID, status, limit, offset)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("list appointments by provider: %w", err)
	}
	return appts, nil
}

// GetAppointment returns the appointment to its participants and admins.
func (s *Service) GetAppointment(ctx context.Context, id uuid.UUID, actor Actor) (appt *Appointment, err error) {
	err = s.store.View(ctx, func(q Queries) error {
		appt, err = q.GetAppointment(ctx, id)
		if err != nil {
			return err
		}
		if actor.Role == RoleAdmin {
			return nil
		}
		return s.authorizeParticipant(ctx, appt, actor)
	})
	if err != nil {
		return nil, err
	}
	return appt, nil
}

// ExpirePendingAppointments cancels pending bookings whose reservation ran
// out and frees their slots. It is intended to be called by the worker.
func (s *Service) ExpirePendingAppointments(ctx context.Context) (expired int, err error) {
	ctx, done := s.begin(ctx, "expire_pending")
	defer done(&err)

	now := s.now()
	var candidates []Appointment
	err = s.store.View(ctx, func(q Queries) error {
		candidates, err = q.FindExpiredPending(ctx, now)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("find expired pending appointments: %w", err)
	}

	for _, c := range candidates {
		changed := false
		err := s.store.WithTx(ctx, func(q Queries) error {
			changed = false
			if _, err := q.LockSlot(ctx, c.SlotID); err != nil {
				return err
			}
			current, err := q.LockAppointment(ctx, c.ID)
			if err != nil {
				return err
			}
			// Confirmed or cancelled since the scan.
			if current.Status != StatusPending {
				return nil
			}
			if _, err := s.ledger.transitionLoaded(ctx, q, current, StatusCancelled, RoleSystem); err != nil {
				return err
			}
			if _, err := s.catalog.markUnbooked(ctx, q, current.SlotID); err != nil {
				return err
			}
			changed = true
			return s.logEvent(ctx, q, EventAppointmentExpired, &current.ID, &current.SlotID, map[string]any{
				"reason": "worker",
			})
		})
		if err != nil {
			s.log.WithError(err).WithField("appointment_id", c.ID.String()).Error("failed to expire appointment")
			continue
		}
		if changed {
			expired++
			s.metrics.ObserveTransition(string(StatusPending), string(StatusCancelled))
		}
	}

	return expired, nil
}

// PruneStaleSlots drops unbooked slots that have already ended.
func (s *Service) PruneStaleSlots(ctx context.Context) (pruned int64, err error) {
	ctx, done := s.begin(ctx, "prune_slots")
	defer done(&err)

	err = s.store.WithTx(ctx, func(q Queries) error {
		pruned, err = q.DeleteUnbookedSlotsBefore(ctx, s.now())
		return err
	})
	return pruned, err
}

func (s *Service) authorizeParticipant(ctx context.Context, appt *Appointment, actor Actor) error {
	switch {
	case actor.Role == RolePatient && actor.ID == appt.PatientID:
		return nil
	case actor.Role == RoleProvider && actor.ID == appt.ProviderID:
		return nil
	}
	return s.forbidden(ctx, actor, appt)
}

// forbidden logs refusals coming from providers, whose UI should never
// offer actions on other providers' appointments.
func (s *Service) forbidden(ctx context.Context, actor Actor, appt *Appointment) error {
	if actor.Role == RoleProvider {
		fields := logrus.Fields{
			"actor_id":       actor.ID.String(),
			"appointment_id": appt.ID.String(),
		}
		if reqID := logger.RequestIDFromContext(ctx); reqID != "" {
			fields["request_id"] = reqID
		}
		s.log.WithContext(ctx).WithFields(fields).Warn("provider acted on an appointment it does not own")
	}
	return ErrNotParticipant
}

func (s *Service) logEvent(ctx context.Context, q Queries, eventType string, appointmentID, slotID *uuid.UUID, payload map[string]any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		s.log.WithError(err).Warnf("failed to marshal event payload for %s", eventType)
		data = nil
	}

	ev := EventLog{
		EventType:     eventType,
		AppointmentID: appointmentID,
		SlotID:        slotID,
		Payload:       data,
		CreatedAt:     s.now(),
	}
	if err := q.InsertEvent(ctx, ev); err != nil {
		return fmt.Errorf("insert event log %s: %w", eventType, err)
	}
	return nil
}
