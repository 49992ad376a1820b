package scheduling

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hackgods/clinic-scheduling/internal/config"
	"github.com/hackgods/clinic-scheduling/internal/logger"
	"github.com/hackgods/clinic-scheduling/internal/metrics"
	redisclient "github.com/hackgods/clinic-scheduling/internal/redis"
)

var admin = Actor{ID: uuid.New(), Role: RoleAdmin}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

type fixture struct {
	svc   *Service
	store *MemoryStore
	clock *testClock
	cfg   config.Config
}

func newFixture(t *testing.T, mutate ...func(*config.Config)) *fixture {
	t.Helper()

	cfg := config.Config{
		DefaultTimezone: "UTC",
		AppointmentTTL:  30 * time.Minute,
		LockTTL:         5 * time.Second,
	}
	for _, m := range mutate {
		m(&cfg)
	}

	clock := &testClock{now: time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC)}
	store := NewMemoryStore()
	store.now = clock.Now

	m := metrics.NewSchedulingMetrics(prometheus.NewRegistry())
	svc := NewService(store, redisclient.NewLocalLocker(), cfg, m, logger.Discard()).WithClock(clock.Now)

	return &fixture{svc: svc, store: store, clock: clock, cfg: cfg}
}

func (f *fixture) provider(t *testing.T, verified bool, mutate ...func(*Provider)) *Provider {
	t.Helper()

	p := Provider{
		ID:        uuid.New(),
		Name:      "Dr. " + gofakeit.LastName(),
		Specialty: gofakeit.RandomString([]string{"Cardiology", "Dermatology", "Pediatrics"}),
	}
	for _, m := range mutate {
		m(&p)
	}

	created, _, err := f.svc.OnboardProvider(context.Background(), p, nil)
	require.NoError(t, err)
	if verified {
		created, err = f.svc.VerifyProvider(context.Background(), created.ID, admin)
		require.NoError(t, err)
	}
	return created
}

func (f *fixture) patient(t *testing.T) *Patient {
	t.Helper()

	email := gofakeit.Email()
	p, err := f.svc.OnboardPatient(context.Background(), Patient{
		ID:    uuid.New(),
		Name:  gofakeit.Name(),
		Email: &email,
	})
	require.NoError(t, err)
	return p
}

func (f *fixture) slots(t *testing.T, providerID uuid.UUID, date string, ranges ...TimeRange) []Slot {
	t.Helper()

	created, err := f.svc.AddAvailability(context.Background(), providerID, []DateRanges{{Date: date, TimeRanges: ranges}})
	require.NoError(t, err)
	return created
}

func (f *fixture) eventTypes() []string {
	var out []string
	for _, ev := range f.store.Events() {
		out = append(out, ev.EventType)
	}
	return out
}

func TestAddAvailabilityCreatesSortedSlots(t *testing.T) {
	f := newFixture(t)
	p := f.provider(t, true)

	created := f.slots(t, p.ID, "2025-06-02",
		TimeRange{Start: "10:00", End: "11:00"},
		TimeRange{Start: "09:00", End: "10:00"},
	)

	require.Len(t, created, 2)
	assert.Equal(t, time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC), created[0].StartTime)
	assert.Equal(t, time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC), created[1].StartTime)
	for _, s := range created {
		assert.False(t, s.Booked)
		assert.Equal(t, "2025-06-02", s.Date)
		assert.Equal(t, p.ID, s.ProviderID)
	}
	assert.Contains(t, f.eventTypes(), EventSlotsCreated)
}

func TestAddAvailabilityUsesProviderTimezone(t *testing.T) {
	f := newFixture(t)
	p := f.provider(t, true, func(p *Provider) { p.Timezone = "Europe/Berlin" })

	created := f.slots(t, p.ID, "2025-06-02", TimeRange{Start: "09:00", End: "09:30"})

	require.Len(t, created, 1)
	assert.Equal(t, time.Date(2025, 6, 2, 7, 0, 0, 0, time.UTC), created[0].StartTime)
}

func TestAddAvailabilityRejectsOverlapWithExistingSlots(t *testing.T) {
	f := newFixture(t)
	p := f.provider(t, true)
	f.slots(t, p.ID, "2025-06-02", TimeRange{Start: "09:00", End: "10:00"})

	_, err := f.svc.AddAvailability(context.Background(), p.ID, []DateRanges{{
		Date: "2025-06-02",
		TimeRanges: []TimeRange{
			{Start: "11:00", End: "12:00"},
			{Start: "09:30", End: "10:30"},
		},
	}})

	require.ErrorIs(t, err, ErrSlotOverlap)
	assert.ErrorIs(t, err, ErrConflict)

	// Nothing from the rejected submission was stored.
	slots, err := f.svc.ListSlots(context.Background(), p.ID, SlotFilter{})
	require.NoError(t, err)
	assert.Len(t, slots, 1)
}

func TestAddAvailabilityTouchingRangesAreAccepted(t *testing.T) {
	f := newFixture(t)
	p := f.provider(t, true)
	f.slots(t, p.ID, "2025-06-02", TimeRange{Start: "09:00", End: "10:00"})

	created := f.slots(t, p.ID, "2025-06-02", TimeRange{Start: "10:00", End: "11:00"})
	assert.Len(t, created, 1)
}

func TestAddAvailabilityValidation(t *testing.T) {
	f := newFixture(t)
	p := f.provider(t, true)

	_, err := f.svc.AddAvailability(context.Background(), p.ID, []DateRanges{{
		Date:       "2025-06-02",
		TimeRanges: []TimeRange{{Start: "10:00", End: "09:00"}},
	}})

	var vErr *ValidationError
	require.ErrorAs(t, err, &vErr)
	assert.Equal(t, 0, vErr.Entry)
	assert.Equal(t, 0, vErr.Range)
	assert.ErrorIs(t, err, ErrValidation)
}

func TestAddAvailabilityRejectsPastSlots(t *testing.T) {
	f := newFixture(t)
	p := f.provider(t, true)

	_, err := f.svc.AddAvailability(context.Background(), p.ID, []DateRanges{{
		Date:       "2025-05-31",
		TimeRanges: []TimeRange{{Start: "09:00", End: "10:00"}},
	}})
	assert.ErrorIs(t, err, ErrValidation)
}

func TestAddAvailabilityUnknownProvider(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.AddAvailability(context.Background(), uuid.New(), []DateRanges{{
		Date:       "2025-06-02",
		TimeRanges: []TimeRange{{Start: "09:00", End: "10:00"}},
	}})
	assert.ErrorIs(t, err, ErrProviderNotFound)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestAddAvailabilitySplitsBySlotLength(t *testing.T) {
	f := newFixture(t, func(c *config.Config) { c.SlotLength = 30 * time.Minute })
	p := f.provider(t, true)

	created := f.slots(t, p.ID, "2025-06-02", TimeRange{Start: "09:00", End: "11:00"})
	require.Len(t, created, 4)
	assert.Equal(t, time.Date(2025, 6, 2, 10, 30, 0, 0, time.UTC), created[3].StartTime)
}

func TestBookAppointment(t *testing.T) {
	f := newFixture(t)
	p := f.provider(t, true)
	pat := f.patient(t)
	slot := f.slots(t, p.ID, "2025-06-02", TimeRange{Start: "09:00", End: "10:00"})[0]

	appt, err := f.svc.BookAppointment(context.Background(), pat.ID, p.ID, slot.ID)
	require.NoError(t, err)

	assert.Equal(t, StatusConfirmed, appt.Status)
	assert.Equal(t, pat.ID, appt.PatientID)
	assert.Equal(t, p.ID, appt.ProviderID)
	assert.Equal(t, slot.ID, appt.SlotID)
	assert.Equal(t, "2025-06-02", appt.AppointmentDate)
	assert.True(t, appt.StartTime.Equal(slot.StartTime))
	assert.Nil(t, appt.ExpiresAt)

	slots, err := f.svc.ListSlots(context.Background(), p.ID, SlotFilter{})
	require.NoError(t, err)
	assert.True(t, slots[0].Booked)
	assert.Contains(t, f.eventTypes(), EventAppointmentCreated)
}

func TestBookAppointmentSecondAttemptConflicts(t *testing.T) {
	f := newFixture(t)
	p := f.provider(t, true)
	slot := f.slots(t, p.ID, "2025-06-02", TimeRange{Start: "09:00", End: "10:00"})[0]

	_, err := f.svc.BookAppointment(context.Background(), f.patient(t).ID, p.ID, slot.ID)
	require.NoError(t, err)

	_, err = f.svc.BookAppointment(context.Background(), f.patient(t).ID, p.ID, slot.ID)
	assert.ErrorIs(t, err, ErrSlotAlreadyBooked)
	assert.ErrorIs(t, err, ErrConflict)
}

func TestBookAppointmentConcurrentSingleWinner(t *testing.T) {
	f := newFixture(t)
	p := f.provider(t, true)
	slot := f.slots(t, p.ID, "2025-06-02", TimeRange{Start: "09:00", End: "10:00"})[0]

	const bookers = 25
	patients := make([]*Patient, bookers)
	for i := range patients {
		patients[i] = f.patient(t)
	}

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
		otherErrs []error
	)
	start := make(chan struct{})
	for i := 0; i < bookers; i++ {
		wg.Add(1)
		go func(patientID uuid.UUID) {
			defer wg.Done()
			<-start
			_, err := f.svc.BookAppointment(context.Background(), patientID, p.ID, slot.ID)

			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				successes++
			case errors.Is(err, ErrConflict):
			default:
				otherErrs = append(otherErrs, err)
			}
		}(patients[i].ID)
	}
	close(start)
	wg.Wait()

	assert.Equal(t, 1, successes)
	assert.Empty(t, otherErrs)

	appts, err := f.svc.ListProviderAppointments(context.Background(), p.ID, "", 0, 0)
	require.NoError(t, err)
	assert.Len(t, appts, 1)
}

func TestBookAppointmentPreconditions(t *testing.T) {
	f := newFixture(t)
	verified := f.provider(t, true)
	unverified := f.provider(t, false)
	pat := f.patient(t)

	vSlot := f.slots(t, verified.ID, "2025-06-02", TimeRange{Start: "09:00", End: "10:00"})[0]
	uSlot := f.slots(t, unverified.ID, "2025-06-02", TimeRange{Start: "09:00", End: "10:00"})[0]

	tests := []struct {
		name       string
		patientID  uuid.UUID
		providerID uuid.UUID
		slotID     uuid.UUID
		want       error
	}{
		{"unknown slot", pat.ID, verified.ID, uuid.New(), ErrSlotNotFound},
		{"slot of another provider", pat.ID, verified.ID, uSlot.ID, ErrSlotNotFound},
		{"unverified provider", pat.ID, unverified.ID, uSlot.ID, ErrProviderNotVerified},
		{"unknown patient", uuid.New(), verified.ID, vSlot.ID, ErrPatientNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.BookAppointment(context.Background(), tt.patientID, tt.providerID, tt.slotID)
			assert.ErrorIs(t, err, tt.want)
		})
	}

	slots, err := f.svc.ListSlots(context.Background(), verified.ID, SlotFilter{})
	require.NoError(t, err)
	assert.False(t, slots[0].Booked)
}

func TestBookAppointmentStartedSlot(t *testing.T) {
	f := newFixture(t)
	p := f.provider(t, true)
	slot := f.slots(t, p.ID, "2025-06-02", TimeRange{Start: "09:00", End: "10:00"})[0]

	f.clock.Set(time.Date(2025, 6, 2, 9, 15, 0, 0, time.UTC))

	_, err := f.svc.BookAppointment(context.Background(), f.patient(t).ID, p.ID, slot.ID)
	assert.ErrorIs(t, err, ErrSlotStarted)
}

func TestBookAppointmentLockBusy(t *testing.T) {
	f := newFixture(t)
	p := f.provider(t, true)
	pat := f.patient(t)
	slot := f.slots(t, p.ID, "2025-06-02", TimeRange{Start: "09:00", End: "10:00"})[0]

	locker := redisclient.NewLocalLocker()
	f.svc.locker = locker

	err := locker.WithSlotLock(context.Background(), slot.ID, func(ctx context.Context) error {
		_, err := f.svc.BookAppointment(ctx, pat.ID, p.ID, slot.ID)
		return err
	})
	assert.ErrorIs(t, err, ErrSlotBusy)
	assert.ErrorIs(t, err, ErrConflict)
}

// failingStore runs transactions on the wrapped store but fails event inserts
// of one type, to exercise rollback of everything written before them.
type failingStore struct {
	*MemoryStore
	failEvent string
}

func (s failingStore) WithTx(ctx context.Context, fn func(q Queries) error) error {
	return s.MemoryStore.WithTx(ctx, func(q Queries) error {
		return fn(failingQueries{Queries: q, failEvent: s.failEvent})
	})
}

type failingQueries struct {
	Queries
	failEvent string
}

func (q failingQueries) InsertEvent(ctx context.Context, ev EventLog) error {
	if ev.EventType == q.failEvent {
		return errors.New("event log unavailable")
	}
	return q.Queries.InsertEvent(ctx, ev)
}

func TestBookAppointmentRollsBackOnFailure(t *testing.T) {
	f := newFixture(t)
	p := f.provider(t, true)
	pat := f.patient(t)
	slot := f.slots(t, p.ID, "2025-06-02", TimeRange{Start: "09:00", End: "10:00"})[0]

	broken := NewService(failingStore{MemoryStore: f.store, failEvent: EventAppointmentCreated},
		redisclient.NewLocalLocker(), f.cfg, nil, logger.Discard()).WithClock(f.clock.Now)

	_, err := broken.BookAppointment(context.Background(), pat.ID, p.ID, slot.ID)
	require.Error(t, err)

	slots, err := f.svc.ListSlots(context.Background(), p.ID, SlotFilter{})
	require.NoError(t, err)
	assert.False(t, slots[0].Booked)

	appts, err := f.svc.ListPatientAppointments(context.Background(), pat.ID, "", 0, 0)
	require.NoError(t, err)
	assert.Empty(t, appts)

	// The slot is still bookable through a healthy path.
	_, err = f.svc.BookAppointment(context.Background(), pat.ID, p.ID, slot.ID)
	assert.NoError(t, err)
}

func TestCancelAppointmentReleasesSlot(t *testing.T) {
	f := newFixture(t)
	p := f.provider(t, true)
	first := f.patient(t)
	second := f.patient(t)
	slot := f.slots(t, p.ID, "2025-06-02", TimeRange{Start: "09:00", End: "10:00"})[0]

	appt, err := f.svc.BookAppointment(context.Background(), first.ID, p.ID, slot.ID)
	require.NoError(t, err)

	cancelled, err := f.svc.CancelAppointment(context.Background(), appt.ID, Actor{ID: first.ID, Role: RolePatient})
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, cancelled.Status)

	bookable, err := f.svc.ListBookableSlots(context.Background(), p.ID)
	require.NoError(t, err)
	require.Len(t, bookable, 1)
	assert.Equal(t, slot.ID, bookable[0].ID)

	rebooked, err := f.svc.BookAppointment(context.Background(), second.ID, p.ID, slot.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusConfirmed, rebooked.Status)
	assert.Contains(t, f.eventTypes(), EventAppointmentCancelled)
}

func TestCancelAppointmentAuthorization(t *testing.T) {
	f := newFixture(t)
	p := f.provider(t, true)
	other := f.provider(t, true)
	pat := f.patient(t)
	stranger := f.patient(t)
	slot := f.slots(t, p.ID, "2025-06-02", TimeRange{Start: "09:00", End: "10:00"})[0]

	appt, err := f.svc.BookAppointment(context.Background(), pat.ID, p.ID, slot.ID)
	require.NoError(t, err)

	_, err = f.svc.CancelAppointment(context.Background(), appt.ID, Actor{ID: stranger.ID, Role: RolePatient})
	assert.ErrorIs(t, err, ErrForbidden)

	_, err = f.svc.CancelAppointment(context.Background(), appt.ID, Actor{ID: other.ID, Role: RoleProvider})
	assert.ErrorIs(t, err, ErrForbidden)

	_, err = f.svc.CancelAppointment(context.Background(), uuid.New(), Actor{ID: pat.ID, Role: RolePatient})
	assert.ErrorIs(t, err, ErrAppointmentNotFound)

	cancelled, err := f.svc.CancelAppointment(context.Background(), appt.ID, Actor{ID: p.ID, Role: RoleProvider})
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, cancelled.Status)

	_, err = f.svc.CancelAppointment(context.Background(), appt.ID, Actor{ID: pat.ID, Role: RolePatient})
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestCancelAppointmentCutoff(t *testing.T) {
	f := newFixture(t)
	p := f.provider(t, true, func(p *Provider) { p.CancellationCutoff = 24 * time.Hour })
	pat := f.patient(t)
	slot := f.slots(t, p.ID, "2025-06-02", TimeRange{Start: "09:00", End: "10:00"})[0]

	appt, err := f.svc.BookAppointment(context.Background(), pat.ID, p.ID, slot.ID)
	require.NoError(t, err)

	f.clock.Set(time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC))

	_, err = f.svc.CancelAppointment(context.Background(), appt.ID, Actor{ID: pat.ID, Role: RolePatient})
	assert.ErrorIs(t, err, ErrCancellationClosed)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	// The provider is not bound by the patient cutoff.
	_, err = f.svc.CancelAppointment(context.Background(), appt.ID, Actor{ID: p.ID, Role: RoleProvider})
	assert.NoError(t, err)
}

func TestCancelAppointmentAfterSlotDeleted(t *testing.T) {
	f := newFixture(t)
	p := f.provider(t, true)
	pat := f.patient(t)
	slot := f.slots(t, p.ID, "2025-06-02", TimeRange{Start: "09:00", End: "10:00"})[0]
	patient := Actor{ID: pat.ID, Role: RolePatient}

	appt, err := f.svc.BookAppointment(context.Background(), pat.ID, p.ID, slot.ID)
	require.NoError(t, err)
	_, err = f.svc.CancelAppointment(context.Background(), appt.ID, patient)
	require.NoError(t, err)
	require.NoError(t, f.svc.DeleteSlot(context.Background(), p.ID, slot.ID))

	_, err = f.svc.CancelAppointment(context.Background(), appt.ID, patient)
	var terr *TransitionError
	require.ErrorAs(t, err, &terr)
	assert.ErrorIs(t, err, ErrInvalidTransition)
	assert.NotErrorIs(t, err, ErrSlotNotFound)
	assert.Equal(t, StatusCancelled, terr.From)

	_, err = f.svc.CancelAppointment(context.Background(), appt.ID, Actor{ID: p.ID, Role: RoleProvider})
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestCancelAppointmentRollsBackOnFailure(t *testing.T) {
	f := newFixture(t)
	p := f.provider(t, true)
	pat := f.patient(t)
	slot := f.slots(t, p.ID, "2025-06-02", TimeRange{Start: "09:00", End: "10:00"})[0]

	appt, err := f.svc.BookAppointment(context.Background(), pat.ID, p.ID, slot.ID)
	require.NoError(t, err)

	broken := NewService(failingStore{MemoryStore: f.store, failEvent: EventAppointmentCancelled},
		redisclient.NewLocalLocker(), f.cfg, nil, logger.Discard()).WithClock(f.clock.Now)

	_, err = broken.CancelAppointment(context.Background(), appt.ID, Actor{ID: pat.ID, Role: RolePatient})
	require.Error(t, err)

	got, err := f.svc.GetAppointment(context.Background(), appt.ID, admin)
	require.NoError(t, err)
	assert.Equal(t, StatusConfirmed, got.Status)

	slots, err := f.svc.ListSlots(context.Background(), p.ID, SlotFilter{})
	require.NoError(t, err)
	assert.True(t, slots[0].Booked)
	assert.NotContains(t, f.eventTypes(), EventAppointmentCancelled)

	// A healthy cancel still goes through afterwards.
	_, err = f.svc.CancelAppointment(context.Background(), appt.ID, Actor{ID: pat.ID, Role: RolePatient})
	assert.NoError(t, err)
}

func TestForeignProviderRefusalIsLoggedWithRequestID(t *testing.T) {
	f := newFixture(t)
	p := f.provider(t, true)
	other := f.provider(t, true)
	pat := f.patient(t)
	slot := f.slots(t, p.ID, "2025-06-02", TimeRange{Start: "09:00", End: "10:00"})[0]

	appt, err := f.svc.BookAppointment(context.Background(), pat.ID, p.ID, slot.ID)
	require.NoError(t, err)

	var buf bytes.Buffer
	svc := NewService(f.store, redisclient.NewLocalLocker(), f.cfg, nil, logger.NewWithOutput("warn", &buf)).WithClock(f.clock.Now)

	ctx := logger.ContextWithRequestID(context.Background(), "req-42")
	_, err = svc.CancelAppointment(ctx, appt.ID, Actor{ID: other.ID, Role: RoleProvider})
	require.ErrorIs(t, err, ErrForbidden)

	assert.Contains(t, buf.String(), `"request_id":"req-42"`)
	assert.Contains(t, buf.String(), other.ID.String())
}

func TestCompleteAppointment(t *testing.T) {
	f := newFixture(t)
	p := f.provider(t, true)
	other := f.provider(t, true)
	pat := f.patient(t)
	slot := f.slots(t, p.ID, "2025-06-02", TimeRange{Start: "09:00", End: "10:00"})[0]

	appt, err := f.svc.BookAppointment(context.Background(), pat.ID, p.ID, slot.ID)
	require.NoError(t, err)

	_, err = f.svc.CompleteAppointment(context.Background(), appt.ID, other.ID)
	assert.ErrorIs(t, err, ErrForbidden)

	done, err := f.svc.CompleteAppointment(context.Background(), appt.ID, p.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, done.Status)

	slots, err := f.svc.ListSlots(context.Background(), p.ID, SlotFilter{})
	require.NoError(t, err)
	assert.True(t, slots[0].Booked, "completed appointments keep their slot")

	_, err = f.svc.CancelAppointment(context.Background(), appt.ID, Actor{ID: pat.ID, Role: RolePatient})
	assert.ErrorIs(t, err, ErrInvalidTransition)

	_, err = f.svc.CompleteAppointment(context.Background(), appt.ID, p.ID)
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestPendingBookingConfirmAndExpire(t *testing.T) {
	f := newFixture(t, func(c *config.Config) { c.BookingRequiresConfirmation = true })
	p := f.provider(t, true)
	slots := f.slots(t, p.ID, "2025-06-02",
		TimeRange{Start: "09:00", End: "10:00"},
		TimeRange{Start: "10:00", End: "11:00"},
	)

	kept, err := f.svc.BookAppointment(context.Background(), f.patient(t).ID, p.ID, slots[0].ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, kept.Status)
	require.NotNil(t, kept.ExpiresAt)
	assert.Equal(t, f.clock.Now().Add(30*time.Minute), *kept.ExpiresAt)

	lapsed, err := f.svc.BookAppointment(context.Background(), f.patient(t).ID, p.ID, slots[1].ID)
	require.NoError(t, err)

	confirmed, err := f.svc.ConfirmAppointment(context.Background(), kept.ID, p.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusConfirmed, confirmed.Status)
	assert.Nil(t, confirmed.ExpiresAt)

	f.clock.Set(f.clock.Now().Add(time.Hour))

	_, err = f.svc.ConfirmAppointment(context.Background(), lapsed.ID, p.ID)
	assert.ErrorIs(t, err, ErrAppointmentExpired)

	n, err := f.svc.ExpirePendingAppointments(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := f.svc.GetAppointment(context.Background(), lapsed.ID, admin)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, got.Status)

	bookable, err := f.svc.ListBookableSlots(context.Background(), p.ID)
	require.NoError(t, err)
	require.Len(t, bookable, 1)
	assert.Equal(t, slots[1].ID, bookable[0].ID)

	n, err = f.svc.ExpirePendingAppointments(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Contains(t, f.eventTypes(), EventAppointmentExpired)
}

func TestDeleteSlot(t *testing.T) {
	f := newFixture(t)
	p := f.provider(t, true)
	other := f.provider(t, true)
	slots := f.slots(t, p.ID, "2025-06-02",
		TimeRange{Start: "09:00", End: "10:00"},
		TimeRange{Start: "10:00", End: "11:00"},
	)

	_, err := f.svc.BookAppointment(context.Background(), f.patient(t).ID, p.ID, slots[0].ID)
	require.NoError(t, err)

	assert.ErrorIs(t, f.svc.DeleteSlot(context.Background(), p.ID, slots[0].ID), ErrSlotBooked)
	assert.ErrorIs(t, f.svc.DeleteSlot(context.Background(), other.ID, slots[1].ID), ErrForbidden)
	assert.ErrorIs(t, f.svc.DeleteSlot(context.Background(), p.ID, uuid.New()), ErrSlotNotFound)
	require.NoError(t, f.svc.DeleteSlot(context.Background(), p.ID, slots[1].ID))

	remaining, err := f.svc.ListSlots(context.Background(), p.ID, SlotFilter{})
	require.NoError(t, err)
	require.Len(t, remaining, 1)
	assert.Equal(t, slots[0].ID, remaining[0].ID)
}

func TestListBookableSlots(t *testing.T) {
	f := newFixture(t)
	p := f.provider(t, true)
	hidden := f.provider(t, false)
	slots := f.slots(t, p.ID, "2025-06-02",
		TimeRange{Start: "09:00", End: "10:00"},
		TimeRange{Start: "10:00", End: "11:00"},
	)
	f.slots(t, hidden.ID, "2025-06-02", TimeRange{Start: "09:00", End: "10:00"})

	_, err := f.svc.BookAppointment(context.Background(), f.patient(t).ID, p.ID, slots[0].ID)
	require.NoError(t, err)

	bookable, err := f.svc.ListBookableSlots(context.Background(), p.ID)
	require.NoError(t, err)
	require.Len(t, bookable, 1)
	assert.Equal(t, slots[1].ID, bookable[0].ID)

	_, err = f.svc.ListBookableSlots(context.Background(), hidden.ID)
	assert.ErrorIs(t, err, ErrProviderNotFound)

	unbooked, err := f.svc.ListSlots(context.Background(), p.ID, SlotFilter{OnlyUnbooked: true})
	require.NoError(t, err)
	assert.Len(t, unbooked, 1)
}

func TestGetAppointmentParticipantsOnly(t *testing.T) {
	f := newFixture(t)
	p := f.provider(t, true)
	pat := f.patient(t)
	slot := f.slots(t, p.ID, "2025-06-02", TimeRange{Start: "09:00", End: "10:00"})[0]

	appt, err := f.svc.BookAppointment(context.Background(), pat.ID, p.ID, slot.ID)
	require.NoError(t, err)

	for _, actor := range []Actor{{ID: pat.ID, Role: RolePatient}, {ID: p.ID, Role: RoleProvider}, admin} {
		got, err := f.svc.GetAppointment(context.Background(), appt.ID, actor)
		require.NoError(t, err)
		assert.Equal(t, appt.ID, got.ID)
	}

	_, err = f.svc.GetAppointment(context.Background(), appt.ID, Actor{ID: uuid.New(), Role: RolePatient})
	assert.ErrorIs(t, err, ErrForbidden)
}

func TestListAppointmentsNewestFirstAndPaged(t *testing.T) {
	f := newFixture(t)
	p := f.provider(t, true)
	pat := f.patient(t)
	slots := f.slots(t, p.ID, "2025-06-02",
		TimeRange{Start: "09:00", End: "10:00"},
		TimeRange{Start: "10:00", End: "11:00"},
		TimeRange{Start: "11:00", End: "12:00"},
	)
	for _, s := range slots {
		_, err := f.svc.BookAppointment(context.Background(), pat.ID, p.ID, s.ID)
		require.NoError(t, err)
	}

	all, err := f.svc.ListPatientAppointments(context.Background(), pat.ID, "", 0, 0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, slots[2].ID, all[0].SlotID)
	assert.Equal(t, slots[0].ID, all[2].SlotID)

	page, err := f.svc.ListPatientAppointments(context.Background(), pat.ID, "", 1, 1)
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, slots[1].ID, page[0].SlotID)

	cancelled, err := f.svc.ListProviderAppointments(context.Background(), p.ID, StatusCancelled, 0, 0)
	require.NoError(t, err)
	assert.Empty(t, cancelled)
}

func TestPruneStaleSlots(t *testing.T) {
	f := newFixture(t)
	p := f.provider(t, true)
	pat := f.patient(t)
	slots := f.slots(t, p.ID, "2025-06-02",
		TimeRange{Start: "09:00", End: "10:00"},
		TimeRange{Start: "10:00", End: "11:00"},
		TimeRange{Start: "11:00", End: "12:00"},
		TimeRange{Start: "15:00", End: "16:00"},
	)
	_, err := f.svc.BookAppointment(context.Background(), pat.ID, p.ID, slots[0].ID)
	require.NoError(t, err)

	// Unbooked again, but its cancelled appointment still points at it.
	cancelled, err := f.svc.BookAppointment(context.Background(), pat.ID, p.ID, slots[2].ID)
	require.NoError(t, err)
	_, err = f.svc.CancelAppointment(context.Background(), cancelled.ID, Actor{ID: pat.ID, Role: RolePatient})
	require.NoError(t, err)

	f.clock.Set(time.Date(2025, 6, 2, 12, 0, 0, 0, time.UTC))

	n, err := f.svc.PruneStaleSlots(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	remaining, err := f.svc.ListSlots(context.Background(), p.ID, SlotFilter{})
	require.NoError(t, err)
	require.Len(t, remaining, 3)
	assert.Equal(t, slots[0].ID, remaining[0].ID)
	assert.Equal(t, slots[2].ID, remaining[1].ID)
	assert.Equal(t, slots[3].ID, remaining[2].ID)
}
