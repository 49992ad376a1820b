package scheduling

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore keeps everything in process. Transactions are serialized on a
// single mutex and write to the live data, recording an undo step for every
// change that is replayed in reverse when the transaction fails.
type MemoryStore struct {
	mu   sync.Mutex
	data *memData
	now  func() time.Time
}

type memData struct {
	providers    map[uuid.UUID]Provider
	patients     map[uuid.UUID]Patient
	slots        map[uuid.UUID]Slot
	appointments map[uuid.UUID]Appointment
	events       []EventLog
	nextEventID  int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		data: &memData{
			providers:    make(map[uuid.UUID]Provider),
			patients:     make(map[uuid.UUID]Patient),
			slots:        make(map[uuid.UUID]Slot),
			appointments: make(map[uuid.UUID]Appointment),
		},
		now: time.Now,
	}
}

func (s *MemoryStore) WithTx(ctx context.Context, fn func(q Queries) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	q := &memQueries{d: s.data, now: s.now}
	committed := false
	defer func() {
		if !committed {
			q.rollback()
		}
	}()

	if err := fn(q); err != nil {
		return err
	}
	committed = true
	return nil
}

// View runs fn against the live data. Writes made through a view are undone
// when fn returns.
func (s *MemoryStore) View(ctx context.Context, fn func(q Queries) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	q := &memQueries{d: s.data, now: s.now}
	defer q.rollback()
	return fn(q)
}

// Events returns a copy of the audit log.
func (s *MemoryStore) Events() []EventLog {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]EventLog, len(s.data.events))
	copy(out, s.data.events)
	return out
}

type memQueries struct {
	d    *memData
	now  func() time.Time
	undo []func()
}

func (q *memQueries) rollback() {
	for i := len(q.undo) - 1; i >= 0; i-- {
		q.undo[i]()
	}
	q.undo = nil
}

// put stores v under k in m and records how to restore the previous entry.
func put[V any](q *memQueries, m map[uuid.UUID]V, k uuid.UUID, v V) {
	prev, existed := m[k]
	q.undo = append(q.undo, func() {
		if existed {
			m[k] = prev
		} else {
			delete(m, k)
		}
	})
	m[k] = v
}

func remove[V any](q *memQueries, m map[uuid.UUID]V, k uuid.UUID) {
	prev, existed := m[k]
	if !existed {
		return
	}
	q.undo = append(q.undo, func() { m[k] = prev })
	delete(m, k)
}

func (q *memQueries) GetProvider(ctx context.Context, id uuid.UUID) (*Provider, error) {
	p, ok := q.d.providers[id]
	if !ok {
		return nil, ErrProviderNotFound
	}
	return &p, nil
}

func (q *memQueries) LockProvider(ctx context.Context, id uuid.UUID) (*Provider, error) {
	return q.GetProvider(ctx, id)
}

func (q *memQueries) InsertProvider(ctx context.Context, p Provider) (*Provider, error) {
	if _, ok := q.d.providers[p.ID]; ok {
		return nil, ErrProviderExists
	}
	now := q.now().UTC()
	p.CreatedAt, p.UpdatedAt = now, now
	put(q, q.d.providers, p.ID, p)
	return &p, nil
}

func (q *memQueries) SetProviderVerified(ctx context.Context, id uuid.UUID, verified bool) (*Provider, error) {
	p, ok := q.d.providers[id]
	if !ok {
		return nil, ErrProviderNotFound
	}
	p.Verified = verified
	p.UpdatedAt = q.now().UTC()
	put(q, q.d.providers, id, p)
	return &p, nil
}

func (q *memQueries) UpdateProvider(ctx context.Context, p Provider) (*Provider, error) {
	existing, ok := q.d.providers[p.ID]
	if !ok {
		return nil, ErrProviderNotFound
	}
	existing.Name = p.Name
	existing.Specialty = p.Specialty
	existing.ConsultationFee = p.ConsultationFee
	existing.Timezone = p.Timezone
	existing.CancellationCutoff = p.CancellationCutoff
	existing.UpdatedAt = q.now().UTC()
	put(q, q.d.providers, p.ID, existing)
	return &existing, nil
}

func (q *memQueries) ListProviders(ctx context.Context, filter ProviderFilter) ([]Provider, error) {
	search := strings.ToLower(filter.Search)

	out := make([]Provider, 0)
	for _, p := range q.d.providers {
		if filter.Verified != nil && p.Verified != *filter.Verified {
			continue
		}
		if search != "" &&
			!strings.Contains(strings.ToLower(p.Name), search) &&
			!strings.Contains(strings.ToLower(p.Specialty), search) {
			continue
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].ID.String() < out[j].ID.String()
	})
	return out, nil
}

func (q *memQueries) GetPatient(ctx context.Context, id uuid.UUID) (*Patient, error) {
	p, ok := q.d.patients[id]
	if !ok {
		return nil, ErrPatientNotFound
	}
	return &p, nil
}

func (q *memQueries) LockPatient(ctx context.Context, id uuid.UUID) (*Patient, error) {
	return q.GetPatient(ctx, id)
}

func (q *memQueries) InsertPatient(ctx context.Context, p Patient) (*Patient, error) {
	if _, ok := q.d.patients[p.ID]; ok {
		return nil, ErrPatientExists
	}
	now := q.now().UTC()
	p.CreatedAt, p.UpdatedAt = now, now
	put(q, q.d.patients, p.ID, p)
	return &p, nil
}

func (q *memQueries) UpdatePatient(ctx context.Context, p Patient) (*Patient, error) {
	existing, ok := q.d.patients[p.ID]
	if !ok {
		return nil, ErrPatientNotFound
	}
	p.CreatedAt = existing.CreatedAt
	p.UpdatedAt = q.now().UTC()
	put(q, q.d.patients, p.ID, p)
	return &p, nil
}

func (q *memQueries) InsertSlots(ctx context.Context, slots []Slot) ([]Slot, error) {
	now := q.now().UTC()
	out := make([]Slot, 0, len(slots))
	for _, s := range slots {
		for _, e := range q.d.slots {
			if e.ProviderID == s.ProviderID && e.Overlaps(s.StartTime, s.EndTime) {
				return nil, ErrSlotOverlap
			}
		}
		s.CreatedAt, s.UpdatedAt = now, now
		put(q, q.d.slots, s.ID, s)
		out = append(out, s)
	}
	return out, nil
}

func (q *memQueries) ListSlots(ctx context.Context, providerID uuid.UUID, filter SlotFilter) ([]Slot, error) {
	out := make([]Slot, 0)
	for _, s := range q.d.slots {
		if s.ProviderID != providerID {
			continue
		}
		if filter.OnlyUnbooked && s.Booked {
			continue
		}
		if !filter.From.IsZero() && s.StartTime.Before(filter.From) {
			continue
		}
		out = append(out, s)
	}
	sortSlots(out)
	return out, nil
}

func sortSlots(slots []Slot) {
	sort.Slice(slots, func(i, j int) bool {
		a, b := slots[i], slots[j]
		if a.Date != b.Date {
			return a.Date < b.Date
		}
		if !a.StartTime.Equal(b.StartTime) {
			return a.StartTime.Before(b.StartTime)
		}
		return a.ID.String() < b.ID.String()
	})
}

func (q *memQueries) GetSlot(ctx context.Context, id uuid.UUID) (*Slot, error) {
	s, ok := q.d.slots[id]
	if !ok {
		return nil, ErrSlotNotFound
	}
	return &s, nil
}

func (q *memQueries) LockSlot(ctx context.Context, id uuid.UUID) (*Slot, error) {
	return q.GetSlot(ctx, id)
}

func (q *memQueries) SetSlotBooked(ctx context.Context, id uuid.UUID, from, to bool) (*Slot, error) {
	s, ok := q.d.slots[id]
	if !ok || s.Booked != from {
		return nil, ErrSlotNotFound
	}
	s.Booked = to
	s.UpdatedAt = q.now().UTC()
	put(q, q.d.slots, id, s)
	return &s, nil
}

func (q *memQueries) DeleteSlot(ctx context.Context, id uuid.UUID) error {
	s, ok := q.d.slots[id]
	if !ok {
		return ErrSlotNotFound
	}
	if s.Booked {
		return ErrSlotBooked
	}
	remove(q, q.d.slots, id)
	return nil
}

func (q *memQueries) DeleteUnbookedSlotsBefore(ctx context.Context, before time.Time) (int64, error) {
	referenced := make(map[uuid.UUID]bool, len(q.d.appointments))
	for _, a := range q.d.appointments {
		referenced[a.SlotID] = true
	}

	var n int64
	for id, s := range q.d.slots {
		if !s.Booked && !s.EndTime.After(before) && !referenced[id] {
			remove(q, q.d.slots, id)
			n++
		}
	}
	return n, nil
}

func (q *memQueries) InsertAppointment(ctx context.Context, a Appointment) (*Appointment, error) {
	if a.Status.Active() {
		for _, e := range q.d.appointments {
			if e.SlotID == a.SlotID && e.Status.Active() {
				return nil, ErrSlotAlreadyBooked
			}
		}
	}
	now := q.now().UTC()
	a.CreatedAt, a.UpdatedAt = now, now
	put(q, q.d.appointments, a.ID, a)
	return &a, nil
}

func (q *memQueries) GetAppointment(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	a, ok := q.d.appointments[id]
	if !ok {
		return nil, ErrAppointmentNotFound
	}
	return &a, nil
}

func (q *memQueries) LockAppointment(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	return q.GetAppointment(ctx, id)
}

func (q *memQueries) ActiveAppointmentForSlot(ctx context.Context, slotID uuid.UUID) (*Appointment, error) {
	for _, a := range q.d.appointments {
		if a.SlotID == slotID && a.Status.Active() {
			return &a, nil
		}
	}
	return nil, ErrAppointmentNotFound
}

func (q *memQueries) UpdateAppointmentStatus(ctx context.Context, id uuid.UUID, from, to AppointmentStatus) (*Appointment, error) {
	a, ok := q.d.appointments[id]
	if !ok || a.Status != from {
		return nil, ErrAppointmentNotFound
	}
	a.Status = to
	if to != StatusPending {
		a.ExpiresAt = nil
	}
	a.UpdatedAt = q.now().UTC()
	put(q, q.d.appointments, id, a)
	return &a, nil
}

func (q *memQueries) ListAppointments(ctx context.Context, filter AppointmentFilter) ([]Appointment, error) {
	out := make([]Appointment, 0)
	for _, a := range q.d.appointments {
		if filter.PatientID != nil && a.PatientID != *filter.PatientID {
			continue
		}
		if filter.ProviderID != nil && a.ProviderID != *filter.ProviderID {
			continue
		}
		if filter.Status != "" && a.Status != filter.Status {
			continue
		}
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if !a.StartTime.Equal(b.StartTime) {
			return a.StartTime.After(b.StartTime)
		}
		return a.ID.String() < b.ID.String()
	})

	if filter.Offset >= len(out) {
		return []Appointment{}, nil
	}
	out = out[filter.Offset:]
	if filter.Limit > 0 && filter.Limit < len(out) {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (q *memQueries) FindExpiredPending(ctx context.Context, now time.Time) ([]Appointment, error) {
	out := make([]Appointment, 0)
	for _, a := range q.d.appointments {
		if a.Status == StatusPending && a.ExpiresAt != nil && !a.ExpiresAt.After(now) {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(*out[j].ExpiresAt) })
	return out, nil
}

func (q *memQueries) InsertEvent(ctx context.Context, ev EventLog) error {
	d, n := q.d, len(q.d.events)
	q.undo = append(q.undo, func() {
		d.events = d.events[:n]
		d.nextEventID--
	})

	d.nextEventID++
	ev.ID = d.nextEventID
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = q.now().UTC()
	}
	d.events = append(d.events, ev)
	return nil
}
