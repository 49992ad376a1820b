package scheduling

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"
)

const (
	pgUniqueViolation     = "23505"
	pgExclusionViolation  = "23P01"
	pgForeignKeyViolation = "23503"
)

type dbtx interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PgPool is satisfied by *pgxpool.Pool and by pgxmock pools.
type PgPool interface {
	dbtx
	Begin(ctx context.Context) (pgx.Tx, error)
}

// PgStore persists scheduling data in Postgres. Row locks (FOR UPDATE) give
// the per-slot and per-provider serialization; the schema's exclusion
// constraint and partial unique index back them up.
type PgStore struct {
	pool PgPool
}

func NewPgStore(pool PgPool) *PgStore {
	return &PgStore{pool: pool}
}

func (s *PgStore) WithTx(ctx context.Context, fn func(q Queries) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}

	if err := fn(&pgQueries{db: tx}); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func (s *PgStore) View(ctx context.Context, fn func(q Queries) error) error {
	return fn(&pgQueries{db: s.pool})
}

type pgQueries struct {
	db dbtx
}

// Helpers

func pgErrorCode(err error) (string, string) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code, pgErr.ConstraintName
	}
	return "", ""
}

const providerColumns = `id, name, specialty, verified, consultation_fee::text, timezone, cancellation_cutoff_minutes, created_at, updated_at`

func scanProvider(row pgx.Row) (*Provider, error) {
	var p Provider
	var fee string
	var cutoffMinutes int

	err := row.Scan(
		&p.ID,
		&p.Name,
		&p.Specialty,
		&p.Verified,
		&fee,
		&p.Timezone,
		&cutoffMinutes,
		&p.CreatedAt,
		&p.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrProviderNotFound
		}
		return nil, err
	}

	p.ConsultationFee, err = decimal.NewFromString(fee)
	if err != nil {
		return nil, fmt.Errorf("parse consultation fee %q: %w", fee, err)
	}
	p.CancellationCutoff = time.Duration(cutoffMinutes) * time.Minute
	return &p, nil
}

const patientColumns = `id, name, email, gender, date_of_birth, phone, address, created_at, updated_at`

func scanPatient(row pgx.Row) (*Patient, error) {
	var p Patient
	var email *string
	var dob *time.Time

	err := row.Scan(
		&p.ID,
		&p.Name,
		&email,
		&p.Gender,
		&dob,
		&p.Phone,
		&p.Address,
		&p.CreatedAt,
		&p.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrPatientNotFound
		}
		return nil, err
	}

	p.Email = email
	p.DateOfBirth = dob
	return &p, nil
}

const slotColumns = `id, provider_id, to_char(slot_date, 'YYYY-MM-DD'), start_time, end_time, booked, created_at, updated_at`

func scanSlot(row pgx.Row) (*Slot, error) {
	var s Slot

	err := row.Scan(
		&s.ID,
		&s.ProviderID,
		&s.Date,
		&s.StartTime,
		&s.EndTime,
		&s.Booked,
		&s.CreatedAt,
		&s.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrSlotNotFound
		}
		return nil, err
	}

	s.StartTime = s.StartTime.UTC()
	s.EndTime = s.EndTime.UTC()
	return &s, nil
}

const appointmentColumns = `id, status, patient_id, provider_id, slot_id, to_char(appointment_date, 'YYYY-MM-DD'), start_time, end_time, created_at, updated_at, expires_at`

func scanAppointment(row pgx.Row) (*Appointment, error) {
	var a Appointment
	var status string
	var expiresAt *time.Time

	err := row.Scan(
		&a.ID,
		&status,
		&a.PatientID,
		&a.ProviderID,
		&a.SlotID,
		&a.AppointmentDate,
		&a.StartTime,
		&a.EndTime,
		&a.CreatedAt,
		&a.UpdatedAt,
		&expiresAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAppointmentNotFound
		}
		return nil, err
	}

	a.Status = AppointmentStatus(status)
	a.StartTime = a.StartTime.UTC()
	a.EndTime = a.EndTime.UTC()
	a.ExpiresAt = expiresAt
	return &a, nil
}

func collect[T any](rows pgx.Rows, scan func(pgx.Row) (*T, error)) ([]T, error) {
	defer rows.Close()

	result := make([]T, 0)
	for rows.Next() {
		v, err := scan(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *v)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// Providers

func (q *pgQueries) GetProvider(ctx context.Context, id uuid.UUID) (*Provider, error) {
	row := q.db.QueryRow(ctx, `SELECT `+providerColumns+` FROM providers WHERE id = $1`, id)
	return scanProvider(row)
}

func (q *pgQueries) LockProvider(ctx context.Context, id uuid.UUID) (*Provider, error) {
	row := q.db.QueryRow(ctx, `SELECT `+providerColumns+` FROM providers WHERE id = $1 FOR UPDATE`, id)
	return scanProvider(row)
}

func (q *pgQueries) InsertProvider(ctx context.Context, p Provider) (*Provider, error) {
	row := q.db.QueryRow(ctx, `
		INSERT INTO providers (id, name, specialty, verified, consultation_fee, timezone, cancellation_cutoff_minutes, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5::numeric, $6, $7, now(), now())
		RETURNING `+providerColumns,
		p.ID, p.Name, p.Specialty, p.Verified, p.ConsultationFee.String(), p.Timezone, int(p.CancellationCutoff/time.Minute))

	created, err := scanProvider(row)
	if code, _ := pgErrorCode(err); code == pgUniqueViolation {
		return nil, ErrProviderExists
	}
	return created, err
}

func (q *pgQueries) SetProviderVerified(ctx context.Context, id uuid.UUID, verified bool) (*Provider, error) {
	row := q.db.QueryRow(ctx, `
		UPDATE providers
		SET verified = $2,
		    updated_at = now()
		WHERE id = $1
		RETURNING `+providerColumns, id, verified)
	return scanProvider(row)
}

func (q *pgQueries) UpdateProvider(ctx context.Context, p Provider) (*Provider, error) {
	row := q.db.QueryRow(ctx, `
		UPDATE providers
		SET name = $2,
		    specialty = $3,
		    consultation_fee = $4::numeric,
		    timezone = $5,
		    cancellation_cutoff_minutes = $6,
		    updated_at = now()
		WHERE id = $1
		RETURNING `+providerColumns,
		p.ID, p.Name, p.Specialty, p.ConsultationFee.String(), p.Timezone, int(p.CancellationCutoff/time.Minute))
	return scanProvider(row)
}

func (q *pgQueries) ListProviders(ctx context.Context, filter ProviderFilter) ([]Provider, error) {
	var (
		where []string
		args  []any
	)
	if filter.Verified != nil {
		args = append(args, *filter.Verified)
		where = append(where, fmt.Sprintf("verified = $%d", len(args)))
	}
	if filter.Search != "" {
		args = append(args, "%"+filter.Search+"%")
		where = append(where, fmt.Sprintf("(name ILIKE $%d OR specialty ILIKE $%d)", len(args), len(args)))
	}

	sql := `SELECT ` + providerColumns + ` FROM providers`
	if len(where) > 0 {
		sql += ` WHERE ` + strings.Join(where, " AND ")
	}
	sql += ` ORDER BY name, id`

	rows, err := q.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("list providers: %w", err)
	}
	return collect(rows, scanProvider)
}

// Patients

func (q *pgQueries) GetPatient(ctx context.Context, id uuid.UUID) (*Patient, error) {
	row := q.db.QueryRow(ctx, `SELECT `+patientColumns+` FROM patients WHERE id = $1`, id)
	return scanPatient(row)
}

func (q *pgQueries) LockPatient(ctx context.Context, id uuid.UUID) (*Patient, error) {
	row := q.db.QueryRow(ctx, `SELECT `+patientColumns+` FROM patients WHERE id = $1 FOR UPDATE`, id)
	return scanPatient(row)
}

func (q *pgQueries) UpdatePatient(ctx context.Context, p Patient) (*Patient, error) {
	row := q.db.QueryRow(ctx, `
		UPDATE patients
		SET name = $2,
		    email = $3,
		    gender = $4,
		    date_of_birth = $5,
		    phone = $6,
		    address = $7,
		    updated_at = now()
		WHERE id = $1
		RETURNING `+patientColumns,
		p.ID, p.Name, p.Email, p.Gender, p.DateOfBirth, p.Phone, p.Address)
	return scanPatient(row)
}

func (q *pgQueries) InsertPatient(ctx context.Context, p Patient) (*Patient, error) {
	row := q.db.QueryRow(ctx, `
		INSERT INTO patients (id, name, email, gender, date_of_birth, phone, address, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, now(), now())
		RETURNING `+patientColumns,
		p.ID, p.Name, p.Email, p.Gender, p.DateOfBirth, p.Phone, p.Address)

	created, err := scanPatient(row)
	if code, _ := pgErrorCode(err); code == pgUniqueViolation {
		return nil, ErrPatientExists
	}
	return created, err
}

// Slots

func (q *pgQueries) InsertSlots(ctx context.Context, slots []Slot) ([]Slot, error) {
	created := make([]Slot, 0, len(slots))
	for _, s := range slots {
		row := q.db.QueryRow(ctx, `
			INSERT INTO slots (id, provider_id, slot_date, start_time, end_time, booked, created_at, updated_at)
			VALUES ($1, $2, $3::date, $4, $5, false, now(), now())
			RETURNING `+slotColumns,
			s.ID, s.ProviderID, s.Date, s.StartTime, s.EndTime)

		slot, err := scanSlot(row)
		if err != nil {
			if code, _ := pgErrorCode(err); code == pgExclusionViolation {
				return nil, ErrSlotOverlap
			}
			return nil, err
		}
		created = append(created, *slot)
	}
	return created, nil
}

func (q *pgQueries) ListSlots(ctx context.Context, providerID uuid.UUID, filter SlotFilter) ([]Slot, error) {
	args := []any{providerID}
	sql := `SELECT ` + slotColumns + ` FROM slots WHERE provider_id = $1`
	if filter.OnlyUnbooked {
		sql += ` AND booked = false`
	}
	if !filter.From.IsZero() {
		args = append(args, filter.From)
		sql += fmt.Sprintf(` AND start_time >= $%d`, len(args))
	}
	sql += ` ORDER BY slot_date, start_time, id`

	rows, err := q.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	return collect(rows, scanSlot)
}

func (q *pgQueries) GetSlot(ctx context.Context, id uuid.UUID) (*Slot, error) {
	row := q.db.QueryRow(ctx, `SELECT `+slotColumns+` FROM slots WHERE id = $1`, id)
	return scanSlot(row)
}

func (q *pgQueries) LockSlot(ctx context.Context, id uuid.UUID) (*Slot, error) {
	row := q.db.QueryRow(ctx, `SELECT `+slotColumns+` FROM slots WHERE id = $1 FOR UPDATE`, id)
	return scanSlot(row)
}

func (q *pgQueries) SetSlotBooked(ctx context.Context, id uuid.UUID, from, to bool) (*Slot, error) {
	row := q.db.QueryRow(ctx, `
		UPDATE slots
		SET booked = $2,
		    updated_at = now()
		WHERE id = $1
		  AND booked = $3
		RETURNING `+slotColumns, id, to, from)
	return scanSlot(row)
}

func (q *pgQueries) DeleteSlot(ctx context.Context, id uuid.UUID) error {
	tag, err := q.db.Exec(ctx, `DELETE FROM slots WHERE id = $1 AND booked = false`, id)
	if err != nil {
		return fmt.Errorf("delete slot: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrSlotNotFound
	}
	return nil
}

// DeleteUnbookedSlotsBefore keeps slots any appointment still references.
func (q *pgQueries) DeleteUnbookedSlotsBefore(ctx context.Context, before time.Time) (int64, error) {
	tag, err := q.db.Exec(ctx, `
		DELETE FROM slots s
		WHERE s.booked = false
		  AND s.end_time <= $1
		  AND NOT EXISTS (SELECT 1 FROM appointments a WHERE a.slot_id = s.id)
	`, before)
	if err != nil {
		return 0, fmt.Errorf("prune slots: %w", err)
	}
	return tag.RowsAffected(), nil
}

// Appointments

func (q *pgQueries) InsertAppointment(ctx context.Context, a Appointment) (*Appointment, error) {
	row := q.db.QueryRow(ctx, `
		INSERT INTO appointments (id, status, patient_id, provider_id, slot_id, appointment_date, start_time, end_time, created_at, updated_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6::date, $7, $8, now(), now(), $9)
		RETURNING `+appointmentColumns,
		a.ID, string(a.Status), a.PatientID, a.ProviderID, a.SlotID, a.AppointmentDate, a.StartTime, a.EndTime, a.ExpiresAt)

	created, err := scanAppointment(row)
	switch code, constraint := pgErrorCode(err); {
	case code == pgUniqueViolation:
		return nil, ErrSlotAlreadyBooked
	case code == pgForeignKeyViolation && constraint == "appointments_patient_id_fkey":
		return nil, ErrPatientNotFound
	case code == pgForeignKeyViolation:
		return nil, ErrProviderNotFound
	}
	return created, err
}

func (q *pgQueries) GetAppointment(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	row := q.db.QueryRow(ctx, `SELECT `+appointmentColumns+` FROM appointments WHERE id = $1`, id)
	return scanAppointment(row)
}

func (q *pgQueries) LockAppointment(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	row := q.db.QueryRow(ctx, `SELECT `+appointmentColumns+` FROM appointments WHERE id = $1 FOR UPDATE`, id)
	return scanAppointment(row)
}

func (q *pgQueries) ActiveAppointmentForSlot(ctx context.Context, slotID uuid.UUID) (*Appointment, error) {
	row := q.db.QueryRow(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE slot_id = $1
		  AND status IN ('pending', 'confirmed')
	`, slotID)
	return scanAppointment(row)
}

func (q *pgQueries) UpdateAppointmentStatus(ctx context.Context, id uuid.UUID, from, to AppointmentStatus) (*Appointment, error) {
	row := q.db.QueryRow(ctx, `
		UPDATE appointments
		SET status = $2,
		    expires_at = CASE WHEN $2::text = 'pending' THEN expires_at ELSE NULL END,
		    updated_at = now()
		WHERE id = $1
		  AND status = $3
		RETURNING `+appointmentColumns, id, string(to), string(from))
	return scanAppointment(row)
}

func (q *pgQueries) ListAppointments(ctx context.Context, filter AppointmentFilter) ([]Appointment, error) {
	var (
		where []string
		args  []any
	)
	if filter.PatientID != nil {
		args = append(args, *filter.PatientID)
		where = append(where, fmt.Sprintf("patient_id = $%d", len(args)))
	}
	if filter.ProviderID != nil {
		args = append(args, *filter.ProviderID)
		where = append(where, fmt.Sprintf("provider_id = $%d", len(args)))
	}
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}

	sql := `SELECT ` + appointmentColumns + ` FROM appointments`
	if len(where) > 0 {
		sql += ` WHERE ` + strings.Join(where, " AND ")
	}
	args = append(args, filter.Limit, filter.Offset)
	sql += fmt.Sprintf(` ORDER BY start_time DESC, id LIMIT $%d OFFSET $%d`, len(args)-1, len(args))

	rows, err := q.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	return collect(rows, scanAppointment)
}

func (q *pgQueries) FindExpiredPending(ctx context.Context, now time.Time) ([]Appointment, error) {
	rows, err := q.db.Query(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE status = 'pending'
		  AND expires_at IS NOT NULL
		  AND expires_at <= $1
		ORDER BY expires_at
	`, now)
	if err != nil {
		return nil, err
	}
	return collect(rows, scanAppointment)
}

func (q *pgQueries) InsertEvent(ctx context.Context, ev EventLog) error {
	_, err := q.db.Exec(ctx, `
		INSERT INTO event_logs (event_type, appointment_id, slot_id, payload, created_at)
		VALUES ($1, $2, $3, $4, COALESCE($5, now()))
	`, ev.EventType, ev.AppointmentID, ev.SlotID, []byte(ev.Payload), nullableTime(ev.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert event log: %w", err)
	}
	return nil
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
