//go:build integration

package scheduling

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/hackgods/clinic-scheduling/internal/config"
	"github.com/hackgods/clinic-scheduling/internal/db"
	"github.com/hackgods/clinic-scheduling/internal/logger"
	"github.com/hackgods/clinic-scheduling/internal/metrics"
	"github.com/hackgods/clinic-scheduling/migrations"
)

// noLock lets every caller through so only row locks and constraints guard
// the slot.
type noLock struct{}

func (noLock) WithSlotLock(ctx context.Context, _ uuid.UUID, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

func startPostgres(t *testing.T) *pgxpool.Pool {
	t.Helper()
	ctx := context.Background()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "postgres:16-alpine",
			ExposedPorts: []string{"5432/tcp"},
			Env: map[string]string{
				"POSTGRES_DB":       "clinic_test",
				"POSTGRES_USER":     "test",
				"POSTGRES_PASSWORD": "testpass",
			},
			WaitingFor: wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60 * time.Second),
		},
		Started: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "5432")
	require.NoError(t, err)

	dsn := fmt.Sprintf("postgres://test:testpass@%s:%s/clinic_test?sslmode=disable", host, port.Port())

	sqlDB, err := sql.Open("pgx", dsn)
	require.NoError(t, err)
	defer sqlDB.Close()
	require.NoError(t, migrations.Up(sqlDB))

	// Room for every concurrent booker to wait on the slot row lock.
	pool, err := db.ConnectPostgresWithOptions(ctx, dsn, db.PoolOptions{MaxConns: 20})
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	return pool
}

func TestPgStoreIntegration(t *testing.T) {
	pool := startPostgres(t)
	store := NewPgStore(pool)
	ctx := context.Background()

	cfg := config.Config{DefaultTimezone: "UTC", AppointmentTTL: 30 * time.Minute}
	svc := NewService(store, noLock{}, cfg, metrics.NewSchedulingMetrics(prometheus.NewRegistry()), logger.Discard())

	providerID := uuid.New()
	day := time.Now().UTC().AddDate(0, 0, 2).Format(DateLayout)
	_, slots, err := svc.OnboardProvider(ctx, Provider{ID: providerID, Name: "Dr. Integration", Specialty: "Cardiology"},
		[]DateRanges{{Date: day, TimeRanges: []TimeRange{{Start: "09:00", End: "10:00"}, {Start: "10:00", End: "11:00"}}}})
	require.NoError(t, err)
	require.Len(t, slots, 2)

	_, err = svc.VerifyProvider(ctx, providerID, Actor{ID: uuid.New(), Role: RoleAdmin})
	require.NoError(t, err)

	t.Run("exclusion constraint rejects overlap", func(t *testing.T) {
		start := slots[0].StartTime.Add(30 * time.Minute)
		err := store.WithTx(ctx, func(q Queries) error {
			_, err := q.InsertSlots(ctx, []Slot{{
				ID:         uuid.New(),
				ProviderID: providerID,
				Date:       day,
				StartTime:  start,
				EndTime:    start.Add(time.Hour),
			}})
			return err
		})
		assert.ErrorIs(t, err, ErrSlotOverlap)
	})

	t.Run("concurrent bookings have one winner", func(t *testing.T) {
		const attempts = 12
		patients := make([]uuid.UUID, attempts)
		for i := range patients {
			p, err := svc.OnboardPatient(ctx, Patient{ID: uuid.New(), Name: fmt.Sprintf("Patient %d", i)})
			require.NoError(t, err)
			patients[i] = p.ID
		}

		var (
			wg       sync.WaitGroup
			mu       sync.Mutex
			winners  int
			conflict int
		)
		for _, patientID := range patients {
			wg.Add(1)
			go func(patientID uuid.UUID) {
				defer wg.Done()
				_, err := svc.BookAppointment(ctx, patientID, providerID, slots[0].ID)
				mu.Lock()
				defer mu.Unlock()
				switch {
				case err == nil:
					winners++
				case Kind(err) == "conflict":
					conflict++
				default:
					t.Errorf("unexpected booking error: %v", err)
				}
			}(patientID)
		}
		wg.Wait()

		assert.Equal(t, 1, winners)
		assert.Equal(t, attempts-1, conflict)

		var got *Slot
		require.NoError(t, store.View(ctx, func(q Queries) error {
			got, err = q.GetSlot(ctx, slots[0].ID)
			return err
		}))
		assert.True(t, got.Booked)
	})

	t.Run("cancelled history survives slot deletion", func(t *testing.T) {
		patient, err := svc.OnboardPatient(ctx, Patient{ID: uuid.New(), Name: "History"})
		require.NoError(t, err)

		appt, err := svc.BookAppointment(ctx, patient.ID, providerID, slots[1].ID)
		require.NoError(t, err)
		_, err = svc.CancelAppointment(ctx, appt.ID, Actor{ID: patient.ID, Role: RolePatient})
		require.NoError(t, err)

		require.NoError(t, svc.DeleteSlot(ctx, providerID, slots[1].ID))

		got, err := svc.GetAppointment(ctx, appt.ID, Actor{ID: patient.ID, Role: RolePatient})
		require.NoError(t, err)
		assert.Equal(t, StatusCancelled, got.Status)
	})
}
