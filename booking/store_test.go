package booking

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brighthome/dispatch/employee"
	"github.com/brighthome/dispatch/errors"
	dtesting "github.com/brighthome/dispatch/internal/testing"
	"github.com/brighthome/dispatch/region"
)

func createTestEmployee(t *testing.T, conn *sql.DB, regionCode region.Code) *employee.Employee {
	t.Helper()
	ctx := context.Background()
	store := employee.NewStore(conn)

	gen := employee.NewIDGenerator(conn)
	employeeID, err := gen.Next(ctx, regionCode, time.Now())
	require.NoError(t, err)

	e := &employee.Employee{
		ID:                uuid.NewString(),
		EmployeeID:        employeeID,
		PhoneNumber:       "+97150" + uuid.NewString()[:7],
		FullName:          "Test Cleaner",
		RegionCode:        regionCode,
		AccountStatus:     employee.AccountActive,
		OperationalStatus: employee.StatusAvailable,
		Rating:            5.0,
	}
	require.NoError(t, store.Create(ctx, e))
	return e
}

func newTestBooking(scheduled time.Time) *Booking {
	return &Booking{
		BookingNumber:    NewBookingNumber(time.Now()),
		CustomerID:       101,
		ServiceID:        1,
		AddressCity:      "Dubai",
		RegionCode:       region.DXB,
		ScheduledDate:    scheduled.UTC(),
		DurationHours:    2.0,
		Status:           StatusPendingAssignment,
		PaymentStatus:    PaymentPending,
		BasePrice:        decimal.RequireFromString("100.00"),
		SizeAdjustment:   decimal.RequireFromString("10.00"),
		AddOnsTotal:      decimal.RequireFromString("5.00"),
		DiscountAmount:   decimal.RequireFromString("10.00"),
		TaxAmount:        decimal.RequireFromString("5.54"),
		TotalPrice:       decimal.RequireFromString("116.29"),
		DemandMultiplier: decimal.RequireFromString("1.05"),
		RushPremium:      decimal.RequireFromString("1.00"),
		PricingTier:      "high",
		RushTier:         "standard",
	}
}

func TestStoreCreateAndGet(t *testing.T) {
	ctx := context.Background()
	store := NewStore(dtesting.CreateTestDB(t))

	scheduled := time.Date(2026, 9, 1, 10, 0, 0, 0, time.UTC)
	b := newTestBooking(scheduled)
	notes := "ring twice"
	b.CustomerNotes = &notes

	require.NoError(t, store.Create(ctx, b))
	require.NotZero(t, b.ID)
	assert.Equal(t, 1, b.Version)

	got, err := store.Get(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, b.BookingNumber, got.BookingNumber)
	assert.Equal(t, StatusPendingAssignment, got.Status)
	assert.Equal(t, region.DXB, got.RegionCode)
	assert.True(t, got.TotalPrice.Equal(decimal.RequireFromString("116.29")))
	assert.True(t, got.DemandMultiplier.Equal(decimal.RequireFromString("1.05")))
	require.NotNil(t, got.CustomerNotes)
	assert.Equal(t, "ring twice", *got.CustomerNotes)
	assert.Nil(t, got.AssignedEmployeeID)
	assert.Nil(t, got.ActualStartTime)

	byNumber, err := store.GetByNumber(ctx, b.BookingNumber)
	require.NoError(t, err)
	assert.Equal(t, b.ID, byNumber.ID)

	_, err = store.Get(ctx, 99999)
	assert.True(t, errors.IsNotFoundError(err))
}

func TestStoreUpdateVersionCheck(t *testing.T) {
	ctx := context.Background()
	store := NewStore(dtesting.CreateTestDB(t))

	b := newTestBooking(time.Now().Add(24 * time.Hour))
	require.NoError(t, store.Create(ctx, b))

	b.Status = StatusCancelled
	require.NoError(t, store.Update(ctx, b, 1))
	assert.Equal(t, 2, b.Version)

	// A writer holding the stale version loses.
	stale := *b
	stale.Status = StatusRefunded
	err := store.Update(ctx, &stale, 1)
	assert.True(t, errors.IsConcurrentModificationError(err))

	got, err := store.Get(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, got.Status)
	assert.Equal(t, 2, got.Version)
}

func TestStoreHistory(t *testing.T) {
	ctx := context.Background()
	store := NewStore(dtesting.CreateTestDB(t))

	b := newTestBooking(time.Now().Add(24 * time.Hour))
	require.NoError(t, store.Create(ctx, b))

	pending := StatusPending
	require.NoError(t, store.InsertHistory(ctx, b.ID, nil, StatusPending, SystemActor, nil))
	reason := "paid"
	require.NoError(t, store.InsertHistory(ctx, b.ID, &pending, StatusPendingAssignment,
		Actor{Type: ActorCustomer, ID: "101"}, &reason))

	history, err := store.History(ctx, b.ID)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Nil(t, history[0].PreviousStatus)
	assert.Equal(t, StatusPending, history[0].NewStatus)
	require.NotNil(t, history[1].PreviousStatus)
	assert.Equal(t, StatusPending, *history[1].PreviousStatus)
	assert.Equal(t, ActorCustomer, history[1].ActorType)
	require.NotNil(t, history[1].Reason)
	assert.Equal(t, "paid", *history[1].Reason)
}

func TestStoreIdempotencyKeys(t *testing.T) {
	ctx := context.Background()
	store := NewStore(dtesting.CreateTestDB(t))

	b := newTestBooking(time.Now().Add(24 * time.Hour))
	require.NoError(t, store.Create(ctx, b))

	seen, err := store.HasIdempotencyKey(ctx, b.ID, StatusCompleted, "key-1")
	require.NoError(t, err)
	assert.False(t, seen)

	require.NoError(t, store.InsertIdempotencyKey(ctx, b.ID, StatusCompleted, "key-1"))

	seen, err = store.HasIdempotencyKey(ctx, b.ID, StatusCompleted, "key-1")
	require.NoError(t, err)
	assert.True(t, seen)

	// Keys are scoped to the target status.
	seen, err = store.HasIdempotencyKey(ctx, b.ID, StatusCancelled, "key-1")
	require.NoError(t, err)
	assert.False(t, seen)
}

func TestStoreAudit(t *testing.T) {
	ctx := context.Background()
	store := NewStore(dtesting.CreateTestDB(t))

	require.NoError(t, store.InsertAudit(ctx, AuditEntry{
		EntityType:    "booking",
		EntityID:      "1",
		Action:        "status_transition",
		Actor:         SystemActor,
		PreviousState: map[string]interface{}{"status": "PENDING"},
		NewState:      map[string]interface{}{"status": "CANCELLED"},
	}))

	count, err := store.AuditCount(ctx, "booking", "1")
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	count, err = store.AuditCount(ctx, "booking", "2")
	require.NoError(t, err)
	assert.Equal(t, 0, count)
}

func TestHasScheduleConflict(t *testing.T) {
	ctx := context.Background()
	conn := dtesting.CreateTestDB(t)
	store := NewStore(conn)
	e := createTestEmployee(t, conn, region.DXB)

	start := time.Date(2026, 9, 1, 10, 0, 0, 0, time.UTC)
	held := newTestBooking(start)
	held.Status = StatusAssigned
	held.AssignedEmployeeID = &e.ID
	require.NoError(t, store.Create(ctx, held))

	// Overlapping window.
	conflict, err := store.HasScheduleConflict(ctx, e.ID, start.Add(time.Hour), 2.0, 0)
	require.NoError(t, err)
	assert.True(t, conflict)

	// Touching windows do not overlap.
	conflict, err = store.HasScheduleConflict(ctx, e.ID, start.Add(2*time.Hour), 2.0, 0)
	require.NoError(t, err)
	assert.False(t, conflict)

	conflict, err = store.HasScheduleConflict(ctx, e.ID, start.Add(-2*time.Hour), 2.0, 0)
	require.NoError(t, err)
	assert.False(t, conflict)

	// The booking being allocated never conflicts with itself.
	conflict, err = store.HasScheduleConflict(ctx, e.ID, start, 2.0, held.ID)
	require.NoError(t, err)
	assert.False(t, conflict)

	// Cancelled jobs free the slot.
	held.Status = StatusCancelled
	require.NoError(t, store.Update(ctx, held, 1))
	conflict, err = store.HasScheduleConflict(ctx, e.ID, start, 2.0, 0)
	require.NoError(t, err)
	assert.False(t, conflict)
}

func TestLastCompletionTimes(t *testing.T) {
	ctx := context.Background()
	conn := dtesting.CreateTestDB(t)
	store := NewStore(conn)

	veteran := createTestEmployee(t, conn, region.DXB)
	rookie := createTestEmployee(t, conn, region.DXB)
	elsewhere := createTestEmployee(t, conn, region.AUH)

	done := newTestBooking(time.Date(2026, 8, 20, 10, 0, 0, 0, time.UTC))
	done.Status = StatusCompleted
	done.AssignedEmployeeID = &veteran.ID
	ended := time.Date(2026, 8, 20, 12, 0, 0, 0, time.UTC)
	done.ActualEndTime = &ended
	require.NoError(t, store.Create(ctx, done))
	require.NoError(t, store.Update(ctx, done, 1))

	times, err := store.LastCompletionTimes(ctx, region.DXB)
	require.NoError(t, err)
	require.Len(t, times, 2)
	assert.True(t, times[rookie.ID].IsZero(), "cleaners without completed work map to zero time")
	assert.True(t, times[veteran.ID].Equal(ended), "got %s", times[veteran.ID])
	_, present := times[elsewhere.ID]
	assert.False(t, present, "other regions are excluded")
}

func TestBookedHours(t *testing.T) {
	ctx := context.Background()
	store := NewStore(dtesting.CreateTestDB(t))

	day := time.Date(2026, 9, 1, 9, 0, 0, 0, time.UTC)

	first := newTestBooking(day)
	first.DurationHours = 2.0
	require.NoError(t, store.Create(ctx, first))

	second := newTestBooking(day.Add(4 * time.Hour))
	second.DurationHours = 3.5
	require.NoError(t, store.Create(ctx, second))

	cancelled := newTestBooking(day.Add(6 * time.Hour))
	cancelled.Status = StatusCancelled
	cancelled.DurationHours = 4.0
	require.NoError(t, store.Create(ctx, cancelled))

	otherDay := newTestBooking(day.Add(48 * time.Hour))
	require.NoError(t, store.Create(ctx, otherDay))

	hours, err := store.BookedHours(ctx, region.DXB, "2026-09-01")
	require.NoError(t, err)
	assert.InDelta(t, 5.5, hours, 0.001)
}

func TestCountByStatus(t *testing.T) {
	ctx := context.Background()
	store := NewStore(dtesting.CreateTestDB(t))

	for _, status := range []Status{StatusPending, StatusPending, StatusCompleted} {
		b := newTestBooking(time.Now().Add(24 * time.Hour))
		b.Status = status
		require.NoError(t, store.Create(ctx, b))
	}

	counts, err := store.CountByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, counts[StatusPending])
	assert.Equal(t, 1, counts[StatusCompleted])
	assert.Equal(t, 0, counts[StatusFailed])
}

func TestListDelayed(t *testing.T) {
	ctx := context.Background()
	conn := dtesting.CreateTestDB(t)
	store := NewStore(conn)
	e := createTestEmployee(t, conn, region.DXB)

	now := time.Now().UTC()

	late := newTestBooking(now.Add(-time.Hour))
	late.Status = StatusAssigned
	late.AssignedEmployeeID = &e.ID
	deadline := now.Add(-50 * time.Minute)
	late.SLADeadline = &deadline
	require.NoError(t, store.Create(ctx, late))
	require.NoError(t, store.Update(ctx, late, 1))

	onTime := newTestBooking(now.Add(2 * time.Hour))
	onTime.Status = StatusAssigned
	onTime.AssignedEmployeeID = &e.ID
	future := now.Add(2*time.Hour + StartSLAGrace)
	onTime.SLADeadline = &future
	require.NoError(t, store.Create(ctx, onTime))
	require.NoError(t, store.Update(ctx, onTime, 1))

	delayed, err := store.ListDelayed(ctx, now)
	require.NoError(t, err)
	require.Len(t, delayed, 1)
	assert.Equal(t, late.ID, delayed[0].ID)
}

func TestListPaymentTimeouts(t *testing.T) {
	ctx := context.Background()
	conn := dtesting.CreateTestDB(t)
	store := NewStore(conn)

	stale := newTestBooking(time.Now().Add(24 * time.Hour))
	stale.Status = StatusPending
	require.NoError(t, store.Create(ctx, stale))
	_, err := conn.ExecContext(ctx,
		`UPDATE bookings SET created_at = ? WHERE id = ?`,
		time.Now().UTC().Add(-time.Hour), stale.ID)
	require.NoError(t, err)

	fresh := newTestBooking(time.Now().Add(24 * time.Hour))
	fresh.Status = StatusPending
	require.NoError(t, store.Create(ctx, fresh))

	paid := newTestBooking(time.Now().Add(24 * time.Hour))
	paid.Status = StatusPending
	paid.PaymentStatus = PaymentPaid
	require.NoError(t, store.Create(ctx, paid))
	_, err = conn.ExecContext(ctx,
		`UPDATE bookings SET created_at = ? WHERE id = ?`,
		time.Now().UTC().Add(-time.Hour), paid.ID)
	require.NoError(t, err)

	timedOut, err := store.ListPaymentTimeouts(ctx, time.Now().UTC().Add(-15*time.Minute))
	require.NoError(t, err)
	require.Len(t, timedOut, 1)
	assert.Equal(t, stale.ID, timedOut[0].ID)
}

func TestListInProgressWithOfflineCleaner(t *testing.T) {
	ctx := context.Background()
	conn := dtesting.CreateTestDB(t)
	store := NewStore(conn)
	employees := employee.NewStore(conn)

	offline := createTestEmployee(t, conn, region.DXB)
	online := createTestEmployee(t, conn, region.DXB)
	require.NoError(t, employees.SetOperationalStatus(ctx, offline.ID, employee.StatusOffline, nil))
	require.NoError(t, employees.SetOperationalStatus(ctx, online.ID, employee.StatusBusy, nil))

	orphan := newTestBooking(time.Now().Add(-time.Hour))
	orphan.Status = StatusInProgress
	orphan.AssignedEmployeeID = &offline.ID
	require.NoError(t, store.Create(ctx, orphan))

	healthy := newTestBooking(time.Now().Add(-time.Hour))
	healthy.Status = StatusInProgress
	healthy.AssignedEmployeeID = &online.ID
	require.NoError(t, store.Create(ctx, healthy))

	got, err := store.ListInProgressWithOfflineCleaner(ctx)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, orphan.ID, got[0].ID)
}

func TestListOrphaned(t *testing.T) {
	ctx := context.Background()
	conn := dtesting.CreateTestDB(t)
	store := NewStore(conn)
	e := createTestEmployee(t, conn, region.DXB)

	old := newTestBooking(time.Now().Add(-6 * time.Hour))
	old.Status = StatusInProgress
	old.AssignedEmployeeID = &e.ID
	started := time.Now().UTC().Add(-5 * time.Hour)
	old.ActualStartTime = &started
	require.NoError(t, store.Create(ctx, old))
	require.NoError(t, store.Update(ctx, old, 1))

	recent := newTestBooking(time.Now().Add(-time.Hour))
	recent.Status = StatusInProgress
	recent.AssignedEmployeeID = &e.ID
	recentStart := time.Now().UTC().Add(-30 * time.Minute)
	recent.ActualStartTime = &recentStart
	require.NoError(t, store.Create(ctx, recent))
	require.NoError(t, store.Update(ctx, recent, 1))

	orphaned, err := store.ListOrphaned(ctx, time.Now().UTC().Add(-4*time.Hour))
	require.NoError(t, err)
	require.Len(t, orphaned, 1)
	assert.Equal(t, old.ID, orphaned[0].ID)
}
