package monitor

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brighthome/dispatch/booking"
	"github.com/brighthome/dispatch/bus"
	"github.com/brighthome/dispatch/cache"
	"github.com/brighthome/dispatch/employee"
	dtesting "github.com/brighthome/dispatch/internal/testing"
	"github.com/brighthome/dispatch/region"
)

type monitorFixture struct {
	conn      *sql.DB
	monitor   *Monitor
	machine   *booking.Machine
	bookings  *booking.Store
	employees *employee.Store
	cache     *cache.Memory
	bus       *bus.Bus
}

func newMonitorFixture(t *testing.T) *monitorFixture {
	t.Helper()
	conn := dtesting.CreateTestDB(t)
	mem := cache.NewMemory()
	t.Cleanup(func() { mem.Close() })
	b := bus.New()
	t.Cleanup(b.Close)

	machine := booking.NewMachine(conn, mem, b, nil, nil)
	employees := employee.NewStore(conn)
	return &monitorFixture{
		conn:      conn,
		monitor:   New(machine, employees, mem, b, DefaultIntervals()),
		machine:   machine,
		bookings:  booking.NewStore(conn),
		employees: employees,
		cache:     mem,
		bus:       b,
	}
}

func (f *monitorFixture) capture(t *testing.T, eventType bus.EventType) chan bus.Event {
	t.Helper()
	ch := make(chan bus.Event, 16)
	id := f.bus.Subscribe(eventType, func(e bus.Event) { ch <- e })
	t.Cleanup(func() { f.bus.Unsubscribe(id) })
	return ch
}

func waitEvent(t *testing.T, ch chan bus.Event) bus.Event {
	t.Helper()
	select {
	case e := <-ch:
		return e
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return bus.Event{}
	}
}

func (f *monitorFixture) addWorker(t *testing.T) *employee.Employee {
	t.Helper()
	ctx := context.Background()
	gen := employee.NewIDGenerator(f.conn)
	employeeID, err := gen.Next(ctx, region.DXB, time.Now())
	require.NoError(t, err)

	e := &employee.Employee{
		ID:                uuid.NewString(),
		EmployeeID:        employeeID,
		PhoneNumber:       "+97150" + uuid.NewString()[:7],
		FullName:          "Cleaner " + employeeID,
		RegionCode:        region.DXB,
		AccountStatus:     employee.AccountActive,
		OperationalStatus: employee.StatusAvailable,
		Rating:            5.0,
	}
	require.NoError(t, f.employees.Create(ctx, e))
	return e
}

func (f *monitorFixture) addBooking(t *testing.T, status booking.Status, scheduled time.Time) *booking.Booking {
	t.Helper()
	b := &booking.Booking{
		BookingNumber:    booking.NewBookingNumber(time.Now()),
		CustomerID:       101,
		ServiceID:        1,
		AddressCity:      "Dubai",
		RegionCode:       region.DXB,
		ScheduledDate:    scheduled.UTC(),
		DurationHours:    2.0,
		Status:           status,
		PaymentStatus:    booking.PaymentPending,
		BasePrice:        decimal.RequireFromString("100.00"),
		TotalPrice:       decimal.RequireFromString("105.00"),
		DemandMultiplier: decimal.RequireFromString("1.00"),
		RushPremium:      decimal.RequireFromString("1.05"),
		PricingTier:      "standard",
		RushTier:         "same_day",
	}
	require.NoError(t, f.bookings.Create(context.Background(), b))
	return b
}

func TestSweepStartSLA(t *testing.T) {
	ctx := context.Background()
	f := newMonitorFixture(t)
	events := f.capture(t, bus.JobDelayed)

	w := f.addWorker(t)
	b := f.addBooking(t, booking.StatusAssigned, time.Now().UTC().Add(-time.Hour))
	deadline := time.Now().UTC().Add(-20 * time.Minute)
	b.AssignedEmployeeID = &w.ID
	b.SLADeadline = &deadline
	require.NoError(t, f.bookings.Update(ctx, b, 1))

	// Still inside its grace window; must not alert.
	onTime := f.addBooking(t, booking.StatusAssigned, time.Now().UTC().Add(time.Hour))
	futureDeadline := time.Now().UTC().Add(time.Hour + booking.StartSLAGrace)
	onTime.AssignedEmployeeID = &w.ID
	onTime.SLADeadline = &futureDeadline
	require.NoError(t, f.bookings.Update(ctx, onTime, 1))

	count, err := f.monitor.SweepStartSLA(ctx, time.Now().UTC())
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	event := waitEvent(t, events)
	assert.Equal(t, bus.JobDelayed, event.Type)
	assert.EqualValues(t, b.ID, event.Payload["job_id"])
	assert.Equal(t, w.ID, event.Payload["cleaner_id"])
	delay, ok := event.Payload["delay_minutes"].(int)
	require.True(t, ok)
	assert.GreaterOrEqual(t, delay, 19)

	// Each sweep alerts again until the status changes.
	count, err = f.monitor.SweepStartSLA(ctx, time.Now().UTC())
	require.NoError(t, err)
	assert.Equal(t, 1, count)
	waitEvent(t, events)
}

func TestSweepCooldowns(t *testing.T) {
	ctx := context.Background()
	f := newMonitorFixture(t)
	events := f.capture(t, bus.CleanerStatusChanged)

	expired := f.addWorker(t)
	past := time.Now().UTC().Add(-time.Minute)
	require.NoError(t, f.employees.SetOperationalStatus(ctx, expired.ID, employee.StatusCoolingDown, &past))

	resting := f.addWorker(t)
	future := time.Now().UTC().Add(10 * time.Minute)
	require.NoError(t, f.employees.SetOperationalStatus(ctx, resting.ID, employee.StatusCoolingDown, &future))

	// A stale snapshot from before the cooldown expired.
	require.NoError(t, f.cache.Set(ctx, cache.CleanerStatusKey(expired.ID),
		string(employee.StatusCoolingDown), cache.CleanerStatusTTL))

	released, err := f.monitor.SweepCooldowns(ctx, time.Now().UTC())
	require.NoError(t, err)
	assert.Equal(t, 1, released)

	// The release is written through to the status cache.
	cached, ok, err := f.cache.Get(ctx, cache.CleanerStatusKey(expired.ID))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, string(employee.StatusAvailable), cached)

	got, err := f.employees.Get(ctx, expired.ID)
	require.NoError(t, err)
	assert.Equal(t, employee.StatusAvailable, got.OperationalStatus)
	assert.Nil(t, got.CooldownExpiresAt)

	still, err := f.employees.Get(ctx, resting.ID)
	require.NoError(t, err)
	assert.Equal(t, employee.StatusCoolingDown, still.OperationalStatus)

	event := waitEvent(t, events)
	assert.Equal(t, expired.ID, event.Payload["cleaner_id"])
}

func TestSweepPaymentTimeouts(t *testing.T) {
	ctx := context.Background()
	f := newMonitorFixture(t)

	stale := f.addBooking(t, booking.StatusPending, time.Now().UTC().Add(24*time.Hour))
	_, err := f.conn.ExecContext(ctx,
		`UPDATE bookings SET created_at = ? WHERE id = ?`,
		time.Now().UTC().Add(-16*time.Minute), stale.ID)
	require.NoError(t, err)

	fresh := f.addBooking(t, booking.StatusPending, time.Now().UTC().Add(24*time.Hour))

	cancelled, err := f.monitor.SweepPaymentTimeouts(ctx, time.Now().UTC())
	require.NoError(t, err)
	assert.Equal(t, 1, cancelled)

	got, err := f.bookings.Get(ctx, stale.ID)
	require.NoError(t, err)
	assert.Equal(t, booking.StatusCancelled, got.Status)
	require.NotNil(t, got.CancellationReason)
	assert.Contains(t, *got.CancellationReason, "Payment timeout")

	history, err := f.bookings.History(ctx, stale.ID)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, booking.ActorSystem, history[0].ActorType)
	assert.Equal(t, booking.StatusCancelled, history[0].NewStatus)

	untouched, err := f.bookings.Get(ctx, fresh.ID)
	require.NoError(t, err)
	assert.Equal(t, booking.StatusPending, untouched.Status)
}

func TestSweepOfflineCleaners(t *testing.T) {
	ctx := context.Background()
	f := newMonitorFixture(t)
	events := f.capture(t, bus.CleanerOfflineAlert)

	w := f.addWorker(t)
	require.NoError(t, f.employees.SetOperationalStatus(ctx, w.ID, employee.StatusOffline, nil))

	b := f.addBooking(t, booking.StatusInProgress, time.Now().UTC().Add(-time.Hour))
	b.AssignedEmployeeID = &w.ID
	require.NoError(t, f.bookings.Update(ctx, b, 1))

	count, err := f.monitor.SweepOfflineCleaners(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	event := waitEvent(t, events)
	assert.Equal(t, "high", event.Payload["severity"])
	assert.Equal(t, w.ID, event.Payload["cleaner_id"])
}

func TestSweepOrphans(t *testing.T) {
	ctx := context.Background()
	f := newMonitorFixture(t)
	events := f.capture(t, bus.AdminAlert)

	w := f.addWorker(t)
	b := f.addBooking(t, booking.StatusInProgress, time.Now().UTC().Add(-6*time.Hour))
	started := time.Now().UTC().Add(-5 * time.Hour)
	b.AssignedEmployeeID = &w.ID
	b.ActualStartTime = &started
	require.NoError(t, f.bookings.Update(ctx, b, 1))

	count, err := f.monitor.SweepOrphans(ctx, time.Now().UTC())
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	event := waitEvent(t, events)
	assert.Equal(t, "orphaned_job", event.Payload["alert"])
	hours, ok := event.Payload["running_hours"].(float64)
	require.True(t, ok)
	assert.Greater(t, hours, 4.0)

	// The job itself is left alone.
	got, err := f.bookings.Get(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, booking.StatusInProgress, got.Status)
}

func TestStartStop(t *testing.T) {
	f := newMonitorFixture(t)
	f.monitor.intervals = Intervals{
		StartSLA:        10 * time.Millisecond,
		CooldownRelease: 10 * time.Millisecond,
		PaymentTimeout:  10 * time.Millisecond,
		OfflineCheck:    10 * time.Millisecond,
		OrphanCheck:     10 * time.Millisecond,
	}

	f.monitor.Start(context.Background())
	time.Sleep(50 * time.Millisecond)
	f.monitor.Stop()
}
