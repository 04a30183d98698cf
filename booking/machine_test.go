package booking

import (
	"context"
	"database/sql"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brighthome/dispatch/bus"
	"github.com/brighthome/dispatch/cache"
	"github.com/brighthome/dispatch/employee"
	"github.com/brighthome/dispatch/errors"
	dtesting "github.com/brighthome/dispatch/internal/testing"
	"github.com/brighthome/dispatch/region"
)

type fakeWallet struct {
	mu        sync.Mutex
	cashbacks []decimal.Decimal
	refunds   []decimal.Decimal
}

func (w *fakeWallet) CreditCashback(_ context.Context, _ int64, amount decimal.Decimal, _ int64) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.cashbacks = append(w.cashbacks, amount)
	return nil
}

func (w *fakeWallet) RefundToWallet(_ context.Context, _ int64, amount decimal.Decimal, _ int64) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.refunds = append(w.refunds, amount)
	return nil
}

type fakeReferral struct {
	mu        sync.Mutex
	completed []int64
}

func (r *fakeReferral) CompleteReferral(_ context.Context, customerID int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.completed = append(r.completed, customerID)
	return nil
}

type machineFixture struct {
	conn      *sql.DB
	machine   *Machine
	store     *Store
	employees *employee.Store
	wallet    *fakeWallet
	referral  *fakeReferral
}

func newMachineFixture(t *testing.T) *machineFixture {
	t.Helper()
	conn := dtesting.CreateTestDB(t)
	mem := cache.NewMemory()
	t.Cleanup(func() { mem.Close() })
	b := bus.New()
	t.Cleanup(b.Close)

	wallet := &fakeWallet{}
	referral := &fakeReferral{}
	return &machineFixture{
		conn:      conn,
		machine:   NewMachine(conn, mem, b, wallet, referral),
		store:     NewStore(conn),
		employees: employee.NewStore(conn),
		wallet:    wallet,
		referral:  referral,
	}
}

func (f *machineFixture) createBooking(t *testing.T, status Status, scheduled time.Time) *Booking {
	t.Helper()
	b := newTestBooking(scheduled)
	b.Status = status
	require.NoError(t, f.store.Create(context.Background(), b))
	return b
}

func (f *machineFixture) assigned(t *testing.T) (*Booking, *employee.Employee) {
	t.Helper()
	ctx := context.Background()
	e := createTestEmployee(t, f.conn, region.DXB)
	b := f.createBooking(t, StatusPendingAssignment, time.Now().UTC().Add(2*time.Hour))
	b, err := f.machine.Assign(ctx, b.ID, e.ID, SystemActor)
	require.NoError(t, err)
	return b, e
}

func (f *machineFixture) inProgress(t *testing.T) (*Booking, *employee.Employee) {
	t.Helper()
	b, e := f.assigned(t)
	b, err := f.machine.Start(context.Background(), b.ID, Actor{Type: ActorCleaner, ID: e.ID}, "", nil)
	require.NoError(t, err)
	return b, e
}

func TestTransitionTableExhaustive(t *testing.T) {
	allowed := map[Status]map[Status]bool{
		StatusPending:           {StatusPendingAssignment: true, StatusCancelled: true},
		StatusPendingAssignment: {StatusAssigned: true, StatusCancelled: true},
		StatusConfirmed:         {StatusAssigned: true, StatusCancelled: true},
		StatusAssigned:          {StatusInProgress: true, StatusCancelled: true},
		StatusInProgress:        {StatusPaused: true, StatusCompleted: true, StatusFailed: true, StatusCancelled: true},
		StatusPaused:            {StatusInProgress: true, StatusCancelled: true},
		StatusCancelled:         {StatusRefunded: true},
		StatusFailed:            {StatusPendingAssignment: true},
	}

	for _, from := range AllStatuses {
		for _, to := range AllStatuses {
			want := allowed[from][to]
			assert.Equal(t, want, CanTransition(from, to), "%s -> %s", from, to)
		}
	}
}

func TestTerminal(t *testing.T) {
	assert.True(t, Terminal(StatusCompleted))
	assert.True(t, Terminal(StatusRefunded))
	assert.True(t, Terminal(StatusNoShow))
	assert.False(t, Terminal(StatusCancelled), "cancelled may still be refunded")
	assert.False(t, Terminal(StatusFailed), "failed may be requeued")
}

func TestAssign(t *testing.T) {
	ctx := context.Background()
	f := newMachineFixture(t)
	b, e := f.assigned(t)

	assert.Equal(t, StatusAssigned, b.Status)
	assert.Equal(t, 2, b.Version)
	require.NotNil(t, b.AssignedEmployeeID)
	assert.Equal(t, e.ID, *b.AssignedEmployeeID)
	require.NotNil(t, b.AssignedAt)
	require.NotNil(t, b.SLADeadline)
	assert.True(t, b.SLADeadline.Equal(b.ScheduledDate.Add(StartSLAGrace)))

	worker, err := f.employees.Get(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, employee.StatusBusy, worker.OperationalStatus)

	history, err := f.store.History(ctx, b.ID)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, StatusAssigned, history[0].NewStatus)

	count, err := f.store.AuditCount(ctx, "booking", strconv.FormatInt(b.ID, 10))
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestInvalidTransitionRejected(t *testing.T) {
	ctx := context.Background()
	f := newMachineFixture(t)
	b := f.createBooking(t, StatusPending, time.Now().Add(24*time.Hour))

	_, err := f.machine.Complete(ctx, b.ID, SystemActor, "", nil)
	assert.True(t, errors.IsInvalidTransitionError(err))

	// A completed booking is terminal.
	done, _ := f.inProgress(t)
	done, err = f.machine.Complete(ctx, done.ID, SystemActor, "", nil)
	require.NoError(t, err)
	_, err = f.machine.Cancel(ctx, done.ID, SystemActor, nil, "")
	assert.True(t, errors.IsInvalidTransitionError(err))
}

func TestFailedTransitionRollsBack(t *testing.T) {
	ctx := context.Background()
	f := newMachineFixture(t)
	b := f.createBooking(t, StatusPendingAssignment, time.Now().Add(2*time.Hour))

	// Unknown employee fails mid-transaction; nothing may stick.
	_, err := f.machine.Assign(ctx, b.ID, "no-such-id", SystemActor)
	assert.True(t, errors.IsNotFoundError(err))

	got, err := f.store.Get(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPendingAssignment, got.Status)
	assert.Equal(t, 1, got.Version)
	assert.Nil(t, got.AssignedEmployeeID)

	history, err := f.store.History(ctx, b.ID)
	require.NoError(t, err)
	assert.Empty(t, history)
}

func TestVersionIncrementsPerTransition(t *testing.T) {
	ctx := context.Background()
	f := newMachineFixture(t)
	b, e := f.assigned(t)
	cleaner := Actor{Type: ActorCleaner, ID: e.ID}

	b, err := f.machine.Start(ctx, b.ID, cleaner, "", nil)
	require.NoError(t, err)
	assert.Equal(t, 3, b.Version)

	b, err = f.machine.Pause(ctx, b.ID, cleaner, nil, "")
	require.NoError(t, err)
	assert.Equal(t, 4, b.Version)

	b, err = f.machine.Resume(ctx, b.ID, cleaner, "")
	require.NoError(t, err)
	assert.Equal(t, 5, b.Version)

	b, err = f.machine.Complete(ctx, b.ID, cleaner, "", nil)
	require.NoError(t, err)
	assert.Equal(t, 6, b.Version)
}

func TestStartGuardRejectsOtherCleaner(t *testing.T) {
	ctx := context.Background()
	f := newMachineFixture(t)
	b, _ := f.assigned(t)
	other := createTestEmployee(t, f.conn, region.DXB)

	_, err := f.machine.Start(ctx, b.ID, Actor{Type: ActorCleaner, ID: other.ID}, "", nil)
	assert.True(t, errors.IsForbiddenError(err))

	// Admins may force the start.
	b, err = f.machine.Start(ctx, b.ID, Actor{Type: ActorAdmin, ID: "admin-1"}, "", nil)
	require.NoError(t, err)
	assert.Equal(t, StatusInProgress, b.Status)
	require.NotNil(t, b.ActualStartTime)
}

func TestPauseAndResume(t *testing.T) {
	ctx := context.Background()
	f := newMachineFixture(t)
	b, e := f.inProgress(t)
	cleaner := Actor{Type: ActorCleaner, ID: e.ID}

	b, err := f.machine.Pause(ctx, b.ID, cleaner, nil, "")
	require.NoError(t, err)
	assert.Equal(t, StatusPaused, b.Status)
	require.NotNil(t, b.PausedAt)

	b, err = f.machine.Resume(ctx, b.ID, cleaner, "")
	require.NoError(t, err)
	assert.Equal(t, StatusInProgress, b.Status)
	require.NotNil(t, b.ResumedAt)
}

func TestResumeRejectedAfterPauseLimit(t *testing.T) {
	ctx := context.Background()
	f := newMachineFixture(t)
	b, e := f.inProgress(t)
	cleaner := Actor{Type: ActorCleaner, ID: e.ID}

	b, err := f.machine.Pause(ctx, b.ID, cleaner, nil, "")
	require.NoError(t, err)

	// Age the pause past the hard limit.
	_, err = f.conn.ExecContext(ctx,
		`UPDATE bookings SET paused_at = ? WHERE id = ?`,
		time.Now().UTC().Add(-(MaxPauseDuration + time.Minute)), b.ID)
	require.NoError(t, err)

	_, err = f.machine.Resume(ctx, b.ID, cleaner, "")
	assert.True(t, errors.IsBadRequestError(err))

	got, err := f.store.Get(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPaused, got.Status)
}

func TestCompleteSideEffects(t *testing.T) {
	ctx := context.Background()
	f := newMachineFixture(t)
	b, e := f.inProgress(t)

	b, err := f.machine.Complete(ctx, b.ID, Actor{Type: ActorCleaner, ID: e.ID}, "", nil)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, b.Status)
	require.NotNil(t, b.ActualEndTime)

	worker, err := f.employees.Get(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, employee.StatusCoolingDown, worker.OperationalStatus)
	require.NotNil(t, worker.CooldownExpiresAt)
	assert.WithinDuration(t, time.Now().Add(CooldownDuration), *worker.CooldownExpiresAt, 5*time.Second)
	assert.Equal(t, 1, worker.CompletedCount)

	// 5% of 116.29 rounds to 5.81.
	f.wallet.mu.Lock()
	defer f.wallet.mu.Unlock()
	require.Len(t, f.wallet.cashbacks, 1)
	assert.True(t, f.wallet.cashbacks[0].Equal(decimal.RequireFromString("5.81")),
		"got %s", f.wallet.cashbacks[0])

	f.referral.mu.Lock()
	defer f.referral.mu.Unlock()
	assert.Equal(t, []int64{101}, f.referral.completed)
}

func TestCompleteIdempotentReplay(t *testing.T) {
	ctx := context.Background()
	f := newMachineFixture(t)
	b, e := f.inProgress(t)
	cleaner := Actor{Type: ActorCleaner, ID: e.ID}

	first, err := f.machine.Complete(ctx, b.ID, cleaner, "complete-key-1", nil)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, first.Status)

	// Same key replays: same state, no duplicated side effects.
	second, err := f.machine.Complete(ctx, b.ID, cleaner, "complete-key-1", nil)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, second.Status)
	assert.Equal(t, first.Version, second.Version)

	worker, err := f.employees.Get(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, worker.CompletedCount)

	f.wallet.mu.Lock()
	defer f.wallet.mu.Unlock()
	assert.Len(t, f.wallet.cashbacks, 1)

	history, err := f.store.History(ctx, b.ID)
	require.NoError(t, err)
	assert.Len(t, history, 3, "assign, start, complete")

	// A different key on a terminal booking still fails the table check.
	_, err = f.machine.Complete(ctx, b.ID, cleaner, "complete-key-2", nil)
	assert.True(t, errors.IsInvalidTransitionError(err))
}

func TestFailReleasesCleanerAndRequeue(t *testing.T) {
	ctx := context.Background()
	f := newMachineFixture(t)
	b, e := f.inProgress(t)

	reason := "customer not home"
	b, err := f.machine.Fail(ctx, b.ID, SystemActor, &reason)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, b.Status)
	require.NotNil(t, b.FailedAt)
	require.NotNil(t, b.FailureReason)

	worker, err := f.employees.Get(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, employee.StatusAvailable, worker.OperationalStatus)
	assert.Equal(t, 1, worker.FailedCount)

	b, err = f.machine.Requeue(ctx, b.ID, SystemActor)
	require.NoError(t, err)
	assert.Equal(t, StatusPendingAssignment, b.Status)
	assert.Nil(t, b.AssignedEmployeeID)
	assert.Nil(t, b.AssignedAt)
	assert.Nil(t, b.SLADeadline)
	assert.Nil(t, b.ActualStartTime)
	require.NotNil(t, b.FailedAt, "the failure record survives the requeue")
}

func TestCustomerCancelInsideLockIn(t *testing.T) {
	ctx := context.Background()
	f := newMachineFixture(t)
	b := f.createBooking(t, StatusPendingAssignment, time.Now().UTC().Add(10*time.Minute))

	customer := Actor{Type: ActorCustomer, ID: "101"}
	_, err := f.machine.Cancel(ctx, b.ID, customer, nil, "")
	assert.True(t, errors.IsBadRequestError(err))

	// Admins are not bound by the lock-in window.
	b, err = f.machine.Cancel(ctx, b.ID, Actor{Type: ActorAdmin, ID: "admin-1"}, nil, "")
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, b.Status)
}

func TestCustomerCancelBeforeLockIn(t *testing.T) {
	ctx := context.Background()
	f := newMachineFixture(t)
	b := f.createBooking(t, StatusPendingAssignment, time.Now().UTC().Add(2*time.Hour))

	reason := "changed plans"
	b, err := f.machine.Cancel(ctx, b.ID, Actor{Type: ActorCustomer, ID: "101"}, &reason, "")
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, b.Status)
	require.NotNil(t, b.CancelledAt)
	require.NotNil(t, b.CancelledBy)
	assert.Equal(t, "101", *b.CancelledBy)
	require.NotNil(t, b.CancellationReason)
}

func TestCancelPaidBookingRefunds(t *testing.T) {
	ctx := context.Background()
	f := newMachineFixture(t)
	b, e := f.assigned(t)

	_, err := f.machine.MarkPaid(ctx, b.ID, SystemActor)
	require.NoError(t, err)

	b, err = f.machine.Cancel(ctx, b.ID, Actor{Type: ActorAdmin, ID: "admin-1"}, nil, "")
	require.NoError(t, err)

	f.wallet.mu.Lock()
	defer f.wallet.mu.Unlock()
	require.Len(t, f.wallet.refunds, 1)
	assert.True(t, f.wallet.refunds[0].Equal(b.TotalPrice))

	worker, err := f.employees.Get(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, employee.StatusAvailable, worker.OperationalStatus, "cancel frees the cleaner")
}

func TestRefundTransition(t *testing.T) {
	ctx := context.Background()
	f := newMachineFixture(t)
	b := f.createBooking(t, StatusPendingAssignment, time.Now().UTC().Add(2*time.Hour))

	b, err := f.machine.Cancel(ctx, b.ID, Actor{Type: ActorAdmin, ID: "admin-1"}, nil, "")
	require.NoError(t, err)

	b, err = f.machine.Transition(ctx, TransitionRequest{
		BookingID: b.ID,
		Target:    StatusRefunded,
		Actor:     SystemActor,
	})
	require.NoError(t, err)
	assert.Equal(t, StatusRefunded, b.Status)
	assert.Equal(t, PaymentRefunded, b.PaymentStatus)
}

func TestUnassign(t *testing.T) {
	ctx := context.Background()
	f := newMachineFixture(t)
	b, e := f.assigned(t)

	reason := "cleaner requested release"
	b, err := f.machine.Unassign(ctx, b.ID, Actor{Type: ActorAdmin, ID: "admin-1"}, &reason)
	require.NoError(t, err)
	assert.Equal(t, StatusPendingAssignment, b.Status)
	assert.Nil(t, b.AssignedEmployeeID)
	assert.Nil(t, b.SLADeadline)
	assert.Equal(t, 3, b.Version)

	worker, err := f.employees.Get(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, employee.StatusAvailable, worker.OperationalStatus)

	// Only ASSIGNED bookings can be unassigned.
	running, _ := f.inProgress(t)
	_, err = f.machine.Unassign(ctx, running.ID, SystemActor, nil)
	assert.True(t, errors.IsBadRequestError(err))
}

func TestMarkPaid(t *testing.T) {
	ctx := context.Background()
	f := newMachineFixture(t)
	b := f.createBooking(t, StatusPending, time.Now().UTC().Add(2*time.Hour))

	paid, err := f.machine.MarkPaid(ctx, b.ID, SystemActor)
	require.NoError(t, err)
	assert.Equal(t, PaymentPaid, paid.PaymentStatus)
	assert.Equal(t, 2, paid.Version)

	// Paying twice is a no-op.
	again, err := f.machine.MarkPaid(ctx, b.ID, SystemActor)
	require.NoError(t, err)
	assert.Equal(t, PaymentPaid, again.PaymentStatus)
	assert.Equal(t, 2, again.Version)
}

func TestConcurrentWritersSerialised(t *testing.T) {
	ctx := context.Background()
	f := newMachineFixture(t)
	b := f.createBooking(t, StatusPendingAssignment, time.Now().UTC().Add(2*time.Hour))

	// Simulate a writer that loaded version 1 and lost the race.
	loser := *b
	loser.Status = StatusCancelled
	require.NoError(t, f.store.Update(ctx, b, 1))
	err := f.store.Update(ctx, &loser, 1)
	assert.True(t, errors.IsConcurrentModificationError(err))
}

func TestStaleExpectedVersionRejected(t *testing.T) {
	ctx := context.Background()
	f := newMachineFixture(t)
	b, e := f.assigned(t)
	cleaner := Actor{Type: ActorCleaner, ID: e.ID}

	// The caller read the booking before assignment bumped it.
	stale := b.Version - 1
	_, err := f.machine.Start(ctx, b.ID, cleaner, "", &stale)
	assert.True(t, errors.IsConcurrentModificationError(err))

	// Nothing happened: status, version, and history are untouched.
	current, err := f.store.Get(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusAssigned, current.Status)
	assert.Equal(t, b.Version, current.Version)
	history, err := f.store.History(ctx, b.ID)
	require.NoError(t, err)
	assert.Len(t, history, 1)

	// A fresh read succeeds.
	fresh := current.Version
	started, err := f.machine.Start(ctx, b.ID, cleaner, "", &fresh)
	require.NoError(t, err)
	assert.Equal(t, StatusInProgress, started.Status)

	// The same applies on completion.
	_, err = f.machine.Complete(ctx, b.ID, cleaner, "", &fresh)
	assert.True(t, errors.IsConcurrentModificationError(err))
	done, err := f.machine.Complete(ctx, b.ID, cleaner, "", &started.Version)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, done.Status)
}
