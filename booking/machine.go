package booking

import (
	"context"
	"database/sql"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/brighthome/dispatch/bus"
	"github.com/brighthome/dispatch/cache"
	"github.com/brighthome/dispatch/employee"
	"github.com/brighthome/dispatch/errors"
	"github.com/brighthome/dispatch/logger"
	"github.com/brighthome/dispatch/metrics"
)

const (
	// StartSLAGrace is how long after the scheduled start a cleaner has to
	// begin work before the job counts as delayed.
	StartSLAGrace = 10 * time.Minute

	// MaxPauseDuration is the hard cap on a single pause. Resuming later
	// than this is rejected; the customer must escalate instead.
	MaxPauseDuration = 30 * time.Minute

	// CooldownDuration is the rest window a cleaner enters after
	// completing a job.
	CooldownDuration = 15 * time.Minute

	// CancellationCutoff is the lock-in window before the scheduled start
	// inside which customers can no longer cancel.
	CancellationCutoff = 30 * time.Minute
)

// CashbackRate is the share of the total credited back to the customer's
// wallet on completion.
var CashbackRate = decimal.NewFromFloat(0.05)

// WalletService credits and refunds customer wallets. Calls happen after
// the transition commits and are best effort; failures are logged, never
// rolled back into the booking.
type WalletService interface {
	CreditCashback(ctx context.Context, customerID int64, amount decimal.Decimal, bookingID int64) error
	RefundToWallet(ctx context.Context, customerID int64, amount decimal.Decimal, bookingID int64) error
}

// ReferralService marks referral rewards earned when a referred customer
// completes a job. The referral side owns the first-job check.
type ReferralService interface {
	CompleteReferral(ctx context.Context, customerID int64) error
}

// TransitionRequest describes one attempted status change.
type TransitionRequest struct {
	BookingID int64
	Target    Status
	Actor     Actor
	Reason    *string

	// IdempotencyKey, when set, makes the transition replay-safe: a key
	// already consumed for this (booking, target) returns the current row
	// without re-running side effects.
	IdempotencyKey string

	// ExpectedVersion, when set, is the version the caller last read. If
	// the row has moved on, the transition fails with
	// ErrConcurrentModification before any guard or side effect runs.
	ExpectedVersion *int

	// EmployeeID is the cleaner to bind. Required when Target is ASSIGNED.
	EmployeeID string
}

// Machine executes booking lifecycle transitions. Each transition runs in
// one transaction covering the booking row, its history, the audit trail,
// idempotency bookkeeping, and any employee status change; events and
// wallet effects fire only after commit.
type Machine struct {
	conn      *sql.DB
	bookings  *Store
	employees *employee.Store
	cache     cache.Cache
	bus       *bus.Bus
	wallet    WalletService
	referral  ReferralService
	log       *zap.SugaredLogger
}

// NewMachine wires the state machine. wallet and referral may be nil when
// those side effects are not configured.
func NewMachine(conn *sql.DB, c cache.Cache, b *bus.Bus, wallet WalletService, referral ReferralService) *Machine {
	return &Machine{
		conn:      conn,
		bookings:  NewStore(conn),
		employees: employee.NewStore(conn),
		cache:     c,
		bus:       b,
		wallet:    wallet,
		referral:  referral,
		log:       logger.ComponentLogger("machine"),
	}
}

// Store exposes the booking store bound to the shared connection.
func (m *Machine) Store() *Store {
	return m.bookings
}

// Transition attempts req and returns the booking as committed. The
// version check serialises concurrent writers: the loser gets
// ErrConcurrentModification and should reload before retrying.
func (m *Machine) Transition(ctx context.Context, req TransitionRequest) (*Booking, error) {
	tx, err := m.conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, errors.Wrap(err, "begin transition")
	}
	defer tx.Rollback()

	bookings := m.bookings.WithTx(tx)
	employees := m.employees.WithTx(tx)

	b, err := bookings.Get(ctx, req.BookingID)
	if err != nil {
		return nil, err
	}

	if req.IdempotencyKey != "" {
		seen, err := bookings.HasIdempotencyKey(ctx, b.ID, req.Target, req.IdempotencyKey)
		if err != nil {
			return nil, err
		}
		if seen {
			m.log.Infow("Idempotent replay, returning current state",
				logger.FieldBookingID, b.ID,
				"target", req.Target,
				"key", req.IdempotencyKey)
			return b, nil
		}
	}

	if req.ExpectedVersion != nil && *req.ExpectedVersion != b.Version {
		return nil, errors.Wrapf(errors.ErrConcurrentModification,
			"booking %d is at version %d, caller expected %d",
			b.ID, b.Version, *req.ExpectedVersion)
	}

	if !CanTransition(b.Status, req.Target) {
		return nil, errors.NewInvalidTransitionError(string(b.Status), string(req.Target))
	}

	previous := b.Status
	expectedVersion := b.Version
	now := time.Now().UTC()

	released, err := m.apply(ctx, b, req, employees, now)
	if err != nil {
		return nil, err
	}
	b.Status = req.Target

	if err := bookings.Update(ctx, b, expectedVersion); err != nil {
		return nil, err
	}
	if err := bookings.InsertHistory(ctx, b.ID, &previous, req.Target, req.Actor, req.Reason); err != nil {
		return nil, err
	}
	if err := bookings.InsertAudit(ctx, AuditEntry{
		EntityType: "booking",
		EntityID:   strconv.FormatInt(b.ID, 10),
		Action:     "status_transition",
		Actor:      req.Actor,
		PreviousState: map[string]interface{}{
			"status":  string(previous),
			"version": expectedVersion,
		},
		NewState: map[string]interface{}{
			"status":  string(b.Status),
			"version": b.Version,
		},
		Reason: req.Reason,
	}); err != nil {
		return nil, err
	}
	if req.IdempotencyKey != "" {
		if err := bookings.InsertIdempotencyKey(ctx, b.ID, req.Target, req.IdempotencyKey); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, errors.Wrap(err, "commit transition")
	}

	m.afterCommit(ctx, b, previous, req.Actor, released)
	return b, nil
}

// apply mutates the in-memory booking for the target status, enforces the
// actor guards, and performs the in-transaction employee updates. It
// returns the id of a cleaner released back to available, if any.
func (m *Machine) apply(ctx context.Context, b *Booking, req TransitionRequest, employees *employee.Store, now time.Time) (string, error) {
	switch req.Target {
	case StatusAssigned:
		if req.EmployeeID == "" {
			return "", errors.NewBadRequestError("assignment requires an employee id")
		}
		e, err := employees.Get(ctx, req.EmployeeID)
		if err != nil {
			return "", err
		}
		if e.AccountStatus != employee.AccountActive {
			return "", errors.NewBadRequestError("employee %s is not active", req.EmployeeID)
		}
		deadline := b.ScheduledDate.UTC().Add(StartSLAGrace)
		b.AssignedEmployeeID = &req.EmployeeID
		b.AssignedAt = &now
		b.SLADeadline = &deadline
		if err := employees.SetOperationalStatus(ctx, req.EmployeeID, employee.StatusBusy, nil); err != nil {
			return "", err
		}

	case StatusInProgress:
		if err := assignedCleanerGuard(b, req.Actor); err != nil {
			return "", err
		}
		if b.Status == StatusPaused {
			if b.PausedAt != nil && now.Sub(*b.PausedAt) > MaxPauseDuration {
				return "", errors.NewBadRequestError(
					"pause exceeded the %s limit, booking %d cannot be resumed", MaxPauseDuration, b.ID)
			}
			b.ResumedAt = &now
		} else {
			b.ActualStartTime = &now
		}

	case StatusPaused:
		if err := assignedCleanerGuard(b, req.Actor); err != nil {
			return "", err
		}
		b.PausedAt = &now
		b.ResumedAt = nil

	case StatusCompleted:
		if err := assignedCleanerGuard(b, req.Actor); err != nil {
			return "", err
		}
		b.ActualEndTime = &now
		if b.AssignedEmployeeID != nil {
			expiry := now.Add(CooldownDuration)
			if err := employees.SetOperationalStatus(ctx, *b.AssignedEmployeeID, employee.StatusCoolingDown, &expiry); err != nil {
				return "", err
			}
			if err := employees.IncrementCompleted(ctx, *b.AssignedEmployeeID); err != nil {
				return "", err
			}
		}

	case StatusFailed:
		b.FailedAt = &now
		b.FailureReason = req.Reason
		if b.AssignedEmployeeID != nil {
			if err := employees.SetOperationalStatus(ctx, *b.AssignedEmployeeID, employee.StatusAvailable, nil); err != nil {
				return "", err
			}
			if err := employees.IncrementFailed(ctx, *b.AssignedEmployeeID); err != nil {
				return "", err
			}
			return *b.AssignedEmployeeID, nil
		}

	case StatusCancelled:
		if req.Actor.Type == ActorCustomer {
			cutoff := b.ScheduledDate.UTC().Add(-CancellationCutoff)
			if !now.Before(cutoff) {
				return "", errors.NewBadRequestError(
					"booking %d can no longer be cancelled within %s of its start", b.ID, CancellationCutoff)
			}
		}
		b.CancelledAt = &now
		actorID := req.Actor.ID
		b.CancelledBy = &actorID
		b.CancellationReason = req.Reason
		if b.AssignedEmployeeID != nil && b.Active() {
			if err := employees.SetOperationalStatus(ctx, *b.AssignedEmployeeID, employee.StatusAvailable, nil); err != nil {
				return "", err
			}
			return *b.AssignedEmployeeID, nil
		}

	case StatusPendingAssignment:
		// Retry path. The previous attempt's runtime state is cleared so
		// allocation starts fresh; failed_at stays as the record.
		b.AssignedEmployeeID = nil
		b.AssignedAt = nil
		b.SLADeadline = nil
		b.ActualStartTime = nil
		b.PausedAt = nil
		b.ResumedAt = nil

	case StatusRefunded:
		b.PaymentStatus = PaymentRefunded
	}

	return "", nil
}

// assignedCleanerGuard rejects cleaner-driven transitions on jobs the
// actor is not assigned to. Admin and system actors pass.
func assignedCleanerGuard(b *Booking, actor Actor) error {
	if actor.Type != ActorCleaner {
		return nil
	}
	if b.AssignedEmployeeID == nil || *b.AssignedEmployeeID != actor.ID {
		return errors.NewForbiddenError("cleaner %s is not assigned to booking %d", actor.ID, b.ID)
	}
	return nil
}

// afterCommit runs the side effects that must not hold the transaction:
// event publication, cache invalidation, wallet credits, referrals.
func (m *Machine) afterCommit(ctx context.Context, b *Booking, previous Status, actor Actor, releasedEmployee string) {
	metrics.IncTransition(string(previous), string(b.Status))
	if eventType, ok := eventForTransition(previous, b.Status); ok {
		m.bus.Publish(eventType, eventPayload(b, previous, actor))
	}

	// Any transition touching a cleaner's availability invalidates the
	// region's queue snapshot and the cleaner's cached status.
	switch b.Status {
	case StatusAssigned, StatusCompleted, StatusFailed, StatusCancelled, StatusPendingAssignment:
		if err := m.cache.Delete(ctx, cache.QueueKey(string(b.RegionCode))); err != nil {
			m.log.Warnw("Queue cache invalidation failed",
				logger.FieldRegion, b.RegionCode, logger.FieldError, err)
		}
	}
	touched := releasedEmployee
	if touched == "" && b.AssignedEmployeeID != nil {
		touched = *b.AssignedEmployeeID
	}
	if touched != "" {
		if err := m.cache.Delete(ctx, cache.CleanerStatusKey(touched)); err != nil {
			m.log.Warnw("Cleaner status cache invalidation failed",
				logger.FieldEmployeeID, touched, logger.FieldError, err)
		}
	}

	switch b.Status {
	case StatusCompleted:
		if m.wallet != nil {
			cashback := b.TotalPrice.Mul(CashbackRate).Round(2)
			if err := m.wallet.CreditCashback(ctx, b.CustomerID, cashback, b.ID); err != nil {
				m.log.Warnw("Cashback credit failed",
					logger.FieldBookingID, b.ID,
					logger.FieldCustomerID, b.CustomerID,
					"amount", cashback,
					logger.FieldError, err)
			}
		}
		if m.referral != nil {
			if err := m.referral.CompleteReferral(ctx, b.CustomerID); err != nil {
				m.log.Warnw("Referral completion failed",
					logger.FieldCustomerID, b.CustomerID, logger.FieldError, err)
			}
		}
	case StatusCancelled:
		if m.wallet != nil && b.PaymentStatus == PaymentPaid {
			if err := m.wallet.RefundToWallet(ctx, b.CustomerID, b.TotalPrice, b.ID); err != nil {
				m.log.Warnw("Wallet refund failed",
					logger.FieldBookingID, b.ID,
					logger.FieldCustomerID, b.CustomerID,
					logger.FieldError, err)
			}
		}
	}
}

// Assign binds a cleaner to the booking and arms the start SLA.
func (m *Machine) Assign(ctx context.Context, bookingID int64, employeeID string, actor Actor) (*Booking, error) {
	return m.Transition(ctx, TransitionRequest{
		BookingID:  bookingID,
		Target:     StatusAssigned,
		Actor:      actor,
		EmployeeID: employeeID,
	})
}

// Start moves an assigned booking into IN_PROGRESS. expectedVersion, when
// non-nil, demands the row still be at the version the caller read.
func (m *Machine) Start(ctx context.Context, bookingID int64, actor Actor, idempotencyKey string, expectedVersion *int) (*Booking, error) {
	return m.Transition(ctx, TransitionRequest{
		BookingID:       bookingID,
		Target:          StatusInProgress,
		Actor:           actor,
		IdempotencyKey:  idempotencyKey,
		ExpectedVersion: expectedVersion,
	})
}

// Pause suspends a running booking.
func (m *Machine) Pause(ctx context.Context, bookingID int64, actor Actor, reason *string, idempotencyKey string) (*Booking, error) {
	return m.Transition(ctx, TransitionRequest{
		BookingID:      bookingID,
		Target:         StatusPaused,
		Actor:          actor,
		Reason:         reason,
		IdempotencyKey: idempotencyKey,
	})
}

// Resume continues a paused booking, subject to the pause limit.
func (m *Machine) Resume(ctx context.Context, bookingID int64, actor Actor, idempotencyKey string) (*Booking, error) {
	return m.Transition(ctx, TransitionRequest{
		BookingID:      bookingID,
		Target:         StatusInProgress,
		Actor:          actor,
		IdempotencyKey: idempotencyKey,
	})
}

// Complete finishes a running booking and starts the cleaner's cooldown.
// expectedVersion works as in Start.
func (m *Machine) Complete(ctx context.Context, bookingID int64, actor Actor, idempotencyKey string, expectedVersion *int) (*Booking, error) {
	return m.Transition(ctx, TransitionRequest{
		BookingID:       bookingID,
		Target:          StatusCompleted,
		Actor:           actor,
		IdempotencyKey:  idempotencyKey,
		ExpectedVersion: expectedVersion,
	})
}

// Fail marks a running booking failed and frees the cleaner.
func (m *Machine) Fail(ctx context.Context, bookingID int64, actor Actor, reason *string) (*Booking, error) {
	return m.Transition(ctx, TransitionRequest{
		BookingID: bookingID,
		Target:    StatusFailed,
		Actor:     actor,
		Reason:    reason,
	})
}

// Cancel cancels a booking. Customer cancellations inside the lock-in
// window are rejected.
func (m *Machine) Cancel(ctx context.Context, bookingID int64, actor Actor, reason *string, idempotencyKey string) (*Booking, error) {
	return m.Transition(ctx, TransitionRequest{
		BookingID:      bookingID,
		Target:         StatusCancelled,
		Actor:          actor,
		Reason:         reason,
		IdempotencyKey: idempotencyKey,
	})
}

// Requeue sends a FAILED booking back to PENDING_ASSIGNMENT for another
// allocation attempt.
func (m *Machine) Requeue(ctx context.Context, bookingID int64, actor Actor) (*Booking, error) {
	return m.Transition(ctx, TransitionRequest{
		BookingID: bookingID,
		Target:    StatusPendingAssignment,
		Actor:     actor,
	})
}

// Unassign releases an ASSIGNED booking's cleaner and returns the job to
// the allocation queue. It sits outside the transition table: admins use
// it to undo a bad match before work starts, so it is permitted only from
// ASSIGNED and keeps the same version, history, and audit discipline.
func (m *Machine) Unassign(ctx context.Context, bookingID int64, actor Actor, reason *string) (*Booking, error) {
	tx, err := m.conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, errors.Wrap(err, "begin unassign")
	}
	defer tx.Rollback()

	bookings := m.bookings.WithTx(tx)
	employees := m.employees.WithTx(tx)

	b, err := bookings.Get(ctx, bookingID)
	if err != nil {
		return nil, err
	}
	if b.Status != StatusAssigned {
		return nil, errors.NewBadRequestError("booking %d is %s, only ASSIGNED bookings can be unassigned", b.ID, b.Status)
	}

	previous := b.Status
	expectedVersion := b.Version
	released := ""
	if b.AssignedEmployeeID != nil {
		released = *b.AssignedEmployeeID
		if err := employees.SetOperationalStatus(ctx, released, employee.StatusAvailable, nil); err != nil {
			return nil, err
		}
	}
	b.AssignedEmployeeID = nil
	b.AssignedAt = nil
	b.SLADeadline = nil
	b.Status = StatusPendingAssignment

	if err := bookings.Update(ctx, b, expectedVersion); err != nil {
		return nil, err
	}
	if err := bookings.InsertHistory(ctx, b.ID, &previous, b.Status, actor, reason); err != nil {
		return nil, err
	}
	if err := bookings.InsertAudit(ctx, AuditEntry{
		EntityType: "booking",
		EntityID:   strconv.FormatInt(b.ID, 10),
		Action:     "unassign",
		Actor:      actor,
		PreviousState: map[string]interface{}{
			"status":   string(previous),
			"version":  expectedVersion,
			"employee": released,
		},
		NewState: map[string]interface{}{
			"status":  string(b.Status),
			"version": b.Version,
		},
		Reason: reason,
	}); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, errors.Wrap(err, "commit unassign")
	}

	m.afterCommit(ctx, b, previous, actor, released)
	return b, nil
}

// MarkPaid records payment receipt. It bumps the optimistic version like
// any other write but is not a lifecycle transition; paying twice is a
// no-op.
func (m *Machine) MarkPaid(ctx context.Context, bookingID int64, actor Actor) (*Booking, error) {
	tx, err := m.conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, errors.Wrap(err, "begin mark paid")
	}
	defer tx.Rollback()

	bookings := m.bookings.WithTx(tx)
	b, err := bookings.Get(ctx, bookingID)
	if err != nil {
		return nil, err
	}
	if b.PaymentStatus == PaymentPaid {
		return b, nil
	}

	expectedVersion := b.Version
	previous := b.PaymentStatus
	b.PaymentStatus = PaymentPaid

	if err := bookings.Update(ctx, b, expectedVersion); err != nil {
		return nil, err
	}
	if err := bookings.InsertAudit(ctx, AuditEntry{
		EntityType: "booking",
		EntityID:   strconv.FormatInt(b.ID, 10),
		Action:     "payment_received",
		Actor:      actor,
		PreviousState: map[string]interface{}{
			"payment_status": string(previous),
		},
		NewState: map[string]interface{}{
			"payment_status": string(b.PaymentStatus),
		},
	}); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, errors.Wrap(err, "commit mark paid")
	}
	return b, nil
}
