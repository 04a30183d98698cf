// Package booking owns the job aggregate and its lifecycle state machine.
// Every mutation of a booking row routes through Machine; concurrent
// writers are serialised by the optimistic version column.
package booking

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/brighthome/dispatch/region"
)

// Status is a booking's lifecycle state.
type Status string

const (
	StatusPending           Status = "PENDING"
	StatusPendingAssignment Status = "PENDING_ASSIGNMENT"
	// StatusConfirmed is a legacy alias of PENDING_ASSIGNMENT still present
	// in old rows. New code never produces it, but it is accepted as
	// ASSIGNED's predecessor.
	StatusConfirmed  Status = "CONFIRMED"
	StatusAssigned   Status = "ASSIGNED"
	StatusInProgress Status = "IN_PROGRESS"
	StatusPaused     Status = "PAUSED"
	StatusCompleted  Status = "COMPLETED"
	StatusCancelled  Status = "CANCELLED"
	StatusFailed     Status = "FAILED"
	StatusRefunded   Status = "REFUNDED"
	StatusNoShow     Status = "NO_SHOW"
)

// AllStatuses lists every status, for exhaustive checks.
var AllStatuses = []Status{
	StatusPending,
	StatusPendingAssignment,
	StatusConfirmed,
	StatusAssigned,
	StatusInProgress,
	StatusPaused,
	StatusCompleted,
	StatusCancelled,
	StatusFailed,
	StatusRefunded,
	StatusNoShow,
}

// transitions is the exhaustive allowed-transition table. Any (from, to)
// pair not listed fails with ErrInvalidTransition.
var transitions = map[Status][]Status{
	StatusPending:           {StatusPendingAssignment, StatusCancelled},
	StatusPendingAssignment: {StatusAssigned, StatusCancelled},
	StatusConfirmed:         {StatusAssigned, StatusCancelled},
	StatusAssigned:          {StatusInProgress, StatusCancelled},
	StatusInProgress:        {StatusPaused, StatusCompleted, StatusFailed, StatusCancelled},
	StatusPaused:            {StatusInProgress, StatusCancelled},
	StatusCancelled:         {StatusRefunded},
	StatusFailed:            {StatusPendingAssignment},
}

// CanTransition reports whether from -> to is in the allowed table.
func CanTransition(from, to Status) bool {
	for _, allowed := range transitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Terminal reports whether a status admits no further transitions.
// CANCELLED is near-terminal: it may still step to REFUNDED.
func Terminal(s Status) bool {
	return len(transitions[s]) == 0
}

// PaymentStatus tracks the booking's payment lifecycle.
type PaymentStatus string

const (
	PaymentPending  PaymentStatus = "PENDING"
	PaymentPaid     PaymentStatus = "PAID"
	PaymentFailed   PaymentStatus = "FAILED"
	PaymentRefunded PaymentStatus = "REFUNDED"
)

// ActorType tags who is driving a transition.
type ActorType string

const (
	ActorCustomer ActorType = "customer"
	ActorCleaner  ActorType = "cleaner"
	ActorAdmin    ActorType = "admin"
	ActorSystem   ActorType = "system"
)

// Actor is the principal behind a transition. Guards switch on the type.
type Actor struct {
	Type ActorType
	ID   string
}

// SystemActor is the actor used by background loops.
var SystemActor = Actor{Type: ActorSystem, ID: "system"}

// Booking is one scheduled cleaning job.
type Booking struct {
	ID                 int64
	BookingNumber      string
	CustomerID         int64
	AssignedEmployeeID *string
	ServiceID          int64
	AddressCity        string
	RegionCode         region.Code
	ScheduledDate      time.Time
	DurationHours      float64
	Status             Status
	Version            int
	PaymentStatus      PaymentStatus

	// Price components.
	BasePrice      decimal.Decimal
	SizeAdjustment decimal.Decimal
	AddOnsTotal    decimal.Decimal
	DiscountAmount decimal.Decimal
	TaxAmount      decimal.Decimal
	TotalPrice     decimal.Decimal

	// Pricing snapshot captured at creation.
	DemandMultiplier     decimal.Decimal
	RushPremium          decimal.Decimal
	UtilizationAtBooking float64
	PricingTier          string
	RushTier             string

	// Lifecycle timestamps.
	AssignedAt      *time.Time
	SLADeadline     *time.Time
	ActualStartTime *time.Time
	PausedAt        *time.Time
	ResumedAt       *time.Time
	ActualEndTime   *time.Time
	FailedAt        *time.Time
	CancelledAt     *time.Time
	CancelledBy     *string

	CustomerNotes      *string
	CleanerNotes       *string
	FailureReason      *string
	CancellationReason *string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Active reports whether the booking currently occupies a cleaner.
func (b *Booking) Active() bool {
	switch b.Status {
	case StatusAssigned, StatusInProgress, StatusPaused:
		return true
	}
	return false
}

// End returns the end of the booking's scheduled window.
func (b *Booking) End() time.Time {
	return b.ScheduledDate.Add(time.Duration(b.DurationHours * float64(time.Hour)))
}

// HistoryEntry is one append-only status-history row.
type HistoryEntry struct {
	ID             int64
	BookingID      int64
	PreviousStatus *Status
	NewStatus      Status
	ActorType      ActorType
	ActorID        string
	Reason         *string
	CreatedAt      time.Time
}
