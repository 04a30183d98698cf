// Package dispatch is the composition root of the dispatch core. It wires
// the state machine, allocation engine, pricing engine, SLA monitor, rate
// limiter, and cache behind one service facade, and owns the operations
// the transport layer calls into.
package dispatch

import (
	"context"
	"database/sql"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/brighthome/dispatch/allocation"
	"github.com/brighthome/dispatch/booking"
	"github.com/brighthome/dispatch/bus"
	"github.com/brighthome/dispatch/cache"
	"github.com/brighthome/dispatch/config"
	"github.com/brighthome/dispatch/employee"
	"github.com/brighthome/dispatch/errors"
	"github.com/brighthome/dispatch/logger"
	"github.com/brighthome/dispatch/metrics"
	"github.com/brighthome/dispatch/monitor"
	"github.com/brighthome/dispatch/pricing"
	"github.com/brighthome/dispatch/ratelimit"
	"github.com/brighthome/dispatch/region"
)

// Service is the dispatch core facade.
type Service struct {
	conn      *sql.DB
	cache     cache.Cache
	bus       *bus.Bus
	machine   *booking.Machine
	bookings  *booking.Store
	employees *employee.Service
	engine    *allocation.Engine
	pricing   *pricing.Engine
	monitor   *monitor.Monitor
	limits    *ratelimit.Limiter
	log       *zap.SugaredLogger
}

// utilizationSource joins the two stores backing the utilization figure.
type utilizationSource struct {
	employees *employee.Store
	bookings  *booking.Store
}

func (s utilizationSource) ActiveCleanerCount(ctx context.Context, regionCode region.Code) (int, error) {
	return s.employees.ActiveCleanerCount(ctx, regionCode)
}

func (s utilizationSource) BookedHours(ctx context.Context, regionCode region.Code, date string) (float64, error) {
	return s.bookings.BookedHours(ctx, regionCode, date)
}

// New wires the service. wallet and referral may be nil.
func New(cfg *config.Config, conn *sql.DB, c cache.Cache, b *bus.Bus, wallet booking.WalletService, referral booking.ReferralService) (*Service, error) {
	machine := booking.NewMachine(conn, c, b, wallet, referral)
	employeeStore := employee.NewStore(conn)
	bookingStore := machine.Store()

	engine, err := allocation.NewEngine(machine, employeeStore, c, allocation.Options{
		Weights: allocation.Weights{
			Queue:    cfg.Allocation.QueueWeight,
			Distance: cfg.Allocation.DistanceWeight,
			Rating:   cfg.Allocation.RatingWeight,
		},
		MaxCandidates:  cfg.Allocation.MaxCandidates,
		AttemptTimeout: cfg.Allocation.AttemptTimeout(),
		ExpandRegions:  cfg.Allocation.ExpandRegions,
		FullFallback:   cfg.Allocation.FullFallback,
	})
	if err != nil {
		return nil, err
	}

	return &Service{
		conn:      conn,
		cache:     c,
		bus:       b,
		machine:   machine,
		bookings:  bookingStore,
		employees: employee.NewService(employeeStore, employee.NewIDGenerator(conn), c, b),
		engine:    engine,
		pricing:   pricing.NewEngine(utilizationSource{employees: employeeStore, bookings: bookingStore}, c),
		monitor: monitor.New(machine, employeeStore, c, b, monitor.Intervals{
			StartSLA:        time.Duration(cfg.Monitor.StartSLASeconds) * time.Second,
			CooldownRelease: time.Duration(cfg.Monitor.CooldownReleaseSeconds) * time.Second,
			PaymentTimeout:  time.Duration(cfg.Monitor.PaymentTimeoutSeconds) * time.Second,
			OfflineCheck:    time.Duration(cfg.Monitor.OfflineCheckSeconds) * time.Second,
			OrphanCheck:     time.Duration(cfg.Monitor.OrphanCheckSeconds) * time.Second,
		}),
		limits: ratelimit.New(cfg.RateLimit.PerMinute, cfg.RateLimit.Burst),
		log:    logger.ComponentLogger("dispatch"),
	}, nil
}

// Employees exposes the employee service for hiring and presence.
func (s *Service) Employees() *employee.Service { return s.employees }

// Machine exposes the state machine for admin tooling.
func (s *Service) Machine() *booking.Machine { return s.machine }

// Allocator exposes the allocation engine read models.
func (s *Service) Allocator() *allocation.Engine { return s.engine }

// Start launches the background monitor loops.
func (s *Service) Start(ctx context.Context) {
	s.monitor.Start(ctx)
}

// Stop shuts down the background loops and the rate limiter.
func (s *Service) Stop() {
	s.monitor.Stop()
	s.limits.Close()
}

// CreateJobRequest carries the inputs of a new booking.
type CreateJobRequest struct {
	CustomerID     int64
	ServiceID      int64
	AddressCity    string
	ScheduledDate  time.Time
	DurationHours  float64
	BasePrice      decimal.Decimal
	SizeAdjustment decimal.Decimal
	AddOnsTotal    decimal.Decimal
	DiscountAmount decimal.Decimal
	CustomerNotes  *string
}

// CreateJob prices and persists a new booking in PENDING. The pricing
// snapshot (utilization, demand, rush) is captured at creation so later
// market shifts never reprice an existing booking.
func (s *Service) CreateJob(ctx context.Context, req CreateJobRequest) (*booking.Booking, error) {
	if err := s.limits.Allow("customer:" + strconv.FormatInt(req.CustomerID, 10)); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	if !req.ScheduledDate.After(now) {
		return nil, errors.NewBadRequestError("scheduled date %s is in the past", req.ScheduledDate)
	}
	if req.DurationHours <= 0 {
		return nil, errors.NewBadRequestError("duration must be positive, got %v", req.DurationHours)
	}
	regionCode, ok := region.FromCity(req.AddressCity)
	if !ok {
		return nil, errors.NewBadRequestError("no service region for city %q", req.AddressCity)
	}

	subtotal := req.BasePrice.Add(req.SizeAdjustment).Add(req.AddOnsTotal)
	quote, err := s.pricing.Compute(ctx, subtotal, regionCode, req.ScheduledDate)
	if err != nil {
		return nil, err
	}
	breakdown := pricing.ComputeBreakdown(subtotal, quote.DemandMultiplier, quote.RushPremium, req.DiscountAmount)

	b := &booking.Booking{
		BookingNumber:        booking.NewBookingNumber(now),
		CustomerID:           req.CustomerID,
		ServiceID:            req.ServiceID,
		AddressCity:          req.AddressCity,
		RegionCode:           regionCode,
		ScheduledDate:        req.ScheduledDate.UTC(),
		DurationHours:        req.DurationHours,
		Status:               booking.StatusPending,
		PaymentStatus:        booking.PaymentPending,
		BasePrice:            req.BasePrice,
		SizeAdjustment:       req.SizeAdjustment,
		AddOnsTotal:          req.AddOnsTotal,
		DiscountAmount:       breakdown.DiscountAmount,
		TaxAmount:            breakdown.TaxAmount,
		TotalPrice:           breakdown.Total,
		DemandMultiplier:     quote.DemandMultiplier,
		RushPremium:          quote.RushPremium,
		UtilizationAtBooking: quote.Utilization,
		PricingTier:          quote.PricingTier,
		RushTier:             quote.RushTier,
		CustomerNotes:        req.CustomerNotes,
	}
	if err := s.bookings.Create(ctx, b); err != nil {
		return nil, err
	}
	actor := booking.Actor{Type: booking.ActorCustomer, ID: strconv.FormatInt(req.CustomerID, 10)}
	if err := s.bookings.InsertHistory(ctx, b.ID, nil, b.Status, actor, nil); err != nil {
		return nil, err
	}
	if err := s.bookings.InsertAudit(ctx, booking.AuditEntry{
		EntityType: "booking",
		EntityID:   strconv.FormatInt(b.ID, 10),
		Action:     "created",
		Actor:      actor,
		NewState: map[string]interface{}{
			"status":      string(b.Status),
			"total_price": b.TotalPrice.String(),
			"region":      string(regionCode),
		},
	}); err != nil {
		return nil, err
	}
	metrics.IncJobCreated()

	if err := s.cache.ZAdd(ctx, cache.RecentJobsKey(string(regionCode)), cache.Member{
		Score: float64(now.Unix()),
		Value: strconv.FormatInt(b.ID, 10),
	}); err != nil {
		s.log.Warnw("Recent-jobs cache write failed",
			logger.FieldRegion, regionCode, logger.FieldError, err)
	}

	s.bus.Publish(bus.JobCreated, map[string]interface{}{
		"job_id":         b.ID,
		"booking_number": b.BookingNumber,
		"customer_id":    b.CustomerID,
		"region":         string(regionCode),
		"scheduled_date": b.ScheduledDate.Format(time.RFC3339),
		"total_price":    b.TotalPrice.String(),
		"pricing_tier":   b.PricingTier,
		"rush_tier":      b.RushTier,
		"timestamp":      now.Format(time.RFC3339),
	})

	s.log.Infow("Job created",
		logger.FieldBookingID, b.ID,
		"booking_number", b.BookingNumber,
		logger.FieldRegion, regionCode,
		"total", b.TotalPrice,
		"tier", b.PricingTier)
	return b, nil
}

// StartPayment records that a payment attempt began for a PENDING
// booking. Capture happens outside the core; the audit row ties the
// attempt to the booking so an abandoned checkout is distinguishable
// from one that never started.
func (s *Service) StartPayment(ctx context.Context, bookingID int64, actor booking.Actor) error {
	b, err := s.bookings.Get(ctx, bookingID)
	if err != nil {
		return err
	}
	if b.Status != booking.StatusPending {
		return errors.NewBadRequestError("payment can only start while booking %d is pending, it is %s",
			bookingID, b.Status)
	}
	if b.PaymentStatus == booking.PaymentPaid {
		return errors.NewBadRequestError("booking %d is already paid", bookingID)
	}

	if err := s.bookings.InsertAudit(ctx, booking.AuditEntry{
		EntityType: "booking",
		EntityID:   strconv.FormatInt(bookingID, 10),
		Action:     "payment_started",
		Actor:      actor,
		NewState: map[string]interface{}{
			"payment_status": string(b.PaymentStatus),
			"total_price":    b.TotalPrice.String(),
		},
	}); err != nil {
		return err
	}
	s.log.Infow("Payment started", logger.FieldBookingID, bookingID)
	return nil
}

// MarkPaid records payment and releases the booking to the allocation
// queue.
func (s *Service) MarkPaid(ctx context.Context, bookingID int64, actor booking.Actor) (*booking.Booking, error) {
	b, err := s.machine.MarkPaid(ctx, bookingID, actor)
	if err != nil {
		return nil, err
	}
	if b.Status != booking.StatusPending {
		return b, nil
	}
	reason := "payment received"
	return s.machine.Transition(ctx, booking.TransitionRequest{
		BookingID: bookingID,
		Target:    booking.StatusPendingAssignment,
		Actor:     actor,
		Reason:    &reason,
	})
}

// Allocate runs the allocation engine for a booking and records the
// outcome metrics.
func (s *Service) Allocate(ctx context.Context, bookingID int64) (*allocation.Result, error) {
	b, err := s.bookings.Get(ctx, bookingID)
	if err != nil {
		return nil, err
	}

	result, err := s.engine.Allocate(ctx, bookingID)
	if err != nil {
		return nil, err
	}

	outcome := metrics.OutcomeFailed
	switch {
	case result.Success && result.FallbackUsed:
		outcome = metrics.OutcomeFallback
	case result.Success && result.RegionExpanded:
		outcome = metrics.OutcomeExpanded
	case result.Success:
		outcome = metrics.OutcomeSuccess
	}
	metrics.ObserveAllocation(string(b.RegionCode), outcome,
		time.Duration(result.ElapsedMS)*time.Millisecond)
	return result, nil
}

// StartJob begins work on an assigned booking, as the cleaner.
// expectedVersion, when non-nil, rejects the action with
// ErrConcurrentModification if the booking changed since the cleaner's
// last read.
func (s *Service) StartJob(ctx context.Context, bookingID int64, cleanerID, idempotencyKey string, expectedVersion *int) (*booking.Booking, error) {
	if err := s.limits.Allow("cleaner:" + cleanerID); err != nil {
		return nil, err
	}
	return s.machine.Start(ctx, bookingID, booking.Actor{Type: booking.ActorCleaner, ID: cleanerID}, idempotencyKey, expectedVersion)
}

// PauseJob suspends a running booking, as the cleaner.
func (s *Service) PauseJob(ctx context.Context, bookingID int64, cleanerID string, reason *string, idempotencyKey string) (*booking.Booking, error) {
	if err := s.limits.Allow("cleaner:" + cleanerID); err != nil {
		return nil, err
	}
	return s.machine.Pause(ctx, bookingID, booking.Actor{Type: booking.ActorCleaner, ID: cleanerID}, reason, idempotencyKey)
}

// ResumeJob continues a paused booking, as the cleaner.
func (s *Service) ResumeJob(ctx context.Context, bookingID int64, cleanerID, idempotencyKey string) (*booking.Booking, error) {
	if err := s.limits.Allow("cleaner:" + cleanerID); err != nil {
		return nil, err
	}
	return s.machine.Resume(ctx, bookingID, booking.Actor{Type: booking.ActorCleaner, ID: cleanerID}, idempotencyKey)
}

// CompleteJob finishes a running booking, as the cleaner. expectedVersion
// works as in StartJob.
func (s *Service) CompleteJob(ctx context.Context, bookingID int64, cleanerID, idempotencyKey string, expectedVersion *int) (*booking.Booking, error) {
	if err := s.limits.Allow("cleaner:" + cleanerID); err != nil {
		return nil, err
	}
	return s.machine.Complete(ctx, bookingID, booking.Actor{Type: booking.ActorCleaner, ID: cleanerID}, idempotencyKey, expectedVersion)
}

// CancelJob cancels a booking on behalf of the given actor.
func (s *Service) CancelJob(ctx context.Context, bookingID int64, actor booking.Actor, reason *string, idempotencyKey string) (*booking.Booking, error) {
	if err := s.limits.Allow(string(actor.Type) + ":" + actor.ID); err != nil {
		return nil, err
	}
	return s.machine.Cancel(ctx, bookingID, actor, reason, idempotencyKey)
}

// FailJob marks a running booking failed. Admin and system only.
func (s *Service) FailJob(ctx context.Context, bookingID int64, actor booking.Actor, reason *string) (*booking.Booking, error) {
	if actor.Type != booking.ActorAdmin && actor.Type != booking.ActorSystem {
		return nil, errors.NewForbiddenError("only admins may fail a booking")
	}
	return s.machine.Fail(ctx, bookingID, actor, reason)
}

// RequeueJob returns a failed booking to the allocation queue. Admin and
// system only.
func (s *Service) RequeueJob(ctx context.Context, bookingID int64, actor booking.Actor) (*booking.Booking, error) {
	if actor.Type != booking.ActorAdmin && actor.Type != booking.ActorSystem {
		return nil, errors.NewForbiddenError("only admins may requeue a booking")
	}
	return s.machine.Requeue(ctx, bookingID, actor)
}

// UnassignJob releases an assigned booking's cleaner. Admin only.
func (s *Service) UnassignJob(ctx context.Context, bookingID int64, actor booking.Actor, reason *string) (*booking.Booking, error) {
	if actor.Type != booking.ActorAdmin {
		return nil, errors.NewForbiddenError("only admins may unassign a booking")
	}
	return s.machine.Unassign(ctx, bookingID, actor, reason)
}

// Job fetches one booking with its status history.
func (s *Service) Job(ctx context.Context, bookingID int64) (*booking.Booking, []booking.HistoryEntry, error) {
	b, err := s.bookings.Get(ctx, bookingID)
	if err != nil {
		return nil, nil, err
	}
	history, err := s.bookings.History(ctx, bookingID)
	if err != nil {
		return nil, nil, err
	}
	return b, history, nil
}

// ListDelayedJobs returns jobs currently past their start SLA.
func (s *Service) ListDelayedJobs(ctx context.Context) ([]*booking.Booking, error) {
	return s.bookings.ListDelayed(ctx, time.Now().UTC())
}

// QueueStatus returns a region's cleaner queue.
func (s *Service) QueueStatus(ctx context.Context, regionCode region.Code) ([]allocation.QueueEntry, error) {
	return s.engine.QueueStatus(ctx, regionCode)
}

// AllocationMetrics returns today's allocation counters for a region.
func (s *Service) AllocationMetrics(ctx context.Context, regionCode region.Code) (*allocation.Metrics, error) {
	return s.engine.MetricsFor(ctx, regionCode, time.Now().UTC().Format("2006-01-02"))
}

// RecentJobs returns the most recent booking ids created in a region,
// newest first, up to limit.
func (s *Service) RecentJobs(ctx context.Context, regionCode region.Code, limit int) ([]int64, error) {
	if limit <= 0 {
		limit = 20
	}
	values, err := s.cache.ZRange(ctx, cache.RecentJobsKey(string(regionCode)), 0, -1)
	if err != nil {
		return nil, err
	}

	// ZRange is ascending by score; walk backwards for newest-first.
	out := make([]int64, 0, limit)
	for i := len(values) - 1; i >= 0 && len(out) < limit; i-- {
		id, err := strconv.ParseInt(values[i], 10, 64)
		if err != nil {
			continue
		}
		out = append(out, id)
	}
	return out, nil
}
