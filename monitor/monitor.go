// Package monitor runs the background safety nets around the booking
// lifecycle: start-SLA alerting, cooldown release, payment timeouts,
// offline-cleaner detection, and orphaned-job surfacing. Each loop is an
// independent ticker that observes shutdown and swallows per-iteration
// errors so one bad sweep never kills the loop.
package monitor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/brighthome/dispatch/booking"
	"github.com/brighthome/dispatch/bus"
	"github.com/brighthome/dispatch/cache"
	"github.com/brighthome/dispatch/employee"
	"github.com/brighthome/dispatch/internal/util"
	"github.com/brighthome/dispatch/logger"
)

const (
	// PaymentTimeoutAfter is how long an unpaid PENDING booking survives
	// before the payment-timeout sweep cancels it.
	PaymentTimeoutAfter = 15 * time.Minute

	// OrphanAfter is how long a job may run before it is surfaced to
	// operators. Orphans are never auto-terminated.
	OrphanAfter = 4 * time.Hour
)

// Intervals configure the sweep cadences.
type Intervals struct {
	StartSLA        time.Duration
	CooldownRelease time.Duration
	PaymentTimeout  time.Duration
	OfflineCheck    time.Duration
	OrphanCheck     time.Duration
}

// DefaultIntervals returns the production cadences.
func DefaultIntervals() Intervals {
	return Intervals{
		StartSLA:        30 * time.Second,
		CooldownRelease: time.Minute,
		PaymentTimeout:  5 * time.Minute,
		OfflineCheck:    2 * time.Minute,
		OrphanCheck:     10 * time.Minute,
	}
}

// Monitor owns the background loops.
type Monitor struct {
	machine   *booking.Machine
	bookings  *booking.Store
	employees *employee.Store
	cache     cache.Cache
	bus       *bus.Bus
	intervals Intervals
	log       *zap.SugaredLogger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New wires a monitor over the shared state machine, stores, and cache.
func New(machine *booking.Machine, employees *employee.Store, c cache.Cache, b *bus.Bus, intervals Intervals) *Monitor {
	return &Monitor{
		machine:   machine,
		bookings:  machine.Store(),
		employees: employees,
		cache:     c,
		bus:       b,
		intervals: intervals,
		log:       logger.ComponentLogger("monitor"),
	}
}

// Start launches all loops. They run until Stop or until ctx is done.
func (m *Monitor) Start(ctx context.Context) {
	ctx, m.cancel = context.WithCancel(ctx)

	m.loop(ctx, "start_sla", m.intervals.StartSLA, func(ctx context.Context) error {
		_, err := m.SweepStartSLA(ctx, time.Now().UTC())
		return err
	})
	m.loop(ctx, "cooldown_release", m.intervals.CooldownRelease, func(ctx context.Context) error {
		_, err := m.SweepCooldowns(ctx, time.Now().UTC())
		return err
	})
	m.loop(ctx, "payment_timeout", m.intervals.PaymentTimeout, func(ctx context.Context) error {
		_, err := m.SweepPaymentTimeouts(ctx, time.Now().UTC())
		return err
	})
	m.loop(ctx, "offline_check", m.intervals.OfflineCheck, func(ctx context.Context) error {
		_, err := m.SweepOfflineCleaners(ctx)
		return err
	})
	m.loop(ctx, "orphan_check", m.intervals.OrphanCheck, func(ctx context.Context) error {
		_, err := m.SweepOrphans(ctx, time.Now().UTC())
		return err
	})

	m.log.Infow("Monitor started",
		"start_sla", m.intervals.StartSLA,
		"cooldown_release", m.intervals.CooldownRelease,
		"payment_timeout", m.intervals.PaymentTimeout,
		"offline_check", m.intervals.OfflineCheck,
		"orphan_check", m.intervals.OrphanCheck)
}

func (m *Monitor) loop(ctx context.Context, name string, interval time.Duration, sweep func(context.Context) error) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := sweep(ctx); err != nil {
					m.log.Errorw("Sweep failed", "loop", name, logger.FieldError, err)
				}
			}
		}
	}()
}

// Stop cancels all loops and waits for them to exit.
func (m *Monitor) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
	m.log.Infow("Monitor stopped")
}

// SweepStartSLA publishes one JOB_DELAYED event per delayed job. The
// monitor only alerts; it never changes booking state. A job stays on the
// delayed list, and keeps producing one event per sweep, until someone
// acts on it.
func (m *Monitor) SweepStartSLA(ctx context.Context, now time.Time) (int, error) {
	delayed, err := m.bookings.ListDelayed(ctx, now)
	if err != nil {
		return 0, err
	}

	for _, b := range delayed {
		delayMinutes := 0
		if b.SLADeadline != nil {
			delayMinutes = int(now.Sub(*b.SLADeadline).Minutes())
		}
		payload := map[string]interface{}{
			"job_id":         b.ID,
			"booking_number": b.BookingNumber,
			"status":         string(b.Status),
			"customer_id":    b.CustomerID,
			"delay_minutes":  delayMinutes,
			"scheduled_date": b.ScheduledDate.UTC().Format(time.RFC3339),
			"timestamp":      now.Format(time.RFC3339),
		}
		if b.AssignedEmployeeID != nil {
			payload["cleaner_id"] = *b.AssignedEmployeeID
		}
		m.bus.Publish(bus.JobDelayed, payload)

		m.log.Warnw("Job past start SLA",
			logger.FieldBookingID, b.ID,
			"delay_minutes", delayMinutes)
	}
	return len(delayed), nil
}

// SweepCooldowns releases cleaners whose cooldown expired before now.
func (m *Monitor) SweepCooldowns(ctx context.Context, now time.Time) (int, error) {
	expired, err := m.employees.ListExpiredCooldowns(ctx, now)
	if err != nil {
		return 0, err
	}

	released := 0
	for _, e := range expired {
		if err := m.employees.SetOperationalStatus(ctx, e.ID, employee.StatusAvailable, nil); err != nil {
			m.log.Errorw("Cooldown release failed",
				logger.FieldEmployeeID, e.ID, logger.FieldError, err)
			continue
		}
		released++
		// Refresh the cached status so readers see the release before
		// the stale "cooling_down" snapshot ages out.
		if err := m.cache.Set(ctx, cache.CleanerStatusKey(e.ID),
			string(employee.StatusAvailable), cache.CleanerStatusTTL); err != nil {
			m.log.Warnw("Cleaner status cache write failed",
				logger.FieldEmployeeID, e.ID, logger.FieldError, err)
		}
		m.bus.Publish(bus.CleanerStatusChanged, map[string]interface{}{
			"cleaner_id": e.ID,
			"status":     string(employee.StatusAvailable),
			"previous":   string(employee.StatusCoolingDown),
			"timestamp":  now.Format(time.RFC3339),
		})
		m.log.Infow("Cooldown released", logger.FieldEmployeeID, e.ID)
	}
	return released, nil
}

// SweepPaymentTimeouts cancels unpaid PENDING bookings older than the
// payment window. The cancellation routes through the state machine, so
// history and audit rows record the system actor.
func (m *Monitor) SweepPaymentTimeouts(ctx context.Context, now time.Time) (int, error) {
	stale, err := m.bookings.ListPaymentTimeouts(ctx, now.Add(-PaymentTimeoutAfter))
	if err != nil {
		return 0, err
	}

	cancelled := 0
	for _, b := range stale {
		reason := util.Ptr(fmt.Sprintf("Payment timeout: booking not paid within %d minutes",
			int(PaymentTimeoutAfter.Minutes())))
		if _, err := m.machine.Cancel(ctx, b.ID, booking.SystemActor, reason, ""); err != nil {
			m.log.Errorw("Payment-timeout cancellation failed",
				logger.FieldBookingID, b.ID, logger.FieldError, err)
			continue
		}
		cancelled++
		m.log.Infow("Booking cancelled for payment timeout",
			logger.FieldBookingID, b.ID)
	}
	return cancelled, nil
}

// SweepOfflineCleaners raises a high-severity alert for every running job
// whose assigned cleaner has gone offline.
func (m *Monitor) SweepOfflineCleaners(ctx context.Context) (int, error) {
	jobs, err := m.bookings.ListInProgressWithOfflineCleaner(ctx)
	if err != nil {
		return 0, err
	}

	for _, b := range jobs {
		payload := map[string]interface{}{
			"job_id":         b.ID,
			"booking_number": b.BookingNumber,
			"severity":       "high",
			"timestamp":      time.Now().UTC().Format(time.RFC3339),
		}
		if b.AssignedEmployeeID != nil {
			payload["cleaner_id"] = *b.AssignedEmployeeID
		}
		m.bus.Publish(bus.CleanerOfflineAlert, payload)
		m.log.Warnw("Cleaner offline during active job", logger.FieldBookingID, b.ID)
	}
	return len(jobs), nil
}

// SweepOrphans surfaces jobs running past the orphan threshold to the
// admin alert channel. The decision what to do with them stays with the
// operator.
func (m *Monitor) SweepOrphans(ctx context.Context, now time.Time) (int, error) {
	orphans, err := m.bookings.ListOrphaned(ctx, now.Add(-OrphanAfter))
	if err != nil {
		return 0, err
	}

	for _, b := range orphans {
		runningFor := time.Duration(0)
		if b.ActualStartTime != nil {
			runningFor = now.Sub(*b.ActualStartTime)
		}
		payload := map[string]interface{}{
			"alert":          "orphaned_job",
			"job_id":         b.ID,
			"booking_number": b.BookingNumber,
			"running_hours":  runningFor.Hours(),
			"timestamp":      now.Format(time.RFC3339),
		}
		if b.AssignedEmployeeID != nil {
			payload["cleaner_id"] = *b.AssignedEmployeeID
		}
		m.bus.Publish(bus.AdminAlert, payload)
		m.log.Warnw("Orphaned job detected",
			logger.FieldBookingID, b.ID,
			"running_hours", runningFor.Hours())
	}
	return len(orphans), nil
}
