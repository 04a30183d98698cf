// Package allocation picks a cleaner for a pending job. Candidates are
// scored on queue fairness, proximity, and rating; ordering is
// deterministic so two engines working the same snapshot agree. Commits
// go through the booking state machine under its optimistic lock, so a
// racing engine simply loses and moves to the next candidate.
package allocation

import (
	"context"
	"math"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/brighthome/dispatch/booking"
	"github.com/brighthome/dispatch/cache"
	"github.com/brighthome/dispatch/employee"
	"github.com/brighthome/dispatch/errors"
	"github.com/brighthome/dispatch/logger"
	"github.com/brighthome/dispatch/region"
)

const (
	// DefaultMaxCandidates bounds how many scored candidates get a
	// commit attempt before the allocation is declared failed.
	DefaultMaxCandidates = 5

	// DefaultAttemptTimeout bounds one commit attempt.
	DefaultAttemptTimeout = 3 * time.Second

	// distanceHorizonKm is the distance at which the proximity score
	// reaches zero.
	distanceHorizonKm = 50.0

	// neutralDistanceScore applies when either side has no coordinates.
	neutralDistanceScore = 0.5
)

// Failure reasons surfaced in Result.
const (
	FailureNoRegion     = "no region"
	FailureNoCandidates = "no available cleaners"
	FailureExhausted    = "all candidates rejected or timed out"
)

// Weights are the scoring weights. They must sum to 1.
type Weights struct {
	Queue    float64
	Distance float64
	Rating   float64
}

// DefaultWeights favour queue fairness over proximity and rating.
var DefaultWeights = Weights{Queue: 0.40, Distance: 0.30, Rating: 0.30}

// Valid reports whether the weights sum to 1 within float tolerance.
func (w Weights) Valid() bool {
	return math.Abs(w.Queue+w.Distance+w.Rating-1.0) < 1e-9
}

// Options tune one engine instance.
type Options struct {
	Weights        Weights
	MaxCandidates  int
	AttemptTimeout time.Duration
	ExpandRegions  bool
	FullFallback   bool
}

// DefaultOptions returns the production defaults.
func DefaultOptions() Options {
	return Options{
		Weights:        DefaultWeights,
		MaxCandidates:  DefaultMaxCandidates,
		AttemptTimeout: DefaultAttemptTimeout,
		ExpandRegions:  true,
		FullFallback:   true,
	}
}

// Result describes one allocation attempt.
type Result struct {
	Success             bool
	AssignedWorker      *employee.Employee
	CandidatesEvaluated int
	ElapsedMS           int64
	FallbackUsed        bool
	RegionExpanded      bool
	FailureReason       string
}

// Engine allocates cleaners to pending jobs.
type Engine struct {
	machine   *booking.Machine
	bookings  *booking.Store
	employees *employee.Store
	cache     cache.Cache
	opts      Options
	log       *zap.SugaredLogger
}

// NewEngine wires an allocation engine over the shared state machine.
func NewEngine(machine *booking.Machine, employees *employee.Store, c cache.Cache, opts Options) (*Engine, error) {
	if !opts.Weights.Valid() {
		return nil, errors.NewBadRequestError(
			"allocation weights must sum to 1, got %v", opts.Weights)
	}
	if opts.MaxCandidates <= 0 {
		opts.MaxCandidates = DefaultMaxCandidates
	}
	if opts.AttemptTimeout <= 0 {
		opts.AttemptTimeout = DefaultAttemptTimeout
	}
	return &Engine{
		machine:   machine,
		bookings:  machine.Store(),
		employees: employees,
		cache:     c,
		opts:      opts,
		log:       logger.ComponentLogger("allocation"),
	}, nil
}

type candidate struct {
	worker *employee.Employee
	score  float64
}

// Allocate picks and commits a cleaner for the booking. The booking must
// be awaiting assignment; any other status is a caller error.
func (e *Engine) Allocate(ctx context.Context, bookingID int64) (*Result, error) {
	started := time.Now()

	job, err := e.bookings.Get(ctx, bookingID)
	if err != nil {
		return nil, err
	}
	if job.Status != booking.StatusPendingAssignment && job.Status != booking.StatusConfirmed {
		return nil, errors.NewBadRequestError(
			"booking %d is %s, not awaiting assignment", job.ID, job.Status)
	}

	jobRegion := job.RegionCode
	if jobRegion == "" {
		jobRegion, _ = region.FromCity(job.AddressCity)
	}

	result := &Result{}
	finish := func() *Result {
		result.ElapsedMS = time.Since(started).Milliseconds()
		e.recordMetrics(ctx, jobRegion, result)
		return result
	}
	if !region.Valid(jobRegion) {
		result.FailureReason = FailureNoRegion
		return finish(), nil
	}

	candidates, err := e.gather(ctx, job, jobRegion, result)
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		result.FailureReason = FailureNoCandidates
		return finish(), nil
	}

	scored, err := e.score(ctx, job, jobRegion, candidates)
	if err != nil {
		return nil, err
	}
	result.CandidatesEvaluated = len(scored)

	limit := e.opts.MaxCandidates
	if limit > len(scored) {
		limit = len(scored)
	}
	for _, c := range scored[:limit] {
		if e.tryCommit(ctx, job, c.worker) {
			result.Success = true
			result.AssignedWorker = c.worker
			e.log.Infow("Job allocated",
				logger.FieldBookingID, job.ID,
				logger.FieldEmployeeID, c.worker.ID,
				"score", c.score,
				logger.FieldRegion, jobRegion,
				"region_expanded", result.RegionExpanded,
				"fallback_used", result.FallbackUsed)
			return finish(), nil
		}
	}

	result.FailureReason = FailureExhausted
	return finish(), nil
}

// gather builds the conflict-free candidate set, widening to adjacent
// regions and then system-wide per the engine options.
func (e *Engine) gather(ctx context.Context, job *booking.Booking, jobRegion region.Code, result *Result) ([]*employee.Employee, error) {
	primary, err := e.eligible(ctx, job, jobRegion)
	if err != nil {
		return nil, err
	}
	if len(primary) > 0 {
		return primary, nil
	}

	if e.opts.ExpandRegions {
		var widened []*employee.Employee
		for _, adjacent := range region.Adjacent[jobRegion] {
			batch, err := e.eligible(ctx, job, adjacent)
			if err != nil {
				return nil, err
			}
			widened = append(widened, batch...)
		}
		if len(widened) > 0 {
			result.RegionExpanded = true
			return widened, nil
		}
	}

	if e.opts.FullFallback {
		all, err := e.employees.ListActive(ctx)
		if err != nil {
			return nil, err
		}
		filtered, err := e.filterConflicts(ctx, job, all)
		if err != nil {
			return nil, err
		}
		if len(filtered) > 0 {
			result.FallbackUsed = true
			return filtered, nil
		}
	}

	return nil, nil
}

func (e *Engine) eligible(ctx context.Context, job *booking.Booking, regionCode region.Code) ([]*employee.Employee, error) {
	workers, err := e.employees.ListActiveByRegion(ctx, regionCode)
	if err != nil {
		return nil, err
	}
	return e.filterConflicts(ctx, job, workers)
}

// filterConflicts drops resting and offline cleaners, then anyone whose
// schedule overlaps the job's window. Busy cleaners stay in: their
// current job may end before this one starts, and the overlap check
// decides.
func (e *Engine) filterConflicts(ctx context.Context, job *booking.Booking, workers []*employee.Employee) ([]*employee.Employee, error) {
	out := make([]*employee.Employee, 0, len(workers))
	for _, w := range workers {
		switch w.OperationalStatus {
		case employee.StatusCoolingDown, employee.StatusOffline:
			continue
		}
		conflict, err := e.bookings.HasScheduleConflict(ctx, w.ID, job.ScheduledDate, job.DurationHours, job.ID)
		if err != nil {
			return nil, err
		}
		if !conflict {
			out = append(out, w)
		}
	}
	return out, nil
}

// score ranks candidates by the weighted sum, descending; ties break on
// employee_id so the ordering is total.
func (e *Engine) score(ctx context.Context, job *booking.Booking, jobRegion region.Code, workers []*employee.Employee) ([]candidate, error) {
	// Queue positions are computed per candidate region so expanded
	// candidates rank within their own queue.
	queues := map[region.Code]map[string]int{}
	for _, w := range workers {
		if _, ok := queues[w.RegionCode]; ok {
			continue
		}
		positions, err := e.QueuePositions(ctx, w.RegionCode)
		if err != nil {
			return nil, err
		}
		queues[w.RegionCode] = positions
	}

	scored := make([]candidate, 0, len(workers))
	for _, w := range workers {
		q := queueScore(queues[w.RegionCode], w.ID)
		d := distanceScore(jobRegion, w.RegionCode)
		r := w.Rating / 5.0
		total := e.opts.Weights.Queue*q + e.opts.Weights.Distance*d + e.opts.Weights.Rating*r
		scored = append(scored, candidate{worker: w, score: total})
	}

	sort.Slice(scored, func(i, j int) bool {
		if scored[i].score != scored[j].score {
			return scored[i].score > scored[j].score
		}
		return scored[i].worker.EmployeeID < scored[j].worker.EmployeeID
	})
	return scored, nil
}

func distanceScore(a, b region.Code) float64 {
	km, ok := region.DistanceBetween(a, b)
	if !ok {
		return neutralDistanceScore
	}
	return math.Max(0, 1.0-km/distanceHorizonKm)
}

// tryCommit re-verifies the schedule and assigns under the booking's
// optimistic lock, bounded by the per-attempt deadline. Any failure
// yields the slot to the next candidate.
func (e *Engine) tryCommit(ctx context.Context, job *booking.Booking, worker *employee.Employee) bool {
	attemptCtx, cancel := context.WithTimeout(ctx, e.opts.AttemptTimeout)
	defer cancel()

	conflict, err := e.bookings.HasScheduleConflict(attemptCtx, worker.ID, job.ScheduledDate, job.DurationHours, job.ID)
	if err != nil || conflict {
		if err != nil {
			e.log.Warnw("Conflict re-check failed",
				logger.FieldBookingID, job.ID,
				logger.FieldEmployeeID, worker.ID,
				logger.FieldError, err)
		}
		return false
	}

	if _, err := e.machine.Assign(attemptCtx, job.ID, worker.ID, booking.SystemActor); err != nil {
		e.log.Warnw("Assignment attempt rejected",
			logger.FieldBookingID, job.ID,
			logger.FieldEmployeeID, worker.ID,
			logger.FieldError, err)
		return false
	}
	return true
}
