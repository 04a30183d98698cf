package booking

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"

	"github.com/brighthome/dispatch/db"
	"github.com/brighthome/dispatch/employee"
	"github.com/brighthome/dispatch/errors"
	"github.com/brighthome/dispatch/region"
)

// Store persists bookings, their status history, idempotency keys, and
// the audit trail. It is bound to a db.Querier so the state machine can
// run every write of one transition inside a single transaction.
type Store struct {
	q db.Querier
}

// NewStore creates a booking store over a database handle.
func NewStore(q db.Querier) *Store {
	return &Store{q: q}
}

// WithTx returns a copy of the store bound to the given transaction.
func (s *Store) WithTx(tx *sql.Tx) *Store {
	return &Store{q: tx}
}

const bookingColumns = `id, booking_number, customer_id, assigned_employee_id, service_id,
	address_city, region_code, scheduled_date, duration_hours, status, version, payment_status,
	base_price, size_adjustment, add_ons_total, discount_amount, tax_amount, total_price,
	demand_multiplier, rush_premium, utilization_at_booking, pricing_tier, rush_tier,
	assigned_at, sla_deadline, actual_start_time, paused_at, resumed_at, actual_end_time,
	failed_at, cancelled_at, cancelled_by,
	customer_notes, cleaner_notes, failure_reason, cancellation_reason,
	created_at, updated_at`

type scannable interface {
	Scan(dest ...interface{}) error
}

func scanBooking(row scannable) (*Booking, error) {
	var b Booking
	var assignedEmployee, regionCode, cancelledBy sql.NullString
	var customerNotes, cleanerNotes, failureReason, cancellationReason sql.NullString
	var basePrice, sizeAdjustment, addOnsTotal, discountAmount, taxAmount, totalPrice string
	var demandMultiplier, rushPremium string
	var assignedAt, slaDeadline, actualStart, pausedAt, resumedAt, actualEnd, failedAt, cancelledAt sql.NullTime

	err := row.Scan(
		&b.ID, &b.BookingNumber, &b.CustomerID, &assignedEmployee, &b.ServiceID,
		&b.AddressCity, &regionCode, &b.ScheduledDate, &b.DurationHours, &b.Status, &b.Version, &b.PaymentStatus,
		&basePrice, &sizeAdjustment, &addOnsTotal, &discountAmount, &taxAmount, &totalPrice,
		&demandMultiplier, &rushPremium, &b.UtilizationAtBooking, &b.PricingTier, &b.RushTier,
		&assignedAt, &slaDeadline, &actualStart, &pausedAt, &resumedAt, &actualEnd,
		&failedAt, &cancelledAt, &cancelledBy,
		&customerNotes, &cleanerNotes, &failureReason, &cancellationReason,
		&b.CreatedAt, &b.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if assignedEmployee.Valid {
		b.AssignedEmployeeID = &assignedEmployee.String
	}
	b.RegionCode = region.Code(regionCode.String)
	if cancelledBy.Valid {
		b.CancelledBy = &cancelledBy.String
	}
	b.CustomerNotes = nullableString(customerNotes)
	b.CleanerNotes = nullableString(cleanerNotes)
	b.FailureReason = nullableString(failureReason)
	b.CancellationReason = nullableString(cancellationReason)

	var parseErr error
	parse := func(raw string) decimal.Decimal {
		d, err := decimal.NewFromString(raw)
		if err != nil && parseErr == nil {
			parseErr = errors.Wrapf(err, "parse decimal %q", raw)
		}
		return d
	}
	b.BasePrice = parse(basePrice)
	b.SizeAdjustment = parse(sizeAdjustment)
	b.AddOnsTotal = parse(addOnsTotal)
	b.DiscountAmount = parse(discountAmount)
	b.TaxAmount = parse(taxAmount)
	b.TotalPrice = parse(totalPrice)
	b.DemandMultiplier = parse(demandMultiplier)
	b.RushPremium = parse(rushPremium)
	if parseErr != nil {
		return nil, parseErr
	}

	b.AssignedAt = nullableTime(assignedAt)
	b.SLADeadline = nullableTime(slaDeadline)
	b.ActualStartTime = nullableTime(actualStart)
	b.PausedAt = nullableTime(pausedAt)
	b.ResumedAt = nullableTime(resumedAt)
	b.ActualEndTime = nullableTime(actualEnd)
	b.FailedAt = nullableTime(failedAt)
	b.CancelledAt = nullableTime(cancelledAt)

	return &b, nil
}

func nullableString(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}

func nullableTime(v sql.NullTime) *time.Time {
	if !v.Valid {
		return nil
	}
	t := v.Time
	return &t
}

// Create inserts a new booking and fills in its generated id.
func (s *Store) Create(ctx context.Context, b *Booking) error {
	now := time.Now().UTC()
	b.CreatedAt = now
	b.UpdatedAt = now
	if b.Version == 0 {
		b.Version = 1
	}

	result, err := s.q.ExecContext(ctx, `
		INSERT INTO bookings (booking_number, customer_id, assigned_employee_id, service_id,
			address_city, region_code, scheduled_date, duration_hours, status, version, payment_status,
			base_price, size_adjustment, add_ons_total, discount_amount, tax_amount, total_price,
			demand_multiplier, rush_premium, utilization_at_booking, pricing_tier, rush_tier,
			customer_notes, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		b.BookingNumber, b.CustomerID, b.AssignedEmployeeID, b.ServiceID,
		b.AddressCity, string(b.RegionCode), b.ScheduledDate.UTC(), b.DurationHours, b.Status, b.Version, b.PaymentStatus,
		b.BasePrice.String(), b.SizeAdjustment.String(), b.AddOnsTotal.String(),
		b.DiscountAmount.String(), b.TaxAmount.String(), b.TotalPrice.String(),
		b.DemandMultiplier.String(), b.RushPremium.String(), b.UtilizationAtBooking, b.PricingTier, b.RushTier,
		b.CustomerNotes, b.CreatedAt, b.UpdatedAt,
	)
	if err != nil {
		return errors.Wrap(err, "insert booking")
	}

	id, err := result.LastInsertId()
	if err != nil {
		return errors.Wrap(err, "booking insert id")
	}
	b.ID = id
	return nil
}

// Get fetches a booking by id.
func (s *Store) Get(ctx context.Context, id int64) (*Booking, error) {
	row := s.q.QueryRowContext(ctx,
		`SELECT `+bookingColumns+` FROM bookings WHERE id = ?`, id)
	b, err := scanBooking(row)
	if err == sql.ErrNoRows {
		return nil, errors.NewNotFoundError("booking %d", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, "get booking")
	}
	return b, nil
}

// GetByNumber fetches a booking by its human-readable number.
func (s *Store) GetByNumber(ctx context.Context, number string) (*Booking, error) {
	row := s.q.QueryRowContext(ctx,
		`SELECT `+bookingColumns+` FROM bookings WHERE booking_number = ?`, number)
	b, err := scanBooking(row)
	if err == sql.ErrNoRows {
		return nil, errors.NewNotFoundError("booking %s", number)
	}
	if err != nil {
		return nil, errors.Wrap(err, "get booking by number")
	}
	return b, nil
}

// Update writes a booking's mutable fields, guarded by the optimistic
// version. The stored version must equal expectedVersion; on success the
// row carries b.Version = expectedVersion + 1. Zero rows affected means
// another writer won the race.
func (s *Store) Update(ctx context.Context, b *Booking, expectedVersion int) error {
	b.Version = expectedVersion + 1
	b.UpdatedAt = time.Now().UTC()

	result, err := s.q.ExecContext(ctx, `
		UPDATE bookings SET
			assigned_employee_id = ?, status = ?, version = ?, payment_status = ?,
			assigned_at = ?, sla_deadline = ?, actual_start_time = ?, paused_at = ?,
			resumed_at = ?, actual_end_time = ?, failed_at = ?, cancelled_at = ?, cancelled_by = ?,
			customer_notes = ?, cleaner_notes = ?, failure_reason = ?, cancellation_reason = ?,
			updated_at = ?
		WHERE id = ? AND version = ?`,
		b.AssignedEmployeeID, b.Status, b.Version, b.PaymentStatus,
		timeArg(b.AssignedAt), timeArg(b.SLADeadline), timeArg(b.ActualStartTime), timeArg(b.PausedAt),
		timeArg(b.ResumedAt), timeArg(b.ActualEndTime), timeArg(b.FailedAt), timeArg(b.CancelledAt), b.CancelledBy,
		b.CustomerNotes, b.CleanerNotes, b.FailureReason, b.CancellationReason,
		b.UpdatedAt,
		b.ID, expectedVersion,
	)
	if err != nil {
		return errors.Wrap(err, "update booking")
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "rows affected")
	}
	if affected == 0 {
		return errors.Wrapf(errors.ErrConcurrentModification,
			"booking %d version %d", b.ID, expectedVersion)
	}
	return nil
}

func timeArg(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.UTC()
}

// InsertHistory appends one status-history row.
func (s *Store) InsertHistory(ctx context.Context, bookingID int64, previous *Status, next Status, actor Actor, reason *string) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO booking_status_history (booking_id, previous_status, new_status, actor_type, actor_id, reason, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		bookingID, previous, next, actor.Type, actor.ID, reason, time.Now().UTC())
	if err != nil {
		return errors.Wrap(err, "insert status history")
	}
	return nil
}

// History returns a booking's status history, oldest first.
func (s *Store) History(ctx context.Context, bookingID int64) ([]HistoryEntry, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT id, booking_id, previous_status, new_status, actor_type, actor_id, reason, created_at
		FROM booking_status_history
		WHERE booking_id = ?
		ORDER BY id`,
		bookingID)
	if err != nil {
		return nil, errors.Wrap(err, "query status history")
	}
	defer rows.Close()

	var out []HistoryEntry
	for rows.Next() {
		var h HistoryEntry
		var previous, reason, actorID sql.NullString
		if err := rows.Scan(&h.ID, &h.BookingID, &previous, &h.NewStatus, &h.ActorType, &actorID, &reason, &h.CreatedAt); err != nil {
			return nil, errors.Wrap(err, "scan status history")
		}
		if previous.Valid {
			p := Status(previous.String)
			h.PreviousStatus = &p
		}
		h.ActorID = actorID.String
		h.Reason = nullableString(reason)
		out = append(out, h)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "iterate status history")
	}
	return out, nil
}

// HasIdempotencyKey reports whether key was already consumed for this
// booking and target status.
func (s *Store) HasIdempotencyKey(ctx context.Context, bookingID int64, target Status, key string) (bool, error) {
	var exists bool
	err := s.q.QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM booking_idempotency_keys
			WHERE booking_id = ? AND target_status = ? AND idempotency_key = ?)`,
		bookingID, target, key).Scan(&exists)
	if err != nil {
		return false, errors.Wrap(err, "check idempotency key")
	}
	return exists, nil
}

// InsertIdempotencyKey records a consumed idempotency key.
func (s *Store) InsertIdempotencyKey(ctx context.Context, bookingID int64, target Status, key string) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO booking_idempotency_keys (booking_id, target_status, idempotency_key, created_at)
		VALUES (?, ?, ?, ?)`,
		bookingID, target, key, time.Now().UTC())
	if err != nil {
		return errors.Wrap(err, "insert idempotency key")
	}
	return nil
}

// AuditEntry is one append-only audit row with before/after snapshots.
type AuditEntry struct {
	EntityType    string
	EntityID      string
	Action        string
	Actor         Actor
	PreviousState map[string]interface{}
	NewState      map[string]interface{}
	Reason        *string
	Metadata      map[string]interface{}
}

// InsertAudit appends one audit row. Snapshots are stored as JSON.
func (s *Store) InsertAudit(ctx context.Context, entry AuditEntry) error {
	previous, err := marshalJSON(entry.PreviousState)
	if err != nil {
		return err
	}
	next, err := marshalJSON(entry.NewState)
	if err != nil {
		return err
	}
	metadata, err := marshalJSON(entry.Metadata)
	if err != nil {
		return err
	}

	_, err = s.q.ExecContext(ctx, `
		INSERT INTO audit_logs (entity_type, entity_id, action, actor_type, actor_id,
			previous_state, new_state, reason, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.EntityType, entry.EntityID, entry.Action, entry.Actor.Type, entry.Actor.ID,
		previous, next, entry.Reason, metadata, time.Now().UTC())
	if err != nil {
		return errors.Wrap(err, "insert audit log")
	}
	return nil
}

func marshalJSON(m map[string]interface{}) (interface{}, error) {
	if m == nil {
		return nil, nil
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return nil, errors.Wrap(err, "marshal audit snapshot")
	}
	return string(raw), nil
}

// AuditCount counts audit rows for an entity. Used by tests and the
// status command.
func (s *Store) AuditCount(ctx context.Context, entityType, entityID string) (int, error) {
	var count int
	err := s.q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM audit_logs WHERE entity_type = ? AND entity_id = ?`,
		entityType, entityID).Scan(&count)
	if err != nil {
		return 0, errors.Wrap(err, "count audit logs")
	}
	return count, nil
}

func (s *Store) list(ctx context.Context, query string, args ...interface{}) ([]*Booking, error) {
	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "list bookings")
	}
	defer rows.Close()

	var out []*Booking
	for rows.Next() {
		b, err := scanBooking(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan booking")
		}
		out = append(out, b)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "iterate bookings")
	}
	return out, nil
}

// ListDelayed returns jobs past their start SLA as of now: ASSIGNED jobs
// whose deadline has lapsed, and IN_PROGRESS jobs that started late.
func (s *Store) ListDelayed(ctx context.Context, now time.Time) ([]*Booking, error) {
	return s.list(ctx, `
		SELECT `+bookingColumns+` FROM bookings
		WHERE (status = ? AND sla_deadline IS NOT NULL AND datetime(sla_deadline) < datetime(?))
		   OR (status = ? AND sla_deadline IS NOT NULL AND actual_start_time IS NOT NULL
		       AND datetime(actual_start_time) > datetime(sla_deadline))
		ORDER BY id`,
		StatusAssigned, now.UTC(), StatusInProgress)
}

// ListPaymentTimeouts returns unpaid PENDING bookings created before the
// cutoff.
func (s *Store) ListPaymentTimeouts(ctx context.Context, cutoff time.Time) ([]*Booking, error) {
	return s.list(ctx, `
		SELECT `+bookingColumns+` FROM bookings
		WHERE status = ? AND payment_status = ? AND datetime(created_at) < datetime(?)
		ORDER BY id`,
		StatusPending, PaymentPending, cutoff.UTC())
}

// ListInProgressWithOfflineCleaner returns running jobs whose assigned
// cleaner has gone offline.
func (s *Store) ListInProgressWithOfflineCleaner(ctx context.Context) ([]*Booking, error) {
	return s.list(ctx, `
		SELECT `+prefixedBookingColumns("b")+` FROM bookings b
		JOIN employees e ON e.id = b.assigned_employee_id
		WHERE b.status = ? AND e.operational_status = ?
		ORDER BY b.id`,
		StatusInProgress, employee.StatusOffline)
}

// ListOrphaned returns jobs IN_PROGRESS since before the cutoff. They are
// surfaced for operators, never auto-terminated.
func (s *Store) ListOrphaned(ctx context.Context, cutoff time.Time) ([]*Booking, error) {
	return s.list(ctx, `
		SELECT `+bookingColumns+` FROM bookings
		WHERE status = ? AND actual_start_time IS NOT NULL AND datetime(actual_start_time) < datetime(?)
		ORDER BY id`,
		StatusInProgress, cutoff.UTC())
}

// blockingStatuses are booking states that occupy a cleaner's schedule.
// Cancelled and no-show jobs do not block.
const blockingStatuses = `('PENDING', 'PENDING_ASSIGNMENT', 'CONFIRMED', 'ASSIGNED', 'IN_PROGRESS', 'PAUSED', 'COMPLETED')`

// HasScheduleConflict reports whether the employee holds any blocking
// booking overlapping [start, start + durationHours), excluding the
// booking being allocated.
func (s *Store) HasScheduleConflict(ctx context.Context, employeeID string, start time.Time, durationHours float64, excludeBookingID int64) (bool, error) {
	end := start.Add(time.Duration(durationHours * float64(time.Hour)))

	var exists bool
	err := s.q.QueryRowContext(ctx, `
		SELECT EXISTS(
			SELECT 1 FROM bookings
			WHERE assigned_employee_id = ?
			  AND id != ?
			  AND status IN `+blockingStatuses+`
			  AND datetime(scheduled_date) < datetime(?)
			  AND datetime(scheduled_date, '+' || CAST(duration_hours * 60 AS INTEGER) || ' minutes') > datetime(?)
		)`,
		employeeID, excludeBookingID, end.UTC(), start.UTC()).Scan(&exists)
	if err != nil {
		return false, errors.Wrap(err, "check schedule conflict")
	}
	return exists, nil
}

// LastCompletionTimes returns, for every active cleaner in a region, the
// actual_end_time of their most recent COMPLETED job. Cleaners with no
// completed work map to the zero time, which queues them first.
func (s *Store) LastCompletionTimes(ctx context.Context, regionCode region.Code) (map[string]time.Time, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT e.id, MAX(b.actual_end_time)
		FROM employees e
		LEFT JOIN bookings b
			ON b.assigned_employee_id = e.id AND b.status = ?
		WHERE e.region_code = ? AND e.account_status = ?
		GROUP BY e.id`,
		StatusCompleted, string(regionCode), employee.AccountActive)
	if err != nil {
		return nil, errors.Wrap(err, "query last completion times")
	}
	defer rows.Close()

	out := make(map[string]time.Time)
	for rows.Next() {
		var id string
		var last interface{}
		if err := rows.Scan(&id, &last); err != nil {
			return nil, errors.Wrap(err, "scan last completion time")
		}
		// MAX() strips the column's declared type, so the driver hands
		// back raw text instead of time.Time.
		t, err := coerceTime(last)
		if err != nil {
			return nil, err
		}
		out[id] = t
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "iterate last completion times")
	}
	return out, nil
}

var sqliteTimeLayouts = []string{
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02T15:04:05.999999999-07:00",
	"2006-01-02 15:04:05",
	time.RFC3339Nano,
}

func coerceTime(v interface{}) (time.Time, error) {
	switch raw := v.(type) {
	case nil:
		return time.Time{}, nil
	case time.Time:
		return raw, nil
	case string:
		return parseSQLiteTime(raw)
	case []byte:
		return parseSQLiteTime(string(raw))
	}
	return time.Time{}, errors.Newf("unexpected time value %T", v)
}

func parseSQLiteTime(raw string) (time.Time, error) {
	for _, layout := range sqliteTimeLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return t, nil
		}
	}
	return time.Time{}, errors.Newf("unparseable time %q", raw)
}

// BookedHours sums the scheduled duration of non-cancelled jobs in a
// region on a date (YYYY-MM-DD). Feeds the utilization figure.
func (s *Store) BookedHours(ctx context.Context, regionCode region.Code, date string) (float64, error) {
	var hours float64
	err := s.q.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(duration_hours), 0)
		FROM bookings
		WHERE region_code = ? AND date(scheduled_date) = ? AND status NOT IN (?, ?)`,
		string(regionCode), date, StatusCancelled, StatusNoShow).Scan(&hours)
	if err != nil {
		return 0, errors.Wrap(err, "sum booked hours")
	}
	return hours, nil
}

// CountByStatus returns booking counts keyed by status. Feeds the
// dashboard stats snapshot.
func (s *Store) CountByStatus(ctx context.Context) (map[Status]int, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM bookings GROUP BY status`)
	if err != nil {
		return nil, errors.Wrap(err, "count bookings by status")
	}
	defer rows.Close()

	out := make(map[Status]int)
	for rows.Next() {
		var status Status
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, errors.Wrap(err, "scan status count")
		}
		out[status] = count
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "iterate status counts")
	}
	return out, nil
}

func prefixedBookingColumns(alias string) string {
	// bookingColumns with each column qualified by the table alias.
	cols := ""
	for i, col := range splitColumns() {
		if i > 0 {
			cols += ", "
		}
		cols += alias + "." + col
	}
	return cols
}

func splitColumns() []string {
	var out []string
	current := ""
	for _, r := range bookingColumns {
		switch r {
		case ',':
			out = append(out, current)
			current = ""
		case ' ', '\n', '\t':
		default:
			current += string(r)
		}
	}
	if current != "" {
		out = append(out, current)
	}
	return out
}
