package employee

import (
	"context"
	"database/sql"
	"time"

	"github.com/brighthome/dispatch/db"
	"github.com/brighthome/dispatch/errors"
	"github.com/brighthome/dispatch/region"
)

// Store persists employees. It is bound to a db.Querier so the state
// machine can run employee updates inside a booking transaction.
type Store struct {
	q db.Querier
}

// NewStore creates an employee store over a database handle.
func NewStore(q db.Querier) *Store {
	return &Store{q: q}
}

// WithTx returns a copy of the store bound to the given transaction.
func (s *Store) WithTx(tx *sql.Tx) *Store {
	return &Store{q: tx}
}

const employeeColumns = `id, employee_id, phone_number, full_name, region_code,
	account_status, operational_status, rating, completed_count, failed_count,
	cooldown_expires_at, created_at, updated_at`

type scannable interface {
	Scan(dest ...interface{}) error
}

func scanEmployee(row scannable) (*Employee, error) {
	var e Employee
	var regionCode string
	var cooldown sql.NullTime

	err := row.Scan(
		&e.ID,
		&e.EmployeeID,
		&e.PhoneNumber,
		&e.FullName,
		&regionCode,
		&e.AccountStatus,
		&e.OperationalStatus,
		&e.Rating,
		&e.CompletedCount,
		&e.FailedCount,
		&cooldown,
		&e.CreatedAt,
		&e.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	e.RegionCode = region.Code(regionCode)
	if cooldown.Valid {
		t := cooldown.Time
		e.CooldownExpiresAt = &t
	}
	return &e, nil
}

// Create inserts a new employee.
func (s *Store) Create(ctx context.Context, e *Employee) error {
	now := time.Now().UTC()
	e.CreatedAt = now
	e.UpdatedAt = now

	_, err := s.q.ExecContext(ctx, `
		INSERT INTO employees (id, employee_id, phone_number, full_name, region_code,
			account_status, operational_status, rating, completed_count, failed_count,
			cooldown_expires_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.EmployeeID, e.PhoneNumber, e.FullName, string(e.RegionCode),
		e.AccountStatus, e.OperationalStatus, e.Rating, e.CompletedCount, e.FailedCount,
		e.CooldownExpiresAt, e.CreatedAt, e.UpdatedAt,
	)
	if err != nil {
		return errors.Wrap(err, "insert employee")
	}
	return nil
}

// Get fetches an employee by primary key.
func (s *Store) Get(ctx context.Context, id string) (*Employee, error) {
	row := s.q.QueryRowContext(ctx,
		`SELECT `+employeeColumns+` FROM employees WHERE id = ?`, id)
	e, err := scanEmployee(row)
	if err == sql.ErrNoRows {
		return nil, errors.NewNotFoundError("employee %s", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, "get employee")
	}
	return e, nil
}

// GetByEmployeeID fetches an employee by the human-readable CLN id.
func (s *Store) GetByEmployeeID(ctx context.Context, employeeID string) (*Employee, error) {
	row := s.q.QueryRowContext(ctx,
		`SELECT `+employeeColumns+` FROM employees WHERE employee_id = ?`, employeeID)
	e, err := scanEmployee(row)
	if err == sql.ErrNoRows {
		return nil, errors.NewNotFoundError("employee %s", employeeID)
	}
	if err != nil {
		return nil, errors.Wrap(err, "get employee by employee_id")
	}
	return e, nil
}

func (s *Store) list(ctx context.Context, query string, args ...interface{}) ([]*Employee, error) {
	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "list employees")
	}
	defer rows.Close()

	var out []*Employee
	for rows.Next() {
		e, err := scanEmployee(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan employee")
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "iterate employees")
	}
	return out, nil
}

// ListActiveByRegion returns active employees in one region, ordered by
// employee_id for deterministic iteration.
func (s *Store) ListActiveByRegion(ctx context.Context, regionCode region.Code) ([]*Employee, error) {
	return s.list(ctx,
		`SELECT `+employeeColumns+` FROM employees
		 WHERE account_status = ? AND region_code = ?
		 ORDER BY employee_id`,
		AccountActive, string(regionCode))
}

// ListActive returns all active employees system-wide.
func (s *Store) ListActive(ctx context.Context) ([]*Employee, error) {
	return s.list(ctx,
		`SELECT `+employeeColumns+` FROM employees
		 WHERE account_status = ?
		 ORDER BY employee_id`,
		AccountActive)
}

// ListExpiredCooldowns returns cooling_down employees whose cooldown has
// lapsed as of now.
func (s *Store) ListExpiredCooldowns(ctx context.Context, now time.Time) ([]*Employee, error) {
	return s.list(ctx,
		`SELECT `+employeeColumns+` FROM employees
		 WHERE operational_status = ? AND cooldown_expires_at IS NOT NULL AND cooldown_expires_at < ?
		 ORDER BY employee_id`,
		StatusCoolingDown, now.UTC())
}

// SetOperationalStatus updates a cleaner's live status and cooldown expiry.
// Pass a nil cooldown to clear it.
func (s *Store) SetOperationalStatus(ctx context.Context, id string, status OperationalStatus, cooldownExpiresAt *time.Time) error {
	result, err := s.q.ExecContext(ctx, `
		UPDATE employees
		SET operational_status = ?, cooldown_expires_at = ?, updated_at = ?
		WHERE id = ?`,
		status, cooldownExpiresAt, time.Now().UTC(), id)
	if err != nil {
		return errors.Wrap(err, "update operational status")
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "rows affected")
	}
	if affected == 0 {
		return errors.NewNotFoundError("employee %s", id)
	}
	return nil
}

// IncrementCompleted bumps the completed-jobs counter.
func (s *Store) IncrementCompleted(ctx context.Context, id string) error {
	_, err := s.q.ExecContext(ctx, `
		UPDATE employees
		SET completed_count = completed_count + 1, updated_at = ?
		WHERE id = ?`,
		time.Now().UTC(), id)
	if err != nil {
		return errors.Wrap(err, "increment completed count")
	}
	return nil
}

// IncrementFailed bumps the failed-jobs counter.
func (s *Store) IncrementFailed(ctx context.Context, id string) error {
	_, err := s.q.ExecContext(ctx, `
		UPDATE employees
		SET failed_count = failed_count + 1, updated_at = ?
		WHERE id = ?`,
		time.Now().UTC(), id)
	if err != nil {
		return errors.Wrap(err, "increment failed count")
	}
	return nil
}

// ActiveCleanerCount counts active employees in a region. Feeds the
// pricing engine's utilization figure.
func (s *Store) ActiveCleanerCount(ctx context.Context, regionCode region.Code) (int, error) {
	var count int
	err := s.q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM employees WHERE account_status = ? AND region_code = ?`,
		AccountActive, string(regionCode)).Scan(&count)
	if err != nil {
		return 0, errors.Wrap(err, "count active cleaners")
	}
	return count, nil
}
