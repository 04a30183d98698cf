package employee

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"time"

	"github.com/brighthome/dispatch/errors"
	"github.com/brighthome/dispatch/region"
)

// Employee ids look like CLN-DXB-2608-00042: region code, year-month of
// hire, and a per-(region, month) sequence number.
var employeeIDPattern = regexp.MustCompile(`^CLN-([A-Z]{3})-(\d{4})-(\d{5})$`)

// IDGenerator hands out the next employee id for a region. The counter
// row is incremented inside its own transaction; SQLite serialises the
// writers, so two concurrent hires never share a sequence number.
type IDGenerator struct {
	db *sql.DB
}

// NewIDGenerator creates a generator over the database handle.
func NewIDGenerator(database *sql.DB) *IDGenerator {
	return &IDGenerator{db: database}
}

// Next returns the next employee id for a region at the given hire time.
func (g *IDGenerator) Next(ctx context.Context, regionCode region.Code, hiredAt time.Time) (string, error) {
	if !region.Valid(regionCode) {
		return "", errors.NewBadRequestError("unknown region code %q", regionCode)
	}

	yearMonth := hiredAt.UTC().Format("0601")

	tx, err := g.db.BeginTx(ctx, nil)
	if err != nil {
		return "", errors.Wrap(err, "begin sequence tx")
	}
	defer tx.Rollback()

	var sequence int
	err = tx.QueryRowContext(ctx, `
		INSERT INTO employee_id_sequences (region_code, year_month, sequence)
		VALUES (?, ?, 1)
		ON CONFLICT (region_code, year_month) DO UPDATE SET sequence = sequence + 1
		RETURNING sequence`,
		string(regionCode), yearMonth).Scan(&sequence)
	if err != nil {
		return "", errors.Wrap(err, "increment employee id sequence")
	}

	if err := tx.Commit(); err != nil {
		return "", errors.Wrap(err, "commit sequence tx")
	}

	return fmt.Sprintf("CLN-%s-%s-%05d", regionCode, yearMonth, sequence), nil
}

// ParseEmployeeID splits an employee id into its region and year-month
// parts. Returns false when the id does not match the format.
func ParseEmployeeID(id string) (region.Code, string, bool) {
	m := employeeIDPattern.FindStringSubmatch(id)
	if m == nil {
		return "", "", false
	}
	code := region.Code(m[1])
	if !region.Valid(code) {
		return "", "", false
	}
	return code, m[2], true
}

// ValidateEmployeeID reports whether id is well-formed.
func ValidateEmployeeID(id string) bool {
	_, _, ok := ParseEmployeeID(id)
	return ok
}
