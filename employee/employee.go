// Package employee holds the cleaner model, its persistence, and the
// generator for human-readable employee ids.
package employee

import (
	"time"

	"github.com/brighthome/dispatch/region"
)

// AccountStatus is the administrative standing of a cleaner.
// Deletion is soft: terminated cleaners stay on file.
type AccountStatus string

const (
	AccountActive     AccountStatus = "active"
	AccountSuspended  AccountStatus = "suspended"
	AccountTerminated AccountStatus = "terminated"
)

// OperationalStatus is the live dispatch state of a cleaner. Only the
// state machine and the cooldown-release loop mutate it.
type OperationalStatus string

const (
	StatusAvailable   OperationalStatus = "available"
	StatusBusy        OperationalStatus = "busy"
	StatusCoolingDown OperationalStatus = "cooling_down"
	StatusOffline     OperationalStatus = "offline"
)

// Employee is one cleaner.
type Employee struct {
	ID                string
	EmployeeID        string
	PhoneNumber       string
	FullName          string
	RegionCode        region.Code
	AccountStatus     AccountStatus
	OperationalStatus OperationalStatus
	Rating            float64
	CompletedCount    int
	FailedCount       int
	CooldownExpiresAt *time.Time
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// Assignable reports whether the cleaner can receive new work.
func (e *Employee) Assignable() bool {
	return e.AccountStatus == AccountActive && e.OperationalStatus == StatusAvailable
}
