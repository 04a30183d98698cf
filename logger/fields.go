package logger

import (
	"go.uber.org/zap"
)

// Standard field names for consistent structured logging across the service.
// Use these constants instead of raw strings to ensure consistency.
const (
	// Identity and context
	FieldBookingID  = "booking_id"
	FieldEmployeeID = "employee_id"
	FieldCustomerID = "customer_id"
	FieldActorID    = "actor_id"
	FieldRegion     = "region"

	// Components
	FieldComponent = "component"

	// Operations
	FieldOperation = "operation"

	// Timing
	FieldDurationMS = "duration_ms"

	// Errors
	FieldError = "error"

	// Counts
	FieldCount = "count"

	// Status
	FieldStatus = "status"
)

// ComponentLogger returns a named logger for a specific component.
// This is the preferred way to get a logger for dependency injection.
//
// Example:
//
//	type Engine struct {
//	    logger *zap.SugaredLogger
//	}
//
//	func NewEngine() *Engine {
//	    return &Engine{
//	        logger: logger.ComponentLogger("allocation.engine"),
//	    }
//	}
func ComponentLogger(name string) *zap.SugaredLogger {
	return Logger.Named(name)
}

// ChildLogger creates a child logger with additional context.
// Use for sub-operations that need extra context fields.
func ChildLogger(parent *zap.SugaredLogger, keysAndValues ...interface{}) *zap.SugaredLogger {
	return parent.With(keysAndValues...)
}
