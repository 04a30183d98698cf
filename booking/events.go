package booking

import (
	"time"

	"github.com/brighthome/dispatch/bus"
)

// eventForTransition maps a committed transition to its bus event type.
// Resuming from PAUSED is distinguished from the initial start.
func eventForTransition(from, to Status) (bus.EventType, bool) {
	switch to {
	case StatusAssigned:
		return bus.JobAssigned, true
	case StatusInProgress:
		if from == StatusPaused {
			return bus.JobResumed, true
		}
		return bus.JobStarted, true
	case StatusPaused:
		return bus.JobPaused, true
	case StatusCompleted:
		return bus.JobCompleted, true
	case StatusCancelled:
		return bus.JobCancelled, true
	case StatusFailed:
		return bus.JobFailed, true
	}
	return "", false
}

// eventPayload builds the wire payload for a lifecycle event.
func eventPayload(b *Booking, previous Status, actor Actor) map[string]interface{} {
	payload := map[string]interface{}{
		"job_id":          b.ID,
		"booking_number":  b.BookingNumber,
		"status":          string(b.Status),
		"previous_status": string(previous),
		"customer_id":     b.CustomerID,
		"actor_type":      string(actor.Type),
		"actor_id":        actor.ID,
		"timestamp":       time.Now().UTC().Format(time.RFC3339),
	}
	if b.AssignedEmployeeID != nil {
		payload["cleaner_id"] = *b.AssignedEmployeeID
	}
	if b.ScheduledDate != (time.Time{}) {
		payload["scheduled_date"] = b.ScheduledDate.UTC().Format(time.RFC3339)
	}
	return payload
}
