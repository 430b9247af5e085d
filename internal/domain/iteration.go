package domain

import "fmt"

const (
	IterationPending   = "pending"
	IterationRunning   = "running"
	IterationDelivered = "delivered"
	IterationValidated = "validated"
	IterationRejected  = "rejected"
)

// CheckIterationTransition enforces the monotonic iteration lifecycle; force
// bypasses it.
func CheckIterationTransition(oldStatus, newStatus string, force bool) error {
	if force {
		return nil
	}
	switch oldStatus {
	case IterationPending:
		if newStatus == IterationRunning {
			return nil
		}
	case IterationRunning:
		if newStatus == IterationDelivered || newStatus == IterationRejected {
			return nil
		}
	case IterationDelivered:
		if newStatus == IterationValidated || newStatus == IterationRejected {
			return nil
		}
	}
	return fmt.Errorf("invalid iteration transition %s -> %s", oldStatus, newStatus)
}
