package engine

import (
	"fmt"

	"agentrelay/internal/domain"
)

// ensureTaskTransition validates a status move against the sub-task state
// machine. Terminal statuses accept no further transitions.
func ensureTaskTransition(oldStatus, newStatus domain.Status) error {
	switch oldStatus {
	case domain.StatusPending:
		if newStatus == domain.StatusProcessing || newStatus == domain.StatusReviewPending {
			return nil
		}
	case domain.StatusProcessing:
		if newStatus == domain.StatusReviewPending || newStatus == domain.StatusCompleted || newStatus == domain.StatusFailed {
			return nil
		}
	case domain.StatusReviewPending:
		if newStatus == domain.StatusCompleted || newStatus == domain.StatusReassigning {
			return nil
		}
	case domain.StatusReassigning:
		if newStatus == domain.StatusProcessing || newStatus == domain.StatusReviewPending {
			return nil
		}
	}
	return fmt.Errorf("invalid task status transition %s -> %s", oldStatus, newStatus)
}
