package realtime

import "time"

// FailureReason classifies why a message landed in the dead-letter queue.
type FailureReason string

const (
	FailureUnroutable     FailureReason = "unroutable"
	FailureValidation     FailureReason = "validation"
	FailureTransformation FailureReason = "transformation"
	FailureTimeout        FailureReason = "timeout"
	FailureHandler        FailureReason = "handler"
)

// DeadLetter is a message held for manual retry or inspection after it
// failed routing or had no enabled route.
type DeadLetter struct {
	Message       *Message      `json:"message"`
	Reason        FailureReason `json:"reason"`
	LastError     string        `json:"last_error,omitempty"`
	Attempts      int           `json:"attempts"`
	FirstFailedAt time.Time     `json:"first_failed_at"`
	LastAttemptAt time.Time     `json:"last_attempt_at"`
}

func newDeadLetter(msg *Message, reason FailureReason, err error) *DeadLetter {
	now := time.Now()
	dl := &DeadLetter{
		Message:       msg,
		Reason:        reason,
		Attempts:      1,
		FirstFailedAt: now,
		LastAttemptAt: now,
	}
	if err != nil {
		dl.LastError = err.Error()
	}
	return dl
}
