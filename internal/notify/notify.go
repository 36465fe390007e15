package notify

import (
	"fmt"

	"github.com/hochfrequenz/claude-research-orchestrator/internal/domain"
)

// NotificationType represents the type of notification
type NotificationType int

const (
	NotifyInfo NotificationType = iota
	NotifySuccess
	NotifyWarning
	NotifyError
)

// Notification represents a notification to be sent
type Notification struct {
	Title   string
	Message string
	Type    NotificationType
	BatchID string // Optional batch reference

	// Batch counts, zero when the notification is not batch-related
	Total     int
	Succeeded int
	Failed    int
}

// Notifier is the interface for sending notifications
type Notifier interface {
	Send(n Notification) error
}

// MultiNotifier sends to multiple notifiers
type MultiNotifier struct {
	notifiers []Notifier
}

// NewMultiNotifier creates a notifier that sends to all provided notifiers
func NewMultiNotifier(notifiers ...Notifier) *MultiNotifier {
	return &MultiNotifier{notifiers: notifiers}
}

// Send sends the notification to all notifiers
func (m *MultiNotifier) Send(n Notification) error {
	var lastErr error
	for _, notifier := range m.notifiers {
		if err := notifier.Send(n); err != nil {
			lastErr = err
		}
	}
	return lastErr
}

// NoopNotifier does nothing (for testing or disabled notifications)
type NoopNotifier struct{}

func (NoopNotifier) Send(n Notification) error { return nil }

// FromBatch builds a notification summarizing a finished batch
func FromBatch(outcome *domain.BatchOutcome) Notification {
	n := Notification{
		BatchID:   outcome.ID,
		Total:     outcome.Summary.Total,
		Succeeded: outcome.Summary.Succeeded,
		Failed:    outcome.Summary.Failed,
		Message: fmt.Sprintf("%d/%d queries succeeded (%d failed) in %.0fs",
			outcome.Summary.Succeeded,
			outcome.Summary.Total,
			outcome.Summary.Failed,
			outcome.Summary.ElapsedSeconds),
	}

	switch {
	case !outcome.OK:
		n.Title = "Research batch failed"
		n.Type = NotifyError
	case outcome.PartialFailure:
		n.Title = "Research batch finished with failures"
		n.Type = NotifyWarning
	default:
		n.Title = "Research batch finished"
		n.Type = NotifySuccess
	}

	return n
}
