// Package notify delivers workflow events to people.
package notify

import "fmt"

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
	Title    string
	Message  string
	Type     NotificationType
	RunID    string
	Phase    string
	Agent    string // agent that produced the event, "ops" for orchestrator messages
	WorkItem string // issue number the run works on
	PRURL    string
}

// Subject is the short run/phase reference of a notification
func (n Notification) Subject() string {
	switch {
	case n.RunID != "" && n.Phase != "":
		return fmt.Sprintf("%s %s", n.RunID, n.Phase)
	case n.RunID != "":
		return n.RunID
	}
	return n.Phase
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
