package notify

import (
	"context"
	"fmt"
	"time"
)

// Commenter posts a comment on a work item
type Commenter interface {
	Comment(ctx context.Context, workItem, body string) error
}

// IssueNotifier mirrors run progress as comments on the run's work item
type IssueNotifier struct {
	commenter Commenter
	timeout   time.Duration
}

// NewIssueNotifier creates a notifier commenting through c
func NewIssueNotifier(c Commenter) *IssueNotifier {
	return &IssueNotifier{commenter: c, timeout: 30 * time.Second}
}

// FormatComment renders the comment body, "<runID>_<agent>: <message>"
func FormatComment(n Notification) string {
	agent := n.Agent
	if agent == "" {
		agent = "ops"
	}
	msg := n.Message
	if n.Title != "" {
		msg = n.Title + "\n\n" + n.Message
	}
	return fmt.Sprintf("%s_%s: %s", n.RunID, agent, msg)
}

// Send comments on n.WorkItem; notifications without a work item are dropped
func (i *IssueNotifier) Send(n Notification) error {
	if n.WorkItem == "" || n.RunID == "" {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), i.timeout)
	defer cancel()
	return i.commenter.Comment(ctx, n.WorkItem, FormatComment(n))
}
