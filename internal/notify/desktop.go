package notify

import (
	"os/exec"
	"runtime"
	"strings"
)

// DesktopNotifier raises local desktop notifications for failures and
// completed runs
type DesktopNotifier struct {
	enabled bool
	minType NotificationType
}

// NewDesktopNotifier creates a desktop notifier that ignores notifications
// below minType
func NewDesktopNotifier(enabled bool, minType NotificationType) *DesktopNotifier {
	return &DesktopNotifier{enabled: enabled, minType: minType}
}

// Send sends a desktop notification
func (d *DesktopNotifier) Send(n Notification) error {
	if !d.enabled || n.Type < d.minType {
		return nil
	}

	title := n.Title
	if s := n.Subject(); s != "" {
		title += " (" + s + ")"
	}

	switch runtime.GOOS {
	case "darwin":
		script := `display notification "` + appleEscape(n.Message) + `" with title "` + appleEscape(title) + `"`
		return exec.Command("osascript", "-e", script).Run()
	case "linux":
		return exec.Command("notify-send", "--icon", IconForType(n.Type), "--urgency", urgency(n.Type), title, n.Message).Run()
	default:
		return nil // Unsupported
	}
}

func appleEscape(s string) string {
	return strings.NewReplacer(`\`, `\\`, `"`, `\"`).Replace(s)
}

func urgency(t NotificationType) string {
	if t == NotifyError {
		return "critical"
	}
	return "normal"
}

// IconForType returns an icon name for the notification type
func IconForType(t NotificationType) string {
	switch t {
	case NotifySuccess:
		return "dialog-positive"
	case NotifyWarning:
		return "dialog-warning"
	case NotifyError:
		return "dialog-error"
	default:
		return "dialog-information"
	}
}
