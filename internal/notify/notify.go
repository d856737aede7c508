// Package notify raises desktop notifications when the agent needs a human.
package notify

import (
	"fmt"
	"os/exec"
	"runtime"
	"strings"

	"github.com/msageha/autopilot/internal/events"
	"github.com/msageha/autopilot/internal/logging"
	"github.com/msageha/autopilot/internal/model"
)

// Sender delivers one notification.
type Sender func(title, message string) error

// Send shows a desktop notification with osascript on macOS and notify-send elsewhere.
func Send(title, message string) error {
	var cmd *exec.Cmd
	if runtime.GOOS == "darwin" {
		script := fmt.Sprintf(
			`display notification "%s" with title "%s" sound name "default"`,
			escapeAppleScript(message), escapeAppleScript(title),
		)
		cmd = exec.Command("osascript", "-e", script)
	} else {
		cmd = exec.Command("notify-send", "--app-name=autopilot", title, message)
	}
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("%s: %w: %s", cmd.Path, err, strings.TrimSpace(string(out)))
	}
	return nil
}

func escapeAppleScript(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `"`, `\"`)
	return s
}

// Notifier turns approval-required events into notifications.
type Notifier struct {
	send   Sender
	logger *logging.Logger
}

func NewNotifier(send Sender, logger *logging.Logger) *Notifier {
	if send == nil {
		send = Send
	}
	if logger == nil {
		logger = logging.Discard()
	}
	return &Notifier{send: send, logger: logger}
}

// Attach subscribes to approval requests on bus and returns the unsubscribe func.
func (n *Notifier) Attach(bus *events.Bus) func() {
	return bus.Subscribe(events.EventApprovalRequired, n.Handle)
}

// Handle notifies for one event. Delivery failures are logged, not returned.
func (n *Notifier) Handle(e events.Event) {
	if e.Type != events.EventApprovalRequired {
		return
	}
	title, message := approvalMessage(e.Data)
	if err := n.send(title, message); err != nil {
		n.logger.Warnf("notification failed: %v", err)
	}
}

func approvalMessage(data map[string]any) (string, string) {
	actionType := "action"
	if a, ok := data["action"].(model.BusinessAction); ok && a.Type != "" {
		actionType = a.Type
	}
	title := fmt.Sprintf("autopilot: approval needed for %s", actionType)

	var parts []string
	if risk, ok := data["riskLevel"].(string); ok && risk != "" {
		parts = append(parts, "risk "+risk)
	}
	if approvals, ok := data["requiredApprovals"].([]string); ok && len(approvals) > 0 {
		parts = append(parts, "needs "+strings.Join(approvals, ", "))
	}
	if reason, ok := data["reason"].(string); ok && reason != "" {
		parts = append(parts, reason)
	}
	if id, ok := data["decisionId"].(string); ok && id != "" {
		parts = append(parts, "decision "+id)
	}
	if len(parts) == 0 {
		return title, "an action is waiting for approval"
	}
	return title, strings.Join(parts, " | ")
}
