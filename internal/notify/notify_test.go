package notify

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msageha/autopilot/internal/events"
	"github.com/msageha/autopilot/internal/model"
)

func TestEscapeAppleScript(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"hello", "hello"},
		{`say "hello"`, `say \"hello\"`},
		{`path\to\file`, `path\\to\\file`},
		{`"quote" and \backslash`, `\"quote\" and \\backslash`},
		{"", ""},
	}
	for _, tt := range tests {
		got := escapeAppleScript(tt.input)
		if got != tt.want {
			t.Errorf("escapeAppleScript(%q) = %q, want %q", tt.input, got, tt.want)
		}
	}
}

func TestApprovalMessage(t *testing.T) {
	title, msg := approvalMessage(map[string]any{
		"action":            model.BusinessAction{Type: "export-profile"},
		"riskLevel":         "medium",
		"requiredApprovals": []string{"dpo-approval"},
		"reason":            "compliance check failed",
		"decisionId":        "dec_1",
	})
	assert.Equal(t, "autopilot: approval needed for export-profile", title)
	assert.Equal(t, "risk medium | needs dpo-approval | compliance check failed | decision dec_1", msg)

	title, msg = approvalMessage(nil)
	assert.Equal(t, "autopilot: approval needed for action", title)
	assert.Equal(t, "an action is waiting for approval", msg)
}

type capture struct {
	mu     sync.Mutex
	titles []string
}

func (c *capture) send(title, _ string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.titles = append(c.titles, title)
	return nil
}

func (c *capture) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.titles)
}

func TestNotifier_AttachDeliversApprovalsOnly(t *testing.T) {
	bus := events.NewBus(10)
	defer bus.Close()
	c := &capture{}
	n := NewNotifier(c.send, nil)
	unsubscribe := n.Attach(bus)
	defer unsubscribe()

	bus.Publish(events.EventActionExecuted, map[string]any{"agentId": "a"})
	bus.Publish(events.EventApprovalRequired, map[string]any{"action": model.BusinessAction{Type: "delete-user"}})

	require.Eventually(t, func() bool { return c.count() == 1 }, time.Second, 10*time.Millisecond)
	c.mu.Lock()
	assert.Equal(t, "autopilot: approval needed for delete-user", c.titles[0])
	c.mu.Unlock()
}

func TestNotifier_SendFailureIsSwallowed(t *testing.T) {
	n := NewNotifier(func(string, string) error { return errors.New("no display") }, nil)
	assert.NotPanics(t, func() {
		n.Handle(events.Event{Type: events.EventApprovalRequired})
	})
}
