package domain

import "testing"

func TestStatusIsTerminal(t *testing.T) {
	tests := []struct {
		status Status
		want   bool
	}{
		{StatusReadyToDeploy, false},
		{StatusDeploying, false},
		{StatusJoiningCall, false},
		{StatusInWaitingRoom, false},
		{StatusInCall, false},
		{StatusLeaving, false},
		{StatusDone, true},
		{StatusFatal, true},
		{StatusQueued, false},
	}
	for _, tt := range tests {
		if got := tt.status.IsTerminal(); got != tt.want {
			t.Errorf("Status(%s).IsTerminal() = %v, want %v", tt.status, got, tt.want)
		}
	}
}

// TestBotCanTransitionTo_TerminalAbsorbing covers the absorbing-terminal
// invariant: once a bot is DONE or FATAL, no later status write is
// accepted, including a same-status idempotent report.
func TestBotCanTransitionTo_TerminalAbsorbing(t *testing.T) {
	for _, terminal := range []Status{StatusDone, StatusFatal} {
		bot := &Bot{Status: terminal}
		for _, next := range []Status{StatusReadyToDeploy, StatusDeploying, StatusInCall, StatusDone, StatusFatal} {
			if bot.CanTransitionTo(next) {
				t.Errorf("bot in terminal status %s should not transition to %s", terminal, next)
			}
		}
	}
}

func TestBotCanTransitionTo_NonTerminalAllowsAnyNext(t *testing.T) {
	bot := &Bot{Status: StatusInCall}
	for _, next := range []Status{StatusLeaving, StatusDone, StatusFatal, StatusInCall} {
		if !bot.CanTransitionTo(next) {
			t.Errorf("bot in non-terminal status %s should transition to %s", bot.Status, next)
		}
	}
}
