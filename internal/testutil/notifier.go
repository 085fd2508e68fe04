//go:build integration

package testutil

import (
	"context"
	"sync"

	domainagent "github.com/reverie/coord/internal/domain/agent"
)

// NotifyCall records a single notification delivered by CaptureNotifier.
type NotifyCall struct {
	AgentKey domainagent.Key
	Payload  any
}

// CaptureNotifier is a test double for port/notifier.AgentNotifier. It
// records every call with a mutex so it is safe for concurrent use.
type CaptureNotifier struct {
	mu    sync.Mutex
	calls []NotifyCall
}

func (n *CaptureNotifier) NotifyAgent(_ context.Context, key domainagent.Key, payload any) error {
	n.mu.Lock()
	n.calls = append(n.calls, NotifyCall{AgentKey: key, Payload: payload})
	n.mu.Unlock()
	return nil
}

// Calls returns a copy of the recorded notifications.
func (n *CaptureNotifier) Calls() []NotifyCall {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]NotifyCall, len(n.calls))
	copy(out, n.calls)
	return out
}
