package notifier

import (
	"context"

	domainagent "github.com/reverie/coord/internal/domain/agent"
)

// AgentNotifier pushes an event to a connected agent session, if any.
// A disconnected agent is a no-op, not an error: the agent learns about a
// reclaimed reservation the hard way, via ReservationMismatch on its next
// outcome report.
type AgentNotifier interface {
	NotifyAgent(ctx context.Context, key domainagent.Key, payload any) error
}
