// Package memory provides mutex-guarded in-process implementations of every
// store port. They back unit tests and the MEMORY_STORE=1 embedded mode; the
// postgres adapters are the production implementations.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	domainagent "github.com/reverie/coord/internal/domain/agent"
)

type AgentStore struct {
	mu     sync.RWMutex
	agents map[domainagent.Key]domainagent.Record
}

func NewAgentStore() *AgentStore {
	return &AgentStore{agents: make(map[domainagent.Key]domainagent.Record)}
}

func (s *AgentStore) Upsert(_ context.Context, rec domainagent.Record) (domainagent.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.agents[rec.Key]; ok {
		// Re-registration: capabilities are replaced, registration time is
		// preserved, and the newest heartbeat always wins.
		rec.RegisteredAt = existing.RegisteredAt
		if existing.LastHeartbeatAt.After(rec.LastHeartbeatAt) {
			rec.LastHeartbeatAt = existing.LastHeartbeatAt
		}
	}
	s.agents[rec.Key] = rec
	return rec, nil
}

func (s *AgentStore) Get(_ context.Context, key domainagent.Key) (domainagent.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.agents[key]
	if !ok {
		return domainagent.Record{}, fmt.Errorf("get agent %s: %w", key, domainagent.ErrUnknownAgent)
	}
	return rec, nil
}

func (s *AgentStore) Heartbeat(_ context.Context, key domainagent.Key, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.agents[key]
	if !ok {
		return fmt.Errorf("heartbeat for %s: %w", key, domainagent.ErrUnknownAgent)
	}
	if at.After(rec.LastHeartbeatAt) {
		rec.LastHeartbeatAt = at
		s.agents[key] = rec
	}
	return nil
}

func (s *AgentStore) List(_ context.Context) ([]domainagent.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domainagent.Record, 0, len(s.agents))
	for _, rec := range s.agents {
		out = append(out, rec)
	}
	return out, nil
}

func (s *AgentStore) ListByCapability(_ context.Context, capability string) ([]domainagent.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []domainagent.Record
	for _, rec := range s.agents {
		if rec.HasCapability(capability) {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (s *AgentStore) Delete(_ context.Context, key domainagent.Key) error {
	s.mu.Lock()
	delete(s.agents, key)
	s.mu.Unlock()
	return nil
}
