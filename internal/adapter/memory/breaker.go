package memory

import (
	"context"
	"sync"

	domainagent "github.com/reverie/coord/internal/domain/agent"
	domainbreaker "github.com/reverie/coord/internal/domain/breaker"
)

type BreakerStore struct {
	mu       sync.Mutex
	breakers map[domainbreaker.Key]domainbreaker.Record
}

func NewBreakerStore() *BreakerStore {
	return &BreakerStore{breakers: make(map[domainbreaker.Key]domainbreaker.Record)}
}

func (s *BreakerStore) Get(_ context.Context, key domainbreaker.Key) (domainbreaker.Record, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.breakers[key]
	return rec, ok, nil
}

func (s *BreakerStore) Put(_ context.Context, rec domainbreaker.Record) error {
	s.mu.Lock()
	s.breakers[rec.Key] = rec
	s.mu.Unlock()
	return nil
}

func (s *BreakerStore) AcquireTrial(_ context.Context, key domainbreaker.Key) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.breakers[key]
	if !ok || rec.State != domainbreaker.StateHalfOpen || rec.TrialInFlight {
		return false, nil
	}
	rec.TrialInFlight = true
	s.breakers[key] = rec
	return true, nil
}

func (s *BreakerStore) ReleaseTrial(_ context.Context, key domainbreaker.Key) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.breakers[key]
	if !ok {
		return nil
	}
	rec.TrialInFlight = false
	s.breakers[key] = rec
	return nil
}

func (s *BreakerStore) DeleteByAgent(_ context.Context, key domainagent.Key) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for k := range s.breakers {
		if k.Agent == key {
			delete(s.breakers, k)
		}
	}
	return nil
}

func (s *BreakerStore) CountOpenByClass(_ context.Context) (map[string]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	counts := make(map[string]int)
	for _, rec := range s.breakers {
		if rec.State == domainbreaker.StateOpen {
			counts[rec.Key.Class]++
		}
	}
	return counts, nil
}
