package signal

import (
	"sort"
	"sync"

	"coinpulse/internal/domain"
)

// Store keeps the latest signal per coin and hands out per-coin sequence
// numbers. A signal only replaces one with a lower sequence.
type Store struct {
	mu      sync.RWMutex
	signals map[string]domain.Signal
	next    map[string]uint64
}

func NewStore() *Store {
	return &Store{
		signals: make(map[string]domain.Signal),
		next:    make(map[string]uint64),
	}
}

// Reserve returns the next sequence number for coinID.
func (s *Store) Reserve(coinID string) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.next[coinID]++
	return s.next[coinID]
}

// Apply stores sig unless a signal with an equal or higher sequence is
// already held. It returns the signal now stored and whether sig won.
func (s *Store) Apply(sig domain.Signal) (domain.Signal, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.signals[sig.CoinID]; ok && cur.Sequence >= sig.Sequence {
		return cur, false
	}
	s.signals[sig.CoinID] = sig
	if s.next[sig.CoinID] < sig.Sequence {
		s.next[sig.CoinID] = sig.Sequence
	}
	return sig, true
}

// Restore seeds a persisted signal. Newer in-memory signals are kept.
func (s *Store) Restore(sig domain.Signal) bool {
	_, applied := s.Apply(sig)
	return applied
}

func (s *Store) Get(coinID string) (domain.Signal, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sig, ok := s.signals[coinID]
	return sig, ok
}

// List returns all signals ordered by coin id.
func (s *Store) List() []domain.Signal {
	s.mu.RLock()
	out := make([]domain.Signal, 0, len(s.signals))
	for _, sig := range s.signals {
		out = append(out, sig)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].CoinID < out[j].CoinID })
	return out
}
