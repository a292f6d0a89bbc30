package tracker

import (
	"sync"

	"github.com/google/uuid"
)

// Store maps registered identities to their live connections.
type Store struct {
	mu    sync.Mutex
	peers map[string]*peer
}

func NewStore() *Store {
	return &Store{
		peers: make(map[string]*peer),
	}
}

// Register grants preferred to p when it is free, otherwise a fresh uuid.
func (s *Store) Register(preferred string, p *peer) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := preferred
	for {
		if _, taken := s.peers[id]; id != "" && !taken {
			break
		}
		id = uuid.NewString()
	}
	s.peers[id] = p
	return id
}

// Unregister removes id only while it still belongs to p.
func (s *Store) Unregister(id string, p *peer) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.peers[id] != p {
		return false
	}
	delete(s.peers, id)
	return true
}

func (s *Store) Lookup(id string) (*peer, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.peers[id]
	return p, ok
}

func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.peers)
}

func (s *Store) all() []*peer {
	s.mu.Lock()
	defer s.mu.Unlock()

	peers := make([]*peer, 0, len(s.peers))
	for _, p := range s.peers {
		peers = append(peers, p)
	}
	return peers
}
