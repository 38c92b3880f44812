package artifact

import (
	"errors"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"
)

// ErrNotFound is returned when no artifact is held for a user.
var ErrNotFound = errors.New("artifact not found")

// DefaultCacheSize bounds how many users' artifacts are held at once.
const DefaultCacheSize = 1024

// Store holds at most one artifact per user. A newer artifact replaces the
// previous one; fetching does not remove it. When more users than the cache
// size hold artifacts, the least recently used entry is dropped.
type Store struct {
	cache *lru.Cache[string, *Artifact]
}

// NewStore creates a Store bounded to size users.
func NewStore(size int) (*Store, error) {
	if size <= 0 {
		size = DefaultCacheSize
	}
	cache, err := lru.New[string, *Artifact](size)
	if err != nil {
		return nil, fmt.Errorf("artifact cache init: %w", err)
	}
	return &Store{cache: cache}, nil
}

// Put stores art under userID, overwriting any earlier artifact.
func (s *Store) Put(userID string, art *Artifact) {
	s.cache.Add(userID, art)
}

// Get returns the user's artifact or ErrNotFound.
func (s *Store) Get(userID string) (*Artifact, error) {
	art, ok := s.cache.Get(userID)
	if !ok {
		return nil, ErrNotFound
	}
	return art, nil
}

// Delete drops the user's artifact.
func (s *Store) Delete(userID string) {
	s.cache.Remove(userID)
}

// Len returns the number of held artifacts.
func (s *Store) Len() int {
	return s.cache.Len()
}
