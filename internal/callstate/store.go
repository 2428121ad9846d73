package callstate

import (
	"errors"
	"log/slog"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// ErrExpired is returned when a call's state is no longer in the store.
var ErrExpired = errors.New("call state expired")

// Store maps call keys to their State. Entries expire after the store TTL
// even if the owning bridge never removes them.
type Store struct {
	cache *expirable.LRU[string, *State]
	ttl   time.Duration
}

// NewStore creates a store holding at most size calls (0 means unbounded).
func NewStore(size int, ttl time.Duration, log *slog.Logger) *Store {
	onEvict := func(key string, st *State) {
		if log != nil {
			log.Debug("call state evicted", slog.String("call_key", key), slog.String("call_sid", st.CallSID))
		}
	}
	return &Store{
		cache: expirable.NewLRU[string, *State](size, onEvict, ttl),
		ttl:   ttl,
	}
}

// Put stores st by reference; later mutations through the pointer are
// visible to every Get.
func (s *Store) Put(key string, st *State) {
	s.cache.Add(key, st)
}

func (s *Store) Get(key string) (*State, bool) {
	return s.cache.Get(key)
}

// Lookup is Get with ErrExpired for absent keys.
func (s *Store) Lookup(key string) (*State, error) {
	st, ok := s.cache.Get(key)
	if !ok {
		return nil, ErrExpired
	}
	return st, nil
}

func (s *Store) Delete(key string) {
	s.cache.Remove(key)
}

func (s *Store) Len() int {
	return s.cache.Len()
}

func (s *Store) TTL() time.Duration {
	return s.ttl
}
