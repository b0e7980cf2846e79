package idempotency

import (
	"sync"
	"time"
)

// Response is a cached HTTP response replayed on duplicate requests.
type Response struct {
	StatusCode int
	Body       []byte
	Headers    map[string][]string
}

// Store caches responses by idempotency key so a retried mutating request
// does not queue a second command.
type Store struct {
	cache sync.Map
	ttl   time.Duration
}

type entry struct {
	resp      Response
	timestamp time.Time
}

func NewStore(ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Store{ttl: ttl}
}

func (s *Store) Get(key string) (Response, bool) {
	val, ok := s.cache.Load(key)
	if !ok {
		return Response{}, false
	}
	e := val.(entry)
	if time.Since(e.timestamp) > s.ttl {
		s.cache.Delete(key)
		return Response{}, false
	}
	return e.resp, true
}

func (s *Store) Set(key string, resp Response) {
	s.cache.Store(key, entry{
		resp:      resp,
		timestamp: time.Now(),
	})
}
