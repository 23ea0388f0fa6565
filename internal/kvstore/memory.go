package kvstore

import "sync"

// MemoryStore is an in-memory Store. Useful for tests and for simulating
// storage failures via FailWrites/FailReads.
type MemoryStore struct {
	mu         sync.RWMutex
	values     map[string]string
	failReads  error
	failWrites error
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{values: make(map[string]string)}
}

// FailReads makes all subsequent reads return err. Pass nil to heal.
func (s *MemoryStore) FailReads(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failReads = err
}

// FailWrites makes all subsequent writes return err. Pass nil to heal.
func (s *MemoryStore) FailWrites(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failWrites = err
}

func (s *MemoryStore) Get(key string) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.failReads != nil {
		return "", false, s.failReads
	}
	v, ok := s.values[key]
	return v, ok, nil
}

func (s *MemoryStore) Set(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWrites != nil {
		return s.failWrites
	}
	s.values[key] = value
	return nil
}

func (s *MemoryStore) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWrites != nil {
		return s.failWrites
	}
	delete(s.values, key)
	return nil
}

func (s *MemoryStore) Keys() ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.failReads != nil {
		return nil, s.failReads
	}
	keys := make([]string, 0, len(s.values))
	for k := range s.values {
		keys = append(keys, k)
	}
	return keys, nil
}

func (s *MemoryStore) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWrites != nil {
		return s.failWrites
	}
	s.values = make(map[string]string)
	return nil
}

func (s *MemoryStore) Size() (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var total int64
	for k, v := range s.values {
		total += int64(len(k) + len(v))
	}
	return total, nil
}
