package jobstore

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemStore is an in-process Store for tests and dry runs.
type MemStore struct {
	mu        sync.Mutex
	Now       func() time.Time
	records   map[string]Record
	outcomes  map[string]Outcome
	contracts map[string]Contract
	markers   map[string]Marker
	logs      map[string][]byte
	logMod    map[string]time.Time
	metaMod   map[string]time.Time
	rotated   map[string][]rotation
}

type rotation struct {
	n       int
	log     []byte
	outcome *Outcome
}

func NewMemStore() *MemStore {
	return &MemStore{
		Now:       time.Now,
		records:   map[string]Record{},
		outcomes:  map[string]Outcome{},
		contracts: map[string]Contract{},
		markers:   map[string]Marker{},
		logs:      map[string][]byte{},
		logMod:    map[string]time.Time{},
		metaMod:   map[string]time.Time{},
		rotated:   map[string][]rotation{},
	}
}

func (s *MemStore) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s *MemStore) Get(id string) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[id]
	if !ok {
		return nil, fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	return &r, nil
}

func (s *MemStore) Put(r *Record) error {
	if err := ValidateID(r.ID); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.putLocked(r)
	return nil
}

func (s *MemStore) putLocked(r *Record) {
	now := s.now()
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	r.UpdatedAt = now
	s.records[r.ID] = *r
	s.metaMod[r.ID] = now
}

func (s *MemStore) Update(id string, fn func(*Record) error) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.records[id]
	if !ok {
		return nil, fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	if err := fn(&cur); err != nil {
		return nil, err
	}
	s.putLocked(&cur)
	return &cur, nil
}

func (s *MemStore) List() ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.records))
	for id := range s.records {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *MemStore) Outcome(id string) (*Outcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.outcomes[id]
	if !ok {
		return nil, nil
	}
	return &o, nil
}

func (s *MemStore) PutOutcome(id string, o *Outcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outcomes[id] = *o
	return nil
}

func (s *MemStore) Contract(id string) (*Contract, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.contracts[id]
	if !ok {
		return nil, nil
	}
	return &c, nil
}

func (s *MemStore) PutContract(id string, c *Contract) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.contracts[id] = *c
	return nil
}

func (s *MemStore) Marker(id string) (*Marker, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.markers[id]
	if !ok {
		return nil, nil
	}
	return &m, nil
}

func (s *MemStore) PutMarker(id string, m *Marker) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.markers[id] = *m
	return nil
}

// AppendLog appends to the job's current log, creating it if needed.
func (s *MemStore) AppendLog(id string, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logs[id] = append(s.logs[id], data...)
	s.logMod[id] = s.now()
}

// SetLogModTime overrides the current log's modification time.
func (s *MemStore) SetLogModTime(id string, t time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logMod[id] = t
}

// RotatedLog returns the content of rotated log n.
func (s *MemStore) RotatedLog(id string, n int) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.rotated[id] {
		if r.n == n && r.log != nil {
			return r.log, true
		}
	}
	return nil, false
}

// RotatedOutcome returns rotated outcome n.
func (s *MemStore) RotatedOutcome(id string, n int) (*Outcome, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.rotated[id] {
		if r.n == n && r.outcome != nil {
			o := *r.outcome
			return &o, true
		}
	}
	return nil, false
}

func (s *MemStore) LogStats(id string) (LogStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.logs[id]
	if !ok {
		return LogStats{}, nil
	}
	return LogStats{Exists: true, Size: int64(len(data)), ModTime: s.logMod[id]}, nil
}

func (s *MemStore) LogPath(string) string { return "" }

func (s *MemStore) MetaModTime(id string) (time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.metaMod[id]
	if !ok {
		return time.Time{}, fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	return t, nil
}

func (s *MemStore) Rotations(id string) ([]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []int
	for _, r := range s.rotated[id] {
		out = append(out, r.n)
	}
	return out, nil
}

func (s *MemStore) Rotate(id string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	logData, hasLog := s.logs[id]
	o, hasOutcome := s.outcomes[id]
	if !hasLog && !hasOutcome {
		return 0, nil
	}
	next := len(s.rotated[id]) + 1
	rot := rotation{n: next}
	if hasLog {
		rot.log = append([]byte{}, logData...)
		delete(s.logs, id)
		delete(s.logMod, id)
	}
	if hasOutcome {
		rot.outcome = &o
		delete(s.outcomes, id)
	}
	s.rotated[id] = append(s.rotated[id], rot)
	return next, nil
}
