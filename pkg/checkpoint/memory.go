package checkpoint

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore is an in-process Store used for chat threads (whose
// transcripts are cheap to rebuild) and for tests.
type MemoryStore struct {
	mu      sync.RWMutex
	threads map[string]map[string]*Checkpoint
	order   map[string][]string
	writes  map[string]map[string][]Write
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		threads: make(map[string]map[string]*Checkpoint),
		order:   make(map[string][]string),
		writes:  make(map[string]map[string][]Write),
	}
}

func (s *MemoryStore) Put(ctx context.Context, cp *Checkpoint) error {
	copied, err := deepCopy(cp)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	byID, ok := s.threads[cp.ThreadID]
	if !ok {
		byID = make(map[string]*Checkpoint)
		s.threads[cp.ThreadID] = byID
	}
	if _, exists := byID[cp.ID]; !exists {
		s.order[cp.ThreadID] = append(s.order[cp.ThreadID], cp.ID)
	}
	byID[cp.ID] = copied
	return nil
}

func (s *MemoryStore) PutWrites(ctx context.Context, threadID, checkpointID string, writes []Write) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	byCP, ok := s.writes[threadID]
	if !ok {
		byCP = make(map[string][]Write)
		s.writes[threadID] = byCP
	}
	byCP[checkpointID] = append(byCP[checkpointID], writes...)
	return nil
}

func (s *MemoryStore) GetLatest(ctx context.Context, threadID string) (*Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	byID, ok := s.threads[threadID]
	if !ok || len(byID) == 0 {
		return nil, ErrNotFound
	}

	hasChild := make(map[string]bool, len(byID))
	for _, cp := range byID {
		if cp.ParentID != "" {
			hasChild[cp.ParentID] = true
		}
	}

	var leaves []*Checkpoint
	for _, cp := range byID {
		if !hasChild[cp.ID] {
			leaves = append(leaves, cp)
		}
	}
	sort.Slice(leaves, func(i, j int) bool {
		if leaves[i].Step != leaves[j].Step {
			return leaves[i].Step > leaves[j].Step
		}
		return leaves[i].CreatedAt.After(leaves[j].CreatedAt)
	})
	if len(leaves) == 0 {
		return nil, ErrNotFound
	}
	return deepCopy(leaves[0])
}

func (s *MemoryStore) Get(ctx context.Context, threadID, checkpointID string) (*Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	byID, ok := s.threads[threadID]
	if !ok {
		return nil, ErrNotFound
	}
	cp, ok := byID[checkpointID]
	if !ok {
		return nil, ErrNotFound
	}
	return deepCopy(cp)
}

func (s *MemoryStore) ListAncestry(ctx context.Context, threadID string) ([]*Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids, ok := s.order[threadID]
	if !ok {
		return nil, ErrNotFound
	}
	byID := s.threads[threadID]
	out := make([]*Checkpoint, 0, len(ids))
	for _, id := range ids {
		copied, err := deepCopy(byID[id])
		if err != nil {
			return nil, err
		}
		out = append(out, copied)
	}
	return out, nil
}

func (s *MemoryStore) Delete(ctx context.Context, threadID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.threads, threadID)
	delete(s.order, threadID)
	delete(s.writes, threadID)
	return nil
}

// deepCopy isolates stored state from caller mutation by round-tripping
// through the codec, the same path the SQL store takes.
func deepCopy(cp *Checkpoint) (*Checkpoint, error) {
	data, err := EncodeValues(cp.Values)
	if err != nil {
		return nil, err
	}
	values, err := DecodeValues(data)
	if err != nil {
		return nil, err
	}
	copied := *cp
	copied.Values = values
	copied.NextNodes = append([]string(nil), cp.NextNodes...)
	copied.Tasks = append([]Task(nil), cp.Tasks...)
	return &copied, nil
}
