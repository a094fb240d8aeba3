package approval

import (
	"context"
	"sync"
)

// memoryRecordLimit bounds how many handles stay available to Lookup.
const memoryRecordLimit = 32

type memoryRecord struct {
	handle     Handle
	resolution *Resolution
}

// MemorySlot is a mutex-guarded Slot for single-process deployments.
type MemorySlot struct {
	mu       sync.Mutex
	open     *Handle
	latest   *Resolution
	consumed bool
	records  map[string]*memoryRecord
	order    []string
}

// NewMemorySlot returns an empty, closed slot.
func NewMemorySlot() *MemorySlot {
	return &MemorySlot{records: make(map[string]*memoryRecord)}
}

func (s *MemorySlot) Open(_ context.Context, h Handle) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.open != nil {
		return false, nil
	}
	hc := h
	s.open = &hc
	s.latest = nil
	s.consumed = false
	s.records[h.ID] = &memoryRecord{handle: h}
	s.order = append(s.order, h.ID)
	s.pruneLocked()
	return true, nil
}

// pruneLocked drops the oldest records beyond the limit. The open handle is
// always the newest, so it is never dropped.
func (s *MemorySlot) pruneLocked() {
	for len(s.order) > memoryRecordLimit {
		delete(s.records, s.order[0])
		s.order = s.order[1:]
	}
}

func (s *MemorySlot) Current(_ context.Context) (*Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.open == nil {
		return nil, nil
	}
	hc := *s.open
	return &hc, nil
}

func (s *MemorySlot) Resolve(_ context.Context, res Resolution) (*Handle, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.open == nil || (res.HandleID != "" && res.HandleID != s.open.ID) {
		return nil, false, nil
	}
	closed := *s.open
	res.HandleID = closed.ID
	res.TaskID = closed.TaskID

	s.open = nil
	s.latest = &res
	s.consumed = false
	if rec, ok := s.records[closed.ID]; ok {
		rc := res
		rec.resolution = &rc
	}
	return &closed, true, nil
}

func (s *MemorySlot) Release(_ context.Context, handleID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.open == nil || s.open.ID != handleID {
		return false, nil
	}
	s.open = nil
	delete(s.records, handleID)
	if n := len(s.order); n > 0 && s.order[n-1] == handleID {
		s.order = s.order[:n-1]
	}
	return true, nil
}

func (s *MemorySlot) TakeResolution(_ context.Context) (*Resolution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.open != nil || s.latest == nil || s.consumed {
		return nil, nil
	}
	s.consumed = true
	rc := *s.latest
	return &rc, nil
}

func (s *MemorySlot) Lookup(_ context.Context, handleID string) (*Handle, *Resolution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[handleID]
	if !ok {
		return nil, nil, nil
	}
	hc := rec.handle
	if rec.resolution == nil {
		return &hc, nil, nil
	}
	rc := *rec.resolution
	return &hc, &rc, nil
}
