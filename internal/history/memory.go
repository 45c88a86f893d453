package history

import (
	"context"
	"sync"
)

// MemoryStore keeps history in process memory. It is not durable.
type MemoryStore struct {
	mu     sync.RWMutex
	msgs   []Message
	clock  *stampClock
	closed bool
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{clock: newStampClock()}
}

func (s *MemoryStore) Append(ctx context.Context, author, text string) (Message, error) {
	if err := ctx.Err(); err != nil {
		return Message{}, storageErr("append", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return Message{}, storageErr("append", ErrClosed)
	}

	msg := Message{
		ID:        int64(len(s.msgs) + 1),
		Author:    author,
		Text:      text,
		Timestamp: s.clock.next(),
	}
	s.msgs = append(s.msgs, msg)
	return msg, nil
}

func (s *MemoryStore) Recent(ctx context.Context, limit int) ([]Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, storageErr("recent", err)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, storageErr("recent", ErrClosed)
	}
	if limit <= 0 {
		return []Message{}, nil
	}

	start := max(len(s.msgs)-limit, 0)
	out := make([]Message, len(s.msgs)-start)
	copy(out, s.msgs[start:])
	return out, nil
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
