package history

import (
	"fmt"
	"sync"
	"time"
)

// Message is one persisted chat line. Messages are immutable once created.
type Message struct {
	ID        int64     `json:"id"`
	Author    string    `json:"author"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// Line renders the message the way it is sent over the wire.
func (m Message) Line() string {
	return FormatLine(m.Author, m.Text)
}

// FormatLine renders "<author>: <text>".
func FormatLine(author, text string) string {
	return author + ": " + text
}

// StorageError reports that the underlying medium could not serve an
// operation. Callers match it with errors.As.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("history: %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

func storageErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return &StorageError{Op: op, Err: err}
}

// stampClock hands out wall-clock timestamps that never go backwards.
type stampClock struct {
	mu   sync.Mutex
	last time.Time
	now  func() time.Time
}

func newStampClock() *stampClock {
	return &stampClock{now: time.Now}
}

func (c *stampClock) next() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	ts := c.now().UTC().Round(0)
	if ts.Before(c.last) {
		ts = c.last
	}
	c.last = ts
	return ts
}

// seed makes the clock continue from a timestamp already on disk.
func (c *stampClock) seed(ts time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ts.After(c.last) {
		c.last = ts.UTC().Round(0)
	}
}

func reverse(msgs []Message) {
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
}
