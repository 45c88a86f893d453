package history

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/dgraph-io/badger/v4"
	"github.com/rs/zerolog"
)

var (
	badgerMsgPrefix = []byte("msg:")
	badgerSeqKey    = []byte("seq:messages")
)

const badgerSeqBandwidth = 128

// badgerStore keys every message as "msg:" followed by its big-endian id, so
// lexicographic key order is insertion order.
type badgerStore struct {
	mu     sync.Mutex
	db     *badger.DB
	seq    *badger.Sequence
	log    zerolog.Logger
	clock  *stampClock
	closed bool
}

func openBadger(cfg Config, log zerolog.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	var opts badger.Options
	switch {
	case cfg.InMemory:
		opts = badger.DefaultOptions("").WithInMemory(true)
	case path == "":
		return nil, errors.New("badger path is required")
	default:
		opts = badger.DefaultOptions(path)
	}
	opts = opts.WithLogger(badgerLogger{log: log})

	db, err := badger.Open(opts)
	if err != nil {
		return nil, storageErr("open", err)
	}
	seq, err := db.GetSequence(badgerSeqKey, badgerSeqBandwidth)
	if err != nil {
		_ = db.Close()
		return nil, storageErr("open", err)
	}

	st := &badgerStore{db: db, seq: seq, log: log, clock: newStampClock()}
	last, err := st.readLatest(1)
	if err != nil {
		_ = seq.Release()
		_ = db.Close()
		return nil, storageErr("open", err)
	}
	if len(last) == 1 {
		st.clock.seed(last[0].Timestamp)
	}

	log.Info().Str("path", path).Bool("in_memory", cfg.InMemory).Msg("badger history store ready")
	return st, nil
}

func badgerKey(id uint64) []byte {
	key := make([]byte, len(badgerMsgPrefix)+8)
	copy(key, badgerMsgPrefix)
	binary.BigEndian.PutUint64(key[len(badgerMsgPrefix):], id)
	return key
}

func (s *badgerStore) Append(ctx context.Context, author, text string) (Message, error) {
	if err := ctx.Err(); err != nil {
		return Message{}, storageErr("append", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return Message{}, storageErr("append", ErrClosed)
	}

	n, err := s.seq.Next()
	if err != nil {
		return Message{}, storageErr("append", err)
	}
	// Sequences start at zero; ids start at one like an autoincrement column.
	msg := Message{ID: int64(n + 1), Author: author, Text: text, Timestamp: s.clock.next()}
	value, err := json.Marshal(msg)
	if err != nil {
		return Message{}, storageErr("append", err)
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(badgerKey(uint64(msg.ID)), value)
	})
	if err != nil {
		return Message{}, storageErr("append", err)
	}
	return msg, nil
}

func (s *badgerStore) Recent(ctx context.Context, limit int) ([]Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, storageErr("recent", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, storageErr("recent", ErrClosed)
	}
	if limit <= 0 {
		return []Message{}, nil
	}

	msgs, err := s.readLatest(limit)
	if err != nil {
		return nil, storageErr("recent", err)
	}
	return msgs, nil
}

// readLatest walks the message prefix backwards inside one read transaction.
func (s *badgerStore) readLatest(limit int) ([]Message, error) {
	msgs := make([]Message, 0, min(limit, 256))
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		opts.Prefix = badgerMsgPrefix
		if limit < opts.PrefetchSize {
			opts.PrefetchSize = limit
		}
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(badgerKey(^uint64(0))); it.ValidForPrefix(badgerMsgPrefix) && len(msgs) < limit; it.Next() {
			raw, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			var m Message
			if err := json.Unmarshal(raw, &m); err != nil {
				return fmt.Errorf("decode %x: %w", it.Item().Key(), err)
			}
			msgs = append(msgs, m)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	reverse(msgs)
	return msgs, nil
}

func (s *badgerStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if err := s.seq.Release(); err != nil {
		s.log.Warn().Err(err).Msg("release badger sequence")
	}
	return s.db.Close()
}

// badgerLogger routes badger's internal logging through zerolog.
type badgerLogger struct {
	log zerolog.Logger
}

func trimf(format string, args ...interface{}) string {
	return strings.TrimRight(fmt.Sprintf(format, args...), "\n")
}

func (l badgerLogger) Errorf(format string, args ...interface{}) {
	l.log.Error().Msg(trimf(format, args...))
}

func (l badgerLogger) Warningf(format string, args ...interface{}) {
	l.log.Warn().Msg(trimf(format, args...))
}

func (l badgerLogger) Infof(format string, args ...interface{}) {
	l.log.Debug().Msg(trimf(format, args...))
}

func (l badgerLogger) Debugf(format string, args ...interface{}) {
	l.log.Trace().Msg(trimf(format, args...))
}
