package store

import (
	"context"
	"sync"
	"time"
)

const defaultBatchLimit = 500

// memoryLog holds one in-memory log. The notify channel is closed and
// replaced on every append; live readers wait on the channel they observed
// so publishers never block.
type memoryLog struct {
	records []Record
	seq     int64
	notify  chan struct{}
}

// MemoryStore is the in-process Store used by tests and by servers started
// without a database. It provides the full contract including live tailing.
type MemoryStore struct {
	mu   sync.RWMutex
	logs map[string]*memoryLog
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{logs: make(map[string]*memoryLog)}
}

func (s *MemoryStore) Create(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.logs[key]; exists {
		return nil
	}
	s.logs[key] = &memoryLog{notify: make(chan struct{})}
	return nil
}

func (s *MemoryStore) Append(ctx context.Context, key string, data []byte) (string, error) {
	s.mu.Lock()
	l, exists := s.logs[key]
	if !exists {
		s.mu.Unlock()
		return "", ErrLogNotFound
	}

	l.seq++
	offset := FormatOffset(l.seq)
	buf := make([]byte, len(data))
	copy(buf, data)
	l.records = append(l.records, Record{Offset: offset, Data: buf})

	ch := l.notify
	l.notify = make(chan struct{})
	s.mu.Unlock()

	close(ch) // wake all waiters
	return offset, nil
}

func (s *MemoryStore) Read(ctx context.Context, key string, fromOffset string, mode ReadMode, opts ReadOptions) (Batch, error) {
	from, err := ParseOffset(fromOffset)
	if err != nil {
		return Batch{}, err
	}

	limit := opts.Limit
	if limit <= 0 {
		limit = defaultBatchLimit
	}

	batch, notify, err := s.scan(key, from, limit)
	if err != nil {
		return Batch{}, err
	}

	if len(batch.Records) > 0 || mode == ReadCatchup {
		return batch, nil
	}

	// Live mode with nothing new: wait for an append or the deadline.
	wait := opts.Wait
	if wait <= 0 {
		return batch, nil
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()

	for {
		select {
		case <-notify:
			batch, notify, err = s.scan(key, from, limit)
			if err != nil {
				return Batch{}, err
			}
			if len(batch.Records) > 0 {
				return batch, nil
			}
		case <-timer.C:
			return batch, nil
		case <-ctx.Done():
			return Batch{}, ctx.Err()
		}
	}
}

// scan returns records after from plus the notify channel that will fire on
// the next append.
func (s *MemoryStore) scan(key string, from int64, limit int) (Batch, chan struct{}, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	l, exists := s.logs[key]
	if !exists {
		return Batch{}, nil, ErrLogNotFound
	}

	batch := Batch{NextOffset: FormatOffset(from)}
	if from > l.seq {
		// Resume cursor beyond the tail; treat as drained.
		batch.NextOffset = FormatOffset(l.seq)
		batch.UpToDate = true
		batch.Cursor = batch.NextOffset
		return batch, l.notify, nil
	}

	for _, r := range l.records {
		n, _ := ParseOffset(r.Offset)
		if n <= from {
			continue
		}
		batch.Records = append(batch.Records, r)
		batch.NextOffset = r.Offset
		if len(batch.Records) >= limit {
			break
		}
	}

	last := from
	if len(batch.Records) > 0 {
		last, _ = ParseOffset(batch.NextOffset)
	}
	batch.UpToDate = last >= l.seq
	batch.Cursor = batch.NextOffset
	return batch, l.notify, nil
}

func (s *MemoryStore) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, exists := s.logs[key]
	if !exists {
		return ErrLogNotFound
	}
	delete(s.logs, key)

	// Wake anyone blocked in a live read so they re-scan and observe the
	// deletion instead of waiting out their deadline.
	close(l.notify)
	return nil
}
