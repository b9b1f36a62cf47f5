package records

import "sync"

// recordLocks serialises writers per record id. Entries are reference counted so the
// map only holds ids with a writer in progress or waiting.
type recordLocks struct {
	mu      sync.Mutex
	entries map[string]*recordLock
}

type recordLock struct {
	mu      sync.Mutex
	holders int
}

func newRecordLocks() *recordLocks {
	return &recordLocks{entries: make(map[string]*recordLock)}
}

// Lock blocks until the caller is the single writer for recordID and returns the release func.
func (l *recordLocks) Lock(recordID string) func() {
	l.mu.Lock()
	entry, ok := l.entries[recordID]
	if !ok {
		entry = &recordLock{}
		l.entries[recordID] = entry
	}
	entry.holders++
	l.mu.Unlock()

	entry.mu.Lock()
	return func() {
		entry.mu.Unlock()
		l.mu.Lock()
		entry.holders--
		if entry.holders == 0 {
			delete(l.entries, recordID)
		}
		l.mu.Unlock()
	}
}
