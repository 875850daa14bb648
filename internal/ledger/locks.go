package ledger

import (
	"sort"
	"sync"

	"github.com/google/uuid"
)

// AccountLocks serializes balance updates per account inside this process.
// Entries are reference counted and removed once no goroutine holds or waits
// for them. The zero value is ready to use.
type AccountLocks struct {
	mu    sync.Mutex
	locks map[uuid.UUID]*accountLock
}

type accountLock struct {
	mu   sync.Mutex
	refs int
}

// Lock acquires the locks for every given account in a fixed order, so two
// transfers between the same pair of accounts cannot deadlock. The returned
// func releases them.
func (l *AccountLocks) Lock(ids ...uuid.UUID) (unlock func()) {
	ids = uniqueSorted(ids)

	held := make([]*accountLock, 0, len(ids))
	for _, id := range ids {
		al := l.acquire(id)
		al.mu.Lock()
		held = append(held, al)
	}

	return func() {
		for i := len(held) - 1; i >= 0; i-- {
			held[i].mu.Unlock()
			l.release(ids[i])
		}
	}
}

func (l *AccountLocks) acquire(id uuid.UUID) *accountLock {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.locks == nil {
		l.locks = make(map[uuid.UUID]*accountLock)
	}
	al, ok := l.locks[id]
	if !ok {
		al = &accountLock{}
		l.locks[id] = al
	}
	al.refs++
	return al
}

func (l *AccountLocks) release(id uuid.UUID) {
	l.mu.Lock()
	defer l.mu.Unlock()
	al := l.locks[id]
	al.refs--
	if al.refs == 0 {
		delete(l.locks, id)
	}
}

func (l *AccountLocks) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}

func uniqueSorted(ids []uuid.UUID) []uuid.UUID {
	out := make([]uuid.UUID, 0, len(ids))
	seen := make(map[uuid.UUID]bool, len(ids))
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}
