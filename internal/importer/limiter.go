package importer

// limiter.go hands out import slots.
//
// A run needs two things before its first row: the account it writes to must
// have no other run in progress, and one of the process-wide slots must be
// free. Runs into one account therefore happen one after another, while runs
// into different accounts share the global pool. Both waits together are
// bounded by maxWait.

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrTooManyImports is returned when every global slot stayed occupied
	// for maxWait. Clients should retry after a short delay.
	ErrTooManyImports = errors.New("too many concurrent imports, please try again later")
	// ErrAccountBusy is returned when another run kept the account for
	// maxWait.
	ErrAccountBusy = errors.New("an import into this account is already running")
)

// DefaultMaxConcurrentImports is the default limit for parallel runs.
const DefaultMaxConcurrentImports = 5

// DefaultMaxWaitTime is how long to wait for a slot before rejecting.
const DefaultMaxWaitTime = 30 * time.Second

// Limiter serializes runs per account and bounds them globally.
type Limiter struct {
	slots   chan struct{}
	maxWait time.Duration

	mu       sync.Mutex
	accounts map[uuid.UUID]chan struct{} // closed when the account's run releases
	running  map[uuid.UUID]bool          // account holds a global slot
}

// NewLimiter creates a limiter allowing maxConcurrent runs at once. Zero
// values pick the defaults.
func NewLimiter(maxConcurrent int, maxWait time.Duration) *Limiter {
	if maxConcurrent <= 0 {
		maxConcurrent = DefaultMaxConcurrentImports
	}
	if maxWait <= 0 {
		maxWait = DefaultMaxWaitTime
	}
	return &Limiter{
		slots:    make(chan struct{}, maxConcurrent),
		maxWait:  maxWait,
		accounts: make(map[uuid.UUID]chan struct{}),
		running:  make(map[uuid.UUID]bool),
	}
}

// Acquire reserves accountID and a global slot, waiting up to maxWait in
// total. The returned release must be called once the run is done; calling
// it more than once is harmless.
func (l *Limiter) Acquire(ctx context.Context, accountID uuid.UUID) (func(), error) {
	waitCtx, cancel := context.WithTimeout(ctx, l.maxWait)
	defer cancel()

	// The account is taken first so a queued run for a busy account does not
	// sit on a global slot.
	for {
		busy, ok := l.claim(accountID)
		if ok {
			break
		}
		select {
		case <-busy:
		case <-waitCtx.Done():
			return nil, waitErr(ctx, ErrAccountBusy)
		}
	}

	select {
	case l.slots <- struct{}{}:
		return l.started(accountID), nil
	case <-waitCtx.Done():
		l.unclaim(accountID)
		return nil, waitErr(ctx, ErrTooManyImports)
	}
}

// TryAcquire is Acquire without waiting.
func (l *Limiter) TryAcquire(accountID uuid.UUID) (func(), bool) {
	if _, ok := l.claim(accountID); !ok {
		return nil, false
	}
	select {
	case l.slots <- struct{}{}:
		return l.started(accountID), true
	default:
		l.unclaim(accountID)
		return nil, false
	}
}

// waitErr tells a caller cancellation apart from our own timeout.
func waitErr(ctx context.Context, timeout error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return timeout
}

// claim marks accountID as taken. When it already is, the channel of the
// current holder is returned to wait on.
func (l *Limiter) claim(accountID uuid.UUID) (<-chan struct{}, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if busy, ok := l.accounts[accountID]; ok {
		return busy, false
	}
	l.accounts[accountID] = make(chan struct{})
	return nil, true
}

func (l *Limiter) unclaim(accountID uuid.UUID) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if done, ok := l.accounts[accountID]; ok {
		delete(l.accounts, accountID)
		delete(l.running, accountID)
		close(done)
	}
}

func (l *Limiter) started(accountID uuid.UUID) func() {
	l.mu.Lock()
	l.running[accountID] = true
	l.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			l.unclaim(accountID)
			<-l.slots
		})
	}
}

// ActiveCount returns the number of runs holding a global slot.
func (l *Limiter) ActiveCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.running)
}

// Busy reports whether a run into accountID is in progress or starting.
func (l *Limiter) Busy(accountID uuid.UUID) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.accounts[accountID]
	return ok
}

func (l *Limiter) MaxConcurrent() int {
	return cap(l.slots)
}

func (l *Limiter) Available() int {
	return cap(l.slots) - len(l.slots)
}

// WaitForDrain blocks until all active runs complete or ctx is done.
func (l *Limiter) WaitForDrain(ctx context.Context) error {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		if l.ActiveCount() == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// LimiterStatus is a snapshot of the limiter's state.
type LimiterStatus struct {
	Active        int `json:"active"`
	Available     int `json:"available"`
	MaxConcurrent int `json:"max_concurrent"`
	// Accounts counts accounts with a run in progress or waiting for a
	// global slot.
	Accounts int `json:"accounts"`
}

// Status returns the current limiter state for monitoring.
func (l *Limiter) Status() LimiterStatus {
	l.mu.Lock()
	defer l.mu.Unlock()
	return LimiterStatus{
		Active:        len(l.running),
		Available:     cap(l.slots) - len(l.slots),
		MaxConcurrent: cap(l.slots),
		Accounts:      len(l.accounts),
	}
}
