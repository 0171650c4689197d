package syncer

import (
	"context"
	"sync"
	"time"

	"mailsync/protocol"
)

// refreshCall is the in-flight refresh of one account. Every requester
// that arrives while it runs receives the same call and waits on done.
type refreshCall struct {
	done    chan struct{}
	records int
	err     error
}

func (c *refreshCall) wait(ctx context.Context) error {
	select {
	case <-c.done:
		return c.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// accountState is the process-lifetime bookkeeping of one account
type accountState struct {
	mu           sync.Mutex
	lastSyncedAt time.Time
	inflight     *refreshCall
	lastError    string
	// dirty is set when the mailbox changed while a refresh was running
	dirty bool

	// sessionLock is a one-slot semaphore guarding session; go-imap
	// clients must not be used concurrently.
	sessionLock chan struct{}
	session     protocol.Session
}

// begin returns the in-flight refresh, creating it if there is none.
// started is true when the caller owns the new call and must run it.
func (s *accountState) begin() (call *refreshCall, started bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.inflight != nil {
		return s.inflight, false
	}
	s.inflight = &refreshCall{done: make(chan struct{})}
	return s.inflight, true
}

// beginOrMark is begin for mailbox change events. When a refresh is
// already running the account is marked dirty instead, since that refresh
// may have fetched before the change.
func (s *accountState) beginOrMark() (call *refreshCall, started bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.inflight != nil {
		s.dirty = true
		return s.inflight, false
	}
	s.inflight = &refreshCall{done: make(chan struct{})}
	return s.inflight, true
}

// finish records the outcome, clears the in-flight cell and only then
// releases the waiters. again reports a change seen during the refresh
// that still needs one.
func (s *accountState) finish(call *refreshCall, records int, err error, now time.Time) (again bool) {
	s.mu.Lock()
	call.records = records
	call.err = err
	if err == nil {
		s.lastSyncedAt = now
		s.lastError = ""
	} else {
		s.lastError = err.Error()
	}
	if s.inflight == call {
		s.inflight = nil
		again = s.dirty
		s.dirty = false
	}
	s.mu.Unlock()

	close(call.done)
	return again
}

func (s *accountState) snapshot() (lastSyncedAt time.Time, refreshing bool, lastError string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSyncedAt, s.inflight != nil, s.lastError
}

// registry owns the state of every account the coordinator has seen
type registry struct {
	mu       sync.Mutex
	accounts map[string]*accountState
	seed     func(accountID string) time.Time
}

func newRegistry(seed func(accountID string) time.Time) *registry {
	return &registry{
		accounts: make(map[string]*accountState),
		seed:     seed,
	}
}

func (r *registry) get(accountID string) *accountState {
	r.mu.Lock()
	defer r.mu.Unlock()

	st, ok := r.accounts[accountID]
	if !ok {
		st = &accountState{sessionLock: make(chan struct{}, 1)}
		if r.seed != nil {
			st.lastSyncedAt = r.seed(accountID)
		}
		r.accounts[accountID] = st
	}
	return st
}

// lookup returns the state of an account without creating it
func (r *registry) lookup(accountID string) *accountState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.accounts[accountID]
}

func (r *registry) all() []*accountState {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*accountState, 0, len(r.accounts))
	for _, st := range r.accounts {
		out = append(out, st)
	}
	return out
}

// remove drops the state of an account and returns it, nil if unknown
func (r *registry) remove(accountID string) *accountState {
	r.mu.Lock()
	defer r.mu.Unlock()

	st := r.accounts[accountID]
	delete(r.accounts, accountID)
	return st
}
