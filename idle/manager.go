// Package idle keeps one IMAP IDLE connection per account and turns
// unsolicited server responses into mailbox events.
package idle

import (
	"context"
	"errors"
	"sync"
	"time"

	"mailsync/config"
	"mailsync/models"
	"mailsync/utils"
)

// Options tune the manager; zero values take the defaults
type Options struct {
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	MaxAttempts int
	EventBuffer int
	Logger      *utils.Logger
	Now         func() time.Time
}

// OptionsFromConfig maps the [idle] section onto Options
func OptionsFromConfig(cfg config.IdleConfig) Options {
	return Options{
		BaseDelay:   cfg.BaseDelay.Duration,
		MaxDelay:    cfg.MaxDelay.Duration,
		MaxAttempts: cfg.MaxAttempts,
		EventBuffer: cfg.EventBuffer,
	}
}

func (o *Options) setDefaults() {
	if o.BaseDelay <= 0 {
		o.BaseDelay = time.Second
	}
	if o.MaxDelay < o.BaseDelay {
		o.MaxDelay = 5 * time.Minute
		if o.MaxDelay < o.BaseDelay {
			o.MaxDelay = o.BaseDelay
		}
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 10
	}
	if o.EventBuffer <= 0 {
		o.EventBuffer = 64
	}
	if o.Logger == nil {
		o.Logger = utils.Log
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

// Manager runs at most one IDLE worker per account
type Manager struct {
	dialer  Dialer
	backoff Backoff
	now     func() time.Time
	log     *utils.Logger

	eventsMu     sync.RWMutex
	events       chan models.MailboxEvent
	eventsClosed bool

	mu      sync.Mutex
	workers map[string]*worker
	closed  bool
}

func NewManager(dialer Dialer, opts Options) *Manager {
	opts.setDefaults()
	return &Manager{
		dialer: dialer,
		backoff: Backoff{
			Base:        opts.BaseDelay,
			Max:         opts.MaxDelay,
			MaxAttempts: opts.MaxAttempts,
		},
		now:     opts.Now,
		log:     opts.Logger.Component("idle"),
		events:  make(chan models.MailboxEvent, opts.EventBuffer),
		workers: make(map[string]*worker),
	}
}

// Events is the stream of mailbox changes of every watched account.
// It is closed by Close.
func (m *Manager) Events() <-chan models.MailboxEvent {
	return m.events
}

func (m *Manager) emit(ev models.MailboxEvent) {
	m.eventsMu.RLock()
	defer m.eventsMu.RUnlock()
	if m.eventsClosed {
		return
	}
	select {
	case m.events <- ev:
	default:
		m.log.WithField("account", ev.AccountID).Warn("event buffer full, dropping %s event", ev.Kind)
	}
}

// Start begins watching the account. It does nothing if a worker for the
// account is already running.
func (m *Manager) Start(account *models.Account) error {
	if account == nil || account.ID == "" {
		return utils.BadRequestError("account is required", nil)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return utils.InternalServerError("idle manager is closed", nil)
	}
	if w, ok := m.workers[account.ID]; ok && !w.exited() {
		return nil
	}

	w := newWorker(m, account)
	m.workers[account.ID] = w
	go w.run()
	m.log.WithField("account", account.ID).Info("IDLE started")
	return nil
}

// Stop ends the account's worker and waits for it. Stopping an account
// that is not watched is a no-op.
func (m *Manager) Stop(accountID string) {
	m.mu.Lock()
	w, ok := m.workers[accountID]
	delete(m.workers, accountID)
	m.mu.Unlock()

	if !ok {
		return
	}
	w.stop()
	m.log.WithField("account", accountID).Info("IDLE stopped")
}

// Reload restarts a running worker with new account settings and reports
// whether there was one. Accounts that are not watched stay unwatched.
func (m *Manager) Reload(account *models.Account) (bool, error) {
	if account == nil || account.ID == "" {
		return false, utils.BadRequestError("account is required", nil)
	}

	m.mu.Lock()
	w, ok := m.workers[account.ID]
	running := ok && !w.exited()
	m.mu.Unlock()

	if !running {
		return false, nil
	}
	m.Stop(account.ID)
	return true, m.Start(account)
}

// Status reports the push connection of an account
func (m *Manager) Status(accountID string) models.IdleStatus {
	m.mu.Lock()
	w, ok := m.workers[accountID]
	m.mu.Unlock()

	if !ok {
		return models.IdleStatus{
			AccountID: accountID,
			State:     StateDisconnected.String(),
		}
	}
	return w.status()
}

// RefreshDuringIdle interrupts IDLE on the account's connection, polls the
// mailbox and resumes IDLE. An event is emitted if the mailbox changed.
func (m *Manager) RefreshDuringIdle(ctx context.Context, accountID string) (*models.PollResult, error) {
	m.mu.Lock()
	w, ok := m.workers[accountID]
	m.mu.Unlock()

	if !ok || !w.status().IsConnected {
		return nil, utils.BadRequestError("IDLE is not active for this account", nil).
			WithContext("account", accountID)
	}

	res, err := w.requestPoll(ctx)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, utils.ConnectionError("poll abandoned", err)
		}
		return nil, err
	}

	return &models.PollResult{
		AccountID: accountID,
		Messages:  res.status.Messages,
		UIDNext:   res.status.UIDNext,
		Changed:   res.changed,
		PolledAt:  m.now(),
	}, nil
}

// Close stops every worker and closes the event stream
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	workers := m.workers
	m.workers = make(map[string]*worker)
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, w := range workers {
		wg.Add(1)
		go func(w *worker) {
			defer wg.Done()
			w.stop()
		}(w)
	}
	wg.Wait()

	m.eventsMu.Lock()
	m.eventsClosed = true
	close(m.events)
	m.eventsMu.Unlock()
}
