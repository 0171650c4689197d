// Package syncer serves mail reads from the local cache and keeps the cache
// fresh with deduplicated per-account refreshes.
package syncer

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"mailsync/config"
	"mailsync/models"
	"mailsync/protocol"
	"mailsync/utils"
)

// Cache is the local message store the coordinator reads from and writes to
type Cache interface {
	Upsert(accountID string, records []models.MessageRecord) error
	ReplaceWindow(accountID string, fetched []uint32, records []models.MessageRecord) error
	Get(id string) (*models.MessageRecord, error)
	ListByAccount(accountID string, limit int) ([]models.MessageRecord, error)
	Search(accountID, query string) ([]models.MessageRecord, error)
	SetReadStatus(id string, isRead bool) error
	SetBody(id string, content models.EmailContent) error
	Remove(id string) error
	ClearAccount(accountID string) error
	Stats(accountID string) (models.CacheStats, error)
	UIDValidity(accountID string) (uint32, error)
	SetUIDValidity(accountID string, v uint32) error
	LastSynced(accountID string) (time.Time, error)
	SetLastSynced(accountID string, t time.Time) error
}

// AccountDirectory resolves account ids to accounts with decrypted credentials
type AccountDirectory interface {
	GetAccount(accountID string) (*models.Account, error)
}

// Notifier receives change notifications for connected clients
type Notifier interface {
	Broadcast(n models.Notification)
}

// Options tune the coordinator; zero values take the defaults
type Options struct {
	StalenessThreshold    time.Duration
	DefaultLimit          int
	MaxLimit              int
	SearchRemoteThreshold int
	RefreshTimeout        time.Duration
	Logger                *utils.Logger
	Notifier              Notifier
	Now                   func() time.Time
}

// OptionsFromConfig maps the [sync] section onto Options
func OptionsFromConfig(cfg config.SyncConfig) Options {
	return Options{
		StalenessThreshold:    cfg.StalenessThreshold.Duration,
		DefaultLimit:          cfg.DefaultLimit,
		MaxLimit:              cfg.MaxLimit,
		SearchRemoteThreshold: cfg.SearchRemoteThreshold,
		RefreshTimeout:        2 * cfg.CommandTimeout.Duration,
	}
}

func (o *Options) setDefaults() {
	if o.StalenessThreshold <= 0 {
		o.StalenessThreshold = 2 * time.Minute
	}
	if o.DefaultLimit <= 0 {
		o.DefaultLimit = 50
	}
	if o.MaxLimit < o.DefaultLimit {
		o.MaxLimit = o.DefaultLimit
	}
	// a negative threshold disables remote search
	if o.SearchRemoteThreshold == 0 {
		o.SearchRemoteThreshold = 1
	}
	if o.RefreshTimeout <= 0 {
		o.RefreshTimeout = time.Minute
	}
	if o.Logger == nil {
		o.Logger = utils.Log
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

func (o *Options) clampLimit(limit int) int {
	if limit <= 0 {
		return o.DefaultLimit
	}
	if limit > o.MaxLimit {
		return o.MaxLimit
	}
	return limit
}

// Coordinator is the cache-first front of the sync engine
type Coordinator struct {
	cache    Cache
	accounts AccountDirectory
	dialer   protocol.Dialer
	opts     Options
	log      *utils.Logger

	registry *registry
	content  singleflight.Group

	// background refreshes are bound to root and tracked by wg
	root   context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewCoordinator wires a coordinator. lastSyncedAt of each account is
// seeded from the cache the first time the account is used.
func NewCoordinator(cache Cache, accounts AccountDirectory, dialer protocol.Dialer, opts Options) *Coordinator {
	opts.setDefaults()
	root, cancel := context.WithCancel(context.Background())

	c := &Coordinator{
		cache:    cache,
		accounts: accounts,
		dialer:   dialer,
		opts:     opts,
		log:      opts.Logger.Component("syncer"),
		root:     root,
		cancel:   cancel,
	}
	c.registry = newRegistry(c.seedLastSynced)
	return c
}

func (c *Coordinator) seedLastSynced(accountID string) time.Time {
	t, err := c.cache.LastSynced(accountID)
	if err != nil {
		c.log.WithField("account", accountID).Warn("cannot read last sync time: %v", err)
		return time.Time{}
	}
	return t
}

func (c *Coordinator) accountLog(accountID string) *utils.Logger {
	return c.log.WithField("account", accountID)
}

func (c *Coordinator) notify(accountID, kind, message string, data map[string]interface{}) {
	if c.opts.Notifier == nil {
		return
	}
	c.opts.Notifier.Broadcast(models.Notification{
		ID:        uuid.New().String(),
		Type:      kind,
		AccountID: accountID,
		Message:   message,
		Data:      data,
		Time:      c.opts.Now(),
	})
}

// withSession runs fn on the account's pooled session, dialing one if
// needed. A session that failed at the transport level or was abandoned
// through ctx is closed and dropped so the next caller redials.
func (c *Coordinator) withSession(ctx context.Context, accountID string, fn func(protocol.Session) error) error {
	account, err := c.accounts.GetAccount(accountID)
	if err != nil {
		return err
	}
	st := c.registry.get(accountID)

	select {
	case st.sessionLock <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-st.sessionLock }()

	if st.session == nil {
		sess, err := c.dialer.Dial(ctx, account)
		if err != nil {
			return err
		}
		st.session = sess
	}

	err = fn(st.session)
	if err != nil && (utils.IsKind(err, utils.KindConnection) || isContextErr(err) || ctx.Err() != nil) {
		c.accountLog(accountID).Info("dropping IMAP session: %v", err)
		st.session.Close()
		st.session = nil
	}
	return err
}

func isContextErr(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// Status reports refresh bookkeeping and cache statistics of an account
func (c *Coordinator) Status(accountID string) models.SyncStatus {
	var (
		lastSyncedAt time.Time
		refreshing   bool
		lastError    string
	)
	if st := c.registry.lookup(accountID); st != nil {
		lastSyncedAt, refreshing, lastError = st.snapshot()
	} else {
		lastSyncedAt = c.seedLastSynced(accountID)
	}

	stats, err := c.cache.Stats(accountID)
	if err != nil {
		c.accountLog(accountID).Warn("cache stats unavailable: %v", err)
	}

	return models.SyncStatus{
		AccountID:    accountID,
		LastSyncedAt: lastSyncedAt,
		IsRefreshing: refreshing,
		LastError:    lastError,
		Cache:        stats,
	}
}

// TriggerRefresh treats the account as stale now. It starts a background
// refresh unless one is already running and reports whether it started one.
func (c *Coordinator) TriggerRefresh(accountID string) bool {
	st := c.registry.get(accountID)
	call, started := st.begin()
	if !started {
		return false
	}
	c.refreshAsync(accountID, st, call, c.opts.DefaultLimit)
	return true
}

// Run turns mailbox events into refresh triggers until ctx is done or
// events is closed.
func (c *Coordinator) Run(ctx context.Context, events <-chan models.MailboxEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			c.accountLog(ev.AccountID).Debug("mailbox event %s", ev.Kind)
			c.notify(ev.AccountID, models.NotifyMailboxEvent, "Mailbox changed", map[string]interface{}{
				"kind":     ev.Kind,
				"uid":      ev.UID,
				"seq_num":  ev.SeqNum,
				"messages": ev.Messages,
			})
			st := c.registry.get(ev.AccountID)
			if call, started := st.beginOrMark(); started {
				c.refreshAsync(ev.AccountID, st, call, c.opts.DefaultLimit)
			}
		}
	}
}

// Forget releases what the coordinator holds for a removed account. It
// waits for a running refresh, logs out the pooled session and clears the
// cached messages.
func (c *Coordinator) Forget(accountID string) {
	if st := c.registry.remove(accountID); st != nil {
		st.mu.Lock()
		call := st.inflight
		st.mu.Unlock()
		if call != nil {
			<-call.done
		}

		st.sessionLock <- struct{}{}
		if st.session != nil {
			st.session.Close()
			st.session = nil
		}
		<-st.sessionLock
	}

	if err := c.cache.ClearAccount(accountID); err != nil {
		c.accountLog(accountID).Warn("cannot clear cache of removed account: %v", err)
	}
}

// ResetSession logs out the account's pooled session so the next use dials
// with the account's current settings. Cached messages are kept.
func (c *Coordinator) ResetSession(accountID string) {
	st := c.registry.lookup(accountID)
	if st == nil {
		return
	}

	st.sessionLock <- struct{}{}
	if st.session != nil {
		c.accountLog(accountID).Info("account settings changed, dropping IMAP session")
		st.session.Close()
		st.session = nil
	}
	<-st.sessionLock
}

// Close abandons background refreshes and logs out every pooled session
func (c *Coordinator) Close() {
	c.cancel()
	c.wg.Wait()

	for _, st := range c.registry.all() {
		st.sessionLock <- struct{}{}
		if st.session != nil {
			st.session.Close()
			st.session = nil
		}
		<-st.sessionLock
	}
}
