package syncer

import (
	"context"
	"sort"

	"mailsync/decoder"
	"mailsync/models"
	"mailsync/protocol"
	"mailsync/utils"
)

// GetEmails returns the newest cached messages of an account.
//
// Only a forced refresh or an empty cache make the caller wait for the
// mailbox; a stale cache is returned as is while a background refresh runs.
func (c *Coordinator) GetEmails(ctx context.Context, accountID string, forceRefresh bool, limit int) (*models.EmailList, error) {
	limit = c.opts.clampLimit(limit)
	st := c.registry.get(accountID)
	log := c.accountLog(accountID)

	cached, err := c.cache.ListByAccount(accountID, limit)
	if err != nil {
		log.Warn("cache read failed, treating cache as empty: %v", err)
		cached = nil
	}

	if forceRefresh || len(cached) == 0 {
		if err := c.refreshAndWait(ctx, accountID, st, limit); err != nil {
			return nil, err
		}

		emails, err := c.cache.ListByAccount(accountID, limit)
		if err != nil {
			log.Warn("cache read after refresh failed: %v", err)
			emails = cached
		}
		lastSyncedAt, refreshing, _ := st.snapshot()
		return &models.EmailList{
			Emails:       nonNil(emails),
			Source:       models.SourceRemote,
			LastSyncedAt: lastSyncedAt,
			IsRefreshing: refreshing,
		}, nil
	}

	st.mu.Lock()
	lastSyncedAt := st.lastSyncedAt
	stale := c.opts.Now().Sub(lastSyncedAt) > c.opts.StalenessThreshold
	refreshing := st.inflight != nil
	st.mu.Unlock()

	if stale && !refreshing {
		if call, started := st.begin(); started {
			log.Debug("cache is stale (last sync %s), refreshing in background", lastSyncedAt.Format("15:04:05"))
			c.refreshAsync(accountID, st, call, c.refreshLimit(limit))
		}
		refreshing = true
	}

	return &models.EmailList{
		Emails:       cached,
		Source:       models.SourceCache,
		LastSyncedAt: lastSyncedAt,
		IsRefreshing: refreshing,
	}, nil
}

// refreshLimit never lets a small page shrink the refreshed window below
// the default
func (c *Coordinator) refreshLimit(limit int) int {
	if limit < c.opts.DefaultLimit {
		return c.opts.DefaultLimit
	}
	return limit
}

// refreshAndWait runs a refresh in the caller's goroutine, or joins the
// one already in flight.
func (c *Coordinator) refreshAndWait(ctx context.Context, accountID string, st *accountState, limit int) error {
	call, started := st.begin()
	if !started {
		c.accountLog(accountID).Debug("joining in-flight refresh")
		return call.wait(ctx)
	}

	n, err := c.refresh(ctx, accountID, c.refreshLimit(limit))
	again := st.finish(call, n, err, c.opts.Now())
	c.notifyRefresh(accountID, n, err)
	if again {
		c.followUp(accountID, st)
	}
	return err
}

func (c *Coordinator) refreshAsync(accountID string, st *accountState, call *refreshCall, limit int) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()

		ctx, cancel := context.WithTimeout(c.root, c.opts.RefreshTimeout)
		defer cancel()

		n, err := c.refresh(ctx, accountID, limit)
		if err != nil {
			c.accountLog(accountID).Warn("background refresh failed: %v", err)
		}
		again := st.finish(call, n, err, c.opts.Now())
		c.notifyRefresh(accountID, n, err)
		if again {
			c.followUp(accountID, st)
		}
	}()
}

// followUp refreshes once more for a change that arrived mid-refresh,
// unless the account was forgotten or the coordinator closed meanwhile.
func (c *Coordinator) followUp(accountID string, st *accountState) {
	if c.root.Err() != nil || c.registry.lookup(accountID) != st {
		return
	}
	if call, started := st.begin(); started {
		c.accountLog(accountID).Debug("mailbox changed during refresh, refreshing again")
		c.refreshAsync(accountID, st, call, c.opts.DefaultLimit)
	}
}

func (c *Coordinator) notifyRefresh(accountID string, n int, err error) {
	if err != nil {
		c.notify(accountID, models.NotifyRefreshFailed, "Refresh failed", map[string]interface{}{
			"error": err.Error(),
			"kind":  utils.KindOf(err),
		})
		return
	}
	c.notify(accountID, models.NotifyRefreshCompleted, "Mailbox refreshed", map[string]interface{}{
		"count": n,
	})
}

// refresh fetches the newest limit messages and rewrites the account's
// cached window. Nothing is written if ctx ends before the fetch completes.
func (c *Coordinator) refresh(ctx context.Context, accountID string, limit int) (int, error) {
	log := c.accountLog(accountID)

	var raws []protocol.RawMessage
	var validity uint32
	err := c.withSession(ctx, accountID, func(sess protocol.Session) error {
		var err error
		raws, err = sess.FetchRecent(ctx, limit)
		validity = sess.UIDValidity()
		return err
	})
	if err != nil {
		return 0, err
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	records := make([]models.MessageRecord, 0, len(raws))
	fetched := make([]uint32, 0, len(raws))
	now := c.opts.Now()
	for _, raw := range raws {
		if raw.UID != 0 {
			fetched = append(fetched, raw.UID)
		}
		rec, err := decoder.Decode(accountID, validity, raw)
		if err != nil {
			log.Warn("skipping message %d: %v", raw.UID, err)
			continue
		}
		rec.SyncedAt = now
		records = append(records, rec)
	}

	c.applyUIDValidity(accountID, validity)

	if err := c.cache.ReplaceWindow(accountID, fetched, records); err != nil {
		log.Error("cache write failed after refresh: %v", err)
	}
	if err := c.cache.SetLastSynced(accountID, now); err != nil {
		log.Warn("cannot persist last sync time: %v", err)
	}

	log.Info("refreshed %d of %d messages", len(records), len(raws))
	return len(records), nil
}

// applyUIDValidity clears the account's cache when the mailbox was
// rebuilt, since its UIDs no longer name the same messages.
func (c *Coordinator) applyUIDValidity(accountID string, validity uint32) {
	if validity == 0 {
		return
	}
	log := c.accountLog(accountID)

	known, err := c.cache.UIDValidity(accountID)
	if err != nil {
		log.Warn("cannot read UIDVALIDITY: %v", err)
		return
	}
	if known == validity {
		return
	}
	if known != 0 {
		log.Warn("UIDVALIDITY changed from %d to %d, clearing cache", known, validity)
		if err := c.cache.ClearAccount(accountID); err != nil {
			log.Error("cannot clear cache: %v", err)
		}
	}
	if err := c.cache.SetUIDValidity(accountID, validity); err != nil {
		log.Warn("cannot store UIDVALIDITY: %v", err)
	}
}

func sortByDateDesc(records []models.MessageRecord) {
	sort.SliceStable(records, func(i, j int) bool {
		return records[i].Date.After(records[j].Date)
	})
}

func nonNil(records []models.MessageRecord) []models.MessageRecord {
	if records == nil {
		return []models.MessageRecord{}
	}
	return records
}
