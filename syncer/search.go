package syncer

import (
	"context"
	"sort"
	"strings"

	"mailsync/decoder"
	"mailsync/models"
	"mailsync/protocol"
	"mailsync/utils"
)

// SearchEmails searches the cache and, when it finds fewer hits than the
// configured threshold, the mailbox as well. Cache hits win over remote
// hits for the same id.
func (c *Coordinator) SearchEmails(ctx context.Context, accountID, query string) (*models.SearchResult, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, utils.BadRequestError("search query is empty", nil)
	}
	log := c.accountLog(accountID)

	cached, err := c.cache.Search(accountID, query)
	if err != nil {
		log.Warn("cache search failed: %v", err)
		cached = nil
	}

	result := &models.SearchResult{Query: query, Results: []models.SearchHit{}}
	seen := make(map[string]bool, len(cached))
	for _, rec := range cached {
		seen[rec.ID] = true
		result.Results = append(result.Results, models.SearchHit{MessageRecord: rec, Source: models.SourceCache})
	}

	if c.opts.SearchRemoteThreshold < 0 || len(cached) >= c.opts.SearchRemoteThreshold {
		return result, nil
	}

	remote, err := c.searchRemote(ctx, accountID, query, seen)
	if err != nil {
		if len(cached) > 0 {
			log.Warn("remote search failed, returning cached hits: %v", err)
			return result, nil
		}
		return nil, err
	}

	result.Remote = true
	for _, rec := range remote {
		result.Results = append(result.Results, models.SearchHit{MessageRecord: rec, Source: models.SourceRemote})
	}
	sort.SliceStable(result.Results, func(i, j int) bool {
		return result.Results[i].Date.After(result.Results[j].Date)
	})
	return result, nil
}

// searchRemote runs UID SEARCH and decodes up to DefaultLimit of the newest
// hits that are not already known. Decoded hits are added to the cache.
func (c *Coordinator) searchRemote(ctx context.Context, accountID, query string, seen map[string]bool) ([]models.MessageRecord, error) {
	var raws []protocol.RawMessage
	var validity uint32

	err := c.withSession(ctx, accountID, func(sess protocol.Session) error {
		uids, err := sess.Search(ctx, query)
		if err != nil {
			return err
		}
		validity = sess.UIDValidity()

		sort.Slice(uids, func(i, j int) bool { return uids[i] > uids[j] })
		var wanted []uint32
		for _, uid := range uids {
			if len(wanted) == c.opts.DefaultLimit {
				break
			}
			if !seen[models.MessageKey(accountID, validity, uid)] {
				wanted = append(wanted, uid)
			}
		}
		if len(wanted) == 0 {
			return nil
		}

		raws, err = sess.FetchByUIDs(ctx, wanted)
		return err
	})
	if err != nil {
		return nil, err
	}

	now := c.opts.Now()
	records := make([]models.MessageRecord, 0, len(raws))
	for _, raw := range raws {
		rec, err := decoder.Decode(accountID, validity, raw)
		if err != nil {
			c.accountLog(accountID).Warn("skipping search hit %d: %v", raw.UID, err)
			continue
		}
		if seen[rec.ID] {
			continue
		}
		seen[rec.ID] = true
		rec.SyncedAt = now
		records = append(records, rec)
	}

	if len(records) > 0 {
		if err := c.cache.Upsert(accountID, records); err != nil {
			c.accountLog(accountID).Warn("cannot cache search hits: %v", err)
		}
	}
	sortByDateDesc(records)
	return records, nil
}
