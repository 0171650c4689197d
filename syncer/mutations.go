package syncer

import (
	"context"

	"mailsync/models"
	"mailsync/protocol"
	"mailsync/utils"
)

// MarkAsRead sets \Seen on the server, then in the cache
func (c *Coordinator) MarkAsRead(ctx context.Context, accountID, id string) error {
	return c.setRead(ctx, accountID, id, true)
}

// MarkAsUnread clears \Seen on the server, then in the cache
func (c *Coordinator) MarkAsUnread(ctx context.Context, accountID, id string) error {
	return c.setRead(ctx, accountID, id, false)
}

func (c *Coordinator) setRead(ctx context.Context, accountID, id string, read bool) error {
	uidValidity, uid, err := messageRef(accountID, id)
	if err != nil {
		return err
	}

	err = c.withSession(ctx, accountID, func(sess protocol.Session) error {
		if err := checkEpoch(sess, id, uidValidity); err != nil {
			return err
		}
		return sess.SetSeen(ctx, uid, read)
	})
	if err != nil {
		return err
	}

	if err := c.cache.SetReadStatus(id, read); err != nil && !utils.IsKind(err, utils.KindNotFound) {
		c.accountLog(accountID).Warn("cannot mirror read status of %s: %v", id, err)
	}

	status := "unread"
	if read {
		status = "read"
	}
	c.notify(accountID, models.NotifyStatusChange, "Email status changed", map[string]interface{}{
		"email_id": id,
		"status":   status,
	})
	return nil
}

// DeleteEmail expunges the message on the server, then drops it from the cache
func (c *Coordinator) DeleteEmail(ctx context.Context, accountID, id string) error {
	uidValidity, uid, err := messageRef(accountID, id)
	if err != nil {
		return err
	}

	err = c.withSession(ctx, accountID, func(sess protocol.Session) error {
		if err := checkEpoch(sess, id, uidValidity); err != nil {
			return err
		}
		return sess.Delete(ctx, uid)
	})
	if err != nil {
		return err
	}

	if err := c.cache.Remove(id); err != nil {
		c.accountLog(accountID).Warn("cannot remove %s from cache: %v", id, err)
	}

	c.notify(accountID, models.NotifyDeleted, "Email deleted", map[string]interface{}{
		"email_id": id,
	})
	return nil
}
