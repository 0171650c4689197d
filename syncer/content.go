package syncer

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/singleflight"

	"mailsync/decoder"
	"mailsync/models"
	"mailsync/protocol"
	"mailsync/utils"
)

// messageRef resolves a record id of accountID to its mailbox coordinates
func messageRef(accountID, id string) (uidValidity, uid uint32, err error) {
	owner, uidValidity, uid, err := models.ParseMessageKey(id)
	if err != nil {
		return 0, 0, utils.BadRequestError("invalid email id", err)
	}
	if owner != accountID {
		return 0, 0, utils.NotFoundError("email not found", nil).WithContext("id", id)
	}
	return uidValidity, uid, nil
}

// checkEpoch rejects ids minted under a UIDVALIDITY the mailbox no longer has
func checkEpoch(sess protocol.Session, id string, uidValidity uint32) error {
	if current := sess.UIDValidity(); current != 0 && current != uidValidity {
		return utils.NotFoundError("email no longer exists", nil).
			WithContext("id", id).
			WithContext("uid_validity", current)
	}
	return nil
}

// GetEmailContent returns the full body of a message, from the cache when
// it holds one. Concurrent requests for the same id share one fetch, which
// keeps running for the others when one caller gives up.
func (c *Coordinator) GetEmailContent(ctx context.Context, accountID, id string) (*models.ContentResult, error) {
	started := time.Now()
	uidValidity, uid, err := messageRef(accountID, id)
	if err != nil {
		return nil, err
	}

	if rec, err := c.cache.Get(id); err == nil && rec.Body != nil {
		return &models.ContentResult{
			Content:     *rec.Body,
			Source:      models.SourceCache,
			FetchTimeMs: time.Since(started).Milliseconds(),
		}, nil
	} else if err != nil && !utils.IsKind(err, utils.KindNotFound) {
		c.accountLog(accountID).Warn("cache read for %s failed: %v", id, err)
	}

	// the shared fetch outlives any one caller; each waits on its own ctx
	ch := c.content.DoChan(id, func() (interface{}, error) {
		fetchCtx, cancel := context.WithTimeout(c.root, c.opts.RefreshTimeout)
		defer cancel()
		return c.fetchContent(fetchCtx, accountID, id, uidValidity, uid)
	})

	var res singleflight.Result
	select {
	case res = <-ch:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if res.Err != nil {
		return nil, res.Err
	}

	return &models.ContentResult{
		Content:     res.Val.(models.EmailContent),
		Source:      models.SourceRemote,
		FetchTimeMs: time.Since(started).Milliseconds(),
	}, nil
}

func (c *Coordinator) fetchContent(ctx context.Context, accountID, id string, uidValidity, uid uint32) (models.EmailContent, error) {
	var full *protocol.FullMessage
	err := c.withSession(ctx, accountID, func(sess protocol.Session) error {
		if err := checkEpoch(sess, id, uidValidity); err != nil {
			return err
		}
		var err error
		full, err = sess.FetchMessage(ctx, uid)
		return err
	})
	if err != nil {
		return models.EmailContent{}, err
	}

	content, err := decoder.DecodeBody(full.Raw)
	if err != nil {
		return models.EmailContent{}, err
	}
	if full.BodyStructure != nil {
		content.Attachments = decoder.Attachments(id, full.BodyStructure)
	} else {
		for i := range content.Attachments {
			content.Attachments[i].MessageID = id
		}
	}
	if content.Attachments == nil {
		content.Attachments = []models.AttachmentRef{}
	}

	if err := c.cache.SetBody(id, content); err != nil && !utils.IsKind(err, utils.KindNotFound) {
		c.accountLog(accountID).Warn("cannot cache body of %s: %v", id, err)
	}
	return content, nil
}

// GetAttachment downloads one attachment. Attachment bytes are never cached.
func (c *Coordinator) GetAttachment(ctx context.Context, accountID, messageID, attachmentID string) (*models.Attachment, error) {
	uidValidity, uid, err := messageRef(accountID, messageID)
	if err != nil {
		return nil, err
	}
	path, ok := protocol.ParsePath(attachmentID)
	if !ok {
		return nil, utils.BadRequestError("invalid attachment id", nil).WithContext("attachment", attachmentID)
	}

	var ref *models.AttachmentRef
	if rec, err := c.cache.Get(messageID); err == nil && rec.Body != nil {
		ref = findAttachment(rec.Body.Attachments, attachmentID)
	}

	var data []byte
	err = c.withSession(ctx, accountID, func(sess protocol.Session) error {
		if err := checkEpoch(sess, messageID, uidValidity); err != nil {
			return err
		}
		if ref == nil {
			raws, err := sess.FetchByUIDs(ctx, []uint32{uid})
			if err != nil {
				return err
			}
			if len(raws) == 0 {
				return utils.NotFoundError("email not found", nil).WithContext("id", messageID)
			}
			ref = findAttachment(decoder.Attachments(messageID, raws[0].BodyStructure), attachmentID)
			if ref == nil {
				return utils.NotFoundError("attachment not found", nil).WithContext("attachment", attachmentID)
			}
		}

		var err error
		data, err = sess.FetchPart(ctx, uid, path)
		return err
	})
	if err != nil {
		return nil, err
	}
	if data == nil {
		return nil, utils.NotFoundError(fmt.Sprintf("attachment %s has no content", attachmentID), nil)
	}

	content, err := decoder.DecodePart(data, ref.Encoding)
	if err != nil {
		return nil, err
	}

	return &models.Attachment{
		AttachmentRef: *ref,
		Content:       content,
	}, nil
}

func findAttachment(refs []models.AttachmentRef, id string) *models.AttachmentRef {
	for i := range refs {
		if refs[i].ID == id {
			ref := refs[i]
			return &ref
		}
	}
	return nil
}
