package api

import (
	"context"
	"fmt"
	"mime"
	"time"

	"github.com/gofiber/fiber/v2"

	"mailsync/models"
)

// MailService is the cache-first mail API served by syncer.Coordinator
type MailService interface {
	GetEmails(ctx context.Context, accountID string, forceRefresh bool, limit int) (*models.EmailList, error)
	GetEmailContent(ctx context.Context, accountID, id string) (*models.ContentResult, error)
	MarkAsRead(ctx context.Context, accountID, id string) error
	MarkAsUnread(ctx context.Context, accountID, id string) error
	DeleteEmail(ctx context.Context, accountID, id string) error
	SearchEmails(ctx context.Context, accountID, query string) (*models.SearchResult, error)
	GetAttachment(ctx context.Context, accountID, messageID, attachmentID string) (*models.Attachment, error)
	Status(accountID string) models.SyncStatus
}

// EmailHandler exposes the mail operations of one account
type EmailHandler struct {
	mail     MailService
	accounts AccountLookup
	timeout  time.Duration
}

// NewEmailHandler creates a new email handler; timeout bounds each request
func NewEmailHandler(mail MailService, accounts AccountLookup, timeout time.Duration) *EmailHandler {
	if timeout <= 0 {
		timeout = time.Minute
	}
	return &EmailHandler{mail: mail, accounts: accounts, timeout: timeout}
}

// GetEmails handles GET /emails?forceRefresh=&limit=
func (h *EmailHandler) GetEmails(c *fiber.Ctx) error {
	account, err := ownedAccount(c, h.accounts)
	if err != nil {
		return err
	}
	force, err := queryBool(c, "forceRefresh")
	if err != nil {
		return err
	}
	limit, err := queryLimit(c)
	if err != nil {
		return err
	}

	ctx, cancel := requestContext(c, h.timeout)
	defer cancel()

	list, err := h.mail.GetEmails(ctx, account.ID, force, limit)
	if err != nil {
		return err
	}
	return c.JSON(list)
}

// GetEmail handles GET /emails/:emailId
func (h *EmailHandler) GetEmail(c *fiber.Ctx) error {
	account, err := ownedAccount(c, h.accounts)
	if err != nil {
		return err
	}

	ctx, cancel := requestContext(c, h.timeout)
	defer cancel()

	content, err := h.mail.GetEmailContent(ctx, account.ID, c.Params("emailId"))
	if err != nil {
		return err
	}
	return c.JSON(content)
}

// MarkAsRead handles POST /emails/:emailId/read
func (h *EmailHandler) MarkAsRead(c *fiber.Ctx) error {
	return h.mutate(c, "read", h.mail.MarkAsRead)
}

// MarkAsUnread handles POST /emails/:emailId/unread
func (h *EmailHandler) MarkAsUnread(c *fiber.Ctx) error {
	return h.mutate(c, "unread", h.mail.MarkAsUnread)
}

// DeleteEmail handles DELETE /emails/:emailId
func (h *EmailHandler) DeleteEmail(c *fiber.Ctx) error {
	return h.mutate(c, "deleted", h.mail.DeleteEmail)
}

func (h *EmailHandler) mutate(c *fiber.Ctx, status string, op func(ctx context.Context, accountID, id string) error) error {
	account, err := ownedAccount(c, h.accounts)
	if err != nil {
		return err
	}
	emailID := c.Params("emailId")

	ctx, cancel := requestContext(c, h.timeout)
	defer cancel()

	if err := op(ctx, account.ID, emailID); err != nil {
		return err
	}
	return c.JSON(fiber.Map{
		"success":  true,
		"email_id": emailID,
		"status":   status,
	})
}

// Search handles GET /search?q=
func (h *EmailHandler) Search(c *fiber.Ctx) error {
	account, err := ownedAccount(c, h.accounts)
	if err != nil {
		return err
	}

	ctx, cancel := requestContext(c, h.timeout)
	defer cancel()

	result, err := h.mail.SearchEmails(ctx, account.ID, c.Query("q"))
	if err != nil {
		return err
	}
	return c.JSON(result)
}

// GetAttachment handles GET /emails/:emailId/attachments/:attachmentId
func (h *EmailHandler) GetAttachment(c *fiber.Ctx) error {
	account, err := ownedAccount(c, h.accounts)
	if err != nil {
		return err
	}

	ctx, cancel := requestContext(c, h.timeout)
	defer cancel()

	attachment, err := h.mail.GetAttachment(ctx, account.ID, c.Params("emailId"), c.Params("attachmentId"))
	if err != nil {
		return err
	}

	contentType := attachment.ContentType
	if contentType == "" {
		contentType = fiber.MIMEOctetStream
	}
	disposition := mime.FormatMediaType("attachment", map[string]string{"filename": attachment.Filename})
	if disposition == "" {
		disposition = fmt.Sprintf("attachment; filename=%q", "attachment")
	}

	c.Set(fiber.HeaderContentType, contentType)
	c.Set(fiber.HeaderContentDisposition, disposition)
	return c.Send(attachment.Content)
}

// Status handles GET /status
func (h *EmailHandler) Status(c *fiber.Ctx) error {
	account, err := ownedAccount(c, h.accounts)
	if err != nil {
		return err
	}
	return c.JSON(h.mail.Status(account.ID))
}
