package models

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Address is a display name plus mailbox address pair
type Address struct {
	Name  string `json:"name,omitempty"`
	Email string `json:"email"`
}

// String formats the address the way a mail header would
func (a Address) String() string {
	if a.Name == "" {
		return a.Email
	}
	return fmt.Sprintf("%s <%s>", a.Name, a.Email)
}

// MessageRecord is the decoded, cacheable form of a message
type MessageRecord struct {
	ID             string        `json:"id"`
	AccountID      string        `json:"account_id"`
	UID            uint32        `json:"uid"`
	UIDValidity    uint32        `json:"uid_validity"`
	From           Address       `json:"from"`
	To             []Address     `json:"to"`
	Cc             []Address     `json:"cc,omitempty"`
	Subject        string        `json:"subject"`
	Date           time.Time     `json:"date"`
	IsRead         bool          `json:"is_read"`
	HasAttachments bool          `json:"has_attachments"`
	Preview        string        `json:"preview"`
	Body           *EmailContent `json:"body,omitempty"`
	MessageID      string        `json:"message_id,omitempty"`
	InReplyTo      string        `json:"in_reply_to,omitempty"`
	References     []string      `json:"references,omitempty"`
	Size           uint32        `json:"size"`
	SyncedAt       time.Time     `json:"synced_at"`
}

// EmailContent is the full text/HTML body of a message
type EmailContent struct {
	Text        string          `json:"text"`
	HTML        string          `json:"html"`
	Attachments []AttachmentRef `json:"attachments"`
}

// AttachmentRef describes an attachment without its bytes.
// ID is the IMAP body part path ("2", "1.3").
type AttachmentRef struct {
	MessageID   string `json:"message_id"`
	ID          string `json:"id"`
	Filename    string `json:"filename"`
	ContentType string `json:"content_type"`
	Size        int    `json:"size"`
	Encoding    string `json:"encoding,omitempty"`
}

// Attachment is a resolved attachment, only produced for downloads
type Attachment struct {
	AttachmentRef
	Content []byte `json:"-"` // Excluded from JSON
}

// MessageKey builds the record id for a message of an account
func MessageKey(accountID string, uidValidity, uid uint32) string {
	return fmt.Sprintf("%s:%d:%d", accountID, uidValidity, uid)
}

// ParseMessageKey splits a record id built by MessageKey
func ParseMessageKey(id string) (accountID string, uidValidity, uid uint32, err error) {
	last := strings.LastIndex(id, ":")
	if last <= 0 {
		return "", 0, 0, fmt.Errorf("malformed message id %q", id)
	}
	mid := strings.LastIndex(id[:last], ":")
	if mid <= 0 {
		return "", 0, 0, fmt.Errorf("malformed message id %q", id)
	}

	v, err := strconv.ParseUint(id[mid+1:last], 10, 32)
	if err != nil {
		return "", 0, 0, fmt.Errorf("malformed uid validity in %q: %w", id, err)
	}
	u, err := strconv.ParseUint(id[last+1:], 10, 32)
	if err != nil {
		return "", 0, 0, fmt.Errorf("malformed uid in %q: %w", id, err)
	}

	return id[:mid], uint32(v), uint32(u), nil
}
