// Package decoder turns raw IMAP fetch results into cacheable records and
// message bodies into displayable content.
package decoder

import (
	"fmt"
	"strings"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-message/charset"

	"mailsync/models"
	"mailsync/protocol"
	"mailsync/utils"
)

func init() {
	// Importing go-message/charset registers it for go-message; go-imap
	// needs the hook set explicitly for encoded envelope words.
	imap.CharsetReader = charset.Reader
}

// Decode converts one fetched message into a record without body.
// The envelope is authoritative; the raw header block fills in
// fields the envelope lacks.
func Decode(accountID string, uidValidity uint32, raw protocol.RawMessage) (models.MessageRecord, error) {
	if raw.UID == 0 {
		return models.MessageRecord{}, utils.DecodeError("message has no UID", nil)
	}
	if raw.Envelope == nil && len(raw.Header) == 0 {
		return models.MessageRecord{}, utils.DecodeError(fmt.Sprintf("message %d has neither envelope nor header", raw.UID), nil)
	}

	rec := models.MessageRecord{
		ID:          models.MessageKey(accountID, uidValidity, raw.UID),
		AccountID:   accountID,
		UID:         raw.UID,
		UIDValidity: uidValidity,
		IsRead:      hasFlag(raw.Flags, imap.SeenFlag),
		Size:        raw.Size,
	}

	hdr := parseHeader(raw.Header)
	applyEnvelope(&rec, raw.Envelope)
	applyHeaderFallback(&rec, hdr)

	if rec.Date.IsZero() {
		rec.Date = raw.InternalDate
	}

	rec.HasAttachments = HasAttachments(raw.BodyStructure)
	rec.Preview = Preview(raw.PreviewPart, raw.PreviewBytes)

	return rec, nil
}

func hasFlag(flags []string, flag string) bool {
	for _, f := range flags {
		if strings.EqualFold(f, flag) {
			return true
		}
	}
	return false
}
