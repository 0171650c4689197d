package decoder

import (
	"bufio"
	"bytes"
	"strings"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-message/mail"
	"github.com/emersion/go-message/textproto"

	"mailsync/models"
)

// parseHeader reads a raw header block. Lines after a malformed one are
// lost, the fields read before it are kept.
func parseHeader(raw []byte) mail.Header {
	if len(raw) == 0 {
		return mail.Header{}
	}
	if !bytes.HasSuffix(raw, []byte("\r\n\r\n")) && !bytes.HasSuffix(raw, []byte("\n\n")) {
		raw = append(append([]byte(nil), raw...), "\r\n\r\n"...)
	}

	h, _ := textproto.ReadHeader(bufio.NewReader(bytes.NewReader(raw)))
	var hdr mail.Header
	hdr.Header.Header = h
	return hdr
}

func applyEnvelope(rec *models.MessageRecord, env *imap.Envelope) {
	if env == nil {
		return
	}
	rec.Subject = strings.TrimSpace(env.Subject)
	rec.Date = env.Date
	if len(env.From) > 0 {
		rec.From = convertAddress(env.From[0])
	}
	rec.To = convertAddresses(env.To)
	rec.Cc = convertAddresses(env.Cc)
	rec.MessageID = trimMsgID(env.MessageId)
	rec.InReplyTo = trimMsgID(env.InReplyTo)
}

func applyHeaderFallback(rec *models.MessageRecord, hdr mail.Header) {
	if rec.Subject == "" {
		if s, err := hdr.Subject(); err == nil {
			rec.Subject = strings.TrimSpace(s)
		} else {
			rec.Subject = strings.TrimSpace(hdr.Get("Subject"))
		}
	}

	if rec.From.Email == "" {
		if list, err := hdr.AddressList("From"); err == nil && len(list) > 0 {
			rec.From = models.Address{Name: list[0].Name, Email: list[0].Address}
		} else if raw := strings.TrimSpace(hdr.Get("From")); raw != "" {
			rec.From = models.Address{Email: raw}
		}
	}

	if rec.Date.IsZero() {
		if d, err := hdr.Date(); err == nil {
			rec.Date = d
		}
	}

	if rec.MessageID == "" {
		if id, err := hdr.MessageID(); err == nil && id != "" {
			rec.MessageID = id
		} else {
			rec.MessageID = trimMsgID(hdr.Get("Message-Id"))
		}
	}

	if rec.InReplyTo == "" {
		if ids, _ := hdr.MsgIDList("In-Reply-To"); len(ids) > 0 {
			rec.InReplyTo = ids[0]
		}
	}

	if refs, _ := hdr.MsgIDList("References"); len(refs) > 0 {
		rec.References = refs
	}
}

func convertAddress(addr *imap.Address) models.Address {
	if addr == nil {
		return models.Address{}
	}
	a := models.Address{Name: strings.TrimSpace(addr.PersonalName)}
	switch {
	case addr.MailboxName != "" && addr.HostName != "":
		a.Email = addr.Address()
	default:
		a.Email = addr.MailboxName
	}
	return a
}

func convertAddresses(list []*imap.Address) []models.Address {
	if len(list) == 0 {
		return nil
	}
	out := make([]models.Address, 0, len(list))
	for _, addr := range list {
		// group syntax markers carry no mailbox
		if addr == nil || (addr.MailboxName == "" && addr.HostName == "") {
			continue
		}
		out = append(out, convertAddress(addr))
	}
	return out
}

func trimMsgID(id string) string {
	id = strings.TrimSpace(id)
	id = strings.TrimPrefix(id, "<")
	return strings.TrimSuffix(id, ">")
}
