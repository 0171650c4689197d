package decoder

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-message"
	"github.com/emersion/go-message/mail"

	"mailsync/models"
	"mailsync/protocol"
	"mailsync/utils"
)

// maxBodyText bounds how much of a single text part is kept
const maxBodyText = 4 << 20

// DecodeBody extracts text, sanitised HTML and attachment descriptors from
// a complete RFC 822 message. Attachment ids are IMAP part paths.
func DecodeBody(raw []byte) (models.EmailContent, error) {
	var content models.EmailContent
	if len(raw) == 0 {
		return content, utils.DecodeError("empty message", nil)
	}

	entity, err := message.Read(bytes.NewReader(raw))
	if err != nil && !message.IsUnknownCharset(err) && !message.IsUnknownEncoding(err) {
		return content, utils.DecodeError("cannot parse message", err)
	}

	var textParts, htmlParts []string
	walkErr := entity.Walk(func(path []int, part *message.Entity, err error) error {
		if err != nil && !message.IsUnknownCharset(err) && !message.IsUnknownEncoding(err) {
			return err
		}
		if part.MultipartReader() != nil {
			return nil
		}

		mediaType, _, _ := part.Header.ContentType()
		disp, _, _ := part.Header.ContentDisposition()
		imapPath := imapPartPath(path)

		isText := strings.HasPrefix(mediaType, "text/") || mediaType == ""
		if isText && disp != "attachment" {
			body, _ := io.ReadAll(io.LimitReader(part.Body, maxBodyText))
			switch mediaType {
			case "text/html":
				htmlParts = append(htmlParts, string(body))
			case "text/plain", "":
				textParts = append(textParts, string(body))
			}
			return nil
		}

		ah := mail.AttachmentHeader{Header: part.Header}
		name, _ := ah.Filename()
		if name == "" {
			sub := ""
			if i := strings.IndexByte(mediaType, '/'); i >= 0 {
				sub = mediaType[i+1:]
			}
			name = fallbackFilename(mediaType, sub, imapPath)
		}
		size, _ := io.Copy(io.Discard, part.Body)
		content.Attachments = append(content.Attachments, models.AttachmentRef{
			ID:          protocol.FormatPath(imapPath),
			Filename:    name,
			ContentType: mediaType,
			Size:        int(size),
			Encoding:    strings.ToLower(part.Header.Get("Content-Transfer-Encoding")),
		})
		return nil
	})
	if walkErr != nil && len(textParts) == 0 && len(htmlParts) == 0 {
		return content, utils.DecodeError("cannot read message parts", walkErr)
	}

	content.Text = strings.TrimSpace(strings.Join(textParts, "\n\n"))
	if len(htmlParts) > 0 {
		content.HTML = utils.SanitizeHTML(strings.Join(htmlParts, "\n"))
	}
	if content.Text == "" && len(htmlParts) > 0 {
		content.Text = utils.HTMLToText(strings.Join(htmlParts, "\n"))
	}

	return content, nil
}

// imapPartPath converts go-message's zero-based walk path to IMAP numbering
func imapPartPath(path []int) []int {
	if len(path) == 0 {
		return []int{1}
	}
	out := make([]int, len(path))
	for i, n := range path {
		out[i] = n + 1
	}
	return out
}

// DecodePart removes the content transfer encoding from attachment bytes
func DecodePart(data []byte, encoding string) ([]byte, error) {
	var h message.Header
	h.Set("Content-Type", "application/octet-stream")
	if encoding != "" {
		h.Set("Content-Transfer-Encoding", encoding)
	}

	entity, err := message.New(h, bytes.NewReader(data))
	if err != nil {
		if message.IsUnknownEncoding(err) {
			return data, nil
		}
		return nil, utils.DecodeError("cannot decode part", err)
	}

	out, err := io.ReadAll(entity.Body)
	if err != nil {
		return nil, utils.DecodeError(fmt.Sprintf("cannot decode %s part", encoding), err)
	}
	return out, nil
}

// Preview derives the excerpt from the leading bytes of the preview part.
// The bytes are usually truncated, so trailing decode errors are ignored.
func Preview(part *imap.BodyStructure, data []byte) string {
	if part == nil || len(data) == 0 {
		return ""
	}

	encoding := strings.ToLower(part.Encoding)
	if encoding == "base64" {
		// drop the incomplete trailing line
		if i := bytes.LastIndexByte(data, '\n'); i > 0 && len(data) >= protocol.PreviewBytes {
			data = data[:i]
		}
	}

	var h message.Header
	params := map[string]string{}
	if cs := part.Params["charset"]; cs != "" {
		params["charset"] = cs
	}
	h.SetContentType(strings.ToLower(part.MIMEType+"/"+part.MIMESubType), params)
	if encoding != "" {
		h.Set("Content-Transfer-Encoding", encoding)
	}

	entity, err := message.New(h, bytes.NewReader(data))
	if entity == nil || (err != nil && !message.IsUnknownCharset(err) && !message.IsUnknownEncoding(err)) {
		return utils.CreatePreview(string(data))
	}

	text, err := io.ReadAll(entity.Body)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && len(text) == 0 {
		return ""
	}

	s := string(text)
	if strings.EqualFold(part.MIMESubType, "html") {
		s = utils.HTMLToText(s)
	}
	return utils.CreatePreview(s)
}
