package decoder

import (
	"strings"

	"github.com/emersion/go-imap"

	"mailsync/models"
	"mailsync/protocol"
)

// PreviewPart picks the part whose text becomes the preview
func PreviewPart(bs *imap.BodyStructure) (path []int, part *imap.BodyStructure, ok bool) {
	return protocol.TextPart(bs)
}

// isAttachment applies to leaves only: an explicit attachment disposition,
// or any non-text content whether inline or not.
func isAttachment(part *imap.BodyStructure) bool {
	if len(part.Parts) > 0 {
		return false
	}
	if strings.EqualFold(part.Disposition, "attachment") {
		return true
	}
	return !strings.EqualFold(part.MIMEType, "text")
}

// HasAttachments reports whether any leaf of the tree is an attachment
func HasAttachments(bs *imap.BodyStructure) bool {
	if bs == nil {
		return false
	}
	found := false
	bs.Walk(func(path []int, part *imap.BodyStructure) bool {
		if found {
			return false
		}
		if isAttachment(part) {
			found = true
			return false
		}
		return true
	})
	return found
}

// Attachments lists the attachment parts of bs, keyed by part path
func Attachments(recordID string, bs *imap.BodyStructure) []models.AttachmentRef {
	if bs == nil {
		return nil
	}

	var refs []models.AttachmentRef
	bs.Walk(func(path []int, part *imap.BodyStructure) bool {
		if !isAttachment(part) {
			return true
		}
		// an attached message is listed as one file
		name, err := part.Filename()
		if err != nil || name == "" {
			name = fallbackFilename(part.MIMEType, part.MIMESubType, path)
		}
		refs = append(refs, models.AttachmentRef{
			MessageID:   recordID,
			ID:          protocol.FormatPath(path),
			Filename:    name,
			ContentType: strings.ToLower(part.MIMEType + "/" + part.MIMESubType),
			Size:        int(part.Size),
			Encoding:    strings.ToLower(part.Encoding),
		})
		return false
	})
	return refs
}

func fallbackFilename(mimeType, subType string, path []int) string {
	name := "part-" + strings.ReplaceAll(protocol.FormatPath(path), ".", "-")
	switch {
	case strings.EqualFold(mimeType, "message") && strings.EqualFold(subType, "rfc822"):
		return name + ".eml"
	case subType != "":
		return name + "." + strings.ToLower(subType)
	}
	return name
}
