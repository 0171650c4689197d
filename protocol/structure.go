package protocol

import (
	"strconv"
	"strings"

	"github.com/emersion/go-imap"
)

// TextPart returns the first text/plain leaf of a body structure, or the
// first text/html leaf when there is no plain part.
func TextPart(bs *imap.BodyStructure) (path []int, part *imap.BodyStructure, ok bool) {
	if bs == nil {
		return nil, nil, false
	}

	var htmlPath []int
	var htmlPart *imap.BodyStructure

	bs.Walk(func(p []int, node *imap.BodyStructure) bool {
		if path != nil {
			return false
		}
		if len(node.Parts) > 0 || !strings.EqualFold(node.MIMEType, "text") {
			return true
		}
		if strings.EqualFold(node.Disposition, "attachment") {
			return true
		}
		switch strings.ToLower(node.MIMESubType) {
		case "plain":
			path, part = p, node
			return false
		case "html":
			if htmlPath == nil {
				htmlPath, htmlPart = p, node
			}
		}
		return true
	})

	if path != nil {
		return path, part, true
	}
	if htmlPath != nil {
		return htmlPath, htmlPart, true
	}
	return nil, nil, false
}

// FormatPath renders a part path the way IMAP writes it ("1.2")
func FormatPath(path []int) string {
	parts := make([]string, len(path))
	for i, n := range path {
		parts[i] = strconv.Itoa(n)
	}
	return strings.Join(parts, ".")
}

// ParsePath parses an IMAP part path such as "2" or "1.3"
func ParsePath(s string) ([]int, bool) {
	if s == "" {
		return nil, false
	}
	fields := strings.Split(s, ".")
	path := make([]int, 0, len(fields))
	for _, f := range fields {
		n, err := strconv.Atoi(f)
		if err != nil || n <= 0 {
			return nil, false
		}
		path = append(path, n)
	}
	return path, true
}

// FindPart returns the node of bs addressed by path
func FindPart(bs *imap.BodyStructure, path []int) *imap.BodyStructure {
	var found *imap.BodyStructure
	if bs == nil {
		return nil
	}
	bs.Walk(func(p []int, node *imap.BodyStructure) bool {
		if found != nil {
			return false
		}
		if samePath(p, path) {
			found = node
			return false
		}
		return len(p) < len(path)
	})
	return found
}

func samePath(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
