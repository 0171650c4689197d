package utils

import (
	"strings"
	"unicode/utf8"

	"golang.org/x/net/html"
	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

// PreviewLength is the maximum length of a preview excerpt in runes
const PreviewLength = 150

// CreatePreview collapses whitespace and trims text to PreviewLength runes,
// preferring a word boundary.
func CreatePreview(text string) string {
	text = strings.Join(strings.Fields(text), " ")
	text = strings.ToValidUTF8(text, "")

	if utf8.RuneCountInString(text) <= PreviewLength {
		return text
	}

	runes := []rune(text)
	cut := string(runes[:PreviewLength])
	if idx := strings.LastIndex(cut, " "); idx > 0 {
		return cut[:idx] + "..."
	}
	return cut + "..."
}

var blockTags = map[string]bool{
	"br": true, "p": true, "div": true, "li": true, "tr": true, "td": true, "th": true,
	"h1": true, "h2": true, "h3": true, "h4": true, "h5": true, "h6": true,
	"blockquote": true, "table": true, "hr": true,
}

// HTMLToText extracts the readable text of an HTML document.
// Script and style contents are dropped, entities are decoded.
func HTMLToText(src string) string {
	z := html.NewTokenizer(strings.NewReader(src))

	var b strings.Builder
	skip := 0
	for {
		switch z.Next() {
		case html.ErrorToken:
			return strings.TrimSpace(b.String())
		case html.StartTagToken, html.SelfClosingTagToken:
			name, _ := z.TagName()
			tag := string(name)
			if tag == "script" || tag == "style" || tag == "head" {
				skip++
			}
			if blockTags[tag] {
				b.WriteByte('\n')
			}
		case html.EndTagToken:
			name, _ := z.TagName()
			tag := string(name)
			if (tag == "script" || tag == "style" || tag == "head") && skip > 0 {
				skip--
			}
			if blockTags[tag] {
				b.WriteByte('\n')
			}
		case html.TextToken:
			if skip == 0 {
				b.Write(z.Text())
			}
		}
	}
}

// FoldForSearch normalises text for case- and width-insensitive
// substring matching.
func FoldForSearch(s string) string {
	return cases.Fold().String(norm.NFKC.String(s))
}

// ContainsFolded reports whether needle (already folded) occurs in haystack
func ContainsFolded(haystack, foldedNeedle string) bool {
	if foldedNeedle == "" {
		return true
	}
	return strings.Contains(FoldForSearch(haystack), foldedNeedle)
}
