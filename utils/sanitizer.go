package utils

import (
	"github.com/microcosm-cc/bluemonday"
)

// mailPolicy is built once; bluemonday policies are safe for concurrent use
var mailPolicy = newMailPolicy()

// newMailPolicy extends the UGC policy with the layout markup HTML mail
// relies on: tables with alignment, inline styles and cid: inline images.
// Links open in a new tab without leaking the referrer.
func newMailPolicy() *bluemonday.Policy {
	p := bluemonday.UGCPolicy()

	p.AllowElements("p", "br", "div", "span", "h1", "h2", "h3", "h4", "h5", "h6")
	p.AllowElements("strong", "em", "u", "s", "code", "pre", "font", "center", "blockquote")
	p.AllowElements("ul", "ol", "li", "a", "img")
	p.AllowElements("table", "thead", "tbody", "tr", "th", "td")

	p.AllowAttrs("href").OnElements("a")
	p.AllowAttrs("src", "alt", "title", "width", "height").OnElements("img")
	p.AllowAttrs("class", "id").Globally()
	p.AllowAttrs("style").OnElements("span", "div", "p", "td", "table")
	p.AllowAttrs("align", "valign", "colspan", "rowspan", "bgcolor").OnElements("td", "th", "tr", "table")

	p.RequireParseableURLs(true)
	p.AllowURLSchemes("http", "https", "mailto", "cid")
	p.RequireNoReferrerOnLinks(true)
	p.AddTargetBlankToFullyQualifiedLinks(true)

	return p
}

// SanitizeHTML strips scripts, handlers and unsafe URLs from a mail body
func SanitizeHTML(html string) string {
	return mailPolicy.Sanitize(html)
}
