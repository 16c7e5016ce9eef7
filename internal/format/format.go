// Package format converts a source message into the destination's HTML wire
// format: a header with the sender in bold and the localized timestamp in
// italics, a blank line, then the converted body.
//
// The body conversion is order-sensitive: code spans are lifted out first so
// literal markup characters inside them are never interpreted, the remaining
// plain text is escaped for &, < and > exactly once, and only then are the
// formatting spans rewritten. Identical input always produces byte-identical
// output.
package format

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"chatmigrate/internal/domain"
)

type Formatter struct {
	loc    *time.Location
	layout string
}

// Date layouts by BCP 47 locale tag. The destination only needs a readable
// localized rendering, not full CLDR coverage.
var layouts = map[string]string{
	"en-US": "Jan 2, 2006 3:04 PM MST",
	"en-GB": "2 Jan 2006 15:04 MST",
	"de-DE": "02.01.2006 15:04 MST",
	"fr-FR": "02/01/2006 15:04 MST",
	"ja-JP": "2006/01/02 15:04 MST",
}

const defaultLayout = "2006-01-02 15:04 MST"

func New(timezone, locale string) (*Formatter, error) {
	loc, err := time.LoadLocation(timezone)
	if err != nil {
		return nil, fmt.Errorf("load timezone %q: %w", timezone, err)
	}
	layout, ok := layouts[locale]
	if !ok {
		layout = defaultLayout
	}
	return &Formatter{loc: loc, layout: layout}, nil
}

// Render produces the full formatted body for one message.
func (f *Formatter) Render(m domain.Message) string {
	var b strings.Builder
	b.WriteString("<b>")
	b.WriteString(escape(m.Sender))
	b.WriteString("</b><br/><i>")
	b.WriteString(m.CreatedAt.In(f.loc).Format(f.layout))
	b.WriteString("</i><br/><br/>")
	b.WriteString(Body(m.Content, m.ContentType))
	return b.String()
}

var (
	fencedRe = regexp.MustCompile("(?s)```(?:[a-zA-Z0-9]*\n)?(.*?)```")
	inlineRe = regexp.MustCompile("`([^`\n]+)`")
	imageRe  = regexp.MustCompile(`!\[([^\]]*)\]\(([^)\s]+)\)`)
	linkRe   = regexp.MustCompile(`\[([^\]]*)\]\(([^)\s]+)\)`)
	boldRe   = regexp.MustCompile(`\*\*(.+?)\*\*`)
	italicRe = regexp.MustCompile(`\*([^*\n]+)\*`)
	underRe  = regexp.MustCompile(`_([^_\n]+)_`)
)

// Body converts a message body from the source markup to destination HTML.
// Plain-text content is escaped and line-broken only.
func Body(content string, ct domain.ContentType) string {
	if ct != domain.ContentTypeMarkdown {
		return strings.ReplaceAll(escape(content), "\n", "<br/>")
	}

	// Lift code out behind \x00-delimited placeholders before anything else;
	// the sentinel survives escaping untouched.
	var stash []string
	hold := func(html string) string {
		stash = append(stash, html)
		return fmt.Sprintf("\x00%d\x00", len(stash)-1)
	}

	out := fencedRe.ReplaceAllStringFunc(content, func(s string) string {
		code := fencedRe.FindStringSubmatch(s)[1]
		return hold("<pre><code>" + escape(code) + "</code></pre>")
	})
	out = inlineRe.ReplaceAllStringFunc(out, func(s string) string {
		code := inlineRe.FindStringSubmatch(s)[1]
		return hold("<code>" + escape(code) + "</code>")
	})

	out = escape(out)

	out = imageRe.ReplaceAllString(out, `<img src="$2" alt="$1"/>`)
	out = linkRe.ReplaceAllString(out, `<a href="$2">$1</a>`)
	out = boldRe.ReplaceAllString(out, "<b>$1</b>")
	out = italicRe.ReplaceAllString(out, "<i>$1</i>")
	out = underRe.ReplaceAllString(out, "<i>$1</i>")

	out = strings.ReplaceAll(out, "\n", "<br/>")

	for i, html := range stash {
		out = strings.Replace(out, fmt.Sprintf("\x00%d\x00", i), html, 1)
	}
	return out
}

var escaper = strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;")

func escape(s string) string { return escaper.Replace(s) }
