package normalize

import (
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"
)

// HTML entities that hide markup from the tag stripper when left encoded.
// Decoded sequentially, so doubly-encoded entities unwrap the same way a
// chained replace would.
var entityPairs = [][2]string{
	{"&amp;", "&"},
	{"&lt;", "<"},
	{"&gt;", ">"},
	{"&quot;", `"`},
	{"&#039;", "'"},
	{"&#x27;", "'"},
	{"&#x2F;", "/"},
	{"&nbsp;", " "},
}

var (
	tagPattern      = regexp.MustCompile(`<[^>]*>`)
	multiNewline    = regexp.MustCompile(`\n{3,}`)
	horizontalSpace = regexp.MustCompile(`[ \t]+`)
	anyWhitespace   = regexp.MustCompile(`\s+`)
)

// Elements whose entire content carries no textual signal. img is included
// because image tags are a common tracking and obfuscation vector.
const droppedElements = "style,script,img"

// Block-level elements that terminate a line of text.
var blockElements = map[string]bool{
	"p": true, "div": true,
	"h1": true, "h2": true, "h3": true, "h4": true, "h5": true, "h6": true,
	"header": true, "footer": true, "section": true, "article": true,
	"tr": true,
}

func decodeEntities(s string) string {
	for _, pair := range entityPairs {
		s = strings.ReplaceAll(s, pair[0], pair[1])
	}
	return s
}

// stripInvisible removes BOM, replacement, null, zero-width and other
// control runes (newlines and tabs survive), and maps Unicode space
// variants to a plain ASCII space.
func stripInvisible(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r == '\n' || r == '\t':
			return r
		case r == '\ufeff' || r == '\ufffd':
			return -1
		case r >= '\u200b' && r <= '\u200d', r == '\u2060':
			return -1
		case r < 0x20 || r == 0x7F:
			return -1
		case r == '\u00a0', r >= '\u2000' && r <= '\u200a', r == '\u202f', r == '\u205f', r == '\u3000':
			return ' '
		}
		return r
	}, s)
}

// Text converts raw (possibly HTML) email content into clean plain text.
// Idempotent for text that is already plain with normalized whitespace.
func Text(raw string) string {
	if raw == "" {
		return ""
	}

	decoded := decodeEntities(raw)
	decoded = strings.ReplaceAll(decoded, "\r\n", "\n")
	decoded = strings.ReplaceAll(decoded, "\r", "\n")

	text := htmlToText(decoded)

	// Trim each line and drop empty ones before the global cleanup
	var lines []string
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			lines = append(lines, line)
		}
	}
	text = strings.Join(lines, "\n")

	// Anything the tree pass missed
	text = tagPattern.ReplaceAllString(text, "")

	text = multiNewline.ReplaceAllString(text, "\n\n")
	text = stripInvisible(text)
	text = horizontalSpace.ReplaceAllString(text, " ")
	return strings.TrimSpace(text)
}

// Subject is the lighter variant for subject lines: no block or list
// structure to preserve, all whitespace collapses to single spaces.
func Subject(raw string) string {
	if raw == "" {
		return ""
	}
	s := decodeEntities(raw)
	s = tagPattern.ReplaceAllString(s, "")
	s = stripInvisible(s)
	s = anyWhitespace.ReplaceAllString(s, " ")
	return strings.TrimSpace(s)
}

// htmlToText renders an HTML fragment as plain text with block structure
// mapped to newlines. Falls back to regex tag stripping when the document
// cannot be parsed, so the caller always gets text back.
func htmlToText(raw string) string {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(raw))
	if err != nil {
		return tagPattern.ReplaceAllString(raw, "")
	}

	doc.Find(droppedElements).Remove()

	var b strings.Builder
	for _, node := range doc.Selection.Nodes {
		renderNode(node, &b)
	}
	return b.String()
}

func renderNode(n *html.Node, b *strings.Builder) {
	if n.Type == html.TextNode {
		b.WriteString(n.Data)
		return
	}
	if n.Type != html.ElementNode && n.Type != html.DocumentNode {
		return
	}

	tag := ""
	if n.Type == html.ElementNode {
		tag = strings.ToLower(n.Data)
	}

	switch {
	case tag == "br":
		b.WriteString("\n")
		return
	case tag == "li":
		// Bullet marker so list structure survives the flattening
		b.WriteString("• ")
	}

	// Anchors contribute their visible text only; the href is dropped here
	// because link targets are extracted separately and must not leak into
	// the body text.
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		renderNode(c, b)
	}

	switch {
	case tag == "li":
		b.WriteString("\n")
	case tag == "td" || tag == "th":
		b.WriteString("\t")
	case blockElements[tag]:
		b.WriteString("\n")
	}
}
