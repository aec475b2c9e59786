package normalize

import (
	"fmt"
	"log"
	"net/url"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// urlPattern finds URLs mentioned in plain text, so links are caught even
// without markup.
var urlPattern = regexp.MustCompile(`https?://[^\s<>"]+`)

// ExtractURLs returns the full deduplicated list of well-formed URLs found
// in the content, in first-seen order. Candidates come from anchor href
// attributes and a regex scan over the text content. Malformed candidates
// are logged and dropped.
func ExtractURLs(raw string) []string {
	var urls []string
	seen := make(map[string]bool)

	for _, candidate := range collectCandidates(raw) {
		clean := cleanURL(candidate)
		if clean == "" {
			log.Printf("Warning: dropping malformed URL: %q", candidate)
			continue
		}
		if seen[clean] {
			continue
		}
		seen[clean] = true
		urls = append(urls, clean)
	}

	return urls
}

// DomainSummary returns one "<domain> (<n> link<s>)" string per hostname,
// counting every accepted occurrence, in first-seen order. Hostnames are
// lowercased; candidates without a valid host never produce a key.
func DomainSummary(raw string) []string {
	counts := make(map[string]int)
	var order []string

	for _, candidate := range collectCandidates(raw) {
		clean := cleanURL(candidate)
		if clean == "" {
			log.Printf("Warning: dropping malformed URL: %q", candidate)
			continue
		}
		parsed, err := url.Parse(clean)
		if err != nil || parsed.Hostname() == "" {
			continue
		}
		domain := strings.ToLower(parsed.Hostname())
		if counts[domain] == 0 {
			order = append(order, domain)
		}
		counts[domain]++
	}

	var summaries []string
	for _, domain := range order {
		n := counts[domain]
		plural := "s"
		if n == 1 {
			plural = ""
		}
		summaries = append(summaries, fmt.Sprintf("%s (%d link%s)", domain, n, plural))
	}
	return summaries
}

// collectCandidates gathers raw URL candidates from anchor hrefs and from
// the visible text. javascript: pseudo-URLs are excluded at the source.
func collectCandidates(raw string) []string {
	if raw == "" {
		return nil
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(raw))
	if err != nil {
		// Fallback to the text scan alone
		return urlPattern.FindAllString(raw, -1)
	}

	var candidates []string
	doc.Find("a[href]").Each(func(i int, s *goquery.Selection) {
		href, exists := s.Attr("href")
		if !exists {
			return
		}
		if strings.HasPrefix(strings.ToLower(strings.TrimSpace(href)), "javascript:") {
			return
		}
		candidates = append(candidates, href)
	})

	candidates = append(candidates, urlPattern.FindAllString(doc.Text(), -1)...)
	return candidates
}

// cleanURL normalizes and validates a URL candidate. Returns "" when the
// candidate does not parse as an absolute http(s) URL with a host.
func cleanURL(rawURL string) string {
	// Trailing punctuation is usually sentence context, not the URL
	rawURL = strings.TrimRight(rawURL, ".,;:!?)")

	parsed, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return ""
	}
	if parsed.Host == "" {
		return ""
	}
	return parsed.String()
}
