// Package extract pulls contact details out of HTML documents.
package extract

import (
	"bytes"
	"fmt"
	"net/url"
	"regexp"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/grand-spider/internal/crawler"
)

// SocialDomains lists the hosts treated as social profiles. Subdomains match too.
var SocialDomains = []string{
	"twitter.com", "x.com", "facebook.com", "fb.com", "instagram.com", "linkedin.com",
	"youtube.com", "youtu.be", "pinterest.com", "tiktok.com", "snapchat.com", "reddit.com",
	"tumblr.com", "whatsapp.com", "wa.me", "t.me", "telegram.me", "discord.gg",
	"discord.com", "medium.com", "github.com", "threads.net", "mastodon.social",
}

var (
	emailPattern     = regexp.MustCompile(`[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}`)
	emailFullPattern = regexp.MustCompile(`^[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}$`)
	phonePattern     = regexp.MustCompile(`(\+?\d{1,3}[-.\s]?)?\(?\d{3}\)?[-.\s]?\d{3}[-.\s]?\d{4,}`)
	phoneFullPattern = regexp.MustCompile(`^(\+?\d{1,3}[-.\s]?)?\(?\d{3}\)?[-.\s]?\d{3}[-.\s]?\d{4,}$`)
	e164Pattern      = regexp.MustCompile(`^\+?[1-9]\d{6,14}$`)
)

var imageSuffixes = []string{".png", ".jpg", ".jpeg", ".gif", ".svg", ".webp", ".bmp", ".ico"}

const (
	minPhoneDigits = 7
	maxPhoneDigits = 15
)

// Extractor implements crawler.Extractor with goquery.
type Extractor struct {
	socialDomains []string
}

// New returns an Extractor matching SocialDomains.
func New() *Extractor {
	return &Extractor{socialDomains: SocialDomains}
}

// Extract parses html and returns the contact fields found in it. pageURL is
// copied into the result as-is.
func (e *Extractor) Extract(pageURL string, html []byte) (crawler.ExtractionResult, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(html))
	if err != nil {
		return crawler.ExtractionResult{}, fmt.Errorf("parse html: %w", err)
	}

	emails := newEmailSet()
	phones := newPhoneSet()
	social := make(map[string]struct{})

	doc.Find("a[href]").Each(func(_ int, a *goquery.Selection) {
		href := strings.TrimSpace(a.AttrOr("href", ""))
		lower := strings.ToLower(href)
		switch {
		case href == "":
		case strings.HasPrefix(lower, "mailto:"):
			addr := href[len("mailto:"):]
			if i := strings.IndexByte(addr, '?'); i >= 0 {
				addr = addr[:i]
			}
			unescaped, err := url.PathUnescape(addr)
			if err != nil {
				return
			}
			if emailFullPattern.MatchString(unescaped) {
				emails.add(unescaped)
			}
		case strings.HasPrefix(lower, "tel:"):
			phone := strings.TrimSpace(href[len("tel:"):])
			if unescaped, err := url.PathUnescape(phone); err == nil {
				phone = unescaped
			}
			phones.add(phone)
		case strings.HasPrefix(lower, "http://"), strings.HasPrefix(lower, "https://"):
			if e.isSocial(href) {
				social[href] = struct{}{}
			}
		}
	})

	text := bodyText(doc, "script", "style")
	for _, match := range emailPattern.FindAllString(text, -1) {
		emails.add(match)
	}
	for _, match := range phonePattern.FindAllString(text, -1) {
		phones.add(strings.TrimSpace(match))
	}

	return crawler.ExtractionResult{
		URL:          pageURL,
		Title:        title(doc),
		Description:  description(doc),
		Emails:       emails.sorted(),
		PhoneNumbers: phones.sorted(),
		SocialLinks:  sortedKeys(social),
	}, nil
}

func (e *Extractor) isSocial(href string) bool {
	u, err := url.Parse(href)
	if err != nil {
		return false
	}
	host := strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
	if host == "" {
		return false
	}
	for _, domain := range e.socialDomains {
		if host == domain || strings.HasSuffix(host, "."+domain) {
			return true
		}
	}
	return false
}

// Merge unions the contact fields of every result using the same dedupe rules
// as Extract.
func Merge(results ...crawler.ExtractionResult) crawler.ContactSummary {
	emails := newEmailSet()
	phones := newPhoneSet()
	social := make(map[string]struct{})
	for _, res := range results {
		for _, email := range res.Emails {
			emails.add(email)
		}
		for _, phone := range res.PhoneNumbers {
			phones.add(phone)
		}
		for _, link := range res.SocialLinks {
			social[link] = struct{}{}
		}
	}
	return crawler.ContactSummary{
		Emails:       emails.sorted(),
		PhoneNumbers: phones.sorted(),
		SocialLinks:  sortedKeys(social),
	}
}

// PageText returns the visible body text of html with whitespace collapsed,
// truncated to limit runes. A non-positive limit disables truncation.
func PageText(html []byte, limit int) string {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(html))
	if err != nil {
		return ""
	}
	return truncateRunes(bodyText(doc, "script", "style", "noscript", "template"), limit)
}

func title(doc *goquery.Document) string {
	if t := collapse(doc.Find("title").First().Text()); t != "" {
		return t
	}
	return metaContent(doc, "og:title")
}

func description(doc *goquery.Document) string {
	if d := metaContent(doc, "description"); d != "" {
		return d
	}
	return metaContent(doc, "og:description")
}

// metaContent finds the first meta tag whose name or property equals key,
// ignoring case.
func metaContent(doc *goquery.Document, key string) string {
	var out string
	doc.Find("meta").EachWithBreak(func(_ int, m *goquery.Selection) bool {
		name := m.AttrOr("name", m.AttrOr("property", ""))
		if !strings.EqualFold(strings.TrimSpace(name), key) {
			return true
		}
		out = collapse(m.AttrOr("content", ""))
		return out == ""
	})
	return out
}

func bodyText(doc *goquery.Document, skip ...string) string {
	skipped := make(map[string]struct{}, len(skip))
	for _, tag := range skip {
		skipped[tag] = struct{}{}
	}
	var parts []string
	collectText(doc.Find("body"), skipped, &parts)
	return strings.Join(parts, " ")
}

func collectText(sel *goquery.Selection, skip map[string]struct{}, parts *[]string) {
	sel.Contents().Each(func(_ int, child *goquery.Selection) {
		name := goquery.NodeName(child)
		if name == "#text" {
			if text := collapse(child.Text()); text != "" {
				*parts = append(*parts, text)
			}
			return
		}
		if _, ok := skip[name]; ok {
			return
		}
		collectText(child, skip, parts)
	})
}

func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func truncateRunes(s string, limit int) string {
	if limit <= 0 || utf8.RuneCountInString(s) <= limit {
		return s
	}
	runes := []rune(s)
	return strings.TrimSpace(string(runes[:limit]))
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
