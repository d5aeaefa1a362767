// Package snapshot turns a rendered conversation page into ordered message
// records and a canonical markdown document.
package snapshot

import (
	"fmt"
	"io"
	"net/url"
	"regexp"
	"strings"

	"github.com/cespare/xxhash/v2"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

const (
	DefaultTitle  = "ChatGPT Conversation"
	NoID          = "no-id"
	unknownRole   = "unknown"
	roleAttribute = "data-message-author-role"
)

// Record is one extracted message.
type Record struct {
	ID   string
	Role string
	Text string
}

// Page is the result of one extraction pass.
type Page struct {
	URL            string
	ConversationID string
	Title          string
	Strategy       string
	Records        []Record
}

// Strategy locates message containers in a parsed page.
type Strategy interface {
	Name() string
	Containers(doc *html.Node) []*html.Node
}

type selectorStrategy struct {
	name string
	find func(doc *html.Node) []*html.Node
}

func (s selectorStrategy) Name() string                           { return s.name }
func (s selectorStrategy) Containers(doc *html.Node) []*html.Node { return s.find(doc) }

// DefaultStrategies are tried in order; the first that yields records wins.
var DefaultStrategies = []Strategy{
	selectorStrategy{name: "message-id", find: func(doc *html.Node) []*html.Node {
		return findAll(doc, func(n *html.Node) bool { return hasAttr(n, "data-message-id") })
	}},
	selectorStrategy{name: "conversation-turn", find: func(doc *html.Node) []*html.Node {
		return findAll(doc, func(n *html.Node) bool {
			return strings.HasPrefix(attr(n, "data-testid"), "conversation-turn-")
		})
	}},
	selectorStrategy{name: "feed-listitem", find: func(doc *html.Node) []*html.Node {
		feeds := findAll(doc, func(n *html.Node) bool {
			return attr(n, "role") == "feed" || attr(n, "data-testid") == "conversation"
		})
		if len(feeds) == 0 {
			return nil
		}
		return findAll(feeds[0], func(n *html.Node) bool { return attr(n, "role") == "listitem" })
	}},
}

// Extractor reads pages with a fixed strategy list.
type Extractor struct {
	strategies []Strategy
}

func NewExtractor(strategies ...Strategy) *Extractor {
	if len(strategies) == 0 {
		strategies = DefaultStrategies
	}
	return &Extractor{strategies: strategies}
}

// Extract parses r. fallbackURL is used when the page does not name its own
// location.
func (e *Extractor) Extract(r io.Reader, fallbackURL string) (Page, error) {
	doc, err := html.Parse(r)
	if err != nil {
		return Page{}, fmt.Errorf("parse page: %w", err)
	}
	page := Page{
		URL:   pageURL(doc, fallbackURL),
		Title: pageTitle(doc),
	}
	page.ConversationID = ConversationID(page.URL)
	for _, s := range e.strategies {
		records := collect(s.Containers(doc))
		if len(records) > 0 {
			page.Strategy = s.Name()
			page.Records = records
			break
		}
	}
	return page, nil
}

func collect(containers []*html.Node) []Record {
	var (
		out        []Record
		seenIDs    = map[string]struct{}{}
		seenHashes = map[uint64]struct{}{}
	)
	for _, n := range containers {
		if hidden(n) {
			continue
		}
		id := attr(n, "data-message-id")
		if id == "" {
			id = attr(n, "id")
		}
		role := roleOf(n)
		text := messageText(n)
		if text == "" {
			continue
		}
		if id != "" {
			if _, dup := seenIDs[id]; dup {
				continue
			}
			seenIDs[id] = struct{}{}
		} else {
			h := xxhash.Sum64String(role + "|" + text)
			if _, dup := seenHashes[h]; dup {
				continue
			}
			seenHashes[h] = struct{}{}
			id = fmt.Sprintf("no-id-%d", len(out))
		}
		out = append(out, Record{ID: id, Role: role, Text: text})
	}
	return out
}

func roleOf(container *html.Node) string {
	if role := attr(container, roleAttribute); role != "" {
		return role
	}
	if n := findFirst(container, func(n *html.Node) bool { return hasAttr(n, roleAttribute) }); n != nil {
		if role := attr(n, roleAttribute); role != "" {
			return role
		}
	}
	return unknownRole
}

func messageText(n *html.Node) string {
	content := findFirst(n, func(n *html.Node) bool { return hasAttr(n, "data-message-content") })
	if content == nil {
		content = findFirst(n, func(n *html.Node) bool { return hasAttr(n, "data-message-text") })
	}
	if content == nil {
		content = n
	}
	return innerText(content)
}

func pageTitle(doc *html.Node) string {
	heading := findFirst(doc, func(n *html.Node) bool {
		return n.DataAtom == atom.H1 || attr(n, "data-testid") == "conversation-name"
	})
	if heading != nil {
		if t := innerText(heading); t != "" {
			return t
		}
	}
	if title := findFirst(doc, func(n *html.Node) bool { return n.DataAtom == atom.Title }); title != nil {
		var b strings.Builder
		for c := title.FirstChild; c != nil; c = c.NextSibling {
			if c.Type == html.TextNode {
				b.WriteString(c.Data)
			}
		}
		if t := normalizeText(b.String()); t != "" {
			return t
		}
	}
	return DefaultTitle
}

func pageURL(doc *html.Node, fallback string) string {
	canonical := findFirst(doc, func(n *html.Node) bool {
		return n.DataAtom == atom.Link && strings.EqualFold(attr(n, "rel"), "canonical") && attr(n, "href") != ""
	})
	if canonical != nil {
		return attr(canonical, "href")
	}
	og := findFirst(doc, func(n *html.Node) bool {
		return n.DataAtom == atom.Meta && attr(n, "property") == "og:url" && attr(n, "content") != ""
	})
	if og != nil {
		return attr(og, "content")
	}
	return fallback
}

var conversationPaths = []*regexp.Regexp{
	regexp.MustCompile(`(?i)/c/([a-z0-9-]+)`),
	regexp.MustCompile(`(?i)/g/([a-z0-9-]+)`),
}

// ConversationID derives the conversation id from a page URL, or NoID.
func ConversationID(pageURL string) string {
	path := pageURL
	if u, err := url.Parse(pageURL); err == nil && u.Path != "" {
		path = u.Path
	}
	for _, re := range conversationPaths {
		if m := re.FindStringSubmatch(path); m != nil {
			return m[1]
		}
	}
	return NoID
}
