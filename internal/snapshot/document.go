package snapshot

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
)

const maxTitleRunes = 80

// Document is the canonical rendering of one scan.
type Document struct {
	Title       string
	Records     []Record
	GeneratedAt time.Time
}

func NewDocument(page Page, now time.Time) Document {
	return Document{Title: page.Title, Records: page.Records, GeneratedAt: now}
}

// Markdown renders the document as uploaded.
func (d Document) Markdown() string {
	var b strings.Builder
	d.writeHeading(&b)
	b.WriteString("_Snapshot @ ")
	b.WriteString(d.GeneratedAt.UTC().Format("2006-01-02T15:04:05.000Z"))
	b.WriteString("_\n")
	d.writeBody(&b)
	return b.String()
}

// Fingerprint hashes everything except the generation timestamp, so two scans
// of unchanged content agree.
func (d Document) Fingerprint() string {
	var b strings.Builder
	d.writeHeading(&b)
	d.writeBody(&b)
	return strconv.FormatUint(xxhash.Sum64String(b.String()), 16)
}

func (d Document) writeHeading(b *strings.Builder) {
	title := d.Title
	if title == "" {
		title = DefaultTitle
	}
	b.WriteString("# ")
	b.WriteString(title)
	b.WriteString("\n")
}

func (d Document) writeBody(b *strings.Builder) {
	for _, r := range d.Records {
		role := r.Role
		if role == "" {
			role = unknownRole
		}
		b.WriteString("\n---\n**")
		b.WriteString(strings.ToUpper(role))
		b.WriteString("**\n\n")
		b.WriteString(r.Text)
		b.WriteString("\n")
	}
	b.WriteString("\n")
}

var unsafeFileChars = regexp.MustCompile(`[/\\:*?"<>|]+`)

// FileName is stable per conversation. Pages without an id fall back to a
// dated, sanitized title.
func FileName(conversationID, title string, now time.Time) string {
	if conversationID != "" && conversationID != NoID {
		return "ChatGPT — " + conversationID + ".md"
	}
	if title == "" {
		title = DefaultTitle
	}
	safe := unsafeFileChars.ReplaceAllString(title, "-")
	if runes := []rune(safe); len(runes) > maxTitleRunes {
		safe = string(runes[:maxTitleRunes])
	}
	return now.Format("2006-01-02") + " — " + safe + ".md"
}
