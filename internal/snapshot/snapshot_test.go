package snapshot

import (
	"strings"
	"testing"
	"time"
)

const messageIDPage = `<!doctype html>
<html><head>
<title>Trip planning - ChatGPT</title>
<link rel="canonical" href="https://chatgpt.com/c/abc123">
</head><body>
<main>
  <h1>Trip&nbsp;planning</h1>
  <div data-message-id="m1" data-message-author-role="user">
    <div data-message-content>hi</div>
  </div>
  <div data-message-id="m2">
    <div data-message-author-role="assistant"><p>hello</p><p>how can I help?</p></div>
  </div>
  <div data-message-id="m2" data-message-author-role="assistant"><p>duplicate</p></div>
  <div data-message-id="m3" data-message-author-role="assistant" style="display: none">ghost</div>
  <div data-message-id="m4" data-message-author-role="assistant" aria-hidden="true">ghost</div>
  <div data-message-id="m5" data-message-author-role="user">   </div>
  <div data-testid="conversation-turn-9">ignored because an earlier strategy matched</div>
</main>
</body></html>`

func TestExtractMessageIDStrategy(t *testing.T) {
	page, err := NewExtractor().Extract(strings.NewReader(messageIDPage), "")
	if err != nil {
		t.Fatalf("Extract() error = %v", err)
	}
	if page.Strategy != "message-id" {
		t.Fatalf("Strategy = %q, want message-id", page.Strategy)
	}
	if page.ConversationID != "abc123" {
		t.Fatalf("ConversationID = %q, want abc123", page.ConversationID)
	}
	if page.Title != "Trip planning" {
		t.Fatalf("Title = %q, want %q", page.Title, "Trip planning")
	}
	want := []Record{
		{ID: "m1", Role: "user", Text: "hi"},
		{ID: "m2", Role: "assistant", Text: "hello\n\nhow can I help?"},
	}
	if len(page.Records) != len(want) {
		t.Fatalf("Records = %+v, want %+v", page.Records, want)
	}
	for i := range want {
		if page.Records[i] != want[i] {
			t.Fatalf("Records[%d] = %+v, want %+v", i, page.Records[i], want[i])
		}
	}
}

func TestExtractFallsBackThroughStrategies(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		strategy string
		records  []Record
	}{
		{
			name: "conversation turns",
			body: `<article data-testid="conversation-turn-1"><div data-message-author-role="user">What is Go?</div></article>
<article data-testid="conversation-turn-2"><div data-message-author-role="assistant">A language.<br>Compiled.</div></article>
<article data-testid="conversation-turn-3"><div data-message-author-role="user">What is Go?</div></article>`,
			strategy: "conversation-turn",
			records: []Record{
				{ID: "no-id-0", Role: "user", Text: "What is Go?"},
				{ID: "no-id-1", Role: "assistant", Text: "A language.\nCompiled."},
			},
		},
		{
			name: "feed list items",
			body: `<div role="feed">
<div role="listitem">first <script>ignored()</script>message</div>
<div role="listitem" hidden>hidden</div>
<div role="listitem" style="opacity:0.5">faded but visible</div>
</div>
<div role="listitem">outside the feed</div>`,
			strategy: "feed-listitem",
			records: []Record{
				{ID: "no-id-0", Role: "unknown", Text: "first message"},
				{ID: "no-id-1", Role: "unknown", Text: "faded but visible"},
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			page, err := NewExtractor().Extract(strings.NewReader("<html><body>"+tt.body+"</body></html>"), "https://chatgpt.com/")
			if err != nil {
				t.Fatalf("Extract() error = %v", err)
			}
			if page.Strategy != tt.strategy {
				t.Fatalf("Strategy = %q, want %q", page.Strategy, tt.strategy)
			}
			if len(page.Records) != len(tt.records) {
				t.Fatalf("Records = %+v, want %+v", page.Records, tt.records)
			}
			for i := range tt.records {
				if page.Records[i] != tt.records[i] {
					t.Fatalf("Records[%d] = %+v, want %+v", i, page.Records[i], tt.records[i])
				}
			}
		})
	}
}

func TestExtractEmptyPage(t *testing.T) {
	page, err := NewExtractor().Extract(strings.NewReader("<html><body><p>loading</p></body></html>"), "")
	if err != nil {
		t.Fatalf("Extract() error = %v", err)
	}
	if len(page.Records) != 0 || page.Strategy != "" {
		t.Fatalf("Extract() = %+v, want no records", page)
	}
	if page.Title != DefaultTitle || page.ConversationID != NoID {
		t.Fatalf("Title/ConversationID = %q/%q", page.Title, page.ConversationID)
	}
}

func TestPageURLSources(t *testing.T) {
	og := `<html><head><meta property="og:url" content="https://chatgpt.com/g/g-xyz"></head><body></body></html>`
	page, _ := NewExtractor().Extract(strings.NewReader(og), "https://chatgpt.com/c/fallback")
	if page.ConversationID != "g-xyz" {
		t.Fatalf("ConversationID = %q, want g-xyz from og:url", page.ConversationID)
	}
	page, _ = NewExtractor().Extract(strings.NewReader("<html></html>"), "https://chatgpt.com/c/fallback")
	if page.ConversationID != "fallback" {
		t.Fatalf("ConversationID = %q, want fallback URL id", page.ConversationID)
	}
}

func TestConversationID(t *testing.T) {
	tests := map[string]string{
		"https://chatgpt.com/c/abc-123":         "abc-123",
		"https://chatgpt.com/g/g-1/c/conv9?x=1": "conv9",
		"https://chatgpt.com/g/g-gpt":           "g-gpt",
		"https://chatgpt.com/":                  NoID,
		"":                                      NoID,
		"/c/ABC":                                "ABC",
	}
	for in, want := range tests {
		if got := ConversationID(in); got != want {
			t.Fatalf("ConversationID(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestMarkdownRendering(t *testing.T) {
	doc := Document{
		Title: "Trip",
		Records: []Record{
			{Role: "user", Text: "hi"},
			{Role: "assistant", Text: "hello"},
		},
		GeneratedAt: time.Date(2026, 3, 1, 12, 0, 0, 5e6, time.UTC),
	}
	want := "# Trip\n_Snapshot @ 2026-03-01T12:00:00.005Z_\n" +
		"\n---\n**USER**\n\nhi\n" +
		"\n---\n**ASSISTANT**\n\nhello\n" +
		"\n"
	if got := doc.Markdown(); got != want {
		t.Fatalf("Markdown() = %q, want %q", got, want)
	}
}

func TestFingerprintIgnoresTimestampOnly(t *testing.T) {
	base := Document{
		Title:       "Trip",
		Records:     []Record{{Role: "user", Text: "hi"}, {Role: "assistant", Text: "hello"}},
		GeneratedAt: time.Unix(100, 0),
	}
	later := base
	later.GeneratedAt = time.Unix(900, 0)
	if base.Fingerprint() != later.Fingerprint() {
		t.Fatalf("fingerprint changed with timestamp only")
	}

	variants := map[string]Document{
		"appended text": {Title: "Trip", Records: []Record{{Role: "user", Text: "hi"}, {Role: "assistant", Text: "hello there"}}},
		"reordered":     {Title: "Trip", Records: []Record{{Role: "assistant", Text: "hello"}, {Role: "user", Text: "hi"}}},
		"role changed":  {Title: "Trip", Records: []Record{{Role: "system", Text: "hi"}, {Role: "assistant", Text: "hello"}}},
		"title changed": {Title: "Trip 2", Records: base.Records},
	}
	for name, doc := range variants {
		if doc.Fingerprint() == base.Fingerprint() {
			t.Fatalf("%s: fingerprint unchanged", name)
		}
	}
}

func TestFileName(t *testing.T) {
	now := time.Date(2026, 3, 7, 9, 0, 0, 0, time.Local)
	if got := FileName("abc123", "ignored", now); got != "ChatGPT — abc123.md" {
		t.Fatalf("FileName(id) = %q", got)
	}
	if got := FileName(NoID, `a/b\c:d*e?f"g<h>i|j`, now); got != "2026-03-07 — a-b-c-d-e-f-g-h-i-j.md" {
		t.Fatalf("FileName(no-id) = %q", got)
	}
	long := strings.Repeat("é", 100)
	got := FileName(NoID, long, now)
	if want := "2026-03-07 — " + strings.Repeat("é", 80) + ".md"; got != want {
		t.Fatalf("FileName(long) = %q, want %q", got, want)
	}
	if got := FileName("", "", now); got != "2026-03-07 — ChatGPT Conversation.md" {
		t.Fatalf("FileName(empty) = %q", got)
	}
}
