package snapshot

import "regexp"

type redaction struct {
	pattern *regexp.Regexp
	marker  string
}

// Order matters: card numbers would otherwise match the phone patterns, and
// bearer tokens the generic key pattern. Phone numbers need a leading + or a
// grouped 3-3-4 layout so dates and plain counters stay readable.
var redactions = []redaction{
	{regexp.MustCompile(`\bya29\.[0-9A-Za-z_\-]{20,}`), "[REDACTED_TOKEN]"},
	{regexp.MustCompile(`\b1//[0-9A-Za-z_\-]{20,}`), "[REDACTED_TOKEN]"},
	{regexp.MustCompile(`\b(?:sk|pk|rk)-[0-9A-Za-z_\-]{16,}`), "[REDACTED_KEY]"},
	{regexp.MustCompile(`\bGOCSPX-[0-9A-Za-z_\-]{10,}`), "[REDACTED_SECRET]"},
	{regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`), "[REDACTED_EMAIL]"},
	{regexp.MustCompile(`\b(?:\d[ -]*?){13,19}\b`), "[REDACTED_CARD]"},
	{regexp.MustCompile(`\+\d{1,3}(?:[ .\-]?\(?\d{1,4}\)?){2,4}\b`), "[REDACTED_PHONE]"},
	{regexp.MustCompile(`(?:\(\d{3}\)\s?|\b\d{3}[ .\-])\d{3}[ .\-]\d{4}\b`), "[REDACTED_PHONE]"},
}

// RedactText masks credentials and common PII in one message body.
func RedactText(input string) (string, bool) {
	out := input
	for _, r := range redactions {
		out = r.pattern.ReplaceAllString(out, r.marker)
	}
	return out, out != input
}

// Redact returns a copy of the page with every record body masked, and the
// number of records that changed.
func Redact(page Page) (Page, int) {
	if len(page.Records) == 0 {
		return page, 0
	}
	records := make([]Record, len(page.Records))
	changed := 0
	for i, rec := range page.Records {
		text, ok := RedactText(rec.Text)
		if ok {
			changed++
		}
		rec.Text = text
		records[i] = rec
	}
	page.Records = records
	return page, changed
}
