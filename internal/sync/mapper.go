package sync

import (
	"net/mail"
	"regexp"
	"strings"
	"time"

	"github.com/dealdesk/mailsync/internal/provider"
	"github.com/dealdesk/mailsync/internal/store"
)

var (
	styleRe    = regexp.MustCompile(`(?is)<style[^>]*>.*?</style>`)
	scriptRe   = regexp.MustCompile(`(?is)<script[^>]*>.*?</script>`)
	tagRe      = regexp.MustCompile(`<[^>]+>`)
	spaceRunRe = regexp.MustCompile(`[ \t]+`)
	blankRunRe = regexp.MustCompile(`\n{3,}`)
)

// MapMessage converts a raw provider message into the internal thread
// and message shapes. It is pure and total: missing headers become
// defined defaults and identical input always yields identical output,
// which is what makes re-running the ingest upsert safe.
func MapMessage(raw *provider.RawMessage) (store.ThreadFields, store.MessageFields) {
	header := headerLookup(raw.Headers)

	subject := header("subject")
	sender := header("from")
	recipient := header("to")
	receivedAt := resolveReceivedAt(raw, header("date"))

	threadID := raw.ThreadID
	if threadID == "" {
		// A message with no conversation grouping forms its own thread.
		threadID = raw.ID
	}

	tf := store.ThreadFields{
		ThreadID:      threadID,
		Subject:       subject,
		Participants:  participants(sender, recipient),
		LastMessageAt: receivedAt,
	}
	mf := store.MessageFields{
		ExternalID: raw.ID,
		Sender:     sender,
		Recipient:  recipient,
		Subject:    subject,
		Body:       extractBody(raw),
		Snippet:    raw.Snippet,
		ReceivedAt: receivedAt,
	}
	return tf, mf
}

// headerLookup builds a case-insensitive header accessor.
func headerLookup(headers map[string]string) func(string) string {
	lowered := make(map[string]string, len(headers))
	for k, v := range headers {
		lowered[strings.ToLower(k)] = v
	}
	return func(name string) string {
		return lowered[name]
	}
}

func resolveReceivedAt(raw *provider.RawMessage, dateHeader string) time.Time {
	if !raw.InternalDate.IsZero() {
		return raw.InternalDate.UTC()
	}
	if dateHeader != "" {
		if t, err := mail.ParseDate(dateHeader); err == nil {
			return t.UTC()
		}
	}
	return time.Unix(0, 0).UTC()
}

// extractBody picks the best available body: plain text first, then
// tag-stripped HTML, then the provider snippet.
func extractBody(raw *provider.RawMessage) string {
	for _, p := range raw.Parts {
		if p.MimeType == "text/plain" && p.Body != "" {
			return squeezeBlankLines(p.Body)
		}
	}
	for _, p := range raw.Parts {
		if p.MimeType == "text/html" && p.Body != "" {
			return stripHTML(p.Body)
		}
	}
	return strings.TrimSpace(raw.Snippet)
}

func stripHTML(html string) string {
	s := styleRe.ReplaceAllString(html, "")
	s = scriptRe.ReplaceAllString(s, "")
	s = tagRe.ReplaceAllString(s, " ")
	s = spaceRunRe.ReplaceAllString(s, " ")
	return squeezeBlankLines(s)
}

// squeezeBlankLines collapses runs of blank lines and trims the result.
func squeezeBlankLines(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = blankRunRe.ReplaceAllString(s, "\n\n")
	return strings.TrimSpace(s)
}

// participants lists the distinct addresses involved, sender first.
func participants(sender, recipient string) []string {
	var all []string
	all = append(all, splitAddrs(sender)...)
	all = append(all, splitAddrs(recipient)...)

	seen := make(map[string]bool, len(all))
	out := make([]string, 0, len(all))
	for _, a := range all {
		if !seen[a] {
			seen[a] = true
			out = append(out, a)
		}
	}
	return out
}

// splitAddrs parses comma-separated email addresses
func splitAddrs(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		trimmed := strings.TrimSpace(p)
		if trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}
