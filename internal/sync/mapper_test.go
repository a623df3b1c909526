package sync

import (
	"testing"
	"time"

	"github.com/dealdesk/mailsync/internal/provider"
)

func TestMapMessageBasics(t *testing.T) {
	at := time.Date(2025, 3, 14, 9, 26, 53, 0, time.UTC)
	raw := &provider.RawMessage{
		ID:       "m1",
		ThreadID: "t1",
		Snippet:  "Hi Bob",
		Headers: map[string]string{
			"Subject": "Lunch",
			"From":    "alice@example.com",
			"To":      "bob@example.com, carol@example.com",
		},
		InternalDate: at,
		Parts: []provider.Part{
			{MimeType: "text/plain", Body: "Hi Bob,\n\n\n\nlunch?"},
		},
	}

	tf, mf := MapMessage(raw)

	if tf.ThreadID != "t1" || tf.Subject != "Lunch" {
		t.Errorf("thread = %+v", tf)
	}
	if !tf.LastMessageAt.Equal(at) {
		t.Errorf("last_message_at = %v, want %v", tf.LastMessageAt, at)
	}
	wantParts := []string{"alice@example.com", "bob@example.com", "carol@example.com"}
	if len(tf.Participants) != len(wantParts) {
		t.Fatalf("participants = %v, want %v", tf.Participants, wantParts)
	}
	for i, p := range wantParts {
		if tf.Participants[i] != p {
			t.Errorf("participants[%d] = %q, want %q", i, tf.Participants[i], p)
		}
	}

	if mf.ExternalID != "m1" || mf.Sender != "alice@example.com" {
		t.Errorf("message = %+v", mf)
	}
	if mf.Body != "Hi Bob,\n\nlunch?" {
		t.Errorf("body = %q", mf.Body)
	}
	if !mf.ReceivedAt.Equal(at) {
		t.Errorf("received_at = %v, want %v", mf.ReceivedAt, at)
	}
}

func TestMapMessageDefaults(t *testing.T) {
	tests := []struct {
		name       string
		raw        *provider.RawMessage
		wantThread string
		wantBody   string
		wantAt     time.Time
	}{
		{
			name:       "no thread id falls back to message id",
			raw:        &provider.RawMessage{ID: "m9", Snippet: "hello"},
			wantThread: "m9",
			wantBody:   "hello",
			wantAt:     time.Unix(0, 0).UTC(),
		},
		{
			name: "date header used when internal date missing",
			raw: &provider.RawMessage{
				ID:       "m2",
				ThreadID: "t2",
				Headers:  map[string]string{"Date": "Fri, 14 Mar 2025 09:26:53 +0000"},
			},
			wantThread: "t2",
			wantBody:   "",
			wantAt:     time.Date(2025, 3, 14, 9, 26, 53, 0, time.UTC),
		},
		{
			name: "html body stripped when no plain part",
			raw: &provider.RawMessage{
				ID:       "m3",
				ThreadID: "t3",
				Parts: []provider.Part{
					{MimeType: "text/html", Body: "<style>p{}</style><p>Hello <b>there</b></p>"},
				},
			},
			wantThread: "t3",
			wantBody:   "Hello there",
			wantAt:     time.Unix(0, 0).UTC(),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tf, mf := MapMessage(tt.raw)
			if tf.ThreadID != tt.wantThread {
				t.Errorf("thread id = %q, want %q", tf.ThreadID, tt.wantThread)
			}
			if mf.Body != tt.wantBody {
				t.Errorf("body = %q, want %q", mf.Body, tt.wantBody)
			}
			if !mf.ReceivedAt.Equal(tt.wantAt) {
				t.Errorf("received_at = %v, want %v", mf.ReceivedAt, tt.wantAt)
			}
		})
	}
}

func TestMapMessageCaseInsensitiveHeaders(t *testing.T) {
	raw := &provider.RawMessage{
		ID:       "m1",
		ThreadID: "t1",
		Headers: map[string]string{
			"SUBJECT": "Shouting",
			"from":    "alice@example.com",
		},
	}
	_, mf := MapMessage(raw)
	if mf.Subject != "Shouting" {
		t.Errorf("subject = %q, want Shouting", mf.Subject)
	}
	if mf.Sender != "alice@example.com" {
		t.Errorf("sender = %q", mf.Sender)
	}
}

func TestMapMessageDeterministic(t *testing.T) {
	raw := &provider.RawMessage{
		ID:       "m1",
		ThreadID: "t1",
		Headers:  map[string]string{"From": "a@x.com", "To": "b@x.com", "Subject": "s"},
		Parts:    []provider.Part{{MimeType: "text/plain", Body: "body"}},
	}
	tf1, mf1 := MapMessage(raw)
	tf2, mf2 := MapMessage(raw)
	if tf1.ThreadID != tf2.ThreadID || mf1.Body != mf2.Body || !mf1.ReceivedAt.Equal(mf2.ReceivedAt) {
		t.Error("mapping the same input twice gave different output")
	}
	if len(tf1.Participants) != len(tf2.Participants) {
		t.Error("participants differ between runs")
	}
}
