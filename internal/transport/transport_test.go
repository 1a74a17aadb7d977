package transport

import (
	"errors"
	"strings"
	"testing"
)

func TestCategorizeError(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		temporary bool
	}{
		{"5xx permanent", errors.New("550 user unknown"), false},
		{"554 spam", errors.New("554 spam detected"), false},
		{"4xx temporary", errors.New("421 try again later"), true},
		{"450 mailbox busy", errors.New("450 mailbox busy"), true},
		{"no code", errors.New("connection reset"), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			de := categorizeError(tt.err, "RCPT TO")
			if de.Temporary != tt.temporary {
				t.Errorf("categorizeError(%v).Temporary = %v, want %v", tt.err, de.Temporary, tt.temporary)
			}
			if !strings.Contains(de.Message, "RCPT TO") {
				t.Errorf("message should name the stage: %q", de.Message)
			}
		})
	}
}

func TestIsTemporary(t *testing.T) {
	if !IsTemporary(errors.New("unknown")) {
		t.Error("unknown errors should be treated as temporary")
	}
	if IsTemporary(&DeliveryError{Temporary: false}) {
		t.Error("permanent DeliveryError misclassified")
	}
	if !IsTemporary(&DeliveryError{Temporary: true}) {
		t.Error("temporary DeliveryError misclassified")
	}
}

func TestAssembleTextOnly(t *testing.T) {
	msg := &Message{
		From:     "a@example.com",
		To:       "b@example.org",
		Subject:  "Quick question",
		TextBody: "Hi,\r\njust checking in.\r\n",
	}

	data, err := assemble(msg, "<id-1@example.com>")
	if err != nil {
		t.Fatal(err)
	}

	s := string(data)
	for _, want := range []string{
		"From: a@example.com\r\n",
		"To: b@example.org\r\n",
		"Message-ID: <id-1@example.com>\r\n",
		`Content-Type: text/plain; charset="utf-8"`,
		"just checking in.",
	} {
		if !strings.Contains(s, want) {
			t.Errorf("assembled message missing %q", want)
		}
	}
	if strings.Contains(s, "multipart") {
		t.Error("text-only message should not be multipart")
	}
}

func TestAssembleMultipart(t *testing.T) {
	msg := &Message{
		From:     "a@example.com",
		To:       "b@example.org",
		Subject:  "Hello",
		TextBody: "plain version",
		HTMLBody: "<p>html version</p>",
	}

	data, err := assemble(msg, "<id-2@example.com>")
	if err != nil {
		t.Fatal(err)
	}

	s := string(data)
	if !strings.Contains(s, "multipart/alternative") {
		t.Fatal("expected multipart/alternative")
	}
	textIdx := strings.Index(s, "plain version")
	htmlIdx := strings.Index(s, "html version")
	if textIdx < 0 || htmlIdx < 0 {
		t.Fatal("both parts must be present")
	}
	if textIdx > htmlIdx {
		t.Error("text part must come before html part")
	}
}

func TestXOAuth2InitialResponse(t *testing.T) {
	client := NewXOAuth2Client("user@example.com", "tok-abc")

	mech, resp, err := client.Start()
	if err != nil {
		t.Fatal(err)
	}
	if mech != "XOAUTH2" {
		t.Errorf("mechanism = %q", mech)
	}
	want := "user=user@example.com\x01auth=Bearer tok-abc\x01\x01"
	if string(resp) != want {
		t.Errorf("initial response = %q, want %q", resp, want)
	}

	next, err := client.Next([]byte(`{"status":"401"}`))
	if err != nil {
		t.Fatal(err)
	}
	if len(next) != 0 {
		t.Errorf("challenge reply should be empty, got %q", next)
	}
}

func TestNewMessageID(t *testing.T) {
	id := newMessageID("sender@mail.example.com")
	if !strings.HasPrefix(id, "<") || !strings.HasSuffix(id, "@mail.example.com>") {
		t.Errorf("unexpected message id %q", id)
	}
}
