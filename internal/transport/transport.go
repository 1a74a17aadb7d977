// Package transport sends assembled emails over SMTP submission, either
// through a sender identity's own provider or through the shared relay.
package transport

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// Message is a single outbound email.
type Message struct {
	From     string
	To       string
	Subject  string
	TextBody string
	HTMLBody string
	Headers  map[string]string
}

// Result describes a successful send.
type Result struct {
	MessageID string
	Response  string
}

// Transport delivers messages for one submission endpoint.
type Transport interface {
	Send(ctx context.Context, msg *Message) (*Result, error)
	Close() error
}

// DeliveryError represents a send failure with retryability information.
type DeliveryError struct {
	Temporary bool
	Message   string
}

func (e *DeliveryError) Error() string {
	return e.Message
}

// IsTemporary reports whether a send error is worth retrying. Unknown errors
// are treated as temporary.
func IsTemporary(err error) bool {
	var de *DeliveryError
	if errors.As(err, &de) {
		return de.Temporary
	}
	return true
}

// smtpCodePattern matches SMTP response codes at word boundaries.
var smtpCodePattern = regexp.MustCompile(`\b(4\d{2}|5\d{2})\b`)

// categorizeError classifies an SMTP error as temporary (4xx) or permanent
// (5xx). Anything without a recognizable code is assumed temporary.
func categorizeError(err error, stage string) *DeliveryError {
	msg := fmt.Sprintf("%s failed: %v", stage, err)

	matches := smtpCodePattern.FindStringSubmatch(err.Error())
	if len(matches) > 1 {
		if strings.HasPrefix(matches[1], "5") {
			return &DeliveryError{Temporary: false, Message: msg}
		}
		return &DeliveryError{Temporary: true, Message: msg}
	}

	return &DeliveryError{Temporary: true, Message: msg}
}
