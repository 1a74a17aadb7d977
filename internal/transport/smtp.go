package transport

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
)

// Security selects the connection mode for an SMTP endpoint.
type Security string

const (
	SecurityStartTLS Security = "starttls"
	SecurityImplicit Security = "tls"
	SecurityNone     Security = "none"
)

// SMTPConfig describes one SMTP submission endpoint.
type SMTPConfig struct {
	Host     string
	Port     int
	Security Security
	// Auth builds a fresh SASL client per connection; sasl clients are
	// single-use.
	Auth func() sasl.Client
	// HELO is the hostname announced to the server.
	HELO    string
	Timeout time.Duration
}

// Addr returns the host:port for dialing.
func (c SMTPConfig) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// PlainAuth returns an Auth builder for SASL PLAIN.
func PlainAuth(username, password string) func() sasl.Client {
	return func() sasl.Client {
		return sasl.NewPlainClient("", username, password)
	}
}

// XOAuth2Auth returns an Auth builder for XOAUTH2 with a bearer token.
func XOAuth2Auth(username, token string) func() sasl.Client {
	return func() sasl.Client {
		return NewXOAuth2Client(username, token)
	}
}

// SMTPTransport sends messages through a single submission endpoint. A new
// connection is dialed per send; warmup and outreach volumes are low enough
// that connection reuse is not worth the state.
type SMTPTransport struct {
	cfg    SMTPConfig
	signer *DKIMSigner
	logger *slog.Logger
}

// NewSMTP creates a transport for one endpoint.
func NewSMTP(cfg SMTPConfig, signer *DKIMSigner, logger *slog.Logger) *SMTPTransport {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &SMTPTransport{cfg: cfg, signer: signer, logger: logger}
}

// Send assembles and submits one message.
func (t *SMTPTransport) Send(ctx context.Context, msg *Message) (*Result, error) {
	messageID := newMessageID(msg.From)
	data, err := assemble(msg, messageID)
	if err != nil {
		return nil, &DeliveryError{Temporary: false, Message: fmt.Sprintf("failed to assemble message: %v", err)}
	}

	if t.signer != nil {
		signed, err := t.signer.Sign(data)
		if err != nil {
			t.logger.Warn("DKIM signing failed, sending unsigned", "error", err)
		} else {
			data = signed
		}
	}

	// go-smtp has no context support; run the submission in a goroutine
	// and let the caller's context abandon it.
	done := make(chan error, 1)
	go func() {
		done <- t.submit(msg.From, msg.To, data)
	}()

	select {
	case <-ctx.Done():
		return nil, &DeliveryError{Temporary: true, Message: fmt.Sprintf("send cancelled: %v", ctx.Err())}
	case err := <-done:
		if err != nil {
			return nil, err
		}
	}

	t.logger.Info("message submitted",
		"host", t.cfg.Host,
		"from", msg.From,
		"to", msg.To,
		"message_id", messageID,
	)
	return &Result{MessageID: messageID, Response: "accepted"}, nil
}

func (t *SMTPTransport) submit(from, to string, data []byte) error {
	client, err := t.dial()
	if err != nil {
		return &DeliveryError{Temporary: true, Message: fmt.Sprintf("connection failed to %s: %v", t.cfg.Addr(), err)}
	}
	defer client.Close()

	client.CommandTimeout = t.cfg.Timeout
	client.SubmissionTimeout = t.cfg.Timeout

	if t.cfg.HELO != "" {
		if err := client.Hello(t.cfg.HELO); err != nil {
			return t.categorize(err, "HELO")
		}
	}

	if t.cfg.Auth != nil {
		if err := client.Auth(t.cfg.Auth()); err != nil {
			return t.categorize(err, "AUTH")
		}
	}

	if err := client.Mail(from, nil); err != nil {
		return t.categorize(err, "MAIL FROM")
	}
	if err := client.Rcpt(to, nil); err != nil {
		return t.categorize(err, "RCPT TO")
	}

	wc, err := client.Data()
	if err != nil {
		return t.categorize(err, "DATA")
	}
	if _, err := bytes.NewReader(data).WriteTo(wc); err != nil {
		wc.Close()
		return &DeliveryError{Temporary: true, Message: fmt.Sprintf("failed to write message data: %v", err)}
	}
	if err := wc.Close(); err != nil {
		return t.categorize(err, "DATA close")
	}

	client.Quit()
	return nil
}

func (t *SMTPTransport) dial() (*smtp.Client, error) {
	tlsConfig := &tls.Config{
		ServerName: t.cfg.Host,
		MinVersion: tls.VersionTLS12,
	}

	switch t.cfg.Security {
	case SecurityImplicit:
		return smtp.DialTLS(t.cfg.Addr(), tlsConfig)
	case SecurityNone:
		return smtp.Dial(t.cfg.Addr())
	default:
		return smtp.DialStartTLS(t.cfg.Addr(), tlsConfig)
	}
}

// Close is a no-op; connections are per-send.
func (t *SMTPTransport) Close() error {
	return nil
}

// categorize prefers the structured SMTP status code over string matching.
func (t *SMTPTransport) categorize(err error, stage string) *DeliveryError {
	var smtpErr *smtp.SMTPError
	if errors.As(err, &smtpErr) {
		return &DeliveryError{
			Temporary: smtpErr.Code < 500,
			Message:   fmt.Sprintf("%s failed: %v", stage, err),
		}
	}
	return categorizeError(err, stage)
}
