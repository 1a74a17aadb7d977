package transport

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sony/gobreaker"
)

// RelayConfig configures the shared fallback relay.
type RelayConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	Security Security

	// Optional DKIM signing for relay traffic.
	DKIMKeyFile  string
	DKIMDomain   string
	DKIMSelector string
}

// Configured reports whether a relay endpoint is set.
func (c RelayConfig) Configured() bool {
	return c.Host != ""
}

// Factory builds transports for sender identities and owns the shared relay.
// It is constructed once at startup and passed into the delivery pool; there
// is no ambient transport state.
type Factory struct {
	helo    string
	timeout time.Duration
	relay   Transport
	logger  *slog.Logger

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

// NewFactory creates the factory and, when configured, the shared relay
// transport.
func NewFactory(relayCfg RelayConfig, helo string, timeout time.Duration, logger *slog.Logger) (*Factory, error) {
	f := &Factory{
		helo:     helo,
		timeout:  timeout,
		logger:   logger,
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}

	if relayCfg.Configured() {
		var signer *DKIMSigner
		if relayCfg.DKIMKeyFile != "" {
			var err error
			signer, err = NewDKIMSigner(relayCfg.DKIMKeyFile, relayCfg.DKIMDomain, relayCfg.DKIMSelector)
			if err != nil {
				return nil, fmt.Errorf("failed to set up relay DKIM: %w", err)
			}
			logger.Info("relay DKIM signing enabled", "domain", signer.Domain())
		}

		security := relayCfg.Security
		if security == "" {
			security = SecurityStartTLS
		}
		cfg := SMTPConfig{
			Host:     relayCfg.Host,
			Port:     relayCfg.Port,
			Security: security,
			HELO:     helo,
			Timeout:  timeout,
		}
		if relayCfg.Username != "" {
			cfg.Auth = PlainAuth(relayCfg.Username, relayCfg.Password)
		}
		f.relay = f.withBreaker("relay:"+cfg.Addr(), NewSMTP(cfg, signer, logger.With("transport", "relay")))
	}

	return f, nil
}

// Relay returns the shared relay transport, or nil if none is configured.
func (f *Factory) Relay() Transport {
	return f.relay
}

// ForSMTP builds a transport for a custom SMTP identity.
func (f *Factory) ForSMTP(host string, port int, security Security, username, password string) Transport {
	cfg := SMTPConfig{
		Host:     host,
		Port:     port,
		Security: security,
		HELO:     f.helo,
		Timeout:  f.timeout,
	}
	if username != "" {
		cfg.Auth = PlainAuth(username, password)
	}
	return f.withBreaker("smtp:"+username+"@"+cfg.Addr(), NewSMTP(cfg, nil, f.logger.With("transport", "smtp", "sender", username)))
}

// ForOAuth builds a transport authenticating with XOAUTH2 against the
// provider's submission endpoint.
func (f *Factory) ForOAuth(host string, port int, username, accessToken string) Transport {
	cfg := SMTPConfig{
		Host:     host,
		Port:     port,
		Security: SecurityStartTLS,
		Auth:     XOAuth2Auth(username, accessToken),
		HELO:     f.helo,
		Timeout:  f.timeout,
	}
	return f.withBreaker("oauth:"+username+"@"+cfg.Addr(), NewSMTP(cfg, nil, f.logger.With("transport", "oauth", "sender", username)))
}

// Close shuts down the factory.
func (f *Factory) Close() error {
	if f.relay != nil {
		return f.relay.Close()
	}
	return nil
}

// withBreaker wraps a transport in a circuit breaker shared per endpoint and
// sender, so a flapping provider stops being hammered while healthy
// identities keep sending.
func (f *Factory) withBreaker(key string, inner Transport) Transport {
	f.mu.Lock()
	defer f.mu.Unlock()

	cb, ok := f.breakers[key]
	if !ok {
		cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        key,
			MaxRequests: 1,
			Interval:    time.Minute,
			Timeout:     2 * time.Minute,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
				return counts.Requests >= 5 && failureRatio >= 0.5
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				f.logger.Info("transport circuit breaker state changed",
					"name", name,
					"from", from.String(),
					"to", to.String(),
				)
			},
		})
		f.breakers[key] = cb
	}

	return &breakerTransport{inner: inner, cb: cb}
}

// breakerTransport gates sends through a circuit breaker.
type breakerTransport struct {
	inner Transport
	cb    *gobreaker.CircuitBreaker
}

func (b *breakerTransport) Send(ctx context.Context, msg *Message) (*Result, error) {
	res, err := b.cb.Execute(func() (any, error) {
		return b.inner.Send(ctx, msg)
	})
	if err != nil {
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return nil, &DeliveryError{Temporary: true, Message: fmt.Sprintf("transport unavailable: %v", err)}
		}
		return nil, err
	}
	return res.(*Result), nil
}

func (b *breakerTransport) Close() error {
	return b.inner.Close()
}
