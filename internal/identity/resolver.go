// Package identity resolves sender addresses to ready-to-use transports,
// refreshing OAuth credentials as needed.
package identity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"golang.org/x/oauth2/microsoft"

	"github.com/mailtide/mailtide/internal/metrics"
	"github.com/mailtide/mailtide/internal/store"
	"github.com/mailtide/mailtide/internal/transport"
)

var (
	ErrIdentityNotFound      = errors.New("sender identity not found")
	ErrProviderNotConfigured = errors.New("oauth provider not configured")
	ErrNoRefreshToken        = errors.New("identity has no refresh token")
)

// Submission endpoints for the managed OAuth providers.
const (
	gmailHost     = "smtp.gmail.com"
	office365Host = "smtp.office365.com"
	oauthPort     = 587
)

// Access tokens within this window of expiry are refreshed eagerly so a
// slow SMTP dial does not race the expiry.
const expirySkew = 2 * time.Minute

// ProviderConfig holds one OAuth application's client credentials.
type ProviderConfig struct {
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
}

func (c ProviderConfig) configured() bool {
	return c.ClientID != "" && c.ClientSecret != ""
}

// Resolver maps a sender email to a transport, handling credential refresh
// and relay fallback.
type Resolver struct {
	identities *store.IdentityRepository
	factory    *transport.Factory
	google     *oauth2.Config
	microsoft  *oauth2.Config
	metrics    *metrics.Metrics
	logger     *slog.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewResolver(identities *store.IdentityRepository, factory *transport.Factory, googleCfg, microsoftCfg ProviderConfig, m *metrics.Metrics, logger *slog.Logger) *Resolver {
	r := &Resolver{
		identities: identities,
		factory:    factory,
		metrics:    m,
		logger:     logger.With("component", "identity"),
		locks:      make(map[string]*sync.Mutex),
	}
	if googleCfg.configured() {
		r.google = &oauth2.Config{
			ClientID:     googleCfg.ClientID,
			ClientSecret: googleCfg.ClientSecret,
			Endpoint:     google.Endpoint,
			Scopes:       []string{"https://mail.google.com/"},
		}
	}
	if microsoftCfg.configured() {
		r.microsoft = &oauth2.Config{
			ClientID:     microsoftCfg.ClientID,
			ClientSecret: microsoftCfg.ClientSecret,
			Endpoint:     microsoft.AzureADEndpoint("common"),
			Scopes:       []string{"https://outlook.office365.com/SMTP.Send", "offline_access"},
		}
	}
	return r
}

// Resolve returns a transport able to send as the given address. Unknown
// addresses and failed token refreshes fall back to the default relay when
// one is configured.
func (r *Resolver) Resolve(ctx context.Context, email string) (transport.Transport, error) {
	id, err := r.identities.GetByEmail(ctx, email)
	if err != nil {
		return nil, err
	}
	if id == nil {
		return r.fallback(email, ErrIdentityNotFound)
	}

	switch id.Kind {
	case store.KindSMTPCustom:
		return r.factory.ForSMTP(id.SMTPHost, id.SMTPPort, transport.Security(id.SMTPSecurity), id.SMTPUsername, id.SMTPPassword), nil

	case store.KindRelayDefault:
		if t := r.factory.Relay(); t != nil {
			return t, nil
		}
		return nil, fmt.Errorf("identity %s requires a relay but none is configured", email)

	case store.KindOAuthGoogle, store.KindOAuthMicrosoft:
		token, err := r.accessToken(ctx, id)
		if err != nil {
			return r.fallback(email, err)
		}
		host := gmailHost
		if id.Kind == store.KindOAuthMicrosoft {
			host = office365Host
		}
		return r.factory.ForOAuth(host, oauthPort, id.Email, token), nil

	default:
		return nil, fmt.Errorf("identity %s has unknown kind %q", email, id.Kind)
	}
}

func (r *Resolver) fallback(email string, cause error) (transport.Transport, error) {
	if t := r.factory.Relay(); t != nil {
		r.logger.Warn("falling back to default relay",
			"email", email,
			"error", cause)
		return t, nil
	}
	return nil, fmt.Errorf("cannot resolve sender %s: %w", email, cause)
}

// accessToken returns a valid access token for the identity, refreshing and
// persisting it first when expired. Refreshes for the same identity are
// serialized so concurrent workers trigger at most one provider round-trip.
func (r *Resolver) accessToken(ctx context.Context, id *store.SenderIdentity) (string, error) {
	lock := r.lockFor(id.Email)
	lock.Lock()
	defer lock.Unlock()

	// Re-read inside the lock: another worker may have refreshed while we
	// were waiting.
	fresh, err := r.identities.GetByEmail(ctx, id.Email)
	if err != nil {
		return "", err
	}
	if fresh == nil {
		return "", ErrIdentityNotFound
	}

	if fresh.AccessToken != "" && fresh.TokenExpiry != nil && time.Until(*fresh.TokenExpiry) > expirySkew {
		return fresh.AccessToken, nil
	}
	return r.refresh(ctx, fresh)
}

func (r *Resolver) refresh(ctx context.Context, id *store.SenderIdentity) (string, error) {
	cfg := r.google
	if id.Kind == store.KindOAuthMicrosoft {
		cfg = r.microsoft
	}
	if cfg == nil {
		return "", fmt.Errorf("%w: %s", ErrProviderNotConfigured, id.Kind)
	}
	if id.RefreshToken == "" {
		return "", fmt.Errorf("%w: %s", ErrNoRefreshToken, id.Email)
	}

	src := cfg.TokenSource(ctx, &oauth2.Token{RefreshToken: id.RefreshToken})
	token, err := src.Token()
	if err != nil {
		r.metrics.TokenRefreshesTotal.WithLabelValues("failure").Inc()
		return "", fmt.Errorf("token refresh failed for %s: %w", id.Email, err)
	}

	// Microsoft rotates the refresh token on use. Persist both tokens
	// before handing the access token out, so a crash never strands us
	// with a spent refresh token.
	refreshToken := id.RefreshToken
	if token.RefreshToken != "" {
		refreshToken = token.RefreshToken
	}
	if err := r.identities.UpdateTokens(ctx, id.Email, token.AccessToken, refreshToken, token.Expiry); err != nil {
		return "", fmt.Errorf("failed to persist refreshed tokens: %w", err)
	}

	r.metrics.TokenRefreshesTotal.WithLabelValues("success").Inc()
	r.logger.Info("refreshed oauth tokens",
		"email", id.Email,
		"kind", id.Kind,
		"expiry", token.Expiry)
	return token.AccessToken, nil
}

func (r *Resolver) lockFor(email string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	lock, ok := r.locks[email]
	if !ok {
		lock = &sync.Mutex{}
		r.locks[email] = lock
	}
	return lock
}
