package tado

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"

	"github.com/thatsimonsguy/hvac-policy/internal/gateway"
)

const (
	RefreshTokenKey = "tado_refresh_token"

	refreshLease   = "tado_refresh"
	leaseTTL       = 30 * time.Second
	accessTokenTTL = 10 * time.Minute
	expirySkew     = 30 * time.Second
)

// CredentialStore persists the refresh token and serializes rotations
// across processes.
type CredentialStore interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
	WithLease(ctx context.Context, name, owner string, ttl time.Duration, fn func(ctx context.Context) error) error
}

// TokenSource hands out tado access tokens. The refresh token rotates on
// every use, so a refresh runs under a lease and the new refresh token is
// written back before the access token is handed out.
type TokenSource struct {
	oauth *oauth2.Config
	store CredentialStore
	http  *http.Client
	owner string
	now   func() time.Time

	mu        sync.Mutex
	access    string
	expiresAt time.Time

	group singleflight.Group
}

func NewTokenSource(clientID, authURL string, store CredentialStore, httpClient *http.Client) *TokenSource {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: gateway.DefaultTimeout}
	}
	return &TokenSource{
		oauth: &oauth2.Config{
			ClientID: clientID,
			Scopes:   []string{"offline_access"},
			Endpoint: oauth2.Endpoint{
				DeviceAuthURL: authURL + "/device_authorize",
				TokenURL:      authURL + "/token",
				AuthStyle:     oauth2.AuthStyleInParams,
			},
		},
		store: store,
		http:  httpClient,
		owner: uuid.NewString(),
		now:   time.Now,
	}
}

func (ts *TokenSource) Authorize(ctx context.Context, req *http.Request) error {
	token, err := ts.AccessToken(ctx)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	return nil
}

func (ts *TokenSource) Invalidate() {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	ts.access = ""
	ts.expiresAt = time.Time{}
}

// AccessToken returns the cached access token or refreshes it. Concurrent
// callers in this process share a single refresh.
func (ts *TokenSource) AccessToken(ctx context.Context) (string, error) {
	if token, ok := ts.cached(); ok {
		return token, nil
	}
	v, err, _ := ts.group.Do("refresh", func() (any, error) {
		// a flight that finished since the check above already stored a token
		if token, ok := ts.cached(); ok {
			return token, nil
		}
		return ts.refresh(ctx)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (ts *TokenSource) cached() (string, bool) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	if ts.access != "" && ts.now().Before(ts.expiresAt) {
		return ts.access, true
	}
	return "", false
}

func (ts *TokenSource) setAccess(tok *oauth2.Token) {
	expires := ts.now().Add(accessTokenTTL)
	if !tok.Expiry.IsZero() && tok.Expiry.Add(-expirySkew).Before(expires) {
		expires = tok.Expiry.Add(-expirySkew)
	}
	ts.mu.Lock()
	defer ts.mu.Unlock()
	ts.access = tok.AccessToken
	ts.expiresAt = expires
}

func (ts *TokenSource) refresh(ctx context.Context) (string, error) {
	var access string
	err := ts.store.WithLease(ctx, refreshLease, ts.owner, leaseTTL, func(ctx context.Context) error {
		// always read the stored token under the lease: another process may
		// have rotated it while we waited
		current, found, err := ts.store.Get(ctx, RefreshTokenKey)
		if err != nil {
			return fmt.Errorf("load tado refresh token: %w", err)
		}
		if !found || current == "" {
			return fmt.Errorf("no tado refresh token stored, run the device login: %w", gateway.ErrAuthentication)
		}

		src := ts.oauth.TokenSource(ts.clientContext(ctx), &oauth2.Token{RefreshToken: current})
		tok, err := src.Token()
		if err != nil {
			return classify(err)
		}

		if tok.RefreshToken != "" && tok.RefreshToken != current {
			if err := ts.store.Set(ctx, RefreshTokenKey, tok.RefreshToken); err != nil {
				log.Error().Err(err).Msg("Rotated tado refresh token could not be persisted")
				return fmt.Errorf("persist rotated tado refresh token: %w", err)
			}
		}
		ts.setAccess(tok)
		access = tok.AccessToken
		log.Info().Msg("Tado access token refreshed")
		return nil
	})
	return access, err
}

// StartDeviceLogin begins the device-code flow. The user approves the login
// at VerificationURIComplete.
func (ts *TokenSource) StartDeviceLogin(ctx context.Context) (*oauth2.DeviceAuthResponse, error) {
	da, err := ts.oauth.DeviceAuth(ts.clientContext(ctx))
	if err != nil {
		return nil, classify(err)
	}
	return da, nil
}

// CompleteDeviceLogin polls the token endpoint until the user approves or
// the code expires, then stores the first refresh token.
func (ts *TokenSource) CompleteDeviceLogin(ctx context.Context, da *oauth2.DeviceAuthResponse) error {
	tok, err := ts.oauth.DeviceAccessToken(ts.clientContext(ctx), da)
	if err != nil {
		return classify(err)
	}
	if tok.RefreshToken == "" {
		return fmt.Errorf("tado device login returned no refresh token: %w", gateway.ErrAuthentication)
	}
	return ts.store.WithLease(ctx, refreshLease, ts.owner, leaseTTL, func(ctx context.Context) error {
		if err := ts.store.Set(ctx, RefreshTokenKey, tok.RefreshToken); err != nil {
			return fmt.Errorf("persist tado refresh token: %w", err)
		}
		ts.setAccess(tok)
		return nil
	})
}

func (ts *TokenSource) clientContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, ts.http)
}

func classify(err error) error {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) && re.Response != nil {
		switch code := re.Response.StatusCode; {
		case code == http.StatusTooManyRequests:
			return fmt.Errorf("tado token endpoint: %w: %v", gateway.ErrRateLimited, err)
		case code >= 500:
			return fmt.Errorf("tado token endpoint: %w: %v", gateway.ErrTransient, err)
		default:
			return fmt.Errorf("tado token endpoint: %w: %v", gateway.ErrAuthentication, err)
		}
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fmt.Errorf("tado token endpoint: %w: %v", gateway.ErrTransient, err)
}
