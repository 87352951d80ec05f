package melcloud

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"github.com/thatsimonsguy/hvac-policy/internal/gateway"
)

const (
	ContextKeySecret       = "melcloud_context_key"
	ContextKeyExpirySecret = "melcloud_context_key_expires"
	contextHeader          = "X-MitsContextKey"

	// a key is dropped after this long even if the server still accepts it
	sessionTTL = 12 * time.Hour
)

// SecretStore persists the session key so a restart can skip the login.
type SecretStore interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
}

type loginRequest struct {
	Email      string `json:"Email"`
	Password   string `json:"Password"`
	AppVersion string `json:"AppVersion"`
	Persist    bool   `json:"Persist"`
}

type loginResponse struct {
	ErrorID   *int `json:"ErrorId"`
	LoginData *struct {
		ContextKey string `json:"ContextKey"`
	} `json:"LoginData"`
}

// Session authenticates requests with the ContextKey returned by the
// account login.
type Session struct {
	login      *gateway.Caller
	store      SecretStore
	email      string
	password   string
	appVersion string

	mu        sync.Mutex
	key       string
	expiresAt time.Time
	rejected  string

	group singleflight.Group
	now   func() time.Time
}

func NewSession(baseURL, email, password, appVersion string, store SecretStore) *Session {
	return &Session{
		login:      gateway.NewCaller("melcloud", baseURL, 1, nil),
		store:      store,
		email:      email,
		password:   password,
		appVersion: appVersion,
		now:        time.Now,
	}
}

func (s *Session) Authorize(ctx context.Context, req *http.Request) error {
	key, err := s.ContextKey(ctx)
	if err != nil {
		return err
	}
	req.Header.Set(contextHeader, key)
	return nil
}

// Invalidate drops the current key. A persisted copy of the same key is
// not reused.
func (s *Session) Invalidate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.key != "" {
		s.rejected = s.key
	}
	s.key = ""
	s.expiresAt = time.Time{}
}

func (s *Session) ContextKey(ctx context.Context) (string, error) {
	if key := s.current(); key != "" {
		return key, nil
	}
	v, err, _ := s.group.Do("login", func() (any, error) {
		if key := s.current(); key != "" {
			return key, nil
		}
		if key, expires := s.persisted(ctx); key != "" {
			s.setKey(key, expires)
			return key, nil
		}
		return s.doLogin(ctx)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (s *Session) current() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.key == "" || !s.now().Before(s.expiresAt) {
		return ""
	}
	return s.key
}

func (s *Session) setKey(key string, expires time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.key = key
	s.expiresAt = expires
}

// persisted returns the stored key while its stored expiry lies ahead. A key
// stored without an expiry is not trusted.
func (s *Session) persisted(ctx context.Context) (string, time.Time) {
	if s.store == nil {
		return "", time.Time{}
	}
	key, found, err := s.store.Get(ctx, ContextKeySecret)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to load stored MELCloud session")
		return "", time.Time{}
	}
	if !found {
		return "", time.Time{}
	}
	raw, found, err := s.store.Get(ctx, ContextKeyExpirySecret)
	if err != nil || !found {
		return "", time.Time{}
	}
	expires, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		log.Warn().Err(err).Msg("Ignoring stored MELCloud session with a malformed expiry")
		return "", time.Time{}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if key == s.rejected || !s.now().Before(expires) {
		return "", time.Time{}
	}
	return key, expires
}

func (s *Session) doLogin(ctx context.Context) (string, error) {
	var resp loginResponse
	err := s.login.Do(ctx, gateway.Request{
		Method: http.MethodPost,
		Path:   "/Login/ClientLogin",
		Body: loginRequest{
			Email:      s.email,
			Password:   s.password,
			AppVersion: s.appVersion,
			Persist:    true,
		},
	}, &resp)
	if err != nil {
		return "", err
	}
	if resp.ErrorID != nil || resp.LoginData == nil || resp.LoginData.ContextKey == "" {
		code := 0
		if resp.ErrorID != nil {
			code = *resp.ErrorID
		}
		return "", fmt.Errorf("melcloud login rejected (error %d): %w", code, gateway.ErrAuthentication)
	}

	key := resp.LoginData.ContextKey
	expires := s.now().Add(sessionTTL)
	s.setKey(key, expires)
	if s.store != nil {
		if err := s.store.Set(ctx, ContextKeySecret, key); err != nil {
			log.Warn().Err(err).Msg("Failed to persist MELCloud session")
		} else if err := s.store.Set(ctx, ContextKeyExpirySecret, expires.UTC().Format(time.RFC3339)); err != nil {
			log.Warn().Err(err).Msg("Failed to persist MELCloud session expiry")
		}
	}
	log.Info().Msg("MELCloud login successful")
	return key, nil
}
